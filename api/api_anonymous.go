package api

import (
	"github.com/gin-gonic/gin"

	"github.com/parsec-cloud/go-parsec-server/services"
	"github.com/parsec-cloud/go-parsec-server/types"
)

// AnonymousApi serves the organization-scoped commands carrying no identity
// at all: bootstrap and the submitter side of PKI enrollment. The
// organization is not required to exist beforehand (spontaneous bootstrap),
// so there is no middleware lookup here.
type AnonymousApi struct {
	organizations *services.OrganizationService
	pki           *services.PkiService
}

func NewAnonymousApi(organizations *services.OrganizationService, pki *services.PkiService) *AnonymousApi {
	if organizations == nil || pki == nil {
		panic("missing required services")
	}
	return &AnonymousApi{organizations: organizations, pki: pki}
}

func (na *AnonymousApi) Rpc(c *gin.Context) {
	payload, cmd, ok := readRpc(c)
	if !ok {
		return
	}
	orgID := types.OrganizationID(c.Param("organization_id"))
	ctx := c.Request.Context()
	now := types.Now()

	switch cmd {
	case "ping":
		var req types.PingRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		writeRpc(c, types.PingResponse{Status: "ok", Pong: req.Ping})

	case "organization_bootstrap":
		var req types.OrganizationBootstrapRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := na.organizations.Bootstrap(ctx, orgID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "pki_enrollment_submit":
		var req types.PkiEnrollmentSubmitRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		submittedOn, err := na.pki.Submit(ctx, orgID, &req, now)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		writeRpc(c, types.PkiEnrollmentSubmitResponse{Status: "ok", SubmittedOn: submittedOn})

	case "pki_enrollment_info":
		var req types.PkiEnrollmentInfoRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		resp, err := na.pki.Info(ctx, orgID, req.EnrollmentID)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		resp.Status = "ok"
		writeRpc(c, resp)

	default:
		writeRpc(c, types.RpcError{Status: "unknown_command"})
	}
}
