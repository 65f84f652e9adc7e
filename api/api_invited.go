package api

import (
	"github.com/gin-gonic/gin"

	"github.com/parsec-cloud/go-parsec-server/services"
	"github.com/parsec-cloud/go-parsec-server/types"
)

// InvitedApi serves clients whose only credential is an invitation token.
type InvitedApi struct {
	invites *services.InviteService
}

func NewInvitedApi(invites *services.InviteService) *InvitedApi {
	if invites == nil {
		panic("missing required services")
	}
	return &InvitedApi{invites: invites}
}

func invitedFromContext(c *gin.Context) (*types.Organization, types.InvitationToken) {
	org := c.MustGet("organization").(*types.Organization)
	token := c.MustGet("invitationToken").(types.InvitationToken)
	return org, token
}

func (ia *InvitedApi) Rpc(c *gin.Context) {
	payload, cmd, ok := readRpc(c)
	if !ok {
		return
	}
	org, token := invitedFromContext(c)
	ctx := c.Request.Context()
	now := types.Now()

	switch cmd {
	case "ping":
		var req types.PingRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		writeRpc(c, types.PingResponse{Status: "ok", Pong: req.Ping})

	case "invite_info":
		resp, err := ia.invites.Info(ctx, org.ID, token)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		resp.Status = "ok"
		writeRpc(c, resp)

	case "invite_claimer_start_greeting_attempt":
		var req types.InviteClaimerStartGreetingAttemptRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		attempt, err := ia.invites.ClaimerStartAttempt(ctx, org.ID, token, req.GreeterUserID, now)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		writeRpc(c, types.StartGreetingAttemptResponse{Status: "ok", GreetingAttempt: attempt.ID})

	case "invite_claimer_step":
		var req types.InviteClaimerStepRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		peer, err := ia.invites.ClaimerStep(ctx, org.ID, token, &req)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		writeRpc(c, types.InviteClaimerStepResponse{Status: "ok", GreeterStep: peer})

	case "invite_claimer_cancel_greeting_attempt":
		var req types.InviteClaimerCancelGreetingAttemptRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := ia.invites.ClaimerCancelAttempt(ctx, org.ID, token, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "invite_claimer_wait_peer":
		var req types.ConduitExchangeRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		resp, err := ia.invites.ConduitExchange(ctx, org.ID, token, types.Claimer, &req, now)
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
