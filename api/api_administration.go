package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/services"
	"github.com/parsec-cloud/go-parsec-server/types"
)

// AdministrationApi is the server operator surface: organization lifecycle,
// stats, user freezing and sequester service management. Guarded by the
// static admin bearer token, JSON in and out, errors as {detail}.
type AdministrationApi struct {
	store         repository.Store
	organizations *services.OrganizationService
	users         *services.UserService
	sequester     *services.SequesterService
}

func NewAdministrationApi(store repository.Store, organizations *services.OrganizationService, users *services.UserService, sequester *services.SequesterService) *AdministrationApi {
	if store == nil || organizations == nil || users == nil || sequester == nil {
		panic("missing required services")
	}
	return &AdministrationApi{
		store:         store,
		organizations: organizations,
		users:         users,
		sequester:     sequester,
	}
}

type createOrganizationRequest struct {
	OrganizationID string  `json:"organization_id" binding:"required"`
	BootstrapToken *string `json:"bootstrap_token"`
}

func (ad *AdministrationApi) CreateOrganization(c *gin.Context) {
	var req createOrganizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AdminErrorf(c, http.StatusBadRequest, "invalid request body: %s", bindingErrorDetail(err))
		return
	}
	orgID := types.OrganizationID(req.OrganizationID)
	if err := orgID.Validate(); err != nil {
		AdminErrorf(c, http.StatusBadRequest, "invalid organization id")
		return
	}
	org, err := ad.organizations.Create(c.Request.Context(), orgID, req.BootstrapToken)
	if err == types.ErrOrganizationAlreadyExists {
		AdminErrorf(c, http.StatusConflict, "organization already exists")
		return
	}
	if err != nil {
		AdminErrorf(c, http.StatusInternalServerError, "failed to create organization")
		return
	}
	resp := gin.H{"organization_id": string(org.ID)}
	if org.BootstrapToken != nil {
		resp["bootstrap_token"] = *org.BootstrapToken
		resp["bootstrap_url"] = fmt.Sprintf("%s://%s:%d/%s?action=bootstrap&token=%s",
			global.Conf.Scheme, global.Conf.Host, global.Conf.Port, org.ID, *org.BootstrapToken)
	}
	c.JSON(http.StatusOK, resp)
}

func (ad *AdministrationApi) GetOrganization(c *gin.Context) {
	orgID := types.OrganizationID(c.Param("organization_id"))
	org, err := ad.organizations.Get(c.Request.Context(), orgID)
	if err != nil {
		AdminErrorf(c, http.StatusNotFound, "organization not found")
		return
	}
	c.JSON(http.StatusOK, org)
}

// UpdateOrganization patches the admin-settable fields. A present-but-null
// active_users_limit means unlimited, an absent one leaves the limit
// untouched, so the raw body is inspected for key presence.
func (ad *AdministrationApi) UpdateOrganization(c *gin.Context) {
	orgID := types.OrganizationID(c.Param("organization_id"))
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		AdminErrorf(c, http.StatusBadRequest, "invalid request body")
		return
	}
	var update types.OrganizationUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		AdminErrorf(c, http.StatusBadRequest, "invalid request body: %s", bindingErrorDetail(err))
		return
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		AdminErrorf(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, present := keys["active_users_limit"]; present {
		update.SetActiveUsersLimit = true
	}
	org, err := ad.organizations.Update(c.Request.Context(), orgID, update)
	if err == types.ErrOrganizationNotFound {
		AdminErrorf(c, http.StatusNotFound, "organization not found")
		return
	}
	if err != nil {
		AdminErrorf(c, http.StatusInternalServerError, "failed to update organization")
		return
	}
	c.JSON(http.StatusOK, org)
}

func (ad *AdministrationApi) OrganizationStats(c *gin.Context) {
	orgID := types.OrganizationID(c.Param("organization_id"))
	stats, err := ad.organizations.Stats(c.Request.Context(), orgID)
	if err != nil {
		AdminErrorf(c, http.StatusNotFound, "organization not found")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GlobalStats aggregates every organization, keyed by id.
func (ad *AdministrationApi) GlobalStats(c *gin.Context) {
	ctx := c.Request.Context()
	organizations, err := ad.organizations.List(ctx)
	if err != nil {
		AdminErrorf(c, http.StatusInternalServerError, "failed to list organizations")
		return
	}
	perOrg := make(map[string]*types.OrganizationStats, len(organizations))
	for _, org := range organizations {
		stats, sErr := ad.organizations.Stats(ctx, org.ID)
		if sErr != nil {
			global.Logger.Log("msg", "failed to compute organization stats", "organization", string(org.ID), "err", sErr.Error())
			continue
		}
		perOrg[string(org.ID)] = stats
	}
	c.JSON(http.StatusOK, gin.H{"stats": perOrg})
}

func (ad *AdministrationApi) ListUsers(c *gin.Context) {
	orgID := types.OrganizationID(c.Param("organization_id"))
	users, err := ad.users.List(c.Request.Context(), orgID)
	if err != nil {
		AdminErrorf(c, http.StatusNotFound, "organization not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

type freezeUserRequest struct {
	UserID    *string `json:"user_id"`
	UserEmail *string `json:"user_email"`
	Frozen    bool    `json:"frozen"`
}

// FreezeUser blocks (or unblocks) a user without touching the certificate
// log; frozen is an operator flag, not an organization-visible revocation.
func (ad *AdministrationApi) FreezeUser(c *gin.Context) {
	orgID := types.OrganizationID(c.Param("organization_id"))
	var req freezeUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AdminErrorf(c, http.StatusBadRequest, "invalid request body: %s", bindingErrorDetail(err))
		return
	}
	ctx := c.Request.Context()

	var userID types.UserID
	switch {
	case req.UserID != nil:
		parsed, pErr := uuid.Parse(*req.UserID)
		if pErr != nil {
			AdminErrorf(c, http.StatusBadRequest, "invalid user id")
			return
		}
		userID = parsed
	case req.UserEmail != nil:
		user, uErr := ad.store.Users().GetByHumanEmail(ctx, orgID, *req.UserEmail)
		if uErr != nil {
			AdminErrorf(c, http.StatusNotFound, "user not found")
			return
		}
		userID = user.ID
	default:
		AdminErrorf(c, http.StatusBadRequest, "user_id or user_email is required")
		return
	}

	if err := ad.users.SetFrozen(ctx, orgID, userID, req.Frozen); err != nil {
		if err == types.ErrUserNotFound || err == types.ErrOrganizationNotFound {
			AdminErrorf(c, http.StatusNotFound, "user not found")
			return
		}
		AdminErrorf(c, http.StatusInternalServerError, "failed to update user")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "frozen": req.Frozen})
}

// ResetUserTotp accepts the request for API compatibility: second-factor
// state is managed by the identity provider, the server holds none.
func (ad *AdministrationApi) ResetUserTotp(c *gin.Context) {
	orgID := types.OrganizationID(c.Param("organization_id"))
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		AdminErrorf(c, http.StatusBadRequest, "invalid user id")
		return
	}
	if _, err := ad.store.Users().Get(c.Request.Context(), orgID, userID); err != nil {
		AdminErrorf(c, http.StatusNotFound, "user not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID.String()})
}

func (ad *AdministrationApi) ListSequesterServices(c *gin.Context) {
	orgID := types.OrganizationID(c.Param("organization_id"))
	servicesList, err := ad.sequester.List(c.Request.Context(), orgID)
	if err != nil {
		if err == types.ErrOrganizationNotFound {
			AdminErrorf(c, http.StatusNotFound, "organization not found")
			return
		}
		AdminErrorf(c, http.StatusInternalServerError, "failed to list sequester services")
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": servicesList})
}

type createSequesterServiceRequest struct {
	// ServiceCertificate is the authority-signed service certificate
	ServiceCertificate []byte                     `json:"service_certificate" binding:"required"`
	ServiceType        types.SequesterServiceType `json:"service_type" binding:"required"`
	WebhookURL         string                     `json:"webhook_url"`
}

func (ad *AdministrationApi) CreateSequesterService(c *gin.Context) {
	orgID := types.OrganizationID(c.Param("organization_id"))
	var req createSequesterServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AdminErrorf(c, http.StatusBadRequest, "invalid request body: %s", bindingErrorDetail(err))
		return
	}
	service, err := ad.sequester.CreateService(c.Request.Context(), orgID, req.ServiceCertificate, req.ServiceType, req.WebhookURL, types.Now())
	if err != nil {
		adminSequesterFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, service)
}

type revokeSequesterServiceRequest struct {
	RevokedServiceCertificate []byte `json:"revoked_service_certificate" binding:"required"`
}

func (ad *AdministrationApi) RevokeSequesterService(c *gin.Context) {
	orgID := types.OrganizationID(c.Param("organization_id"))
	var req revokeSequesterServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AdminErrorf(c, http.StatusBadRequest, "invalid request body: %s", bindingErrorDetail(err))
		return
	}
	if err := ad.sequester.RevokeService(c.Request.Context(), orgID, req.RevokedServiceCertificate, types.Now()); err != nil {
		adminSequesterFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func adminSequesterFailure(c *gin.Context, err error) {
	switch err {
	case types.ErrOrganizationNotFound:
		AdminErrorf(c, http.StatusNotFound, "organization not found")
	case types.ErrSequesterDisabled:
		AdminErrorf(c, http.StatusBadRequest, "organization is not sequestered")
	case types.ErrSequesterServiceNotFound:
		AdminErrorf(c, http.StatusNotFound, "sequester service not found")
	case types.ErrSequesterServiceAlreadyExists:
		AdminErrorf(c, http.StatusConflict, "sequester service already exists")
	case types.ErrSequesterServiceRevoked:
		AdminErrorf(c, http.StatusConflict, "sequester service already revoked")
	case types.ErrInvalidCertificate:
		AdminErrorf(c, http.StatusBadRequest, "invalid certificate")
	default:
		var ballpark *types.TimestampOutOfBallparkError
		var requireGreater *types.RequireGreaterTimestampError
		if errors.As(err, &ballpark) || errors.As(err, &requireGreater) {
			AdminErrorf(c, http.StatusBadRequest, "%s", err.Error())
			return
		}
		AdminErrorf(c, http.StatusInternalServerError, "sequester operation failed")
	}
}
