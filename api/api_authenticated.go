package api

import (
	"github.com/gin-gonic/gin"

	"github.com/parsec-cloud/go-parsec-server/api/interceptors"
	"github.com/parsec-cloud/go-parsec-server/services"
	"github.com/parsec-cloud/go-parsec-server/types"
)

// AuthenticatedApi serves the device-authenticated RPC endpoint. One POST
// per command; the middleware has already resolved the organization, user
// and device.
type AuthenticatedApi struct {
	users   *services.UserService
	realms  *services.RealmService
	vlobs   *services.VlobService
	invites *services.InviteService
	shamir  *services.ShamirService
	pki     *services.PkiService
	events  *services.EventService
}

func NewAuthenticatedApi(users *services.UserService, realms *services.RealmService, vlobs *services.VlobService, invites *services.InviteService, shamir *services.ShamirService, pki *services.PkiService, events *services.EventService) *AuthenticatedApi {
	if users == nil || realms == nil || vlobs == nil || invites == nil || shamir == nil || pki == nil || events == nil {
		panic("missing required services")
	}
	return &AuthenticatedApi{
		users:   users,
		realms:  realms,
		vlobs:   vlobs,
		invites: invites,
		shamir:  shamir,
		pki:     pki,
		events:  events,
	}
}

func authorFromContext(c *gin.Context) (*types.Organization, *types.User, *types.Device) {
	org := c.MustGet("organization").(*types.Organization)
	user := c.MustGet("user").(*types.User)
	device := c.MustGet("device").(*types.Device)
	return org, user, device
}

// tosOutdated reports whether the user still has to accept the current
// terms of service.
func tosOutdated(org *types.Organization, user *types.User) bool {
	if len(org.Tos) == 0 {
		return false
	}
	return user.TosAcceptedOn.IsZero() || user.TosAcceptedOn < org.TosUpdatedOn
}

func (aa *AuthenticatedApi) Rpc(c *gin.Context) {
	payload, cmd, ok := readRpc(c)
	if !ok {
		return
	}
	org, user, device := authorFromContext(c)

	// everything except the TOS commands themselves is blocked until the
	// current terms are accepted
	switch cmd {
	case "ping", "tos_get", "tos_accept":
	default:
		if tosOutdated(org, user) {
			writeRpcStatus(c, interceptors.StatusTosNotAccepted, types.RpcError{Status: "tos_not_accepted"})
			return
		}
	}

	ctx := c.Request.Context()
	now := types.Now()

	switch cmd {
	case "ping":
		var req types.PingRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		aa.events.Publish(org.ID, types.EventPinged{Ping: req.Ping})
		writeRpc(c, types.PingResponse{Status: "ok", Pong: req.Ping})

	case "certificate_get":
		var req types.CertificateGetRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		resp, err := aa.realms.CertificateGet(ctx, org.ID, device.ID, &req)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		resp.Status = "ok"
		writeRpc(c, resp)

	case "user_create":
		var req types.UserCreateRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.users.Create(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "user_update":
		var req types.UserUpdateRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.users.UpdateProfile(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "user_revoke":
		var req types.UserRevokeRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.users.Revoke(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "device_create":
		var req types.DeviceCreateRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.users.CreateDevice(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "tos_get":
		resp, err := aa.users.TosGet(ctx, org.ID, device.ID)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		resp.Status = "ok"
		writeRpc(c, resp)

	case "tos_accept":
		var req types.TosAcceptRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.users.TosAccept(ctx, org.ID, device.ID, req.UpdatedOn); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "realm_create":
		var req types.RealmCreateRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.realms.Create(ctx, org.ID, device.ID, req.RealmRoleCertificate, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "realm_share":
		var req types.RealmShareRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.realms.Share(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "realm_unshare":
		var req types.RealmUnshareRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.realms.Unshare(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "realm_rename":
		var req types.RealmRenameRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.realms.Rename(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "realm_rotate_key":
		var req types.RealmRotateKeyRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.realms.RotateKey(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "realm_update_archiving":
		var req types.RealmUpdateArchivingRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.realms.SetArchiving(ctx, org.ID, device.ID, req.RealmArchivingCertificate, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "realm_get_keys_bundle":
		var req types.RealmGetKeysBundleRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		resp, err := aa.realms.GetKeysBundle(ctx, org.ID, device.ID, &req)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		resp.Status = "ok"
		writeRpc(c, resp)

	case "vlob_create":
		var req types.VlobCreateRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.vlobs.CreateVlob(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "vlob_update":
		var req types.VlobUpdateRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.vlobs.UpdateVlob(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "vlob_read":
		var req types.VlobReadRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		resp, err := aa.vlobs.ReadVlob(ctx, org.ID, device.ID, &req)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		resp.Status = "ok"
		writeRpc(c, resp)

	case "vlob_poll_changes":
		var req types.VlobPollChangesRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		resp, err := aa.vlobs.PollChanges(ctx, org.ID, device.ID, &req)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		resp.Status = "ok"
		writeRpc(c, resp)

	case "block_create":
		var req types.BlockCreateRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.vlobs.CreateBlock(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "block_read":
		var req types.BlockReadRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		resp, err := aa.vlobs.ReadBlock(ctx, org.ID, device.ID, &req)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		resp.Status = "ok"
		writeRpc(c, resp)

	case "invite_new_user":
		var req types.InviteNewUserRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		resp, err := aa.invites.NewUser(ctx, org.ID, device.ID, &req, now)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		resp.Status = "ok"
		writeRpc(c, resp)

	case "invite_new_device":
		var req types.InviteNewDeviceRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		resp, err := aa.invites.NewDevice(ctx, org.ID, device.ID, &req, now)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		resp.Status = "ok"
		writeRpc(c, resp)

	case "invite_new_shamir_recovery":
		var req types.InviteNewShamirRecoveryRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		resp, err := aa.invites.NewShamirRecovery(ctx, org.ID, device.ID, &req, now)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		resp.Status = "ok"
		writeRpc(c, resp)

	case "invite_list":
		invitations, err := aa.invites.List(ctx, org.ID, device.ID)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		writeRpc(c, types.InviteListResponse{Status: "ok", Invitations: invitations})

	case "invite_cancel":
		var req types.InviteCancelRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.invites.Cancel(ctx, org.ID, device.ID, req.Token, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "invite_complete":
		var req types.InviteCompleteRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.invites.Complete(ctx, org.ID, device.ID, req.Token); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "invite_greeter_start_greeting_attempt":
		var req types.InviteGreeterStartGreetingAttemptRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		attempt, err := aa.invites.GreeterStartAttempt(ctx, org.ID, device.ID, req.Token, now)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		writeRpc(c, types.StartGreetingAttemptResponse{Status: "ok", GreetingAttempt: attempt.ID})

	case "invite_greeter_step":
		var req types.InviteGreeterStepRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		peer, err := aa.invites.GreeterStep(ctx, org.ID, device.ID, &req)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		writeRpc(c, types.InviteGreeterStepResponse{Status: "ok", ClaimerStep: peer})

	case "invite_greeter_cancel_greeting_attempt":
		var req types.InviteGreeterCancelGreetingAttemptRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.invites.GreeterCancelAttempt(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "invite_greeter_wait_peer":
		var req types.ConduitExchangeRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		resp, err := aa.invites.GreeterConduitExchange(ctx, org.ID, device.ID, &req, now)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		resp.Status = "ok"
		writeRpc(c, resp)

	case "shamir_recovery_setup":
		var req types.ShamirRecoverySetupRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.shamir.Setup(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "shamir_recovery_delete":
		var req types.ShamirRecoveryDeleteRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.shamir.Delete(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "pki_enrollment_list":
		enrollments, err := aa.pki.List(ctx, org.ID, device.ID)
		if err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		writeRpc(c, types.PkiEnrollmentListResponse{Status: "ok", Enrollments: enrollments})

	case "pki_enrollment_accept":
		var req types.PkiEnrollmentAcceptRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.pki.Accept(ctx, org.ID, device.ID, &req, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	case "pki_enrollment_reject":
		var req types.PkiEnrollmentRejectRequest
		if !decodeRpc(c, payload, &req) {
			return
		}
		if err := aa.pki.Reject(ctx, org.ID, device.ID, req.EnrollmentID, now); err != nil {
			rpcFailure(c, cmd, err)
			return
		}
		rpcOk(c)

	default:
		writeRpc(c, types.RpcError{Status: "unknown_command"})
	}
}
