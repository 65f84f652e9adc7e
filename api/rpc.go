package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/types"
)

const (
	// One API version family is served at a time; clients advertise theirs
	// in the Api-Version header as "major.minor".
	apiVersionMajor = 5

	contentTypeRpc = "application/cbor"

	// Blocks are the largest payloads crossing the RPC boundary.
	maxRpcBodyBytes = 16 << 20
)

// readRpc negotiates the version, reads the framed body and extracts the
// command name. On failure the response is already written.
func readRpc(c *gin.Context) (payload []byte, cmd string, ok bool) {
	version := c.GetHeader("Api-Version")
	if version != "" {
		major, err := strconv.Atoi(strings.SplitN(version, ".", 2)[0])
		if err != nil || major != apiVersionMajor {
			c.Header("Supported-Api-Versions", strconv.Itoa(apiVersionMajor))
			writeRpcStatus(c, http.StatusUnprocessableEntity, types.RpcError{Status: "unsupported_api_version"})
			return nil, "", false
		}
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRpcBodyBytes+1))
	if err != nil || len(body) == 0 || len(body) > maxRpcBodyBytes {
		writeRpcStatus(c, http.StatusBadRequest, types.RpcError{Status: "invalid_msg_format"})
		return nil, "", false
	}
	var probe types.RpcProbe
	if err := types.UnmarshalCanonical(body, &probe); err != nil || probe.Cmd == "" {
		writeRpcStatus(c, http.StatusBadRequest, types.RpcError{Status: "invalid_msg_format"})
		return nil, "", false
	}
	return body, probe.Cmd, true
}

func decodeRpc(c *gin.Context, payload []byte, req any) bool {
	if err := types.UnmarshalCanonical(payload, req); err != nil {
		writeRpcStatus(c, http.StatusBadRequest, types.RpcError{Status: "invalid_msg_format"})
		return false
	}
	return true
}

func writeRpc(c *gin.Context, response any) {
	writeRpcStatus(c, http.StatusOK, response)
}

func writeRpcStatus(c *gin.Context, httpStatus int, response any) {
	raw, err := types.MarshalCanonical(response)
	if err != nil {
		global.Logger.Log("msg", "failed to encode rpc response", "err", err.Error())
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(httpStatus, contentTypeRpc, raw)
}

func rpcOk(c *gin.Context) {
	writeRpc(c, types.RpcOk{Status: "ok"})
}

// rpcFailure maps a service error onto its wire status. Rich errors keep
// their extra fields; anything unmapped is an internal error, logged with
// the command for correlation.
func rpcFailure(c *gin.Context, cmd string, err error) {
	var (
		requireGreater   *types.RequireGreaterTimestampError
		outOfBallpark    *types.TimestampOutOfBallparkError
		badKeyIndex      *types.BadKeyIndexError
		participant      *types.ParticipantMismatchError
		sequesterService *types.SequesterServiceMismatchError
		rejected         *types.RejectedBySequesterServiceError
		unavailable      *types.SequesterServiceUnavailableError
		cancelled        *types.GreetingAttemptCancelledError
	)
	switch {
	case errors.As(err, &requireGreater):
		writeRpc(c, types.RpcRequireGreaterTimestamp{
			Status:              "require_greater_timestamp",
			StrictlyGreaterThan: requireGreater.StrictlyGreaterThan,
		})
	case errors.As(err, &outOfBallpark):
		writeRpc(c, types.RpcTimestampOutOfBallpark{
			Status:                    "timestamp_out_of_ballpark",
			ClientTimestamp:           outOfBallpark.ClientTimestamp,
			ServerTimestamp:           outOfBallpark.ServerTimestamp,
			BallparkClientEarlyOffset: outOfBallpark.BallparkClientEarlyOffset,
			BallparkClientLateOffset:  outOfBallpark.BallparkClientLateOffset,
		})
	case errors.As(err, &badKeyIndex):
		writeRpc(c, types.RpcBadKeyIndex{
			Status:                        "bad_key_index",
			LastRealmCertificateTimestamp: badKeyIndex.LastRealmCertificateTimestamp,
		})
	case errors.As(err, &participant):
		writeRpc(c, types.RpcParticipantMismatch{
			Status:                        "participant_mismatch",
			LastRealmCertificateTimestamp: participant.LastRealmCertificateTimestamp,
		})
	case errors.As(err, &sequesterService):
		writeRpc(c, types.RpcSequesterServiceMismatch{
			Status:                            "sequester_service_mismatch",
			LastSequesterCertificateTimestamp: sequesterService.LastSequesterCertificateTimestamp,
		})
	case errors.As(err, &rejected):
		writeRpc(c, types.RpcRejectedBySequesterService{
			Status:    "rejected_by_sequester_service",
			ServiceID: rejected.ServiceID,
			Reason:    rejected.Reason,
		})
	case errors.As(err, &unavailable):
		writeRpc(c, types.RpcSequesterServiceUnavailable{
			Status:    "sequester_service_unavailable",
			ServiceID: unavailable.ServiceID,
		})
	case errors.As(err, &cancelled):
		writeRpc(c, types.RpcGreetingAttemptCancelled{
			Status:    "greeting_attempt_cancelled",
			Origin:    cancelled.Origin,
			Reason:    cancelled.Reason,
			Timestamp: cancelled.Timestamp,
		})
	case errors.Is(err, context.DeadlineExceeded):
		// long-poll gateway timeout, the client retries with the same inputs
		writeRpc(c, types.RpcError{Status: "timeout"})
	default:
		status, mapped := rpcStatusOf(err)
		if !mapped {
			global.Logger.Log("msg", "rpc command failed with unmapped error", "cmd", cmd, "err", err.Error())
			writeRpcStatus(c, http.StatusInternalServerError, types.RpcError{Status: "internal_error"})
			return
		}
		writeRpc(c, types.RpcError{Status: status})
	}
}

var rpcStatuses = map[error]string{
	types.ErrOrganizationNotFound:      "organization_not_found",
	types.ErrOrganizationExpired:       "organization_expired",
	types.ErrOrganizationAlreadyExists: "organization_already_exists",
	types.ErrAlreadyBootstrapped:       "organization_already_bootstrapped",
	types.ErrInvalidBootstrapToken:     "invalid_bootstrap_token",

	types.ErrUserNotFound:            "user_not_found",
	types.ErrUserAlreadyExists:       "user_already_exists",
	types.ErrDeviceAlreadyExists:     "device_already_exists",
	types.ErrHumanHandleAlreadyTaken: "human_handle_already_taken",
	types.ErrActiveUsersLimitReached: "active_users_limit_reached",
	types.ErrUserAlreadyRevoked:      "user_already_revoked",
	types.ErrUserIsLastAdmin:         "user_is_last_admin",
	types.ErrSameProfile:             "user_no_changes",
	types.ErrUserFrozen:              "user_frozen",
	types.ErrNoTos:                   "no_tos",
	types.ErrTosNotAccepted:          "tos_not_accepted",

	types.ErrRealmNotFound:                "realm_not_found",
	types.ErrRealmAlreadyExists:           "realm_already_exists",
	types.ErrRoleIncompatibleWithOutsider: "role_incompatible_with_outsider_profile",
	types.ErrRealmNameAlreadySet:          "realm_name_already_set",

	types.ErrShamirSetupNotFound:      "shamir_recovery_not_found",
	types.ErrShamirSetupAlreadyExists: "shamir_recovery_already_exists",

	types.ErrVlobNotFound:       "vlob_not_found",
	types.ErrVlobAlreadyExists:  "vlob_already_exists",
	types.ErrBadVlobVersion:     "bad_vlob_version",
	types.ErrBlockNotFound:      "block_not_found",
	types.ErrBlockAlreadyExists: "block_already_exists",

	types.ErrInvitationNotFound:         "invitation_not_found",
	types.ErrInvitationAlreadyCancelled: "invitation_already_cancelled",
	types.ErrInvitationCompleted:        "invitation_completed",

	types.ErrGreetingAttemptNotFound:         "greeting_attempt_not_found",
	types.ErrGreetingAttemptNotJoined:        "greeting_attempt_not_joined",
	types.ErrGreetingAttemptAlreadyCancelled: "greeting_attempt_already_cancelled",
	types.ErrGreetingStepMismatch:            "greeting_attempt_step_mismatch",
	types.ErrGreetingStepTooAdvanced:         "greeting_attempt_step_too_advanced",
	types.ErrGreetingNotReady:                "not_ready",

	types.ErrSequesterDisabled:             "sequester_disabled",
	types.ErrSequesterServiceNotFound:      "sequester_service_not_found",
	types.ErrSequesterServiceAlreadyExists: "sequester_service_already_exists",
	types.ErrSequesterServiceRevoked:       "sequester_service_already_revoked",

	types.ErrEnrollmentNotFound:          "enrollment_not_found",
	types.ErrEnrollmentNoLongerAvailable: "enrollment_no_longer_available",
	types.ErrEnrollmentAlreadySubmitted:  "enrollment_already_submitted",

	types.ErrInvalidCertificate: "invalid_certificate",
	types.ErrAuthorNotAllowed:   "author_not_allowed",
	types.ErrAuthorRevoked:      "author_revoked",
}

func rpcStatusOf(err error) (string, bool) {
	for sentinel, status := range rpcStatuses {
		if errors.Is(err, sentinel) {
			return status, true
		}
	}
	return "", false
}
