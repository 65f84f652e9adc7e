package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the generic repository miss
	ErrNotFound = errors.New("not found")

	ErrOrganizationNotFound    = errors.New("organization not found")
	ErrOrganizationExpired     = errors.New("organization expired")
	ErrAlreadyBootstrapped     = errors.New("organization already bootstrapped")
	ErrInvalidBootstrapToken   = errors.New("invalid bootstrap token")
	ErrOrganizationAlreadyExists = errors.New("organization already exists")

	ErrUserNotFound            = errors.New("user not found")
	ErrUserAlreadyExists       = errors.New("user already exists")
	ErrDeviceAlreadyExists     = errors.New("device already exists")
	ErrHumanHandleAlreadyTaken = errors.New("human handle already taken")
	ErrActiveUsersLimitReached = errors.New("active users limit reached")
	ErrUserAlreadyRevoked      = errors.New("user already revoked")
	ErrUserIsLastAdmin         = errors.New("user is the last admin")
	ErrSameProfile             = errors.New("new profile equals the current one")
	ErrUserFrozen              = errors.New("user is frozen")
	ErrTosNotAccepted          = errors.New("terms of service not accepted")
	ErrNoTos                   = errors.New("organization has no terms of service")

	ErrRealmNotFound      = errors.New("realm not found")
	ErrRealmAlreadyExists = errors.New("realm already exists")
	// OUTSIDER users may never hold OWNER or MANAGER roles
	ErrRoleIncompatibleWithOutsider = errors.New("role incompatible with outsider profile")

	ErrRealmNameAlreadySet = errors.New("realm initial name already set")

	ErrShamirSetupNotFound      = errors.New("shamir recovery setup not found")
	ErrShamirSetupAlreadyExists = errors.New("shamir recovery setup already exists")

	ErrVlobNotFound      = errors.New("vlob not found")
	ErrVlobAlreadyExists = errors.New("vlob already exists")
	ErrBadVlobVersion    = errors.New("bad vlob version")
	ErrBlockNotFound     = errors.New("block not found")
	ErrBlockAlreadyExists = errors.New("block already exists")

	ErrInvitationNotFound         = errors.New("invitation not found")
	ErrInvitationAlreadyCancelled = errors.New("invitation already cancelled")
	ErrInvitationCompleted        = errors.New("invitation completed")

	ErrGreetingAttemptNotFound         = errors.New("greeting attempt not found")
	ErrGreetingAttemptNotJoined        = errors.New("greeting attempt not joined")
	ErrGreetingAttemptAlreadyCancelled = errors.New("greeting attempt already cancelled")
	ErrGreetingStepMismatch            = errors.New("greeting step payload mismatch")
	ErrGreetingStepTooAdvanced         = errors.New("greeting step too advanced")
	ErrGreetingNotReady                = errors.New("peer has not published this step yet")

	ErrSequesterDisabled          = errors.New("organization is not sequestered")
	ErrSequesterServiceNotFound      = errors.New("sequester service not found")
	ErrSequesterServiceAlreadyExists = errors.New("sequester service already exists")
	ErrSequesterServiceRevoked    = errors.New("sequester service already revoked")

	ErrEnrollmentNotFound          = errors.New("enrollment not found")
	ErrEnrollmentNoLongerAvailable = errors.New("enrollment no longer available")
	ErrEnrollmentAlreadySubmitted  = errors.New("enrollment already submitted")

	// ErrInvalidCertificate covers any certificate decoding, signature or
	// consistency failure
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrAuthorNotAllowed   = errors.New("author not allowed")
	ErrAuthorRevoked      = errors.New("author revoked")

	// ErrInternal (for unhandled storage or programming errors surfaced to RPC)
	ErrInternal = errors.New("internal error")
)

// RequireGreaterTimestampError is returned when a certificate does not
// strictly succeed the topic it is appended to. The caller retries with a
// later stamp.
type RequireGreaterTimestampError struct {
	StrictlyGreaterThan Timestamp
}

func (e *RequireGreaterTimestampError) Error() string {
	return fmt.Sprintf("timestamp must be strictly greater than %s", e.StrictlyGreaterThan)
}

// TimestampOutOfBallparkError carries both offsets and both timestamps so the
// client can resynchronize its clock.
type TimestampOutOfBallparkError struct {
	ClientTimestamp           Timestamp
	ServerTimestamp           Timestamp
	BallparkClientEarlyOffset int
	BallparkClientLateOffset  int
}

func (e *TimestampOutOfBallparkError) Error() string {
	return fmt.Sprintf("client timestamp %s out of ballpark (server %s, early %ds, late %ds)",
		e.ClientTimestamp, e.ServerTimestamp, e.BallparkClientEarlyOffset, e.BallparkClientLateOffset)
}

type BadKeyIndexError struct {
	LastRealmCertificateTimestamp Timestamp
}

func (e *BadKeyIndexError) Error() string {
	return fmt.Sprintf("bad key index (last realm certificate at %s)", e.LastRealmCertificateTimestamp)
}

// ParticipantMismatchError: a key rotation must list exactly the current
// non-revoked realm members.
type ParticipantMismatchError struct {
	LastRealmCertificateTimestamp Timestamp
}

func (e *ParticipantMismatchError) Error() string {
	return fmt.Sprintf("keys bundle access does not match realm participants (last realm certificate at %s)", e.LastRealmCertificateTimestamp)
}

type SequesterServiceMismatchError struct {
	LastSequesterCertificateTimestamp Timestamp
}

func (e *SequesterServiceMismatchError) Error() string {
	return fmt.Sprintf("keys bundle access does not match active sequester services (last sequester certificate at %s)", e.LastSequesterCertificateTimestamp)
}

type RejectedBySequesterServiceError struct {
	ServiceID SequesterServiceID
	Reason    string
}

func (e *RejectedBySequesterServiceError) Error() string {
	return fmt.Sprintf("rejected by sequester service %s: %s", e.ServiceID, e.Reason)
}

type SequesterServiceUnavailableError struct {
	ServiceID SequesterServiceID
}

func (e *SequesterServiceUnavailableError) Error() string {
	return fmt.Sprintf("sequester service %s unavailable", e.ServiceID)
}

// GreetingAttemptCancelledError answers every step call on a cancelled
// attempt with the origin, reason and time of the cancellation.
type GreetingAttemptCancelledError struct {
	Origin    GreeterOrClaimer
	Reason    CancelledGreetingAttemptReason
	Timestamp Timestamp
}

func (e *GreetingAttemptCancelledError) Error() string {
	return fmt.Sprintf("greeting attempt cancelled by %s (%s) at %s", e.Origin, e.Reason, e.Timestamp)
}
