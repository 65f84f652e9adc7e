package types

import "bytes"

type InvitationType string

const (
	InvitationUser           InvitationType = "USER"
	InvitationDevice         InvitationType = "DEVICE"
	InvitationShamirRecovery InvitationType = "SHAMIR_RECOVERY"
)

type InvitationStatus string

const (
	InvitationIdle      InvitationStatus = "IDLE"
	InvitationReady     InvitationStatus = "READY"
	InvitationCancelled InvitationStatus = "CANCELLED"
	InvitationFinished  InvitationStatus = "FINISHED"
)

type Invitation struct {
	Token     InvitationToken  `json:"token"`
	Type      InvitationType   `json:"type"`
	CreatedBy UserID           `json:"created_by"`
	CreatedOn Timestamp        `json:"created_on"`
	Status    InvitationStatus `json:"status"`
	// ClaimerEmail is set for USER invitations
	ClaimerEmail string `json:"claimer_email,omitempty"`
	// ClaimerUserID is set for DEVICE (the inviting user itself) and
	// SHAMIR_RECOVERY (the user being recovered) invitations
	ClaimerUserID *UserID `json:"claimer_user_id,omitempty"`
}

type GreeterOrClaimer string

const (
	Greeter GreeterOrClaimer = "GREETER"
	Claimer GreeterOrClaimer = "CLAIMER"
)

func (g GreeterOrClaimer) Peer() GreeterOrClaimer {
	if g == Greeter {
		return Claimer
	}
	return Greeter
}

type CancelledGreetingAttemptReason string

const (
	CancelledReasonNormal           CancelledGreetingAttemptReason = "NORMAL"
	CancelledReasonBadSasCode       CancelledGreetingAttemptReason = "BAD_SAS_CODE"
	CancelledReasonUndecipherable   CancelledGreetingAttemptReason = "UNDECIPHERABLE_PAYLOAD"
	CancelledReasonUndeserializable CancelledGreetingAttemptReason = "UNDESERIALIZABLE_PAYLOAD"
	CancelledReasonInconsistent     CancelledGreetingAttemptReason = "INCONSISTENT_PAYLOAD"
	CancelledReasonAutomatic        CancelledGreetingAttemptReason = "AUTOMATICALLY_CANCELLED"
)

// MaxGreetingSteps bounds the ordered exchange: step indices 0..8.
const MaxGreetingSteps = 9

// GreetingAttempt is the per-attempt rendezvous state between greeter and
// claimer. Each side owns an ordered log of opaque step payloads; the
// advancement rules live in Step.
type GreetingAttempt struct {
	ID    GreetingAttemptID `json:"greeting_attempt"`
	Token InvitationToken   `json:"token"`
	// zero timestamps mean the side has not joined yet
	GreeterJoinedOn Timestamp `json:"greeter_joined,omitempty"`
	ClaimerJoinedOn Timestamp `json:"claimer_joined,omitempty"`

	CancelledOrigin GreeterOrClaimer               `json:"cancelled_origin,omitempty"`
	CancelledReason CancelledGreetingAttemptReason `json:"cancelled_reason,omitempty"`
	CancelledOn     Timestamp                      `json:"cancelled_on,omitempty"`

	GreeterSteps [][]byte `json:"-"`
	ClaimerSteps [][]byte `json:"-"`
}

func (ga *GreetingAttempt) IsCancelled() bool {
	return !ga.CancelledOn.IsZero()
}

func (ga *GreetingAttempt) Joined(side GreeterOrClaimer) bool {
	if side == Greeter {
		return !ga.GreeterJoinedOn.IsZero()
	}
	return !ga.ClaimerJoinedOn.IsZero()
}

func (ga *GreetingAttempt) Join(side GreeterOrClaimer, now Timestamp) {
	if side == Greeter {
		ga.GreeterJoinedOn = now
	} else {
		ga.ClaimerJoinedOn = now
	}
}

func (ga *GreetingAttempt) Cancel(origin GreeterOrClaimer, reason CancelledGreetingAttemptReason, now Timestamp) {
	ga.CancelledOrigin = origin
	ga.CancelledReason = reason
	ga.CancelledOn = now
}

func (ga *GreetingAttempt) steps(side GreeterOrClaimer) *[][]byte {
	if side == Greeter {
		return &ga.GreeterSteps
	}
	return &ga.ClaimerSteps
}

// Step publishes payload at index for side and returns the peer payload at
// the same index when available. The publication is idempotent: replaying
// the same payload at an already-published index is a no-op that returns the
// same peer payload.
//
// Returned errors:
//   - GreetingAttemptCancelledError when the attempt is cancelled
//   - ErrGreetingAttemptNotJoined before both sides joined
//   - ErrGreetingStepTooAdvanced when index skips the side's next step or
//     exceeds the exchange length
//   - ErrGreetingStepMismatch when a replay carries a different payload
//   - ErrGreetingNotReady when the peer has not caught up: publishing index
//     k > 0 requires the peer to have published through k-1, and the peer
//     payload at k itself may simply not be there yet
func (ga *GreetingAttempt) Step(side GreeterOrClaimer, index int, payload []byte) ([]byte, error) {
	if ga.IsCancelled() {
		return nil, &GreetingAttemptCancelledError{
			Origin:    ga.CancelledOrigin,
			Reason:    ga.CancelledReason,
			Timestamp: ga.CancelledOn,
		}
	}
	if !ga.Joined(Greeter) || !ga.Joined(Claimer) {
		return nil, ErrGreetingAttemptNotJoined
	}
	if index < 0 || index >= MaxGreetingSteps {
		return nil, ErrGreetingStepTooAdvanced
	}
	own := ga.steps(side)
	peer := *ga.steps(side.Peer())
	switch {
	case index < len(*own):
		if !bytes.Equal((*own)[index], payload) {
			return nil, ErrGreetingStepMismatch
		}
	case index == len(*own):
		if index > 0 && len(peer) < index {
			return nil, ErrGreetingNotReady
		}
		*own = append(*own, payload)
	default:
		return nil, ErrGreetingStepTooAdvanced
	}
	if len(peer) > index {
		return peer[index], nil
	}
	return nil, ErrGreetingNotReady
}
