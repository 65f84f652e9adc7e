package services

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
)

const (
	conduitPollInterval = time.Second
	conduitPollTimeout  = 5 * time.Minute
)

type InviteService struct {
	store  repository.Store
	events *EventService
	env    *types.Environment
}

func NewInviteService(store repository.Store, events *EventService, env *types.Environment) *InviteService {
	if store == nil {
		panic("store cannot be nil")
	}
	if events == nil {
		panic("events cannot be nil")
	}
	if env == nil {
		panic("env cannot be nil")
	}
	return &InviteService{store: store, events: events, env: env}
}

// greeters returns the users administering an invitation: its creator, or
// for shamir recovery every share recipient of the claimer's setup.
func (is *InviteService) greeters(ctx context.Context, org types.OrganizationID, inv *types.Invitation) ([]types.UserID, error) {
	if inv.Type != types.InvitationShamirRecovery {
		return []types.UserID{inv.CreatedBy}, nil
	}
	if inv.ClaimerUserID == nil {
		return nil, nil
	}
	setup, err := is.store.Shamir().Get(ctx, org, *inv.ClaimerUserID)
	if err == types.ErrShamirSetupNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	recipients := make([]types.UserID, 0, len(setup.Recipients))
	for recipient := range setup.Recipients {
		recipients = append(recipients, recipient)
	}
	return recipients, nil
}

func (is *InviteService) canGreet(ctx context.Context, org types.OrganizationID, inv *types.Invitation, user types.UserID) (bool, error) {
	greeters, err := is.greeters(ctx, org, inv)
	if err != nil {
		return false, err
	}
	for _, greeter := range greeters {
		if greeter == user {
			return true, nil
		}
	}
	return false, nil
}

func (is *InviteService) publishInvitationEvent(ctx context.Context, org types.OrganizationID, inv *types.Invitation, status types.InvitationStatus) {
	greeters, err := is.greeters(ctx, org, inv)
	if err != nil {
		global.Logger.Log("msg", "failed to resolve invitation greeters", "token", inv.Token.String(), "err", err)
		return
	}
	for _, greeter := range greeters {
		is.events.Publish(org, types.EventInvitation{Token: inv.Token, Status: status, Greeter: greeter})
	}
}

// sendEmail enqueues the invitation email task; delivery happens off the
// request path. Returns whether the email was actually queued.
func (is *InviteService) sendEmail(org types.OrganizationID, inv *types.Invitation, to, greeterLabel string) bool {
	if to == "" || is.env.TaskClient == nil {
		return false
	}
	task := types.InvitationEmailTask{
		Organization: org,
		Token:        inv.Token,
		To:           to,
		GreeterLabel: greeterLabel,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false
	}
	if _, err := is.env.TaskClient.Enqueue(asynq.NewTask(types.TaskTypeInvitationEmail, payload)); err != nil {
		global.Logger.Log("msg", "failed to enqueue invitation email", "to", to, "err", err)
		return false
	}
	return true
}

// NewUser opens (or reuses) a user invitation for a claimer email. ADMIN
// only. An active invitation for the same email is returned as-is so
// repeated invites do not multiply tokens.
func (is *InviteService) NewUser(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.InviteNewUserRequest, now types.Timestamp) (*types.InviteNewResponse, error) {
	author, err := loadAuthor(ctx, is.store, org, authorDevice)
	if err != nil {
		return nil, err
	}
	if err := author.requireAdmin(); err != nil {
		return nil, err
	}
	taken, err := is.store.Users().HumanEmailTaken(ctx, org, req.ClaimerEmail)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, types.ErrHumanHandleAlreadyTaken
	}
	inv, err := is.store.Invitations().FindActiveByEmail(ctx, org, req.ClaimerEmail)
	if err != nil && err != types.ErrInvitationNotFound {
		return nil, err
	}
	if inv == nil {
		inv = &types.Invitation{
			Token:        uuid.New(),
			Type:         types.InvitationUser,
			CreatedBy:    author.User.ID,
			CreatedOn:    now,
			Status:       types.InvitationIdle,
			ClaimerEmail: req.ClaimerEmail,
		}
		if err := is.store.Invitations().Create(ctx, org, inv); err != nil {
			return nil, err
		}
		is.publishInvitationEvent(ctx, org, inv, inv.Status)
	}
	emailSent := false
	if req.SendEmail {
		emailSent = is.sendEmail(org, inv, req.ClaimerEmail, greeterLabel(author.User))
	}
	return &types.InviteNewResponse{Token: inv.Token, EmailSent: emailSent}, nil
}

// NewDevice opens an invitation to onboard another device of the author.
func (is *InviteService) NewDevice(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.InviteNewDeviceRequest, now types.Timestamp) (*types.InviteNewResponse, error) {
	author, err := loadAuthor(ctx, is.store, org, authorDevice)
	if err != nil {
		return nil, err
	}
	inv, err := is.findActiveForClaimer(ctx, org, author.User.ID, types.InvitationDevice, author.User.ID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		claimer := author.User.ID
		inv = &types.Invitation{
			Token:         uuid.New(),
			Type:          types.InvitationDevice,
			CreatedBy:     author.User.ID,
			CreatedOn:     now,
			Status:        types.InvitationIdle,
			ClaimerUserID: &claimer,
		}
		if err := is.store.Invitations().Create(ctx, org, inv); err != nil {
			return nil, err
		}
		is.publishInvitationEvent(ctx, org, inv, inv.Status)
	}
	emailSent := false
	if req.SendEmail && author.User.HumanHandle != nil {
		emailSent = is.sendEmail(org, inv, author.User.HumanHandle.Email, greeterLabel(author.User))
	}
	return &types.InviteNewResponse{Token: inv.Token, EmailSent: emailSent}, nil
}

// NewShamirRecovery opens a recovery invitation for a user whose shamir
// setup lists the author among the share recipients.
func (is *InviteService) NewShamirRecovery(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.InviteNewShamirRecoveryRequest, now types.Timestamp) (*types.InviteNewResponse, error) {
	author, err := loadAuthor(ctx, is.store, org, authorDevice)
	if err != nil {
		return nil, err
	}
	setup, err := is.store.Shamir().Get(ctx, org, req.ClaimerUserID)
	if err != nil {
		return nil, err
	}
	if _, recipient := setup.Recipients[author.User.ID]; !recipient {
		return nil, types.ErrAuthorNotAllowed
	}
	inv, err := is.findActiveForClaimer(ctx, org, author.User.ID, types.InvitationShamirRecovery, req.ClaimerUserID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		claimer := req.ClaimerUserID
		inv = &types.Invitation{
			Token:         uuid.New(),
			Type:          types.InvitationShamirRecovery,
			CreatedBy:     author.User.ID,
			CreatedOn:     now,
			Status:        types.InvitationIdle,
			ClaimerUserID: &claimer,
		}
		if err := is.store.Invitations().Create(ctx, org, inv); err != nil {
			return nil, err
		}
		is.publishInvitationEvent(ctx, org, inv, inv.Status)
	}
	emailSent := false
	if req.SendEmail {
		claimer, uErr := is.store.Users().Get(ctx, org, req.ClaimerUserID)
		if uErr == nil && claimer.HumanHandle != nil {
			emailSent = is.sendEmail(org, inv, claimer.HumanHandle.Email, greeterLabel(author.User))
		}
	}
	return &types.InviteNewResponse{Token: inv.Token, EmailSent: emailSent}, nil
}

func (is *InviteService) findActiveForClaimer(ctx context.Context, org types.OrganizationID, greeter types.UserID, invType types.InvitationType, claimer types.UserID) (*types.Invitation, error) {
	invitations, err := is.store.Invitations().ListForGreeter(ctx, org, greeter)
	if err != nil {
		return nil, err
	}
	for _, inv := range invitations {
		if inv.Type != invType || inv.Status == types.InvitationCancelled || inv.Status == types.InvitationFinished {
			continue
		}
		if inv.ClaimerUserID != nil && *inv.ClaimerUserID == claimer {
			return inv, nil
		}
	}
	return nil, nil
}

func greeterLabel(user *types.User) string {
	if user.HumanHandle != nil {
		return user.HumanHandle.Label
	}
	return ""
}

func (is *InviteService) List(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID) ([]types.Invitation, error) {
	author, err := loadAuthor(ctx, is.store, org, authorDevice)
	if err != nil {
		return nil, err
	}
	invitations, err := is.store.Invitations().ListForGreeter(ctx, org, author.User.ID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Invitation, 0, len(invitations))
	for _, inv := range invitations {
		out = append(out, *inv)
	}
	return out, nil
}

// Cancel voids an invitation and its active greeting attempt.
func (is *InviteService) Cancel(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, token types.InvitationToken, now types.Timestamp) error {
	author, err := loadAuthor(ctx, is.store, org, authorDevice)
	if err != nil {
		return err
	}
	inv, err := is.store.Invitations().Get(ctx, org, token)
	if err != nil {
		return err
	}
	allowed, err := is.canGreet(ctx, org, inv, author.User.ID)
	if err != nil {
		return err
	}
	if !allowed {
		return types.ErrAuthorNotAllowed
	}
	switch inv.Status {
	case types.InvitationCancelled:
		return types.ErrInvitationAlreadyCancelled
	case types.InvitationFinished:
		return types.ErrInvitationCompleted
	}
	if attempt, aErr := is.store.Invitations().GetActiveAttempt(ctx, org, token); aErr == nil && !attempt.IsCancelled() {
		_ = is.store.Invitations().CancelAttempt(ctx, org, attempt.ID, types.Greeter, types.CancelledReasonNormal, now)
	}
	if err := is.store.Invitations().SetStatus(ctx, org, token, types.InvitationCancelled); err != nil {
		return err
	}
	is.publishInvitationEvent(ctx, org, inv, types.InvitationCancelled)
	return nil
}

// Complete marks the onboarding finished; paired with the user or device
// creation committed by the greeter.
func (is *InviteService) Complete(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, token types.InvitationToken) error {
	author, err := loadAuthor(ctx, is.store, org, authorDevice)
	if err != nil {
		return err
	}
	inv, err := is.store.Invitations().Get(ctx, org, token)
	if err != nil {
		return err
	}
	switch inv.Status {
	case types.InvitationCancelled:
		return types.ErrInvitationAlreadyCancelled
	case types.InvitationFinished:
		return types.ErrInvitationCompleted
	}
	allowed, err := is.canGreet(ctx, org, inv, author.User.ID)
	if err != nil {
		return err
	}
	if !allowed {
		// the freshly onboarded claimer may complete its own invitation
		switch {
		case inv.ClaimerUserID != nil && *inv.ClaimerUserID == author.User.ID:
		case inv.Type == types.InvitationUser && author.User.HumanHandle != nil &&
			author.User.HumanHandle.Email == inv.ClaimerEmail:
		default:
			return types.ErrAuthorNotAllowed
		}
	}
	if err := is.store.Invitations().SetStatus(ctx, org, token, types.InvitationFinished); err != nil {
		return err
	}
	is.publishInvitationEvent(ctx, org, inv, types.InvitationFinished)
	return nil
}

// Info is the invited-side view of an invitation.
func (is *InviteService) Info(ctx context.Context, org types.OrganizationID, token types.InvitationToken) (*types.InviteInfoResponse, error) {
	inv, err := is.store.Invitations().Get(ctx, org, token)
	if err != nil {
		return nil, err
	}
	resp := &types.InviteInfoResponse{Type: inv.Type, ClaimerEmail: inv.ClaimerEmail}
	switch inv.Type {
	case types.InvitationShamirRecovery:
		setup, sErr := is.store.Shamir().Get(ctx, org, *inv.ClaimerUserID)
		if sErr != nil {
			return nil, sErr
		}
		resp.Threshold = setup.Threshold
		for recipient, shares := range setup.Recipients {
			user, uErr := is.store.Users().Get(ctx, org, recipient)
			if uErr != nil {
				return nil, uErr
			}
			resp.Recipients = append(resp.Recipients, types.ShamirRecoveryRecipient{
				UserID:      recipient,
				HumanHandle: user.HumanHandle,
				Shares:      shares,
			})
		}
	default:
		greeter, uErr := is.store.Users().Get(ctx, org, inv.CreatedBy)
		if uErr != nil {
			return nil, uErr
		}
		resp.GreeterUserID = greeter.ID
		resp.GreeterHumanHandle = greeter.HumanHandle
	}
	return resp, nil
}

func checkInvitationOpen(inv *types.Invitation) error {
	switch inv.Status {
	case types.InvitationCancelled:
		return types.ErrInvitationAlreadyCancelled
	case types.InvitationFinished:
		return types.ErrInvitationCompleted
	}
	return nil
}

// GreeterStartAttempt joins (or restarts) the active greeting attempt as
// the greeter.
func (is *InviteService) GreeterStartAttempt(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, token types.InvitationToken, now types.Timestamp) (*types.GreetingAttempt, error) {
	author, err := loadAuthor(ctx, is.store, org, authorDevice)
	if err != nil {
		return nil, err
	}
	inv, err := is.store.Invitations().Get(ctx, org, token)
	if err != nil {
		return nil, err
	}
	allowed, err := is.canGreet(ctx, org, inv, author.User.ID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, types.ErrAuthorNotAllowed
	}
	if err := checkInvitationOpen(inv); err != nil {
		return nil, err
	}
	attempt, err := is.store.Invitations().StartAttempt(ctx, org, token, types.Greeter, uuid.New(), now)
	if err != nil {
		return nil, err
	}
	is.events.Publish(org, types.EventGreetingAttempt{Token: token, GreetingAttempt: attempt.ID, Greeter: author.User.ID})
	return attempt, nil
}

// ClaimerStartAttempt joins the active attempt as the claimer. The first
// claimer contact flips the invitation from IDLE to READY.
func (is *InviteService) ClaimerStartAttempt(ctx context.Context, org types.OrganizationID, token types.InvitationToken, greeter types.UserID, now types.Timestamp) (*types.GreetingAttempt, error) {
	inv, err := is.store.Invitations().Get(ctx, org, token)
	if err != nil {
		return nil, err
	}
	if err := checkInvitationOpen(inv); err != nil {
		return nil, err
	}
	allowed, err := is.canGreet(ctx, org, inv, greeter)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, types.ErrUserNotFound
	}
	greeterUser, err := is.store.Users().Get(ctx, org, greeter)
	if err != nil {
		return nil, err
	}
	if greeterUser.IsRevoked() {
		return nil, types.ErrUserNotFound
	}
	if inv.Status == types.InvitationIdle {
		if err := is.store.Invitations().SetStatus(ctx, org, token, types.InvitationReady); err != nil {
			return nil, err
		}
		is.publishInvitationEvent(ctx, org, inv, types.InvitationReady)
	}
	attempt, err := is.store.Invitations().StartAttempt(ctx, org, token, types.Claimer, uuid.New(), now)
	if err != nil {
		return nil, err
	}
	is.events.Publish(org, types.EventGreetingAttempt{Token: token, GreetingAttempt: attempt.ID, Greeter: greeter})
	return attempt, nil
}

// GreeterStep publishes the greeter payload at an index and returns the
// claimer payload once available.
func (is *InviteService) GreeterStep(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.InviteGreeterStepRequest) ([]byte, error) {
	author, err := loadAuthor(ctx, is.store, org, authorDevice)
	if err != nil {
		return nil, err
	}
	attempt, err := is.store.Invitations().GetAttempt(ctx, org, req.GreetingAttempt)
	if err != nil {
		return nil, err
	}
	inv, err := is.store.Invitations().Get(ctx, org, attempt.Token)
	if err != nil {
		return nil, err
	}
	allowed, err := is.canGreet(ctx, org, inv, author.User.ID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, types.ErrAuthorNotAllowed
	}
	if err := checkInvitationOpen(inv); err != nil {
		return nil, err
	}
	return is.store.Invitations().Step(ctx, org, req.GreetingAttempt, types.Greeter, req.StepIndex, req.GreeterStep)
}

// ClaimerStep is the claimer-side counterpart of GreeterStep.
func (is *InviteService) ClaimerStep(ctx context.Context, org types.OrganizationID, token types.InvitationToken, req *types.InviteClaimerStepRequest) ([]byte, error) {
	attempt, err := is.store.Invitations().GetAttempt(ctx, org, req.GreetingAttempt)
	if err != nil {
		return nil, err
	}
	if attempt.Token != token {
		return nil, types.ErrGreetingAttemptNotFound
	}
	inv, err := is.store.Invitations().Get(ctx, org, token)
	if err != nil {
		return nil, err
	}
	if err := checkInvitationOpen(inv); err != nil {
		return nil, err
	}
	return is.store.Invitations().Step(ctx, org, req.GreetingAttempt, types.Claimer, req.StepIndex, req.ClaimerStep)
}

// GreeterCancelAttempt cancels the attempt with a reason the peer will see
// on its next step call.
func (is *InviteService) GreeterCancelAttempt(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.InviteGreeterCancelGreetingAttemptRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, is.store, org, authorDevice)
	if err != nil {
		return err
	}
	attempt, err := is.store.Invitations().GetAttempt(ctx, org, req.GreetingAttempt)
	if err != nil {
		return err
	}
	inv, err := is.store.Invitations().Get(ctx, org, attempt.Token)
	if err != nil {
		return err
	}
	allowed, err := is.canGreet(ctx, org, inv, author.User.ID)
	if err != nil {
		return err
	}
	if !allowed {
		return types.ErrAuthorNotAllowed
	}
	return is.store.Invitations().CancelAttempt(ctx, org, req.GreetingAttempt, types.Greeter, req.Reason, now)
}

func (is *InviteService) ClaimerCancelAttempt(ctx context.Context, org types.OrganizationID, token types.InvitationToken, req *types.InviteClaimerCancelGreetingAttemptRequest, now types.Timestamp) error {
	attempt, err := is.store.Invitations().GetAttempt(ctx, org, req.GreetingAttempt)
	if err != nil {
		return err
	}
	if attempt.Token != token {
		return types.ErrGreetingAttemptNotFound
	}
	return is.store.Invitations().CancelAttempt(ctx, org, req.GreetingAttempt, types.Claimer, req.Reason, now)
}

// GreeterConduitExchange is ConduitExchange with the greeter-side
// authorization check on top.
func (is *InviteService) GreeterConduitExchange(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.ConduitExchangeRequest, now types.Timestamp) (*types.ConduitExchangeResponse, error) {
	author, err := loadAuthor(ctx, is.store, org, authorDevice)
	if err != nil {
		return nil, err
	}
	inv, err := is.store.Invitations().Get(ctx, org, req.Token)
	if err != nil {
		return nil, err
	}
	allowed, err := is.canGreet(ctx, org, inv, author.User.ID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, types.ErrAuthorNotAllowed
	}
	return is.ConduitExchange(ctx, org, req.Token, types.Greeter, req, now)
}

// ConduitExchange adapts the legacy lock-step rendezvous onto the greeting
// attempt log. The call long-polls until the peer payload for the resolved
// step is available, the attempt is cancelled, or the context expires; a
// gateway timeout is recoverable by retrying with the same inputs.
func (is *InviteService) ConduitExchange(ctx context.Context, org types.OrganizationID, token types.InvitationToken, side types.GreeterOrClaimer, req *types.ConduitExchangeRequest, now types.Timestamp) (*types.ConduitExchangeResponse, error) {
	inv, err := is.store.Invitations().Get(ctx, org, token)
	if err != nil {
		return nil, err
	}
	if err := checkInvitationOpen(inv); err != nil {
		return nil, err
	}
	attempt, err := is.store.Invitations().GetActiveAttempt(ctx, org, token)
	if err == types.ErrGreetingAttemptNotFound {
		attempt, err = is.store.Invitations().StartAttempt(ctx, org, token, side, uuid.New(), now)
	}
	if err != nil {
		return nil, err
	}
	if !attempt.Joined(side) {
		attempt, err = is.store.Invitations().StartAttempt(ctx, org, token, side, uuid.New(), now)
		if err != nil {
			return nil, err
		}
	}
	index, communicate, ok := types.ConduitStepIndex(side, req.State)
	if !ok {
		return nil, types.ErrGreetingStepMismatch
	}
	if communicate {
		index = communicateIndex(attempt, side, req.Payload, index)
	}

	deadline := time.Now().Add(conduitPollTimeout)
	for {
		peer, sErr := is.store.Invitations().Step(ctx, org, attempt.ID, side, index, req.Payload)
		switch {
		case sErr == nil:
			return &types.ConduitExchangeResponse{State: req.State, PeerPayload: peer}, nil
		case sErr == types.ErrGreetingNotReady:
		case sErr == types.ErrGreetingAttemptNotJoined:
			// WAIT_PEERS: keep polling until the peer shows up
		case sErr == types.ErrGreetingStepMismatch:
			// lock-step violation: reset the rendezvous so both sides restart
			reason := types.CancelledReasonNormal
			if types.ConduitTrustStep(index) {
				reason = types.CancelledReasonBadSasCode
			}
			_ = is.store.Invitations().CancelAttempt(ctx, org, attempt.ID, side, reason, now)
			return nil, sErr
		default:
			return nil, sErr
		}
		if time.Now().After(deadline) {
			return nil, context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(conduitPollInterval):
		}
	}
}

// communicateIndex resolves the unified step index of a COMMUNICATE
// exchange: the next free slot for this side, or the previous slot again
// when the payload is a retry of the last published one.
func communicateIndex(attempt *types.GreetingAttempt, side types.GreeterOrClaimer, payload []byte, base int) int {
	var own [][]byte
	if side == types.Greeter {
		own = attempt.GreeterSteps
	} else {
		own = attempt.ClaimerSteps
	}
	index := len(own)
	if index < base {
		return base
	}
	if index > base && bytes.Equal(own[index-1], payload) {
		return index - 1
	}
	return index
}
