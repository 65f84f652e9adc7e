package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parsec-cloud/go-parsec-server/types"
)

func TestInviteNewUserDedup(t *testing.T) {
	f := newFixture(t)

	first, err := f.invites.NewUser(testCtx, f.org, f.alice.device, &types.InviteNewUserRequest{
		ClaimerEmail: "bob@example.com",
	}, f.tick())
	assert.NoError(t, err)
	assert.False(t, first.EmailSent)

	// repeating the invite reuses the active token
	second, err := f.invites.NewUser(testCtx, f.org, f.alice.device, &types.InviteNewUserRequest{
		ClaimerEmail: "bob@example.com",
	}, f.tick())
	assert.NoError(t, err)
	assert.Equal(t, first.Token, second.Token)

	// cancelling frees the email for a fresh token
	assert.NoError(t, f.invites.Cancel(testCtx, f.org, f.alice.device, first.Token, f.tick()))
	third, err := f.invites.NewUser(testCtx, f.org, f.alice.device, &types.InviteNewUserRequest{
		ClaimerEmail: "bob@example.com",
	}, f.tick())
	assert.NoError(t, err)
	assert.NotEqual(t, first.Token, third.Token)
}

func TestInviteExistingEmailRefused(t *testing.T) {
	f := newFixture(t)
	f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)

	_, err := f.invites.NewUser(testCtx, f.org, f.alice.device, &types.InviteNewUserRequest{
		ClaimerEmail: "bob@example.com",
	}, f.tick())
	assert.ErrorIs(t, err, types.ErrHumanHandleAlreadyTaken)
}

func TestInviteNewUserAdminOnly(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)

	_, err := f.invites.NewUser(testCtx, f.org, bob.device, &types.InviteNewUserRequest{
		ClaimerEmail: "carol@example.com",
	}, f.tick())
	assert.ErrorIs(t, err, types.ErrAuthorNotAllowed)

	// but any user may invite its own next device
	resp, err := f.invites.NewDevice(testCtx, f.org, bob.device, &types.InviteNewDeviceRequest{}, f.tick())
	assert.NoError(t, err)
	assert.NotEqual(t, types.InvitationToken{}, resp.Token)
}

func TestInviteCancelStates(t *testing.T) {
	f := newFixture(t)
	resp, err := f.invites.NewUser(testCtx, f.org, f.alice.device, &types.InviteNewUserRequest{
		ClaimerEmail: "bob@example.com",
	}, f.tick())
	assert.NoError(t, err)

	bob := f.addActor(t, f.alice, "other@example.com", types.ProfileStandard)
	err = f.invites.Cancel(testCtx, f.org, bob.device, resp.Token, f.tick())
	assert.ErrorIs(t, err, types.ErrAuthorNotAllowed)

	assert.NoError(t, f.invites.Cancel(testCtx, f.org, f.alice.device, resp.Token, f.tick()))
	err = f.invites.Cancel(testCtx, f.org, f.alice.device, resp.Token, f.tick())
	assert.ErrorIs(t, err, types.ErrInvitationAlreadyCancelled)
}

func TestInviteCompleteByClaimer(t *testing.T) {
	f := newFixture(t)
	resp, err := f.invites.NewUser(testCtx, f.org, f.alice.device, &types.InviteNewUserRequest{
		ClaimerEmail: "bob@example.com",
	}, f.tick())
	assert.NoError(t, err)

	// the freshly onboarded bob completes his own invitation
	bob := f.addActor(t, f.alice, "bob-temp@example.com", types.ProfileStandard)
	err = f.invites.Complete(testCtx, f.org, bob.device, resp.Token)
	assert.ErrorIs(t, err, types.ErrAuthorNotAllowed)

	// onboarding the invited email makes completion legitimate
	matching := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)
	assert.NoError(t, f.invites.Complete(testCtx, f.org, matching.device, resp.Token))

	err = f.invites.Complete(testCtx, f.org, f.alice.device, resp.Token)
	assert.ErrorIs(t, err, types.ErrInvitationCompleted)
}

func TestGreetingAttemptFlow(t *testing.T) {
	f := newFixture(t)
	resp, err := f.invites.NewUser(testCtx, f.org, f.alice.device, &types.InviteNewUserRequest{
		ClaimerEmail: "bob@example.com",
	}, f.tick())
	assert.NoError(t, err)
	token := resp.Token

	greeterAttempt, err := f.invites.GreeterStartAttempt(testCtx, f.org, f.alice.device, token, f.tick())
	assert.NoError(t, err)

	claimerAttempt, err := f.invites.ClaimerStartAttempt(testCtx, f.org, token, f.alice.user, f.tick())
	assert.NoError(t, err)
	assert.Equal(t, greeterAttempt.ID, claimerAttempt.ID)

	// the first claimer contact flips the invitation to READY
	inv, err := f.store.Invitations().Get(testCtx, f.org, token)
	assert.NoError(t, err)
	assert.Equal(t, types.InvitationReady, inv.Status)

	// lock-step exchange at index 0
	_, err = f.invites.ClaimerStep(testCtx, f.org, token, &types.InviteClaimerStepRequest{
		GreetingAttempt: claimerAttempt.ID,
		StepIndex:       0,
		ClaimerStep:     []byte("c0"),
	})
	assert.ErrorIs(t, err, types.ErrGreetingNotReady)

	peer, err := f.invites.GreeterStep(testCtx, f.org, f.alice.device, &types.InviteGreeterStepRequest{
		GreetingAttempt: greeterAttempt.ID,
		StepIndex:       0,
		GreeterStep:     []byte("g0"),
	})
	assert.NoError(t, err)
	assert.Equal(t, []byte("c0"), peer)

	// idempotent replay returns the same peer payload
	peer, err = f.invites.GreeterStep(testCtx, f.org, f.alice.device, &types.InviteGreeterStepRequest{
		GreetingAttempt: greeterAttempt.ID,
		StepIndex:       0,
		GreeterStep:     []byte("g0"),
	})
	assert.NoError(t, err)
	assert.Equal(t, []byte("c0"), peer)

	// greeter cancels; the claimer learns origin and reason
	assert.NoError(t, f.invites.GreeterCancelAttempt(testCtx, f.org, f.alice.device, &types.InviteGreeterCancelGreetingAttemptRequest{
		GreetingAttempt: greeterAttempt.ID,
		Reason:          types.CancelledReasonBadSasCode,
	}, f.tick()))

	_, err = f.invites.ClaimerStep(testCtx, f.org, token, &types.InviteClaimerStepRequest{
		GreetingAttempt: claimerAttempt.ID,
		StepIndex:       1,
		ClaimerStep:     []byte("c1"),
	})
	var cancelled *types.GreetingAttemptCancelledError
	if !errors.As(err, &cancelled) {
		t.Fatalf("expected GreetingAttemptCancelledError, got %v", err)
	}
	assert.Equal(t, types.Greeter, cancelled.Origin)
	assert.Equal(t, types.CancelledReasonBadSasCode, cancelled.Reason)
}

func TestConduitExchangeAdapter(t *testing.T) {
	f := newFixture(t)
	resp, err := f.invites.NewUser(testCtx, f.org, f.alice.device, &types.InviteNewUserRequest{
		ClaimerEmail: "bob@example.com",
	}, f.tick())
	assert.NoError(t, err)
	token := resp.Token

	type result struct {
		resp *types.ConduitExchangeResponse
		err  error
	}
	greeterDone := make(chan result, 1)
	go func() {
		r, gErr := f.invites.GreeterConduitExchange(testCtx, f.org, f.alice.device, &types.ConduitExchangeRequest{
			Token:   token,
			State:   types.ConduitWaitPeers,
			Payload: []byte("greeter-hello"),
		}, f.tick())
		greeterDone <- result{r, gErr}
	}()

	claimerResp, err := f.invites.ConduitExchange(testCtx, f.org, token, types.Claimer, &types.ConduitExchangeRequest{
		Token:   token,
		State:   types.ConduitWaitPeers,
		Payload: []byte("claimer-hello"),
	}, f.tick())
	assert.NoError(t, err)
	assert.Equal(t, []byte("greeter-hello"), claimerResp.PeerPayload)

	greeterResult := <-greeterDone
	assert.NoError(t, greeterResult.err)
	assert.Equal(t, []byte("claimer-hello"), greeterResult.resp.PeerPayload)
}

func TestConduitTrustMismatchCancelsWithBadSasCode(t *testing.T) {
	f := newFixture(t)
	resp, err := f.invites.NewUser(testCtx, f.org, f.alice.device, &types.InviteNewUserRequest{
		ClaimerEmail: "bob@example.com",
	}, f.tick())
	assert.NoError(t, err)
	token := resp.Token

	greeterAttempt, err := f.invites.GreeterStartAttempt(testCtx, f.org, f.alice.device, token, f.tick())
	assert.NoError(t, err)
	claimerAttempt, err := f.invites.ClaimerStartAttempt(testCtx, f.org, token, f.alice.user, f.tick())
	assert.NoError(t, err)

	// walk both sides through the nonce steps up to the trust signal
	for i := 0; i <= 4; i++ {
		_, err = f.invites.ClaimerStep(testCtx, f.org, token, &types.InviteClaimerStepRequest{
			GreetingAttempt: claimerAttempt.ID,
			StepIndex:       i,
			ClaimerStep:     []byte{byte(i)},
		})
		assert.ErrorIs(t, err, types.ErrGreetingNotReady)
		_, err = f.invites.GreeterStep(testCtx, f.org, f.alice.device, &types.InviteGreeterStepRequest{
			GreetingAttempt: greeterAttempt.ID,
			StepIndex:       i,
			GreeterStep:     []byte{byte(i)},
		})
		assert.NoError(t, err)
	}

	// replaying the trust step with a divergent payload means the SAS
	// comparison failed on the greeter's screen
	cancelNow := f.tick()
	_, err = f.invites.GreeterConduitExchange(testCtx, f.org, f.alice.device, &types.ConduitExchangeRequest{
		Token:   token,
		State:   types.ConduitGreeterWaitTrust,
		Payload: []byte("rejected"),
	}, cancelNow)
	assert.ErrorIs(t, err, types.ErrGreetingStepMismatch)

	_, err = f.invites.ClaimerStep(testCtx, f.org, token, &types.InviteClaimerStepRequest{
		GreetingAttempt: claimerAttempt.ID,
		StepIndex:       5,
		ClaimerStep:     []byte("c5"),
	})
	var cancelled *types.GreetingAttemptCancelledError
	if !errors.As(err, &cancelled) {
		t.Fatalf("expected GreetingAttemptCancelledError, got %v", err)
	}
	assert.Equal(t, types.Greeter, cancelled.Origin)
	assert.Equal(t, types.CancelledReasonBadSasCode, cancelled.Reason)
	assert.Equal(t, cancelNow, cancelled.Timestamp)
}

func TestConduitNonceMismatchCancelsNormally(t *testing.T) {
	f := newFixture(t)
	resp, err := f.invites.NewUser(testCtx, f.org, f.alice.device, &types.InviteNewUserRequest{
		ClaimerEmail: "bob@example.com",
	}, f.tick())
	assert.NoError(t, err)
	token := resp.Token

	greeterAttempt, err := f.invites.GreeterStartAttempt(testCtx, f.org, f.alice.device, token, f.tick())
	assert.NoError(t, err)
	claimerAttempt, err := f.invites.ClaimerStartAttempt(testCtx, f.org, token, f.alice.user, f.tick())
	assert.NoError(t, err)

	_, err = f.invites.ClaimerStep(testCtx, f.org, token, &types.InviteClaimerStepRequest{
		GreetingAttempt: claimerAttempt.ID,
		StepIndex:       0,
		ClaimerStep:     []byte("c0"),
	})
	assert.ErrorIs(t, err, types.ErrGreetingNotReady)
	_, err = f.invites.GreeterStep(testCtx, f.org, f.alice.device, &types.InviteGreeterStepRequest{
		GreetingAttempt: greeterAttempt.ID,
		StepIndex:       0,
		GreeterStep:     []byte("g0"),
	})
	assert.NoError(t, err)

	// divergence on a nonce step is a protocol reset, not a SAS failure
	cancelNow := f.tick()
	_, err = f.invites.ConduitExchange(testCtx, f.org, token, types.Claimer, &types.ConduitExchangeRequest{
		Token:   token,
		State:   types.ConduitWaitPeers,
		Payload: []byte("not-c0"),
	}, cancelNow)
	assert.ErrorIs(t, err, types.ErrGreetingStepMismatch)

	_, err = f.invites.GreeterStep(testCtx, f.org, f.alice.device, &types.InviteGreeterStepRequest{
		GreetingAttempt: greeterAttempt.ID,
		StepIndex:       1,
		GreeterStep:     []byte("g1"),
	})
	var cancelled *types.GreetingAttemptCancelledError
	if !errors.As(err, &cancelled) {
		t.Fatalf("expected GreetingAttemptCancelledError, got %v", err)
	}
	assert.Equal(t, types.Claimer, cancelled.Origin)
	assert.Equal(t, types.CancelledReasonNormal, cancelled.Reason)
	assert.Equal(t, cancelNow, cancelled.Timestamp)
}

func TestInviteInfo(t *testing.T) {
	f := newFixture(t)
	resp, err := f.invites.NewUser(testCtx, f.org, f.alice.device, &types.InviteNewUserRequest{
		ClaimerEmail: "bob@example.com",
	}, f.tick())
	assert.NoError(t, err)

	info, err := f.invites.Info(testCtx, f.org, resp.Token)
	assert.NoError(t, err)
	assert.Equal(t, types.InvitationUser, info.Type)
	assert.Equal(t, "bob@example.com", info.ClaimerEmail)
	assert.Equal(t, f.alice.user, info.GreeterUserID)
	assert.Equal(t, "Alice", info.GreeterHumanHandle.Label)
}
