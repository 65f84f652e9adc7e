package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/parsec-cloud/go-parsec-server/types"
)

func shamirBrief(author actor, ts types.Timestamp, threshold uint8, shares map[types.UserID]uint8) types.ShamirRecoveryBriefCertificate {
	dev := author.device
	return types.ShamirRecoveryBriefCertificate{
		Type:               types.CertTypeShamirRecoveryBrief,
		Author:             &dev,
		Timestamp:          ts,
		UserID:             author.user,
		Threshold:          threshold,
		PerRecipientShares: shares,
	}
}

func shamirShare(author actor, ts types.Timestamp, recipient types.UserID) types.ShamirRecoveryShareCertificate {
	dev := author.device
	return types.ShamirRecoveryShareCertificate{
		Type:            types.CertTypeShamirRecoveryShare,
		Author:          &dev,
		Timestamp:       ts,
		UserID:          author.user,
		RecipientID:     recipient,
		CiphertextShare: []byte("ciphered-share"),
	}
}

func (f *fixture) setupShamir(t *testing.T, owner actor, recipients ...actor) types.Timestamp {
	t.Helper()
	ts := f.tick()
	shares := make(map[types.UserID]uint8, len(recipients))
	shareCerts := make([][]byte, 0, len(recipients))
	for _, r := range recipients {
		shares[r.user] = 1
		shareCerts = append(shareCerts, signCert(t, owner.signKey, shamirShare(owner, ts, r.user)))
	}
	err := f.shamir.Setup(testCtx, f.org, owner.device, &types.ShamirRecoverySetupRequest{
		BriefCertificate:  signCert(t, owner.signKey, shamirBrief(owner, ts, uint8(len(recipients)), shares)),
		ShareCertificates: shareCerts,
		CipheredData:      []byte("ciphered-recovery-data"),
		RevealToken:       newUUID(),
	}, ts)
	assert.NoError(t, err)
	return ts
}

func TestShamirSetupValidation(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)
	carol := f.addActor(t, f.alice, "carol@example.com", types.ProfileStandard)

	// brief for somebody else's account
	ts := f.tick()
	foreign := shamirBrief(f.alice, ts, 1, map[types.UserID]uint8{bob.user: 1})
	foreign.UserID = bob.user
	err := f.shamir.Setup(testCtx, f.org, f.alice.device, &types.ShamirRecoverySetupRequest{
		BriefCertificate:  signCert(t, f.alice.signKey, foreign),
		ShareCertificates: [][]byte{signCert(t, f.alice.signKey, shamirShare(f.alice, ts, bob.user))},
	}, ts)
	assert.ErrorIs(t, err, types.ErrInvalidCertificate)

	// self-share
	ts = f.tick()
	err = f.shamir.Setup(testCtx, f.org, f.alice.device, &types.ShamirRecoverySetupRequest{
		BriefCertificate: signCert(t, f.alice.signKey,
			shamirBrief(f.alice, ts, 1, map[types.UserID]uint8{f.alice.user: 1})),
		ShareCertificates: [][]byte{signCert(t, f.alice.signKey, shamirShare(f.alice, ts, f.alice.user))},
	}, ts)
	assert.ErrorIs(t, err, types.ErrInvalidCertificate)

	// threshold above total shares
	ts = f.tick()
	err = f.shamir.Setup(testCtx, f.org, f.alice.device, &types.ShamirRecoverySetupRequest{
		BriefCertificate: signCert(t, f.alice.signKey,
			shamirBrief(f.alice, ts, 3, map[types.UserID]uint8{bob.user: 1, carol.user: 1})),
		ShareCertificates: [][]byte{
			signCert(t, f.alice.signKey, shamirShare(f.alice, ts, bob.user)),
			signCert(t, f.alice.signKey, shamirShare(f.alice, ts, carol.user)),
		},
	}, ts)
	assert.ErrorIs(t, err, types.ErrInvalidCertificate)

	// missing share certificate for one recipient
	ts = f.tick()
	err = f.shamir.Setup(testCtx, f.org, f.alice.device, &types.ShamirRecoverySetupRequest{
		BriefCertificate: signCert(t, f.alice.signKey,
			shamirBrief(f.alice, ts, 1, map[types.UserID]uint8{bob.user: 1, carol.user: 1})),
		ShareCertificates: [][]byte{signCert(t, f.alice.signKey, shamirShare(f.alice, ts, bob.user))},
	}, ts)
	assert.ErrorIs(t, err, types.ErrInvalidCertificate)
}

func TestShamirSetupRejectsRevokedRecipient(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)
	revokeTs := f.tick()
	assert.NoError(t, f.users.Revoke(testCtx, f.org, f.alice.device, &types.UserRevokeRequest{
		RevokedUserCertificate: signCert(t, f.alice.signKey, types.RevokedUserCertificate{
			Type:      types.CertTypeRevokedUser,
			Author:    &f.alice.device,
			Timestamp: revokeTs,
			UserID:    bob.user,
		}),
	}, revokeTs))

	ts := f.tick()
	err := f.shamir.Setup(testCtx, f.org, f.alice.device, &types.ShamirRecoverySetupRequest{
		BriefCertificate: signCert(t, f.alice.signKey,
			shamirBrief(f.alice, ts, 1, map[types.UserID]uint8{bob.user: 1})),
		ShareCertificates: [][]byte{signCert(t, f.alice.signKey, shamirShare(f.alice, ts, bob.user))},
	}, ts)
	assert.ErrorIs(t, err, types.ErrUserAlreadyRevoked)
}

func TestShamirSetupAndRecipientEvent(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)
	sub := f.events.Subscribe(f.org, bob.user)
	defer sub.Close()

	f.setupShamir(t, f.alice, bob)

	seen := false
	for _, ev := range drain(sub) {
		if cert, ok := ev.(types.EventShamirRecoveryCertificate); ok {
			assert.Equal(t, f.alice.user, cert.UserID)
			assert.Contains(t, cert.Recipients, bob.user)
			seen = true
		}
	}
	assert.True(t, seen)

	// a second setup replaces nothing, the first one must be deleted first
	ts := f.tick()
	err := f.shamir.Setup(testCtx, f.org, f.alice.device, &types.ShamirRecoverySetupRequest{
		BriefCertificate: signCert(t, f.alice.signKey,
			shamirBrief(f.alice, ts, 1, map[types.UserID]uint8{bob.user: 1})),
		ShareCertificates: [][]byte{signCert(t, f.alice.signKey, shamirShare(f.alice, ts, bob.user))},
	}, ts)
	assert.ErrorIs(t, err, types.ErrShamirSetupAlreadyExists)
}

func TestShamirDeleteCancelsRecoveryInvitations(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)
	setupTs := f.setupShamir(t, f.alice, bob)

	// bob, as recipient, opens a recovery invitation for alice
	resp, err := f.invites.NewShamirRecovery(testCtx, f.org, bob.device, &types.InviteNewShamirRecoveryRequest{
		ClaimerUserID: f.alice.user,
	}, f.tick())
	assert.NoError(t, err)

	deleteTs := f.tick()
	deletion := types.ShamirRecoveryDeletionCertificate{
		Type:            types.CertTypeShamirRecoveryDeletion,
		Author:          &f.alice.device,
		Timestamp:       deleteTs,
		SetupTimestamp:  setupTs,
		UserID:          f.alice.user,
		ShareRecipients: []types.UserID{bob.user},
	}
	assert.NoError(t, f.shamir.Delete(testCtx, f.org, f.alice.device, &types.ShamirRecoveryDeleteRequest{
		DeletionCertificate: signCert(t, f.alice.signKey, deletion),
	}, deleteTs))

	inv, err := f.store.Invitations().Get(testCtx, f.org, resp.Token)
	assert.NoError(t, err)
	assert.Equal(t, types.InvitationCancelled, inv.Status)

	// a second delete has nothing left to target
	err = f.shamir.Delete(testCtx, f.org, f.alice.device, &types.ShamirRecoveryDeleteRequest{
		DeletionCertificate: signCert(t, f.alice.signKey, deletion),
	}, deleteTs)
	assert.ErrorIs(t, err, types.ErrShamirSetupNotFound)
}

func TestShamirDeleteStaleSetupTimestamp(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)
	setupTs := f.setupShamir(t, f.alice, bob)

	deleteTs := f.tick()
	deletion := types.ShamirRecoveryDeletionCertificate{
		Type:            types.CertTypeShamirRecoveryDeletion,
		Author:          &f.alice.device,
		Timestamp:       deleteTs,
		SetupTimestamp:  setupTs.Add(time.Second),
		UserID:          f.alice.user,
		ShareRecipients: []types.UserID{bob.user},
	}
	err := f.shamir.Delete(testCtx, f.org, f.alice.device, &types.ShamirRecoveryDeleteRequest{
		DeletionCertificate: signCert(t, f.alice.signKey, deletion),
	}, deleteTs)
	assert.ErrorIs(t, err, types.ErrInvalidCertificate)
}
