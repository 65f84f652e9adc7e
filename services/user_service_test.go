package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parsec-cloud/go-parsec-server/types"
	"github.com/parsec-cloud/go-parsec-server/util"
)

func TestUserCreateRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)

	now := f.tick()
	err := f.users.Create(testCtx, f.org, bob.device, &types.UserCreateRequest{}, now)
	assert.ErrorIs(t, err, types.ErrAuthorNotAllowed)
}

func TestUserCreateRejectsForeignSignature(t *testing.T) {
	f := newFixture(t)
	_, malloryKey, err := util.GenerateSigningKeyPair()
	assert.NoError(t, err)

	now := f.tick()
	author := f.alice.device
	cert := types.UserCertificate{
		Type:        types.CertTypeUser,
		Author:      &author,
		Timestamp:   now,
		UserID:      f.alice.user,
		HumanHandle: &types.HumanHandle{Email: "x@example.com", Label: "X"},
		PublicKey:   []byte("pk"),
		Profile:     types.ProfileStandard,
	}
	signed := signCert(t, malloryKey, cert)
	err = f.users.Create(testCtx, f.org, f.alice.device, &types.UserCreateRequest{
		UserCertificate:           signed,
		DeviceCertificate:         signed,
		RedactedUserCertificate:   signed,
		RedactedDeviceCertificate: signed,
	}, now)
	assert.ErrorIs(t, err, types.ErrInvalidCertificate)
}

func TestUserRevokeGuards(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)

	// the author cannot revoke itself
	now := f.tick()
	author := f.alice.device
	selfRevoke := types.RevokedUserCertificate{
		Type:      types.CertTypeRevokedUser,
		Author:    &author,
		Timestamp: now,
		UserID:    f.alice.user,
	}
	err := f.users.Revoke(testCtx, f.org, f.alice.device, &types.UserRevokeRequest{
		RevokedUserCertificate: signCert(t, f.alice.signKey, selfRevoke),
	}, now)
	assert.ErrorIs(t, err, types.ErrAuthorNotAllowed)

	// revoking bob works and shuts down his streams
	sub := f.events.Subscribe(f.org, bob.user)
	defer sub.Close()
	now = f.tick()
	revokeBob := types.RevokedUserCertificate{
		Type:      types.CertTypeRevokedUser,
		Author:    &author,
		Timestamp: now,
		UserID:    bob.user,
	}
	assert.NoError(t, f.users.Revoke(testCtx, f.org, f.alice.device, &types.UserRevokeRequest{
		RevokedUserCertificate: signCert(t, f.alice.signKey, revokeBob),
	}, now))

	var sawRevoked bool
	for _, event := range drain(sub) {
		if e, ok := event.(types.EventUserRevokedOrFrozen); ok && e.UserID == bob.user {
			sawRevoked = true
		}
	}
	assert.True(t, sawRevoked)

	// a revoked author is refused
	_, err = loadAuthor(testCtx, f.store, f.org, bob.device)
	assert.ErrorIs(t, err, types.ErrAuthorRevoked)
}

func TestLastAdminCannotBeRevoked(t *testing.T) {
	f := newFixture(t)
	carol := f.addActor(t, f.alice, "carol@example.com", types.ProfileAdmin)

	now := f.tick()
	author := carol.device
	cert := types.RevokedUserCertificate{
		Type:      types.CertTypeRevokedUser,
		Author:    &author,
		Timestamp: now,
		UserID:    f.alice.user,
	}
	assert.NoError(t, f.users.Revoke(testCtx, f.org, carol.device, &types.UserRevokeRequest{
		RevokedUserCertificate: signCert(t, carol.signKey, cert),
	}, now))

	// carol is now the only active admin; alice cannot take her down anyway
	// (alice is revoked), and no other admin exists to revoke carol
	users, err := f.users.List(testCtx, f.org)
	assert.NoError(t, err)
	active := 0
	for _, u := range users {
		if u.Profile == types.ProfileAdmin && !u.IsRevoked() {
			active++
		}
	}
	assert.Equal(t, 1, active)

	err = f.users.checkNotLastAdmin(testCtx, f.org, carol.user)
	assert.ErrorIs(t, err, types.ErrUserIsLastAdmin)
}

func TestUpdateProfileGuards(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)
	author := f.alice.device

	// the author cannot change its own profile
	now := f.tick()
	self := types.UserUpdateCertificate{
		Type:       types.CertTypeUserUpdate,
		Author:     &author,
		Timestamp:  now,
		UserID:     f.alice.user,
		NewProfile: types.ProfileStandard,
	}
	err := f.users.UpdateProfile(testCtx, f.org, f.alice.device, &types.UserUpdateRequest{
		UserUpdateCertificate: signCert(t, f.alice.signKey, self),
	}, now)
	assert.ErrorIs(t, err, types.ErrAuthorNotAllowed)

	// outsider demotion refused when the organization forbids outsiders
	now = f.tick()
	demote := types.UserUpdateCertificate{
		Type:       types.CertTypeUserUpdate,
		Author:     &author,
		Timestamp:  now,
		UserID:     bob.user,
		NewProfile: types.ProfileOutsider,
	}
	err = f.users.UpdateProfile(testCtx, f.org, f.alice.device, &types.UserUpdateRequest{
		UserUpdateCertificate: signCert(t, f.alice.signKey, demote),
	}, now)
	assert.ErrorIs(t, err, types.ErrAuthorNotAllowed)

	// promotion to admin goes through
	now = f.tick()
	promote := types.UserUpdateCertificate{
		Type:       types.CertTypeUserUpdate,
		Author:     &author,
		Timestamp:  now,
		UserID:     bob.user,
		NewProfile: types.ProfileAdmin,
	}
	assert.NoError(t, f.users.UpdateProfile(testCtx, f.org, f.alice.device, &types.UserUpdateRequest{
		UserUpdateCertificate: signCert(t, f.alice.signKey, promote),
	}, now))
	updated, err := f.store.Users().Get(testCtx, f.org, bob.user)
	assert.NoError(t, err)
	assert.Equal(t, types.ProfileAdmin, updated.Profile)
}

func TestCreateDeviceForSelfOnly(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)

	pub, _, err := util.GenerateSigningKeyPair()
	assert.NoError(t, err)
	now := f.tick()
	author := f.alice.device
	label := "tablet"

	// alice cannot certify a device under bob's identity
	foreign := types.DeviceCertificate{
		Type:        types.CertTypeDevice,
		Author:      &author,
		Timestamp:   now,
		DeviceID:    types.DeviceID{UserID: bob.user, Name: "tablet"},
		DeviceLabel: &label,
		VerifyKey:   pub,
	}
	redForeign := foreign
	redForeign.DeviceLabel = nil
	err = f.users.CreateDevice(testCtx, f.org, f.alice.device, &types.DeviceCreateRequest{
		DeviceCertificate:         signCert(t, f.alice.signKey, foreign),
		RedactedDeviceCertificate: signCert(t, f.alice.signKey, redForeign),
	}, now)
	assert.ErrorIs(t, err, types.ErrInvalidCertificate)

	// her own second device is fine
	now = f.tick()
	own := types.DeviceCertificate{
		Type:        types.CertTypeDevice,
		Author:      &author,
		Timestamp:   now,
		DeviceID:    types.DeviceID{UserID: f.alice.user, Name: "tablet"},
		DeviceLabel: &label,
		VerifyKey:   pub,
	}
	redOwn := own
	redOwn.DeviceLabel = nil
	assert.NoError(t, f.users.CreateDevice(testCtx, f.org, f.alice.device, &types.DeviceCreateRequest{
		DeviceCertificate:         signCert(t, f.alice.signKey, own),
		RedactedDeviceCertificate: signCert(t, f.alice.signKey, redOwn),
	}, now))
}

func TestFreezeThaw(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)

	assert.NoError(t, f.users.SetFrozen(testCtx, f.org, bob.user, true))
	_, err := loadAuthor(testCtx, f.store, f.org, bob.device)
	assert.ErrorIs(t, err, types.ErrUserFrozen)

	assert.NoError(t, f.users.SetFrozen(testCtx, f.org, bob.user, false))
	_, err = loadAuthor(testCtx, f.store, f.org, bob.device)
	assert.NoError(t, err)
}
