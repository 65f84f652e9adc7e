package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/parsec-cloud/go-parsec-server/types"
)

func TestRealmCreateMustSelfGrantOwner(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)

	now := f.tick()
	author := f.alice.device
	role := types.RoleOwner
	cert := types.RealmRoleCertificate{
		Type:      types.CertTypeRealmRole,
		Author:    &author,
		Timestamp: now,
		RealmID:   types.RealmID(newUUID()),
		UserID:    bob.user, // not the author
		Role:      &role,
	}
	err := f.realms.Create(testCtx, f.org, f.alice.device, signCert(t, f.alice.signKey, cert), now)
	assert.ErrorIs(t, err, types.ErrInvalidCertificate)
}

func TestRealmShareRoleMatrix(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)
	carol := f.addActor(t, f.alice, "carol@example.com", types.ProfileStandard)
	realm := f.createRealm(t, f.alice)

	// owner grants manager
	assert.NoError(t, f.shareRealm(t, f.alice, realm, bob.user, types.RoleManager, 0))

	// manager may hand out reader but not owner
	assert.NoError(t, f.shareRealm(t, bob, realm, carol.user, types.RoleReader, 0))
	err := f.shareRealm(t, bob, realm, carol.user, types.RoleOwner, 0)
	assert.ErrorIs(t, err, types.ErrAuthorNotAllowed)

	// a manager cannot touch another manager's position either
	assert.NoError(t, f.shareRealm(t, f.alice, realm, carol.user, types.RoleManager, 0))
	err = f.shareRealm(t, bob, realm, carol.user, types.RoleReader, 0)
	assert.ErrorIs(t, err, types.ErrAuthorNotAllowed)
}

func TestRealmShareOutsiderRestrictions(t *testing.T) {
	f := newFixture(t)
	// allow outsider onboarding for this organization
	allowed := true
	_, err := f.orgs.Update(testCtx, f.org, types.OrganizationUpdate{UserProfileOutsiderAllowed: &allowed})
	assert.NoError(t, err)

	outsider := f.addActor(t, f.alice, "guest@example.com", types.ProfileOutsider)
	realm := f.createRealm(t, f.alice)

	err = f.shareRealm(t, f.alice, realm, outsider.user, types.RoleManager, 0)
	assert.ErrorIs(t, err, types.ErrRoleIncompatibleWithOutsider)
	assert.NoError(t, f.shareRealm(t, f.alice, realm, outsider.user, types.RoleReader, 0))
}

func TestRealmUnshare(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)
	realm := f.createRealm(t, f.alice)
	assert.NoError(t, f.shareRealm(t, f.alice, realm, bob.user, types.RoleReader, 0))

	now := f.tick()
	author := f.alice.device
	cert := types.RealmRoleCertificate{
		Type:      types.CertTypeRealmRole,
		Author:    &author,
		Timestamp: now,
		RealmID:   realm,
		UserID:    bob.user,
		Role:      nil,
	}
	assert.NoError(t, f.realms.Unshare(testCtx, f.org, f.alice.device, &types.RealmUnshareRequest{
		RealmRoleCertificate: signCert(t, f.alice.signKey, cert),
	}, now))

	r, err := f.store.Realms().Get(testCtx, f.org, realm)
	assert.NoError(t, err)
	_, held := r.Roles[bob.user]
	assert.False(t, held)
}

func TestRealmRotateKeyAndBundle(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)
	realm := f.createRealm(t, f.alice)
	assert.NoError(t, f.shareRealm(t, f.alice, realm, bob.user, types.RoleReader, 0))

	// only an owner rotates
	err := f.rotateRealmKey(t, bob, realm, 1, f.alice.user, bob.user)
	assert.ErrorIs(t, err, types.ErrAuthorNotAllowed)

	assert.NoError(t, f.rotateRealmKey(t, f.alice, realm, 1, f.alice.user, bob.user))

	resp, err := f.realms.GetKeysBundle(testCtx, f.org, bob.device, &types.RealmGetKeysBundleRequest{
		RealmID:  realm,
		KeyIndex: 1,
	})
	assert.NoError(t, err)
	assert.Equal(t, []byte("bundle"), resp.KeysBundle)
	assert.Equal(t, []byte("sealed-access"), resp.KeysBundleAccess)

	// non-members get nothing
	carol := f.addActor(t, f.alice, "carol@example.com", types.ProfileStandard)
	_, err = f.realms.GetKeysBundle(testCtx, f.org, carol.device, &types.RealmGetKeysBundleRequest{
		RealmID:  realm,
		KeyIndex: 1,
	})
	assert.ErrorIs(t, err, types.ErrAuthorNotAllowed)
}

func TestRealmEventsReachMembersOnly(t *testing.T) {
	f := newFixture(t)
	carol := f.addActor(t, f.alice, "carol@example.com", types.ProfileStandard)
	realm := f.createRealm(t, f.alice)

	aliceSub := f.events.Subscribe(f.org, f.alice.user)
	defer aliceSub.Close()
	carolSub := f.events.Subscribe(f.org, carol.user)
	defer carolSub.Close()

	assert.NoError(t, f.rotateRealmKey(t, f.alice, realm, 1, f.alice.user))

	now := f.tick()
	assert.NoError(t, f.vlobs.CreateVlob(testCtx, f.org, f.alice.device, &types.VlobCreateRequest{
		RealmID:   realm,
		VlobID:    newUUID(),
		KeyIndex:  1,
		Timestamp: now,
		Blob:      []byte("v1"),
	}, now))

	// the rotation certificate and the vlob write stay inside the realm
	assert.Len(t, drain(aliceSub), 2)
	assert.Len(t, drain(carolSub), 0)
}

func TestRealmRenameOwnerOnly(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)
	realm := f.createRealm(t, f.alice)
	assert.NoError(t, f.shareRealm(t, f.alice, realm, bob.user, types.RoleManager, 0))
	assert.NoError(t, f.rotateRealmKey(t, f.alice, realm, 1, f.alice.user, bob.user))

	rename := func(author actor) error {
		now := f.tick()
		device := author.device
		cert := types.RealmNameCertificate{
			Type:          types.CertTypeRealmName,
			Author:        &device,
			Timestamp:     now,
			RealmID:       realm,
			KeyIndex:      1,
			EncryptedName: []byte("sealed-name"),
		}
		return f.realms.Rename(testCtx, f.org, author.device, &types.RealmRenameRequest{
			RealmNameCertificate: signCert(t, author.signKey, cert),
			InitialNameOrFail:    true,
		}, now)
	}
	assert.ErrorIs(t, rename(bob), types.ErrAuthorNotAllowed)
	assert.NoError(t, rename(f.alice))
	// initial_name_or_fail loses once a name exists
	assert.ErrorIs(t, rename(f.alice), types.ErrRealmNameAlreadySet)
}

func TestRealmArchivingBlocksWrites(t *testing.T) {
	f := newFixture(t)
	realm := f.createRealm(t, f.alice)
	assert.NoError(t, f.rotateRealmKey(t, f.alice, realm, 1, f.alice.user))

	now := f.tick()
	author := f.alice.device
	cert := types.RealmArchivingCertificate{
		Type:          types.CertTypeRealmArchiving,
		Author:        &author,
		Timestamp:     now,
		RealmID:       realm,
		Configuration: types.ArchivingArchived,
	}
	assert.NoError(t, f.realms.SetArchiving(testCtx, f.org, f.alice.device, signCert(t, f.alice.signKey, cert), now))

	now = f.tick()
	err := f.vlobs.CreateVlob(testCtx, f.org, f.alice.device, &types.VlobCreateRequest{
		RealmID:   realm,
		VlobID:    newUUID(),
		KeyIndex:  1,
		Timestamp: now,
		Blob:      []byte("blob"),
	}, now)
	assert.ErrorIs(t, err, types.ErrAuthorNotAllowed)
}

func TestRealmArchivingDeletionPeriod(t *testing.T) {
	f := newFixture(t)
	realm := f.createRealm(t, f.alice)

	// the organization default minimum archiving period applies; a deletion
	// date in the immediate future is refused when a period is configured
	days := 30
	_, err := f.orgs.Update(testCtx, f.org, types.OrganizationUpdate{MinimumArchivingPeriod: &days})
	assert.NoError(t, err)

	now := f.tick()
	author := f.alice.device
	soon := now.Add(24 * time.Hour)
	cert := types.RealmArchivingCertificate{
		Type:          types.CertTypeRealmArchiving,
		Author:        &author,
		Timestamp:     now,
		RealmID:       realm,
		Configuration: types.ArchivingDeletionPlanned,
		DeletionDate:  &soon,
	}
	err = f.realms.SetArchiving(testCtx, f.org, f.alice.device, signCert(t, f.alice.signKey, cert), now)
	assert.ErrorIs(t, err, types.ErrInvalidCertificate)
}

func TestCertificateGetVisibilityWindows(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)
	realm := f.createRealm(t, f.alice)

	// bob joins, leaves, and a post-membership certificate lands
	assert.NoError(t, f.shareRealm(t, f.alice, realm, bob.user, types.RoleReader, 0))

	now := f.tick()
	author := f.alice.device
	unshare := types.RealmRoleCertificate{
		Type:      types.CertTypeRealmRole,
		Author:    &author,
		Timestamp: now,
		RealmID:   realm,
		UserID:    bob.user,
	}
	assert.NoError(t, f.realms.Unshare(testCtx, f.org, f.alice.device, &types.RealmUnshareRequest{
		RealmRoleCertificate: signCert(t, f.alice.signKey, unshare),
	}, now))
	assert.NoError(t, f.rotateRealmKey(t, f.alice, realm, 1, f.alice.user))

	resp, err := f.realms.CertificateGet(testCtx, f.org, bob.device, &types.CertificateGetRequest{})
	assert.NoError(t, err)
	// bob sees his share and the unshare that closed his window, not the
	// realm creation before it nor the rotation after it
	assert.Len(t, resp.RealmCertificates[realm], 2)

	full, err := f.realms.CertificateGet(testCtx, f.org, f.alice.device, &types.CertificateGetRequest{})
	assert.NoError(t, err)
	assert.Len(t, full.RealmCertificates[realm], 4)
}
