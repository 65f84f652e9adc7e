package services

import (
	"context"
	"crypto/ed25519"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
	"github.com/parsec-cloud/go-parsec-server/util"
)

var testCtx = context.Background()

func TestMain(m *testing.M) {
	global.ApplyConfigDefaults(&global.Conf)
	os.Exit(m.Run())
}

// actor is one onboarded user with its first device and signing key.
type actor struct {
	user    types.UserID
	device  types.DeviceID
	signKey ed25519.PrivateKey
}

// fixture is one bootstrapped organization with every service wired on a
// memory store.
type fixture struct {
	store     repository.Store
	events    *EventService
	env       *types.Environment
	orgs      *OrganizationService
	users     *UserService
	realms    *RealmService
	vlobs     *VlobService
	invites   *InviteService
	shamir    *ShamirService
	sequester *SequesterService
	pki       *PkiService

	org     types.OrganizationID
	rootKey ed25519.PrivateKey
	alice   actor

	clockMu sync.Mutex
	clock   types.Timestamp
}

// tick hands out strictly increasing timestamps close to the wall clock, so
// the per-topic monotonicity and the ballpark check both hold.
func (f *fixture) tick() types.Timestamp {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.clock = f.clock.Add(time.Millisecond)
	return f.clock
}

func newUUID() uuid.UUID { return uuid.New() }

func signCert(t *testing.T, key ed25519.PrivateKey, cert types.Certificate) []byte {
	t.Helper()
	payload, err := types.EncodeCertificate(cert)
	if err != nil {
		t.Fatal(err)
	}
	return util.Sign(key, payload)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f, _ := buildFixture(t, false)
	return f
}

// newSequesteredFixture bootstraps with a sequester authority and returns
// its signing key alongside the fixture.
func newSequesteredFixture(t *testing.T) (*fixture, ed25519.PrivateKey) {
	t.Helper()
	return buildFixture(t, true)
}

func buildFixture(t *testing.T, sequestered bool) (*fixture, ed25519.PrivateKey) {
	t.Helper()
	store := repository.NewMemoryStore()
	events := NewEventService()
	env := types.NewEnvironment(nil)
	sequester := NewSequesterService(store, events)
	f := &fixture{
		store:     store,
		events:    events,
		env:       env,
		orgs:      NewOrganizationService(store, events),
		users:     NewUserService(store, events),
		realms:    NewRealmService(store, events, sequester),
		vlobs:     NewVlobService(store, events, env),
		invites:   NewInviteService(store, events, env),
		shamir:    NewShamirService(store, events),
		sequester: sequester,
		pki:       NewPkiService(store, events, nil),
		org:       types.OrganizationID("TestOrg"),
		clock:     types.Now(),
	}

	rootPub, rootKey, err := util.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	f.rootKey = rootKey

	token := "bootstrap-token"
	if _, err := f.orgs.Create(testCtx, f.org, &token); err != nil {
		t.Fatal(err)
	}

	alicePub, aliceKey, err := util.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	aliceID := types.UserID(uuid.New())
	aliceDevice := types.DeviceID{UserID: aliceID, Name: "laptop"}
	now := f.tick()
	label := "laptop"
	userCert := types.UserCertificate{
		Type:        types.CertTypeUser,
		Timestamp:   now,
		UserID:      aliceID,
		HumanHandle: &types.HumanHandle{Email: "alice@example.com", Label: "Alice"},
		PublicKey:   []byte("alice-public-key"),
		Profile:     types.ProfileAdmin,
	}
	redUserCert := userCert
	redUserCert.HumanHandle = nil
	deviceCert := types.DeviceCertificate{
		Type:        types.CertTypeDevice,
		Timestamp:   now,
		DeviceID:    aliceDevice,
		DeviceLabel: &label,
		VerifyKey:   alicePub,
	}
	redDeviceCert := deviceCert
	redDeviceCert.DeviceLabel = nil

	var authorityKey ed25519.PrivateKey
	var authorityCert []byte
	if sequestered {
		authorityPub, key, aErr := util.GenerateSigningKeyPair()
		if aErr != nil {
			t.Fatal(aErr)
		}
		authorityKey = key
		authorityCert = signCert(t, rootKey, types.SequesterAuthorityCertificate{
			Type:         types.CertTypeSequesterAuthority,
			Timestamp:    now,
			VerifyKeyDer: authorityPub,
		})
	}

	err = f.orgs.Bootstrap(testCtx, f.org, &types.OrganizationBootstrapRequest{
		BootstrapToken:            &token,
		RootVerifyKey:             rootPub,
		UserCertificate:           signCert(t, rootKey, userCert),
		DeviceCertificate:         signCert(t, rootKey, deviceCert),
		RedactedUserCertificate:   signCert(t, rootKey, redUserCert),
		RedactedDeviceCertificate: signCert(t, rootKey, redDeviceCert),

		SequesterAuthorityCertificate: authorityCert,
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	f.alice = actor{user: aliceID, device: aliceDevice, signKey: aliceKey}
	return f, authorityKey
}

// addActor onboards a fresh user through user_create authored by admin.
func (f *fixture) addActor(t *testing.T, admin actor, email string, profile types.Profile) actor {
	t.Helper()
	pub, key, err := util.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	id := types.UserID(uuid.New())
	device := types.DeviceID{UserID: id, Name: "pc"}
	now := f.tick()
	author := admin.device
	label := "pc"
	userCert := types.UserCertificate{
		Type:        types.CertTypeUser,
		Author:      &author,
		Timestamp:   now,
		UserID:      id,
		HumanHandle: &types.HumanHandle{Email: email, Label: email},
		PublicKey:   []byte("public-key-" + email),
		Profile:     profile,
	}
	redUserCert := userCert
	redUserCert.HumanHandle = nil
	deviceCert := types.DeviceCertificate{
		Type:        types.CertTypeDevice,
		Author:      &author,
		Timestamp:   now,
		DeviceID:    device,
		DeviceLabel: &label,
		VerifyKey:   pub,
	}
	redDeviceCert := deviceCert
	redDeviceCert.DeviceLabel = nil

	err = f.users.Create(testCtx, f.org, admin.device, &types.UserCreateRequest{
		UserCertificate:           signCert(t, admin.signKey, userCert),
		DeviceCertificate:         signCert(t, admin.signKey, deviceCert),
		RedactedUserCertificate:   signCert(t, admin.signKey, redUserCert),
		RedactedDeviceCertificate: signCert(t, admin.signKey, redDeviceCert),
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	return actor{user: id, device: device, signKey: key}
}

// createRealm opens a realm owned by the actor.
func (f *fixture) createRealm(t *testing.T, owner actor) types.RealmID {
	t.Helper()
	realmID := types.RealmID(uuid.New())
	now := f.tick()
	author := owner.device
	role := types.RoleOwner
	cert := types.RealmRoleCertificate{
		Type:      types.CertTypeRealmRole,
		Author:    &author,
		Timestamp: now,
		RealmID:   realmID,
		UserID:    owner.user,
		Role:      &role,
	}
	if err := f.realms.Create(testCtx, f.org, owner.device, signCert(t, owner.signKey, cert), now); err != nil {
		t.Fatal(err)
	}
	return realmID
}

// shareRealm grants role to the target, sealed access at keyIndex.
func (f *fixture) shareRealm(t *testing.T, author actor, realm types.RealmID, target types.UserID, role types.RealmRole, keyIndex uint64) error {
	t.Helper()
	now := f.tick()
	device := author.device
	cert := types.RealmRoleCertificate{
		Type:      types.CertTypeRealmRole,
		Author:    &device,
		Timestamp: now,
		RealmID:   realm,
		UserID:    target,
		Role:      &role,
	}
	return f.realms.Share(testCtx, f.org, author.device, &types.RealmShareRequest{
		RealmRoleCertificate:      signCert(t, author.signKey, cert),
		RecipientKeysBundleAccess: []byte("sealed-access"),
		KeyIndex:                  keyIndex,
	}, now)
}

// rotateRealmKey commits the next bundle for the given participants.
func (f *fixture) rotateRealmKey(t *testing.T, author actor, realm types.RealmID, keyIndex uint64, participants ...types.UserID) error {
	t.Helper()
	now := f.tick()
	device := author.device
	cert := types.RealmKeyRotationCertificate{
		Type:                types.CertTypeRealmKeyRotation,
		Author:              &device,
		Timestamp:           now,
		RealmID:             realm,
		KeyIndex:            keyIndex,
		EncryptionAlgorithm: "XSALSA20_POLY1305",
		HashAlgorithm:       "BLAKE2B",
		KeyCanary:           []byte("canary"),
	}
	perParticipant := make(map[types.UserID][]byte, len(participants))
	for _, p := range participants {
		perParticipant[p] = []byte("sealed-access")
	}
	return f.realms.RotateKey(testCtx, f.org, author.device, &types.RealmRotateKeyRequest{
		RealmKeyRotationCertificate:    signCert(t, author.signKey, cert),
		KeysBundle:                     []byte("bundle"),
		PerParticipantKeysBundleAccess: perParticipant,
	}, now)
}

// drain empties a subscriber channel into a slice without blocking.
func drain(sub *Subscriber) []types.Event {
	var out []types.Event
	for {
		select {
		case event, ok := <-sub.Ch:
			if !ok {
				return out
			}
			out = append(out, event)
		default:
			return out
		}
	}
}
