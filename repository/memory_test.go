package repository

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/parsec-cloud/go-parsec-server/types"
)

var testCtx = context.Background()

func newTestOrg(t *testing.T, store *MemoryStore) (types.OrganizationID, types.DeviceID) {
	t.Helper()
	orgID := types.OrganizationID("TestOrg")
	err := store.Organizations().Create(testCtx, &types.Organization{
		ID:        orgID,
		CreatedOn: types.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	alice := types.UserID(uuid.New())
	device := types.DeviceID{UserID: alice, Name: "laptop"}
	email := "alice@example.com"
	err = store.Organizations().Bootstrap(testCtx, orgID, BootstrapData{
		RootVerifyKey:  []byte("root-verify-key"),
		BootstrappedOn: 1000,
		User: types.User{
			ID:          alice,
			HumanHandle: &types.HumanHandle{Email: email, Label: "Alice"},
			Profile:     types.ProfileAdmin,
			CreatedOn:   1000,
		},
		Device:            types.Device{ID: device, VerifyKey: []byte("vk"), CreatedOn: 1000},
		UserCertificate:   []byte("alice-cert"),
		DeviceCertificate: []byte("alice-dev-cert"),
		Timestamp:         1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	return orgID, device
}

func addUser(t *testing.T, store *MemoryStore, org types.OrganizationID, author types.DeviceID, email string, profile types.Profile, ts types.Timestamp) types.DeviceID {
	t.Helper()
	id := types.UserID(uuid.New())
	device := types.DeviceID{UserID: id, Name: "pc"}
	err := store.Users().Create(testCtx, org, CreateUser{
		User: types.User{
			ID:          id,
			HumanHandle: &types.HumanHandle{Email: email, Label: email},
			Profile:     profile,
			CreatedOn:   ts,
		},
		Device:            types.Device{ID: device, VerifyKey: []byte("vk"), CreatedOn: ts},
		Author:            author,
		UserCertificate:   []byte("user-cert-" + email),
		DeviceCertificate: []byte("dev-cert-" + email),
		Timestamp:         ts,
	})
	if err != nil {
		t.Fatal(err)
	}
	return device
}

func TestBootstrapOnce(t *testing.T) {
	store := NewMemoryStore()
	orgID, _ := newTestOrg(t, store)

	err := store.Organizations().Bootstrap(testCtx, orgID, BootstrapData{
		RootVerifyKey: []byte("other-key"),
		Timestamp:     2000,
	})
	assert.ErrorIs(t, err, types.ErrAlreadyBootstrapped)

	org, err := store.Organizations().Get(testCtx, orgID)
	assert.NoError(t, err)
	assert.Equal(t, []byte("root-verify-key"), org.RootVerifyKey)
}

func TestTopicTimestampMonotonic(t *testing.T) {
	store := NewMemoryStore()
	orgID, _ := newTestOrg(t, store)

	// same timestamp as the bootstrap batch must be refused
	addUserErr := store.Users().Create(testCtx, orgID, CreateUser{
		User:      types.User{ID: uuid.New(), Profile: types.ProfileStandard},
		Device:    types.Device{ID: types.DeviceID{UserID: uuid.New(), Name: "pc"}},
		Timestamp: 1000,
	})
	var greater *types.RequireGreaterTimestampError
	if !errors.As(addUserErr, &greater) {
		t.Fatalf("expected RequireGreaterTimestampError, got %v", addUserErr)
	}
	assert.Equal(t, types.Timestamp(1000), greater.StrictlyGreaterThan)
}

func TestAuthorTimestampMonotonicAcrossTopics(t *testing.T) {
	store := NewMemoryStore()
	orgID, alice := newTestOrg(t, store)
	createRealm(t, store, orgID, alice, 3000)

	// the common topic head is still at 1000, but alice signed a realm
	// certificate at 3000: her next certificate must beat that
	stale := CreateUser{
		User:      types.User{ID: uuid.New(), Profile: types.ProfileStandard},
		Device:    types.Device{ID: types.DeviceID{UserID: uuid.New(), Name: "pc"}},
		Author:    alice,
		Timestamp: 2500,
	}
	err := store.Users().Create(testCtx, orgID, stale)
	var greater *types.RequireGreaterTimestampError
	if !errors.As(err, &greater) {
		t.Fatalf("expected RequireGreaterTimestampError, got %v", err)
	}
	assert.Equal(t, types.Timestamp(3000), greater.StrictlyGreaterThan)

	stale.Timestamp = 3500
	assert.NoError(t, store.Users().Create(testCtx, orgID, stale))
}

func TestActiveUsersLimit(t *testing.T) {
	store := NewMemoryStore()
	orgID, _ := newTestOrg(t, store)

	limit := 1
	err := store.Users().Create(testCtx, orgID, CreateUser{
		User:             types.User{ID: uuid.New(), Profile: types.ProfileStandard},
		Device:           types.Device{ID: types.DeviceID{UserID: uuid.New(), Name: "pc"}},
		Timestamp:        2000,
		ActiveUsersLimit: &limit,
	})
	assert.ErrorIs(t, err, types.ErrActiveUsersLimitReached)
}

func TestHumanEmailUniqueAmongActive(t *testing.T) {
	store := NewMemoryStore()
	orgID, alice := newTestOrg(t, store)
	bob := addUser(t, store, orgID, alice, "bob@example.com", types.ProfileStandard, 2000)

	dup := CreateUser{
		User: types.User{
			ID:          uuid.New(),
			HumanHandle: &types.HumanHandle{Email: "bob@example.com", Label: "Bob 2"},
			Profile:     types.ProfileStandard,
		},
		Device:    types.Device{ID: types.DeviceID{UserID: uuid.New(), Name: "pc"}},
		Timestamp: 3000,
	}
	err := store.Users().Create(testCtx, orgID, dup)
	assert.ErrorIs(t, err, types.ErrHumanHandleAlreadyTaken)

	// revoking frees the email
	err = store.Users().Revoke(testCtx, orgID, bob.UserID, alice, []byte("revoke-cert"), 3000)
	assert.NoError(t, err)
	dup.Timestamp = 4000
	assert.NoError(t, store.Users().Create(testCtx, orgID, dup))
}

func TestRevokeTwice(t *testing.T) {
	store := NewMemoryStore()
	orgID, alice := newTestOrg(t, store)
	bob := addUser(t, store, orgID, alice, "bob@example.com", types.ProfileStandard, 2000)

	assert.NoError(t, store.Users().Revoke(testCtx, orgID, bob.UserID, alice, []byte("c1"), 3000))
	err := store.Users().Revoke(testCtx, orgID, bob.UserID, alice, []byte("c2"), 4000)
	assert.ErrorIs(t, err, types.ErrUserAlreadyRevoked)
}

func createRealm(t *testing.T, store *MemoryStore, org types.OrganizationID, author types.DeviceID, ts types.Timestamp) types.RealmID {
	t.Helper()
	realmID := types.RealmID(uuid.New())
	err := store.Realms().Create(testCtx, org, CreateRealm{
		RealmID:     realmID,
		Author:      author,
		Certificate: []byte("realm-cert"),
		Timestamp:   ts,
	})
	if err != nil {
		t.Fatal(err)
	}
	return realmID
}

func rotateKey(t *testing.T, store *MemoryStore, org types.OrganizationID, realm types.RealmID, author types.DeviceID, keyIndex uint64, participants []types.UserID, ts types.Timestamp) error {
	t.Helper()
	perParticipant := make(map[types.UserID][]byte, len(participants))
	for _, p := range participants {
		perParticipant[p] = []byte("access")
	}
	return store.Realms().RotateKey(testCtx, org, RotateRealmKey{
		RealmID:        realm,
		KeyIndex:       keyIndex,
		Author:         author,
		Certificate:    []byte("rotation-cert"),
		Timestamp:      ts,
		Bundle:         []byte("bundle"),
		PerParticipant: perParticipant,
	})
}

func TestRotateKeyChecks(t *testing.T) {
	store := NewMemoryStore()
	orgID, alice := newTestOrg(t, store)
	realmID := createRealm(t, store, orgID, alice, 2000)

	// key index must be exactly current+1
	err := rotateKey(t, store, orgID, realmID, alice, 2, []types.UserID{alice.UserID}, 3000)
	var badIndex *types.BadKeyIndexError
	if !errors.As(err, &badIndex) {
		t.Fatalf("expected BadKeyIndexError, got %v", err)
	}
	assert.Equal(t, types.Timestamp(2000), badIndex.LastRealmCertificateTimestamp)

	// participants must cover exactly the non-revoked members
	err = rotateKey(t, store, orgID, realmID, alice, 1, nil, 3000)
	var mismatch *types.ParticipantMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ParticipantMismatchError, got %v", err)
	}

	assert.NoError(t, rotateKey(t, store, orgID, realmID, alice, 1, []types.UserID{alice.UserID}, 3000))
	realm, err := store.Realms().Get(testCtx, orgID, realmID)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), realm.KeyIndex)

	bundle, access, err := store.Realms().GetKeysBundle(testCtx, orgID, realmID, 1, alice.UserID)
	assert.NoError(t, err)
	assert.Equal(t, []byte("bundle"), bundle)
	assert.Equal(t, []byte("access"), access)
}

func TestConcurrentKeyRotationsSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	orgID, alice := newTestOrg(t, store)
	realmID := createRealm(t, store, orgID, alice, 2000)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = rotateKey(t, store, orgID, realmID, alice, 1,
				[]types.UserID{alice.UserID}, types.Timestamp(3000+i))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var badIndex *types.BadKeyIndexError
		if !errors.As(err, &badIndex) {
			t.Fatalf("loser must see BadKeyIndexError, got %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)

	realm, err := store.Realms().Get(testCtx, orgID, realmID)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), realm.KeyIndex)
}

func TestBlockCreateChecksKeyIndex(t *testing.T) {
	store := NewMemoryStore()
	orgID, alice := newTestOrg(t, store)
	realmID := createRealm(t, store, orgID, alice, 2000)
	assert.NoError(t, rotateKey(t, store, orgID, realmID, alice, 1, []types.UserID{alice.UserID}, 3000))

	block := types.Block{
		ID:        uuid.New(),
		RealmID:   realmID,
		KeyIndex:  0,
		Author:    alice,
		CreatedOn: 4000,
		Size:      3,
	}
	err := store.Blocks().Create(testCtx, orgID, block, []byte("abc"))
	var badIndex *types.BadKeyIndexError
	if !errors.As(err, &badIndex) {
		t.Fatalf("expected BadKeyIndexError, got %v", err)
	}
	assert.Equal(t, types.Timestamp(3000), badIndex.LastRealmCertificateTimestamp)

	block.KeyIndex = 1
	assert.NoError(t, store.Blocks().Create(testCtx, orgID, block, []byte("abc")))
}

func TestRotateKeySkipsRevokedMembers(t *testing.T) {
	store := NewMemoryStore()
	orgID, alice := newTestOrg(t, store)
	bob := addUser(t, store, orgID, alice, "bob@example.com", types.ProfileStandard, 2000)
	realmID := createRealm(t, store, orgID, alice, 3000)

	reader := types.RoleReader
	err := store.Realms().SetRole(testCtx, orgID, SetRealmRole{
		RealmID:     realmID,
		UserID:      bob.UserID,
		Role:        &reader,
		Author:      alice,
		Certificate: []byte("share-cert"),
		Timestamp:   4000,
	})
	assert.NoError(t, err)
	assert.NoError(t, store.Users().Revoke(testCtx, orgID, bob.UserID, alice, []byte("revoke"), 5000))

	// bob keeps the role row but is out of the rotation
	assert.NoError(t, rotateKey(t, store, orgID, realmID, alice, 1, []types.UserID{alice.UserID}, 6000))
}

func TestVlobFirstCommitterWins(t *testing.T) {
	store := NewMemoryStore()
	orgID, alice := newTestOrg(t, store)
	realmID := createRealm(t, store, orgID, alice, 2000)
	assert.NoError(t, rotateKey(t, store, orgID, realmID, alice, 1, []types.UserID{alice.UserID}, 3000))

	vlobID := types.VlobID(uuid.New())
	write := VlobWrite{
		RealmID:   realmID,
		VlobID:    vlobID,
		KeyIndex:  1,
		Version:   1,
		Author:    alice,
		Timestamp: 4000,
		Blob:      []byte("v1"),
	}
	assert.NoError(t, store.Vlobs().Create(testCtx, orgID, write))

	write.Version = 2
	write.Blob = []byte("v2")
	assert.NoError(t, store.Vlobs().Update(testCtx, orgID, write))

	// concurrent writer lost the race on version 2
	stale := write
	stale.Blob = []byte("v2-bis")
	assert.ErrorIs(t, store.Vlobs().Update(testCtx, orgID, stale), types.ErrBadVlobVersion)

	_, latest, err := store.Vlobs().Read(testCtx, orgID, vlobID, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, uint32(2), latest.Version)
	assert.Equal(t, []byte("v2"), latest.Blob)

	version := uint32(1)
	_, first, err := store.Vlobs().Read(testCtx, orgID, vlobID, &version, nil)
	assert.NoError(t, err)
	assert.Equal(t, []byte("v1"), first.Blob)

	at := types.Timestamp(4000)
	_, atFirst, err := store.Vlobs().Read(testCtx, orgID, vlobID, nil, &at)
	assert.NoError(t, err)
	assert.Equal(t, uint32(2), atFirst.Version)
}

func TestPollChanges(t *testing.T) {
	store := NewMemoryStore()
	orgID, alice := newTestOrg(t, store)
	realmID := createRealm(t, store, orgID, alice, 2000)
	assert.NoError(t, rotateKey(t, store, orgID, realmID, alice, 1, []types.UserID{alice.UserID}, 3000))

	checkpoint, changes, err := store.Vlobs().PollChanges(testCtx, orgID, realmID, 0)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), checkpoint)
	assert.Empty(t, changes)

	vlobID := types.VlobID(uuid.New())
	write := VlobWrite{RealmID: realmID, VlobID: vlobID, KeyIndex: 1, Version: 1, Author: alice, Timestamp: 4000}
	assert.NoError(t, store.Vlobs().Create(testCtx, orgID, write))
	write.Version = 2
	write.Timestamp = 5000
	assert.NoError(t, store.Vlobs().Update(testCtx, orgID, write))

	checkpoint, changes, err = store.Vlobs().PollChanges(testCtx, orgID, realmID, 0)
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), checkpoint)
	assert.Equal(t, map[types.VlobID]uint32{vlobID: 2}, changes)

	_, changes, err = store.Vlobs().PollChanges(testCtx, orgID, realmID, checkpoint)
	assert.NoError(t, err)
	assert.Empty(t, changes)
}

func TestGreetingAttemptLifecycle(t *testing.T) {
	store := NewMemoryStore()
	orgID, alice := newTestOrg(t, store)

	token := types.InvitationToken(uuid.New())
	err := store.Invitations().Create(testCtx, orgID, &types.Invitation{
		Token:        token,
		Type:         types.InvitationUser,
		CreatedBy:    alice.UserID,
		CreatedOn:    2000,
		Status:       types.InvitationIdle,
		ClaimerEmail: "bob@example.com",
	})
	assert.NoError(t, err)

	greeterAttempt, err := store.Invitations().StartAttempt(testCtx, orgID, token, types.Greeter, uuid.New(), 3000)
	assert.NoError(t, err)
	claimerAttempt, err := store.Invitations().StartAttempt(testCtx, orgID, token, types.Claimer, uuid.New(), 3001)
	assert.NoError(t, err)
	assert.Equal(t, greeterAttempt.ID, claimerAttempt.ID)

	// step 0 has no readiness requirement for the publisher
	_, err = store.Invitations().Step(testCtx, orgID, greeterAttempt.ID, types.Greeter, 0, []byte("g0"))
	assert.ErrorIs(t, err, types.ErrGreetingNotReady)
	peer, err := store.Invitations().Step(testCtx, orgID, greeterAttempt.ID, types.Claimer, 0, []byte("c0"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("g0"), peer)

	// idempotent replay, then mismatch detection
	peer, err = store.Invitations().Step(testCtx, orgID, greeterAttempt.ID, types.Claimer, 0, []byte("c0"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("g0"), peer)
	_, err = store.Invitations().Step(testCtx, orgID, greeterAttempt.ID, types.Claimer, 0, []byte("other"))
	assert.ErrorIs(t, err, types.ErrGreetingStepMismatch)

	// restarting from the same side cancels and replaces the attempt
	replacement, err := store.Invitations().StartAttempt(testCtx, orgID, token, types.Greeter, uuid.New(), 4000)
	assert.NoError(t, err)
	assert.NotEqual(t, greeterAttempt.ID, replacement.ID)

	old, err := store.Invitations().GetAttempt(testCtx, orgID, greeterAttempt.ID)
	assert.NoError(t, err)
	assert.True(t, old.IsCancelled())
	assert.Equal(t, types.CancelledReasonNormal, old.CancelledReason)

	_, err = store.Invitations().Step(testCtx, orgID, greeterAttempt.ID, types.Claimer, 1, []byte("c1"))
	var cancelled *types.GreetingAttemptCancelledError
	if !errors.As(err, &cancelled) {
		t.Fatalf("expected GreetingAttemptCancelledError, got %v", err)
	}
	assert.Equal(t, types.Greeter, cancelled.Origin)
}

func TestDeleteCancelledAttempts(t *testing.T) {
	store := NewMemoryStore()
	orgID, alice := newTestOrg(t, store)

	token := types.InvitationToken(uuid.New())
	err := store.Invitations().Create(testCtx, orgID, &types.Invitation{
		Token:     token,
		Type:      types.InvitationDevice,
		CreatedBy: alice.UserID,
		CreatedOn: 2000,
		Status:    types.InvitationIdle,
	})
	assert.NoError(t, err)

	attempt, err := store.Invitations().StartAttempt(testCtx, orgID, token, types.Greeter, uuid.New(), 3000)
	assert.NoError(t, err)
	assert.NoError(t, store.Invitations().CancelAttempt(testCtx, orgID, attempt.ID, types.Greeter, types.CancelledReasonNormal, 4000))

	removed, err := store.Invitations().DeleteCancelledAttempts(testCtx, 3999)
	assert.NoError(t, err)
	assert.Equal(t, 0, removed)

	removed, err = store.Invitations().DeleteCancelledAttempts(testCtx, 5000)
	assert.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Invitations().GetAttempt(testCtx, orgID, attempt.ID)
	assert.ErrorIs(t, err, types.ErrGreetingAttemptNotFound)
}

func TestShamirSetupBatch(t *testing.T) {
	store := NewMemoryStore()
	orgID, alice := newTestOrg(t, store)
	bob := addUser(t, store, orgID, alice, "bob@example.com", types.ProfileStandard, 2000)

	setup := ShamirSetup{
		UserID:       alice.UserID,
		CreatedOn:    3000,
		Threshold:    1,
		Recipients:   map[types.UserID]uint8{bob.UserID: 1},
		CipheredData: []byte("ciphered"),
		RevealToken:  uuid.New(),
	}
	err := store.Shamir().Create(testCtx, orgID, CreateShamirSetup{
		Setup:             setup,
		BriefCertificate:  []byte("brief"),
		ShareCertificates: [][]byte{[]byte("share-bob")},
		Timestamp:         3000,
	})
	assert.NoError(t, err)

	// brief and share certificates land in the same batch timestamp
	certs, err := store.Certificates().Read(testCtx, orgID, types.ShamirTopic(alice.UserID), nil)
	assert.NoError(t, err)
	assert.Len(t, certs, 2)
	assert.Equal(t, certs[0].Timestamp, certs[1].Timestamp)

	err = store.Shamir().Create(testCtx, orgID, CreateShamirSetup{
		Setup:            setup,
		BriefCertificate: []byte("brief2"),
		Timestamp:        4000,
	})
	assert.ErrorIs(t, err, types.ErrShamirSetupAlreadyExists)

	assert.NoError(t, store.Shamir().Delete(testCtx, orgID, DeleteShamirSetup{
		UserID:              alice.UserID,
		DeletionCertificate: []byte("deletion"),
		Timestamp:           5000,
	}))
	_, err = store.Shamir().Get(testCtx, orgID, alice.UserID)
	assert.NoError(t, err)

	// a deleted setup may be replaced
	err = store.Shamir().Create(testCtx, orgID, CreateShamirSetup{
		Setup:            setup,
		BriefCertificate: []byte("brief3"),
		Timestamp:        6000,
	})
	assert.NoError(t, err)
}

func TestCertificateReadAfter(t *testing.T) {
	store := NewMemoryStore()
	orgID, alice := newTestOrg(t, store)
	addUser(t, store, orgID, alice, "bob@example.com", types.ProfileStandard, 2000)

	all, err := store.Certificates().Read(testCtx, orgID, types.CommonTopic(), nil)
	assert.NoError(t, err)
	assert.Len(t, all, 4)

	after := types.Timestamp(1000)
	recent, err := store.Certificates().Read(testCtx, orgID, types.CommonTopic(), &after)
	assert.NoError(t, err)
	assert.Len(t, recent, 2)

	last, err := store.Certificates().LastTimestamp(testCtx, orgID, types.CommonTopic())
	assert.NoError(t, err)
	assert.Equal(t, types.Timestamp(2000), last)
}

func TestPkiEnrollmentForceSubmit(t *testing.T) {
	store := NewMemoryStore()
	orgID, _ := newTestOrg(t, store)

	first := &types.PkiEnrollment{
		ID:                 uuid.New(),
		SubmittedOn:        2000,
		State:              types.PkiEnrollmentSubmitted,
		DerX509Certificate: []byte("x509-bob"),
	}
	assert.NoError(t, store.PkiEnrollments().Submit(testCtx, orgID, first, false))

	second := &types.PkiEnrollment{
		ID:                 uuid.New(),
		SubmittedOn:        3000,
		State:              types.PkiEnrollmentSubmitted,
		DerX509Certificate: []byte("x509-bob"),
	}
	err := store.PkiEnrollments().Submit(testCtx, orgID, second, false)
	assert.ErrorIs(t, err, types.ErrEnrollmentAlreadySubmitted)

	assert.NoError(t, store.PkiEnrollments().Submit(testCtx, orgID, second, true))
	replaced, err := store.PkiEnrollments().Get(testCtx, orgID, first.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.PkiEnrollmentCancelled, replaced.State)

	submitted, err := store.PkiEnrollments().ListSubmitted(testCtx, orgID)
	assert.NoError(t, err)
	assert.Len(t, submitted, 1)
	assert.Equal(t, second.ID, submitted[0].ID)
}
