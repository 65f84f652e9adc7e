package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parsec-cloud/go-parsec-server/types"
)

func TestVlobLifecycleAndEvents(t *testing.T) {
	f := newFixture(t)
	realm := f.createRealm(t, f.alice)
	assert.NoError(t, f.rotateRealmKey(t, f.alice, realm, 1, f.alice.user))

	sub := f.events.Subscribe(f.org, f.alice.user)
	defer sub.Close()

	vlobID := types.VlobID(newUUID())
	now := f.tick()
	assert.NoError(t, f.vlobs.CreateVlob(testCtx, f.org, f.alice.device, &types.VlobCreateRequest{
		RealmID:   realm,
		VlobID:    vlobID,
		KeyIndex:  1,
		Timestamp: now,
		Blob:      []byte("v1"),
	}, now))

	now = f.tick()
	assert.NoError(t, f.vlobs.UpdateVlob(testCtx, f.org, f.alice.device, &types.VlobUpdateRequest{
		VlobID:    vlobID,
		KeyIndex:  1,
		Version:   2,
		Timestamp: now,
		Blob:      []byte("v2"),
	}, now))

	read, err := f.vlobs.ReadVlob(testCtx, f.org, f.alice.device, &types.VlobReadRequest{VlobID: vlobID})
	assert.NoError(t, err)
	assert.Equal(t, uint32(2), read.Version)
	assert.Equal(t, []byte("v2"), read.Blob)
	assert.Equal(t, f.alice.device, read.Author)

	poll, err := f.vlobs.PollChanges(testCtx, f.org, f.alice.device, &types.VlobPollChangesRequest{RealmID: realm})
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), poll.CurrentCheckpoint)
	assert.Equal(t, uint32(2), poll.Changes[vlobID])

	var created, updated bool
	for _, event := range drain(sub) {
		switch e := event.(type) {
		case types.EventVlobCreated:
			created = e.VlobID == vlobID && e.Version == 1
		case types.EventVlobUpdated:
			updated = e.VlobID == vlobID && e.Version == 2
		}
	}
	assert.True(t, created)
	assert.True(t, updated)
}

func TestVlobWriteNeedsWriterRole(t *testing.T) {
	f := newFixture(t)
	bob := f.addActor(t, f.alice, "bob@example.com", types.ProfileStandard)
	realm := f.createRealm(t, f.alice)
	assert.NoError(t, f.shareRealm(t, f.alice, realm, bob.user, types.RoleReader, 0))
	assert.NoError(t, f.rotateRealmKey(t, f.alice, realm, 1, f.alice.user, bob.user))

	now := f.tick()
	err := f.vlobs.CreateVlob(testCtx, f.org, bob.device, &types.VlobCreateRequest{
		RealmID:   realm,
		VlobID:    newUUID(),
		KeyIndex:  1,
		Timestamp: now,
		Blob:      []byte("blob"),
	}, now)
	assert.ErrorIs(t, err, types.ErrAuthorNotAllowed)

	// a reader may still read
	vlobID := types.VlobID(newUUID())
	now = f.tick()
	assert.NoError(t, f.vlobs.CreateVlob(testCtx, f.org, f.alice.device, &types.VlobCreateRequest{
		RealmID:   realm,
		VlobID:    vlobID,
		KeyIndex:  1,
		Timestamp: now,
		Blob:      []byte("blob"),
	}, now))
	_, err = f.vlobs.ReadVlob(testCtx, f.org, bob.device, &types.VlobReadRequest{VlobID: vlobID})
	assert.NoError(t, err)

	// outsiders of the realm read nothing
	carol := f.addActor(t, f.alice, "carol@example.com", types.ProfileStandard)
	_, err = f.vlobs.ReadVlob(testCtx, f.org, carol.device, &types.VlobReadRequest{VlobID: vlobID})
	assert.ErrorIs(t, err, types.ErrAuthorNotAllowed)
}

func TestBlockKeyIndexCheck(t *testing.T) {
	f := newFixture(t)
	realm := f.createRealm(t, f.alice)
	assert.NoError(t, f.rotateRealmKey(t, f.alice, realm, 1, f.alice.user))

	now := f.tick()
	err := f.vlobs.CreateBlock(testCtx, f.org, f.alice.device, &types.BlockCreateRequest{
		BlockID:  newUUID(),
		RealmID:  realm,
		KeyIndex: 2, // stale
		Block:    []byte("ciphertext"),
	}, now)
	var badIndex *types.BadKeyIndexError
	if !errors.As(err, &badIndex) {
		t.Fatalf("expected BadKeyIndexError, got %v", err)
	}

	blockID := types.BlockID(newUUID())
	now = f.tick()
	assert.NoError(t, f.vlobs.CreateBlock(testCtx, f.org, f.alice.device, &types.BlockCreateRequest{
		BlockID:  blockID,
		RealmID:  realm,
		KeyIndex: 1,
		Block:    []byte("ciphertext"),
	}, now))

	read, err := f.vlobs.ReadBlock(testCtx, f.org, f.alice.device, &types.BlockReadRequest{BlockID: blockID})
	assert.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), read.Block)
	assert.Equal(t, uint64(1), read.KeyIndex)
}
