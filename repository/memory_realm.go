package repository

import (
	"context"

	"github.com/parsec-cloud/go-parsec-server/types"
)

type memRealms struct{ s *MemoryStore }

func (m *memRealms) Get(ctx context.Context, org types.OrganizationID, id types.RealmID) (*types.Realm, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.realms[id]
	if !ok {
		return nil, types.ErrRealmNotFound
	}
	return r.snapshot(), nil
}

func (r *memRealm) snapshot() *types.Realm {
	realm := r.realm
	realm.Roles = make(map[types.UserID]types.RealmRole, len(r.realm.Roles))
	for u, role := range r.realm.Roles {
		realm.Roles[u] = role
	}
	return &realm
}

func (m *memRealms) RoleChanges(ctx context.Context, org types.OrganizationID, id types.RealmID) ([]types.RoleChange, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.realms[id]
	if !ok {
		return nil, types.ErrRealmNotFound
	}
	out := make([]types.RoleChange, len(r.roleLog))
	copy(out, r.roleLog)
	return out, nil
}

func (m *memRealms) Create(ctx context.Context, org types.OrganizationID, data CreateRealm) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.realms[data.RealmID]; ok {
		return types.ErrRealmAlreadyExists
	}
	topic := types.RealmTopic(data.RealmID)
	entry := StoredCertificate{
		Topic:     topic,
		Type:      types.CertTypeRealmRole,
		Author:    &data.Author,
		Timestamp: data.Timestamp,
		Signed:    data.Certificate,
	}
	if err := o.appendBatch(topic, data.Timestamp, entry); err != nil {
		return err
	}
	owner := types.RoleOwner
	o.realms[data.RealmID] = &memRealm{
		realm: types.Realm{
			ID:        data.RealmID,
			CreatedOn: data.Timestamp,
			Roles:     map[types.UserID]types.RealmRole{data.Author.UserID: types.RoleOwner},
			Archiving: types.ArchivingAvailable,
		},
		roleLog: []types.RoleChange{{
			UserID:    data.Author.UserID,
			Role:      &owner,
			Timestamp: data.Timestamp,
		}},
		bundles: make(map[uint64]*types.KeysBundle),
		changes: make(map[types.VlobID]vlobChange),
	}
	return nil
}

func (m *memRealms) SetRole(ctx context.Context, org types.OrganizationID, data SetRealmRole) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.realms[data.RealmID]
	if !ok {
		return types.ErrRealmNotFound
	}
	topic := types.RealmTopic(data.RealmID)
	if data.RecipientAccess != nil && data.KeyIndex != r.realm.KeyIndex {
		return &types.BadKeyIndexError{LastRealmCertificateTimestamp: o.lastTimestamp(topic)}
	}
	entry := StoredCertificate{
		Topic:     topic,
		Type:      types.CertTypeRealmRole,
		Author:    &data.Author,
		Timestamp: data.Timestamp,
		Signed:    data.Certificate,
	}
	if err := o.appendBatch(topic, data.Timestamp, entry); err != nil {
		return err
	}
	if data.Role == nil {
		delete(r.realm.Roles, data.UserID)
	} else {
		r.realm.Roles[data.UserID] = *data.Role
	}
	r.roleLog = append(r.roleLog, types.RoleChange{
		UserID:    data.UserID,
		Role:      data.Role,
		Timestamp: data.Timestamp,
	})
	if data.RecipientAccess != nil {
		if bundle, ok := r.bundles[data.KeyIndex]; ok {
			bundle.PerParticipant[data.UserID] = data.RecipientAccess
		}
	}
	return nil
}

func (m *memRealms) RotateKey(ctx context.Context, org types.OrganizationID, data RotateRealmKey) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.realms[data.RealmID]
	if !ok {
		return types.ErrRealmNotFound
	}
	topic := types.RealmTopic(data.RealmID)
	lastRealm := o.lastTimestamp(topic)
	if data.KeyIndex != r.realm.KeyIndex+1 {
		return &types.BadKeyIndexError{LastRealmCertificateTimestamp: lastRealm}
	}
	if err := o.checkParticipants(r, data.PerParticipant, lastRealm); err != nil {
		return err
	}
	if data.Sequestered {
		if err := o.checkSequesterServices(data.PerSequesterService); err != nil {
			return err
		}
	}
	entry := StoredCertificate{
		Topic:     topic,
		Type:      types.CertTypeRealmKeyRotation,
		Author:    &data.Author,
		Timestamp: data.Timestamp,
		Signed:    data.Certificate,
	}
	if err := o.appendBatch(topic, data.Timestamp, entry); err != nil {
		return err
	}
	r.realm.KeyIndex = data.KeyIndex
	r.bundles[data.KeyIndex] = &types.KeysBundle{
		RealmID:             data.RealmID,
		KeyIndex:            data.KeyIndex,
		Bundle:              data.Bundle,
		PerParticipant:      data.PerParticipant,
		PerSequesterService: data.PerSequesterService,
	}
	return nil
}

// checkParticipants requires the sealed accesses to cover exactly the
// realm's current non-revoked members.
func (o *memOrg) checkParticipants(r *memRealm, accesses map[types.UserID][]byte, lastRealm types.Timestamp) error {
	mismatch := &types.ParticipantMismatchError{LastRealmCertificateTimestamp: lastRealm}
	expected := 0
	for userID := range r.realm.Roles {
		u, ok := o.users[userID]
		if !ok || u.IsRevoked() {
			continue
		}
		expected++
		if _, ok := accesses[userID]; !ok {
			return mismatch
		}
	}
	if len(accesses) != expected {
		return mismatch
	}
	return nil
}

func (o *memOrg) checkSequesterServices(accesses map[types.SequesterServiceID][]byte) error {
	mismatch := &types.SequesterServiceMismatchError{
		LastSequesterCertificateTimestamp: o.lastTimestamp(types.SequesterTopic()),
	}
	active := 0
	for _, svc := range o.sequester {
		if svc.IsRevoked() {
			continue
		}
		active++
		if _, ok := accesses[svc.ID]; !ok {
			return mismatch
		}
	}
	if len(accesses) != active {
		return mismatch
	}
	return nil
}

func (m *memRealms) SetName(ctx context.Context, org types.OrganizationID, data SetRealmName) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.realms[data.RealmID]
	if !ok {
		return types.ErrRealmNotFound
	}
	topic := types.RealmTopic(data.RealmID)
	if data.KeyIndex != r.realm.KeyIndex {
		return &types.BadKeyIndexError{LastRealmCertificateTimestamp: o.lastTimestamp(topic)}
	}
	if data.InitialNameOrFail && r.named {
		return types.ErrRealmNameAlreadySet
	}
	entry := StoredCertificate{
		Topic:     topic,
		Type:      types.CertTypeRealmName,
		Author:    &data.Author,
		Timestamp: data.Timestamp,
		Signed:    data.Certificate,
	}
	if err := o.appendBatch(topic, data.Timestamp, entry); err != nil {
		return err
	}
	r.named = true
	return nil
}

func (m *memRealms) SetArchiving(ctx context.Context, org types.OrganizationID, data SetRealmArchiving) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.realms[data.RealmID]
	if !ok {
		return types.ErrRealmNotFound
	}
	topic := types.RealmTopic(data.RealmID)
	entry := StoredCertificate{
		Topic:     topic,
		Type:      types.CertTypeRealmArchiving,
		Author:    &data.Author,
		Timestamp: data.Timestamp,
		Signed:    data.Certificate,
	}
	if err := o.appendBatch(topic, data.Timestamp, entry); err != nil {
		return err
	}
	r.realm.Archiving = data.Configuration
	r.realm.DeletionDate = data.DeletionDate
	return nil
}

func (m *memRealms) GetKeysBundle(ctx context.Context, org types.OrganizationID, id types.RealmID, keyIndex uint64, user types.UserID) ([]byte, []byte, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.realms[id]
	if !ok {
		return nil, nil, types.ErrRealmNotFound
	}
	bundle, ok := r.bundles[keyIndex]
	if !ok {
		return nil, nil, types.ErrNotFound
	}
	access, ok := bundle.PerParticipant[user]
	if !ok {
		return nil, nil, types.ErrNotFound
	}
	return bundle.Bundle, access, nil
}

// ---- vlobs ----

type memVlobs struct{ s *MemoryStore }

func (m *memVlobs) Create(ctx context.Context, org types.OrganizationID, write VlobWrite) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.realms[write.RealmID]
	if !ok {
		return types.ErrRealmNotFound
	}
	if _, ok := o.vlobs[write.VlobID]; ok {
		return types.ErrVlobAlreadyExists
	}
	if write.KeyIndex != r.realm.KeyIndex {
		return &types.BadKeyIndexError{
			LastRealmCertificateTimestamp: o.lastTimestamp(types.RealmTopic(write.RealmID)),
		}
	}
	o.vlobs[write.VlobID] = &memVlob{
		realmID:  write.RealmID,
		versions: []types.VlobVersion{versionOf(write)},
	}
	r.recordChange(write.VlobID, write.Version)
	return nil
}

func (m *memVlobs) Update(ctx context.Context, org types.OrganizationID, write VlobWrite) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.vlobs[write.VlobID]
	if !ok {
		return types.ErrVlobNotFound
	}
	r := o.realms[v.realmID]
	if write.KeyIndex != r.realm.KeyIndex {
		return &types.BadKeyIndexError{
			LastRealmCertificateTimestamp: o.lastTimestamp(types.RealmTopic(v.realmID)),
		}
	}
	// first committer wins
	if write.Version != uint32(len(v.versions))+1 {
		return types.ErrBadVlobVersion
	}
	v.versions = append(v.versions, versionOf(write))
	r.recordChange(write.VlobID, write.Version)
	return nil
}

func versionOf(write VlobWrite) types.VlobVersion {
	return types.VlobVersion{
		Version:   write.Version,
		KeyIndex:  write.KeyIndex,
		Author:    write.Author,
		Timestamp: write.Timestamp,
		Blob:      write.Blob,
	}
}

func (r *memRealm) recordChange(id types.VlobID, version uint32) {
	r.checkpoint++
	r.changes[id] = vlobChange{version: version, checkpoint: r.checkpoint}
}

func (m *memVlobs) Read(ctx context.Context, org types.OrganizationID, id types.VlobID, version *uint32, at *types.Timestamp) (types.RealmID, *types.VlobVersion, error) {
	o, err := m.s.org(org)
	if err != nil {
		return types.RealmID{}, nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.vlobs[id]
	if !ok {
		return types.RealmID{}, nil, types.ErrVlobNotFound
	}
	switch {
	case version != nil:
		if *version < 1 || int(*version) > len(v.versions) {
			return v.realmID, nil, types.ErrBadVlobVersion
		}
		resolved := v.versions[*version-1]
		return v.realmID, &resolved, nil
	case at != nil:
		for i := len(v.versions) - 1; i >= 0; i-- {
			if v.versions[i].Timestamp <= *at {
				resolved := v.versions[i]
				return v.realmID, &resolved, nil
			}
		}
		return v.realmID, nil, types.ErrBadVlobVersion
	default:
		resolved := v.versions[len(v.versions)-1]
		return v.realmID, &resolved, nil
	}
}

func (m *memVlobs) PollChanges(ctx context.Context, org types.OrganizationID, realm types.RealmID, since uint64) (uint64, map[types.VlobID]uint32, error) {
	o, err := m.s.org(org)
	if err != nil {
		return 0, nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.realms[realm]
	if !ok {
		return 0, nil, types.ErrRealmNotFound
	}
	changes := make(map[types.VlobID]uint32)
	for id, change := range r.changes {
		if change.checkpoint > since {
			changes[id] = change.version
		}
	}
	return r.checkpoint, changes, nil
}

// ---- blocks ----

type memBlocks struct{ s *MemoryStore }

func (m *memBlocks) Create(ctx context.Context, org types.OrganizationID, block types.Block, data []byte) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.realms[block.RealmID]
	if !ok {
		return types.ErrRealmNotFound
	}
	if _, ok := o.blocks[block.ID]; ok {
		return types.ErrBlockAlreadyExists
	}
	if block.KeyIndex != r.realm.KeyIndex {
		return &types.BadKeyIndexError{
			LastRealmCertificateTimestamp: o.lastTimestamp(types.RealmTopic(block.RealmID)),
		}
	}
	o.blocks[block.ID] = &memBlock{block: block, data: data}
	return nil
}

func (m *memBlocks) Read(ctx context.Context, org types.OrganizationID, id types.BlockID) (*types.Block, []byte, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	b, ok := o.blocks[id]
	if !ok {
		return nil, nil, types.ErrBlockNotFound
	}
	block := b.block
	return &block, b.data, nil
}
