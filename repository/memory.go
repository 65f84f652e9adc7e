package repository

import (
	"context"
	"sync"

	"github.com/parsec-cloud/go-parsec-server/types"
)

// MemoryStore implements Store with per-organization state guarded by one
// RWMutex per organization. A single lock per organization is coarser than
// per-topic locks but trivially subsumes the canonical topic-lock order, and
// keeps every composite method atomic.
type MemoryStore struct {
	mu   sync.RWMutex
	orgs map[types.OrganizationID]*memOrg
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orgs: make(map[types.OrganizationID]*memOrg)}
}

type memOrg struct {
	mu     sync.RWMutex
	record types.Organization

	topics map[types.Topic][]StoredCertificate
	// authorLast tracks, per user, the newest certificate it authored
	// across every topic
	authorLast map[types.UserID]types.Timestamp

	users   map[types.UserID]*types.User
	devices map[types.DeviceID]*types.Device

	realms map[types.RealmID]*memRealm
	vlobs  map[types.VlobID]*memVlob
	blocks map[types.BlockID]*memBlock

	invitations   map[types.InvitationToken]*types.Invitation
	inviteOrder   []types.InvitationToken
	attempts      map[types.GreetingAttemptID]*types.GreetingAttempt
	activeAttempt map[types.InvitationToken]types.GreetingAttemptID

	shamir map[types.UserID]*ShamirSetup

	sequesterOrder []types.SequesterServiceID
	sequester      map[types.SequesterServiceID]*types.SequesterService

	enrollments     map[types.EnrollmentID]*types.PkiEnrollment
	enrollmentOrder []types.EnrollmentID
}

type memRealm struct {
	realm   types.Realm
	named   bool
	roleLog []types.RoleChange
	bundles map[uint64]*types.KeysBundle
	// checkpoint increments on every vlob write in the realm
	checkpoint uint64
	changes    map[types.VlobID]vlobChange
}

type vlobChange struct {
	version    uint32
	checkpoint uint64
}

type memVlob struct {
	realmID  types.RealmID
	versions []types.VlobVersion
}

type memBlock struct {
	block types.Block
	data  []byte
}

func newMemOrg(record types.Organization) *memOrg {
	return &memOrg{
		record:        record,
		topics:        make(map[types.Topic][]StoredCertificate),
		authorLast:    make(map[types.UserID]types.Timestamp),
		users:         make(map[types.UserID]*types.User),
		devices:       make(map[types.DeviceID]*types.Device),
		realms:        make(map[types.RealmID]*memRealm),
		vlobs:         make(map[types.VlobID]*memVlob),
		blocks:        make(map[types.BlockID]*memBlock),
		invitations:   make(map[types.InvitationToken]*types.Invitation),
		attempts:      make(map[types.GreetingAttemptID]*types.GreetingAttempt),
		activeAttempt: make(map[types.InvitationToken]types.GreetingAttemptID),
		shamir:        make(map[types.UserID]*ShamirSetup),
		sequester:     make(map[types.SequesterServiceID]*types.SequesterService),
		enrollments:   make(map[types.EnrollmentID]*types.PkiEnrollment),
	}
}

func (s *MemoryStore) org(id types.OrganizationID) (*memOrg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, types.ErrOrganizationNotFound
	}
	return o, nil
}

// appendBatch commits certificates sharing one timestamp to a topic. The
// batch timestamp must strictly exceed the topic's last timestamp and, for
// authored entries, the newest certificate the author signed in any topic;
// within a batch equal timestamps are allowed (user+device pairs, shamir
// brief and shares).
func (o *memOrg) appendBatch(topic types.Topic, ts types.Timestamp, entries ...StoredCertificate) error {
	last := o.lastTimestamp(topic)
	if ts <= last {
		return &types.RequireGreaterTimestampError{StrictlyGreaterThan: last}
	}
	for _, e := range entries {
		if e.Author == nil {
			continue
		}
		if prev := o.authorLast[e.Author.UserID]; ts <= prev {
			return &types.RequireGreaterTimestampError{StrictlyGreaterThan: prev}
		}
	}
	o.topics[topic] = append(o.topics[topic], entries...)
	for _, e := range entries {
		if e.Author != nil {
			o.authorLast[e.Author.UserID] = ts
		}
	}
	return nil
}

func (o *memOrg) lastTimestamp(topic types.Topic) types.Timestamp {
	entries := o.topics[topic]
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].Timestamp
}

func (s *MemoryStore) Organizations() OrganizationStore   { return &memOrganizations{s} }
func (s *MemoryStore) Certificates() CertificateStore     { return &memCertificates{s} }
func (s *MemoryStore) Users() UserStore                   { return &memUsers{s} }
func (s *MemoryStore) Realms() RealmStore                 { return &memRealms{s} }
func (s *MemoryStore) Vlobs() VlobStore                   { return &memVlobs{s} }
func (s *MemoryStore) Blocks() BlockStore                 { return &memBlocks{s} }
func (s *MemoryStore) Invitations() InvitationStore       { return &memInvitations{s} }
func (s *MemoryStore) Shamir() ShamirStore                { return &memShamir{s} }
func (s *MemoryStore) Sequester() SequesterStore          { return &memSequester{s} }
func (s *MemoryStore) PkiEnrollments() PkiEnrollmentStore { return &memPkiEnrollments{s} }
func (s *MemoryStore) Close()                             {}

// ---- organizations ----

type memOrganizations struct{ s *MemoryStore }

func (m *memOrganizations) Create(ctx context.Context, org *types.Organization) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.orgs[org.ID]; ok {
		return types.ErrOrganizationAlreadyExists
	}
	m.s.orgs[org.ID] = newMemOrg(*org)
	return nil
}

func (m *memOrganizations) Get(ctx context.Context, id types.OrganizationID) (*types.Organization, error) {
	o, err := m.s.org(id)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	record := o.record
	return &record, nil
}

func (m *memOrganizations) List(ctx context.Context) ([]*types.Organization, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	out := make([]*types.Organization, 0, len(m.s.orgs))
	for _, o := range m.s.orgs {
		o.mu.RLock()
		record := o.record
		o.mu.RUnlock()
		out = append(out, &record)
	}
	return out, nil
}

func (m *memOrganizations) Bootstrap(ctx context.Context, id types.OrganizationID, data BootstrapData) error {
	o, err := m.s.org(id)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.record.IsBootstrapped() {
		return types.ErrAlreadyBootstrapped
	}
	entries := []StoredCertificate{
		{
			Topic:          types.CommonTopic(),
			Type:           types.CertTypeUser,
			Timestamp:      data.Timestamp,
			Signed:         data.UserCertificate,
			RedactedSigned: data.RedactedUserCertificate,
		},
		{
			Topic:          types.CommonTopic(),
			Type:           types.CertTypeDevice,
			Timestamp:      data.Timestamp,
			Signed:         data.DeviceCertificate,
			RedactedSigned: data.RedactedDeviceCertificate,
		},
	}
	if err := o.appendBatch(types.CommonTopic(), data.Timestamp, entries...); err != nil {
		return err
	}
	if data.SequesterAuthorityCertificate != nil {
		sequesterEntry := StoredCertificate{
			Topic:     types.SequesterTopic(),
			Type:      types.CertTypeSequesterAuthority,
			Timestamp: data.Timestamp,
			Signed:    data.SequesterAuthorityCertificate,
		}
		if err := o.appendBatch(types.SequesterTopic(), data.Timestamp, sequesterEntry); err != nil {
			return err
		}
		o.record.IsSequestered = true
	}
	user := data.User
	device := data.Device
	o.users[user.ID] = &user
	o.devices[device.ID] = &device
	o.record.RootVerifyKey = data.RootVerifyKey
	o.record.BootstrappedOn = data.BootstrappedOn
	return nil
}

func (m *memOrganizations) Update(ctx context.Context, id types.OrganizationID, update types.OrganizationUpdate) error {
	o, err := m.s.org(id)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if update.IsExpired != nil {
		o.record.IsExpired = *update.IsExpired
	}
	if update.SetActiveUsersLimit {
		o.record.ActiveUsersLimit = update.ActiveUsersLimit
	}
	if update.UserProfileOutsiderAllowed != nil {
		o.record.UserProfileOutsiderAllowed = *update.UserProfileOutsiderAllowed
	}
	if update.MinimumArchivingPeriod != nil {
		o.record.MinimumArchivingPeriod = *update.MinimumArchivingPeriod
	}
	if update.Tos != nil {
		o.record.Tos = *update.Tos
		o.record.TosUpdatedOn = types.Now()
	}
	return nil
}

func (m *memOrganizations) Stats(ctx context.Context, id types.OrganizationID) (*types.OrganizationStats, error) {
	o, err := m.s.org(id)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	stats := &types.OrganizationStats{
		UsersPerProfile: map[types.Profile]int{},
		Realms:          len(o.realms),
	}
	for _, u := range o.users {
		stats.Users++
		if !u.IsRevoked() {
			stats.ActiveUsers++
			stats.UsersPerProfile[u.Profile]++
		}
	}
	for _, b := range o.blocks {
		stats.DataSize += int64(b.block.Size)
	}
	for _, v := range o.vlobs {
		for _, version := range v.versions {
			stats.MetadataSize += int64(len(version.Blob))
		}
	}
	return stats, nil
}

// ---- certificates ----

type memCertificates struct{ s *MemoryStore }

func (m *memCertificates) Read(ctx context.Context, org types.OrganizationID, topic types.Topic, after *types.Timestamp) ([]StoredCertificate, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []StoredCertificate
	for _, e := range o.topics[topic] {
		if after != nil && e.Timestamp <= *after {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memCertificates) LastTimestamp(ctx context.Context, org types.OrganizationID, topic types.Topic) (types.Timestamp, error) {
	o, err := m.s.org(org)
	if err != nil {
		return 0, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastTimestamp(topic), nil
}

func (m *memCertificates) RealmIDs(ctx context.Context, org types.OrganizationID) ([]types.RealmID, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]types.RealmID, 0, len(o.realms))
	for id := range o.realms {
		out = append(out, id)
	}
	return out, nil
}

// ---- users ----

type memUsers struct{ s *MemoryStore }

func (m *memUsers) Get(ctx context.Context, org types.OrganizationID, id types.UserID) (*types.User, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	u, ok := o.users[id]
	if !ok {
		return nil, types.ErrUserNotFound
	}
	user := *u
	return &user, nil
}

func (m *memUsers) GetDevice(ctx context.Context, org types.OrganizationID, id types.DeviceID) (*types.Device, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	d, ok := o.devices[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	device := *d
	return &device, nil
}

func (m *memUsers) List(ctx context.Context, org types.OrganizationID) ([]*types.User, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*types.User, 0, len(o.users))
	for _, u := range o.users {
		user := *u
		out = append(out, &user)
	}
	return out, nil
}

func (m *memUsers) HumanEmailTaken(ctx context.Context, org types.OrganizationID, email string) (bool, error) {
	o, err := m.s.org(org)
	if err != nil {
		return false, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.humanEmailTaken(email), nil
}

func (o *memOrg) humanEmailTaken(email string) bool {
	for _, u := range o.users {
		if u.HumanHandle != nil && u.HumanHandle.Email == email && !u.IsRevoked() {
			return true
		}
	}
	return false
}

func (m *memUsers) GetByHumanEmail(ctx context.Context, org types.OrganizationID, email string) (*types.User, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, u := range o.users {
		if u.HumanHandle != nil && u.HumanHandle.Email == email && !u.IsRevoked() {
			user := *u
			return &user, nil
		}
	}
	return nil, types.ErrUserNotFound
}

func (m *memUsers) Create(ctx context.Context, org types.OrganizationID, data CreateUser) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.createUser(data)
}

// createUser is shared with PKI enrollment acceptance; callers hold the
// organization lock.
func (o *memOrg) createUser(data CreateUser) error {
	if _, ok := o.users[data.User.ID]; ok {
		return types.ErrUserAlreadyExists
	}
	if _, ok := o.devices[data.Device.ID]; ok {
		return types.ErrDeviceAlreadyExists
	}
	if data.User.HumanHandle != nil && o.humanEmailTaken(data.User.HumanHandle.Email) {
		return types.ErrHumanHandleAlreadyTaken
	}
	if data.ActiveUsersLimit != nil {
		active := 0
		for _, u := range o.users {
			if !u.IsRevoked() {
				active++
			}
		}
		if active >= *data.ActiveUsersLimit {
			return types.ErrActiveUsersLimitReached
		}
	}
	author := data.Author
	entries := []StoredCertificate{
		{
			Topic:          types.CommonTopic(),
			Type:           types.CertTypeUser,
			Author:         &author,
			Timestamp:      data.Timestamp,
			Signed:         data.UserCertificate,
			RedactedSigned: data.RedactedUserCertificate,
		},
		{
			Topic:          types.CommonTopic(),
			Type:           types.CertTypeDevice,
			Author:         &author,
			Timestamp:      data.Timestamp,
			Signed:         data.DeviceCertificate,
			RedactedSigned: data.RedactedDeviceCertificate,
		},
	}
	if err := o.appendBatch(types.CommonTopic(), data.Timestamp, entries...); err != nil {
		return err
	}
	user := data.User
	device := data.Device
	o.users[user.ID] = &user
	o.devices[device.ID] = &device
	return nil
}

func (m *memUsers) CreateDevice(ctx context.Context, org types.OrganizationID, data CreateDevice) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.users[data.Device.ID.UserID]; !ok {
		return types.ErrUserNotFound
	}
	if _, ok := o.devices[data.Device.ID]; ok {
		return types.ErrDeviceAlreadyExists
	}
	entry := StoredCertificate{
		Topic:          types.CommonTopic(),
		Type:           types.CertTypeDevice,
		Author:         &data.Author,
		Timestamp:      data.Timestamp,
		Signed:         data.DeviceCertificate,
		RedactedSigned: data.RedactedDeviceCertificate,
	}
	if err := o.appendBatch(types.CommonTopic(), data.Timestamp, entry); err != nil {
		return err
	}
	device := data.Device
	o.devices[device.ID] = &device
	return nil
}

func (m *memUsers) UpdateProfile(ctx context.Context, org types.OrganizationID, id types.UserID, newProfile types.Profile, author types.DeviceID, certificate []byte, ts types.Timestamp) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	u, ok := o.users[id]
	if !ok {
		return types.ErrUserNotFound
	}
	if u.IsRevoked() {
		return types.ErrUserAlreadyRevoked
	}
	if u.Profile == newProfile {
		return types.ErrSameProfile
	}
	entry := StoredCertificate{
		Topic:     types.CommonTopic(),
		Type:      types.CertTypeUserUpdate,
		Author:    &author,
		Timestamp: ts,
		Signed:    certificate,
	}
	if err := o.appendBatch(types.CommonTopic(), ts, entry); err != nil {
		return err
	}
	u.Profile = newProfile
	return nil
}

func (m *memUsers) Revoke(ctx context.Context, org types.OrganizationID, id types.UserID, author types.DeviceID, certificate []byte, ts types.Timestamp) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	u, ok := o.users[id]
	if !ok {
		return types.ErrUserNotFound
	}
	if u.IsRevoked() {
		return types.ErrUserAlreadyRevoked
	}
	entry := StoredCertificate{
		Topic:     types.CommonTopic(),
		Type:      types.CertTypeRevokedUser,
		Author:    &author,
		Timestamp: ts,
		Signed:    certificate,
	}
	if err := o.appendBatch(types.CommonTopic(), ts, entry); err != nil {
		return err
	}
	u.RevokedOn = ts
	return nil
}

func (m *memUsers) SetFrozen(ctx context.Context, org types.OrganizationID, id types.UserID, frozen bool) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	u, ok := o.users[id]
	if !ok {
		return types.ErrUserNotFound
	}
	u.Frozen = frozen
	return nil
}

func (m *memUsers) AcceptTos(ctx context.Context, org types.OrganizationID, id types.UserID, acceptedOn types.Timestamp) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	u, ok := o.users[id]
	if !ok {
		return types.ErrUserNotFound
	}
	u.TosAcceptedOn = acceptedOn
	return nil
}
