package repository

import (
	"context"

	"github.com/parsec-cloud/go-parsec-server/types"
)

// Store is the repository trait the core depends on. Implementations must
// provide ACID semantics across the operations of a single method call: the
// composite methods below are the transaction boundaries of the engine, and
// every certificate append inside them enforces two monotonic timestamp
// invariants (returning *types.RequireGreaterTimestampError on violation):
// the batch timestamp strictly exceeds the topic's last timestamp, and for
// authored entries it strictly exceeds the newest certificate the author
// signed in any topic. Implementations lock topics in the canonical order
// defined by types.TopicLess.
type Store interface {
	Organizations() OrganizationStore
	Certificates() CertificateStore
	Users() UserStore
	Realms() RealmStore
	Vlobs() VlobStore
	Blocks() BlockStore
	Invitations() InvitationStore
	Shamir() ShamirStore
	Sequester() SequesterStore
	PkiEnrollments() PkiEnrollmentStore
	Close()
}

// StoredCertificate is one committed entry of a topic timeline. Signed is
// the full wire form; RedactedSigned, when present, is the stripped variant
// served to OUTSIDER profiles.
type StoredCertificate struct {
	Topic          types.Topic
	Type           types.CertificateType
	Author         *types.DeviceID
	Timestamp      types.Timestamp
	Signed         []byte
	RedactedSigned []byte
}

type CertificateStore interface {
	// Read returns the certificates of a topic with timestamp strictly
	// greater than after (all of them when after is nil), in timeline order.
	Read(ctx context.Context, org types.OrganizationID, topic types.Topic, after *types.Timestamp) ([]StoredCertificate, error)
	LastTimestamp(ctx context.Context, org types.OrganizationID, topic types.Topic) (types.Timestamp, error)
	// RealmIDs lists every realm topic that exists for the organization.
	RealmIDs(ctx context.Context, org types.OrganizationID) ([]types.RealmID, error)
}

// BootstrapData is the atomic payload fixing an organization's root key and
// first user/device.
type BootstrapData struct {
	RootVerifyKey  []byte
	BootstrappedOn types.Timestamp
	User           types.User
	Device         types.Device
	UserCertificate           []byte
	RedactedUserCertificate   []byte
	DeviceCertificate         []byte
	RedactedDeviceCertificate []byte
	// Sequester authority, nil for non-sequestered organizations
	SequesterAuthorityCertificate []byte
	Timestamp                     types.Timestamp
}

type OrganizationStore interface {
	Create(ctx context.Context, org *types.Organization) error
	Get(ctx context.Context, id types.OrganizationID) (*types.Organization, error)
	List(ctx context.Context) ([]*types.Organization, error)
	Bootstrap(ctx context.Context, id types.OrganizationID, data BootstrapData) error
	Update(ctx context.Context, id types.OrganizationID, update types.OrganizationUpdate) error
	Stats(ctx context.Context, id types.OrganizationID) (*types.OrganizationStats, error)
}

// CreateUser is the atomic payload of user_create: user row, first device
// row and the four certificates appended to common in one go.
type CreateUser struct {
	User   types.User
	Device types.Device
	Author types.DeviceID
	UserCertificate           []byte
	RedactedUserCertificate   []byte
	DeviceCertificate         []byte
	RedactedDeviceCertificate []byte
	Timestamp                 types.Timestamp
	// ActiveUsersLimit is the organization's limit at validation time; nil
	// means unlimited. Enforced under the store lock.
	ActiveUsersLimit *int
}

type CreateDevice struct {
	Device                    types.Device
	Author                    types.DeviceID
	DeviceCertificate         []byte
	RedactedDeviceCertificate []byte
	Timestamp                 types.Timestamp
}

type UserStore interface {
	Get(ctx context.Context, org types.OrganizationID, id types.UserID) (*types.User, error)
	GetDevice(ctx context.Context, org types.OrganizationID, id types.DeviceID) (*types.Device, error)
	List(ctx context.Context, org types.OrganizationID) ([]*types.User, error)
	// HumanEmailTaken reports whether a non-revoked user already holds the
	// email.
	HumanEmailTaken(ctx context.Context, org types.OrganizationID, email string) (bool, error)
	GetByHumanEmail(ctx context.Context, org types.OrganizationID, email string) (*types.User, error)
	Create(ctx context.Context, org types.OrganizationID, data CreateUser) error
	CreateDevice(ctx context.Context, org types.OrganizationID, data CreateDevice) error
	UpdateProfile(ctx context.Context, org types.OrganizationID, id types.UserID, newProfile types.Profile, author types.DeviceID, certificate []byte, ts types.Timestamp) error
	Revoke(ctx context.Context, org types.OrganizationID, id types.UserID, author types.DeviceID, certificate []byte, ts types.Timestamp) error
	SetFrozen(ctx context.Context, org types.OrganizationID, id types.UserID, frozen bool) error
	AcceptTos(ctx context.Context, org types.OrganizationID, id types.UserID, acceptedOn types.Timestamp) error
}

type CreateRealm struct {
	RealmID     types.RealmID
	Author      types.DeviceID
	Certificate []byte
	Timestamp   types.Timestamp
}

// SetRealmRole covers share and unshare. For a share, RecipientAccess seals
// the current keys bundle for the recipient at KeyIndex; both are zero for
// an unshare.
type SetRealmRole struct {
	RealmID         types.RealmID
	UserID          types.UserID
	Role            *types.RealmRole
	Author          types.DeviceID
	Certificate     []byte
	Timestamp       types.Timestamp
	RecipientAccess []byte
	KeyIndex        uint64
}

// RotateRealmKey commits one key rotation. The store validates, under the
// realm topic lock, that KeyIndex is exactly current+1, that PerParticipant
// covers exactly the current non-revoked members and that
// PerSequesterService covers exactly the active sequester services (for
// sequestered organizations).
type RotateRealmKey struct {
	RealmID     types.RealmID
	KeyIndex    uint64
	Author      types.DeviceID
	Certificate []byte
	Timestamp   types.Timestamp
	Bundle      []byte
	PerParticipant      map[types.UserID][]byte
	PerSequesterService map[types.SequesterServiceID][]byte
	// Sequestered tells the store whether the sequester-service check applies
	Sequestered bool
}

type SetRealmName struct {
	RealmID           types.RealmID
	KeyIndex          uint64
	Author            types.DeviceID
	Certificate       []byte
	Timestamp         types.Timestamp
	InitialNameOrFail bool
}

type SetRealmArchiving struct {
	RealmID       types.RealmID
	Configuration types.ArchivingConfiguration
	DeletionDate  *types.Timestamp
	Author        types.DeviceID
	Certificate   []byte
	Timestamp     types.Timestamp
}

type RealmStore interface {
	Get(ctx context.Context, org types.OrganizationID, id types.RealmID) (*types.Realm, error)
	// RoleChanges returns the full realm-role history in timeline order,
	// used to compute certificate visibility windows.
	RoleChanges(ctx context.Context, org types.OrganizationID, id types.RealmID) ([]types.RoleChange, error)
	Create(ctx context.Context, org types.OrganizationID, data CreateRealm) error
	SetRole(ctx context.Context, org types.OrganizationID, data SetRealmRole) error
	RotateKey(ctx context.Context, org types.OrganizationID, data RotateRealmKey) error
	SetName(ctx context.Context, org types.OrganizationID, data SetRealmName) error
	SetArchiving(ctx context.Context, org types.OrganizationID, data SetRealmArchiving) error
	// GetKeysBundle returns the bundle and the caller's sealed access for a
	// key index.
	GetKeysBundle(ctx context.Context, org types.OrganizationID, id types.RealmID, keyIndex uint64, user types.UserID) (bundle, access []byte, err error)
}

type VlobWrite struct {
	RealmID   types.RealmID
	VlobID    types.VlobID
	KeyIndex  uint64
	Version   uint32
	Author    types.DeviceID
	Timestamp types.Timestamp
	Blob      []byte
}

type VlobStore interface {
	// Create commits version 1. The store rejects a key index that is not
	// the realm's current one with *types.BadKeyIndexError.
	Create(ctx context.Context, org types.OrganizationID, write VlobWrite) error
	// Update commits version prev+1; a stale version loses the race with
	// types.ErrBadVlobVersion (first committer wins).
	Update(ctx context.Context, org types.OrganizationID, write VlobWrite) error
	// Read resolves version (nil means latest; at selects the last version
	// committed at or before the timestamp).
	Read(ctx context.Context, org types.OrganizationID, id types.VlobID, version *uint32, at *types.Timestamp) (types.RealmID, *types.VlobVersion, error)
	PollChanges(ctx context.Context, org types.OrganizationID, realm types.RealmID, since uint64) (current uint64, changes map[types.VlobID]uint32, err error)
}

type BlockStore interface {
	// Create stores the block row; data may be nil when block bytes live in
	// external storage (S3).
	Create(ctx context.Context, org types.OrganizationID, block types.Block, data []byte) error
	Read(ctx context.Context, org types.OrganizationID, id types.BlockID) (*types.Block, []byte, error)
}

type InvitationStore interface {
	Create(ctx context.Context, org types.OrganizationID, invitation *types.Invitation) error
	Get(ctx context.Context, org types.OrganizationID, token types.InvitationToken) (*types.Invitation, error)
	// ListForGreeter returns the invitations the user administers: its own
	// plus, for shamir recovery, those it holds shares for.
	ListForGreeter(ctx context.Context, org types.OrganizationID, user types.UserID) ([]*types.Invitation, error)
	// FindActiveByEmail dedups invite_new_user: an existing non-finished,
	// non-cancelled USER invitation for the email is reused.
	FindActiveByEmail(ctx context.Context, org types.OrganizationID, email string) (*types.Invitation, error)
	SetStatus(ctx context.Context, org types.OrganizationID, token types.InvitationToken, status types.InvitationStatus) error

	// StartAttempt joins the active greeting attempt for the side, creating
	// it first if needed. When the side already joined the active attempt,
	// that attempt is cancelled (origin side, reason NORMAL) and a fresh one
	// is created with the provided id.
	StartAttempt(ctx context.Context, org types.OrganizationID, token types.InvitationToken, side types.GreeterOrClaimer, id types.GreetingAttemptID, now types.Timestamp) (*types.GreetingAttempt, error)
	GetAttempt(ctx context.Context, org types.OrganizationID, id types.GreetingAttemptID) (*types.GreetingAttempt, error)
	GetActiveAttempt(ctx context.Context, org types.OrganizationID, token types.InvitationToken) (*types.GreetingAttempt, error)
	// Step applies types.(*GreetingAttempt).Step under the store lock and
	// persists the outcome.
	Step(ctx context.Context, org types.OrganizationID, id types.GreetingAttemptID, side types.GreeterOrClaimer, index int, payload []byte) ([]byte, error)
	CancelAttempt(ctx context.Context, org types.OrganizationID, id types.GreetingAttemptID, side types.GreeterOrClaimer, reason types.CancelledGreetingAttemptReason, now types.Timestamp) error
	// DeleteCancelledAttempts garbage-collects attempts cancelled before the
	// cutoff; returns the number removed.
	DeleteCancelledAttempts(ctx context.Context, before types.Timestamp) (int, error)
}

// ShamirSetup is the stored state of a user's shamir recovery.
type ShamirSetup struct {
	UserID       types.UserID
	CreatedOn    types.Timestamp
	Threshold    uint8
	Recipients   map[types.UserID]uint8
	CipheredData []byte
	RevealToken  types.InvitationToken
	BriefCertificate  []byte
	ShareCertificates map[types.UserID][]byte
	DeletedOn         types.Timestamp
}

type CreateShamirSetup struct {
	Setup             ShamirSetup
	Author            types.DeviceID
	BriefCertificate  []byte
	ShareCertificates [][]byte
	Timestamp         types.Timestamp
}

type DeleteShamirSetup struct {
	UserID              types.UserID
	Author              types.DeviceID
	DeletionCertificate []byte
	Timestamp           types.Timestamp
}

type ShamirStore interface {
	Get(ctx context.Context, org types.OrganizationID, user types.UserID) (*ShamirSetup, error)
	Create(ctx context.Context, org types.OrganizationID, data CreateShamirSetup) error
	Delete(ctx context.Context, org types.OrganizationID, data DeleteShamirSetup) error
}

type CreateSequesterService struct {
	Service     types.SequesterService
	Certificate []byte
	Timestamp   types.Timestamp
}

type RevokeSequesterService struct {
	ServiceID   types.SequesterServiceID
	Certificate []byte
	Timestamp   types.Timestamp
}

type SequesterStore interface {
	List(ctx context.Context, org types.OrganizationID) ([]*types.SequesterService, error)
	Create(ctx context.Context, org types.OrganizationID, data CreateSequesterService) error
	Revoke(ctx context.Context, org types.OrganizationID, data RevokeSequesterService) error
}

type AcceptPkiEnrollment struct {
	ID                     types.EnrollmentID
	AnsweredOn             types.Timestamp
	AccepterDerX509        []byte
	AcceptPayload          []byte
	AcceptPayloadSignature []byte
	// User onboarding committed atomically with the acceptance
	User CreateUser
}

type PkiEnrollmentStore interface {
	// Submit registers a new enrollment. An active enrollment with the same
	// submitter certificate fails with types.ErrEnrollmentAlreadySubmitted
	// unless force, which cancels it.
	Submit(ctx context.Context, org types.OrganizationID, enrollment *types.PkiEnrollment, force bool) error
	Get(ctx context.Context, org types.OrganizationID, id types.EnrollmentID) (*types.PkiEnrollment, error)
	ListSubmitted(ctx context.Context, org types.OrganizationID) ([]*types.PkiEnrollment, error)
	Accept(ctx context.Context, org types.OrganizationID, data AcceptPkiEnrollment) error
	Reject(ctx context.Context, org types.OrganizationID, id types.EnrollmentID, answeredOn types.Timestamp) error
}
