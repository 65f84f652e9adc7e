package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Certificates are canonically CBOR-encoded structs with a detached ed25519
// signature over the canonical bytes. The signed wire form is
// signature(64 bytes) || canonical payload; see util.Sign / util.Verify.

type CertificateType string

const (
	CertTypeUser                    CertificateType = "user_certificate"
	CertTypeDevice                  CertificateType = "device_certificate"
	CertTypeRevokedUser             CertificateType = "revoked_user_certificate"
	CertTypeUserUpdate              CertificateType = "user_update_certificate"
	CertTypeRealmRole               CertificateType = "realm_role_certificate"
	CertTypeRealmKeyRotation        CertificateType = "realm_key_rotation_certificate"
	CertTypeRealmName               CertificateType = "realm_name_certificate"
	CertTypeRealmArchiving          CertificateType = "realm_archiving_certificate"
	CertTypeSequesterAuthority      CertificateType = "sequester_authority_certificate"
	CertTypeSequesterService        CertificateType = "sequester_service_certificate"
	CertTypeSequesterRevokedService CertificateType = "sequester_revoked_service_certificate"
	CertTypeShamirRecoveryBrief     CertificateType = "shamir_recovery_brief_certificate"
	CertTypeShamirRecoveryShare     CertificateType = "shamir_recovery_share_certificate"
	CertTypeShamirRecoveryDeletion  CertificateType = "shamir_recovery_deletion_certificate"
)

// Certificate is the decoded form of any certificate kind.
type Certificate interface {
	CertificateType() CertificateType
	// CertificateAuthor is nil for root-signed certificates (bootstrap and
	// sequester authority).
	CertificateAuthor() *DeviceID
	CertificateTimestamp() Timestamp
}

type Profile string

const (
	ProfileAdmin    Profile = "ADMIN"
	ProfileStandard Profile = "STANDARD"
	ProfileOutsider Profile = "OUTSIDER"
)

func (p Profile) Valid() bool {
	return p == ProfileAdmin || p == ProfileStandard || p == ProfileOutsider
}

type HumanHandle struct {
	Email string `cbor:"email" json:"email"`
	Label string `cbor:"label" json:"label"`
}

type UserCertificate struct {
	Type      CertificateType `cbor:"type"`
	Author    *DeviceID       `cbor:"author"`
	Timestamp Timestamp       `cbor:"timestamp"`
	UserID    UserID          `cbor:"user_id"`
	// HumanHandle is nil in the redacted variant
	HumanHandle *HumanHandle `cbor:"human_handle"`
	// PublicKey is the user's curve25519 encryption key
	PublicKey []byte  `cbor:"public_key"`
	Profile   Profile `cbor:"profile"`
}

type DeviceCertificate struct {
	Type      CertificateType `cbor:"type"`
	Author    *DeviceID       `cbor:"author"`
	Timestamp Timestamp       `cbor:"timestamp"`
	DeviceID  DeviceID        `cbor:"device_id"`
	// DeviceLabel is nil in the redacted variant
	DeviceLabel *string `cbor:"device_label"`
	VerifyKey   []byte  `cbor:"verify_key"`
}

type RevokedUserCertificate struct {
	Type      CertificateType `cbor:"type"`
	Author    *DeviceID       `cbor:"author"`
	Timestamp Timestamp       `cbor:"timestamp"`
	UserID    UserID          `cbor:"user_id"`
}

type UserUpdateCertificate struct {
	Type       CertificateType `cbor:"type"`
	Author     *DeviceID       `cbor:"author"`
	Timestamp  Timestamp       `cbor:"timestamp"`
	UserID     UserID          `cbor:"user_id"`
	NewProfile Profile         `cbor:"new_profile"`
}

type RealmRole string

const (
	RoleOwner       RealmRole = "OWNER"
	RoleManager     RealmRole = "MANAGER"
	RoleContributor RealmRole = "CONTRIBUTOR"
	RoleReader      RealmRole = "READER"
)

func (r RealmRole) Valid() bool {
	switch r {
	case RoleOwner, RoleManager, RoleContributor, RoleReader:
		return true
	}
	return false
}

// CanWrite reports whether the role may create or update vlobs and blocks.
func (r RealmRole) CanWrite() bool {
	return r == RoleOwner || r == RoleManager || r == RoleContributor
}

type RealmRoleCertificate struct {
	Type      CertificateType `cbor:"type"`
	Author    *DeviceID       `cbor:"author"`
	Timestamp Timestamp       `cbor:"timestamp"`
	RealmID   RealmID         `cbor:"realm_id"`
	UserID    UserID          `cbor:"user_id"`
	// Role nil means unshared
	Role *RealmRole `cbor:"role"`
}

type RealmKeyRotationCertificate struct {
	Type                CertificateType `cbor:"type"`
	Author              *DeviceID       `cbor:"author"`
	Timestamp           Timestamp       `cbor:"timestamp"`
	RealmID             RealmID         `cbor:"realm_id"`
	KeyIndex            uint64          `cbor:"key_index"`
	EncryptionAlgorithm string          `cbor:"encryption_algorithm"`
	HashAlgorithm       string          `cbor:"hash_algorithm"`
	// KeyCanary is the new key encrypting an empty payload, so peers can
	// detect a corrupted bundle without decrypting it
	KeyCanary []byte `cbor:"key_canary"`
}

type RealmNameCertificate struct {
	Type          CertificateType `cbor:"type"`
	Author        *DeviceID       `cbor:"author"`
	Timestamp     Timestamp       `cbor:"timestamp"`
	RealmID       RealmID         `cbor:"realm_id"`
	KeyIndex      uint64          `cbor:"key_index"`
	EncryptedName []byte          `cbor:"encrypted_name"`
}

type ArchivingConfiguration string

const (
	ArchivingAvailable       ArchivingConfiguration = "AVAILABLE"
	ArchivingArchived        ArchivingConfiguration = "ARCHIVED"
	ArchivingDeletionPlanned ArchivingConfiguration = "DELETION_PLANNED"
)

type RealmArchivingCertificate struct {
	Type          CertificateType        `cbor:"type"`
	Author        *DeviceID              `cbor:"author"`
	Timestamp     Timestamp              `cbor:"timestamp"`
	RealmID       RealmID                `cbor:"realm_id"`
	Configuration ArchivingConfiguration `cbor:"configuration"`
	// DeletionDate is set only for DELETION_PLANNED
	DeletionDate *Timestamp `cbor:"deletion_date"`
}

type SequesterAuthorityCertificate struct {
	Type      CertificateType `cbor:"type"`
	Timestamp Timestamp       `cbor:"timestamp"`
	// VerifyKeyDer is the DER-encoded authority verify key, opaque to the core
	VerifyKeyDer []byte `cbor:"verify_key_der"`
}

type SequesterServiceCertificate struct {
	Type             CertificateType    `cbor:"type"`
	Timestamp        Timestamp          `cbor:"timestamp"`
	ServiceID        SequesterServiceID `cbor:"service_id"`
	ServiceLabel     string             `cbor:"service_label"`
	EncryptionKeyDer []byte             `cbor:"encryption_key_der"`
}

type SequesterRevokedServiceCertificate struct {
	Type      CertificateType    `cbor:"type"`
	Timestamp Timestamp          `cbor:"timestamp"`
	ServiceID SequesterServiceID `cbor:"service_id"`
}

type ShamirRecoveryBriefCertificate struct {
	Type      CertificateType  `cbor:"type"`
	Author    *DeviceID        `cbor:"author"`
	Timestamp Timestamp        `cbor:"timestamp"`
	UserID    UserID           `cbor:"user_id"`
	Threshold uint8            `cbor:"threshold"`
	PerRecipientShares map[UserID]uint8 `cbor:"per_recipient_shares"`
}

type ShamirRecoveryShareCertificate struct {
	Type            CertificateType `cbor:"type"`
	Author          *DeviceID       `cbor:"author"`
	Timestamp       Timestamp       `cbor:"timestamp"`
	UserID          UserID          `cbor:"user_id"`
	RecipientID     UserID          `cbor:"recipient_id"`
	CiphertextShare []byte          `cbor:"ciphertext_share"`
}

type ShamirRecoveryDeletionCertificate struct {
	Type      CertificateType `cbor:"type"`
	Author    *DeviceID       `cbor:"author"`
	Timestamp Timestamp       `cbor:"timestamp"`
	// SetupTimestamp identifies the brief certificate being deleted
	SetupTimestamp  Timestamp `cbor:"setup_timestamp"`
	UserID          UserID    `cbor:"user_id"`
	ShareRecipients []UserID  `cbor:"share_recipients"`
}

func (c UserCertificate) CertificateType() CertificateType     { return CertTypeUser }
func (c UserCertificate) CertificateAuthor() *DeviceID         { return c.Author }
func (c UserCertificate) CertificateTimestamp() Timestamp      { return c.Timestamp }
func (c DeviceCertificate) CertificateType() CertificateType   { return CertTypeDevice }
func (c DeviceCertificate) CertificateAuthor() *DeviceID       { return c.Author }
func (c DeviceCertificate) CertificateTimestamp() Timestamp    { return c.Timestamp }
func (c RevokedUserCertificate) CertificateType() CertificateType { return CertTypeRevokedUser }
func (c RevokedUserCertificate) CertificateAuthor() *DeviceID  { return c.Author }
func (c RevokedUserCertificate) CertificateTimestamp() Timestamp { return c.Timestamp }
func (c UserUpdateCertificate) CertificateType() CertificateType { return CertTypeUserUpdate }
func (c UserUpdateCertificate) CertificateAuthor() *DeviceID   { return c.Author }
func (c UserUpdateCertificate) CertificateTimestamp() Timestamp { return c.Timestamp }
func (c RealmRoleCertificate) CertificateType() CertificateType { return CertTypeRealmRole }
func (c RealmRoleCertificate) CertificateAuthor() *DeviceID    { return c.Author }
func (c RealmRoleCertificate) CertificateTimestamp() Timestamp { return c.Timestamp }
func (c RealmKeyRotationCertificate) CertificateType() CertificateType {
	return CertTypeRealmKeyRotation
}
func (c RealmKeyRotationCertificate) CertificateAuthor() *DeviceID    { return c.Author }
func (c RealmKeyRotationCertificate) CertificateTimestamp() Timestamp { return c.Timestamp }
func (c RealmNameCertificate) CertificateType() CertificateType       { return CertTypeRealmName }
func (c RealmNameCertificate) CertificateAuthor() *DeviceID           { return c.Author }
func (c RealmNameCertificate) CertificateTimestamp() Timestamp        { return c.Timestamp }
func (c RealmArchivingCertificate) CertificateType() CertificateType  { return CertTypeRealmArchiving }
func (c RealmArchivingCertificate) CertificateAuthor() *DeviceID      { return c.Author }
func (c RealmArchivingCertificate) CertificateTimestamp() Timestamp   { return c.Timestamp }
func (c SequesterAuthorityCertificate) CertificateType() CertificateType {
	return CertTypeSequesterAuthority
}
func (c SequesterAuthorityCertificate) CertificateAuthor() *DeviceID    { return nil }
func (c SequesterAuthorityCertificate) CertificateTimestamp() Timestamp { return c.Timestamp }
func (c SequesterServiceCertificate) CertificateType() CertificateType {
	return CertTypeSequesterService
}
func (c SequesterServiceCertificate) CertificateAuthor() *DeviceID    { return nil }
func (c SequesterServiceCertificate) CertificateTimestamp() Timestamp { return c.Timestamp }
func (c SequesterRevokedServiceCertificate) CertificateType() CertificateType {
	return CertTypeSequesterRevokedService
}
func (c SequesterRevokedServiceCertificate) CertificateAuthor() *DeviceID    { return nil }
func (c SequesterRevokedServiceCertificate) CertificateTimestamp() Timestamp { return c.Timestamp }
func (c ShamirRecoveryBriefCertificate) CertificateType() CertificateType {
	return CertTypeShamirRecoveryBrief
}
func (c ShamirRecoveryBriefCertificate) CertificateAuthor() *DeviceID    { return c.Author }
func (c ShamirRecoveryBriefCertificate) CertificateTimestamp() Timestamp { return c.Timestamp }
func (c ShamirRecoveryShareCertificate) CertificateType() CertificateType {
	return CertTypeShamirRecoveryShare
}
func (c ShamirRecoveryShareCertificate) CertificateAuthor() *DeviceID    { return c.Author }
func (c ShamirRecoveryShareCertificate) CertificateTimestamp() Timestamp { return c.Timestamp }
func (c ShamirRecoveryDeletionCertificate) CertificateType() CertificateType {
	return CertTypeShamirRecoveryDeletion
}
func (c ShamirRecoveryDeletionCertificate) CertificateAuthor() *DeviceID    { return c.Author }
func (c ShamirRecoveryDeletionCertificate) CertificateTimestamp() Timestamp { return c.Timestamp }

// canonical encoding: deterministic map ordering, no floats in certificates
var (
	certEncMode cbor.EncMode
	certDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	certEncMode = em
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	certDecMode = dm
}

// EncodeCertificate produces the canonical bytes of a certificate. The Type
// field of the struct must be set to the matching constant.
func EncodeCertificate(c Certificate) ([]byte, error) {
	return certEncMode.Marshal(c)
}

// DecodeCertificate parses canonical certificate bytes, dispatching on the
// embedded type field.
func DecodeCertificate(payload []byte) (Certificate, error) {
	var probe struct {
		Type CertificateType `cbor:"type"`
	}
	if err := certDecMode.Unmarshal(payload, &probe); err != nil {
		return nil, ErrInvalidCertificate
	}
	decode := func(v any) error {
		return certDecMode.Unmarshal(payload, v)
	}
	var err error
	switch probe.Type {
	case CertTypeUser:
		var c UserCertificate
		if err = decode(&c); err == nil {
			return c, nil
		}
	case CertTypeDevice:
		var c DeviceCertificate
		if err = decode(&c); err == nil {
			return c, nil
		}
	case CertTypeRevokedUser:
		var c RevokedUserCertificate
		if err = decode(&c); err == nil {
			return c, nil
		}
	case CertTypeUserUpdate:
		var c UserUpdateCertificate
		if err = decode(&c); err == nil {
			return c, nil
		}
	case CertTypeRealmRole:
		var c RealmRoleCertificate
		if err = decode(&c); err == nil {
			return c, nil
		}
	case CertTypeRealmKeyRotation:
		var c RealmKeyRotationCertificate
		if err = decode(&c); err == nil {
			return c, nil
		}
	case CertTypeRealmName:
		var c RealmNameCertificate
		if err = decode(&c); err == nil {
			return c, nil
		}
	case CertTypeRealmArchiving:
		var c RealmArchivingCertificate
		if err = decode(&c); err == nil {
			return c, nil
		}
	case CertTypeSequesterAuthority:
		var c SequesterAuthorityCertificate
		if err = decode(&c); err == nil {
			return c, nil
		}
	case CertTypeSequesterService:
		var c SequesterServiceCertificate
		if err = decode(&c); err == nil {
			return c, nil
		}
	case CertTypeSequesterRevokedService:
		var c SequesterRevokedServiceCertificate
		if err = decode(&c); err == nil {
			return c, nil
		}
	case CertTypeShamirRecoveryBrief:
		var c ShamirRecoveryBriefCertificate
		if err = decode(&c); err == nil {
			return c, nil
		}
	case CertTypeShamirRecoveryShare:
		var c ShamirRecoveryShareCertificate
		if err = decode(&c); err == nil {
			return c, nil
		}
	case CertTypeShamirRecoveryDeletion:
		var c ShamirRecoveryDeletionCertificate
		if err = decode(&c); err == nil {
			return c, nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidCertificate, probe.Type)
	}
	return nil, ErrInvalidCertificate
}

// MarshalCanonical encodes any value with the certificate encoding options.
// Used for RPC bodies and keys-bundle payloads so every wire struct shares
// one deterministic codec.
func MarshalCanonical(v any) ([]byte, error) {
	return certEncMode.Marshal(v)
}

func UnmarshalCanonical(payload []byte, v any) error {
	return certDecMode.Unmarshal(payload, v)
}
