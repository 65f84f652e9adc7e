package types

// Realm is a unit of sharing: opaque encrypted bytes in server terms. The
// creator is its first OWNER; the key index grows by exactly one per
// rotation.
type Realm struct {
	ID        RealmID   `json:"realm_id"`
	CreatedOn Timestamp `json:"created_on"`
	KeyIndex  uint64    `json:"key_index"`
	// Roles holds the current role per user; absent means unshared
	Roles         map[UserID]RealmRole   `json:"roles"`
	Archiving     ArchivingConfiguration `json:"archiving"`
	DeletionDate  *Timestamp             `json:"deletion_date,omitempty"`
}

// KeysBundle is the opaque ciphertext carrying all realm keys for one key
// index, sealed per participant (and per sequester service in sequestered
// organizations).
type KeysBundle struct {
	RealmID  RealmID `json:"realm_id"`
	KeyIndex uint64  `json:"key_index"`
	Bundle   []byte  `json:"keys_bundle"`
	// PerParticipant maps each current non-revoked member to its sealed access
	PerParticipant      map[UserID][]byte             `json:"per_participant_keys_bundle_access"`
	PerSequesterService map[SequesterServiceID][]byte `json:"per_sequester_service_keys_bundle_access,omitempty"`
}

// RoleChange records one realm-role certificate, used to compute the
// visibility windows of certificate_get.
type RoleChange struct {
	UserID    UserID     `json:"user_id"`
	Role      *RealmRole `json:"role"`
	Timestamp Timestamp  `json:"timestamp"`
}
