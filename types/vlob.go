package types

// VlobVersion is one committed version of a versioned encrypted blob.
// Version numbers are contiguous from 1.
type VlobVersion struct {
	Version   uint32    `json:"version"`
	KeyIndex  uint64    `json:"key_index"`
	Author    DeviceID  `json:"author"`
	Timestamp Timestamp `json:"timestamp"`
	Blob      []byte    `json:"-"`
}

type Vlob struct {
	ID       VlobID        `json:"vlob_id"`
	RealmID  RealmID       `json:"realm_id"`
	Versions []VlobVersion `json:"versions"`
}

// Block is immutable opaque ciphertext, keyed by realm and key index.
type Block struct {
	ID        BlockID   `json:"block_id"`
	RealmID   RealmID   `json:"realm_id"`
	KeyIndex  uint64    `json:"key_index"`
	Author    DeviceID  `json:"author"`
	CreatedOn Timestamp `json:"created_on"`
	Size      int       `json:"size"`
}
