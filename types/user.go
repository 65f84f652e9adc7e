package types

// User is the server-side view of a user row. Profile tracks the latest
// user-update certificate. RevokedOn is set exactly once; after that no
// certificate may be authored by any of the user's devices.
type User struct {
	ID            UserID       `json:"user_id"`
	HumanHandle   *HumanHandle `json:"human_handle"`
	Profile       Profile      `json:"profile"`
	CreatedOn     Timestamp    `json:"created_on"`
	RevokedOn     Timestamp    `json:"revoked_on,omitempty"`
	Frozen        bool         `json:"frozen"`
	TosAcceptedOn Timestamp    `json:"tos_accepted_on,omitempty"`
}

func (u *User) IsRevoked() bool {
	return !u.RevokedOn.IsZero()
}

type Device struct {
	ID        DeviceID  `json:"device_id"`
	Label     *string   `json:"device_label"`
	VerifyKey []byte    `json:"-"`
	CreatedOn Timestamp `json:"created_on"`
}
