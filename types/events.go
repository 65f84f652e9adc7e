package types

// Typed in-process events fanned out per organization over SSE. Event
// payloads are JSON-serialized into the SSE data frame; the event type names
// the SSE event field.
type Event interface {
	EventType() string
}

type EventPinged struct {
	Ping string `json:"ping"`
}

func (EventPinged) EventType() string { return "pinged" }

type EventCommonCertificate struct {
	Timestamp Timestamp `json:"timestamp"`
}

func (EventCommonCertificate) EventType() string { return "common_certificate" }

type EventSequesterCertificate struct {
	Timestamp Timestamp `json:"timestamp"`
}

func (EventSequesterCertificate) EventType() string { return "sequester_certificate" }

type EventRealmCertificate struct {
	RealmID   RealmID   `json:"realm_id"`
	Timestamp Timestamp `json:"timestamp"`
	// Members limits delivery to the realm's member set at publish time
	Members []UserID `json:"-"`
}

func (EventRealmCertificate) EventType() string { return "realm_certificate" }

type EventShamirRecoveryCertificate struct {
	UserID    UserID    `json:"user_id"`
	Timestamp Timestamp `json:"timestamp"`
	// Recipients limits delivery to the share holders and the recovered user
	Recipients []UserID `json:"-"`
}

func (EventShamirRecoveryCertificate) EventType() string { return "shamir_recovery_certificate" }

type EventInvitation struct {
	Token  InvitationToken  `json:"token"`
	Status InvitationStatus `json:"invitation_status"`
	// Greeter receives the event; other users are not concerned
	Greeter UserID `json:"-"`
}

func (EventInvitation) EventType() string { return "invitation" }

type EventGreetingAttempt struct {
	Token           InvitationToken   `json:"token"`
	GreetingAttempt GreetingAttemptID `json:"greeting_attempt"`
	Greeter         UserID            `json:"-"`
}

func (EventGreetingAttempt) EventType() string { return "greeting_attempt" }

type EventPkiEnrollment struct {
	EnrollmentID EnrollmentID `json:"enrollment_id"`
}

func (EventPkiEnrollment) EventType() string { return "pki_enrollment" }

type EventUserRevokedOrFrozen struct {
	UserID UserID `json:"user_id"`
}

func (EventUserRevokedOrFrozen) EventType() string { return "user_revoked_or_frozen" }

type EventUserUnfrozen struct {
	UserID UserID `json:"user_id"`
}

func (EventUserUnfrozen) EventType() string { return "user_unfrozen" }

type EventOrganizationExpired struct{}

func (EventOrganizationExpired) EventType() string { return "organization_expired" }

type EventOrganizationTosUpdated struct {
	Timestamp Timestamp `json:"timestamp"`
}

func (EventOrganizationTosUpdated) EventType() string { return "organization_tos_updated" }

type EventVlobCreated struct {
	RealmID   RealmID   `json:"realm_id"`
	VlobID    VlobID    `json:"vlob_id"`
	KeyIndex  uint64    `json:"key_index"`
	Version   uint32    `json:"version"`
	Timestamp Timestamp `json:"timestamp"`
	Members   []UserID  `json:"-"`
}

func (EventVlobCreated) EventType() string { return "vlob_created" }

type EventVlobUpdated struct {
	RealmID   RealmID   `json:"realm_id"`
	VlobID    VlobID    `json:"vlob_id"`
	KeyIndex  uint64    `json:"key_index"`
	Version   uint32    `json:"version"`
	Timestamp Timestamp `json:"timestamp"`
	Members   []UserID  `json:"-"`
}

func (EventVlobUpdated) EventType() string { return "vlob_updated" }

// EventServerConfig opens every SSE stream with the current organization
// settings.
type EventServerConfig struct {
	ActiveUsersLimit           *int `json:"active_users_limit"`
	UserProfileOutsiderAllowed bool `json:"user_profile_outsider_allowed"`
}

func (EventServerConfig) EventType() string { return "server_config" }
