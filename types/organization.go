package types

// Organization lifecycle: created (unbootstrapped) -> bootstrapped ->
// possibly expired. Bootstrap fixes RootVerifyKey irrevocably.
type Organization struct {
	ID             OrganizationID `json:"id"`
	RootVerifyKey  []byte         `json:"-"`
	BootstrapToken *string        `json:"-"`
	CreatedOn      Timestamp      `json:"created_on"`
	BootstrappedOn Timestamp      `json:"bootstrapped_on,omitempty"`
	IsExpired      bool           `json:"is_expired"`
	// ActiveUsersLimit nil means unlimited
	ActiveUsersLimit           *int `json:"active_users_limit"`
	UserProfileOutsiderAllowed bool `json:"user_profile_outsider_allowed"`
	// MinimumArchivingPeriod in days
	MinimumArchivingPeriod int `json:"minimum_archiving_period"`
	// Tos maps locale to the terms-of-service URL; empty means no TOS
	Tos          map[string]string `json:"tos,omitempty"`
	TosUpdatedOn Timestamp         `json:"tos_updated_on,omitempty"`
	// IsSequestered is fixed at bootstrap time
	IsSequestered bool `json:"is_sequestered"`
}

func (o *Organization) IsBootstrapped() bool {
	return len(o.RootVerifyKey) > 0
}

type OrganizationStats struct {
	Users           int             `json:"users"`
	ActiveUsers     int             `json:"active_users"`
	UsersPerProfile map[Profile]int `json:"users_per_profile_detail"`
	Realms          int             `json:"realms"`
	DataSize        int64           `json:"data_size"`
	MetadataSize    int64           `json:"metadata_size"`
}

// OrganizationUpdate carries the admin-settable fields; nil pointers leave
// the current value untouched. SetActiveUsersLimit distinguishes "set to
// unlimited" (true, nil limit) from "leave untouched" (false).
type OrganizationUpdate struct {
	IsExpired                  *bool              `json:"is_expired,omitempty"`
	SetActiveUsersLimit        bool               `json:"-"`
	ActiveUsersLimit           *int               `json:"active_users_limit,omitempty"`
	UserProfileOutsiderAllowed *bool              `json:"user_profile_outsider_allowed,omitempty"`
	MinimumArchivingPeriod     *int               `json:"minimum_archiving_period,omitempty"`
	Tos                        *map[string]string `json:"tos,omitempty"`
}
