package services

import (
	"bytes"
	"context"

	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
)

// authorContext is the resolved identity of an authenticated command. The
// auth middleware already checked the request signature against the device
// verify key; services re-check the organization and revocation state so
// that a command racing a revocation still fails.
type authorContext struct {
	Org    *types.Organization
	User   *types.User
	Device *types.Device
}

func loadAuthor(ctx context.Context, store repository.Store, org types.OrganizationID, device types.DeviceID) (*authorContext, error) {
	organization, err := store.Organizations().Get(ctx, org)
	if err != nil {
		return nil, err
	}
	if organization.IsExpired {
		return nil, types.ErrOrganizationExpired
	}
	user, err := store.Users().Get(ctx, org, device.UserID)
	if err != nil {
		return nil, err
	}
	if user.IsRevoked() {
		return nil, types.ErrAuthorRevoked
	}
	if user.Frozen {
		return nil, types.ErrUserFrozen
	}
	d, err := store.Users().GetDevice(ctx, org, device)
	if err != nil {
		return nil, err
	}
	return &authorContext{Org: organization, User: user, Device: d}, nil
}

func (a *authorContext) requireAdmin() error {
	if a.User.Profile != types.ProfileAdmin {
		return types.ErrAuthorNotAllowed
	}
	return nil
}

// checkRedactedUser verifies that a redacted user certificate matches its
// full variant on every field except the stripped human handle.
func checkRedactedUser(full, redacted types.UserCertificate) error {
	if redacted.HumanHandle != nil {
		return types.ErrInvalidCertificate
	}
	redacted.HumanHandle = full.HumanHandle
	if redacted.UserID != full.UserID ||
		redacted.Timestamp != full.Timestamp ||
		redacted.Profile != full.Profile ||
		!bytes.Equal(redacted.PublicKey, full.PublicKey) ||
		!authorsEqual(redacted.Author, full.Author) {
		return types.ErrInvalidCertificate
	}
	return nil
}

// checkRedactedDevice is the device-side counterpart: the label is stripped,
// everything else must match.
func checkRedactedDevice(full, redacted types.DeviceCertificate) error {
	if redacted.DeviceLabel != nil {
		return types.ErrInvalidCertificate
	}
	if redacted.DeviceID != full.DeviceID ||
		redacted.Timestamp != full.Timestamp ||
		!bytes.Equal(redacted.VerifyKey, full.VerifyKey) ||
		!authorsEqual(redacted.Author, full.Author) {
		return types.ErrInvalidCertificate
	}
	return nil
}

func authorsEqual(a, b *types.DeviceID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
