package services

import (
	"context"

	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
	"github.com/parsec-cloud/go-parsec-server/util"
)

type UserService struct {
	store  repository.Store
	events *EventService
}

func NewUserService(store repository.Store, events *EventService) *UserService {
	if store == nil {
		panic("store cannot be nil")
	}
	if events == nil {
		panic("events cannot be nil")
	}
	return &UserService{store: store, events: events}
}

// verifyCreateUserCertificates runs the shared validation of the four-cert
// onboarding payload (user_create, organization bootstrap follow-up, pki
// accept) against the author's device verify key.
func verifyCreateUserCertificates(author *authorContext, userRaw, deviceRaw, redUserRaw, redDeviceRaw []byte, now types.Timestamp) (*repository.CreateUser, error) {
	cert, err := util.VerifyCertificate(author.Device.VerifyKey, userRaw, author.Device.ID)
	if err != nil {
		return nil, err
	}
	user, ok := cert.(types.UserCertificate)
	if !ok {
		return nil, types.ErrInvalidCertificate
	}
	cert, err = util.VerifyCertificate(author.Device.VerifyKey, deviceRaw, author.Device.ID)
	if err != nil {
		return nil, err
	}
	device, ok := cert.(types.DeviceCertificate)
	if !ok {
		return nil, types.ErrInvalidCertificate
	}
	cert, err = util.VerifyCertificate(author.Device.VerifyKey, redUserRaw, author.Device.ID)
	if err != nil {
		return nil, err
	}
	redUser, ok := cert.(types.UserCertificate)
	if !ok {
		return nil, types.ErrInvalidCertificate
	}
	cert, err = util.VerifyCertificate(author.Device.VerifyKey, redDeviceRaw, author.Device.ID)
	if err != nil {
		return nil, err
	}
	redDevice, ok := cert.(types.DeviceCertificate)
	if !ok {
		return nil, types.ErrInvalidCertificate
	}

	if user.HumanHandle == nil || !user.Profile.Valid() {
		return nil, types.ErrInvalidCertificate
	}
	if device.DeviceID.UserID != user.UserID || device.Timestamp != user.Timestamp {
		return nil, types.ErrInvalidCertificate
	}
	if err := checkRedactedUser(user, redUser); err != nil {
		return nil, err
	}
	if err := checkRedactedDevice(device, redDevice); err != nil {
		return nil, err
	}
	if user.Profile == types.ProfileOutsider && !author.Org.UserProfileOutsiderAllowed {
		return nil, types.ErrAuthorNotAllowed
	}
	if err := util.CheckBallpark(user.Timestamp, now); err != nil {
		return nil, err
	}

	return &repository.CreateUser{
		Author: author.Device.ID,
		User: types.User{
			ID:          user.UserID,
			HumanHandle: user.HumanHandle,
			Profile:     user.Profile,
			CreatedOn:   user.Timestamp,
		},
		Device: types.Device{
			ID:        device.DeviceID,
			Label:     device.DeviceLabel,
			VerifyKey: device.VerifyKey,
			CreatedOn: device.Timestamp,
		},
		UserCertificate:           userRaw,
		RedactedUserCertificate:   redUserRaw,
		DeviceCertificate:         deviceRaw,
		RedactedDeviceCertificate: redDeviceRaw,
		Timestamp:                 user.Timestamp,
		ActiveUsersLimit:          author.Org.ActiveUsersLimit,
	}, nil
}

// Create onboards a new user with its first device from the paired full and
// redacted certificates. ADMIN only.
func (us *UserService) Create(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.UserCreateRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, us.store, org, authorDevice)
	if err != nil {
		return err
	}
	if err := author.requireAdmin(); err != nil {
		return err
	}
	data, err := verifyCreateUserCertificates(author, req.UserCertificate, req.DeviceCertificate,
		req.RedactedUserCertificate, req.RedactedDeviceCertificate, now)
	if err != nil {
		return err
	}
	if err := us.store.Users().Create(ctx, org, *data); err != nil {
		return err
	}
	us.events.Publish(org, types.EventCommonCertificate{Timestamp: data.Timestamp})
	return nil
}

// CreateDevice registers a new device for the author itself.
func (us *UserService) CreateDevice(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.DeviceCreateRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, us.store, org, authorDevice)
	if err != nil {
		return err
	}
	cert, err := util.VerifyCertificate(author.Device.VerifyKey, req.DeviceCertificate, author.Device.ID)
	if err != nil {
		return err
	}
	device, ok := cert.(types.DeviceCertificate)
	if !ok {
		return types.ErrInvalidCertificate
	}
	cert, err = util.VerifyCertificate(author.Device.VerifyKey, req.RedactedDeviceCertificate, author.Device.ID)
	if err != nil {
		return err
	}
	redDevice, ok := cert.(types.DeviceCertificate)
	if !ok {
		return types.ErrInvalidCertificate
	}
	// a device always belongs to the user that certified it
	if device.DeviceID.UserID != author.User.ID {
		return types.ErrInvalidCertificate
	}
	if err := checkRedactedDevice(device, redDevice); err != nil {
		return err
	}
	if err := util.CheckBallpark(device.Timestamp, now); err != nil {
		return err
	}
	data := repository.CreateDevice{
		Author: author.Device.ID,
		Device: types.Device{
			ID:        device.DeviceID,
			Label:     device.DeviceLabel,
			VerifyKey: device.VerifyKey,
			CreatedOn: device.Timestamp,
		},
		DeviceCertificate:         req.DeviceCertificate,
		RedactedDeviceCertificate: req.RedactedDeviceCertificate,
		Timestamp:                 device.Timestamp,
	}
	if err := us.store.Users().CreateDevice(ctx, org, data); err != nil {
		return err
	}
	us.events.Publish(org, types.EventCommonCertificate{Timestamp: device.Timestamp})
	return nil
}

// UpdateProfile changes a user's profile from a user-update certificate.
// ADMIN only; the author cannot update itself.
func (us *UserService) UpdateProfile(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.UserUpdateRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, us.store, org, authorDevice)
	if err != nil {
		return err
	}
	if err := author.requireAdmin(); err != nil {
		return err
	}
	cert, err := util.VerifyCertificate(author.Device.VerifyKey, req.UserUpdateCertificate, author.Device.ID)
	if err != nil {
		return err
	}
	update, ok := cert.(types.UserUpdateCertificate)
	if !ok || !update.NewProfile.Valid() {
		return types.ErrInvalidCertificate
	}
	if update.UserID == author.User.ID {
		return types.ErrAuthorNotAllowed
	}
	if update.NewProfile == types.ProfileOutsider && !author.Org.UserProfileOutsiderAllowed {
		return types.ErrAuthorNotAllowed
	}
	target, err := us.store.Users().Get(ctx, org, update.UserID)
	if err != nil {
		return err
	}
	if target.IsRevoked() {
		return types.ErrUserAlreadyRevoked
	}
	if err := util.CheckBallpark(update.Timestamp, now); err != nil {
		return err
	}
	if err := us.store.Users().UpdateProfile(ctx, org, update.UserID, update.NewProfile, author.Device.ID, req.UserUpdateCertificate, update.Timestamp); err != nil {
		return err
	}
	us.events.Publish(org, types.EventCommonCertificate{Timestamp: update.Timestamp})
	return nil
}

// Revoke retires a user. The last active ADMIN cannot be revoked, nor can
// the author revoke itself. Open SSE streams of the user are shut down.
func (us *UserService) Revoke(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.UserRevokeRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, us.store, org, authorDevice)
	if err != nil {
		return err
	}
	if err := author.requireAdmin(); err != nil {
		return err
	}
	cert, err := util.VerifyCertificate(author.Device.VerifyKey, req.RevokedUserCertificate, author.Device.ID)
	if err != nil {
		return err
	}
	revoked, ok := cert.(types.RevokedUserCertificate)
	if !ok {
		return types.ErrInvalidCertificate
	}
	if revoked.UserID == author.User.ID {
		return types.ErrAuthorNotAllowed
	}
	target, err := us.store.Users().Get(ctx, org, revoked.UserID)
	if err != nil {
		return err
	}
	if target.IsRevoked() {
		return types.ErrUserAlreadyRevoked
	}
	if target.Profile == types.ProfileAdmin {
		if err := us.checkNotLastAdmin(ctx, org, target.ID); err != nil {
			return err
		}
	}
	if err := util.CheckBallpark(revoked.Timestamp, now); err != nil {
		return err
	}
	if err := us.store.Users().Revoke(ctx, org, revoked.UserID, author.Device.ID, req.RevokedUserCertificate, revoked.Timestamp); err != nil {
		return err
	}
	us.events.Publish(org, types.EventCommonCertificate{Timestamp: revoked.Timestamp})
	us.events.Publish(org, types.EventUserRevokedOrFrozen{UserID: revoked.UserID})
	return nil
}

func (us *UserService) checkNotLastAdmin(ctx context.Context, org types.OrganizationID, target types.UserID) error {
	users, err := us.store.Users().List(ctx, org)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.ID != target && u.Profile == types.ProfileAdmin && !u.IsRevoked() {
			return nil
		}
	}
	return types.ErrUserIsLastAdmin
}

// SetFrozen flips a user's frozen flag from the administration surface. A
// frozen user keeps its certificates but fails authentication until thawed.
func (us *UserService) SetFrozen(ctx context.Context, org types.OrganizationID, user types.UserID, frozen bool) error {
	target, err := us.store.Users().Get(ctx, org, user)
	if err != nil {
		return err
	}
	if target.Frozen == frozen {
		return nil
	}
	if err := us.store.Users().SetFrozen(ctx, org, user, frozen); err != nil {
		return err
	}
	if frozen {
		us.events.Publish(org, types.EventUserRevokedOrFrozen{UserID: user})
	} else {
		us.events.Publish(org, types.EventUserUnfrozen{UserID: user})
	}
	return nil
}

func (us *UserService) List(ctx context.Context, org types.OrganizationID) ([]*types.User, error) {
	return us.store.Users().List(ctx, org)
}

// TosGet returns the current terms of service per locale.
func (us *UserService) TosGet(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID) (*types.TosGetResponse, error) {
	organization, err := us.store.Organizations().Get(ctx, org)
	if err != nil {
		return nil, err
	}
	if len(organization.Tos) == 0 {
		return nil, types.ErrNoTos
	}
	return &types.TosGetResponse{
		UpdatedOn:     organization.TosUpdatedOn,
		PerLocaleUrls: organization.Tos,
	}, nil
}

// TosAccept records acceptance of the terms identified by their update
// timestamp; a stale timestamp means the terms changed under the client.
func (us *UserService) TosAccept(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, updatedOn types.Timestamp) error {
	organization, err := us.store.Organizations().Get(ctx, org)
	if err != nil {
		return err
	}
	if len(organization.Tos) == 0 {
		return types.ErrNoTos
	}
	if updatedOn != organization.TosUpdatedOn {
		return types.ErrTosNotAccepted
	}
	user, err := us.store.Users().Get(ctx, org, authorDevice.UserID)
	if err != nil {
		return err
	}
	if user.IsRevoked() {
		return types.ErrAuthorRevoked
	}
	return us.store.Users().AcceptTos(ctx, org, user.ID, types.Now())
}
