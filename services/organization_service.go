package services

import (
	"context"

	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/metrics"
	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
	"github.com/parsec-cloud/go-parsec-server/util"
)

type OrganizationService struct {
	store  repository.Store
	events *EventService
}

func NewOrganizationService(store repository.Store, events *EventService) *OrganizationService {
	if store == nil {
		panic("store cannot be nil")
	}
	if events == nil {
		panic("events cannot be nil")
	}
	return &OrganizationService{store: store, events: events}
}

// Create registers a new unbootstrapped organization with the server-default
// settings. bootstrapToken, when non-nil, must be presented at bootstrap
// time.
func (os *OrganizationService) Create(ctx context.Context, id types.OrganizationID, bootstrapToken *string) (*types.Organization, error) {
	if err := id.Validate(); err != nil {
		return nil, types.ErrOrganizationNotFound
	}
	org := defaultOrganization(id, bootstrapToken)
	if err := os.store.Organizations().Create(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

func defaultOrganization(id types.OrganizationID, bootstrapToken *string) *types.Organization {
	return &types.Organization{
		ID:                         id,
		BootstrapToken:             bootstrapToken,
		CreatedOn:                  types.Now(),
		ActiveUsersLimit:           global.Conf.Org.ActiveUsersLimit,
		UserProfileOutsiderAllowed: global.Conf.Org.OutsiderAllowed,
		MinimumArchivingPeriod:     global.Conf.Org.MinimumArchivingPeriod,
	}
}

func (os *OrganizationService) Get(ctx context.Context, id types.OrganizationID) (*types.Organization, error) {
	return os.store.Organizations().Get(ctx, id)
}

func (os *OrganizationService) List(ctx context.Context) ([]*types.Organization, error) {
	return os.store.Organizations().List(ctx)
}

func (os *OrganizationService) Stats(ctx context.Context, id types.OrganizationID) (*types.OrganizationStats, error) {
	return os.store.Organizations().Stats(ctx, id)
}

// Bootstrap fixes the organization root verify key and onboards the first
// user and device. All four certificates must be signed by the root key,
// share one timestamp and carry an ADMIN profile. A second call fails with
// ErrAlreadyBootstrapped.
func (os *OrganizationService) Bootstrap(ctx context.Context, id types.OrganizationID, req *types.OrganizationBootstrapRequest, now types.Timestamp) error {
	org, err := os.store.Organizations().Get(ctx, id)
	if err == types.ErrOrganizationNotFound && global.Conf.Org.SpontaneousBootstrap {
		if vErr := id.Validate(); vErr != nil {
			return types.ErrOrganizationNotFound
		}
		org = defaultOrganization(id, nil)
		if cErr := os.store.Organizations().Create(ctx, org); cErr != nil && cErr != types.ErrOrganizationAlreadyExists {
			return cErr
		}
		err = nil
	}
	if err != nil {
		return err
	}
	if org.IsExpired {
		return types.ErrOrganizationExpired
	}
	if org.IsBootstrapped() {
		return types.ErrAlreadyBootstrapped
	}
	if org.BootstrapToken != nil {
		if req.BootstrapToken == nil || *req.BootstrapToken != *org.BootstrapToken {
			return types.ErrInvalidBootstrapToken
		}
	}

	userCert, err := util.VerifyRootCertificate(req.RootVerifyKey, req.UserCertificate)
	if err != nil {
		return err
	}
	user, ok := userCert.(types.UserCertificate)
	if !ok {
		return types.ErrInvalidCertificate
	}
	deviceCert, err := util.VerifyRootCertificate(req.RootVerifyKey, req.DeviceCertificate)
	if err != nil {
		return err
	}
	device, ok := deviceCert.(types.DeviceCertificate)
	if !ok {
		return types.ErrInvalidCertificate
	}
	redUserCert, err := util.VerifyRootCertificate(req.RootVerifyKey, req.RedactedUserCertificate)
	if err != nil {
		return err
	}
	redUser, ok := redUserCert.(types.UserCertificate)
	if !ok {
		return types.ErrInvalidCertificate
	}
	redDeviceCert, err := util.VerifyRootCertificate(req.RootVerifyKey, req.RedactedDeviceCertificate)
	if err != nil {
		return err
	}
	redDevice, ok := redDeviceCert.(types.DeviceCertificate)
	if !ok {
		return types.ErrInvalidCertificate
	}

	if user.Profile != types.ProfileAdmin {
		return types.ErrInvalidCertificate
	}
	if user.HumanHandle == nil {
		return types.ErrInvalidCertificate
	}
	if device.DeviceID.UserID != user.UserID {
		return types.ErrInvalidCertificate
	}
	if device.Timestamp != user.Timestamp {
		return types.ErrInvalidCertificate
	}
	if err := checkRedactedUser(user, redUser); err != nil {
		return err
	}
	if err := checkRedactedDevice(device, redDevice); err != nil {
		return err
	}
	if err := util.CheckBallpark(user.Timestamp, now); err != nil {
		return err
	}

	if len(req.SequesterAuthorityCertificate) > 0 {
		authorityCert, aErr := util.VerifyRootCertificate(req.RootVerifyKey, req.SequesterAuthorityCertificate)
		if aErr != nil {
			return aErr
		}
		authority, aOk := authorityCert.(types.SequesterAuthorityCertificate)
		if !aOk || authority.Timestamp != user.Timestamp {
			return types.ErrInvalidCertificate
		}
	}

	data := repository.BootstrapData{
		RootVerifyKey:  req.RootVerifyKey,
		BootstrappedOn: now,
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
		UserCertificate:               req.UserCertificate,
		RedactedUserCertificate:       req.RedactedUserCertificate,
		DeviceCertificate:             req.DeviceCertificate,
		RedactedDeviceCertificate:     req.RedactedDeviceCertificate,
		SequesterAuthorityCertificate: req.SequesterAuthorityCertificate,
		Timestamp:                     user.Timestamp,
	}
	if err := os.store.Organizations().Bootstrap(ctx, id, data); err != nil {
		global.Logger.Log("msg", "organization bootstrap failed", "organization", string(id), "err", err)
		return err
	}
	metrics.OrganizationBootstrapMetricsCount.Inc()
	return nil
}

// Update applies the admin-settable fields. Expiring an organization pushes
// EventOrganizationExpired so open SSE streams shut down; limit and outsider
// changes are broadcast as a fresh server-config frame.
func (os *OrganizationService) Update(ctx context.Context, id types.OrganizationID, update types.OrganizationUpdate) (*types.Organization, error) {
	if err := os.store.Organizations().Update(ctx, id, update); err != nil {
		return nil, err
	}
	org, err := os.store.Organizations().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if update.IsExpired != nil && *update.IsExpired {
		os.events.Publish(id, types.EventOrganizationExpired{})
	}
	if update.Tos != nil {
		os.events.Publish(id, types.EventOrganizationTosUpdated{Timestamp: org.TosUpdatedOn})
	}
	if update.SetActiveUsersLimit || update.UserProfileOutsiderAllowed != nil {
		os.events.Publish(id, types.EventServerConfig{
			ActiveUsersLimit:           org.ActiveUsersLimit,
			UserProfileOutsiderAllowed: org.UserProfileOutsiderAllowed,
		})
	}
	return org, nil
}
