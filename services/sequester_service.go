package services

import (
	"context"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/metrics"
	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
	"github.com/parsec-cloud/go-parsec-server/util"
)

type SequesterService struct {
	store       repository.Store
	events      *EventService
	restyClient *resty.Client
}

func NewSequesterService(store repository.Store, events *EventService) *SequesterService {
	if store == nil {
		panic("store cannot be nil")
	}
	if events == nil {
		panic("events cannot be nil")
	}
	client := resty.New().
		SetTimeout(time.Second * 30).
		SetHeader("Content-Type", "application/octet-stream")
	return &SequesterService{store: store, events: events, restyClient: client}
}

func (ss *SequesterService) List(ctx context.Context, org types.OrganizationID) ([]*types.SequesterService, error) {
	return ss.store.Sequester().List(ctx, org)
}

// authorityVerifyKey resolves the sequester authority key fixed at
// bootstrap, stored as the first certificate of the sequester topic.
func (ss *SequesterService) authorityVerifyKey(ctx context.Context, org types.OrganizationID) ([]byte, error) {
	certs, err := ss.store.Certificates().Read(ctx, org, types.SequesterTopic(), nil)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, types.ErrSequesterDisabled
	}
	payload := certs[0].Signed
	if len(payload) > util.SignatureSize {
		payload = payload[util.SignatureSize:]
	}
	cert, err := types.DecodeCertificate(payload)
	if err != nil {
		return nil, err
	}
	authority, ok := cert.(types.SequesterAuthorityCertificate)
	if !ok {
		return nil, types.ErrInvalidCertificate
	}
	return authority.VerifyKeyDer, nil
}

// CreateService registers a new escrow service from an authority-signed
// service certificate. serviceType selects storage or webhook behavior;
// webhookURL is required for webhook services.
func (ss *SequesterService) CreateService(ctx context.Context, org types.OrganizationID, signed []byte, serviceType types.SequesterServiceType, webhookURL string, now types.Timestamp) (*types.SequesterService, error) {
	authorityKey, err := ss.authorityVerifyKey(ctx, org)
	if err != nil {
		return nil, err
	}
	cert, err := util.VerifyRootCertificate(authorityKey, signed)
	if err != nil {
		return nil, err
	}
	service, ok := cert.(types.SequesterServiceCertificate)
	if !ok {
		return nil, types.ErrInvalidCertificate
	}
	if serviceType == types.SequesterServiceWebhook && webhookURL == "" {
		return nil, types.ErrInvalidCertificate
	}
	if err := util.CheckBallpark(service.Timestamp, now); err != nil {
		return nil, err
	}
	created := &types.SequesterService{
		ID:               service.ServiceID,
		Type:             serviceType,
		Label:            service.ServiceLabel,
		CreatedOn:        service.Timestamp,
		WebhookURL:       webhookURL,
		EncryptionKeyDer: service.EncryptionKeyDer,
	}
	data := repository.CreateSequesterService{
		Service:     *created,
		Certificate: signed,
		Timestamp:   service.Timestamp,
	}
	if err := ss.store.Sequester().Create(ctx, org, data); err != nil {
		return nil, err
	}
	ss.events.Publish(org, types.EventSequesterCertificate{Timestamp: service.Timestamp})
	return created, nil
}

// RevokeService retires an escrow service from an authority-signed
// revocation certificate.
func (ss *SequesterService) RevokeService(ctx context.Context, org types.OrganizationID, signed []byte, now types.Timestamp) error {
	authorityKey, err := ss.authorityVerifyKey(ctx, org)
	if err != nil {
		return err
	}
	cert, err := util.VerifyRootCertificate(authorityKey, signed)
	if err != nil {
		return err
	}
	revoked, ok := cert.(types.SequesterRevokedServiceCertificate)
	if !ok {
		return types.ErrInvalidCertificate
	}
	if err := util.CheckBallpark(revoked.Timestamp, now); err != nil {
		return err
	}
	data := repository.RevokeSequesterService{
		ServiceID:   revoked.ServiceID,
		Certificate: signed,
		Timestamp:   revoked.Timestamp,
	}
	if err := ss.store.Sequester().Revoke(ctx, org, data); err != nil {
		return err
	}
	ss.events.Publish(org, types.EventSequesterCertificate{Timestamp: revoked.Timestamp})
	return nil
}

type webhookRejection struct {
	Reason string `json:"reason"`
}

// NotifyKeyRotation calls every active webhook service synchronously with
// its sealed keys-bundle access before the rotation commits. Any rejection
// vetoes the rotation; a transport failure surfaces as unavailability so
// the client retries later.
func (ss *SequesterService) NotifyKeyRotation(ctx context.Context, org types.OrganizationID, realm types.RealmID, keyIndex uint64, services []*types.SequesterService, perService map[types.SequesterServiceID][]byte) error {
	for _, service := range services {
		if service.IsRevoked() || service.Type != types.SequesterServiceWebhook {
			continue
		}
		rejection := &webhookRejection{}
		started := time.Now()
		resp, err := ss.restyClient.R().
			SetContext(ctx).
			SetQueryParam("organization_id", string(org)).
			SetQueryParam("service_id", service.ID.String()).
			SetQueryParam("realm_id", realm.String()).
			SetQueryParam("key_index", strconv.FormatUint(keyIndex, 10)).
			SetBody(perService[service.ID]).
			SetError(rejection).
			Post(service.WebhookURL)
		metrics.SequesterWebhookLatency.Observe(float64(time.Since(started).Milliseconds()))
		if err != nil {
			global.Logger.Log("msg", "sequester webhook unreachable", "service", service.ID.String(), "err", err)
			return &types.SequesterServiceUnavailableError{ServiceID: service.ID}
		}
		switch {
		case resp.IsSuccess():
		case resp.StatusCode() == 400:
			return &types.RejectedBySequesterServiceError{ServiceID: service.ID, Reason: rejection.Reason}
		default:
			global.Logger.Log("msg", "sequester webhook error status", "service", service.ID.String(), "status", resp.StatusCode())
			return &types.SequesterServiceUnavailableError{ServiceID: service.ID}
		}
	}
	return nil
}
