package services

import (
	"errors"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"

	"github.com/parsec-cloud/go-parsec-server/types"
	"github.com/parsec-cloud/go-parsec-server/util"
)

func TestSequesterDisabledWithoutAuthority(t *testing.T) {
	f := newFixture(t)
	_, err := f.sequester.CreateService(testCtx, f.org, []byte("whatever"), types.SequesterServiceStorage, "", f.tick())
	assert.ErrorIs(t, err, types.ErrSequesterDisabled)
}

func TestSequesterServiceLifecycle(t *testing.T) {
	f, authorityKey := newSequesteredFixture(t)

	ts := f.tick()
	serviceCert := types.SequesterServiceCertificate{
		Type:             types.CertTypeSequesterService,
		Timestamp:        ts,
		ServiceID:        newUUID(),
		ServiceLabel:     "legal escrow",
		EncryptionKeyDer: []byte("service-encryption-key-der"),
	}

	// a certificate signed with the wrong key never registers
	_, err := f.sequester.CreateService(testCtx, f.org, signCert(t, f.rootKey, serviceCert), types.SequesterServiceStorage, "", ts)
	assert.ErrorIs(t, err, util.ErrInvalidSignature)

	created, err := f.sequester.CreateService(testCtx, f.org, signCert(t, authorityKey, serviceCert), types.SequesterServiceStorage, "", ts)
	assert.NoError(t, err)
	assert.Equal(t, serviceCert.ServiceID, created.ID)
	assert.Equal(t, "legal escrow", created.Label)

	services, err := f.sequester.List(testCtx, f.org)
	assert.NoError(t, err)
	assert.Len(t, services, 1)
	assert.False(t, services[0].IsRevoked())

	revokeTs := f.tick()
	revokedCert := types.SequesterRevokedServiceCertificate{
		Type:      types.CertTypeSequesterRevokedService,
		Timestamp: revokeTs,
		ServiceID: serviceCert.ServiceID,
	}
	assert.NoError(t, f.sequester.RevokeService(testCtx, f.org, signCert(t, authorityKey, revokedCert), revokeTs))

	services, err = f.sequester.List(testCtx, f.org)
	assert.NoError(t, err)
	assert.Len(t, services, 1)
	assert.True(t, services[0].IsRevoked())

	err = f.sequester.RevokeService(testCtx, f.org, signCert(t, authorityKey, revokedCert), revokeTs)
	assert.Error(t, err)
}

func TestSequesterWebhookRequiresURL(t *testing.T) {
	f, authorityKey := newSequesteredFixture(t)
	ts := f.tick()
	serviceCert := types.SequesterServiceCertificate{
		Type:             types.CertTypeSequesterService,
		Timestamp:        ts,
		ServiceID:        newUUID(),
		ServiceLabel:     "webhook escrow",
		EncryptionKeyDer: []byte("key-der"),
	}
	_, err := f.sequester.CreateService(testCtx, f.org, signCert(t, authorityKey, serviceCert), types.SequesterServiceWebhook, "", ts)
	assert.ErrorIs(t, err, types.ErrInvalidCertificate)
}

func TestNotifyKeyRotationWebhookVerdicts(t *testing.T) {
	f := newFixture(t)
	httpmock.ActivateNonDefault(f.sequester.restyClient.GetClient())
	defer httpmock.DeactivateAndReset()

	realm := types.RealmID(newUUID())
	webhook := &types.SequesterService{
		ID:         newUUID(),
		Type:       types.SequesterServiceWebhook,
		Label:      "escrow",
		WebhookURL: "https://escrow.example.com/rotations",
	}
	perService := map[types.SequesterServiceID][]byte{webhook.ID: []byte("sealed-access")}

	httpmock.RegisterResponder("POST", "https://escrow.example.com/rotations",
		httpmock.NewStringResponder(200, ""))
	assert.NoError(t, f.sequester.NotifyKeyRotation(testCtx, f.org, realm, 2, []*types.SequesterService{webhook}, perService))

	httpmock.RegisterResponder("POST", "https://escrow.example.com/rotations",
		httpmock.NewJsonResponderOrPanic(400, map[string]string{"reason": "key index not accepted"}))
	err := f.sequester.NotifyKeyRotation(testCtx, f.org, realm, 2, []*types.SequesterService{webhook}, perService)
	var rejected *types.RejectedBySequesterServiceError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedBySequesterServiceError, got %v", err)
	}
	assert.Equal(t, webhook.ID, rejected.ServiceID)
	assert.Equal(t, "key index not accepted", rejected.Reason)

	httpmock.RegisterResponder("POST", "https://escrow.example.com/rotations",
		httpmock.NewStringResponder(503, "maintenance"))
	err = f.sequester.NotifyKeyRotation(testCtx, f.org, realm, 2, []*types.SequesterService{webhook}, perService)
	var unavailable *types.SequesterServiceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected SequesterServiceUnavailableError, got %v", err)
	}
}

func TestNotifyKeyRotationSkipsInertServices(t *testing.T) {
	f := newFixture(t)
	httpmock.ActivateNonDefault(f.sequester.restyClient.GetClient())
	defer httpmock.DeactivateAndReset()

	revoked := &types.SequesterService{
		ID:         newUUID(),
		Type:       types.SequesterServiceWebhook,
		WebhookURL: "https://escrow.example.com/revoked",
		RevokedOn:  types.Now(),
	}
	storage := &types.SequesterService{
		ID:   newUUID(),
		Type: types.SequesterServiceStorage,
	}
	err := f.sequester.NotifyKeyRotation(testCtx, f.org, types.RealmID(newUUID()), 1,
		[]*types.SequesterService{revoked, storage}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}
