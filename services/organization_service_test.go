package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/parsec-cloud/go-parsec-server/types"
	"github.com/parsec-cloud/go-parsec-server/util"
)

func TestBootstrapFixesRootKey(t *testing.T) {
	f := newFixture(t)

	org, err := f.orgs.Get(testCtx, f.org)
	assert.NoError(t, err)
	assert.True(t, org.IsBootstrapped())

	// the four bootstrap certificates land in the common topic
	certs, err := f.store.Certificates().Read(testCtx, f.org, types.CommonTopic(), nil)
	assert.NoError(t, err)
	assert.Len(t, certs, 4)
}

func TestBootstrapRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	orgID := types.OrganizationID("SecondOrg")
	token := "expected-token"
	_, err := f.orgs.Create(testCtx, orgID, &token)
	assert.NoError(t, err)

	wrong := "wrong-token"
	err = f.orgs.Bootstrap(testCtx, orgID, &types.OrganizationBootstrapRequest{
		BootstrapToken: &wrong,
	}, f.tick())
	assert.ErrorIs(t, err, types.ErrInvalidBootstrapToken)

	err = f.orgs.Bootstrap(testCtx, orgID, &types.OrganizationBootstrapRequest{}, f.tick())
	assert.ErrorIs(t, err, types.ErrInvalidBootstrapToken)
}

func TestBootstrapOnlyOnce(t *testing.T) {
	f := newFixture(t)
	token := "bootstrap-token"
	err := f.orgs.Bootstrap(testCtx, f.org, &types.OrganizationBootstrapRequest{
		BootstrapToken: &token,
	}, f.tick())
	assert.ErrorIs(t, err, types.ErrAlreadyBootstrapped)
}

func TestBootstrapBallpark(t *testing.T) {
	f := newFixture(t)
	orgID := types.OrganizationID("LateOrg")
	_, err := f.orgs.Create(testCtx, orgID, nil)
	assert.NoError(t, err)

	rootPub, rootKey, err := util.GenerateSigningKeyPair()
	assert.NoError(t, err)
	devicePub, _, err := util.GenerateSigningKeyPair()
	assert.NoError(t, err)

	now := f.tick()
	stale := now.Add(-time.Hour)
	alice := f.alice
	label := "laptop"
	userCert := types.UserCertificate{
		Type:        types.CertTypeUser,
		Timestamp:   stale,
		UserID:      alice.user,
		HumanHandle: &types.HumanHandle{Email: "late@example.com", Label: "Late"},
		PublicKey:   []byte("pk"),
		Profile:     types.ProfileAdmin,
	}
	redUser := userCert
	redUser.HumanHandle = nil
	deviceCert := types.DeviceCertificate{
		Type:        types.CertTypeDevice,
		Timestamp:   stale,
		DeviceID:    types.DeviceID{UserID: alice.user, Name: "late"},
		DeviceLabel: &label,
		VerifyKey:   devicePub,
	}
	redDevice := deviceCert
	redDevice.DeviceLabel = nil

	err = f.orgs.Bootstrap(testCtx, orgID, &types.OrganizationBootstrapRequest{
		RootVerifyKey:             rootPub,
		UserCertificate:           signCert(t, rootKey, userCert),
		DeviceCertificate:         signCert(t, rootKey, deviceCert),
		RedactedUserCertificate:   signCert(t, rootKey, redUser),
		RedactedDeviceCertificate: signCert(t, rootKey, redDevice),
	}, now)
	var ballpark *types.TimestampOutOfBallparkError
	if !errors.As(err, &ballpark) {
		t.Fatalf("expected TimestampOutOfBallparkError, got %v", err)
	}
	assert.Equal(t, stale, ballpark.ClientTimestamp)
}

func TestOrganizationUpdateEvents(t *testing.T) {
	f := newFixture(t)
	sub := f.events.Subscribe(f.org, f.alice.user)
	defer sub.Close()

	limit := 10
	_, err := f.orgs.Update(testCtx, f.org, types.OrganizationUpdate{
		SetActiveUsersLimit: true,
		ActiveUsersLimit:    &limit,
	})
	assert.NoError(t, err)

	expired := true
	_, err = f.orgs.Update(testCtx, f.org, types.OrganizationUpdate{IsExpired: &expired})
	assert.NoError(t, err)

	events := drain(sub)
	var sawConfig, sawExpired bool
	for _, event := range events {
		switch e := event.(type) {
		case types.EventServerConfig:
			sawConfig = true
			assert.Equal(t, 10, *e.ActiveUsersLimit)
		case types.EventOrganizationExpired:
			sawExpired = true
		}
	}
	assert.True(t, sawConfig)
	assert.True(t, sawExpired)

	// an expired organization refuses authenticated work
	_, loadErr := loadAuthor(testCtx, f.store, f.org, f.alice.device)
	assert.ErrorIs(t, loadErr, types.ErrOrganizationExpired)
}

func TestOrganizationTosUpdate(t *testing.T) {
	f := newFixture(t)
	tos := map[string]string{"en": "https://example.com/tos"}
	org, err := f.orgs.Update(testCtx, f.org, types.OrganizationUpdate{Tos: &tos})
	assert.NoError(t, err)
	assert.False(t, org.TosUpdatedOn.IsZero())

	got, err := f.users.TosGet(testCtx, f.org, f.alice.device)
	assert.NoError(t, err)
	assert.Equal(t, org.TosUpdatedOn, got.UpdatedOn)

	// stale acceptance is refused, fresh one recorded
	err = f.users.TosAccept(testCtx, f.org, f.alice.device, org.TosUpdatedOn-1)
	assert.ErrorIs(t, err, types.ErrTosNotAccepted)
	assert.NoError(t, f.users.TosAccept(testCtx, f.org, f.alice.device, org.TosUpdatedOn))

	user, err := f.store.Users().Get(testCtx, f.org, f.alice.user)
	assert.NoError(t, err)
	assert.False(t, user.TosAcceptedOn.IsZero())
}
