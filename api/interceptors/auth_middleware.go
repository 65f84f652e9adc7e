package interceptors

import (
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v3"

	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
)

// Custom statuses distinguishing the reason an authenticated author is
// turned away; plain 403 covers everything else.
const (
	StatusAuthorRevoked  = 461
	StatusUserFrozen     = 462
	StatusTosNotAccepted = 463
)

type authClaims struct {
	OrganizationID string `json:"organization_id"`
	DeviceID       string `json:"device_id"`
	Exp            int64  `json:"exp"`
}

// AuthMiddleware authenticates a device. The Authorization header carries a
// compact JWS signed with the device signing key; the payload names the
// organization and device so the verify key can be looked up before the
// signature check. Revoked users get 461, frozen users 462.
func AuthMiddleware(store repository.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Authorization header is missing"})
			return
		}

		object, err := jose.ParseSigned(auth)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid JWS message"})
			return
		}

		// claims are needed to find the verify key, so they are read before
		// the signature check and trusted only after it passes
		var claims authClaims
		if uErr := json.Unmarshal(object.UnsafePayloadWithoutVerification(), &claims); uErr != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Failed to parse JWS payload"})
			return
		}
		if claims.Exp == 0 || claims.Exp < time.Now().Unix() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "JWS message expired"})
			return
		}

		orgID := types.OrganizationID(c.Param("organization_id"))
		if claims.OrganizationID != string(orgID) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Organization mismatch"})
			return
		}
		deviceID, dErr := types.ParseDeviceID(claims.DeviceID)
		if dErr != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid device id"})
			return
		}

		ctx := c.Request.Context()
		org, oErr := store.Organizations().Get(ctx, orgID)
		if oErr != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Unknown organization"})
			return
		}
		if org.IsExpired {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Organization expired"})
			return
		}
		device, devErr := store.Users().GetDevice(ctx, orgID, deviceID)
		if devErr != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Unknown device"})
			return
		}
		if _, vErr := object.Verify(ed25519.PublicKey(device.VerifyKey)); vErr != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Failed to verify JWS message"})
			return
		}

		user, uErr := store.Users().Get(ctx, orgID, deviceID.UserID)
		if uErr != nil {
			global.Logger.Log("msg", "authenticated device without user row", "device", claims.DeviceID, "err", uErr.Error())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Unknown user"})
			return
		}
		if user.IsRevoked() {
			c.AbortWithStatusJSON(StatusAuthorRevoked, gin.H{"error": "User is revoked"})
			return
		}
		if user.Frozen {
			c.AbortWithStatusJSON(StatusUserFrozen, gin.H{"error": "User is frozen"})
			return
		}

		c.Set("organization", org)
		c.Set("user", user)
		c.Set("device", device)
		c.Next()
	}
}

// GenerateAuthToken signs the auth claims for a device. Used by tests and
// client tooling.
func GenerateAuthToken(signingKey ed25519.PrivateKey, org types.OrganizationID, device types.DeviceID, validity time.Duration) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: signingKey}, nil)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(authClaims{
		OrganizationID: string(org),
		DeviceID:       device.String(),
		Exp:            time.Now().Add(validity).Unix(),
	})
	if err != nil {
		return "", err
	}
	object, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return object.CompactSerialize()
}
