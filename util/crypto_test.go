package util

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/parsec-cloud/go-parsec-server/types"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateSigningKeyPair()
	assert.NoError(t, err)

	payload := []byte("attachment payload")
	signed := Sign(priv, payload)
	assert.Equal(t, SignatureSize+len(payload), len(signed))

	got, err := Verify(pub, signed)
	assert.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	pub, priv, err := GenerateSigningKeyPair()
	assert.NoError(t, err)

	signed := Sign(priv, []byte("original"))
	signed[len(signed)-1] ^= 0xff
	_, err = Verify(pub, signed)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv, err := GenerateSigningKeyPair()
	assert.NoError(t, err)
	otherPub, _, err := GenerateSigningKeyPair()
	assert.NoError(t, err)

	signed := Sign(priv, []byte("payload"))
	_, err = Verify(otherPub, signed)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	pub, _, err := GenerateSigningKeyPair()
	assert.NoError(t, err)

	_, err = Verify(pub, []byte("too short"))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = Verify([]byte("bad key"), make([]byte, SignatureSize+4))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, SecretKeySize)
	for i := range key {
		key[i] = byte(i)
	}

	plain := []byte("vlob blob contents")
	ciphered, err := Encrypt(key, plain)
	assert.NoError(t, err)
	assert.NotEqual(t, plain, ciphered)

	got, err := Decrypt(key, ciphered)
	assert.NoError(t, err)
	assert.Equal(t, plain, got)

	// each call picks a fresh nonce
	again, err := Encrypt(key, plain)
	assert.NoError(t, err)
	assert.NotEqual(t, ciphered, again)
}

func TestDecryptFailures(t *testing.T) {
	key := make([]byte, SecretKeySize)
	ciphered, err := Encrypt(key, []byte("payload"))
	assert.NoError(t, err)

	ciphered[len(ciphered)-1] ^= 0x01
	_, err = Decrypt(key, ciphered)
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = Decrypt(key, []byte("short"))
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = Decrypt([]byte("wrong size"), ciphered)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestHashTokenIsStableAndOpaque(t *testing.T) {
	a := HashToken("secret-token")
	b := HashToken("secret-token")
	c := HashToken("other-token")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotContains(t, a, "secret")
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken(32)
	assert.NoError(t, err)
	b, err := GenerateToken(32)
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}

func TestVerifyCertificateAuthorMismatch(t *testing.T) {
	pub, priv, err := GenerateSigningKeyPair()
	assert.NoError(t, err)

	author := types.DeviceID{UserID: uuid.New(), Name: "laptop"}
	cert := types.UserCertificate{
		Type:      types.CertTypeUser,
		Author:    &author,
		Timestamp: types.Now(),
		UserID:    uuid.New(),
		Profile:   types.ProfileStandard,
	}
	payload, err := types.EncodeCertificate(cert)
	assert.NoError(t, err)
	signed := Sign(priv, payload)

	got, err := VerifyCertificate(pub, signed, author)
	assert.NoError(t, err)
	assert.Equal(t, types.CertTypeUser, got.CertificateType())

	other := types.DeviceID{UserID: uuid.New(), Name: "laptop"}
	_, err = VerifyCertificate(pub, signed, other)
	assert.ErrorIs(t, err, types.ErrInvalidCertificate)
}

func TestVerifyRootCertificateRequiresAbsentAuthor(t *testing.T) {
	pub, priv, err := GenerateSigningKeyPair()
	assert.NoError(t, err)

	rootCert := types.UserCertificate{
		Type:      types.CertTypeUser,
		Timestamp: types.Now(),
		UserID:    uuid.New(),
		Profile:   types.ProfileAdmin,
	}
	payload, err := types.EncodeCertificate(rootCert)
	assert.NoError(t, err)

	got, err := VerifyRootCertificate(pub, Sign(priv, payload))
	assert.NoError(t, err)
	assert.Nil(t, got.CertificateAuthor())

	author := types.DeviceID{UserID: uuid.New(), Name: "pc"}
	authored := rootCert
	authored.Author = &author
	payload, err = types.EncodeCertificate(authored)
	assert.NoError(t, err)
	_, err = VerifyRootCertificate(pub, Sign(priv, payload))
	assert.ErrorIs(t, err, types.ErrInvalidCertificate)
}

func TestVerifyCertificateGarbagePayload(t *testing.T) {
	pub, priv, err := GenerateSigningKeyPair()
	assert.NoError(t, err)

	signed := Sign(priv, []byte("not a certificate"))
	_, err = VerifyCertificate(pub, signed, types.DeviceID{UserID: uuid.New(), Name: "x"})
	assert.ErrorIs(t, err, types.ErrInvalidCertificate)
}
