package util

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/parsec-cloud/go-parsec-server/types"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidKey       = errors.New("invalid key")
	ErrDecryptFailed    = errors.New("decryption failed")
)

const (
	SignatureSize    = ed25519.SignatureSize
	SecretKeySize    = 32
	secretboxNonceSize = 24
)

// GenerateSigningKeyPair returns a fresh ed25519 device keypair.
func GenerateSigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign produces the wire form of a signed payload: signature || payload.
func Sign(signingKey ed25519.PrivateKey, payload []byte) []byte {
	signature := ed25519.Sign(signingKey, payload)
	signed := make([]byte, 0, len(signature)+len(payload))
	signed = append(signed, signature...)
	return append(signed, payload...)
}

// Verify checks signature || payload against the verify key and returns the
// payload.
func Verify(verifyKey []byte, signed []byte) ([]byte, error) {
	if len(verifyKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	if len(signed) < SignatureSize {
		return nil, ErrInvalidSignature
	}
	signature, payload := signed[:SignatureSize], signed[SignatureSize:]
	if !ed25519.Verify(ed25519.PublicKey(verifyKey), payload, signature) {
		return nil, ErrInvalidSignature
	}
	return payload, nil
}

// Encrypt seals data with xsalsa20-poly1305; the nonce is prepended.
func Encrypt(key []byte, data []byte) ([]byte, error) {
	if len(key) != SecretKeySize {
		return nil, ErrInvalidKey
	}
	var k [SecretKeySize]byte
	copy(k[:], key)
	var nonce [secretboxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], data, &nonce, &k), nil
}

// Decrypt opens a nonce-prefixed secretbox ciphertext.
func Decrypt(key []byte, ciphered []byte) ([]byte, error) {
	if len(key) != SecretKeySize {
		return nil, ErrInvalidKey
	}
	if len(ciphered) < secretboxNonceSize {
		return nil, ErrDecryptFailed
	}
	var k [SecretKeySize]byte
	copy(k[:], key)
	var nonce [secretboxNonceSize]byte
	copy(nonce[:], ciphered[:secretboxNonceSize])
	plain, ok := secretbox.Open(nil, ciphered[secretboxNonceSize:], &nonce, &k)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// HashToken derives a storage-safe digest of a secret token so the raw value
// never reaches the repository.
func HashToken(token string) string {
	digest := blake2b.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// GenerateToken returns a random url-safe secret of n bytes entropy.
func GenerateToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// VerifyCertificate runs the full acceptance pipeline of a signed
// certificate: parse, signature check against the claimed author's device
// verify key, author consistency. The ballpark check is the caller's
// responsibility (it needs server time and config).
func VerifyCertificate(verifyKey []byte, signed []byte, claimedAuthor types.DeviceID) (types.Certificate, error) {
	payload, err := Verify(verifyKey, signed)
	if err != nil {
		return nil, types.ErrInvalidCertificate
	}
	cert, err := types.DecodeCertificate(payload)
	if err != nil {
		return nil, types.ErrInvalidCertificate
	}
	author := cert.CertificateAuthor()
	if author == nil || *author != claimedAuthor {
		return nil, types.ErrInvalidCertificate
	}
	return cert, nil
}

// VerifyRootCertificate verifies a certificate signed by the organization
// root key (author must be absent).
func VerifyRootCertificate(rootVerifyKey []byte, signed []byte) (types.Certificate, error) {
	payload, err := Verify(rootVerifyKey, signed)
	if err != nil {
		return nil, types.ErrInvalidCertificate
	}
	cert, err := types.DecodeCertificate(payload)
	if err != nil {
		return nil, types.ErrInvalidCertificate
	}
	if cert.CertificateAuthor() != nil {
		return nil, types.ErrInvalidCertificate
	}
	return cert, nil
}
