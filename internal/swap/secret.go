package swap

import (
	"crypto/sha256"
	"fmt"

	"github.com/klingon-exchange/swapkit/pkg/helpers"
)

// GenerateSecret generates a cryptographically secure 32-byte secret
// and returns both the secret and its SHA256 hash.
func GenerateSecret() (secret, hash []byte, err error) {
	secret, err = helpers.GenerateSecureRandom(SecretSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, HashSecret(secret), nil
}

// HashSecret computes SHA256 of the secret.
func HashSecret(secret []byte) []byte {
	hash := sha256.Sum256(secret)
	return hash[:]
}

// VerifySecret checks if a secret matches the expected hash.
func VerifySecret(secret, expectedHash []byte) bool {
	if len(secret) != SecretSize || len(expectedHash) != SecretSize {
		return false
	}
	return helpers.ConstantTimeCompare(HashSecret(secret), expectedHash)
}

// newSwapID returns 32 random bytes, hex encoded.
func newSwapID() (string, error) {
	id, err := helpers.GenerateRandomHex(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate swap id: %w", err)
	}
	return id, nil
}
