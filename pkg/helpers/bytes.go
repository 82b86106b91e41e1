// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// GenerateSecureRandom generates n cryptographically secure random bytes.
func GenerateSecureRandom(n int) ([]byte, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return nil, err
	}
	return bytes, nil
}

// GenerateRandomHex returns n secure random bytes encoded as lowercase hex.
func GenerateRandomHex(n int) (string, error) {
	b, err := GenerateSecureRandom(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ConstantTimeCompare compares two byte slices in constant time.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// CloneBytes returns a copy of b, preserving nil.
func CloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReverseBytes returns a reversed copy of b.
// Used to convert between internal and display byte order of tx hashes.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
