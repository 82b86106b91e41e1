package helpers

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// HexToFixedBytes decodes a hex string and checks that it has exactly size bytes.
func HexToFixedBytes(s string, size int) ([]byte, error) {
	b, err := HexToBytes(s)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(b))
	}
	return b, nil
}

// BytesToHex converts bytes to a hex string without prefix. Nil encodes as "".
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}
