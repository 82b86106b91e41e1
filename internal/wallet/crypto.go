package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"

	"github.com/klingon-exchange/swapkit/internal/chain"
)

// Argon2id parameters for the seed file key.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32
)

// Password limits.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ErrWrongPassword is returned when the seed file cannot be decrypted.
var ErrWrongPassword = errors.New("failed to decrypt seed (wrong password?)")

// EncryptedSeed is the on-disk form of an encrypted mnemonic.
type EncryptedSeed struct {
	Version     int    `json:"version"`
	Network     string `json:"network,omitempty"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// EncryptMnemonic encrypts a mnemonic with Argon2id + AES-256-GCM.
func EncryptMnemonic(mnemonic, password string) (*EncryptedSeed, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := seedCipher(password, salt, argon2Time, argon2Memory, argon2Parallelism)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedSeed{
		Version:     1,
		Ciphertext:  gcm.Seal(nil, nonce, []byte(mnemonic), nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}, nil
}

// DecryptMnemonic decrypts an encrypted seed. Zero KDF parameters fall back
// to the current defaults.
func DecryptMnemonic(encrypted *EncryptedSeed, password string) (string, error) {
	t, m, p := encrypted.Time, encrypted.Memory, encrypted.Parallelism
	if t == 0 {
		t = argon2Time
	}
	if m == 0 {
		m = argon2Memory
	}
	if p == 0 {
		p = argon2Parallelism
	}

	gcm, err := seedCipher(password, encrypted.Salt, t, m, p)
	if err != nil {
		return "", err
	}
	if len(encrypted.Nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("invalid nonce size %d", len(encrypted.Nonce))
	}

	plaintext, err := gcm.Open(nil, encrypted.Nonce, encrypted.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	defer SecureClear(plaintext)

	return string(plaintext), nil
}

func seedCipher(password string, salt []byte, t, m uint32, p uint8) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), salt, t, m, p, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SaveEncryptedSeed writes an encrypted seed to path with mode 0600.
func SaveEncryptedSeed(encrypted *EncryptedSeed, path string) error {
	if err := ValidateFilePath(path); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.Marshal(encrypted)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadEncryptedSeed reads an encrypted seed from path.
func LoadEncryptedSeed(path string) (*EncryptedSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var encrypted EncryptedSeed
	if err := json.Unmarshal(data, &encrypted); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}
	return &encrypted, nil
}

// Open loads the wallet in the seed file at path. If the file does not exist a
// new mnemonic is generated, encrypted and saved, and returned so the caller
// can show it once; for an existing file the returned mnemonic is empty.
func Open(path, password string, network chain.Network) (*Wallet, string, error) {
	encrypted, err := LoadEncryptedSeed(path)
	if errors.Is(err, os.ErrNotExist) {
		return create(path, password, network)
	}
	if err != nil {
		return nil, "", err
	}

	if encrypted.Network != "" && encrypted.Network != string(network) {
		return nil, "", fmt.Errorf("seed file %s is for %s, not %s", path, encrypted.Network, network)
	}

	mnemonic, err := DecryptMnemonic(encrypted, password)
	if err != nil {
		return nil, "", err
	}

	w, err := NewFromMnemonic(mnemonic, "", network)
	if err != nil {
		return nil, "", err
	}
	return w, "", nil
}

func create(path, password string, network chain.Network) (*Wallet, string, error) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		return nil, "", err
	}

	encrypted, err := EncryptMnemonic(mnemonic, password)
	if err != nil {
		return nil, "", err
	}
	encrypted.Network = string(network)

	if err := SaveEncryptedSeed(encrypted, path); err != nil {
		return nil, "", err
	}

	w, err := NewFromMnemonic(mnemonic, "", network)
	if err != nil {
		return nil, "", err
	}
	return w, mnemonic, nil
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// ValidatePassword requires 8 to 256 characters and at least 3 of the
// 4 character classes.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	var classes [4]bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			classes[0] = true
		case unicode.IsLower(char):
			classes[1] = true
		case unicode.IsNumber(char):
			classes[2] = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			classes[3] = true
		}
	}

	complexity := 0
	for _, ok := range classes {
		if ok {
			complexity++
		}
	}
	if complexity < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}
	return nil
}

// ValidateFilePath rejects empty, relative traversal and non-UTF-8 paths.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if filepath.Clean(path) != path && !filepath.IsAbs(path) {
		return fmt.Errorf("suspicious path (potential traversal): %s", path)
	}
	if !utf8.ValidString(path) {
		return fmt.Errorf("path contains invalid UTF-8")
	}
	return nil
}
