package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of the master key and every derived key.
const KeySize = 32

// HKDF info strings give each derived key its own domain. Changing one
// invalidates everything sealed or signed under it.
var (
	infoCredentials = []byte("broker.vault.credentials.v1")
	infoSigning     = []byte("broker.authserver.signing.v1")
)

// ErrMissingKey is returned when the master key environment variable is unset.
var ErrMissingKey = errors.New("vault master key is not set")

// MasterKey is the process-wide root secret. It is loaded once at startup
// and never persisted.
type MasterKey struct {
	raw []byte
}

// NewMasterKey wraps raw key material, which must be KeySize bytes.
func NewMasterKey(raw []byte) (*MasterKey, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("vault master key must be %d bytes, got %d", KeySize, len(raw))
	}
	cp := make([]byte, KeySize)
	copy(cp, raw)
	return &MasterKey{raw: cp}, nil
}

// ParseMasterKey decodes a base64 (standard or URL alphabet) master key.
func ParseMasterKey(encoded string) (*MasterKey, error) {
	encoded = strings.TrimSpace(encoded)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(encoded); err == nil {
			return NewMasterKey(raw)
		}
	}
	return nil, fmt.Errorf("vault master key is not valid base64")
}

// LoadMasterKeyFromEnv reads and decodes the master key from envVar.
func LoadMasterKeyFromEnv(envVar string) (*MasterKey, error) {
	encoded := os.Getenv(envVar)
	if encoded == "" {
		return nil, fmt.Errorf("%w: environment variable %s is empty", ErrMissingKey, envVar)
	}
	return ParseMasterKey(encoded)
}

// GenerateMasterKey returns a fresh random key encoded for the environment.
func GenerateMasterKey() (string, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generating master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Derive returns a KeySize key for the given HKDF-SHA256 info string.
func (m *MasterKey) Derive(info []byte) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, m.raw, nil, info), out); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return out, nil
}

// SigningKey returns the key used to sign inbound access tokens.
func (m *MasterKey) SigningKey() ([]byte, error) {
	return m.Derive(infoSigning)
}
