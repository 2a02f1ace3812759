package vault

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// blobVersion is prepended to every ciphertext and authenticated as AAD, so
// tampering with it fails decryption.
const blobVersion byte = 0x01

// blobOverhead is 1 (version) + 24 (nonce) + 16 (tag).
const blobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var (
	// ErrDecrypt is returned for ciphertext that fails authentication: wrong
	// key, truncated or tampered data, or an unsupported format version.
	ErrDecrypt = errors.New("credential decryption failed")
	// ErrInvalidPayload is returned when a decrypted blob is not a valid Payload.
	ErrInvalidPayload = errors.New("invalid credential payload")
)

// Vault seals credential payloads with XChaCha20-Poly1305 under a key
// derived from the process master key. Ciphertext layout:
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
//
// A Vault is safe for concurrent use.
type Vault struct {
	key []byte
}

// New derives the credential encryption key from the master key.
func New(master *MasterKey) (*Vault, error) {
	key, err := master.Derive(infoCredentials)
	if err != nil {
		return nil, err
	}
	return &Vault{key: key}, nil
}

// Encrypt serializes and seals a payload.
func (v *Vault) Encrypt(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return v.EncryptBytes(plaintext)
}

// Decrypt opens and deserializes a payload produced by Encrypt.
func (v *Vault) Decrypt(ciphertext []byte) (Payload, error) {
	plaintext, err := v.DecryptBytes(ciphertext)
	if err != nil {
		return Payload{}, err
	}
	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// EncryptString seals a short string such as a pending PKCE verifier.
func (v *Vault) EncryptString(s string) ([]byte, error) {
	return v.EncryptBytes([]byte(s))
}

// DecryptString opens a value produced by EncryptString.
func (v *Vault) DecryptString(ciphertext []byte) (string, error) {
	b, err := v.DecryptBytes(ciphertext)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncryptBytes seals arbitrary plaintext.
func (v *Vault) EncryptBytes(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, blobOverhead+len(plaintext))
	out[0] = blobVersion
	copy(out[1:], nonce[:])

	return aead.Seal(out, nonce[:], plaintext, []byte{blobVersion}), nil
}

// DecryptBytes opens a blob produced by EncryptBytes.
func (v *Vault) DecryptBytes(blob []byte) ([]byte, error) {
	if len(blob) < blobOverhead {
		return nil, fmt.Errorf("%w: blob is %d bytes, minimum is %d", ErrDecrypt, len(blob), blobOverhead)
	}
	version := blob[0]
	if version != blobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrDecrypt, version)
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], []byte{version})
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
