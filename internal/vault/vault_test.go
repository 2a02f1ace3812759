package vault

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T, fill byte) *Vault {
	t.Helper()
	mk, err := NewMasterKey(bytes.Repeat([]byte{fill}, KeySize))
	require.NoError(t, err)
	v, err := New(mk)
	require.NoError(t, err)
	return v
}

func TestVault_RoundTrip(t *testing.T) {
	v := newTestVault(t, 0x01)

	tests := []struct {
		name    string
		payload Payload
	}{
		{"api key", APIKeyPayload("sk-live-123")},
		{"oauth", OAuthPayload(TokenSet{
			AccessToken:  "at",
			RefreshToken: "rt",
			TokenType:    "Bearer",
			Expiry:       time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
			Scope:        "repo read:user",
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := v.Encrypt(tt.payload)
			require.NoError(t, err)
			assert.NotContains(t, string(ct), "sk-live-123")

			got, err := v.Decrypt(ct)
			require.NoError(t, err)
			assert.Equal(t, tt.payload.Kind, got.Kind)
			assert.Equal(t, tt.payload.APIKey, got.APIKey)
			if tt.payload.Token != nil {
				require.NotNil(t, got.Token)
				assert.Equal(t, tt.payload.Token.AccessToken, got.Token.AccessToken)
				assert.True(t, tt.payload.Token.Expiry.Equal(got.Token.Expiry))
			}
		})
	}
}

func TestVault_NonceIsFresh(t *testing.T) {
	v := newTestVault(t, 0x02)
	a, err := v.EncryptString("same")
	require.NoError(t, err)
	b, err := v.EncryptString("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVault_WrongKeyFails(t *testing.T) {
	ct, err := newTestVault(t, 0x01).Encrypt(APIKeyPayload("secret"))
	require.NoError(t, err)

	_, err = newTestVault(t, 0x02).Decrypt(ct)
	assert.True(t, errors.Is(err, ErrDecrypt), "got %v", err)
}

func TestVault_TamperingFails(t *testing.T) {
	v := newTestVault(t, 0x03)
	ct, err := v.EncryptString("verifier")
	require.NoError(t, err)

	t.Run("flipped ciphertext byte", func(t *testing.T) {
		bad := append([]byte(nil), ct...)
		bad[len(bad)-1] ^= 0xff
		_, err := v.DecryptString(bad)
		assert.ErrorIs(t, err, ErrDecrypt)
	})
	t.Run("flipped version byte", func(t *testing.T) {
		bad := append([]byte(nil), ct...)
		bad[0] = 0x02
		_, err := v.DecryptString(bad)
		assert.ErrorIs(t, err, ErrDecrypt)
	})
	t.Run("truncated", func(t *testing.T) {
		_, err := v.DecryptString(ct[:10])
		assert.ErrorIs(t, err, ErrDecrypt)
	})
}

func TestPayload_Validate(t *testing.T) {
	assert.Error(t, Payload{Kind: PayloadAPIKey}.Validate())
	assert.Error(t, Payload{Kind: PayloadOAuth}.Validate())
	assert.Error(t, Payload{Kind: "other", APIKey: "x"}.Validate())
	assert.NoError(t, APIKeyPayload("k").Validate())
}

func TestTokenSet_Expired(t *testing.T) {
	assert.False(t, TokenSet{}.Expired(time.Minute), "no expiry never expires")
	assert.True(t, TokenSet{Expiry: time.Now().Add(10 * time.Second)}.Expired(30*time.Second))
	assert.False(t, TokenSet{Expiry: time.Now().Add(time.Hour)}.Expired(30*time.Second))
	assert.NotContains(t, TokenSet{AccessToken: "leak", RefreshToken: "leak2"}.String(), "leak")
}

func TestMasterKey(t *testing.T) {
	encoded, err := GenerateMasterKey()
	require.NoError(t, err)

	t.Setenv("TEST_BROKER_KEY", encoded)
	mk, err := LoadMasterKeyFromEnv("TEST_BROKER_KEY")
	require.NoError(t, err)

	enc, err := mk.Derive(infoCredentials)
	require.NoError(t, err)
	sig, err := mk.SigningKey()
	require.NoError(t, err)
	assert.Len(t, enc, KeySize)
	assert.NotEqual(t, enc, sig, "derived keys must be domain separated")

	_, err = LoadMasterKeyFromEnv("TEST_BROKER_KEY_UNSET")
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = ParseMasterKey("c2hvcnQ=")
	assert.Error(t, err)
}
