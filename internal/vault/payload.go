package vault

import (
	"fmt"
	"time"
)

// PayloadKind discriminates the contents of a Payload.
type PayloadKind string

const (
	PayloadAPIKey PayloadKind = "api_key"
	PayloadOAuth  PayloadKind = "oauth"
)

// Payload is the plaintext form of a stored credential. Exactly one of APIKey
// or Token is set, according to Kind.
type Payload struct {
	Kind   PayloadKind `json:"kind"`
	APIKey string      `json:"apiKey,omitempty"`
	Token  *TokenSet   `json:"token,omitempty"`
}

// TokenSet is an OAuth token pair obtained from a third-party provider.
type TokenSet struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenType    string    `json:"tokenType,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

// APIKeyPayload builds an api_key payload.
func APIKeyPayload(key string) Payload {
	return Payload{Kind: PayloadAPIKey, APIKey: key}
}

// OAuthPayload builds an oauth payload.
func OAuthPayload(t TokenSet) Payload {
	return Payload{Kind: PayloadOAuth, Token: &t}
}

// Validate checks the payload shape matches its kind.
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadAPIKey:
		if p.APIKey == "" || p.Token != nil {
			return fmt.Errorf("%w: api_key payload must carry only a key", ErrInvalidPayload)
		}
	case PayloadOAuth:
		if p.Token == nil || p.Token.AccessToken == "" || p.APIKey != "" {
			return fmt.Errorf("%w: oauth payload must carry only a token set", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, string(p.Kind))
	}
	return nil
}

// Expired reports whether the access token expires within margin. Tokens
// without an expiry never expire.
func (t TokenSet) Expired(margin time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.Expiry)
}

// String never reveals token material.
func (t TokenSet) String() string {
	return fmt.Sprintf("TokenSet{type=%s expiry=%s refresh=%t}", t.TokenType, t.Expiry.Format(time.RFC3339), t.RefreshToken != "")
}
