package oauth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPKCE(t *testing.T) {
	p := GeneratePKCE()
	assert.GreaterOrEqual(t, len(p.Verifier), 43)
	assert.True(t, VerifyPKCE(p.Verifier, p.Challenge))
	assert.False(t, VerifyPKCE(p.Verifier+"x", p.Challenge))
	assert.False(t, VerifyPKCE("", p.Challenge))
	assert.NotEqual(t, p.Verifier, GeneratePKCE().Verifier)
}

func TestPKCE_RFC7636Vector(t *testing.T) {
	// Appendix B of RFC 7636.
	assert.True(t, VerifyPKCE(
		"dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk",
		"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
	))
}

func TestRandomTokenAndHash(t *testing.T) {
	a, err := RandomToken()
	require.NoError(t, err)
	b, err := RandomToken()
	require.NoError(t, err)
	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
	assert.Len(t, HashToken(a), 64)
	assert.Equal(t, HashToken(a), HashToken(a))
}

func TestParseWWWAuthenticate(t *testing.T) {
	c, err := ParseWWWAuthenticate(`Bearer realm="mcp", resource_metadata="https://x.example.com/.well-known/oauth-protected-resource", error="invalid_token"`)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", c.Scheme)
	assert.Equal(t, "mcp", c.Realm)
	assert.Equal(t, "https://x.example.com/.well-known/oauth-protected-resource", c.ResourceMetadataURL)
	assert.Equal(t, "invalid_token", c.Error)

	c, err = ParseWWWAuthenticate("Bearer")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", c.Scheme)

	_, err = ParseWWWAuthenticate("  ")
	assert.Error(t, err)
}

func TestBuildWWWAuthenticate_RoundTrip(t *testing.T) {
	header := BuildWWWAuthenticate("https://b.example.com/.well-known/oauth-protected-resource", ErrorInvalidToken, `bad "token"`)
	c, err := ParseWWWAuthenticate(header)
	require.NoError(t, err)
	assert.Equal(t, "https://b.example.com/.well-known/oauth-protected-resource", c.ResourceMetadataURL)
	assert.Equal(t, ErrorInvalidToken, c.Error)
	assert.Equal(t, "bad 'token'", c.ErrorDescription)

	assert.Equal(t, "Bearer", BuildWWWAuthenticate("", "", ""))
}

func TestChallengeFromResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("WWW-Authenticate", `Bearer resource_metadata="https://m.example.com/prm"`)
	rec.WriteHeader(http.StatusUnauthorized)
	c := ChallengeFromResponse(rec.Result())
	require.NotNil(t, c)
	assert.Equal(t, "https://m.example.com/prm", c.ResourceMetadataURL)

	assert.Nil(t, ChallengeFromResponse(&http.Response{StatusCode: http.StatusOK}))
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, ErrorInvalidGrant, "code reused")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"error":"invalid_grant","error_description":"code reused"}`, rec.Body.String())
}

func TestNormalizeScope(t *testing.T) {
	assert.Equal(t, []string{"tools", "resources"}, NormalizeScope(" tools  resources tools "))
	assert.Empty(t, NormalizeScope(""))
}

func TestIs401Error(t *testing.T) {
	assert.False(t, Is401Error(nil))
	assert.True(t, Is401Error(errors.New("request failed with status 401")))
	assert.True(t, Is401Error(errors.New("Unauthorized")))
	assert.False(t, Is401Error(errors.New("connection refused")))
}
