package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgoauth "github.com/ferrants/ChaasKit-sub001/pkg/oauth"
)

func TestMockClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	assert.Equal(t, start, c.Now())
	c.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), c.Now())
	c.Set(start)
	assert.Equal(t, start, c.Now())
	assert.False(t, NewMockClock(time.Time{}).Now().IsZero())
}

func TestOAuthServer_CodeFlow(t *testing.T) {
	clock := NewMockClock(time.Time{})
	srv := NewOAuthServer(t, OAuthServerConfig{Clock: clock, TokenLifetime: time.Minute})

	body, _ := json.Marshal(pkgoauth.ClientMetadata{ClientName: "t", RedirectURIs: []string{"http://localhost/cb"}})
	resp, err := http.Post(srv.URL()+"/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var reg pkgoauth.ClientMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	assert.Equal(t, int64(1), srv.Registrations())

	pkce := pkgoauth.GeneratePKCE()
	authURL := srv.URL() + "/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {reg.ClientID},
		"redirect_uri":          {"http://localhost/cb"},
		"state":                 {"s1"},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
	}.Encode()
	code, state, err := srv.Authorize(authURL)
	require.NoError(t, err)
	assert.Equal(t, "s1", state)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {reg.ClientID},
		"redirect_uri":  {"http://localhost/cb"},
		"code_verifier": {pkce.Verifier},
	}
	tokResp, err := http.PostForm(srv.URL()+"/token", form)
	require.NoError(t, err)
	defer tokResp.Body.Close()
	require.Equal(t, http.StatusOK, tokResp.StatusCode)
	var tok pkgoauth.TokenResponse
	require.NoError(t, json.NewDecoder(tokResp.Body).Decode(&tok))
	assert.True(t, srv.ValidateToken(tok.AccessToken))
	assert.NotEmpty(t, tok.RefreshToken)

	// The code is single use.
	again, err := http.PostForm(srv.URL()+"/token", form)
	require.NoError(t, err)
	again.Body.Close()
	assert.Equal(t, http.StatusBadRequest, again.StatusCode)

	clock.Advance(2 * time.Minute)
	assert.False(t, srv.ValidateToken(tok.AccessToken))
}

func TestOAuthServer_RejectsUnknownClient(t *testing.T) {
	srv := NewOAuthServer(t, OAuthServerConfig{})
	_, _, err := srv.Authorize(srv.URL() + "/authorize?response_type=code&client_id=nope&code_challenge=x&code_challenge_method=S256")
	assert.Error(t, err)
}

func TestToolHandler(t *testing.T) {
	h := NewToolHandler(ToolConfig{
		Name: "greet",
		InputSchema: map[string]interface{}{
			"properties": map[string]interface{}{
				"name": map[string]interface{}{"type": "string", "default": "world"},
			},
		},
		Responses: []ToolResponse{
			{Condition: map[string]interface{}{"name": "bad"}, Error: "bad name {{.name}}"},
			{Response: "hello {{.name | upper}}", Structured: map[string]interface{}{"ok": true}},
		},
	})

	call := func(args map[string]interface{}) *mcp.CallToolResult {
		req := mcp.CallToolRequest{}
		req.Params.Name = "greet"
		req.Params.Arguments = args
		res, err := h.Handle(context.Background(), req)
		require.NoError(t, err)
		return res
	}

	res := call(nil)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "hello WORLD", res.Content[0].(mcp.TextContent).Text)
	assert.Equal(t, map[string]interface{}{"ok": true}, res.StructuredContent)

	res = call(map[string]interface{}{"name": "bad"})
	assert.True(t, res.IsError)
	assert.Equal(t, "bad name bad", res.Content[0].(mcp.TextContent).Text)
}

func TestMCPServer_StaticCredential(t *testing.T) {
	srv := NewMCPServer(t, MCPServerConfig{RequiredHeader: "X-API-Key", RequiredValue: "k1"})

	resp, err := http.Post(srv.URL(), "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "resource_metadata=")
	assert.Equal(t, int64(0), srv.Requests())
}

func TestIsInitialize(t *testing.T) {
	assert.True(t, isInitialize([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)))
	assert.True(t, isInitialize([]byte(`[{"jsonrpc":"2.0","id":1,"method":"initialize"}]`)))
	assert.False(t, isInitialize([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
}
