package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrants/ChaasKit-sub001/internal/authserver"
	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/connection"
	"github.com/ferrants/ChaasKit-sub001/internal/credentials"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/internal/proxy"
	"github.com/ferrants/ChaasKit-sub001/pkg/oauth"
)

const metadataURL = "https://broker.example.com/.well-known/oauth-protected-resource/mcp"

type call struct {
	who      principal.Principal
	serverID string
	tool     string
	args     map[string]interface{}
}

type fakeBroker struct {
	calls []call
}

func (f *fakeBroker) ListTools(_ context.Context, who principal.Principal) []connection.ServerTool {
	if who.UserID == "" {
		return nil
	}
	return []connection.ServerTool{
		{ServerID: "docs", Tool: mcp.NewTool("search", mcp.WithDescription("Search docs"))},
	}
}

func (f *fakeBroker) CallTool(_ context.Context, who principal.Principal, serverID, tool string, args map[string]interface{}) *proxy.ToolResult {
	f.calls = append(f.calls, call{who: who, serverID: serverID, tool: tool, args: args})
	return &proxy.ToolResult{Content: []proxy.ContentItem{{Type: proxy.ContentText, Text: "found"}}}
}

type fakeStatuses struct{}

func (fakeStatuses) List(_ context.Context, _ principal.Principal) ([]credentials.Status, error) {
	return []credentials.Status{
		{ServerID: "docs", Name: "Docs", AuthMode: config.AuthModeNone, Configured: true},
		{ServerID: "crm", Name: "CRM", AuthMode: config.AuthModeUserAPIKey},
	}, nil
}

type fakeTokens map[string]*authserver.Identity

func (f fakeTokens) Authenticate(_ context.Context, token string) (*authserver.Identity, error) {
	if id, ok := f[token]; ok {
		return id, nil
	}
	return nil, authserver.ErrInvalidToken
}

func newHandler(t *testing.T) (*Handler, *fakeBroker) {
	t.Helper()
	broker := &fakeBroker{}
	h := New(Options{
		Broker:   broker,
		Statuses: fakeStatuses{},
		Tokens: fakeTokens{
			"full":       {UserID: "alice", TeamID: "t1", Scopes: []string{config.ScopeTools, config.ScopeResources}},
			"tools-only": {UserID: "alice", Scopes: []string{config.ScopeTools}},
		},
		APIKeys: []config.APIKeyConfig{
			{Name: "ci", UserID: "bot", SHA256: strings.ToUpper(oauth.HashToken("static-key"))},
		},
		ResourceMetadataURL: metadataURL,
	})
	return h, broker
}

func post(h http.Handler, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestEnvelopeErrors(t *testing.T) {
	h, _ := newHandler(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"unparsable", `{"jsonrpc":`, CodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, CodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"prompts/list"}`, CodeMethodNotFound},
		{"missing params", `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`, CodeInvalidParams},
		{"unknown tool", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`, CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := decode(t, post(h, "full", tt.body))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Nil(t, resp.Result)
		})
	}
}

func TestUnauthenticatedMethods(t *testing.T) {
	h, _ := newHandler(t)

	resp := decode(t, post(h, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	assert.Equal(t, ProtocolVersion, result["protocolVersion"])
	assert.Equal(t, json.RawMessage("1"), resp.ID)

	resp = decode(t, post(h, "", `{"jsonrpc":"2.0","id":"p","method":"ping"}`))
	assert.Nil(t, resp.Error)

	rec := post(h, "", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestNullIDIsAnswered(t *testing.T) {
	h, _ := newHandler(t)

	resp := decode(t, post(h, "", `{"jsonrpc":"2.0","id":null,"method":"initialize","params":{}}`))
	require.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage("null"), resp.ID)
	assert.Equal(t, ProtocolVersion, resp.Result.(map[string]any)["protocolVersion"])

	resp = decode(t, post(h, "full", `{"jsonrpc":"2.0","id":null,"method":"prompts/list"}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, json.RawMessage("null"), resp.ID)

	req := Request{}
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":null,"method":"ping"}`), &req))
	assert.False(t, req.IsNotification())
	req = Request{}
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping"}`), &req))
	assert.True(t, req.IsNotification())
}

func TestBearerChallenge(t *testing.T) {
	h, _ := newHandler(t)

	rec := post(h, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer resource_metadata="`+metadataURL+`"`, rec.Header().Get("WWW-Authenticate"))

	rec = post(h, "expired", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge, err := oauth.ParseWWWAuthenticate(rec.Header().Get("WWW-Authenticate"))
	require.NoError(t, err)
	assert.Equal(t, oauth.ErrorInvalidToken, challenge.Error)
	assert.Equal(t, metadataURL, challenge.ResourceMetadataURL)
}

func TestToolsListAndCall(t *testing.T) {
	h, broker := newHandler(t)

	resp := decode(t, post(h, "full", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.Nil(t, resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var listed struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(raw, &listed))
	var names []string
	for _, tool := range listed.Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{ListServersTool, "docs__search"}, names)

	resp = decode(t, post(h, "full", `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"docs__search","arguments":{"q":"go"}}}`))
	require.Nil(t, resp.Error)
	require.Len(t, broker.calls, 1)
	assert.Equal(t, call{
		who:      principal.Principal{UserID: "alice", TeamID: "t1"},
		serverID: "docs",
		tool:     "search",
		args:     map[string]interface{}{"q": "go"},
	}, broker.calls[0])

	raw, err = json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":[{"type":"text","text":"found"}]}`, string(raw))
}

func TestListServersTool(t *testing.T) {
	h, _ := newHandler(t)

	resp := decode(t, post(h, "full", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"broker_list_servers"}}`))
	require.Nil(t, resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)

	var result proxy.ToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, `"serverId": "crm"`)
	assert.False(t, result.IsError)
}

func TestScopeEnforcement(t *testing.T) {
	h, broker := newHandler(t)

	resp := decode(t, post(h, "tools-only", `{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"broker://servers/docs"}}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInsufficientScope, resp.Error.Code)

	// Listing needs no particular scope.
	resp = decode(t, post(h, "tools-only", `{"jsonrpc":"2.0","id":2,"method":"resources/list"}`))
	assert.Nil(t, resp.Error)

	// Static API keys are unrestricted.
	resp = decode(t, post(h, "static-key", `{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"broker://servers/docs"}}`))
	assert.Nil(t, resp.Error)
	resp = decode(t, post(h, "static-key", `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"docs__search"}}`))
	require.Nil(t, resp.Error)
	require.Len(t, broker.calls, 1)
	assert.Equal(t, "bot", broker.calls[0].who.UserID)
}

func TestResources(t *testing.T) {
	h, _ := newHandler(t)

	resp := decode(t, post(h, "full", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`))
	require.Nil(t, resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var listed listResourcesResult
	require.NoError(t, json.Unmarshal(raw, &listed))
	require.Len(t, listed.Resources, 2)
	assert.Equal(t, "broker://servers/docs", listed.Resources[0].URI)
	assert.Equal(t, "application/json", listed.Resources[0].MIMEType)

	resp = decode(t, post(h, "full", `{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"broker://servers/crm"}}`))
	require.Nil(t, resp.Error)
	raw, err = json.Marshal(resp.Result)
	require.NoError(t, err)
	var read proxy.ResourceResult
	require.NoError(t, json.Unmarshal(raw, &read))
	require.Len(t, read.Contents, 1)
	var status credentials.Status
	require.NoError(t, json.Unmarshal([]byte(read.Contents[0].Text), &status))
	assert.Equal(t, "crm", status.ServerID)
	assert.False(t, status.Configured)

	resp = decode(t, post(h, "full", `{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"broker://servers/missing"}}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newHandler(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSplitToolName(t *testing.T) {
	server, tool, ok := SplitToolName("docs__search_all")
	require.True(t, ok)
	assert.Equal(t, "docs", server)
	assert.Equal(t, "search_all", tool)

	for _, name := range []string{"search", "__search", "docs__"} {
		_, _, ok := SplitToolName(name)
		assert.False(t, ok, name)
	}
}
