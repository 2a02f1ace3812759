package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrants/ChaasKit-sub001/internal/authserver"
	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/connection"
	"github.com/ferrants/ChaasKit-sub001/internal/credentials"
	"github.com/ferrants/ChaasKit-sub001/internal/oauth"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/internal/proxy"
	"github.com/ferrants/ChaasKit-sub001/internal/store"
	"github.com/ferrants/ChaasKit-sub001/internal/vault"
)

type fakeBroker struct {
	lastCall CallToolRequest
	lastWho  principal.Principal
	readErr  error
}

func (f *fakeBroker) ListTools(_ context.Context, _ principal.Principal) []connection.ServerTool {
	return []connection.ServerTool{
		{ServerID: "docs", Tool: mcp.NewTool("search", mcp.WithDescription("Search docs"))},
	}
}

func (f *fakeBroker) CallTool(_ context.Context, who principal.Principal, serverID, tool string, args map[string]interface{}) *proxy.ToolResult {
	f.lastWho = who
	f.lastCall = CallToolRequest{ServerID: serverID, Tool: tool, Arguments: args}
	return &proxy.ToolResult{Content: []proxy.ContentItem{{Type: proxy.ContentText, Text: "ok"}}}
}

func (f *fakeBroker) ReadResource(_ context.Context, _ principal.Principal, serverID, uri string) (*proxy.ResourceResult, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return &proxy.ResourceResult{Contents: []proxy.ResourceContent{{URI: uri, Text: "body of " + serverID}}}, nil
}

type fakeCredentials struct {
	err          error
	apiKeys      map[string]string
	deleted      []string
	callbackErr  error
	callbackArgs []string
}

func (f *fakeCredentials) List(_ context.Context, who principal.Principal) ([]credentials.Status, error) {
	if f.err != nil {
		return nil, f.err
	}
	_, configured := f.apiKeys["crm"]
	return []credentials.Status{{ServerID: "crm", Name: "CRM", AuthMode: config.AuthModeUserAPIKey, Configured: configured}}, nil
}

func (f *fakeCredentials) SetAPIKey(_ context.Context, who principal.Principal, serverID, apiKey string) error {
	if f.err != nil {
		return f.err
	}
	f.apiKeys[serverID] = apiKey
	return nil
}

func (f *fakeCredentials) StartOAuth(_ context.Context, _ principal.Principal, serverID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://auth.example.com/authorize?server=" + serverID, nil
}

func (f *fakeCredentials) CompleteOAuth(_ context.Context, code, state, providerError, _ string) (oauth.Target, error) {
	f.callbackArgs = []string{code, state, providerError}
	return oauth.Target{Owner: principal.User("alice"), ServerID: "gh"}, f.callbackErr
}

func (f *fakeCredentials) Delete(_ context.Context, _ principal.Principal, serverID string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, serverID)
	return nil
}

type fakePool struct{}

func (fakePool) Stats() connection.Stats { return connection.Stats{Global: 2, User: 1} }

type fixture struct {
	srv     *Server
	broker  *fakeBroker
	creds   *fakeCredentials
	mcpHits int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.OutboundOAuth.ReturnURL = "https://app.example.com/settings?tab=tools"

	as, err := authserver.New(cfg, nil, nil)
	require.NoError(t, err)

	f := &fixture{
		broker: &fakeBroker{},
		creds:  &fakeCredentials{apiKeys: map[string]string{}},
	}
	f.srv = New(Options{
		Config:      cfg,
		Resolver:    principal.NewHeaderResolver(cfg.Auth),
		Broker:      f.broker,
		Credentials: f.creds,
		AuthServer:  as,
		Protocol: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f.mcpHits++
			w.WriteHeader(http.StatusAccepted)
		}),
		Pool: fakePool{},
	})
	return f
}

func (f *fixture) do(method, path, body string, asUser bool) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if asUser {
		req.Header.Set("X-User-Id", "alice")
		req.Header.Set("X-Team-Id", "t1")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","connections":{"global":2,"user":1,"team":0}}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodGet, "/healthz", "", false)
	rec := f.do(http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `broker_http_requests_total{method="GET",route="/healthz",status="200"}`)
}

func TestAPIRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/tools", "/api/credentials"} {
		rec := f.do(http.MethodGet, path, "", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestListTools(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/tools", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Tools []struct {
			ServerID string `json:"serverId"`
			Tool     struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"tool"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tools, 1)
	assert.Equal(t, "docs", resp.Tools[0].ServerID)
	assert.Equal(t, "search", resp.Tools[0].Tool.Name)
	assert.Equal(t, "Search docs", resp.Tools[0].Tool.Description)
}

func TestCallTool(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/tools/call", `{"serverId":"docs","tool":"search","arguments":{"q":"go"}}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"content":[{"type":"text","text":"ok"}]}`, rec.Body.String())
	assert.Equal(t, CallToolRequest{ServerID: "docs", Tool: "search", Arguments: map[string]interface{}{"q": "go"}}, f.broker.lastCall)
	assert.Equal(t, principal.Principal{UserID: "alice", TeamID: "t1"}, f.broker.lastWho)

	rec = f.do(http.MethodPost, "/api/tools/call", `{"serverId":"docs"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidRequest, decodeAPIError(t, rec).Error)

	rec = f.do(http.MethodPost, "/api/tools/call", `not json`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadResource(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/resources/read", `{"serverId":"docs","uri":"file:///readme"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"contents":[{"uri":"file:///readme","text":"body of docs"}]}`, rec.Body.String())

	f.broker.readErr = &proxy.Failure{Kind: proxy.FailureNeedsAuthorization, ServerID: "docs", Err: errors.New("no credential")}
	rec = f.do(http.MethodPost, "/api/resources/read", `{"serverId":"docs","uri":"file:///readme"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeNeedsAuthorization, decodeAPIError(t, rec).Error)
}

func TestCredentialEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/api/credentials/crm/apikey", `{"apiKey":"k-123"}`, true)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, "k-123", f.creds.apiKeys["crm"])

	rec = f.do(http.MethodGet, "/api/credentials", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed ListCredentialsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Servers, 1)
	assert.True(t, listed.Servers[0].Configured)

	rec = f.do(http.MethodPost, "/api/credentials/gh/oauth", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var started StartOAuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, "https://auth.example.com/authorize?server=gh", started.AuthorizationURL)

	rec = f.do(http.MethodDelete, "/api/credentials/crm", "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"crm"}, f.creds.deleted)
}

func TestCredentialErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown server", &config.ServerLookupError{ServerID: "x", Err: config.ErrUnknownServer}, http.StatusNotFound, CodeNotFound},
		{"auth mode mismatch", fmt.Errorf("%w: server gh uses user-oauth", credentials.ErrAuthModeMismatch), http.StatusBadRequest, CodeInvalidRequest},
		{"team context", principal.ErrTeamContextRequired, http.StatusBadRequest, CodeTeamContextRequired},
		{"forbidden", principal.ErrForbidden, http.StatusForbidden, CodeForbidden},
		{"discovery", &oauth.DiscoveryError{ServerID: "gh", Stage: "metadata", Err: errors.New("404")}, http.StatusBadGateway, CodeUpstream},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.creds.err = tt.err

			rec := f.do(http.MethodPut, "/api/credentials/gh/apikey", `{"apiKey":"k"}`, true)
			assert.Equal(t, tt.status, rec.Code)
			resp := decodeAPIError(t, rec)
			assert.Equal(t, tt.code, resp.Error)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, resp.Message, "disk on fire")
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{principal.ErrUnauthenticated, http.StatusUnauthorized},
		{authserver.ErrDisabled, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", config.ErrServerDisabled), http.StatusNotFound},
		{credentials.ErrEmptyAPIKey, http.StatusBadRequest},
		{oauth.ErrInvalidState, http.StatusBadRequest},
		{oauth.ErrReauthorizationRequired, http.StatusConflict},
		{vault.ErrDecrypt, http.StatusConflict},
		{store.ErrNotFound, http.StatusConflict},
		{&oauth.ProviderError{Code: "server_error"}, http.StatusBadGateway},
		{&proxy.Failure{Kind: proxy.FailureTimeout, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{&proxy.Failure{Kind: proxy.FailureNotConfigured, Err: config.ErrUnknownServer}, http.StatusNotFound},
		{&proxy.Failure{Kind: proxy.FailureTransport, Err: io.EOF}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}

func TestOAuthCallback(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, config.DefaultOAuthCallbackPath+"?code=c1&state=s1", "", false)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, []string{"c1", "s1", ""}, f.creds.callbackArgs)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", loc.Host)
	assert.Equal(t, "tools", loc.Query().Get("tab"))
	assert.Equal(t, OAuthResultSuccess, loc.Query().Get("oauth"))
	assert.Equal(t, "gh", loc.Query().Get("server"))

	f.creds.callbackErr = &oauth.ProviderError{Code: "access_denied"}
	rec = f.do(http.MethodGet, config.DefaultOAuthCallbackPath+"?error=access_denied&state=s1", "", false)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err = url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, OAuthResultError, loc.Query().Get("oauth"))
	assert.Equal(t, CodeUpstream, loc.Query().Get("error"))
	assert.Equal(t, []string{"", "s1", "access_denied"}, f.creds.callbackArgs)
}

func TestMountsProtocolAndAuthServer(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, PathMCP, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, false)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.mcpHits)

	// Inbound OAuth is disabled by default, so discovery answers 404.
	rec = f.do(http.MethodGet, "/.well-known/oauth-authorization-server", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "oauth_not_enabled")
}

func TestStartAndShutdown(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	srv := New(Options{Config: cfg, Resolver: principal.NewHeaderResolver(cfg.Auth), Pool: fakePool{}})

	assert.Nil(t, srv.Addr())
	require.NoError(t, srv.Start())
	addr := srv.Addr()
	require.NotNil(t, addr)

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}
