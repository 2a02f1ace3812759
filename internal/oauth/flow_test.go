package oauth

import (
	"bytes"
	"context"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/internal/store"
	"github.com/ferrants/ChaasKit-sub001/internal/testing/mock"
	"github.com/ferrants/ChaasKit-sub001/internal/vault"
)

const testCallbackURL = "http://localhost:8090/oauth/servers/callback"

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []Target
}

func (r *recordingInvalidator) Invalidate(owner principal.Owner, serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Target{Owner: owner, ServerID: serverID})
}

type catalog map[string]config.MCPServer

func (c catalog) LookupServer(id string) (config.MCPServer, error) {
	s, ok := c[id]
	if !ok {
		return config.MCPServer{}, config.ErrUnknownServer
	}
	return s, nil
}

type flowFixture struct {
	flow     *Flow
	store    *store.SQLiteStore
	vault    *vault.Vault
	provider *mock.OAuthServer
	server   config.MCPServer
	inv      *recordingInvalidator
}

func newFlowFixture(t *testing.T, providerCfg mock.OAuthServerConfig, mode config.AuthMode) *flowFixture {
	t.Helper()
	provider := mock.NewOAuthServer(t, providerCfg)
	mcpSrv := mock.NewMCPServer(t, mock.MCPServerConfig{Name: "docs", OAuthServer: provider})

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mk, err := vault.NewMasterKey(bytes.Repeat([]byte{0x42}, vault.KeySize))
	require.NoError(t, err)
	v, err := vault.New(mk)
	require.NoError(t, err)

	server := config.MCPServer{
		ID:        "docs",
		Transport: config.TransportStreamableHTTP,
		URL:       mcpSrv.URL(),
		AuthMode:  mode,
	}
	disc := NewDiscoverer(nil, testCallbackURL, "broker-test")
	flow := NewFlow(catalog{"docs": server}, s, v, disc, nil, testCallbackURL)
	inv := &recordingInvalidator{}
	flow.SetInvalidator(inv)

	return &flowFixture{flow: flow, store: s, vault: v, provider: provider, server: server, inv: inv}
}

func (f *flowFixture) authorize(t *testing.T, owner principal.Owner) (code, state string) {
	t.Helper()
	authURL, err := f.flow.StartAuthorization(context.Background(), owner, f.server)
	require.NoError(t, err)
	code, state, err = f.provider.Authorize(authURL)
	require.NoError(t, err)
	return code, state
}

func TestFlow_StartAuthorization_URL(t *testing.T) {
	f := newFlowFixture(t, mock.OAuthServerConfig{}, config.AuthModeUserOAuth)
	owner := principal.User("alice")

	authURL, err := f.flow.StartAuthorization(context.Background(), owner, f.server)
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, f.provider.URL()+"/authorize", u.Scheme+"://"+u.Host+u.Path)
	assert.NotEmpty(t, q.Get("client_id"))
	assert.Equal(t, testCallbackURL, q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, f.server.URL, q.Get("resource"))
	assert.Equal(t, "read", q.Get("scope"))

	state, err := DecodeState(q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, owner, state.Owner())
	assert.Equal(t, "docs", state.ServerID)

	cred, err := f.store.GetCredential(context.Background(), owner, "docs")
	require.NoError(t, err)
	assert.True(t, cred.PendingOAuth())
	assert.False(t, cred.HasPayload())
	assert.Equal(t, config.CredentialOAuth, cred.Kind)

	// The verifier is stored encrypted, never as the challenge input itself.
	verifier, err := f.vault.DecryptString(cred.CodeVerifier)
	require.NoError(t, err)
	assert.NotContains(t, string(cred.CodeVerifier), verifier)
}

func TestFlow_CompleteAuthorization(t *testing.T) {
	f := newFlowFixture(t, mock.OAuthServerConfig{}, config.AuthModeUserOAuth)
	ctx := context.Background()
	owner := principal.User("alice")

	code, state := f.authorize(t, owner)
	target, err := f.flow.CompleteAuthorization(ctx, code, state)
	require.NoError(t, err)
	assert.Equal(t, Target{Owner: owner, ServerID: "docs"}, target)
	assert.Equal(t, []Target{target}, f.inv.calls)

	cred, err := f.store.GetCredential(ctx, owner, "docs")
	require.NoError(t, err)
	assert.False(t, cred.PendingOAuth())
	require.True(t, cred.HasPayload())

	payload, err := f.vault.Decrypt(cred.Payload)
	require.NoError(t, err)
	require.NotNil(t, payload.Token)
	assert.True(t, f.provider.ValidateToken(payload.Token.AccessToken))
	assert.NotEmpty(t, payload.Token.RefreshToken)
	assert.Equal(t, "Bearer", payload.Token.TokenType)

	// Replaying the callback fails: the pending state is gone.
	_, err = f.flow.CompleteAuthorization(ctx, code, state)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestFlow_TeamAndUserFlowsStayDistinct(t *testing.T) {
	f := newFlowFixture(t, mock.OAuthServerConfig{}, config.AuthModeTeamOAuth)
	ctx := context.Background()

	_, err := f.flow.StartAuthorization(ctx, principal.User("alice"), f.server)
	assert.ErrorIs(t, err, ErrNotOAuthServer)

	team := principal.Team("t1")
	code, state := f.authorize(t, team)
	target, err := f.flow.CompleteAuthorization(ctx, code, state)
	require.NoError(t, err)
	assert.Equal(t, team, target.Owner)

	_, err = f.store.GetCredential(ctx, principal.User("t1"), "docs")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFlow_CompleteAuthorization_RejectsForgedState(t *testing.T) {
	f := newFlowFixture(t, mock.OAuthServerConfig{}, config.AuthModeUserOAuth)
	ctx := context.Background()

	code, _ := f.authorize(t, principal.User("alice"))

	forged, err := NewState(principal.User("alice"), "docs")
	require.NoError(t, err)
	raw, err := forged.Encode()
	require.NoError(t, err)

	_, err = f.flow.CompleteAuthorization(ctx, code, raw)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.flow.CompleteAuthorization(ctx, code, "not-base64!")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, f.inv.calls)
}

func TestFlow_FailAuthorization_ClearsPendingRow(t *testing.T) {
	f := newFlowFixture(t, mock.OAuthServerConfig{}, config.AuthModeUserOAuth)
	ctx := context.Background()
	owner := principal.User("alice")

	_, state := f.authorize(t, owner)
	target, err := f.flow.FailAuthorization(ctx, state, "access_denied", "user said no")
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "access_denied", perr.Code)
	assert.Equal(t, owner, target.Owner)

	_, err = f.store.GetCredential(ctx, owner, "docs")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func storeToken(t *testing.T, f *flowFixture, owner principal.Owner, ts vault.TokenSet) *store.Credential {
	t.Helper()
	sealed, err := f.vault.Encrypt(vault.OAuthPayload(ts))
	require.NoError(t, err)
	cred, err := f.store.PutCredential(context.Background(), owner, "docs", config.CredentialOAuth, sealed)
	require.NoError(t, err)
	return cred
}

func TestFlow_RefreshIfExpired(t *testing.T) {
	f := newFlowFixture(t, mock.OAuthServerConfig{}, config.AuthModeUserOAuth)
	ctx := context.Background()
	owner := principal.User("alice")

	code, state := f.authorize(t, owner)
	_, err := f.flow.CompleteAuthorization(ctx, code, state)
	require.NoError(t, err)

	cred, err := f.store.GetCredential(ctx, owner, "docs")
	require.NoError(t, err)

	t.Run("fresh token is returned as is", func(t *testing.T) {
		before := f.provider.TokenRequests()
		ts, err := f.flow.RefreshIfExpired(ctx, f.server, cred)
		require.NoError(t, err)
		assert.NotEmpty(t, ts.AccessToken)
		assert.Equal(t, before, f.provider.TokenRequests())
	})

	t.Run("expired token is refreshed and persisted", func(t *testing.T) {
		payload, err := f.vault.Decrypt(cred.Payload)
		require.NoError(t, err)
		old := *payload.Token
		old.Expiry = time.Now().Add(-time.Minute)
		expired := storeToken(t, f, owner, old)

		ts, err := f.flow.RefreshIfExpired(ctx, f.server, expired)
		require.NoError(t, err)
		assert.NotEqual(t, old.AccessToken, ts.AccessToken)
		assert.Equal(t, old.RefreshToken, ts.RefreshToken, "refresh token is kept when the provider omits it")
		assert.True(t, f.provider.ValidateToken(ts.AccessToken))

		stored, err := f.store.GetCredential(ctx, owner, "docs")
		require.NoError(t, err)
		p, err := f.vault.Decrypt(stored.Payload)
		require.NoError(t, err)
		assert.Equal(t, ts.AccessToken, p.Token.AccessToken)
	})

	t.Run("no refresh token requires re-authorization", func(t *testing.T) {
		c := storeToken(t, f, owner, vault.TokenSet{AccessToken: "a", Expiry: time.Now().Add(-time.Hour)})
		_, err := f.flow.RefreshIfExpired(ctx, f.server, c)
		assert.ErrorIs(t, err, ErrReauthorizationRequired)
	})

	t.Run("rejected refresh token requires re-authorization", func(t *testing.T) {
		c := storeToken(t, f, owner, vault.TokenSet{AccessToken: "a", RefreshToken: "unknown", Expiry: time.Now().Add(-time.Hour)})
		_, err := f.flow.RefreshIfExpired(ctx, f.server, c)
		assert.ErrorIs(t, err, ErrReauthorizationRequired)
	})

	t.Run("missing credential", func(t *testing.T) {
		_, err := f.flow.RefreshIfExpired(ctx, f.server, nil)
		assert.ErrorIs(t, err, ErrReauthorizationRequired)
	})
}

func TestFlow_RefreshIfExpired_RotatingProvider(t *testing.T) {
	f := newFlowFixture(t, mock.OAuthServerConfig{RotateRefreshTokens: true}, config.AuthModeUserOAuth)
	ctx := context.Background()
	owner := principal.User("bob")

	code, state := f.authorize(t, owner)
	_, err := f.flow.CompleteAuthorization(ctx, code, state)
	require.NoError(t, err)
	cred, err := f.store.GetCredential(ctx, owner, "docs")
	require.NoError(t, err)
	payload, err := f.vault.Decrypt(cred.Payload)
	require.NoError(t, err)

	old := *payload.Token
	old.Expiry = time.Now().Add(-time.Minute)
	ts, err := f.flow.RefreshIfExpired(ctx, f.server, storeToken(t, f, owner, old))
	require.NoError(t, err)
	assert.NotEqual(t, old.RefreshToken, ts.RefreshToken)
}

func TestFlow_RefreshDoesNotInvalidate(t *testing.T) {
	f := newFlowFixture(t, mock.OAuthServerConfig{}, config.AuthModeUserOAuth)
	ctx := context.Background()
	owner := principal.User("carol")

	code, state := f.authorize(t, owner)
	_, err := f.flow.CompleteAuthorization(ctx, code, state)
	require.NoError(t, err)
	require.Len(t, f.inv.calls, 1)

	cred, err := f.store.GetCredential(ctx, owner, "docs")
	require.NoError(t, err)
	payload, err := f.vault.Decrypt(cred.Payload)
	require.NoError(t, err)
	old := *payload.Token
	old.Expiry = time.Now().Add(-time.Minute)

	_, err = f.flow.RefreshIfExpired(ctx, f.server, storeToken(t, f, owner, old))
	require.NoError(t, err)
	assert.Len(t, f.inv.calls, 1)
}

func expiredCopy(t *testing.T, f *flowFixture, owner principal.Owner) vault.TokenSet {
	t.Helper()
	cred, err := f.store.GetCredential(context.Background(), owner, "docs")
	require.NoError(t, err)
	payload, err := f.vault.Decrypt(cred.Payload)
	require.NoError(t, err)
	old := *payload.Token
	old.Expiry = time.Now().Add(-time.Minute)
	return old
}

func TestFlow_RefreshAfterDeleteDoesNotRecreate(t *testing.T) {
	f := newFlowFixture(t, mock.OAuthServerConfig{}, config.AuthModeUserOAuth)
	ctx := context.Background()
	owner := principal.User("dave")

	code, state := f.authorize(t, owner)
	_, err := f.flow.CompleteAuthorization(ctx, code, state)
	require.NoError(t, err)

	loaded := storeToken(t, f, owner, expiredCopy(t, f, owner))
	require.NoError(t, f.store.DeleteCredential(ctx, owner, "docs"))

	_, err = f.flow.RefreshIfExpired(ctx, f.server, loaded)
	assert.ErrorIs(t, err, ErrReauthorizationRequired)

	_, err = f.store.GetCredential(ctx, owner, "docs")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFlow_RefreshKeepsPendingReauthorization(t *testing.T) {
	f := newFlowFixture(t, mock.OAuthServerConfig{}, config.AuthModeUserOAuth)
	ctx := context.Background()
	owner := principal.User("erin")

	code, state := f.authorize(t, owner)
	_, err := f.flow.CompleteAuthorization(ctx, code, state)
	require.NoError(t, err)
	loaded := storeToken(t, f, owner, expiredCopy(t, f, owner))

	code2, state2 := f.authorize(t, owner)

	_, err = f.flow.RefreshIfExpired(ctx, f.server, loaded)
	require.NoError(t, err)

	cred, err := f.store.GetCredential(ctx, owner, "docs")
	require.NoError(t, err)
	assert.True(t, cred.PendingOAuth())

	_, err = f.flow.CompleteAuthorization(ctx, code2, state2)
	require.NoError(t, err)
}

func TestFlow_RefreshYieldsToNewerCredential(t *testing.T) {
	f := newFlowFixture(t, mock.OAuthServerConfig{}, config.AuthModeUserOAuth)
	ctx := context.Background()
	owner := principal.User("frank")

	code, state := f.authorize(t, owner)
	_, err := f.flow.CompleteAuthorization(ctx, code, state)
	require.NoError(t, err)
	old := expiredCopy(t, f, owner)
	loaded := storeToken(t, f, owner, old)

	newer := vault.TokenSet{AccessToken: "newer", RefreshToken: "r2", Expiry: time.Now().Add(time.Hour)}
	storeToken(t, f, owner, newer)

	ts, err := f.flow.RefreshIfExpired(ctx, f.server, loaded)
	require.NoError(t, err)
	assert.Equal(t, "newer", ts.AccessToken)

	stored, err := f.store.GetCredential(ctx, owner, "docs")
	require.NoError(t, err)
	p, err := f.vault.Decrypt(stored.Payload)
	require.NoError(t, err)
	assert.Equal(t, "newer", p.Token.AccessToken)
}

func TestFlow_SharedRefreshSurvivesCancelledCaller(t *testing.T) {
	f := newFlowFixture(t, mock.OAuthServerConfig{}, config.AuthModeUserOAuth)
	owner := principal.User("gina")

	code, state := f.authorize(t, owner)
	_, err := f.flow.CompleteAuthorization(context.Background(), code, state)
	require.NoError(t, err)
	loaded := storeToken(t, f, owner, expiredCopy(t, f, owner))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ts, err := f.flow.RefreshIfExpired(ctx, f.server, loaded)
	require.NoError(t, err)
	assert.True(t, f.provider.ValidateToken(ts.AccessToken))
}
