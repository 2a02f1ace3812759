package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/metrics"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/internal/store"
	"github.com/ferrants/ChaasKit-sub001/internal/vault"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// ExpiryMargin is how long before its expiry an access token is refreshed.
const ExpiryMargin = 30 * time.Second

// ServerCatalog looks up server definitions by id. config.Config satisfies it.
type ServerCatalog interface {
	LookupServer(id string) (config.MCPServer, error)
}

// Invalidator drops cached connections after a credential changed.
type Invalidator interface {
	Invalidate(owner principal.Owner, serverID string)
}

// Target identifies the credential a completed flow wrote.
type Target struct {
	Owner    principal.Owner
	ServerID string
}

// Flow runs outbound authorization code flows and token refreshes.
type Flow struct {
	catalog     ServerCatalog
	store       store.CredentialStore
	vault       *vault.Vault
	discoverer  *Discoverer
	httpClient  *http.Client
	callbackURL string
	invalidator Invalidator

	refreshGroup singleflight.Group
}

// NewFlow creates a Flow. callbackURL must equal the redirect URI used when
// clients were registered.
func NewFlow(catalog ServerCatalog, credStore store.CredentialStore, v *vault.Vault, discoverer *Discoverer, httpClient *http.Client, callbackURL string) *Flow {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Flow{
		catalog:     catalog,
		store:       credStore,
		vault:       v,
		discoverer:  discoverer,
		httpClient:  httpClient,
		callbackURL: callbackURL,
	}
}

// SetInvalidator registers the connection cache notified after completed
// flows. It must be called before serving requests.
func (f *Flow) SetInvalidator(inv Invalidator) {
	f.invalidator = inv
}

// StartAuthorization records a pending flow for owner and server and returns
// the provider authorization URL.
func (f *Flow) StartAuthorization(ctx context.Context, owner principal.Owner, server config.MCPServer) (authURL string, err error) {
	defer func() { metrics.OAuthFlowsTotal.WithLabelValues("start", metrics.Result(err)).Inc() }()

	if err := checkOAuthOwner(owner, server); err != nil {
		return "", err
	}

	ep, err := f.discoverer.Discover(ctx, server)
	if err != nil {
		return "", err
	}

	state, err := NewState(owner, server.ID)
	if err != nil {
		return "", err
	}
	encodedState, err := state.Encode()
	if err != nil {
		return "", err
	}

	verifier := oauth2.GenerateVerifier()
	sealedVerifier, err := f.vault.EncryptString(verifier)
	if err != nil {
		return "", err
	}
	if err := f.store.BeginOAuth(ctx, owner, server.ID, encodedState, sealedVerifier); err != nil {
		return "", fmt.Errorf("failed to persist pending authorization: %w", err)
	}

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if ep.Resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", ep.Resource))
	}

	logging.Info("OAuth", "Starting authorization for %s on server %s", owner, server.ID)
	return f.oauthConfig(ep).AuthCodeURL(encodedState, opts...), nil
}

// CompleteAuthorization exchanges the callback code, stores the token set
// and invalidates any cached connection for the owner and server before
// returning.
func (f *Flow) CompleteAuthorization(ctx context.Context, code, rawState string) (target Target, err error) {
	defer func() { metrics.OAuthFlowsTotal.WithLabelValues("complete", metrics.Result(err)).Inc() }()

	state, server, cred, err := f.pending(ctx, rawState)
	if err != nil {
		return Target{}, err
	}
	owner := state.Owner()
	target = Target{Owner: owner, ServerID: server.ID}

	if code == "" {
		return target, fmt.Errorf("%w: callback has no code", ErrInvalidState)
	}

	verifier, err := f.vault.DecryptString(cred.CodeVerifier)
	if err != nil {
		return target, fmt.Errorf("failed to decrypt code verifier: %w", err)
	}

	ep, err := f.discoverer.Discover(ctx, server)
	if err != nil {
		return target, err
	}

	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(verifier)}
	if ep.Resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", ep.Resource))
	}
	tok, err := f.oauthConfig(ep).Exchange(f.clientContext(ctx), code, opts...)
	if err != nil {
		_ = f.store.ClearOAuth(ctx, owner, server.ID)
		return target, providerError("token exchange", err)
	}

	if err := f.save(ctx, owner, server.ID, tokenSetFrom(tok)); err != nil {
		return target, err
	}
	if f.invalidator != nil {
		f.invalidator.Invalidate(owner, server.ID)
	}

	logging.Info("OAuth", "Authorization completed for %s on server %s", owner, server.ID)
	return target, nil
}

// FailAuthorization handles a callback carrying a provider error. The
// pending state is cleared and the provider error returned.
func (f *Flow) FailAuthorization(ctx context.Context, rawState, code, description string) (Target, error) {
	metrics.OAuthFlowsTotal.WithLabelValues("complete", metrics.ResultError).Inc()

	state, server, _, err := f.pending(ctx, rawState)
	if err != nil {
		return Target{}, err
	}
	target := Target{Owner: state.Owner(), ServerID: server.ID}
	if err := f.store.ClearOAuth(ctx, target.Owner, server.ID); err != nil {
		logging.Warn("OAuth", "Failed to clear pending authorization for %s on %s: %v", target.Owner, server.ID, err)
	}
	return target, &ProviderError{Code: code, Description: description}
}

// RefreshIfExpired returns a usable token set for an OAuth credential,
// refreshing and persisting it when the access token is about to expire.
// Concurrent refreshes of the same credential share one token request.
func (f *Flow) RefreshIfExpired(ctx context.Context, server config.MCPServer, cred *store.Credential) (*vault.TokenSet, error) {
	if cred == nil || !cred.HasPayload() {
		return nil, ErrReauthorizationRequired
	}
	payload, err := f.vault.Decrypt(cred.Payload)
	if err != nil {
		return nil, err
	}
	if payload.Kind != vault.PayloadOAuth || payload.Token == nil {
		return nil, fmt.Errorf("%w: credential for %s is not an OAuth token", ErrReauthorizationRequired, server.ID)
	}
	if !payload.Token.Expired(ExpiryMargin) {
		return payload.Token, nil
	}
	if payload.Token.RefreshToken == "" {
		return nil, ErrReauthorizationRequired
	}

	key := cred.Owner.String() + "/" + server.ID
	result, err, _ := f.refreshGroup.Do(key, func() (interface{}, error) {
		// Callers sharing this refresh must not fail because the first
		// caller's request was cancelled.
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultHTTPTimeout)
		defer cancel()
		return f.refresh(refreshCtx, server, cred, *payload.Token)
	})
	if err != nil {
		return nil, err
	}
	return result.(*vault.TokenSet), nil
}

func (f *Flow) refresh(ctx context.Context, server config.MCPServer, cred *store.Credential, current vault.TokenSet) (ts *vault.TokenSet, err error) {
	defer func() { metrics.OAuthFlowsTotal.WithLabelValues("refresh", metrics.Result(err)).Inc() }()
	owner := cred.Owner

	ep, err := f.discoverer.Discover(ctx, server)
	if err != nil {
		return nil, err
	}

	src := f.oauthConfig(ep).TokenSource(f.clientContext(ctx), &oauth2.Token{
		RefreshToken: current.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && (rerr.ErrorCode == "invalid_grant" || rerr.ErrorCode == "invalid_client") {
			logging.Warn("OAuth", "Refresh rejected for %s on server %s: %s", owner, server.ID, rerr.ErrorCode)
			return nil, ErrReauthorizationRequired
		}
		return nil, providerError("token refresh", err)
	}

	next := tokenSetFrom(tok)
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = current.Scope
	}
	sealed, err := f.vault.Encrypt(vault.OAuthPayload(next))
	if err != nil {
		return nil, err
	}
	err = f.store.ReplacePayload(ctx, owner, server.ID, cred.ID, cred.Payload, sealed)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logging.Info("OAuth", "Credential for %s on server %s was removed during refresh, discarding token", owner, server.ID)
		return nil, fmt.Errorf("%w: credential was removed", ErrReauthorizationRequired)
	case errors.Is(err, store.ErrChanged):
		return f.current(ctx, server, owner)
	case err != nil:
		return nil, fmt.Errorf("failed to store token: %w", err)
	}
	logging.Debug("OAuth", "Refreshed token for %s on server %s, new expiry %s", owner, server.ID, next.Expiry.Format(time.RFC3339))
	return &next, nil
}

// current returns the token set another writer stored while a refresh was
// running. The newer credential wins over the refreshed one.
func (f *Flow) current(ctx context.Context, server config.MCPServer, owner principal.Owner) (*vault.TokenSet, error) {
	logging.Debug("OAuth", "Credential for %s on server %s changed during refresh, using the stored token", owner, server.ID)
	cred, err := f.store.GetCredential(ctx, owner, server.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrReauthorizationRequired
	}
	if err != nil {
		return nil, err
	}
	if !cred.HasPayload() {
		return nil, ErrReauthorizationRequired
	}
	payload, err := f.vault.Decrypt(cred.Payload)
	if err != nil {
		return nil, err
	}
	if payload.Kind != vault.PayloadOAuth || payload.Token == nil || payload.Token.Expired(ExpiryMargin) {
		return nil, ErrReauthorizationRequired
	}
	return payload.Token, nil
}

// pending decodes the state and loads the credential row it refers to.
func (f *Flow) pending(ctx context.Context, rawState string) (State, config.MCPServer, *store.Credential, error) {
	state, err := DecodeState(rawState)
	if err != nil {
		return State{}, config.MCPServer{}, nil, err
	}
	server, err := f.catalog.LookupServer(state.ServerID)
	if err != nil {
		return State{}, config.MCPServer{}, nil, err
	}
	cred, err := f.store.GetCredential(ctx, state.Owner(), state.ServerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return State{}, config.MCPServer{}, nil, ErrInvalidState
		}
		return State{}, config.MCPServer{}, nil, err
	}
	if !cred.PendingOAuth() || subtle.ConstantTimeCompare([]byte(cred.OAuthState), []byte(rawState)) != 1 {
		return State{}, config.MCPServer{}, nil, ErrInvalidState
	}
	return state, server, cred, nil
}

// save encrypts and stores the token set of a completed flow.
func (f *Flow) save(ctx context.Context, owner principal.Owner, serverID string, ts vault.TokenSet) error {
	sealed, err := f.vault.Encrypt(vault.OAuthPayload(ts))
	if err != nil {
		return err
	}
	if _, err := f.store.PutCredential(ctx, owner, serverID, config.CredentialOAuth, sealed); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

func (f *Flow) oauthConfig(ep *Endpoints) *oauth2.Config {
	style := oauth2.AuthStyleAutoDetect
	if ep.ClientSecret.IsEmpty() {
		style = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     ep.ClientID,
		ClientSecret: ep.ClientSecret.Value(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   ep.AuthorizationEndpoint,
			TokenURL:  ep.TokenEndpoint,
			AuthStyle: style,
		},
		RedirectURL: f.callbackURL,
		Scopes:      ep.Scopes,
	}
}

func (f *Flow) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
}

// checkOAuthOwner rejects flows for servers that do not use OAuth for the
// owner's kind.
func checkOAuthOwner(owner principal.Owner, server config.MCPServer) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	switch server.AuthMode {
	case config.AuthModeUserOAuth:
		if owner.Kind == principal.KindUser {
			return nil
		}
	case config.AuthModeTeamOAuth:
		if owner.Kind == principal.KindTeam {
			return nil
		}
	case config.AuthModeNone, config.AuthModeAdmin, config.AuthModeUserAPIKey, config.AuthModeTeamAPIKey:
	default:
		return fmt.Errorf("unsupported auth mode %q", string(server.AuthMode))
	}
	return fmt.Errorf("%w: server %s uses %s", ErrNotOAuthServer, server.ID, server.AuthMode)
}

func tokenSetFrom(tok *oauth2.Token) vault.TokenSet {
	ts := vault.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		Expiry:       tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		ts.Scope = scope
	}
	return ts
}

func providerError(stage string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.ErrorCode != "" {
		return fmt.Errorf("%s failed: %w", stage, &ProviderError{Code: rerr.ErrorCode, Description: rerr.ErrorDescription})
	}
	return fmt.Errorf("%s failed: %w", stage, err)
}
