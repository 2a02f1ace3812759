package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
	pkgoauth "github.com/ferrants/ChaasKit-sub001/pkg/oauth"
)

const (
	// DefaultHTTPTimeout bounds every discovery and registration request.
	DefaultHTTPTimeout = 15 * time.Second

	// maxMetadataSize caps metadata and registration response bodies.
	maxMetadataSize = 1 << 20
)

// Endpoints is everything needed to run the authorization code flow
// against one server.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	ClientID              string
	ClientSecret          RedactedToken
	Scopes                []string
	// Resource is the RFC 8707 resource indicator, when known.
	Resource string
}

// Discoverer resolves and caches Endpoints per server id.
type Discoverer struct {
	httpClient  *http.Client
	callbackURL string
	clientName  string

	mu    sync.RWMutex
	cache map[string]*Endpoints
	group singleflight.Group
}

// NewDiscoverer creates a Discoverer registering clients with the given
// redirect URI and client name. A nil httpClient uses a client with
// DefaultHTTPTimeout.
func NewDiscoverer(httpClient *http.Client, callbackURL, clientName string) *Discoverer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Discoverer{
		httpClient:  httpClient,
		callbackURL: callbackURL,
		clientName:  clientName,
		cache:       make(map[string]*Endpoints),
	}
}

// Discover returns the endpoints for server, performing live discovery and
// dynamic registration on first use. Failures are *DiscoveryError.
func (d *Discoverer) Discover(ctx context.Context, server config.MCPServer) (*Endpoints, error) {
	if ep, ok := staticEndpoints(server); ok {
		return ep, nil
	}

	d.mu.RLock()
	if ep, ok := d.cache[server.ID]; ok {
		d.mu.RUnlock()
		return ep, nil
	}
	d.mu.RUnlock()

	result, err, _ := d.group.Do(server.ID, func() (interface{}, error) {
		d.mu.RLock()
		if ep, ok := d.cache[server.ID]; ok {
			d.mu.RUnlock()
			return ep, nil
		}
		d.mu.RUnlock()

		ep, err := d.discover(ctx, server)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.cache[server.ID] = ep
		d.mu.Unlock()

		logging.Info("OAuth", "Discovered OAuth endpoints for server %s (authorize=%s token=%s)",
			server.ID, ep.AuthorizationEndpoint, ep.TokenEndpoint)
		return ep, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Endpoints), nil
}

// Forget drops the cached endpoints of a server so the next Discover runs
// again, e.g. after the provider rejected the registered client.
func (d *Discoverer) Forget(serverID string) {
	d.mu.Lock()
	delete(d.cache, serverID)
	d.mu.Unlock()
}

// staticEndpoints returns configured metadata when it is complete.
func staticEndpoints(server config.MCPServer) (*Endpoints, bool) {
	s := server.OAuth
	if s == nil || s.AuthorizationEndpoint == "" || s.TokenEndpoint == "" || s.ClientID == "" {
		return nil, false
	}
	ep := &Endpoints{
		AuthorizationEndpoint: s.AuthorizationEndpoint,
		TokenEndpoint:         s.TokenEndpoint,
		ClientID:              s.ClientID,
		Scopes:                s.Scopes,
		Resource:              s.Resource,
	}
	if s.ClientSecretEnv != "" {
		ep.ClientSecret = NewRedactedToken(os.Getenv(s.ClientSecretEnv))
	}
	return ep, true
}

func (d *Discoverer) discover(ctx context.Context, server config.MCPServer) (*Endpoints, error) {
	fail := func(stage string, err error) error {
		return &DiscoveryError{ServerID: server.ID, Stage: stage, Err: err}
	}

	if !server.Transport.IsRemote() {
		return nil, fail("setup", fmt.Errorf("transport %s has no URL to discover from", server.Transport))
	}
	serverURL, err := url.Parse(server.URL)
	if err != nil || serverURL.Host == "" {
		return nil, fail("setup", fmt.Errorf("invalid server URL %q", server.URL))
	}
	origin := serverURL.Scheme + "://" + serverURL.Host

	ep := &Endpoints{Resource: server.URL}
	issuer := origin

	if prm, err := d.fetchProtectedResource(ctx, origin, serverURL.Path); err == nil {
		if len(prm.AuthorizationServers) > 0 {
			issuer = strings.TrimSuffix(prm.AuthorizationServers[0], "/")
		}
		if prm.Resource != "" {
			ep.Resource = prm.Resource
		}
		ep.Scopes = prm.ScopesSupported
	} else {
		logging.Debug("OAuth", "No protected resource metadata for server %s, using origin as issuer: %v", server.ID, err)
	}

	meta, err := d.fetchAuthServerMetadata(ctx, issuer)
	if err != nil {
		return nil, fail("metadata", err)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, fail("metadata", errors.New("metadata lacks authorization or token endpoint"))
	}
	if len(meta.CodeChallengeMethodsSupported) > 0 && !slices.Contains(meta.CodeChallengeMethodsSupported, pkgoauth.CodeChallengeMethodS256) {
		logging.Warn("OAuth", "Authorization server for %s does not advertise S256 PKCE, trying anyway", server.ID)
	}
	ep.AuthorizationEndpoint = meta.AuthorizationEndpoint
	ep.TokenEndpoint = meta.TokenEndpoint

	// Partial static settings still apply on top of discovery.
	if s := server.OAuth; s != nil {
		if s.AuthorizationEndpoint != "" {
			ep.AuthorizationEndpoint = s.AuthorizationEndpoint
		}
		if s.TokenEndpoint != "" {
			ep.TokenEndpoint = s.TokenEndpoint
		}
		if len(s.Scopes) > 0 {
			ep.Scopes = s.Scopes
		}
		if s.Resource != "" {
			ep.Resource = s.Resource
		}
		if s.ClientID != "" {
			ep.ClientID = s.ClientID
			if s.ClientSecretEnv != "" {
				ep.ClientSecret = NewRedactedToken(os.Getenv(s.ClientSecretEnv))
			}
		}
	}

	if ep.ClientID == "" {
		if meta.RegistrationEndpoint == "" {
			return nil, fail("registration", errors.New("no client id configured and server does not support dynamic registration"))
		}
		reg, err := d.register(ctx, meta.RegistrationEndpoint, ep.Scopes)
		if err != nil {
			return nil, fail("registration", err)
		}
		ep.ClientID = reg.ClientID
		ep.ClientSecret = NewRedactedToken(reg.ClientSecret)
	}
	return ep, nil
}

// fetchProtectedResource reads RFC 9728 metadata, trying the path-suffixed
// location before the root one.
func (d *Discoverer) fetchProtectedResource(ctx context.Context, origin, path string) (*pkgoauth.ProtectedResourceMetadata, error) {
	candidates := []string{}
	if p := strings.TrimSuffix(path, "/"); p != "" {
		candidates = append(candidates, origin+pkgoauth.WellKnownProtectedResource+p)
	}
	candidates = append(candidates, origin+pkgoauth.WellKnownProtectedResource)

	var lastErr error
	for _, u := range candidates {
		var prm pkgoauth.ProtectedResourceMetadata
		if err := d.getJSON(ctx, u, &prm); err != nil {
			lastErr = err
			continue
		}
		return &prm, nil
	}
	return nil, lastErr
}

// fetchAuthServerMetadata tries RFC 8414 first and falls back to OpenID
// Connect discovery. Issuers with a path also get the RFC 8414 inserted form.
func (d *Discoverer) fetchAuthServerMetadata(ctx context.Context, issuer string) (*pkgoauth.Metadata, error) {
	candidates := []string{}
	if u, err := url.Parse(issuer); err == nil && strings.Trim(u.Path, "/") != "" {
		origin := u.Scheme + "://" + u.Host
		candidates = append(candidates, origin+pkgoauth.WellKnownAuthorizationServer+strings.TrimSuffix(u.Path, "/"))
	}
	candidates = append(candidates,
		issuer+pkgoauth.WellKnownAuthorizationServer,
		issuer+pkgoauth.WellKnownOpenIDConfiguration,
	)

	var lastErr error
	for _, u := range candidates {
		var meta pkgoauth.Metadata
		if err := d.getJSON(ctx, u, &meta); err != nil {
			logging.Debug("OAuth", "Metadata fetch from %s failed: %v", u, err)
			lastErr = err
			continue
		}
		return &meta, nil
	}
	return nil, fmt.Errorf("failed to discover OAuth metadata for %s: %w", issuer, lastErr)
}

func (d *Discoverer) register(ctx context.Context, endpoint string, scopes []string) (*pkgoauth.ClientMetadata, error) {
	body, err := json.Marshal(pkgoauth.ClientMetadata{
		ClientName:              d.clientName,
		RedirectURIs:            []string{d.callbackURL},
		GrantTypes:              []string{pkgoauth.GrantTypeAuthorizationCode, pkgoauth.GrantTypeRefreshToken},
		ResponseTypes:           []string{pkgoauth.ResponseTypeCode},
		TokenEndpointAuthMethod: pkgoauth.AuthMethodNone,
		Scope:                   strings.Join(scopes, " "),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var oerr pkgoauth.ErrorResponse
		if json.Unmarshal(data, &oerr) == nil && oerr.Error != "" {
			return nil, &ProviderError{Code: oerr.Error, Description: oerr.ErrorDescription}
		}
		return nil, fmt.Errorf("registration failed with status %d", resp.StatusCode)
	}

	var reg pkgoauth.ClientMetadata
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if reg.ClientID == "" {
		return nil, errors.New("registration response has no client_id")
	}
	return &reg, nil
}

func (d *Discoverer) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request to %s failed with status %d", u, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", u, err)
	}
	return nil
}
