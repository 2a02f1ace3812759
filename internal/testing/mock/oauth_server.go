package mock

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pkgoauth "github.com/ferrants/ChaasKit-sub001/pkg/oauth"
)

// OAuthServerConfig configures the mock OAuth 2.1 provider.
type OAuthServerConfig struct {
	// Scopes are advertised in metadata. Defaults to "read".
	Scopes []string

	// TokenLifetime is the access token lifetime. Defaults to one hour.
	TokenLifetime time.Duration

	// ClientID is a pre-registered client accepted without registration.
	ClientID string

	// DisableRegistration removes the registration endpoint from metadata.
	DisableRegistration bool

	// OmitRefreshToken makes the token endpoint issue access tokens only.
	OmitRefreshToken bool

	// RotateRefreshTokens issues a new refresh token on every refresh.
	RotateRefreshTokens bool

	// Clock defaults to RealClock.
	Clock Clock
}

// OAuthServer is a mock OAuth 2.1 authorization server supporting metadata,
// dynamic registration, PKCE authorization codes and refresh.
type OAuthServer struct {
	config  OAuthServerConfig
	clock   Clock
	httpSrv *httptest.Server

	mu           sync.Mutex
	clients      map[string][]string // client id -> redirect URIs
	authCodes    map[string]*authCodeEntry
	issuedTokens map[string]*issuedToken // access token -> token
	refreshIndex map[string]string       // refresh token -> access token

	registrations    atomic.Int64
	metadataRequests atomic.Int64
	tokenRequests    atomic.Int64
}

type authCodeEntry struct {
	ClientID      string
	RedirectURI   string
	Scope         string
	Resource      string
	CodeChallenge string
}

type issuedToken struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	ClientID     string
	Resource     string
	ExpiresAt    time.Time
}

// NewOAuthServer starts a mock provider that is closed when the test ends.
func NewOAuthServer(t testing.TB, config OAuthServerConfig) *OAuthServer {
	t.Helper()
	if config.TokenLifetime == 0 {
		config.TokenLifetime = time.Hour
	}
	if len(config.Scopes) == 0 {
		config.Scopes = []string{"read"}
	}
	clock := config.Clock
	if clock == nil {
		clock = RealClock{}
	}

	s := &OAuthServer{
		config:       config,
		clock:        clock,
		clients:      make(map[string][]string),
		authCodes:    make(map[string]*authCodeEntry),
		issuedTokens: make(map[string]*issuedToken),
		refreshIndex: make(map[string]string),
	}
	if config.ClientID != "" {
		s.clients[config.ClientID] = nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(pkgoauth.WellKnownAuthorizationServer, s.handleMetadata)
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/authorize", s.handleAuthorize)
	mux.HandleFunc("/token", s.handleToken)
	s.httpSrv = httptest.NewServer(mux)
	t.Cleanup(s.httpSrv.Close)
	return s
}

// URL returns the issuer URL.
func (s *OAuthServer) URL() string {
	return s.httpSrv.URL
}

// Scopes returns the advertised scopes.
func (s *OAuthServer) Scopes() []string {
	return s.config.Scopes
}

// Registrations counts successful dynamic registrations.
func (s *OAuthServer) Registrations() int64 { return s.registrations.Load() }

// MetadataRequests counts metadata document fetches.
func (s *OAuthServer) MetadataRequests() int64 { return s.metadataRequests.Load() }

// TokenRequests counts token endpoint calls.
func (s *OAuthServer) TokenRequests() int64 { return s.tokenRequests.Load() }

// Authorize simulates a user approving the request described by authURL and
// returns the code and state the provider would send to the callback.
func (s *OAuthServer) Authorize(authURL string) (code, state string, err error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", "", err
	}
	q := u.Query()
	code, err = s.issueCode(q)
	if err != nil {
		return "", "", err
	}
	return code, q.Get("state"), nil
}

// ValidateToken reports whether accessToken was issued and has not expired.
func (s *OAuthServer) ValidateToken(accessToken string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.issuedTokens[accessToken]
	return ok && s.clock.Now().Before(tok.ExpiresAt)
}

// RevokeAllTokens invalidates every issued access and refresh token.
func (s *OAuthServer) RevokeAllTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.issuedTokens)
	s.issuedTokens = make(map[string]*issuedToken)
	s.refreshIndex = make(map[string]string)
	return n
}

func (s *OAuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	s.metadataRequests.Add(1)
	meta := pkgoauth.Metadata{
		Issuer:                        s.URL(),
		AuthorizationEndpoint:         s.URL() + "/authorize",
		TokenEndpoint:                 s.URL() + "/token",
		ScopesSupported:               s.config.Scopes,
		ResponseTypesSupported:        []string{pkgoauth.ResponseTypeCode},
		GrantTypesSupported:           []string{pkgoauth.GrantTypeAuthorizationCode, pkgoauth.GrantTypeRefreshToken},
		CodeChallengeMethodsSupported: []string{pkgoauth.CodeChallengeMethodS256},
	}
	if !s.config.DisableRegistration {
		meta.RegistrationEndpoint = s.URL() + "/register"
	}
	pkgoauth.WriteJSON(w, http.StatusOK, meta)
}

func (s *OAuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.config.DisableRegistration || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req pkgoauth.ClientMetadata
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.RedirectURIs) == 0 {
		pkgoauth.WriteError(w, http.StatusBadRequest, pkgoauth.ErrorInvalidClientMetadata, "redirect_uris required")
		return
	}

	clientID := "client-" + opaqueToken()[:12]
	s.mu.Lock()
	s.clients[clientID] = req.RedirectURIs
	s.mu.Unlock()
	s.registrations.Add(1)

	req.ClientID = clientID
	req.ClientIDIssuedAt = s.clock.Now().Unix()
	pkgoauth.WriteJSON(w, http.StatusCreated, req)
}

func (s *OAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, err := s.issueCode(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	redirect, _ := url.Parse(q.Get("redirect_uri"))
	rq := redirect.Query()
	rq.Set("code", code)
	if state := q.Get("state"); state != "" {
		rq.Set("state", state)
	}
	redirect.RawQuery = rq.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (s *OAuthServer) issueCode(q url.Values) (string, error) {
	if q.Get("response_type") != pkgoauth.ResponseTypeCode {
		return "", fmt.Errorf("unsupported_response_type")
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != pkgoauth.CodeChallengeMethodS256 {
		return "", fmt.Errorf("PKCE S256 required")
	}

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")

	s.mu.Lock()
	defer s.mu.Unlock()
	uris, ok := s.clients[clientID]
	if !ok {
		return "", fmt.Errorf("invalid_client")
	}
	if uris != nil && !contains(uris, redirectURI) {
		return "", fmt.Errorf("invalid_redirect_uri")
	}

	code := opaqueToken()
	s.authCodes[code] = &authCodeEntry{
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		Scope:         q.Get("scope"),
		Resource:      q.Get("resource"),
		CodeChallenge: q.Get("code_challenge"),
	}
	return code, nil
}

func (s *OAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenRequests.Add(1)
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		pkgoauth.WriteError(w, http.StatusBadRequest, pkgoauth.ErrorInvalidRequest, err.Error())
		return
	}

	switch r.FormValue("grant_type") {
	case pkgoauth.GrantTypeAuthorizationCode:
		s.handleAuthCodeExchange(w, r)
	case pkgoauth.GrantTypeRefreshToken:
		s.handleRefreshToken(w, r)
	default:
		pkgoauth.WriteError(w, http.StatusBadRequest, pkgoauth.ErrorUnsupportedGrantType, "")
	}
}

func (s *OAuthServer) handleAuthCodeExchange(w http.ResponseWriter, r *http.Request) {
	code := r.FormValue("code")

	s.mu.Lock()
	entry, ok := s.authCodes[code]
	delete(s.authCodes, code)
	s.mu.Unlock()

	switch {
	case !ok:
		pkgoauth.WriteError(w, http.StatusBadRequest, pkgoauth.ErrorInvalidGrant, "authorization code not found")
	case entry.ClientID != r.FormValue("client_id"):
		pkgoauth.WriteError(w, http.StatusBadRequest, pkgoauth.ErrorInvalidGrant, "client mismatch")
	case entry.RedirectURI != r.FormValue("redirect_uri"):
		pkgoauth.WriteError(w, http.StatusBadRequest, pkgoauth.ErrorInvalidGrant, "redirect_uri mismatch")
	case !pkgoauth.VerifyPKCE(r.FormValue("code_verifier"), entry.CodeChallenge):
		pkgoauth.WriteError(w, http.StatusBadRequest, pkgoauth.ErrorInvalidGrant, "code_verifier verification failed")
	default:
		s.writeToken(w, s.issue(entry.ClientID, entry.Scope, entry.Resource, !s.config.OmitRefreshToken, ""))
	}
}

func (s *OAuthServer) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.FormValue("refresh_token")

	s.mu.Lock()
	access, ok := s.refreshIndex[refreshToken]
	var original *issuedToken
	if ok {
		original = s.issuedTokens[access]
	}
	s.mu.Unlock()

	if original == nil {
		pkgoauth.WriteError(w, http.StatusBadRequest, pkgoauth.ErrorInvalidGrant, "refresh token not found")
		return
	}

	keep := refreshToken
	if s.config.RotateRefreshTokens {
		s.mu.Lock()
		delete(s.refreshIndex, refreshToken)
		s.mu.Unlock()
		keep = ""
	}
	tok := s.issue(original.ClientID, original.Scope, original.Resource, s.config.RotateRefreshTokens, keep)
	if !s.config.RotateRefreshTokens {
		// Providers commonly omit refresh_token when it is unchanged.
		tok.RefreshToken = ""
	}
	s.writeToken(w, tok)
}

// issue stores a new access token. With newRefresh a new refresh token is
// minted; otherwise keepRefresh, if set, is re-pointed at the new token.
func (s *OAuthServer) issue(clientID, scope, resource string, newRefresh bool, keepRefresh string) issuedToken {
	tok := issuedToken{
		AccessToken: opaqueToken(),
		Scope:       scope,
		ClientID:    clientID,
		Resource:    resource,
		ExpiresAt:   s.clock.Now().Add(s.config.TokenLifetime),
	}
	if newRefresh {
		tok.RefreshToken = opaqueToken()
	} else {
		tok.RefreshToken = keepRefresh
	}

	s.mu.Lock()
	stored := tok
	s.issuedTokens[tok.AccessToken] = &stored
	if tok.RefreshToken != "" {
		s.refreshIndex[tok.RefreshToken] = tok.AccessToken
	}
	s.mu.Unlock()
	return tok
}

func (s *OAuthServer) writeToken(w http.ResponseWriter, tok issuedToken) {
	pkgoauth.WriteJSON(w, http.StatusOK, pkgoauth.TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.config.TokenLifetime.Seconds()),
		RefreshToken: tok.RefreshToken,
		Scope:        tok.Scope,
	})
}

func opaqueToken() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
