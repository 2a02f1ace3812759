package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ferrants/ChaasKit-sub001/internal/metrics"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/internal/store"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
	"github.com/ferrants/ChaasKit-sub001/pkg/oauth"
)

// AuthorizeRequest holds the authorization endpoint parameters.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

// ParseAuthorizeRequest reads an AuthorizeRequest from query parameters.
func ParseAuthorizeRequest(q url.Values) AuthorizeRequest {
	return AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Resource:            q.Get("resource"),
	}
}

// PendingAuthorization is a validated authorization request waiting for the
// user's consent. It lives in memory until decided or expired.
type PendingAuthorization struct {
	ID            string
	ClientID      string
	ClientName    string
	RedirectURI   string
	RedirectGiven bool
	State         string
	Scope         []string
	Resource      string
	CodeChallenge string
	UserID        string
	TeamID        string
	ExpiresAt     time.Time
}

// Authorize validates an authorization request for the authenticated
// principal and records it as pending consent.
//
// Errors found before the client and redirect URI are verified are returned
// as *Error and must be shown to the user agent. Later errors are returned as
// *RedirectError and are delivered to the client.
func (s *Server) Authorize(ctx context.Context, who principal.Principal, req AuthorizeRequest) (*PendingAuthorization, error) {
	if !s.cfg.Enabled {
		return nil, ErrDisabled
	}
	p, err := s.authorize(ctx, who, req)
	metrics.AuthServerRequestsTotal.WithLabelValues("authorize", resultOf(err)).Inc()
	return p, err
}

func (s *Server) authorize(ctx context.Context, who principal.Principal, req AuthorizeRequest) (*PendingAuthorization, error) {
	if who.UserID == "" {
		return nil, principal.ErrUnauthenticated
	}
	if req.ClientID == "" {
		return nil, invalidRequest("client_id is required")
	}
	client, err := s.store.GetClient(ctx, req.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalidRequest("unknown client_id")
	}
	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}

	redirectURI := req.RedirectURI
	switch {
	case redirectURI == "" && len(client.RedirectURIs) == 1:
		redirectURI = client.RedirectURIs[0]
	case redirectURI == "":
		return nil, invalidRequest("redirect_uri is required")
	case !slices.Contains(client.RedirectURIs, redirectURI):
		return nil, invalidRequest("redirect_uri is not registered for this client")
	}

	reject := func(e *Error) error {
		return &RedirectError{RedirectURI: redirectURI, State: req.State, Err: e}
	}

	if req.ResponseType != oauth.ResponseTypeCode {
		return nil, reject(newError(http.StatusBadRequest, oauth.ErrorUnsupportedResponse, "response_type must be code"))
	}
	if !slices.Contains(client.GrantTypes, oauth.GrantTypeAuthorizationCode) {
		return nil, reject(newError(http.StatusBadRequest, oauth.ErrorUnauthorizedClient, "client may not use the authorization code grant"))
	}
	if req.CodeChallenge == "" {
		return nil, reject(invalidRequest("code_challenge is required"))
	}
	if req.CodeChallengeMethod != oauth.CodeChallengeMethodS256 {
		return nil, reject(invalidRequest("code_challenge_method must be S256"))
	}
	scope, serr := narrowScope(req.Scope, s.cfg.Scopes)
	if serr != nil {
		return nil, reject(serr)
	}
	resource := req.Resource
	if resource == "" {
		resource = s.resource
	} else if strings.TrimSuffix(resource, "/") != s.resource {
		return nil, reject(newError(http.StatusBadRequest, errorInvalidTarget, "resource %q is not served here", resource))
	}

	id, err := oauth.RandomToken()
	if err != nil {
		return nil, err
	}
	p := &PendingAuthorization{
		ID:            id,
		ClientID:      client.ID,
		ClientName:    client.Name,
		RedirectURI:   redirectURI,
		RedirectGiven: req.RedirectURI != "",
		State:         req.State,
		Scope:         scope,
		Resource:      resource,
		CodeChallenge: req.CodeChallenge,
		UserID:        who.UserID,
		TeamID:        who.TeamID,
		ExpiresAt:     s.clock.Now().Add(s.cfg.ConsentTTL),
	}

	s.mu.Lock()
	s.pending[id] = p
	s.mu.Unlock()

	logging.Debug("AuthServer", "Authorization request from client %s for user %s awaiting consent",
		logging.TruncateID(client.ID), logging.TruncateID(who.UserID))
	return p, nil
}

// Pending returns the consent request id for who, if it exists and has not
// expired.
func (s *Server) Pending(who principal.Principal, id string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pendingLocked(who, id)
	if err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

func (s *Server) pendingLocked(who principal.Principal, id string) (*PendingAuthorization, error) {
	p, ok := s.pending[id]
	if !ok || p.UserID != who.UserID {
		return nil, invalidRequest("authorization request is unknown or expired")
	}
	if s.clock.Now().After(p.ExpiresAt) {
		delete(s.pending, id)
		return nil, invalidRequest("authorization request is unknown or expired")
	}
	return p, nil
}

// Decide records the user's consent decision for a pending request and
// returns the URI the user agent is sent back to. Approval issues an
// authorization code; denial reports access_denied. Either way the request
// is consumed.
func (s *Server) Decide(ctx context.Context, who principal.Principal, id string, approve bool) (string, error) {
	if !s.cfg.Enabled {
		return "", ErrDisabled
	}

	s.mu.Lock()
	p, err := s.pendingLocked(who, id)
	if err == nil {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if err != nil {
		metrics.AuthServerRequestsTotal.WithLabelValues("consent", resultOf(err)).Inc()
		return "", err
	}

	if !approve {
		metrics.AuthServerRequestsTotal.WithLabelValues("consent", oauth.ErrorAccessDenied).Inc()
		logging.Info("AuthServer", "User %s denied client %s", logging.TruncateID(who.UserID), logging.TruncateID(p.ClientID))
		denied := &RedirectError{
			RedirectURI: p.RedirectURI,
			State:       p.State,
			Err:         newError(http.StatusForbidden, oauth.ErrorAccessDenied, "the user denied the request"),
		}
		return denied.Location(), nil
	}

	code, err := s.IssueCode(ctx, p)
	metrics.AuthServerRequestsTotal.WithLabelValues("consent", resultOf(err)).Inc()
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("code", code)
	if p.State != "" {
		params.Set("state", p.State)
	}
	params.Set("iss", s.cfg.Issuer)
	logging.Info("AuthServer", "User %s approved client %s for scope %q",
		logging.TruncateID(who.UserID), logging.TruncateID(p.ClientID), strings.Join(p.Scope, " "))
	return withQuery(p.RedirectURI, params), nil
}

// IssueCode creates a single-use authorization code bound to the approved
// request. Only the code's hash is stored.
func (s *Server) IssueCode(ctx context.Context, p *PendingAuthorization) (string, error) {
	code, err := oauth.RandomToken()
	if err != nil {
		return "", err
	}
	now := s.clock.Now().UTC()
	err = s.store.CreateAuthorizationCode(ctx, &store.AuthorizationCode{
		CodeHash:      oauth.HashToken(code),
		ClientID:      p.ClientID,
		UserID:        p.UserID,
		TeamID:        p.TeamID,
		RedirectURI:   p.RedirectURI,
		RedirectGiven: p.RedirectGiven,
		Scope:         p.Scope,
		Resource:      p.Resource,
		CodeChallenge: p.CodeChallenge,
		ExpiresAt:     now.Add(s.cfg.CodeTTL),
		CreatedAt:     now,
	})
	if err != nil {
		return "", fmt.Errorf("storing authorization code: %w", err)
	}
	return code, nil
}

// narrowScope parses a requested scope and checks it is a subset of allowed.
// An empty request yields all of allowed.
func narrowScope(requested string, allowed []string) ([]string, *Error) {
	scope := oauth.NormalizeScope(requested)
	if len(scope) == 0 {
		return slices.Clone(allowed), nil
	}
	for _, sc := range scope {
		if !slices.Contains(allowed, sc) {
			return nil, newError(http.StatusBadRequest, oauth.ErrorInvalidScope, "scope %q is not allowed", sc)
		}
	}
	return scope, nil
}
