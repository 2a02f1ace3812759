package authserver

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
	"github.com/ferrants/ChaasKit-sub001/pkg/oauth"
)

// maxRegistrationBody bounds dynamic registration requests.
const maxRegistrationBody = 64 << 10

// errorNotEnabled is the discovery error body served while disabled.
const errorNotEnabled = "oauth_not_enabled"

// Routes mounts the discovery documents and OAuth endpoints on r. The
// authorize and decision endpoints require a principal from resolver.
func (s *Server) Routes(r chi.Router, resolver principal.Resolver) {
	r.Get(oauth.WellKnownAuthorizationServer, s.handleMetadata)
	r.Get(oauth.WellKnownProtectedResource, s.handleResourceMetadata)
	r.Get(oauth.WellKnownProtectedResource+"/mcp", s.handleResourceMetadata)

	r.Post(PathRegister, s.rateLimited(s.handleRegister))
	r.Post(PathToken, s.rateLimited(s.handleToken))
	r.Post(PathRevoke, s.handleRevoke)

	r.Group(func(r chi.Router) {
		r.Use(principal.Middleware(resolver))
		r.Get(PathAuthorize, s.handleAuthorize)
		r.Post(PathDecision, s.handleDecision)
	})
}

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	if !s.cfg.Enabled {
		oauth.WriteError(w, http.StatusNotFound, errorNotEnabled, "")
		return
	}
	oauth.WriteJSON(w, http.StatusOK, s.Metadata())
}

func (s *Server) handleResourceMetadata(w http.ResponseWriter, _ *http.Request) {
	if !s.cfg.Enabled {
		oauth.WriteError(w, http.StatusNotFound, errorNotEnabled, "")
		return
	}
	oauth.WriteJSON(w, http.StatusOK, s.ProtectedResourceMetadata())
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Enabled && !s.limiter.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			oauth.WriteError(w, http.StatusTooManyRequests, oauth.ErrorSlowDown, "too many requests")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var md oauth.ClientMetadata
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody)).Decode(&md); err != nil {
		writeError(w, newError(http.StatusBadRequest, oauth.ErrorInvalidClientMetadata, "request body is not valid client metadata"))
		return
	}
	resp, err := s.RegisterClient(r.Context(), md)
	if err != nil {
		writeError(w, err)
		return
	}
	oauth.WriteJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	who, _ := principal.FromContext(r.Context())
	pending, err := s.Authorize(r.Context(), who, ParseAuthorizeRequest(r.URL.Query()))
	if err != nil {
		var redirect *RedirectError
		if errors.As(err, &redirect) {
			http.Redirect(w, r, redirect.Location(), http.StatusFound)
			return
		}
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	if err := s.RenderConsent(w, pending); err != nil {
		logging.Error("AuthServer", err, "Failed to render consent page")
	}
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, invalidRequest("malformed form body"))
		return
	}
	who, _ := principal.FromContext(r.Context())
	approve := r.PostForm.Get("decision") == "approve"

	location, err := s.Decide(r.Context(), who, r.PostForm.Get("request_id"), approve)
	if err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, invalidRequest("malformed form body"))
		return
	}
	clientID, secret, basic := clientCredentials(r)

	var (
		resp *oauth.TokenResponse
		err  error
	)
	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case oauth.GrantTypeAuthorizationCode:
		resp, err = s.Exchange(r.Context(), ExchangeRequest{
			Code:         r.PostForm.Get("code"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			ClientID:     clientID,
			ClientSecret: secret,
			CodeVerifier: r.PostForm.Get("code_verifier"),
		})
	case oauth.GrantTypeRefreshToken:
		resp, err = s.Refresh(r.Context(), RefreshRequest{
			RefreshToken: r.PostForm.Get("refresh_token"),
			ClientID:     clientID,
			ClientSecret: secret,
			Scope:        r.PostForm.Get("scope"),
		})
	case "":
		err = invalidRequest("grant_type is required")
	default:
		err = newError(http.StatusBadRequest, oauth.ErrorUnsupportedGrantType, "grant_type %q is not supported", grantType)
	}

	if err != nil {
		if oe, ok := IsOAuthError(err); ok && oe.Code == oauth.ErrorInvalidClient && basic {
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		}
		writeError(w, err)
		return
	}
	oauth.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, invalidRequest("malformed form body"))
		return
	}
	clientID, secret, _ := clientCredentials(r)
	err := s.Revoke(r.Context(), RevokeRequest{
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		ClientID:      clientID,
		ClientSecret:  secret,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// clientCredentials reads client_secret_basic credentials, falling back to
// client_secret_post and public client_id form fields.
func clientCredentials(r *http.Request) (clientID, secret string, basic bool) {
	if id, pw, ok := r.BasicAuth(); ok {
		if unescaped, err := url.QueryUnescape(id); err == nil {
			id = unescaped
		}
		if unescaped, err := url.QueryUnescape(pw); err == nil {
			pw = unescaped
		}
		return id, pw, true
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret"), false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError maps authorization server errors to RFC 6749 JSON responses.
func writeError(w http.ResponseWriter, err error) {
	if oe, ok := IsOAuthError(err); ok {
		oauth.WriteError(w, oe.Status, oe.Code, oe.Description)
		return
	}
	switch {
	case errors.Is(err, ErrDisabled):
		oauth.WriteError(w, http.StatusNotFound, errorNotEnabled, "")
	case errors.Is(err, principal.ErrUnauthenticated):
		oauth.WriteError(w, http.StatusUnauthorized, oauth.ErrorAccessDenied, "authentication required")
	default:
		logging.Error("AuthServer", err, "Authorization server request failed")
		oauth.WriteError(w, http.StatusInternalServerError, oauth.ErrorServerError, "internal error")
	}
}
