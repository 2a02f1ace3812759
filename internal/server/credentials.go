package server

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/ferrants/ChaasKit-sub001/internal/credentials"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// Values of the oauth query parameter on the return URL.
const (
	OAuthResultSuccess = "success"
	OAuthResultError   = "error"
)

// ListCredentialsResponse is returned by GET /api/credentials.
type ListCredentialsResponse struct {
	Servers []credentials.Status `json:"servers"`
}

// SetAPIKeyRequest is the body of PUT /api/credentials/{serverID}/apikey.
type SetAPIKeyRequest struct {
	APIKey string `json:"apiKey"`
}

// StartOAuthResponse is returned by POST /api/credentials/{serverID}/oauth.
type StartOAuthResponse struct {
	AuthorizationURL string `json:"authorizationUrl"`
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.credentials.List(r.Context(), mustPrincipal(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if statuses == nil {
		statuses = []credentials.Status{}
	}
	writeJSON(w, http.StatusOK, ListCredentialsResponse{Servers: statuses})
}

func (s *Server) handleSetAPIKey(w http.ResponseWriter, r *http.Request) {
	var req SetAPIKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.credentials.SetAPIKey(r.Context(), mustPrincipal(r), chi.URLParam(r, "serverID"), req.APIKey); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartOAuth(w http.ResponseWriter, r *http.Request) {
	authURL, err := s.credentials.StartOAuth(r.Context(), mustPrincipal(r), chi.URLParam(r, "serverID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StartOAuthResponse{AuthorizationURL: authURL})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.credentials.Delete(r.Context(), mustPrincipal(r), chi.URLParam(r, "serverID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOAuthCallback completes an outbound flow and sends the browser back
// to the application. The callback is reached by provider redirect, so the
// outcome travels in the return URL rather than a JSON body.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := s.credentials.CompleteOAuth(r.Context(),
		q.Get("code"), q.Get("state"), q.Get("error"), q.Get("error_description"))

	params := url.Values{}
	if target.ServerID != "" {
		params.Set("server", target.ServerID)
	}
	if err != nil {
		logging.Warn("Server", "Outbound OAuth callback failed: %v", err)
		_, code := statusFor(err)
		params.Set("oauth", OAuthResultError)
		params.Set("error", code)
	} else {
		logging.Info("Server", "Outbound OAuth completed for %s on server %s", target.Owner, target.ServerID)
		params.Set("oauth", OAuthResultSuccess)
	}

	http.Redirect(w, r, returnURL(s.cfg.OutboundOAuth.ReturnURL, params), http.StatusFound)
}

// returnURL appends params to base, keeping any query base already has.
func returnURL(base string, params url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
