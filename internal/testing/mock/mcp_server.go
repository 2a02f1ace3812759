package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	pkgoauth "github.com/ferrants/ChaasKit-sub001/pkg/oauth"
)

// MCPServerConfig configures an HTTP mock MCP server.
type MCPServerConfig struct {
	Name      string
	Tools     []ToolConfig
	Resources []ResourceConfig
	Transport HTTPTransportType

	// OAuthServer, when set, protects the server: requests need a bearer
	// token issued by it, and RFC 9728 metadata points at it.
	OAuthServer *OAuthServer

	// RequiredHeader and RequiredValue protect the server with a static
	// credential, e.g. "X-API-Key" or "Authorization" with "Bearer key".
	RequiredHeader string
	RequiredValue  string
}

// MCPServer is an in-process MCP server on an httptest listener.
type MCPServer struct {
	config  MCPServerConfig
	httpSrv *httptest.Server

	initializations atomic.Int64
	requests        atomic.Int64

	mu          sync.Mutex
	lastHeaders http.Header
}

// NewMCPServer starts a mock MCP server that is closed when the test ends.
func NewMCPServer(t testing.TB, config MCPServerConfig) *MCPServer {
	t.Helper()
	if config.Transport == "" {
		config.Transport = HTTPTransportStreamableHTTP
	}
	if config.Name == "" {
		config.Name = "mock"
	}

	s := &MCPServer{config: config}
	s.httpSrv = httptest.NewUnstartedServer(nil)
	baseURL := "http://" + s.httpSrv.Listener.Addr().String()

	mcpServer := NewProtocolServer(config)

	mux := http.NewServeMux()
	switch config.Transport {
	case HTTPTransportSSE:
		sse := server.NewSSEServer(mcpServer,
			server.WithBaseURL(baseURL),
			server.WithSSEEndpoint("/sse"),
			server.WithMessageEndpoint("/message"),
		)
		mux.Handle("/sse", s.protect(sse))
		mux.Handle("/message", s.protect(sse))
	default:
		mux.Handle("/mcp", s.protect(server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))))
	}
	mux.HandleFunc(pkgoauth.WellKnownProtectedResource+"/mcp", s.handleProtectedResource)
	mux.HandleFunc(pkgoauth.WellKnownProtectedResource+"/sse", s.handleProtectedResource)

	s.httpSrv.Config.Handler = mux
	s.httpSrv.Start()
	t.Cleanup(s.Close)
	return s
}

// NewProtocolServer builds the mcp-go server exposing config's tools and
// resources.
func NewProtocolServer(config MCPServerConfig) *server.MCPServer {
	mcpServer := server.NewMCPServer(
		"mock-"+config.Name,
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)
	for _, tc := range config.Tools {
		h := NewToolHandler(tc)
		mcpServer.AddTool(h.Tool(), h.Handle)
	}
	for _, rc := range config.Resources {
		rc := rc
		mcpServer.AddResource(
			mcp.NewResource(rc.URI, rc.Name, mcp.WithMIMEType(rc.MIMEType)),
			func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
				return []mcp.ResourceContents{
					mcp.TextResourceContents{URI: rc.URI, MIMEType: rc.MIMEType, Text: rc.Text},
				}, nil
			},
		)
	}
	return mcpServer
}

// URL returns the MCP endpoint.
func (s *MCPServer) URL() string {
	if s.config.Transport == HTTPTransportSSE {
		return s.httpSrv.URL + "/sse"
	}
	return s.httpSrv.URL + "/mcp"
}

// Initializations counts initialize requests, i.e. protocol sessions opened.
func (s *MCPServer) Initializations() int64 {
	return s.initializations.Load()
}

// Requests counts authorized protocol requests.
func (s *MCPServer) Requests() int64 {
	return s.requests.Load()
}

// LastHeaders returns the headers of the most recent authorized request.
func (s *MCPServer) LastHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeaders.Clone()
}

// Close shuts the server down, dropping open sessions.
func (s *MCPServer) Close() {
	s.httpSrv.CloseClientConnections()
	s.httpSrv.Close()
}

func (s *MCPServer) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.sendAuthChallenge(w)
			return
		}

		s.requests.Add(1)
		s.mu.Lock()
		s.lastHeaders = r.Header.Clone()
		s.mu.Unlock()

		if r.Method == http.MethodPost && r.Body != nil {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if isInitialize(body) {
				s.initializations.Add(1)
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *MCPServer) authorized(r *http.Request) bool {
	if s.config.RequiredHeader != "" && r.Header.Get(s.config.RequiredHeader) != s.config.RequiredValue {
		return false
	}
	if s.config.OAuthServer != nil {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			return false
		}
		return s.config.OAuthServer.ValidateToken(strings.TrimPrefix(auth, "Bearer "))
	}
	return true
}

func (s *MCPServer) sendAuthChallenge(w http.ResponseWriter) {
	metadataURL := s.httpSrv.URL + pkgoauth.WellKnownProtectedResource + "/mcp"
	w.Header().Set("WWW-Authenticate", pkgoauth.BuildWWWAuthenticate(metadataURL, pkgoauth.ErrorInvalidToken, ""))
	w.WriteHeader(http.StatusUnauthorized)
}

func (s *MCPServer) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	if s.config.OAuthServer == nil {
		http.NotFound(w, r)
		return
	}
	pkgoauth.WriteJSON(w, http.StatusOK, pkgoauth.ProtectedResourceMetadata{
		Resource:               s.URL(),
		AuthorizationServers:   []string{s.config.OAuthServer.URL()},
		ScopesSupported:        s.config.OAuthServer.Scopes(),
		BearerMethodsSupported: []string{"header"},
	})
}

// isInitialize reports whether a JSON-RPC body (single or batch) carries an
// initialize request.
func isInitialize(body []byte) bool {
	var single struct {
		Method string `json:"method"`
	}
	if json.Unmarshal(body, &single) == nil {
		return single.Method == string(mcp.MethodInitialize)
	}
	var batch []struct {
		Method string `json:"method"`
	}
	if json.Unmarshal(body, &batch) == nil {
		for _, m := range batch {
			if m.Method == string(mcp.MethodInitialize) {
				return true
			}
		}
	}
	return false
}
