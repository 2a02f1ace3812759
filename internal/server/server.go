package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ferrants/ChaasKit-sub001/internal/authserver"
	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/connection"
	"github.com/ferrants/ChaasKit-sub001/internal/credentials"
	"github.com/ferrants/ChaasKit-sub001/internal/metrics"
	"github.com/ferrants/ChaasKit-sub001/internal/oauth"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/internal/protocol"
	"github.com/ferrants/ChaasKit-sub001/internal/proxy"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// Path of the protocol endpoint.
const PathMCP = "/mcp"

// Broker lists, calls and reads on behalf of a principal. *proxy.Proxy
// satisfies it.
type Broker interface {
	protocol.Broker
	ReadResource(ctx context.Context, who principal.Principal, serverID, uri string) (*proxy.ResourceResult, error)
}

// Credentials manages per-principal tool server credentials.
// *credentials.Service satisfies it.
type Credentials interface {
	List(ctx context.Context, who principal.Principal) ([]credentials.Status, error)
	SetAPIKey(ctx context.Context, who principal.Principal, serverID, apiKey string) error
	StartOAuth(ctx context.Context, who principal.Principal, serverID string) (string, error)
	CompleteOAuth(ctx context.Context, code, state, providerError, providerErrorDescription string) (oauth.Target, error)
	Delete(ctx context.Context, who principal.Principal, serverID string) error
}

// PoolStats reports pool sizes for the health endpoint. *connection.Manager
// satisfies it.
type PoolStats interface {
	Stats() connection.Stats
}

// Options carries the services the server routes to.
type Options struct {
	Config      config.Config
	Resolver    principal.Resolver
	Broker      Broker
	Credentials Credentials
	AuthServer  *authserver.Server
	Protocol    http.Handler
	Pool        PoolStats
}

// Server is the broker's HTTP server.
type Server struct {
	cfg         config.Config
	resolver    principal.Resolver
	broker      Broker
	credentials Credentials
	authServer  *authserver.Server
	protocol    http.Handler
	pool        PoolStats

	router chi.Router

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// New creates a Server and builds its routes.
func New(opts Options) *Server {
	s := &Server{
		cfg:         opts.Config,
		resolver:    opts.Resolver,
		broker:      opts.Broker,
		credentials: opts.Credentials,
		authServer:  opts.AuthServer,
		protocol:    opts.Protocol,
		pool:        opts.Pool,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware(routePattern))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if s.authServer != nil {
		s.authServer.Routes(r, s.resolver)
	}
	if s.protocol != nil {
		r.Method(http.MethodPost, PathMCP, s.protocol)
		r.Method(http.MethodGet, PathMCP, s.protocol)
	}

	r.Get(s.cfg.OutboundOAuth.CallbackPath, s.handleOAuthCallback)

	r.Route("/api", func(r chi.Router) {
		r.Use(principal.Middleware(s.resolver))

		r.Get("/tools", s.handleListTools)
		r.Post("/tools/call", s.handleCallTool)
		r.Post("/resources/read", s.handleReadResource)

		r.Get("/credentials", s.handleListCredentials)
		r.Put("/credentials/{serverID}/apikey", s.handleSetAPIKey)
		r.Post("/credentials/{serverID}/oauth", s.handleStartOAuth)
		r.Delete("/credentials/{serverID}", s.handleDeleteCredential)
	})

	logging.Debug("Server", "Registered routes (inbound OAuth enabled: %t)", s.cfg.InboundOAuth.Enabled)
	return r
}

// routePattern labels request metrics by route pattern rather than path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

type healthResponse struct {
	Status      string            `json:"status"`
	Connections *connection.Stats `json:"connections,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.pool != nil {
		stats := s.pool.Stats()
		resp.Connections = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// Start listens on the configured address and serves in the background.
// Listen errors are returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.ListenAddr, err)
	}

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       s.cfg.Server.IdleTimeout,
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.listener = ln
	s.mu.Unlock()

	logging.Info("Server", "Listening on %s (public URL %s)", ln.Addr(), s.cfg.Server.PublicURL)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Server", err, "HTTP server stopped unexpectedly")
		}
	}()
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	logging.Info("Server", "HTTP server stopped")
	return nil
}
