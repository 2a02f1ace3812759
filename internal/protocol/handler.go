package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/connection"
	"github.com/ferrants/ChaasKit-sub001/internal/credentials"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/internal/proxy"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// MaxRequestBodySize bounds a single JSON-RPC message.
const MaxRequestBodySize = 1 << 20

// ProtocolVersion is the protocol revision announced by initialize.
const ProtocolVersion = "2025-06-18"

// Broker lists and calls tool-server tools for a principal. *proxy.Proxy
// satisfies it.
type Broker interface {
	ListTools(ctx context.Context, who principal.Principal) []connection.ServerTool
	CallTool(ctx context.Context, who principal.Principal, serverID, toolName string, args map[string]interface{}) *proxy.ToolResult
}

// StatusLister reports per-server credential status. *credentials.Service
// satisfies it.
type StatusLister interface {
	List(ctx context.Context, who principal.Principal) ([]credentials.Status, error)
}

// Options configures a Handler.
type Options struct {
	Broker   Broker
	Statuses StatusLister
	// Tokens verifies access tokens. Nil accepts only static API keys.
	Tokens  TokenVerifier
	APIKeys []config.APIKeyConfig
	// ResourceMetadataURL is advertised in 401 challenges.
	ResourceMetadataURL string
	ServerName          string
	ServerVersion       string
}

// Handler serves the broker's tools and resources as JSON-RPC 2.0 over HTTP
// POST. It is stateless: every request carries its own bearer token.
type Handler struct {
	broker              Broker
	statuses            StatusLister
	tokens              TokenVerifier
	apiKeys             []config.APIKeyConfig
	resourceMetadataURL string
	serverName          string
	serverVersion       string
}

// method describes how a JSON-RPC method is dispatched.
type method struct {
	// authenticated methods require a bearer token.
	authenticated bool
	// scope is required of token callers when set.
	scope string
	call  func(h *Handler, ctx context.Context, caller Caller, params json.RawMessage) (any, *Error)
}

var methods = map[string]method{
	"initialize":     {call: (*Handler).initialize},
	"ping":           {call: (*Handler).ping},
	"tools/list":     {authenticated: true, call: (*Handler).listTools},
	"tools/call":     {authenticated: true, scope: config.ScopeTools, call: (*Handler).callTool},
	"resources/list": {authenticated: true, call: (*Handler).listResources},
	"resources/read": {authenticated: true, scope: config.ScopeResources, call: (*Handler).readResource},
}

// New creates a Handler.
func New(opts Options) *Handler {
	if opts.ServerName == "" {
		opts.ServerName = "broker"
	}
	if opts.ServerVersion == "" {
		opts.ServerVersion = "dev"
	}
	return &Handler{
		broker:              opts.Broker,
		statuses:            opts.Statuses,
		tokens:              opts.Tokens,
		apiKeys:             opts.APIKeys,
		resourceMetadataURL: opts.ResourceMetadataURL,
		serverName:          opts.ServerName,
		serverVersion:       opts.ServerVersion,
	}
}

// ServeHTTP handles one JSON-RPC message.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		writeError(w, nil, rpcError(CodeParseError, "failed to read request body"))
		return
	}
	if len(body) > MaxRequestBodySize {
		writeError(w, nil, rpcError(CodeInvalidRequest, "request body too large"))
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		writeError(w, nil, rpcError(CodeInvalidRequest, "batch requests are not supported"))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, rpcError(CodeParseError, "invalid JSON"))
		return
	}
	if req.JSONRPC != jsonrpcVersion {
		writeError(w, req.ID, rpcError(CodeInvalidRequest, "jsonrpc must be \"2.0\""))
		return
	}
	if req.Method == "" {
		writeError(w, req.ID, rpcError(CodeInvalidRequest, "method is required"))
		return
	}

	if req.IsNotification() {
		logging.Debug("Protocol", "Accepted notification %s", req.Method)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	m, ok := methods[req.Method]
	if !ok {
		writeError(w, req.ID, rpcError(CodeMethodNotFound, "method not found: "+req.Method))
		return
	}

	var caller Caller
	if m.authenticated {
		caller, err = h.authenticate(r)
		switch {
		case errors.Is(err, errMissingBearer), errors.Is(err, errInvalidBearer):
			h.challenge(w, err)
			return
		case err != nil:
			logging.Error("Protocol", err, "Failed to authenticate request")
			writeError(w, req.ID, rpcError(CodeInternalError, "authentication failed"))
			return
		}
		if m.scope != "" && !caller.Allows(m.scope) {
			writeError(w, req.ID, &Error{
				Code:    CodeInsufficientScope,
				Message: "insufficient scope",
				Data:    map[string]string{"requiredScope": m.scope},
			})
			return
		}
	}

	logging.Debug("Protocol", "Dispatching %s for user %s", req.Method, logging.TruncateID(caller.Principal.UserID))
	result, rpcErr := m.call(h, r.Context(), caller, req.Params)
	if rpcErr != nil {
		writeError(w, req.ID, rpcErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (h *Handler) initialize(_ context.Context, _ Caller, _ json.RawMessage) (any, *Error) {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    h.serverName,
			"version": h.serverVersion,
		},
	}, nil
}

func (h *Handler) ping(_ context.Context, _ Caller, _ json.RawMessage) (any, *Error) {
	return map[string]any{}, nil
}

func decodeParams(raw json.RawMessage, v any) *Error {
	if len(raw) == 0 {
		return rpcError(CodeInvalidParams, "params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return rpcError(CodeInvalidParams, "invalid params: "+err.Error())
	}
	return nil
}
