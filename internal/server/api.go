package server

import (
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ferrants/ChaasKit-sub001/internal/principal"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// maxAPIBody bounds application API request bodies.
const maxAPIBody = 1 << 20

// APITool is one tool in the application API listing.
type APITool struct {
	ServerID string   `json:"serverId"`
	Tool     mcp.Tool `json:"tool"`
}

// ListToolsResponse is returned by GET /api/tools.
type ListToolsResponse struct {
	Tools []APITool `json:"tools"`
}

// CallToolRequest is the body of POST /api/tools/call.
type CallToolRequest struct {
	ServerID  string                 `json:"serverId"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ReadResourceRequest is the body of POST /api/resources/read.
type ReadResourceRequest struct {
	ServerID string `json:"serverId"`
	URI      string `json:"uri"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	who := mustPrincipal(r)
	listed := s.broker.ListTools(r.Context(), who)

	resp := ListToolsResponse{Tools: make([]APITool, 0, len(listed))}
	for _, st := range listed {
		resp.Tools = append(resp.Tools, APITool{ServerID: st.ServerID, Tool: st.Tool})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCallTool always answers 200 once the request is well formed. Call
// failures are reported in the result, the way the protocol endpoint does.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req CallToolRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ServerID == "" || req.Tool == "" {
		writeBadRequest(w, "serverId and tool are required")
		return
	}

	who := mustPrincipal(r)
	result := s.broker.CallTool(r.Context(), who, req.ServerID, req.Tool, req.Arguments)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	var req ReadResourceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ServerID == "" || req.URI == "" {
		writeBadRequest(w, "serverId and uri are required")
		return
	}

	result, err := s.broker.ReadResource(r.Context(), mustPrincipal(r), req.ServerID, req.URI)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody)).Decode(v); err != nil {
		logging.Debug("Server", "Rejected malformed body on %s: %v", r.URL.Path, err)
		writeBadRequest(w, "request body must be valid JSON")
		return false
	}
	return true
}

// mustPrincipal returns the principal stored by principal.Middleware, which
// guards every /api route.
func mustPrincipal(r *http.Request) principal.Principal {
	who, _ := principal.FromContext(r.Context())
	return who
}
