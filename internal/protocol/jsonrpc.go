package protocol

import (
	"encoding/json"
	"net/http"

	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// JSON-RPC 2.0 error codes, plus the broker's code for missing token scope.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternalError     = -32603
	CodeInsufficientScope = -32001
)

const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request has no id member. An explicit
// "id":null is a request and is answered with a null id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

func rpcError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	writeResponse(w, Response{JSONRPC: jsonrpcVersion, ID: nullID(id), Result: result})
}

func writeError(w http.ResponseWriter, id json.RawMessage, e *Error) {
	writeResponse(w, Response{JSONRPC: jsonrpcVersion, ID: nullID(id), Error: e})
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Warn("Protocol", "Failed to encode JSON-RPC response: %v", err)
	}
}
