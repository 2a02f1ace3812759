package protocol

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ferrants/ChaasKit-sub001/internal/proxy"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// ToolSeparator joins a server id and a tool name in exposed tool names.
const ToolSeparator = "__"

// ListServersTool is the built-in tool reporting the caller's servers.
const ListServersTool = "broker_list_servers"

// ToolName returns the exposed name of a tool-server tool.
func ToolName(serverID, tool string) string {
	return serverID + ToolSeparator + tool
}

// SplitToolName reverses ToolName.
func SplitToolName(name string) (serverID, tool string, ok bool) {
	serverID, tool, ok = strings.Cut(name, ToolSeparator)
	if !ok || serverID == "" || tool == "" {
		return "", "", false
	}
	return serverID, tool, true
}

var listServersTool = mcp.NewTool(ListServersTool,
	mcp.WithDescription("List the tool servers available to you and whether a credential is configured for each."),
	mcp.WithReadOnlyHintAnnotation(true),
)

type listToolsResult struct {
	Tools []mcp.Tool `json:"tools"`
}

type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

func (h *Handler) listTools(ctx context.Context, caller Caller, _ json.RawMessage) (any, *Error) {
	tools := []mcp.Tool{listServersTool}
	for _, st := range h.broker.ListTools(ctx, caller.Principal) {
		t := st.Tool
		t.Name = ToolName(st.ServerID, st.Tool.Name)
		tools = append(tools, t)
	}
	logging.Debug("Protocol", "Listing %d tools for user %s", len(tools), logging.TruncateID(caller.Principal.UserID))
	return listToolsResult{Tools: tools}, nil
}

func (h *Handler) callTool(ctx context.Context, caller Caller, raw json.RawMessage) (any, *Error) {
	var params callToolParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, rpcError(CodeInvalidParams, "tool name is required")
	}

	if params.Name == ListServersTool {
		return h.callListServers(ctx, caller)
	}

	serverID, tool, ok := SplitToolName(params.Name)
	if !ok {
		return nil, rpcError(CodeInvalidParams, "unknown tool: "+params.Name)
	}
	return h.broker.CallTool(ctx, caller.Principal, serverID, tool, params.Arguments), nil
}

func (h *Handler) callListServers(ctx context.Context, caller Caller) (any, *Error) {
	statuses, rpcErr := h.listStatuses(ctx, caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	text, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return nil, rpcError(CodeInternalError, "failed to encode servers")
	}
	return &proxy.ToolResult{
		Content:           []proxy.ContentItem{{Type: proxy.ContentText, Text: string(text)}},
		StructuredContent: map[string]any{"servers": statuses},
	}, nil
}
