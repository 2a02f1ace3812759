package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolHandler answers calls of one mock tool with its configured responses.
type ToolHandler struct {
	config ToolConfig
}

// NewToolHandler creates a handler for config.
func NewToolHandler(config ToolConfig) *ToolHandler {
	return &ToolHandler{config: config}
}

// Tool returns the protocol definition of the tool.
func (h *ToolHandler) Tool() mcp.Tool {
	tool := mcp.NewTool(h.config.Name, mcp.WithDescription(h.config.Description))
	if props, ok := h.config.InputSchema["properties"].(map[string]interface{}); ok {
		tool.InputSchema.Properties = props
	}
	return tool
}

// Handle is the mcp-go tool handler.
func (h *ToolHandler) Handle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := h.mergeWithDefaults(request.GetArguments())

	resp := h.selectResponse(args)
	if resp == nil {
		return mcp.NewToolResultError(fmt.Sprintf("no response configured for tool %s", h.config.Name)), nil
	}

	if resp.Delay != "" {
		if d, err := time.ParseDuration(resp.Delay); err == nil {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if resp.Error != "" {
		msg, err := render(resp.Error, args)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultError(msg), nil
	}

	text, err := responseText(resp.Response, args)
	if err != nil {
		return nil, err
	}
	result := mcp.NewToolResultText(text)
	if resp.ImageData != "" {
		result.Content = append(result.Content, mcp.NewImageContent(resp.ImageData, resp.ImageMIME))
	}
	if resp.Structured != nil {
		result.StructuredContent = resp.Structured
	}
	return result, nil
}

func (h *ToolHandler) selectResponse(args map[string]interface{}) *ToolResponse {
	for i := range h.config.Responses {
		if matchesCondition(h.config.Responses[i].Condition, args) {
			return &h.config.Responses[i]
		}
	}
	if len(h.config.Responses) > 0 {
		return &h.config.Responses[0]
	}
	return nil
}

// mergeWithDefaults overlays args on the defaults of the input schema.
func (h *ToolHandler) mergeWithDefaults(args map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{})
	if properties, ok := h.config.InputSchema["properties"].(map[string]interface{}); ok {
		for name, def := range properties {
			if defMap, ok := def.(map[string]interface{}); ok {
				if v, ok := defMap["default"]; ok {
					merged[name] = v
				}
			}
		}
	}
	for k, v := range args {
		merged[k] = v
	}
	return merged
}

func matchesCondition(condition, args map[string]interface{}) bool {
	for key, expected := range condition {
		actual, ok := args[key]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(expected, actual) && fmt.Sprintf("%v", expected) != fmt.Sprintf("%v", actual) {
			return false
		}
	}
	return true
}

func responseText(response interface{}, args map[string]interface{}) (string, error) {
	switch v := response.(type) {
	case nil:
		return "", nil
	case string:
		return render(v, args)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), nil
		}
		return string(data), nil
	}
}

func render(text string, args map[string]interface{}) (string, error) {
	tmpl, err := template.New("response").Funcs(sprig.TxtFuncMap()).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse response template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, args); err != nil {
		return "", fmt.Errorf("failed to render response: %w", err)
	}
	return buf.String(), nil
}
