package protocol

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ferrants/ChaasKit-sub001/internal/credentials"
	"github.com/ferrants/ChaasKit-sub001/internal/proxy"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// ServerResourcePrefix prefixes the URI of each server catalog resource.
const ServerResourcePrefix = "broker://servers/"

const resourceMIMEType = "application/json"

type resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType"`
}

type listResourcesResult struct {
	Resources []resource `json:"resources"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}

func (h *Handler) listResources(ctx context.Context, caller Caller, _ json.RawMessage) (any, *Error) {
	statuses, rpcErr := h.listStatuses(ctx, caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	result := listResourcesResult{Resources: make([]resource, 0, len(statuses))}
	for _, st := range statuses {
		result.Resources = append(result.Resources, resource{
			URI:         ServerResourcePrefix + st.ServerID,
			Name:        st.Name,
			Description: st.Description,
			MIMEType:    resourceMIMEType,
		})
	}
	return result, nil
}

func (h *Handler) readResource(ctx context.Context, caller Caller, raw json.RawMessage) (any, *Error) {
	var params readResourceParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	serverID, ok := strings.CutPrefix(params.URI, ServerResourcePrefix)
	if !ok || serverID == "" {
		return nil, rpcError(CodeInvalidParams, "unknown resource: "+params.URI)
	}

	statuses, rpcErr := h.listStatuses(ctx, caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	for _, st := range statuses {
		if st.ServerID != serverID {
			continue
		}
		text, err := json.Marshal(st)
		if err != nil {
			return nil, rpcError(CodeInternalError, "failed to encode server status")
		}
		return proxy.ResourceResult{Contents: []proxy.ResourceContent{{
			URI:      params.URI,
			MIMEType: resourceMIMEType,
			Text:     string(text),
		}}}, nil
	}
	return nil, rpcError(CodeInvalidParams, "unknown resource: "+params.URI)
}

func (h *Handler) listStatuses(ctx context.Context, caller Caller) ([]credentials.Status, *Error) {
	statuses, err := h.statuses.List(ctx, caller.Principal)
	if err != nil {
		logging.Error("Protocol", err, "Failed to list server status for user %s", logging.TruncateID(caller.Principal.UserID))
		return nil, rpcError(CodeInternalError, "failed to list servers")
	}
	return statuses, nil
}
