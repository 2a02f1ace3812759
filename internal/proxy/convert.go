package proxy

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// convertToolResult maps protocol content blocks onto ContentItem. Unknown
// block types are kept as JSON text.
func convertToolResult(raw *mcp.CallToolResult) *ToolResult {
	if raw == nil {
		return &ToolResult{Content: []ContentItem{}}
	}
	items := make([]ContentItem, 0, len(raw.Content))
	for _, c := range raw.Content {
		items = append(items, convertContent(c))
	}
	return &ToolResult{
		Content:           items,
		StructuredContent: raw.StructuredContent,
		IsError:           raw.IsError,
	}
}

func convertContent(c mcp.Content) ContentItem {
	switch v := c.(type) {
	case mcp.TextContent:
		return ContentItem{Type: ContentText, Text: v.Text}
	case *mcp.TextContent:
		return ContentItem{Type: ContentText, Text: v.Text}
	case mcp.ImageContent:
		return ContentItem{Type: ContentImage, Data: v.Data, MIMEType: v.MIMEType}
	case *mcp.ImageContent:
		return ContentItem{Type: ContentImage, Data: v.Data, MIMEType: v.MIMEType}
	case mcp.AudioContent:
		return ContentItem{Type: ContentAudio, Data: v.Data, MIMEType: v.MIMEType}
	case *mcp.AudioContent:
		return ContentItem{Type: ContentAudio, Data: v.Data, MIMEType: v.MIMEType}
	case mcp.EmbeddedResource:
		return embedded(v.Resource)
	case *mcp.EmbeddedResource:
		return embedded(v.Resource)
	case mcp.ResourceLink:
		return ContentItem{Type: ContentResourceLink, URI: v.URI, Name: v.Name, Description: v.Description, MIMEType: v.MIMEType}
	case *mcp.ResourceLink:
		return ContentItem{Type: ContentResourceLink, URI: v.URI, Name: v.Name, Description: v.Description, MIMEType: v.MIMEType}
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return ContentItem{Type: ContentText}
		}
		return ContentItem{Type: ContentText, Text: string(data)}
	}
}

func embedded(rc mcp.ResourceContents) ContentItem {
	content := convertResourceContents(rc)
	return ContentItem{Type: ContentResource, Resource: &content}
}

func convertResourceContents(rc mcp.ResourceContents) ResourceContent {
	switch v := rc.(type) {
	case mcp.TextResourceContents:
		return ResourceContent{URI: v.URI, MIMEType: v.MIMEType, Text: v.Text}
	case *mcp.TextResourceContents:
		return ResourceContent{URI: v.URI, MIMEType: v.MIMEType, Text: v.Text}
	case mcp.BlobResourceContents:
		return ResourceContent{URI: v.URI, MIMEType: v.MIMEType, Blob: v.Blob}
	case *mcp.BlobResourceContents:
		return ResourceContent{URI: v.URI, MIMEType: v.MIMEType, Blob: v.Blob}
	default:
		return ResourceContent{}
	}
}

func convertResourceResult(raw *mcp.ReadResourceResult) *ResourceResult {
	if raw == nil {
		return &ResourceResult{Contents: []ResourceContent{}}
	}
	out := make([]ResourceContent, 0, len(raw.Contents))
	for _, rc := range raw.Contents {
		out = append(out, convertResourceContents(rc))
	}
	return &ResourceResult{Contents: out}
}
