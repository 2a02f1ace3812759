package mock

// HTTPTransportType selects the transport an HTTP fixture serves.
type HTTPTransportType string

const (
	HTTPTransportStreamableHTTP HTTPTransportType = "streamable-http"
	HTTPTransportSSE            HTTPTransportType = "sse"
)

// ToolConfig defines a mock tool.
type ToolConfig struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	InputSchema map[string]interface{} `yaml:"input_schema"`
	Responses   []ToolResponse         `yaml:"responses"`
}

// ToolResponse is one conditional response of a mock tool. The first
// response whose Condition matches the arguments wins; the first response is
// the fallback.
type ToolResponse struct {
	Condition map[string]interface{} `yaml:"condition,omitempty"`
	// Response is rendered as text. Strings are Go templates over the
	// arguments; other values are JSON encoded.
	Response interface{} `yaml:"response,omitempty"`
	// Error makes the tool return an error result with this message.
	Error string `yaml:"error,omitempty"`
	// Delay simulates latency, e.g. "500ms".
	Delay string `yaml:"delay,omitempty"`
	// Structured is returned as structuredContent.
	Structured map[string]interface{} `yaml:"structured,omitempty"`
	// ImageData is base64 image data added as an image block.
	ImageData string `yaml:"image_data,omitempty"`
	ImageMIME string `yaml:"image_mime,omitempty"`
}

// ResourceConfig defines a static text resource.
type ResourceConfig struct {
	URI      string `yaml:"uri"`
	Name     string `yaml:"name"`
	MIMEType string `yaml:"mime_type"`
	Text     string `yaml:"text"`
}
