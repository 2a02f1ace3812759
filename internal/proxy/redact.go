package proxy

import (
	"encoding/json"
	"regexp"

	"github.com/ferrants/ChaasKit-sub001/pkg/strings"
)

const (
	// RedactedValue replaces sensitive values in logs.
	RedactedValue = "[REDACTED]"
	// MaxLogStringLen bounds each string value in logged arguments.
	MaxLogStringLen = 200
	// MaxLogArgsLen bounds the whole formatted argument object.
	MaxLogArgsLen = 2000
)

var sensitiveKeyPattern = regexp.MustCompile(`(?i)key|token|password|secret|authorization`)

// Redact returns a copy of v safe for logging. Values under keys that look
// like credentials are replaced at any depth and long strings are truncated.
func Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if sensitiveKeyPattern.MatchString(k) {
				out[k] = RedactedValue
				continue
			}
			out[k] = Redact(inner)
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if sensitiveKeyPattern.MatchString(k) {
				out[k] = RedactedValue
				continue
			}
			out[k] = strings.TruncateForLog(inner, MaxLogStringLen)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = Redact(inner)
		}
		return out
	case string:
		return strings.TruncateForLog(val, MaxLogStringLen)
	default:
		return val
	}
}

// FormatArgs renders tool arguments for a log line.
func FormatArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(Redact(args))
	if err != nil {
		return "<unprintable>"
	}
	return strings.TruncateForLog(string(data), MaxLogArgsLen)
}
