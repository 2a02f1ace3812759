// Package proxy invokes tools and reads resources on configured tool servers
// on behalf of a principal.
//
// Each call is routed by the server's auth mode: none and admin servers use
// the shared global connection, team servers the calling team's connection and
// user servers the calling user's connection. Results are converted into a
// transport-neutral ToolResult. Failures never surface as Go errors from
// CallTool; they come back as an error result with a FailureKind so callers
// can tell "configure a credential" apart from "the server is down".
//
// Arguments are redacted before logging: values under keys that look like
// credentials are replaced at any depth and long strings are truncated.
package proxy
