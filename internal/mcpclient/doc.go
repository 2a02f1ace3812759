// Package mcpclient wraps the mcp-go client transports behind one Client
// interface.
//
// Three transports are supported, selected by config.Transport:
//
//   - stdio: the server runs as a child process. StdioClient owns the
//     process; Close closes stdin, then sends SIGTERM and finally SIGKILL if
//     the child does not exit within the grace period.
//   - sse: the one-way Server-Sent Events transport.
//   - streamable-http: the bidirectional streamable HTTP transport.
//
// New injects the resolved credential: remote servers receive it in the
// configured header (Authorization gets a Bearer prefix), stdio servers in the
// configured environment variable. A 401 during the handshake is reported as
// *AuthRequiredError so callers can ask the owner to authorize again.
package mcpclient
