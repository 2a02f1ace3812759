// Package mock provides in-process fixtures for tests: an OAuth 2.1
// provider, HTTP MCP servers over streamable HTTP or SSE (optionally
// protected by the provider or a static credential), and a stdio MCP server
// that re-executes the test binary.
//
// Mock tools answer from configured responses:
//
//	mock.ToolConfig{
//		Name: "greet",
//		Responses: []mock.ToolResponse{
//			{Condition: map[string]interface{}{"name": "error"}, Error: "bad name"},
//			{Response: "hello {{.name}}"},
//		},
//	}
//
// String responses are Go templates over the call arguments with the sprig
// function set available.
package mock
