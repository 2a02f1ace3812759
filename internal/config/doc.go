// Package config loads the broker configuration.
//
// Configuration is read from config.yaml in a single directory. The default
// directory is ~/.config/broker and the serve command accepts --config-path to
// override it. A missing file yields GetDefaultConfig.
//
// Tool servers are declared under mcpServers and are immutable at runtime:
//
//	mcpServers:
//	  - id: github
//	    name: GitHub
//	    transport: streamable-http
//	    url: https://api.githubcopilot.com/mcp/
//	    authMode: user-oauth
//	  - id: filesystem
//	    transport: stdio
//	    command: npx
//	    args: ["-y", "@modelcontextprotocol/server-filesystem", "/srv/shared"]
//	    authMode: none
//
// Transport and AuthMode are closed sets. Unknown values are rejected while
// decoding, and every switch over them handles each member explicitly.
//
// Secrets never appear in the file. Fields such as adminSecretEnv,
// clientSecretEnv and vault.keyEnv name environment variables instead.
package config
