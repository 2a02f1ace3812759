// Package protocol exposes the broker itself as a tool server: JSON-RPC 2.0
// over HTTP POST on /mcp, authenticated with bearer tokens.
//
// Callers present either an access token from the inbound authorization
// server, whose scope limits tools/call ("tools") and resources/read
// ("resources"), or a static API key, which is unrestricted. initialize and
// ping need no token. Requests without a usable token get HTTP 401 with a
// WWW-Authenticate challenge naming the protected resource metadata.
//
// The tools are the caller's aggregated tool-server tools, named
// "<serverID>__<tool>", plus broker_list_servers. The resources are the
// server catalog, one "broker://servers/<id>" document per server.
package protocol
