// Package server exposes the broker over HTTP.
//
// A single chi router serves every surface of the broker:
//
//   - /mcp - the protocol endpoint (JSON-RPC over POST, bearer auth)
//   - /.well-known/oauth-authorization-server and
//     /.well-known/oauth-protected-resource - discovery documents
//   - /oauth/* - the inbound authorization server
//   - /api/* - the application API, authenticated by the trusted identity
//     headers of the session layer in front of the broker
//   - the outbound OAuth callback (outboundOAuth.callbackPath)
//   - /healthz and /metrics
//
// Errors returned by the services are mapped onto HTTP statuses in one
// place, see statusFor.
//
// # Application API
//
//	GET    /api/tools                         list tools across the caller's servers
//	POST   /api/tools/call                    {"serverId","tool","arguments"}
//	POST   /api/resources/read                {"serverId","uri"}
//	GET    /api/credentials                   credential status per server
//	PUT    /api/credentials/{serverID}/apikey {"apiKey"}
//	POST   /api/credentials/{serverID}/oauth  start an outbound OAuth flow
//	DELETE /api/credentials/{serverID}        remove the stored credential
package server
