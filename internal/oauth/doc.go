// Package oauth drives OAuth 2.1 against third-party tool servers on behalf
// of users and teams.
//
// # Discovery
//
// A Discoverer resolves the authorization and token endpoints plus a client
// identity for a server. Static metadata from configuration wins; otherwise
// it follows RFC 9728 protected resource metadata to the authorization
// server, reads RFC 8414 (or OpenID Connect) metadata and, when no client id
// is configured, registers a client with RFC 7591. Results are cached per
// server for the process lifetime.
//
// # Flow
//
// Flow implements the PKCE authorization code flow:
//
//   - StartAuthorization persists a pending state and encrypted verifier on
//     the credential row and returns the provider URL.
//   - CompleteAuthorization validates the typed State, exchanges the code,
//     stores the encrypted token set and invalidates the cached connection.
//   - RefreshIfExpired is called before every use of an OAuth credential.
//     Without a refresh token it returns ErrReauthorizationRequired.
//
// The state parameter is a base64url JSON State naming the owner kind, owner
// id and server, so user and team callbacks share one endpoint.
package oauth
