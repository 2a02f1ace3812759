// Package authserver is the inbound OAuth 2.1 authorization server that lets
// external clients obtain tokens for the broker's protocol endpoint.
//
// A client registers (RFC 7591) or is configured statically, sends the user
// to the authorization endpoint with a PKCE S256 challenge, and after the
// user approves on the consent page receives a single-use code. The code is
// exchanged for a short-lived JWT access token and an opaque refresh token.
// Every token pair belongs to a grant; refresh tokens rotate on use and
// presenting a rotated token again revokes the grant.
//
// Access tokens are verified by Authenticate, which also rejects tokens of
// revoked grants. Discovery documents (RFC 8414, RFC 9728) are always served
// and report oauth_not_enabled while the server is disabled.
package authserver
