// Package oauth holds OAuth 2.1 wire types and helpers shared by the
// outbound client flows and the inbound authorization server: RFC 8414 and
// RFC 9728 metadata documents, RFC 7591 client metadata, PKCE, and
// WWW-Authenticate challenge handling.
//
// Nothing in this package keeps state. Discovery caches and flow state live
// in internal/oauth and internal/authserver.
package oauth
