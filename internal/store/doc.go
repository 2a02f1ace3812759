// Package store persists broker state in SQLite: encrypted tool server
// credentials, inbound OAuth clients, authorization codes, grants and
// refresh tokens.
//
// Credential payloads arrive already sealed by the vault package; the store
// never sees plaintext secrets. Authorization codes and refresh tokens are
// stored by SHA-256 digest only.
package store
