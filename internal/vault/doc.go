// Package vault encrypts credential payloads at rest.
//
// A single master key is read from the environment at startup. Separate keys
// for credential encryption and token signing are derived from it with
// HKDF-SHA256, so rotating the master key invalidates both.
package vault
