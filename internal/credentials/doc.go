// Package credentials implements the credential management operations
// principals use to configure tool servers: list status, set an API key,
// start and complete an OAuth flow, delete.
//
// The owner of a credential follows from the server's auth mode. User
// servers store it for the calling user; team servers for the caller's
// active team, which requires team context and a role allowed to manage team
// credentials. Servers in none or admin mode take no per-principal
// credential.
package credentials
