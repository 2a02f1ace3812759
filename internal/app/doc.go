// Package app provides application bootstrap and lifecycle management for
// the broker.
//
// It is the only place where services are constructed and connected to one
// another:
//
//   - Bootstrap (bootstrap.go): logging, configuration loading, Start, Run
//     and Shutdown
//   - Configuration (config.go): runtime settings from the command line
//   - Services (services.go): dependency injection of the vault, store,
//     outbound OAuth flow, connection manager, task runner, credential
//     service, proxy, authorization server, protocol handler and HTTP server
//
// Startup queues a connect task for every global-pool server so the first
// call does not pay for it. Shutdown runs in reverse order: HTTP listener,
// authorization server sweep, task workers, connection pools (terminating
// child processes), database.
package app
