// Package connection keeps live protocol sessions with tool servers.
//
// A Manager owns three disjoint pools keyed by Key:
//
//   - global: servers in none or admin auth mode, one connection per server,
//     opened at startup or on first use;
//   - user: one connection per (user, server) for user-apikey and user-oauth;
//   - team: one connection per (team, server) for team-apikey and team-oauth.
//
// Concurrent requests for a key that has no connection share one connect
// (singleflight). Every eviction bumps a per-key generation so a connect that
// raced an invalidation discards its result instead of caching a session
// opened with the old credential.
//
// User and team connections idle longer than the idle timeout are evicted by
// a background sweep; connections with calls in flight are never evicted.
// Evicted connections are closed once their last call returns. Closing a
// stdio connection terminates its child process.
//
// A missing credential is not an error: GetForUser and GetForTeam return
// nil, nil so callers can ask the principal to configure one.
package connection
