// Package redissession implements replay.SessionStore on Redis so that
// several processes behind a load balancer share in-flight authorization
// state.
//
// Design Notes
//   - One string key per session and namespace, holding the JSON tuple list
//   - Update uses WATCH + MULTI/EXEC and retries on conflicts, so a state
//     value is consumed by at most one concurrent callback
//   - Every write refreshes the key TTL; abandoned entries expire on their own
//
// Example:
//
//	sessions, _ := redissession.New(redissession.Config{RedisAddr: "localhost:6379"})
//	defer sessions.Close()
//
// Use memorysession for single-process servers and tests.
package redissession
