// Package replay stores the state and nonce of in-flight OpenID Connect
// authorization requests so that each callback is accepted at most once.
//
// Two backends implement Store with the same observable behavior:
//
//   - NewSessionStore keeps the tuple list in a server-side SessionStore
//     (see memorysession and redissession) under a single namespaced key.
//   - NewCookieStore keeps each tuple in its own AES-GCM sealed cookie, so no
//     server-side state is needed.
//
// Both bound the number of tuples per user agent (oldest evicted first) and
// their age.
package replay
