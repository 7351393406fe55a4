// Package memorysession provides an in-memory replay.SessionStore suitable
// for tests, development and single-process servers. All state is discarded
// on process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Atomicity         : one mutex around every Update
//	Expiry            : entries idle longer than the TTL are dropped lazily
//
// Example:
//
//	sessions := memorysession.New(time.Hour)
//	store, _ := replay.NewSessionStore(sessions, replay.SessionIDFromCookie("sid"), "OIDC: "+clientID, replay.Limits{})
//
// For multi-node deployments prefer redissession.
package memorysession
