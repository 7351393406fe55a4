// Package metadata discovers an OpenID Connect provider's endpoints and
// signing keys and keeps them cached.
//
// A Provider is created once per authority and shared. The first use fetches
// the discovery document and its jwks_uri; later calls read an immutable
// snapshot. An unknown key id may trigger a single Refresh, which is
// suppressed for the refresh interval after it ran. Concurrent fetches are
// coalesced. When a refetch fails the previous snapshot stays in use.
//
// Only https metadata and key set URLs are accepted.
package metadata
