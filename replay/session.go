package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ggoodman/oidcauth/auth"
)

// SessionStore is the host's server-side session storage.
type SessionStore interface {
	// Update atomically replaces the value stored under key for sessionID
	// with the result of fn. fn receives nil when nothing is stored; a nil
	// result deletes the entry. An error from fn aborts the update.
	Update(ctx context.Context, sessionID, key string, fn func(cur []byte) ([]byte, error)) error
}

// SessionIDFunc extracts the caller's session id from a request.
type SessionIDFunc func(r *http.Request) (string, error)

// ErrNoSession is returned by SessionIDFromCookie when the cookie is absent.
var ErrNoSession = errors.New("replay: no session")

// SessionIDFromCookie reads the session id from the named cookie.
func SessionIDFromCookie(name string) SessionIDFunc {
	return func(r *http.Request) (string, error) {
		c, err := r.Cookie(name)
		if err != nil || c.Value == "" {
			return "", ErrNoSession
		}
		return c.Value, nil
	}
}

// SessionBackend is a Store over a SessionStore.
type SessionBackend struct {
	host      SessionStore
	sessionID SessionIDFunc
	key       string
	limits    Limits
}

// NewSessionStore returns a Store keeping all tuples of a session in host
// under key (for example "OIDC: " + clientID).
func NewSessionStore(host SessionStore, sessionID SessionIDFunc, key string, l Limits) (*SessionBackend, error) {
	if host == nil {
		return nil, auth.Configf("replay: session store is required")
	}
	if sessionID == nil {
		return nil, auth.Configf("replay: session id func is required")
	}
	if key == "" {
		return nil, auth.Configf("replay: session key is required")
	}
	return &SessionBackend{host: host, sessionID: sessionID, key: key, limits: l.withDefaults()}, nil
}

func (s *SessionBackend) Add(_ http.ResponseWriter, r *http.Request, t Tuple) error {
	sid, err := s.sessionID(r)
	if err != nil {
		return err
	}
	t = s.limits.stamp(t)
	return s.host.Update(r.Context(), sid, s.key, func(cur []byte) ([]byte, error) {
		ts, err := decodeTuples(cur)
		if err != nil {
			return nil, err
		}
		ts, _, _ = remove(ts, t.State)
		ts, _ = prune(ts, s.limits, 1)
		return encodeTuples(append(ts, t))
	})
}

func (s *SessionBackend) FindAndRemove(_ http.ResponseWriter, r *http.Request, state string) (Tuple, error) {
	sid, err := s.sessionID(r)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return Tuple{}, ErrNotFound
		}
		return Tuple{}, err
	}
	var (
		found Tuple
		ok    bool
	)
	err = s.host.Update(r.Context(), sid, s.key, func(cur []byte) ([]byte, error) {
		ts, err := decodeTuples(cur)
		if err != nil {
			return nil, err
		}
		ts, _ = prune(ts, s.limits, 0)
		ts, found, ok = remove(ts, state)
		return encodeTuples(ts)
	})
	if err != nil {
		return Tuple{}, err
	}
	if !ok {
		return Tuple{}, ErrNotFound
	}
	return found, nil
}

func decodeTuples(b []byte) ([]Tuple, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var ts []Tuple
	if err := json.Unmarshal(b, &ts); err != nil {
		return nil, fmt.Errorf("replay: decode session entry: %w", err)
	}
	return ts, nil
}

func encodeTuples(ts []Tuple) ([]byte, error) {
	if len(ts) == 0 {
		return nil, nil
	}
	return json.Marshal(ts)
}

var _ Store = (*SessionBackend)(nil)
