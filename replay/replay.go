package replay

import (
	"errors"
	"net/http"
	"slices"
	"time"
)

const (
	DefaultMaxAmount = 10
	DefaultMaxAge    = time.Hour
)

// ErrNotFound is returned by FindAndRemove when the state is unknown, was
// already consumed, or expired.
var ErrNotFound = errors.New("replay: state not found")

// Tuple correlates an authorization request with its callback.
type Tuple struct {
	State     string    `json:"state"`
	Nonce     string    `json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
	// Context is opaque data captured when the request was initiated and
	// handed back on the callback.
	Context []byte `json:"ctx,omitempty"`
}

// Store is the capability shared by every backend. Implementations must
// enforce single use: once FindAndRemove returned a tuple, later calls with
// the same state return ErrNotFound.
type Store interface {
	Add(w http.ResponseWriter, r *http.Request, t Tuple) error
	FindAndRemove(w http.ResponseWriter, r *http.Request, state string) (Tuple, error)
}

// Limits bound how many tuples a single user agent may hold and for how long.
type Limits struct {
	MaxAmount int
	MaxAge    time.Duration
	Now       func() time.Time
}

func (l Limits) withDefaults() Limits {
	if l.MaxAmount <= 0 {
		l.MaxAmount = DefaultMaxAmount
	}
	if l.MaxAge <= 0 {
		l.MaxAge = DefaultMaxAge
	}
	if l.Now == nil {
		l.Now = time.Now
	}
	return l
}

// stamp sets CreatedAt when the caller left it zero.
func (l Limits) stamp(t Tuple) Tuple {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = l.Now()
	}
	return t
}

func (l Limits) expired(t Tuple) bool {
	return l.Now().Sub(t.CreatedAt) > l.MaxAge
}

// prune drops expired tuples, then the oldest ones until at most
// MaxAmount-room remain. It returns the kept and the dropped tuples.
func prune(ts []Tuple, l Limits, room int) (kept, dropped []Tuple) {
	for _, t := range ts {
		if l.expired(t) {
			dropped = append(dropped, t)
			continue
		}
		kept = append(kept, t)
	}
	slices.SortStableFunc(kept, func(a, b Tuple) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if excess := len(kept) - (l.MaxAmount - room); excess > 0 {
		dropped = append(dropped, kept[:excess]...)
		kept = append([]Tuple(nil), kept[excess:]...)
	}
	return kept, dropped
}

// remove returns ts without the tuple for state, and that tuple.
func remove(ts []Tuple, state string) ([]Tuple, Tuple, bool) {
	for i, t := range ts {
		if t.State == state {
			return slices.Delete(slices.Clone(ts), i, i+1), t, true
		}
	}
	return ts, Tuple{}, false
}
