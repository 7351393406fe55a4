// Package replaytest is a conformance suite for replay.Store backends. Every
// backend must pass it unchanged.
package replaytest

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/ggoodman/oidcauth/replay"
)

// SessionCookie carries the session id the suite's user agents present.
const SessionCookie = "replaytest_sid"

// SessionID reads SessionCookie; pass it to replay.NewSessionStore.
var SessionID = replay.SessionIDFromCookie(SessionCookie)

// Factory creates a Store enforcing l.
type Factory func(t *testing.T, l replay.Limits) replay.Store

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock { return &Clock{now: time.Unix(1_700_000_000, 0)} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Agent is a user agent with a cookie jar and a session cookie. Cookies set
// on a response are presented on the next request.
type Agent struct {
	mu  sync.Mutex
	jar map[string]*http.Cookie
}

func NewAgent() *Agent {
	a := &Agent{jar: map[string]*http.Cookie{}}
	a.jar[SessionCookie] = &http.Cookie{Name: SessionCookie, Value: uuid.NewString()}
	return a
}

// Request builds a request carrying the agent's cookies.
func (a *Agent) Request(method, target string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.jar {
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return r
}

// Absorb applies the Set-Cookie headers of rec to the jar.
func (a *Agent) Absorb(rec *httptest.ResponseRecorder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(a.jar, c.Name)
			continue
		}
		a.jar[c.Name] = c
	}
}

// Cookies returns a copy of the jar.
func (a *Agent) Cookies() []*http.Cookie {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*http.Cookie, 0, len(a.jar))
	for _, c := range a.jar {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// Add stores t through s in a fresh request/response round trip.
func (a *Agent) Add(t *testing.T, s replay.Store, tup replay.Tuple) {
	t.Helper()
	rec := httptest.NewRecorder()
	if err := s.Add(rec, a.Request(http.MethodGet, "https://app.example.com/login"), tup); err != nil {
		t.Fatalf("add: %v", err)
	}
	a.Absorb(rec)
}

// FindAndRemove looks state up through s in a fresh round trip.
func (a *Agent) FindAndRemove(s replay.Store, state string) (replay.Tuple, error) {
	rec := httptest.NewRecorder()
	tup, err := s.FindAndRemove(rec, a.Request(http.MethodPost, "https://app.example.com/callback"), state)
	a.Absorb(rec)
	return tup, err
}

// Run executes the suite.
func Run(t *testing.T, factory Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, factory) })
	t.Run("SingleUse", func(t *testing.T) { testSingleUse(t, factory) })
	t.Run("UnknownState", func(t *testing.T) { testUnknownState(t, factory) })
	t.Run("MaxAmountEvictsOldest", func(t *testing.T) { testMaxAmount(t, factory) })
	t.Run("MaxAgeExpires", func(t *testing.T) { testMaxAge(t, factory) })
	t.Run("IsolationBetweenAgents", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("InterleavedFlows", func(t *testing.T) { testInterleaved(t, factory) })
}

// RunConcurrent checks that concurrent callbacks presenting the same state
// are satisfied at most once. It only applies to server-side backends, since
// a cookie backend cannot see a copy of the cookie replayed elsewhere.
func RunConcurrent(t *testing.T, factory Factory) {
	t.Run("ConcurrentFindAndRemove", func(t *testing.T) {
		clock := NewClock()
		s := factory(t, replay.Limits{Now: clock.Now})
		a := NewAgent()
		a.Add(t, s, replay.Tuple{State: "S1", Nonce: "N1", CreatedAt: clock.Now()})

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec := httptest.NewRecorder()
				_, err := s.FindAndRemove(rec, a.Request(http.MethodPost, "https://app.example.com/callback"), "S1")
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !errors.Is(err, replay.ErrNotFound) {
					t.Errorf("find: %v", err)
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("state consumed %d times, want 1", wins)
		}
	})
}

func testRoundTrip(t *testing.T, factory Factory) {
	clock := NewClock()
	s := factory(t, replay.Limits{Now: clock.Now})
	a := NewAgent()

	want := replay.Tuple{
		State:     "S1",
		Nonce:     "N1",
		CreatedAt: clock.Now().UTC(),
		Context:   []byte(`{"custom_state":"x"}`),
	}
	a.Add(t, s, want)

	got, err := a.FindAndRemove(s, "S1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if diff := cmp.Diff(want.State, got.State); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Nonce, got.Nonce); diff != "" {
		t.Errorf("nonce mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Context, got.Context); diff != "" {
		t.Errorf("context mismatch (-want +got):\n%s", diff)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
}

func testSingleUse(t *testing.T, factory Factory) {
	clock := NewClock()
	s := factory(t, replay.Limits{Now: clock.Now})
	a := NewAgent()
	a.Add(t, s, replay.Tuple{State: "S1", Nonce: "N1", CreatedAt: clock.Now()})

	if _, err := a.FindAndRemove(s, "S1"); err != nil {
		t.Fatalf("first find: %v", err)
	}
	if _, err := a.FindAndRemove(s, "S1"); !errors.Is(err, replay.ErrNotFound) {
		t.Fatalf("second find: want ErrNotFound, got %v", err)
	}
}

func testUnknownState(t *testing.T, factory Factory) {
	s := factory(t, replay.Limits{})
	a := NewAgent()
	if _, err := a.FindAndRemove(s, "nope"); !errors.Is(err, replay.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func testMaxAmount(t *testing.T, factory Factory) {
	clock := NewClock()
	s := factory(t, replay.Limits{MaxAmount: 3, Now: clock.Now})
	a := NewAgent()

	for i := 0; i < 5; i++ {
		a.Add(t, s, replay.Tuple{State: fmt.Sprintf("S%d", i), Nonce: fmt.Sprintf("N%d", i), CreatedAt: clock.Now()})
		clock.Advance(time.Second)
	}

	for _, state := range []string{"S0", "S1"} {
		if _, err := a.FindAndRemove(s, state); !errors.Is(err, replay.ErrNotFound) {
			t.Errorf("%s should have been evicted, got %v", state, err)
		}
	}
	for _, state := range []string{"S2", "S3", "S4"} {
		if _, err := a.FindAndRemove(s, state); err != nil {
			t.Errorf("%s: %v", state, err)
		}
	}
}

func testMaxAge(t *testing.T, factory Factory) {
	clock := NewClock()
	s := factory(t, replay.Limits{MaxAge: time.Minute, Now: clock.Now})
	a := NewAgent()

	a.Add(t, s, replay.Tuple{State: "old", Nonce: "N1", CreatedAt: clock.Now()})
	clock.Advance(30 * time.Second)
	a.Add(t, s, replay.Tuple{State: "young", Nonce: "N2", CreatedAt: clock.Now()})
	clock.Advance(45 * time.Second)

	if _, err := a.FindAndRemove(s, "old"); !errors.Is(err, replay.ErrNotFound) {
		t.Errorf("old: want ErrNotFound, got %v", err)
	}
	if _, err := a.FindAndRemove(s, "young"); err != nil {
		t.Errorf("young: %v", err)
	}
}

func testIsolation(t *testing.T, factory Factory) {
	clock := NewClock()
	s := factory(t, replay.Limits{Now: clock.Now})
	alice, bob := NewAgent(), NewAgent()

	alice.Add(t, s, replay.Tuple{State: "S1", Nonce: "N1", CreatedAt: clock.Now()})
	if _, err := bob.FindAndRemove(s, "S1"); !errors.Is(err, replay.ErrNotFound) {
		t.Fatalf("bob must not see alice's state, got %v", err)
	}
	if _, err := alice.FindAndRemove(s, "S1"); err != nil {
		t.Fatalf("alice: %v", err)
	}
}

func testInterleaved(t *testing.T, factory Factory) {
	clock := NewClock()
	s := factory(t, replay.Limits{Now: clock.Now})
	a := NewAgent()

	a.Add(t, s, replay.Tuple{State: "tab1", Nonce: "N1", CreatedAt: clock.Now()})
	a.Add(t, s, replay.Tuple{State: "tab2", Nonce: "N2", CreatedAt: clock.Now()})

	got, err := a.FindAndRemove(s, "tab2")
	if err != nil || got.Nonce != "N2" {
		t.Fatalf("tab2: %+v %v", got, err)
	}
	got, err = a.FindAndRemove(s, "tab1")
	if err != nil || got.Nonce != "N1" {
		t.Fatalf("tab1: %+v %v", got, err)
	}
}
