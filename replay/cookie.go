package replay

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ggoodman/oidcauth/auth"
)

const (
	cookieKeySize   = 32
	cookieNonceSize = 12

	DefaultCookiePrefix = "oidcauth.state."
)

// CookieKey seals tuple cookies. IV is mixed into every per-cookie nonce.
type CookieKey struct {
	Key []byte
	IV  []byte
}

// CookieOptions controls the attributes of tuple cookies. HttpOnly and Secure
// are always set.
type CookieOptions struct {
	Prefix   string
	Domain   string
	Path     string
	SameSite http.SameSite
}

// CookieBackend is a Store that keeps each tuple in its own encrypted cookie.
type CookieBackend struct {
	aeads  []cipher.AEAD
	ivs    [][]byte
	opts   CookieOptions
	limits Limits
}

// NewCookieStore returns a cookie-backed Store. The first key seals new
// tuples; every key is tried, in order, to open existing ones.
func NewCookieStore(keys []CookieKey, opts CookieOptions, l Limits) (*CookieBackend, error) {
	if len(keys) == 0 {
		return nil, auth.Configf("replay: at least one cookie encryption key is required")
	}
	s := &CookieBackend{opts: opts, limits: l.withDefaults()}
	for i, k := range keys {
		if len(k.Key) != cookieKeySize {
			return nil, auth.Configf("replay: cookie key %d must be %d bytes, got %d", i, cookieKeySize, len(k.Key))
		}
		if len(k.IV) != cookieNonceSize {
			return nil, auth.Configf("replay: cookie iv %d must be %d bytes, got %d", i, cookieNonceSize, len(k.IV))
		}
		block, err := aes.NewCipher(k.Key)
		if err != nil {
			return nil, auth.Configf("replay: cookie key %d: %v", i, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, auth.Configf("replay: cookie key %d: %v", i, err)
		}
		s.aeads = append(s.aeads, aead)
		s.ivs = append(s.ivs, append([]byte(nil), k.IV...))
	}
	if s.opts.Prefix == "" {
		s.opts.Prefix = DefaultCookiePrefix
	}
	if s.opts.Path == "" {
		s.opts.Path = "/"
	}
	if s.opts.SameSite == 0 {
		s.opts.SameSite = http.SameSiteLaxMode
	}
	return s, nil
}

type sealedCookie struct {
	name  string
	tuple Tuple
}

func (s *CookieBackend) Add(w http.ResponseWriter, r *http.Request, t Tuple) error {
	t = s.limits.stamp(t)
	existing := s.load(w, r)
	kept := make([]Tuple, 0, len(existing))
	names := make(map[string]string, len(existing))
	for _, c := range existing {
		if c.tuple.State == t.State {
			s.clear(w, c.name)
			continue
		}
		kept = append(kept, c.tuple)
		names[c.tuple.State] = c.name
	}
	_, dropped := prune(kept, s.limits, 1)
	for _, d := range dropped {
		s.clear(w, names[d.State])
	}

	name := s.opts.Prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	value, err := s.seal(name, t)
	if err != nil {
		return err
	}
	http.SetCookie(w, s.cookie(name, value, int(s.limits.MaxAge.Seconds())))
	return nil
}

func (s *CookieBackend) FindAndRemove(w http.ResponseWriter, r *http.Request, state string) (Tuple, error) {
	for _, c := range s.load(w, r) {
		if c.tuple.State != state {
			continue
		}
		s.clear(w, c.name)
		return c.tuple, nil
	}
	return Tuple{}, ErrNotFound
}

// load opens every tuple cookie on r. Cookies that fail to open or have
// expired are cleared on w.
func (s *CookieBackend) load(w http.ResponseWriter, r *http.Request) []sealedCookie {
	var out []sealedCookie
	for _, c := range r.Cookies() {
		if !strings.HasPrefix(c.Name, s.opts.Prefix) {
			continue
		}
		t, err := s.open(c.Name, c.Value)
		if err != nil || s.limits.expired(t) {
			s.clear(w, c.Name)
			continue
		}
		out = append(out, sealedCookie{name: c.Name, tuple: t})
	}
	return out
}

func (s *CookieBackend) seal(name string, t Tuple) (string, error) {
	plain, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("replay: encode tuple: %w", err)
	}
	nonce := make([]byte, cookieNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("replay: nonce: %w", err)
	}
	for i := range nonce {
		nonce[i] ^= s.ivs[0][i]
	}
	sealed := s.aeads[0].Seal(nonce, nonce, plain, []byte(name))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *CookieBackend) open(name, value string) (Tuple, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return Tuple{}, err
	}
	if len(raw) < cookieNonceSize {
		return Tuple{}, errors.New("replay: cookie too short")
	}
	nonce, ct := raw[:cookieNonceSize], raw[cookieNonceSize:]
	for _, aead := range s.aeads {
		plain, err := aead.Open(nil, nonce, ct, []byte(name))
		if err != nil {
			continue
		}
		var t Tuple
		if err := json.Unmarshal(plain, &t); err != nil {
			return Tuple{}, err
		}
		return t, nil
	}
	return Tuple{}, errors.New("replay: no key opens cookie")
}

func (s *CookieBackend) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     s.opts.Path,
		Domain:   s.opts.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: s.opts.SameSite,
	}
}

func (s *CookieBackend) clear(w http.ResponseWriter, name string) {
	if name == "" {
		return
	}
	http.SetCookie(w, s.cookie(name, "", -1))
}

var _ Store = (*CookieBackend)(nil)
