package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

var (
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed marks transport and decoding failures. Push handlers answer 503
	// for it so Pub/Sub redelivers instead of dropping the order event.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const (
	fallbackKeyLifetime = 15 * time.Minute
	fetchTimeout        = 5 * time.Second
	// An unknown kid triggers a refetch at most this often.
	unknownKidCooldown = 30 * time.Second
)

// keySet is an immutable snapshot of one JWKS response.
type keySet struct {
	keys      map[string]any
	fetchedAt time.Time
	expiresAt time.Time
}

func (s *keySet) stale(now time.Time) bool {
	return s == nil || !now.Before(s.expiresAt)
}

// past half its lifetime: serve it but refresh in the background
func (s *keySet) aging(now time.Time) bool {
	return s != nil && !now.Before(s.fetchedAt.Add(s.expiresAt.Sub(s.fetchedAt)/2))
}

// JWKSCache serves Google's OIDC signing keys, honouring the Cache-Control lifetime
// of the certs endpoint.
type JWKSCache struct {
	url        string
	client     *http.Client
	logger     *zap.Logger
	now        func() time.Time
	lifetime   time.Duration
	background bool

	current    atomic.Pointer[keySet]
	fetchMu    sync.Mutex
	refreshing atomic.Bool
}

type JWKSOption func(*JWKSCache)

func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:        strings.TrimSpace(url),
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
		now:        time.Now,
		lifetime:   fallbackKeyLifetime,
		background: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

func WithJWKSLogger(logger *zap.Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSRefreshInterval sets the key lifetime used when the response carries no cache headers.
func WithJWKSRefreshInterval(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.lifetime = d
		}
	}
}

func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithoutJWKSBackgroundRefresh makes aging key sets wait until they expire.
func WithoutJWKSBackgroundRefresh() JWKSOption {
	return func(c *JWKSCache) { c.background = false }
}

// Keyfunc plugs the cache into jwt parsing. Tokens must be RS256 and carry a kid.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key returns the public key for kid, fetching the key set when it is missing or expired.
// A kid absent from a fresh set causes one refetch, rate limited to cover key rotation.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	now := c.now()
	set := c.current.Load()
	if set.stale(now) {
		var err error
		if set, err = c.fetch(ctx, nil); err != nil {
			return nil, err
		}
	} else if c.background && set.aging(now) {
		c.refreshInBackground()
	}

	if key, ok := set.keys[kid]; ok {
		return key, nil
	}
	if now.Sub(set.fetchedAt) >= unknownKidCooldown {
		refreshed, err := c.fetch(ctx, set)
		if err != nil {
			return nil, err
		}
		if key, ok := refreshed.keys[kid]; ok {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) refreshInBackground() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	seen := c.current.Load()
	go func() {
		defer c.refreshing.Store(false)
		if _, err := c.fetch(context.Background(), seen); err != nil {
			c.logger.Warn("auth: background jwks refresh failed", zap.Error(err))
		}
	}()
}

// fetch downloads a new key set unless another caller already replaced seen.
func (c *JWKSCache) fetch(ctx context.Context, seen *keySet) (*keySet, error) {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	if cur := c.current.Load(); cur != seen && !cur.stale(c.now()) {
		return cur, nil
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var doc jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}
	now := c.now()
	set := &keySet{keys: map[string]any{}, fetchedAt: now, expiresAt: now.Add(c.keyLifetime(resp.Header, now))}
	for _, jwk := range doc.Keys {
		if jwk.KeyID != "" && jwk.Valid() && jwk.IsPublic() {
			set.keys[jwk.KeyID] = jwk.Key
		}
	}
	if len(set.keys) == 0 {
		return nil, fmt.Errorf("%w: no usable keys", ErrJWKSFetchFailed)
	}

	c.current.Store(set)
	c.logger.Debug("auth: jwks refreshed", zap.Int("keys", len(set.keys)), zap.Time("expires_at", set.expiresAt))
	return set, nil
}

func (c *JWKSCache) keyLifetime(h http.Header, now time.Time) time.Duration {
	if d := parseMaxAge(h.Get("Cache-Control")); d > 0 {
		return d
	}
	if ts, err := http.ParseTime(h.Get("Expires")); err == nil && ts.After(now) {
		return ts.Sub(now)
	}
	return c.lifetime
}

func parseMaxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
