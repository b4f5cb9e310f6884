package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	testAudience = "https://tradein.example.com/internal/events/order-placed"
	testIssuer   = "https://accounts.google.com"
	testAccount  = "pubsub-push@tradein.iam.gserviceaccount.com"
)

type recordingMetrics struct {
	mu      sync.Mutex
	reasons []string
}

func (m *recordingMetrics) RecordVerification(_ context.Context, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
}

func (m *recordingMetrics) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reasons) == 0 {
		return ""
	}
	return m.reasons[len(m.reasons)-1]
}

type jwksFixture struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	mu       sync.Mutex
	requests int
	now      time.Time
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &jwksFixture{key: key, now: time.Unix(1_700_000_000, 0)}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "push-key", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(f.server.Close)

	original := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return f.now }
	t.Cleanup(func() { jwt.TimeFunc = original })
	return f
}

func (f *jwksFixture) cache() *JWKSCache {
	return NewJWKSCache(f.server.URL, WithJWKSClock(func() time.Time { return f.now }), WithoutJWKSBackgroundRefresh())
}

func (f *jwksFixture) sign(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud":   testAudience,
		"iss":   testIssuer,
		"sub":   "1234567890",
		"email": testAccount,
		"exp":   float64(f.now.Add(time.Hour).Unix()),
		"iat":   float64(f.now.Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "push-key"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWKSCacheReusesKeys(t *testing.T) {
	f := newJWKSFixture(t)
	cache := f.cache()

	for i := 0; i < 3; i++ {
		key, err := cache.Key(context.Background(), "push-key")
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		if _, ok := key.(*rsa.PublicKey); !ok {
			t.Fatalf("expected *rsa.PublicKey, got %T", key)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requests != 1 {
		t.Fatalf("expected a single fetch, got %d", f.requests)
	}
}

func TestJWKSCacheUnknownKid(t *testing.T) {
	f := newJWKSFixture(t)
	if _, err := f.cache().Key(context.Background(), "other"); err == nil {
		t.Fatalf("expected unknown kid error")
	}
}

func TestParseMaxAge(t *testing.T) {
	if got := parseMaxAge("public, max-age=120, must-revalidate"); got != 2*time.Minute {
		t.Fatalf("expected 2m, got %s", got)
	}
	if got := parseMaxAge("no-cache"); got != 0 {
		t.Fatalf("expected 0, got %s", got)
	}
}

func TestRequirePushToken(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(jwt.MapClaims)
		header     func(token string) string
		accounts   []string
		wantStatus int
		wantReason string
	}{
		{name: "valid token", wantStatus: http.StatusNoContent, wantReason: "ok"},
		{
			name:       "allowed service account",
			accounts:   []string{"PUBSUB-PUSH@tradein.iam.gserviceaccount.com"},
			wantStatus: http.StatusNoContent,
			wantReason: "ok",
		},
		{
			name:       "missing token",
			header:     func(string) string { return "" },
			wantStatus: http.StatusUnauthorized,
			wantReason: "token_missing",
		},
		{
			name:       "audience mismatch",
			mutate:     func(c jwt.MapClaims) { c["aud"] = "https://elsewhere.example.com" },
			wantStatus: http.StatusUnauthorized,
			wantReason: "audience_mismatch",
		},
		{
			name:       "issuer mismatch",
			mutate:     func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" },
			wantStatus: http.StatusUnauthorized,
			wantReason: "issuer_mismatch",
		},
		{
			name:       "service account not allowed",
			accounts:   []string{"someone-else@tradein.iam.gserviceaccount.com"},
			wantStatus: http.StatusUnauthorized,
			wantReason: "account_mismatch",
		},
		{
			name:       "expired token",
			mutate:     func(c jwt.MapClaims) { c["exp"] = float64(time.Unix(1_600_000_000, 0).Unix()) },
			wantStatus: http.StatusUnauthorized,
			wantReason: "token_invalid",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newJWKSFixture(t)
			metrics := &recordingMetrics{}
			verifier := NewPushVerifier(f.cache(), PushVerifierConfig{
				Audience:        testAudience,
				Issuers:         []string{testIssuer},
				ServiceAccounts: tc.accounts,
			}, WithVerifierMetrics(metrics), WithVerifierClock(func() time.Time { return f.now }))

			token := f.sign(t, tc.mutate)
			header := "Bearer " + token
			if tc.header != nil {
				header = tc.header(token)
			}

			req := httptest.NewRequest(http.MethodPost, "/internal/events/order-placed", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rr := httptest.NewRecorder()
			verifier.RequirePushToken()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				identity, ok := PushIdentityFromContext(r.Context())
				if !ok || identity.Email != testAccount {
					t.Fatalf("expected push identity, got %+v", identity)
				}
				w.WriteHeader(http.StatusNoContent)
			})).ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tc.wantStatus, rr.Code, rr.Body.String())
			}
			if got := metrics.last(); got != tc.wantReason {
				t.Fatalf("expected reason %s, got %s", tc.wantReason, got)
			}
		})
	}
}

func TestRequirePushTokenJWKSUnavailable(t *testing.T) {
	f := newJWKSFixture(t)
	metrics := &recordingMetrics{}
	cache := NewJWKSCache("http://127.0.0.1:1/certs", WithJWKSClock(func() time.Time { return f.now }))
	verifier := NewPushVerifier(cache, PushVerifierConfig{Audience: testAudience}, WithVerifierMetrics(metrics))

	req := httptest.NewRequest(http.MethodPost, "/internal/events/order-placed", nil)
	req.Header.Set("Authorization", "Bearer "+f.sign(t, nil))
	rr := httptest.NewRecorder()
	verifier.RequirePushToken()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not be called")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if metrics.last() != "jwks_unavailable" {
		t.Fatalf("expected jwks_unavailable, got %s", metrics.last())
	}
}

func TestRequirePushTokenNotConfigured(t *testing.T) {
	verifier := NewPushVerifier(nil, PushVerifierConfig{})
	rr := httptest.NewRecorder()
	verifier.RequirePushToken()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not be called")
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestNewMeterRecorder(t *testing.T) {
	recorder, err := NewMeterRecorder(nil)
	if err != nil {
		t.Fatalf("NewMeterRecorder: %v", err)
	}
	recorder.RecordVerification(context.Background(), true, "ok", time.Millisecond)
}
