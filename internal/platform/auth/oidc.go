package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/hanko-field/tradein/internal/platform/httpx"
	"github.com/hanko-field/tradein/internal/platform/requestctx"
)

// MetricsRecorder records verification outcomes.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, success, reason, duration)
	}
}

// NewMeterRecorder reports verification outcomes as an otel counter and latency histogram.
// A nil meter uses the global provider.
func NewMeterRecorder(meter metric.Meter) (MetricsRecorder, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("github.com/hanko-field/tradein/internal/platform/auth")
	}
	outcomes, err := meter.Int64Counter("auth.oidc.verifications",
		metric.WithDescription("OIDC push token verifications by outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("auth.oidc.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("OIDC push token verification latency"))
	if err != nil {
		return nil, err
	}
	return MetricsRecorderFunc(func(ctx context.Context, success bool, reason string, duration time.Duration) {
		attrs := metric.WithAttributes(attribute.Bool("success", success), attribute.String("reason", reason))
		outcomes.Add(ctx, 1, attrs)
		latency.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
	}), nil
}

// PushIdentity is the verified caller of an internal push endpoint.
type PushIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type pushIdentityContextKey struct{}

// WithPushIdentity attaches the verified identity to ctx.
func WithPushIdentity(ctx context.Context, identity *PushIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, pushIdentityContextKey{}, identity)
}

// PushIdentityFromContext retrieves the identity stored by RequirePushToken.
func PushIdentityFromContext(ctx context.Context) (*PushIdentity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(pushIdentityContextKey{}).(*PushIdentity)
	return identity, ok && identity != nil
}

// PushVerifierConfig names the claims a push token must carry.
type PushVerifierConfig struct {
	Audience string
	Issuers  []string
	// ServiceAccounts restricts the email claim; empty allows any verified caller.
	ServiceAccounts []string
}

// PushVerifier validates Google-signed OIDC tokens attached to Pub/Sub push deliveries.
type PushVerifier struct {
	cache    *JWKSCache
	audience string
	issuers  map[string]struct{}
	accounts map[string]struct{}
	metrics  MetricsRecorder
	now      func() time.Time
}

// PushVerifierOption customises the verifier.
type PushVerifierOption func(*PushVerifier)

// WithVerifierMetrics sets the metrics recorder.
func WithVerifierMetrics(recorder MetricsRecorder) PushVerifierOption {
	return func(v *PushVerifier) {
		v.metrics = recorder
	}
}

// WithVerifierClock injects a custom clock.
func WithVerifierClock(now func() time.Time) PushVerifierOption {
	return func(v *PushVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewPushVerifier constructs a PushVerifier.
func NewPushVerifier(cache *JWKSCache, cfg PushVerifierConfig, opts ...PushVerifierOption) *PushVerifier {
	v := &PushVerifier{
		cache:    cache,
		audience: strings.TrimSpace(cfg.Audience),
		issuers:  toSet(cfg.Issuers, false),
		accounts: toSet(cfg.ServiceAccounts, true),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

var (
	errAudienceMismatch = errors.New("audience mismatch")
	errIssuerMismatch   = errors.New("issuer mismatch")
	errAccountMismatch  = errors.New("service account not allowed")
)

// Verify parses and checks a raw token, returning the caller identity.
func (v *PushVerifier) Verify(ctx context.Context, raw string) (*PushIdentity, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, v.cache.Keyfunc(ctx)); err != nil {
		return nil, err
	}

	issuer, _ := claims["iss"].(string)
	if len(v.issuers) > 0 {
		if _, ok := v.issuers[issuer]; !ok {
			return nil, errIssuerMismatch
		}
	}
	if !claims.VerifyAudience(v.audience, true) {
		return nil, errAudienceMismatch
	}
	email, _ := claims["email"].(string)
	if len(v.accounts) > 0 {
		if _, ok := v.accounts[strings.ToLower(email)]; !ok {
			return nil, errAccountMismatch
		}
	}
	subject, _ := claims["sub"].(string)
	return &PushIdentity{Subject: subject, Email: email, Issuer: issuer, Audience: v.audience}, nil
}

// RequirePushToken rejects requests lacking a valid bearer token.
// JWKS outages answer 503 so Pub/Sub retries the delivery.
func (v *PushVerifier) RequirePushToken() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()
			logger := requestctx.Logger(ctx)

			if v.audience == "" || v.cache == nil {
				v.record(ctx, false, "not_configured", start)
				httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "push verification not configured", http.StatusServiceUnavailable))
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				v.record(ctx, false, "token_missing", start)
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "push token missing", http.StatusUnauthorized))
				return
			}

			identity, err := v.Verify(ctx, token)
			if err != nil {
				reason := verificationReason(err)
				logger.Warn("auth: push token rejected", zap.String("reason", reason), zap.Error(err))
				v.record(ctx, false, reason, start)
				if reason == "jwks_unavailable" {
					httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "push verification unavailable", http.StatusServiceUnavailable))
					return
				}
				httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "push token verification failed", http.StatusUnauthorized))
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithPushIdentity(ctx, identity)))
		})
	}
}

func (v *PushVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, success, reason, v.now().Sub(start))
}

func verificationReason(err error) string {
	switch {
	case errors.Is(err, ErrJWKSFetchFailed):
		return "jwks_unavailable"
	case errors.Is(err, errAudienceMismatch):
		return "audience_mismatch"
	case errors.Is(err, errIssuerMismatch):
		return "issuer_mismatch"
	case errors.Is(err, errAccountMismatch):
		return "account_mismatch"
	}
	return "token_invalid"
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func toSet(values []string, lower bool) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if lower {
			value = strings.ToLower(value)
		}
		if value != "" {
			out[value] = struct{}{}
		}
	}
	return out
}
