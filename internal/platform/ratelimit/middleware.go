package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hanko-field/tradein/internal/platform/httpx"
	"github.com/hanko-field/tradein/internal/platform/requestctx"
)

// ClientIP returns the host part of RemoteAddr. Behind a proxy, chi's RealIP has already
// replaced RemoteAddr with the forwarded client address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return host
}

// CallerIdentity stores the client IP as the request caller unless one is already set.
func CallerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestctx.Caller(r.Context()) == "" {
			r = r.WithContext(requestctx.WithCaller(r.Context(), ClientIP(r)))
		}
		next.ServeHTTP(w, r)
	})
}

// Middleware throttles requests per caller under policy. The name separates budgets of different
// route groups sharing one limiter. Limiter failures let the request through.
func Middleware(name string, limiter Limiter, policy Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || !policy.Valid() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			caller := requestctx.Caller(ctx)
			if caller == "" {
				caller = ClientIP(r)
			}

			decision, err := limiter.Allow(ctx, name+":"+caller, policy)
			if err != nil {
				requestctx.Logger(ctx).Warn("rate limiter unavailable", zap.String("limiter", name), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
