package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hanko-field/tradein/internal/platform/requestctx"
)

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.DebugLevel)
	requestCore, requestLogs := observer.New(zapcore.DebugLevel)

	logEvent := EventLogger(zap.New(fallbackCore))

	logEvent(context.Background(), "tradein.applied", map[string]any{"cartId": "cart_1", "amount": int64(500000)})
	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore))
	logEvent(ctx, "tradein.promotion.detach_failed", map[string]any{"error": errors.New("boom\ninjected")})

	if fallbackLogs.Len() != 1 {
		t.Fatalf("expected fallback entry, got %d", fallbackLogs.Len())
	}
	entry := fallbackLogs.All()[0]
	if entry.Level != zapcore.InfoLevel || entry.Message != "tradein.applied" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	fields := entry.ContextMap()
	if fields["cartId"] != "cart_1" || fields["event"] != "tradein.applied" {
		t.Fatalf("unexpected fields %v", fields)
	}

	if requestLogs.Len() != 1 {
		t.Fatalf("expected request-scoped entry, got %d", requestLogs.Len())
	}
	warn := requestLogs.All()[0]
	if warn.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for failures, got %s", warn.Level)
	}
	if msg := warn.ContextMap()["error"].(string); strings.Contains(msg, "\n") {
		t.Fatalf("expected control characters stripped, got %q", msg)
	}
}

func TestParseCloudTraceContext(t *testing.T) {
	info, spanCtx, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatalf("expected header to parse")
	}
	if info.TraceID != "105445aa7843bc8bf206b12000100000" || !info.Sampled {
		t.Fatalf("unexpected info %+v", info)
	}
	if !spanCtx.IsRemote() || !spanCtx.IsSampled() {
		t.Fatalf("expected remote sampled span context")
	}

	for _, header := range []string{"", "short/1", "105445aa7843bc8bf206b12000100000", "zz5445aa7843bc8bf206b12000100000/1"} {
		if _, _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestRecoveryMiddlewareWritesJSON(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/trade-in/offers", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "internal_error") {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
	if logs.Len() != 1 {
		t.Fatalf("expected panic logged")
	}
}

func TestRequestLoggerIncludesCaller(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := InjectLoggerMiddleware(zap.New(core))(RequestLoggerMiddleware("proj")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/trade-in/estimate", nil)
	req = req.WithContext(requestctx.WithCaller(req.Context(), "203.0.113.7"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected completion entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["caller"] != "203.0.113.7" || fields["status"] != int64(http.StatusAccepted) {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestLogFieldBounds(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{name: "empty route is root", got: logRoute(""), want: "/"},
		{name: "control characters dropped", got: logRoute("/api/v1/trade-in\n/estimate\x00"), want: "/api/v1/trade-in/estimate"},
		{name: "tab kept", got: sanitizeString("a\tb", 0), want: "a\tb"},
		{name: "route capped", got: logRoute("/" + strings.Repeat("x", 400)), want: "/" + strings.Repeat("x", routeLimit-1)},
		{name: "method upper and capped", got: logMethod("post\r\nextra-long"), want: "POSTEXTRA-"},
		{name: "caller trimmed", got: logCaller("  push@tradein.iam.gserviceaccount.com "), want: "push@tradein.iam.gserviceaccount.com"},
		{name: "multibyte counts runes", got: sanitizeString("ӨӨӨӨ", 2), want: "ӨӨ"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, tc.got)
			}
		})
	}
}
