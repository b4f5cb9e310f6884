package observability

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/tradein/internal/platform/httpx"
	"github.com/hanko-field/tradein/internal/platform/requestctx"
)

// InjectLoggerMiddleware makes logger the request-scoped logger for everything downstream.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// AccessLogOption customises RequestLoggerMiddleware.
type AccessLogOption func(*accessLog)

// WithRequestDuration records every completed request on a histogram named
// tradein.http.server.duration, labelled by route and status class.
func WithRequestDuration(meter metric.Meter) AccessLogOption {
	return func(a *accessLog) {
		if meter == nil {
			return
		}
		hist, err := meter.Float64Histogram("tradein.http.server.duration",
			metric.WithUnit("ms"),
			metric.WithDescription("Latency of trade-in HTTP requests"),
		)
		if err == nil {
			a.duration = hist
		}
	}
}

type accessLog struct {
	projectID string
	duration  metric.Float64Histogram
	now       func() time.Time
}

// RequestLoggerMiddleware emits one "request completed" entry per request and
// annotates the server span with the matched chi route and response status.
func RequestLoggerMiddleware(projectID string, opts ...AccessLogOption) func(http.Handler) http.Handler {
	a := &accessLog{projectID: projectID, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a.wrap
}

func (a *accessLog) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := a.now()
		ctx := r.Context()
		logger := a.requestLogger(ctx, r)
		ctx = requestctx.WithLogger(ctx, logger)

		sw := &statusWriter{ResponseWriter: w}
		completed := false
		defer func() {
			status := sw.code()
			if !completed && status < http.StatusInternalServerError {
				// the handler panicked before writing; recovery upstream answers 500
				status = http.StatusInternalServerError
			}
			route := logRoute(matchedRoute(r))
			a.finish(ctx, logger, route, r.Method, status, sw.written, a.now().Sub(started))
		}()

		next.ServeHTTP(sw, r.WithContext(ctx))
		completed = true
	})
}

func (a *accessLog) requestLogger(ctx context.Context, r *http.Request) *zap.Logger {
	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(ctx)),
		zap.String("method", logMethod(r.Method)),
		zap.String("path", logRoute(r.URL.Path)),
	}
	if info, ok := requestctx.Trace(ctx); ok && info.TraceID != "" {
		fields = append(fields, zap.String("trace_id", info.TraceID))
		project := info.ProjectID
		if project == "" {
			project = a.projectID
		}
		if project != "" {
			fields = append(fields, zap.String("logging.googleapis.com/trace", "projects/"+project+"/traces/"+info.TraceID))
		}
	}
	if caller := logCaller(requestctx.Caller(ctx)); caller != "" {
		fields = append(fields, zap.String("caller", caller))
	}
	return requestctx.Logger(ctx).With(fields...)
}

func (a *accessLog) finish(ctx context.Context, logger *zap.Logger, route, method string, status int, written int64, elapsed time.Duration) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(semconv.HTTPResponseStatusCode(status), semconv.HTTPRoute(route))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}

	if a.duration != nil {
		a.duration.Record(ctx, float64(elapsed.Microseconds())/1000,
			metric.WithAttributes(
				attribute.String("http.route", route),
				attribute.String("http.request.method", logMethod(method)),
				attribute.String("http.status_class", statusClass(status)),
			),
		)
	}

	level := zapcore.InfoLevel
	switch {
	case status >= http.StatusInternalServerError:
		level = zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		level = zapcore.WarnLevel
	}
	logger.Log(level, "request completed",
		zap.String("route", route),
		zap.Int("status", status),
		zap.Duration("latency", elapsed),
		zap.Int64("bytes", written),
	)
}

// RecoveryMiddleware turns a handler panic into a 500 internal_error envelope.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger := requestctx.Logger(r.Context())
				if logger == requestctx.NoopLogger() {
					logger = fallback
				}
				logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				httpx.WriteError(r.Context(), w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func matchedRoute(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
