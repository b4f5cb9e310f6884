package observability

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/tradein/internal/platform/requestctx"
)

// Cloud Logging reads severity, message and timestamp from these keys.
func cloudLoggingEncoder() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.MessageKey = "message"
	enc.TimeKey = "timestamp"
	enc.LevelKey = "severity"
	enc.NameKey = "logger"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder
	return enc
}

// NewLogger builds the JSON logger every binary uses. LOG_LEVEL picks the level; info otherwise.
func NewLogger(service string) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
			fmt.Fprintf(os.Stderr, "%s: ignoring LOG_LEVEL=%q\n", service, raw)
		}
	}

	logger, err := zap.Config{
		Level:             level,
		Encoding:          "json",
		EncoderConfig:     cloudLoggingEncoder(),
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}.Build()
	if err != nil {
		return nil, fmt.Errorf("observability: build logger: %w", err)
	}
	if service = strings.TrimSpace(service); service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger, nil
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// EventLogger returns the callback services use to record lifecycle events.
// The request logger carried by ctx wins over fallback so request and trace ids
// stay attached. Events ending in "_failed" or ".orphaned" log at warn.
func EventLogger(fallback *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = fallback
		}
		write := logger.Info
		if strings.HasSuffix(event, "_failed") || strings.HasSuffix(event, ".orphaned") {
			write = logger.Warn
		}
		write(event, append(eventFields(fields), zap.String("event", event))...)
	}
}

func eventFields(fields map[string]any) []zap.Field {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]zap.Field, 0, len(keys)+1)
	for _, key := range keys {
		out = append(out, eventField(key, fields[key]))
	}
	return out
}

func eventField(key string, value any) zap.Field {
	switch v := value.(type) {
	case string:
		return zap.String(key, sanitizeString(v, defaultStringLimit))
	case error:
		return zap.String(key, sanitizeString(v.Error(), defaultStringLimit))
	case time.Time:
		return zap.Time(key, v)
	case time.Duration:
		return zap.Duration(key, v)
	case fmt.Stringer:
		return zap.Stringer(key, v)
	}
	return zap.Any(key, value)
}
