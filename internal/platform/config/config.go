// Package config loads the trade-in service configuration from API_* environment
// variables, an optional .env file and Secret Manager references.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultOrderTopic          = "orders.placed"
	defaultOrderSubscription   = "trade-in-orders-placed"
	defaultEventsTopic         = "trade-in-events"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultRateLimitPerMinute  = 30
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultRedisNamespace      = "tradein"
	defaultGoogleCertsEndpoint = "https://www.googleapis.com/oauth2/v3/certs"
)

// Rate limit backends.
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

type Config struct {
	Server      ServerConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	Security    SecurityConfig
	RateLimits  RateLimitConfig
	Idempotency IdempotencyConfig
	TradeIn     TradeInConfig
}

type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	HandlerTimeout time.Duration
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig names the orders.placed subscription the worker drains and the
// topic trade-in lifecycle events are published to.
type PubSubConfig struct {
	ProjectID         string
	EmulatorHost      string
	OrderTopic        string
	OrderSubscription string
	EventsTopic       string
	WorkerConcurrency int
}

type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig verifies the Google-signed tokens Pub/Sub push attaches to /internal deliveries.
type OIDCConfig struct {
	JWKSURL string
	// Audience wins; otherwise Audiences is consulted with the lowercased environment name.
	Audience        string
	Audiences       map[string]string
	Issuers         []string
	ServiceAccounts []string
}

// RateLimitConfig throttles the public trade-in routes per caller. Lead
// submissions get their own, stricter budget.
type RateLimitConfig struct {
	Backend           string
	PerMinute         int
	Burst             int
	LeadPerMinute     int
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisKeyNamespace string
}

type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// TradeInConfig supplies defaults for offers and requests that omit them.
type TradeInConfig struct {
	DefaultBrand    string
	DefaultCurrency string
	PromoCodePrefix string
}

// SecretResolver turns a secret://project/name[/version] reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists every required or malformed field found by Load.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config: invalid or missing " + strings.Join(e.fields, ", ")
}

// Fields returns a copy of the offending field paths, e.g. "RateLimits.RedisAddr".
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError reports a reference that could not be resolved.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve %s: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

var errNoSecretResolver = errors.New("secret resolver not configured")

// Load reads and validates the configuration. Precedence, lowest first:
// defaults, .env file, OS environment, WithEnvMap.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	src := newSources(opts)
	values, err := src.merge()
	if err != nil {
		return Config{}, err
	}
	e := env(values)

	cfg := Config{
		Server: ServerConfig{
			Port:           e.str("API_SERVER_PORT", "8080"),
			ReadTimeout:    e.duration("API_SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   e.duration("API_SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    e.duration("API_SERVER_IDLE_TIMEOUT", 2*time.Minute),
			HandlerTimeout: e.duration("API_SERVER_HANDLER_TIMEOUT", 20*time.Second),
		},
		Firestore: FirestoreConfig{
			ProjectID:    e.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: e.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Security: SecurityConfig{
			Environment: e.lower("API_SECURITY_ENVIRONMENT", "local"),
			OIDC: OIDCConfig{
				JWKSURL:         e.str("API_SECURITY_OIDC_JWKS_URL", defaultGoogleCertsEndpoint),
				Audience:        e.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences:       e.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:         e.list("API_SECURITY_OIDC_ISSUERS"),
				ServiceAccounts: e.list("API_SECURITY_OIDC_SERVICE_ACCOUNTS"),
			},
		},
		RateLimits: RateLimitConfig{
			Backend:           e.lower("API_RATELIMIT_BACKEND", RateLimitBackendMemory),
			PerMinute:         e.int("API_RATELIMIT_PER_MIN", defaultRateLimitPerMinute),
			Burst:             e.int("API_RATELIMIT_BURST", 10),
			LeadPerMinute:     e.int("API_RATELIMIT_LEAD_PER_MIN", 5),
			RedisAddr:         e.str("API_RATELIMIT_REDIS_ADDR", ""),
			RedisPassword:     e.str("API_RATELIMIT_REDIS_PASSWORD", ""),
			RedisDB:           e.int("API_RATELIMIT_REDIS_DB", 0),
			RedisKeyNamespace: e.str("API_RATELIMIT_REDIS_NAMESPACE", defaultRedisNamespace),
		},
		Idempotency: IdempotencyConfig{
			Header: e.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    e.duration("API_IDEMPOTENCY_TTL", 24*time.Hour),
		},
		TradeIn: TradeInConfig{
			DefaultBrand:    e.lower("API_TRADEIN_DEFAULT_BRAND", "apple"),
			DefaultCurrency: e.lower("API_TRADEIN_DEFAULT_CURRENCY", "mnt"),
			PromoCodePrefix: e.upper("API_TRADEIN_PROMO_PREFIX", "TRADEIN"),
		},
	}
	cfg.PubSub = PubSubConfig{
		ProjectID:         e.str("API_PUBSUB_PROJECT_ID", cfg.Firestore.ProjectID),
		EmulatorHost:      e.str("API_PUBSUB_EMULATOR_HOST", ""),
		OrderTopic:        e.str("API_PUBSUB_ORDER_TOPIC", defaultOrderTopic),
		OrderSubscription: e.str("API_PUBSUB_ORDER_SUBSCRIPTION", defaultOrderSubscription),
		EventsTopic:       e.str("API_PUBSUB_EVENTS_TOPIC", defaultEventsTopic),
		WorkerConcurrency: e.int("API_PUBSUB_WORKER_CONCURRENCY", 4),
	}

	oidc := &cfg.Security.OIDC
	if len(oidc.Issuers) == 0 {
		oidc.Issuers = []string{defaultSecurityIssuer}
	}
	if oidc.Audience == "" {
		oidc.Audience = oidc.Audiences[cfg.Security.Environment]
	}

	if cfg.RateLimits.RedisPassword, err = resolveSecret(ctx, cfg.RateLimits.RedisPassword, src.secrets); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	var bad []string
	require := func(ok bool, field string) {
		if !ok {
			bad = append(bad, field)
		}
	}

	require(cfg.Server.Port != "", "Server.Port")
	require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	switch cfg.RateLimits.Backend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		require(cfg.RateLimits.RedisAddr != "", "RateLimits.RedisAddr")
	default:
		bad = append(bad, "RateLimits.Backend")
	}
	require(cfg.RateLimits.PerMinute > 0, "RateLimits.PerMinute")
	require(cfg.RateLimits.Burst > 0, "RateLimits.Burst")
	require(cfg.RateLimits.LeadPerMinute > 0, "RateLimits.LeadPerMinute")
	require(cfg.PubSub.WorkerConcurrency > 0, "PubSub.WorkerConcurrency")
	require(cfg.Idempotency.Header != "", "Idempotency.Header")
	require(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	require(cfg.TradeIn.DefaultCurrency != "", "TradeIn.DefaultCurrency")

	if len(bad) > 0 {
		return &ValidationError{fields: bad}
	}
	return nil
}

// resolveSecret passes plain values through and resolves sm:// or secret:// references.
func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	ref := strings.TrimSpace(value)
	switch {
	case strings.HasPrefix(ref, "sm://"):
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	case strings.HasPrefix(ref, "secret://"):
	default:
		return value, nil
	}
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errNoSecretResolver}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}
