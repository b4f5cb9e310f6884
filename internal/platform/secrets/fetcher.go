// Package secrets resolves Secret Manager references found in configuration,
// such as the redis password of the distributed rate limiter.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const meterScope = "github.com/hanko-field/tradein/internal/platform/secrets"

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references through an expiring cache, then Secret Manager,
// then a local dotenv file (.secrets.local by default). The file is consulted only when
// Secret Manager is unreachable or refuses the caller, so a missing secret stays an error.
type Fetcher struct {
	logger  *zap.Logger
	project string
	client  secretManagerClient
	owned   bool
	cache   *valueCache
	local   *localFile

	latency metric.Float64Histogram
	hits    metric.Int64Counter
}

type settings struct {
	logger     *zap.Logger
	project    string
	localPath  string
	ttl        time.Duration
	clock      func() time.Time
	meter      metric.Meter
	client     secretManagerClient
	clientOpts []option.ClientOption
}

type Option func(*settings)

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithDefaultProject is used for references that do not name a project.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithFallbackFile points at the local dotenv file. An empty path disables it.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.localPath = strings.TrimSpace(path) }
}

// WithCacheTTL bounds how long a value is reused; zero or less never expires.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) { s.ttl = ttl }
}

func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithSecretManagerClient replaces the client NewFetcher would dial. The fetcher does not close it.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(s *settings) { s.client = client }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// NewFetcher never fails on missing credentials: without a Secret Manager client it
// logs a warning and serves from the local file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{logger: zap.NewNop(), localPath: ".secrets.local", ttl: 10 * time.Minute, clock: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.meter == nil {
		s.meter = otel.Meter(meterScope)
	}

	f := &Fetcher{
		logger:  s.logger,
		project: s.project,
		client:  s.client,
		cache:   &valueCache{ttl: s.ttl, now: s.clock, entries: map[string]cachedValue{}},
		local:   &localFile{path: s.localPath},
	}

	var err error
	if f.latency, err = s.meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"), metric.WithDescription("Secret resolution latency by source")); err != nil {
		s.logger.Warn("secrets: latency histogram disabled", zap.Error(err))
	}
	if f.hits, err = s.meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions served from cache")); err != nil {
		s.logger.Warn("secrets: cache hit counter disabled", zap.Error(err))
	}

	if f.client == nil {
		client, err := secretManagerClientFactory(ctx, s.clientOpts...)
		if err != nil {
			s.logger.Warn("secrets: secret manager unavailable, using local file only", zap.Error(err))
		} else {
			f.client, f.owned = client, true
		}
	}
	return f, nil
}

// Close closes the Secret Manager client if NewFetcher dialled it.
func (f *Fetcher) Close() error {
	if f.owned {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret implements config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	started := time.Now()
	ref, err := parseReference(raw)
	if err != nil {
		return "", err
	}

	if value, ok := f.cache.get(ref); ok {
		if f.hits != nil {
			f.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", ref.hashed())))
		}
		f.observe(ctx, started, "cache", nil)
		return value, nil
	}

	if resource, ok := ref.resource(f.project); ok && f.client != nil {
		value, err := f.access(ctx, resource)
		switch {
		case err == nil:
			f.cache.put(ref, value)
			f.observe(ctx, started, "remote", nil)
			return value, nil
		case !shouldUseLocal(err):
			f.observe(ctx, started, "error", err)
			return "", fmt.Errorf("secrets: access %s: %w", ref.id(), err)
		}
		f.logger.Debug("secrets: secret manager refused, trying local file", zap.String("secret", ref.id()), zap.Error(err))
	}

	value, err := f.local.lookup(ref.envKey())
	if err != nil {
		f.observe(ctx, started, "error", err)
		return "", fmt.Errorf("secrets: %s: %w", ref.id(), err)
	}
	f.cache.put(ref, value)
	f.observe(ctx, started, "fallback", nil)
	return value, nil
}

// Invalidate forgets every cached version of the referenced secret.
func (f *Fetcher) Invalidate(raw string) {
	if ref, err := parseReference(raw); err == nil {
		f.cache.drop(ref.id())
	}
}

func (f *Fetcher) access(ctx context.Context, resource string) (string, error) {
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) observe(ctx context.Context, started time.Time, source string, err error) {
	if f.latency == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", status.Code(err).String()))
	}
	f.latency.Record(ctx, float64(time.Since(started).Microseconds())/1000, metric.WithAttributes(attrs...))
}

func shouldUseLocal(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

type cachedValue struct {
	id      string
	value   string
	expires time.Time
}

type valueCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedValue
}

func cacheKey(ref reference) string { return ref.id() + "@" + ref.version }

func (c *valueCache) get(ref reference) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(ref)]
	c.mu.RUnlock()
	if !ok || (!entry.expires.IsZero() && !c.now().Before(entry.expires)) {
		return "", false
	}
	return entry.value, true
}

func (c *valueCache) put(ref reference, value string) {
	entry := cachedValue{id: ref.id(), value: value}
	if c.ttl > 0 {
		entry.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[cacheKey(ref)] = entry
	c.mu.Unlock()
}

func (c *valueCache) drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.id == id {
			delete(c.entries, key)
		}
	}
}

// localFile lazily reads a dotenv file of NAME=value pairs.
type localFile struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

var errNotInLocalFile = errors.New("not found in local secrets file")

func (l *localFile) lookup(key string) (string, error) {
	l.once.Do(func() {
		if l.path == "" {
			return
		}
		values, err := godotenv.Read(l.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			l.err = fmt.Errorf("read %s: %w", l.path, err)
		default:
			l.values = values
		}
	})
	if l.err != nil {
		return "", l.err
	}
	value, ok := l.values[key]
	if !ok {
		return "", errNotInLocalFile
	}
	return value, nil
}
