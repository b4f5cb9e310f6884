package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const latestRedis = "projects/tradein-dev/secrets/redis-password/versions/latest"

// memorySecrets stands in for Secret Manager, keyed by full version resource name.
type memorySecrets struct {
	mu       sync.Mutex
	payloads map[string]string
	failures map[string]error
	hits     map[string]int
}

func newMemorySecrets(payloads map[string]string) *memorySecrets {
	if payloads == nil {
		payloads = map[string]string{}
	}
	return &memorySecrets{payloads: payloads, failures: map[string]error{}, hits: map[string]int{}}
}

func (m *memorySecrets) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[req.GetName()]++
	if err := m.failures[req.GetName()]; err != nil {
		return nil, err
	}
	value, ok := m.payloads[req.GetName()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "secret %s not found", req.GetName())
	}
	return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)}}, nil
}

func (m *memorySecrets) Close() error { return nil }

func (m *memorySecrets) rotate(resource, value string) {
	m.mu.Lock()
	m.payloads[resource] = value
	m.mu.Unlock()
}

func (m *memorySecrets) accessed(resource string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[resource]
}

func localSecretsFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestResolve(t *testing.T) {
	cases := []struct {
		name     string
		ref      string
		payloads map[string]string
		failure  error
		local    string
		want     string
		wantErr  bool
	}{
		{
			name:     "default project latest",
			ref:      "secret://redis-password",
			payloads: map[string]string{latestRedis: "s3cr3t"},
			want:     "s3cr3t",
		},
		{
			name:     "sm alias",
			ref:      "sm://redis-password",
			payloads: map[string]string{latestRedis: "s3cr3t"},
			want:     "s3cr3t",
		},
		{
			name:     "project in path",
			ref:      "secret://tradein-prod/redis-password",
			payloads: map[string]string{"projects/tradein-prod/secrets/redis-password/versions/latest": "prod"},
			want:     "prod",
		},
		{
			name:     "query pins version and project",
			ref:      "secret://tradein-prod/redis-password?version=7&project=tradein-ops",
			payloads: map[string]string{"projects/tradein-ops/secrets/redis-password/versions/7": "ops-7"},
			want:     "ops-7",
		},
		{
			name:    "permission denied falls back to local file",
			ref:     "secret://redis-password",
			failure: status.Error(codes.PermissionDenied, "caller lacks accessor role"),
			local:   "REDIS_PASSWORD=from-file\n",
			want:    "from-file",
		},
		{
			name:    "unavailable falls back to local file",
			ref:     "secret://redis-password",
			failure: status.Error(codes.Unavailable, "connection reset"),
			local:   "REDIS_PASSWORD=from-file\n",
			want:    "from-file",
		},
		{
			name:    "not found is final",
			ref:     "secret://redis-password",
			local:   "REDIS_PASSWORD=from-file\n",
			wantErr: true,
		},
		{
			name:    "fallback without the key",
			ref:     "secret://redis-password",
			failure: status.Error(codes.PermissionDenied, "denied"),
			local:   "OTHER=value\n",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newMemorySecrets(tc.payloads)
			if tc.failure != nil {
				client.failures[latestRedis] = tc.failure
			}
			opts := []Option{WithSecretManagerClient(client), WithDefaultProject("tradein-dev")}
			if tc.local != "" {
				opts = append(opts, WithFallbackFile(localSecretsFile(t, tc.local)))
			}
			fetcher, err := NewFetcher(context.Background(), opts...)
			if err != nil {
				t.Fatalf("NewFetcher: %v", err)
			}
			got, err := fetcher.Resolve(context.Background(), tc.ref)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, resolved %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%s): %v", tc.ref, err)
			}
			if got != tc.want {
				t.Fatalf("Resolve(%s) = %q, want %q", tc.ref, got, tc.want)
			}
		})
	}
}

func TestResolveCacheLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	client := newMemorySecrets(map[string]string{latestRedis: "first"})
	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("tradein-dev"),
		WithCacheTTL(5*time.Minute),
		WithClock(func() time.Time { return clock }),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	expect := func(want string, calls int) {
		t.Helper()
		got, err := fetcher.ResolveSecret(ctx, "secret://redis-password")
		if err != nil {
			t.Fatalf("ResolveSecret: %v", err)
		}
		if got != want || client.accessed(latestRedis) != calls {
			t.Fatalf("got %q after %d remote reads, want %q after %d", got, client.accessed(latestRedis), want, calls)
		}
	}

	expect("first", 1)
	client.rotate(latestRedis, "second")
	expect("first", 1)

	clock = clock.Add(6 * time.Minute)
	expect("second", 2)

	client.rotate(latestRedis, "third")
	fetcher.Invalidate("sm://redis-password?version=3")
	expect("third", 3)
}

func TestNewFetcherSurvivesMissingCredentials(t *testing.T) {
	restore := secretManagerClientFactory
	t.Cleanup(func() { secretManagerClientFactory = restore })
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("could not find default credentials")
	}

	path := localSecretsFile(t, "# written by make dev\nREDIS_PASSWORD=\"with spaces\"\n")
	fetcher, err := NewFetcher(context.Background(), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Resolve(context.Background(), "secret://redis-password")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "with spaces" {
		t.Fatalf("got %q", got)
	}
}

func TestParseReference(t *testing.T) {
	valid := map[string]struct {
		resource string
		envKey   string
	}{
		"secret://redis-password":                {latestRedis, "REDIS_PASSWORD"},
		"sm://redis.password?version=2":          {"projects/tradein-dev/secrets/redis.password/versions/2", "REDIS_PASSWORD"},
		"secret://ops/slack-webhook":             {"projects/ops/secrets/slack-webhook/versions/latest", "SLACK_WEBHOOK"},
		"  secret://ops/token?project=billing  ": {"projects/billing/secrets/token/versions/latest", "TOKEN"},
	}
	for raw, want := range valid {
		ref, err := parseReference(raw)
		if err != nil {
			t.Fatalf("parseReference(%q): %v", raw, err)
		}
		if resource, _ := ref.resource("tradein-dev"); resource != want.resource {
			t.Errorf("%q resource = %s, want %s", raw, resource, want.resource)
		}
		if ref.envKey() != want.envKey {
			t.Errorf("%q envKey = %s, want %s", raw, ref.envKey(), want.envKey)
		}
	}

	for _, raw := range []string{"", "  ", "https://example.com/secret", "secret://", "secret://a/b/c"} {
		if _, err := parseReference(raw); err == nil {
			t.Errorf("parseReference(%q) accepted", raw)
		}
	}

	ref, _ := parseReference("secret://redis-password")
	if _, ok := ref.resource(""); ok {
		t.Error("a reference without any project must not resolve remotely")
	}
}
