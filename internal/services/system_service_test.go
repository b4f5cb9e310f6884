package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/tradein/internal/domain"
)

type probeFunc func(context.Context) (domain.SystemHealthReport, error)

func (f probeFunc) Collect(ctx context.Context) (domain.SystemHealthReport, error) { return f(ctx) }

func checks(statuses map[string]string) probeFunc {
	return func(context.Context) (domain.SystemHealthReport, error) {
		out := make(map[string]domain.SystemHealthCheck, len(statuses))
		for name, status := range statuses {
			out[name] = domain.SystemHealthCheck{Status: status}
		}
		return domain.SystemHealthReport{Checks: out}, nil
	}
}

func TestHealthReportStatus(t *testing.T) {
	cases := map[string]struct {
		probe probeFunc
		want  string
	}{
		"no checks":            {checks(nil), domain.HealthStatusOK},
		"all ok":               {checks(map[string]string{"firestore": "ok", "pubsub": "ok"}), domain.HealthStatusOK},
		"pubsub degraded":      {checks(map[string]string{"firestore": "ok", "pubsub": "degraded"}), domain.HealthStatusDegraded},
		"unknown is degraded":  {checks(map[string]string{"redis": "flapping"}), domain.HealthStatusDegraded},
		"error beats degraded": {checks(map[string]string{"pubsub": "degraded", "redis": "error"}), domain.HealthStatusError},
		"repository status kept": {
			func(context.Context) (domain.SystemHealthReport, error) {
				return domain.SystemHealthReport{Status: domain.HealthStatusDegraded}, nil
			},
			domain.HealthStatusDegraded,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc, err := NewSystemService(SystemServiceDeps{HealthRepository: tc.probe})
			if err != nil {
				t.Fatalf("NewSystemService: %v", err)
			}
			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			if report.Status != tc.want {
				t.Fatalf("status = %q, want %q", report.Status, tc.want)
			}
			if report.Checks == nil {
				t.Fatal("checks map must never be nil")
			}
		})
	}
}

func TestHealthReportStampsBuild(t *testing.T) {
	boot := time.Date(2024, 3, 9, 8, 0, 0, 0, time.FixedZone("ULAT", 8*3600))
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: checks(map[string]string{"firestore": "ok"}),
		Clock:            func() time.Time { return boot.Add(42 * time.Second) },
		Build:            BuildInfo{Version: "2.0.1", CommitSHA: "d34db33f", Environment: "stg", StartedAt: boot},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Version != "2.0.1" || report.CommitSHA != "d34db33f" || report.Environment != "stg" {
		t.Fatalf("build metadata missing: %+v", report)
	}
	if report.Uptime != 42*time.Second {
		t.Fatalf("uptime = %s", report.Uptime)
	}
	if report.GeneratedAt.Location() != time.UTC || !report.GeneratedAt.Equal(boot.Add(42*time.Second)) {
		t.Fatalf("generated_at = %s", report.GeneratedAt)
	}
}

func TestHealthReportPropagatesProbeFailure(t *testing.T) {
	boom := errors.New("firestore: dial timeout")
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: probeFunc(func(context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{}, boom
		}),
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatal("expected missing repository to be rejected")
	}
}
