package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/hanko-field/tradein/internal/domain"
)

// DependencyCheck probes one backing service for /readyz. A nil error is healthy,
// an error is degraded, and a probe that outlives its timeout is an error.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

type DependencyHealthOption func(*dependencyProbes)

// WithDependencyTimeout applies to checks that set no Timeout of their own (default 1.5s).
func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(p *dependencyProbes) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(p *dependencyProbes) {
		if clock != nil {
			p.now = clock
		}
	}
}

type dependencyProbes struct {
	checks  []DependencyCheck
	timeout time.Duration
	now     func() time.Time
}

var _ HealthRepository = (*dependencyProbes)(nil)

// NewDependencyHealthRepository runs every check concurrently on each Collect.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	seen := make(map[string]bool, len(checks))
	for i, check := range checks {
		name := strings.TrimSpace(check.Name)
		switch {
		case name == "":
			return nil, fmt.Errorf("health repository: check %d has no name", i)
		case check.Check == nil:
			return nil, fmt.Errorf("health repository: check %q has no probe", name)
		case seen[name]:
			return nil, fmt.Errorf("health repository: duplicate check %q", name)
		}
		seen[name] = true
	}

	p := &dependencyProbes{
		checks:  append([]DependencyCheck(nil), checks...),
		timeout: 1500 * time.Millisecond,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

func (p *dependencyProbes) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	report := domain.SystemHealthReport{
		Status: domain.HealthStatusOK,
		Checks: make(map[string]domain.SystemHealthCheck, len(p.checks)),
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, check := range p.checks {
		g.Go(func() error {
			result := p.run(ctx, check)
			mu.Lock()
			report.Checks[check.Name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, result := range report.Checks {
		if result.Status == domain.HealthStatusError {
			report.Status = domain.HealthStatusError
			break
		}
		if result.Status == domain.HealthStatusDegraded {
			report.Status = domain.HealthStatusDegraded
		}
	}
	report.GeneratedAt = p.now()
	return report, nil
}

func (p *dependencyProbes) run(ctx context.Context, check DependencyCheck) domain.SystemHealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := p.now()
	err := check.Check(probeCtx)
	finished := p.now()
	result := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   finished.Sub(started),
		CheckedAt: finished,
	}

	switch {
	case errors.Is(err, context.Canceled):
		result.Status, result.Detail = domain.HealthStatusError, "cancelled"
	case errors.Is(err, context.DeadlineExceeded) || probeCtx.Err() != nil:
		result.Status, result.Detail = domain.HealthStatusError, "timeout"
	case err != nil:
		result.Status, result.Detail = domain.HealthStatusDegraded, err.Error()
	}
	return result
}
