package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultSweepInterval = time.Minute
	defaultIdleTTL       = 3 * time.Minute
)

// MemoryStore keeps one x/time/rate limiter per key. Idle keys are swept by a goroutine owned by
// the store, which Close stops.
type MemoryStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	clock    func() time.Time
	idleTTL  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	clock         func() time.Time
	sweepInterval time.Duration
	idleTTL       time.Duration
}

// WithMemoryClock overrides the time source.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(cfg *memoryConfig) {
		cfg.clock = clock
	}
}

// WithSweep sets how often idle keys are dropped and how long a key must be idle. A non-positive
// interval disables the background sweep.
func WithSweep(interval, idle time.Duration) MemoryOption {
	return func(cfg *memoryConfig) {
		cfg.sweepInterval = interval
		cfg.idleTTL = idle
	}
}

// NewMemoryStore returns a store whose sweep goroutine runs until Close.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	cfg := memoryConfig{
		clock:         time.Now,
		sweepInterval: defaultSweepInterval,
		idleTTL:       defaultIdleTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	if cfg.idleTTL <= 0 {
		cfg.idleTTL = defaultIdleTTL
	}

	s := &MemoryStore{
		visitors: make(map[string]*visitor),
		clock:    cfg.clock,
		idleTTL:  cfg.idleTTL,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if cfg.sweepInterval > 0 {
		go s.run(cfg.sweepInterval)
	} else {
		close(s.done)
	}
	return s
}

// Allow reserves a token and cancels the reservation when it would have to wait.
func (s *MemoryStore) Allow(_ context.Context, key string, policy Policy) (Decision, error) {
	if !policy.Valid() {
		return Decision{}, ErrInvalidPolicy
	}
	now := s.clock()
	limiter := s.limiterFor(bucketKey(key, policy), policy, now)

	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return Decision{Allowed: false, RetryAfter: time.Minute}, nil
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}

// Sweep drops keys idle for longer than the configured TTL and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, v := range s.visitors {
		if now.Sub(v.lastSeen) > s.idleTTL {
			delete(s.visitors, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}

// Close stops the sweep goroutine and waits for it to exit.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *MemoryStore) limiterFor(key string, policy Policy, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(policy.perSecond()), policy.Burst)}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

func (s *MemoryStore) run(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func bucketKey(key string, policy Policy) string {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	return fmt.Sprintf("%s|%d|%d", key, policy.PerMinute, policy.Burst)
}

var _ Limiter = (*MemoryStore)(nil)
