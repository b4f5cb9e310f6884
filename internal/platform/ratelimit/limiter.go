// Package ratelimit throttles public trade-in traffic per caller. Buckets live either in process
// memory or in Redis when several instances share a budget.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Policy describes a token bucket refilled PerMinute times a minute holding at most Burst tokens.
type Policy struct {
	PerMinute int
	Burst     int
}

// Valid reports whether the policy describes a usable bucket.
func (p Policy) Valid() bool {
	return p.PerMinute > 0 && p.Burst > 0
}

func (p Policy) perSecond() float64 {
	return float64(p.PerMinute) / 60.0
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed bool
	// RetryAfter estimates when the next token becomes available. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter consumes one token for key under policy.
type Limiter interface {
	Allow(ctx context.Context, key string, policy Policy) (Decision, error)
}

// ErrInvalidPolicy is returned for policies without a positive rate and burst.
var ErrInvalidPolicy = errors.New("ratelimit: policy requires positive rate and burst")
