// Package retry defines the rate-limit retry policy used by the forwarder.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"llm-session-proxy/internal/config"
)

// Policy is an immutable retry configuration, supplied per forward call.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

// FromConfig builds the policy described by the [retry] table.
func FromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay(),
		Multiplier:   cfg.Retry.BackoffMultiplier,
	}
}

// Validate reports whether the policy can drive a forward loop.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be >= 1; got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("retry: initial delay must be non-negative; got %s", p.InitialDelay)
	}
	if p.Multiplier <= 0 {
		return fmt.Errorf("retry: multiplier must be > 0; got %v", p.Multiplier)
	}
	return nil
}

// Delay returns the wait between attempt and attempt+1:
// InitialDelay * Multiplier^(attempt-1). Attempts are 1-based.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// StatusSet is the set of upstream status codes treated as rate limiting.
type StatusSet map[int]bool

// NewStatusSet builds a StatusSet from a list of codes.
func NewStatusSet(codes ...int) StatusSet {
	s := make(StatusSet, len(codes))
	for _, c := range codes {
		s[c] = true
	}
	return s
}

// RateLimited reports whether status signals rate limiting.
func (s StatusSet) RateLimited(status int) bool {
	return s[status]
}

// WaitFunc suspends the caller for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Wait blocks for d, returning ctx.Err() early if the context ends first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
