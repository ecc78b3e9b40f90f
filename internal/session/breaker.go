package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"llm-session-proxy/internal/config"
)

// newBreaker trips after FailureThreshold consecutive transport failures.
// Upstream HTTP statuses, rate limits included, never count as failures.
func newBreaker(origin string, cfg config.CircuitBreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	threshold := safeIntToUint32(cfg.FailureThreshold)
	open := time.Duration(cfg.OpenSeconds) * time.Second

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        origin,
		MaxRequests: 1,
		Timeout:     open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// A caller walking away says nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
