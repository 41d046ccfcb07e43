package clients

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

const (
	breakerTripAfter = 3
	breakerOpenFor   = 30 * time.Second
)

// NewCircuitBreaker returns a breaker that opens after three consecutive
// failures and half-opens again after 30 seconds. State changes are logged.
func NewCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}
