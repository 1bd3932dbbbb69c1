package completion

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
)

// Reliable wraps a Client with a circuit breaker, bounded retries, and a
// per-attempt timeout. When the upstream misbehaves the breaker opens and
// calls fail fast, which callers absorb through their rule-based fallbacks.
type Reliable struct {
	next        Client
	cb          *gobreaker.CircuitBreaker
	attempts    uint
	callTimeout time.Duration
}

// NewReliable wraps next with the reliability stack.
func NewReliable(next Client, callTimeout time.Duration) *Reliable {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "text-completion",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Reliable{
		next:        next,
		cb:          cb,
		attempts:    3,
		callTimeout: callTimeout,
	}
}

// Complete runs the wrapped call through breaker and retries.
func (r *Reliable) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	out, err := r.cb.Execute(func() (interface{}, error) {
		var result string

		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.attempts),
		)
		retryErr := rt.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
			defer cancel()

			var callErr error
			result, callErr = r.next.Complete(tCtx, prompt, maxTokens, temperature)
			return callErr
		})

		return result, retryErr
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}
