package orchestrator

import "errors"

// Sentinel errors for routing denials. Denials are expected outcomes: they
// travel as values into the response Reason, never as panics, and callers can
// test for them with errors.Is.
var (
	// ErrRateLimited marks a request rejected by the per-agent token bucket.
	ErrRateLimited = errors.New("Rate limit exceeded")

	// ErrApprovalRequired marks a request parked pending a human decision.
	ErrApprovalRequired = errors.New("requires approval")

	// ErrClassificationFailed marks input that resolved to no routable intent.
	ErrClassificationFailed = errors.New("classification failed")

	// ErrConcurrencyLimited marks a request rejected by the per-agent
	// in-flight ceiling.
	ErrConcurrencyLimited = errors.New("concurrency limit exceeded")
)
