package orchestrator

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool hands out one token-bucket limiter per agent id. The bucket
// holds rateLimitPerMinute tokens and refills at that rate over a rolling
// 60s window, so the first N requests in a minute pass and the N+1th is
// denied. Allow is an atomic increment-and-check: two concurrent requests
// can never both consume the last token.
type limiterPool struct {
	limiters sync.Map // agentID → *rate.Limiter
}

func (p *limiterPool) allow(agentID string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	v, ok := p.limiters.Load(agentID)
	if !ok {
		v, _ = p.limiters.LoadOrStore(agentID, rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute))
	}
	return v.(*rate.Limiter).Allow()
}

// forget drops the limiter state for an agent id (used on unregister).
func (p *limiterPool) forget(agentID string) {
	p.limiters.Delete(agentID)
}
