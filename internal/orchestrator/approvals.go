package orchestrator

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// approval is one parked request awaiting a human decision.
type approval struct {
	ID        string    `json:"id"`
	AgentType string    `json:"agent_type"`
	Action    string    `json:"action"`
	Granted   bool      `json:"granted"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// approvalBook tracks pending approvals in memory. A gated request is parked
// with a fresh approval id; once granted, resubmitting the request with that
// id consumes the grant and proceeds.
type approvalBook struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string]*approval
}

func newApprovalBook(ttl time.Duration) *approvalBook {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &approvalBook{
		ttl:     ttl,
		pending: make(map[string]*approval),
	}
}

// park records a pending approval and returns its id. Expired entries are
// swept opportunistically so the book never grows without bound.
func (b *approvalBook) park(agentType, action string) string {
	now := time.Now().UTC()
	a := &approval{
		ID:        uuid.New().String(),
		AgentType: agentType,
		Action:    action,
		CreatedAt: now,
		ExpiresAt: now.Add(b.ttl),
	}
	b.mu.Lock()
	for id, p := range b.pending {
		if now.After(p.ExpiresAt) {
			delete(b.pending, id)
		}
	}
	b.pending[a.ID] = a
	b.mu.Unlock()
	return a.ID
}

// grant marks a pending approval as granted.
func (b *approvalBook) grant(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.pending[id]
	if !ok || time.Now().After(a.ExpiresAt) {
		delete(b.pending, id)
		return false
	}
	a.Granted = true
	return true
}

// take consumes a granted approval matching the agent type and action.
func (b *approvalBook) take(id, agentType, action string) bool {
	if id == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.pending[id]
	if !ok {
		return false
	}
	if time.Now().After(a.ExpiresAt) {
		delete(b.pending, id)
		return false
	}
	if !a.Granted || !strings.EqualFold(a.AgentType, agentType) || !strings.EqualFold(a.Action, action) {
		return false
	}
	delete(b.pending, id)
	return true
}
