// Package models defines the shared domain types for the AgentRelay core:
// agent capabilities, the hot-reloadable capability document, the
// request/response envelope, intents, scope tiers, and health reporting.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ── Intents ─────────────────────────────────────────────────

// Intent is a classified category of request purpose, used to select the
// target agent type. Intent names follow "resource.action".
type Intent string

const (
	IntentUnknown            Intent = ""
	IntentContactCreate      Intent = "contact.create"
	IntentContactQuery       Intent = "contact.query"
	IntentInteractionLog     Intent = "interaction.log"
	IntentTaskCreate         Intent = "task.create"
	IntentTaskQuery          Intent = "task.query"
	IntentSubscriptionReview Intent = "subscription.review"
	IntentRecommendation     Intent = "recommendation.next_best_action"
	IntentClassify           Intent = "intent.classify"
)

// KnownIntents returns all intents the core can route.
func KnownIntents() []Intent {
	return []Intent{
		IntentContactCreate,
		IntentContactQuery,
		IntentInteractionLog,
		IntentTaskCreate,
		IntentTaskQuery,
		IntentSubscriptionReview,
		IntentRecommendation,
		IntentClassify,
	}
}

// Action returns the "resource:action" string derived from the intent name.
func (i Intent) Action() string {
	return strings.Replace(string(i), ".", ":", 1)
}

// ── Scope Tiers ─────────────────────────────────────────────

// ScopeTier is the risk classification of an action.
type ScopeTier string

const (
	// ScopeInnerWorld actions have no external side effects and take the
	// cheap validation path.
	ScopeInnerWorld ScopeTier = "inner_world"

	// ScopeHybrid actions conditionally require approval depending on the
	// agent's capability flags.
	ScopeHybrid ScopeTier = "hybrid"

	// ScopeRealWorld actions always run the full validation pipeline and,
	// when configured, a human approval gate.
	ScopeRealWorld ScopeTier = "real_world"
)

// ── Health ──────────────────────────────────────────────────

// HealthStatus is the reported health of a live agent instance.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// HealthReport is the result of a single health probe.
type HealthReport struct {
	Status      HealthStatus `json:"status"`
	Description string       `json:"description,omitempty"`
	CheckedAt   time.Time    `json:"checked_at"`
}

// ── Agent Capability ────────────────────────────────────────

// AgentCapability describes what one agent type is authorized to do.
// All membership checks are case-insensitive. An empty AllowedActions set
// permits nothing (fail closed).
type AgentCapability struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`

	RateLimitPerMinute      int `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	MaxConcurrentOperations int `yaml:"max_concurrent_operations" json:"max_concurrent_operations"`

	// AllowedActions holds "resource:action" entries; a ":*" suffix permits
	// every action on that resource.
	AllowedActions []string `yaml:"allowed_actions" json:"allowed_actions"`

	// AllowedTools holds "tool:action" entries with the same wildcard rule.
	AllowedTools []string `yaml:"allowed_tools" json:"allowed_tools"`

	// AllowedDelegations lists agent types this agent may hand off to;
	// "*" permits all.
	AllowedDelegations []string `yaml:"allowed_delegations" json:"allowed_delegations"`

	// MaxDelegationDepth caps chained delegation to prevent cycles.
	MaxDelegationDepth int `yaml:"max_delegation_depth" json:"max_delegation_depth"`

	// RequiresApproval with an empty ActionsRequiringApproval set gates
	// every action; otherwise only the listed actions (or "*") are gated.
	RequiresApproval         bool     `yaml:"requires_approval" json:"requires_approval"`
	ActionsRequiringApproval []string `yaml:"actions_requiring_approval" json:"actions_requiring_approval"`

	// DataScopes are row-level security scope tags.
	DataScopes []string `yaml:"data_scopes" json:"data_scopes"`

	// CacheExpiration, when set, is the TTL after which a cached capability
	// must be re-resolved.
	CacheExpiration time.Duration `yaml:"cache_expiration" json:"cache_expiration"`

	LastUpdated time.Time `yaml:"last_updated" json:"last_updated"`
}

// AllowsAction reports whether the capability permits "resource:action".
func (c *AgentCapability) AllowsAction(action string) bool {
	return MatchAction(c.AllowedActions, action)
}

// AllowsTool reports whether the capability permits the tool/action pair.
func (c *AgentCapability) AllowsTool(tool, action string) bool {
	return MatchAction(c.AllowedTools, tool+":"+action)
}

// CanDelegateTo reports whether target is an allowed delegation target.
// Delegation depth is enforced by the caller.
func (c *AgentCapability) CanDelegateTo(target string) bool {
	for _, d := range c.AllowedDelegations {
		if d == "*" || strings.EqualFold(d, target) {
			return true
		}
	}
	return false
}

// NeedsApproval reports whether the given action requires human approval
// under this capability.
func (c *AgentCapability) NeedsApproval(action string) bool {
	if !c.RequiresApproval {
		return false
	}
	if len(c.ActionsRequiringApproval) == 0 {
		return true
	}
	return MatchAction(c.ActionsRequiringApproval, action)
}

// Expired reports whether the capability's cache TTL has elapsed.
func (c *AgentCapability) Expired(now time.Time) bool {
	if c.CacheExpiration <= 0 || c.LastUpdated.IsZero() {
		return false
	}
	return now.After(c.LastUpdated.Add(c.CacheExpiration))
}

// MatchAction checks case-insensitive membership of "resource:action" in a
// set that may contain exact entries, "resource:*" wildcards, or "*".
// An empty set matches nothing.
func MatchAction(entries []string, name string) bool {
	if len(entries) == 0 {
		return false
	}
	resource := name
	if i := strings.Index(name, ":"); i >= 0 {
		resource = name[:i]
	}
	for _, e := range entries {
		if e == "*" || strings.EqualFold(e, name) {
			return true
		}
		if strings.HasSuffix(e, ":*") && strings.EqualFold(e[:len(e)-2], resource) {
			return true
		}
	}
	return false
}

// ── Capability Document ─────────────────────────────────────

// CapabilityDocument is the hot-reloadable aggregate of all agent
// capabilities, keyed by agent type.
type CapabilityDocument struct {
	Version string                      `yaml:"version" json:"version"`
	Agents  map[string]*AgentCapability `yaml:"agents" json:"agents"`
}

// Validate checks load-time invariants. Any violation rejects the whole
// document so partially valid configuration never takes effect.
func (d *CapabilityDocument) Validate() error {
	if strings.TrimSpace(d.Version) == "" {
		return fmt.Errorf("capability document: version is required")
	}
	for agentType, cap := range d.Agents {
		if cap == nil {
			return fmt.Errorf("capability document: agent %q has no capability body", agentType)
		}
		if dup := findDuplicate(cap.AllowedActions); dup != "" {
			return fmt.Errorf("capability document: agent %q: duplicate action %q", agentType, dup)
		}
		if dup := findDuplicate(cap.AllowedTools); dup != "" {
			return fmt.Errorf("capability document: agent %q: duplicate tool %q", agentType, dup)
		}
	}
	return nil
}

func findDuplicate(entries []string) string {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		key := strings.ToLower(e)
		if _, ok := seen[key]; ok {
			return e
		}
		seen[key] = struct{}{}
	}
	return ""
}

// ── Request / Response Envelope ─────────────────────────────

// AgentRequest is the inbound envelope handed to ProcessRequest.
type AgentRequest struct {
	Intent        Intent         `json:"intent,omitempty"`
	OriginalInput string         `json:"original_input,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

// ContextString returns a string value from the request context, or "".
func (r *AgentRequest) ContextString(key string) string {
	if r.Context == nil {
		return ""
	}
	s, _ := r.Context[key].(string)
	return s
}

// AgentResponse is the uniform outbound envelope. Every response, success
// or failure, carries a freshly generated AuditID and a non-empty Reason.
type AgentResponse struct {
	Success bool           `json:"success"`
	AgentID string         `json:"agent_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	AuditID string         `json:"audit_id"`
	Reason  string         `json:"reason"`
}

// AgentResult is what an agent handler returns on success; the orchestrator
// wraps it into an AgentResponse.
type AgentResult struct {
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
}

// ── Intent Classification ───────────────────────────────────

// ClassificationResult is the outcome of classifying free-text input.
type ClassificationResult struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// ── Request States ──────────────────────────────────────────

// RequestState tracks a request through the routing state machine.
type RequestState string

const (
	StateReceived       RequestState = "received"
	StateIntentResolved RequestState = "intent_resolved"
	StateAgentSelected  RequestState = "agent_selected"
	StateValidated      RequestState = "validated"
	StateInvoked        RequestState = "invoked"
	StateCompleted      RequestState = "completed"
	StateFailed         RequestState = "failed"
)
