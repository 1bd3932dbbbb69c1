// Package orchestrator routes inbound requests to agents. For each request
// it resolves the intent (classifying free text when needed), selects a
// registered agent whose capability permits the derived action, enforces
// rate limits, concurrency ceilings, and approval gates per scope tier,
// invokes the agent, and wraps the outcome in a uniform response carrying a
// fresh audit id and a human-readable reason.
//
// States per request:
//
//	Received → IntentResolved → AgentSelected → Validated → Invoked →
//	Completed | Failed
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentrelay/agentrelay/internal/agents"
	"github.com/agentrelay/agentrelay/internal/audit"
	"github.com/agentrelay/agentrelay/internal/capability"
	"github.com/agentrelay/agentrelay/internal/intent"
	"github.com/agentrelay/agentrelay/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ApprovalIDKey is the request-context key carrying a granted approval id
// when a previously parked request is resubmitted.
const ApprovalIDKey = "approvalId"

// Config is the explicitly constructed orchestrator configuration, injected
// at startup.
type Config struct {
	// IntentRoutes maps each intent to the agent type that handles it.
	IntentRoutes map[models.Intent]string

	// RealWorldActions and InnerWorldActions classify scope tiers using the
	// same wildcard syntax as capability action sets. Actions matching
	// neither are Hybrid.
	RealWorldActions  []string
	InnerWorldActions []string

	// RequireApprovalForRealWorld gates every RealWorld action behind human
	// approval regardless of per-capability flags.
	RequireApprovalForRealWorld bool

	// ClassifierAgentType is the agent type used for the unknown-intent
	// second pass.
	ClassifierAgentType string

	// ApprovalTTL bounds how long a parked approval stays redeemable.
	ApprovalTTL time.Duration
}

// DefaultConfig returns the built-in routing table and tier classification.
func DefaultConfig() Config {
	return Config{
		IntentRoutes: map[models.Intent]string{
			models.IntentContactCreate:      "contact-manager",
			models.IntentContactQuery:       "contact-manager",
			models.IntentInteractionLog:     "interaction-logger",
			models.IntentTaskCreate:         "task-manager",
			models.IntentTaskQuery:          "task-manager",
			models.IntentSubscriptionReview: "subscription-manager",
			models.IntentRecommendation:     "recommendation",
			models.IntentClassify:           "intent-classifier",
		},
		RealWorldActions: []string{
			"email:send", "message:send", "payment:*", "subscription:cancel",
		},
		InnerWorldActions: []string{
			"contact:query", "task:query", "recommendation:*", "intent:classify",
		},
		RequireApprovalForRealWorld: true,
		ClassifierAgentType:         "intent-classifier",
		ApprovalTTL:                 15 * time.Minute,
	}
}

// Orchestrator is the routing core. ProcessRequest is its sole public entry
// point and is safe to call concurrently from many handler goroutines.
type Orchestrator struct {
	caps       *capability.Registry
	agents     *agents.Registry
	classifier *intent.Classifier
	trail      *audit.Trail
	cfg        Config

	limiters  limiterPool
	inflight  sync.Map // agentID → *atomic.Int64
	approvals *approvalBook
	tracer    trace.Tracer
}

// New wires the orchestrator. trail may be nil in tests.
func New(caps *capability.Registry, ag *agents.Registry, cl *intent.Classifier, trail *audit.Trail, cfg Config) *Orchestrator {
	if cfg.IntentRoutes == nil {
		cfg.IntentRoutes = DefaultConfig().IntentRoutes
	}
	if cfg.ClassifierAgentType == "" {
		cfg.ClassifierAgentType = "intent-classifier"
	}
	return &Orchestrator{
		caps:       caps,
		agents:     ag,
		classifier: cl,
		trail:      trail,
		cfg:        cfg,
		approvals:  newApprovalBook(cfg.ApprovalTTL),
		tracer:     otel.Tracer("agentrelay/orchestrator"),
	}
}

// GrantApproval marks a parked approval as granted so the request can be
// resubmitted with its id.
func (o *Orchestrator) GrantApproval(id string) bool {
	return o.approvals.grant(id)
}

// ReleaseAgent drops per-agent limiter and concurrency state. Called when an
// agent instance is unregistered.
func (o *Orchestrator) ReleaseAgent(agentID string) {
	o.limiters.forget(agentID)
	o.inflight.Delete(agentID)
}

// ProcessRequest routes one request. It never returns an error: every
// outcome, be it success, denial, rate limit, parked approval, handler
// failure, or cancellation, is an AgentResponse with a fresh AuditID and a
// non-empty Reason.
func (o *Orchestrator) ProcessRequest(ctx context.Context, req *models.AgentRequest) *models.AgentResponse {
	return o.process(ctx, req, false)
}

func (o *Orchestrator) process(ctx context.Context, req *models.AgentRequest, reclassified bool) *models.AgentResponse {
	start := time.Now()
	auditID := uuid.New().String()

	ctx, span := o.tracer.Start(ctx, "orchestrator.process")
	defer span.End()

	state := models.StateReceived
	var agentType string
	var action string

	fail := func(reason string, data map[string]any) *models.AgentResponse {
		return o.finish(span, req, start, &models.AgentResponse{
			Success: false,
			Data:    data,
			Message: reason,
			AuditID: auditID,
			Reason:  reason,
		}, agentType, action, state)
	}

	if ctx.Err() != nil {
		return fail("cancelled", nil)
	}

	// 1. Intent resolution
	in := req.Intent
	if in == models.IntentUnknown && o.classifier != nil {
		res := o.classifier.ClassifyIntent(ctx, req.OriginalInput, req.Context)
		if res.Intent == models.IntentUnknown || res.Confidence < o.classifier.ConfidenceThreshold() {
			return o.unknownIntent(ctx, span, req, start, auditID, reclassified, res.Reason)
		}
		in = res.Intent
		log.Debug().
			Str("intent", string(in)).
			Float64("confidence", res.Confidence).
			Msg("intent classified")
	}
	state = models.StateIntentResolved
	span.SetAttributes(attribute.String("relay.intent", string(in)))

	// 2. Intent to agent type
	var ok bool
	agentType, ok = o.cfg.IntentRoutes[in]
	if !ok {
		return o.unknownIntent(ctx, span, req, start, auditID, reclassified,
			fmt.Sprintf("no route for intent %q", in))
	}

	reg := o.selectAgent(agentType)
	if reg == nil {
		return o.unknownIntent(ctx, span, req, start, auditID, reclassified,
			fmt.Sprintf("no registered agent of type %q", agentType))
	}
	state = models.StateAgentSelected
	span.SetAttributes(attribute.String("relay.agent_id", reg.ID))

	// 3. Authorization
	action = in.Action()
	if override := req.ContextString("action"); override != "" {
		action = override
	}
	if err := o.caps.ValidateAction(agentType, action); err != nil {
		resp := fail(err.Error(), nil)
		resp.AgentID = reg.ID
		return resp
	}

	// 4. Rate limit
	capa := o.caps.GetEffectiveCapability(agentType)
	if !o.limiters.allow(reg.ID, capa.RateLimitPerMinute) {
		denial := fmt.Errorf("%w for agent %s (%d/min)", ErrRateLimited, reg.ID, capa.RateLimitPerMinute)
		resp := fail(denial.Error(), nil)
		resp.AgentID = reg.ID
		return resp
	}

	// 5. Scope tier
	tier := o.classifyScope(action)
	span.SetAttributes(attribute.String("relay.scope_tier", string(tier)))

	// 6. Approval gate. InnerWorld takes the cheap path; Hybrid consults the
	// capability flags; RealWorld is additionally gated by configuration.
	needsApproval := false
	switch tier {
	case models.ScopeInnerWorld:
	case models.ScopeHybrid:
		needsApproval = capa.NeedsApproval(action)
	case models.ScopeRealWorld:
		needsApproval = capa.NeedsApproval(action) || o.cfg.RequireApprovalForRealWorld
	}
	if needsApproval && !o.approvals.take(req.ContextString(ApprovalIDKey), agentType, action) {
		approvalID := o.approvals.park(agentType, action)
		denial := fmt.Errorf("%w: %s", ErrApprovalRequired, action)
		resp := fail(denial.Error(), map[string]any{
			"approvalId": approvalID,
			"scopeTier":  string(tier),
		})
		resp.AgentID = reg.ID
		return resp
	}
	state = models.StateValidated

	// 7. Concurrency ceiling + invocation
	if !o.acquire(reg.ID, capa.MaxConcurrentOperations) {
		denial := fmt.Errorf("%w for agent %s (%d in flight)", ErrConcurrencyLimited, reg.ID, capa.MaxConcurrentOperations)
		resp := fail(denial.Error(), nil)
		resp.AgentID = reg.ID
		return resp
	}
	state = models.StateInvoked

	result, err := o.safeInvoke(ctx, reg, req)
	o.release(reg.ID)

	if ctx.Err() != nil {
		resp := fail("cancelled", nil)
		resp.AgentID = reg.ID
		return resp
	}
	if err != nil {
		log.Error().Err(err).
			Str("agent_id", reg.ID).
			Str("intent", string(in)).
			Msg("agent handler failed")
		resp := fail(fmt.Sprintf("handler failure: %v", err), nil)
		resp.AgentID = reg.ID
		return resp
	}

	// 8. Success envelope
	state = models.StateCompleted
	resp := &models.AgentResponse{
		Success: true,
		AgentID: reg.ID,
		Data:    result.Data,
		Message: result.Message,
		AuditID: auditID,
		Reason:  fmt.Sprintf("intent %s routed to agent %s (%s scope)", in, reg.ID, tier),
	}
	return o.finish(span, req, start, resp, agentType, action, state)
}

// unknownIntent handles requests whose intent cannot be routed. With
// non-empty input it takes one second pass through the registered
// classification agent; otherwise (or when that also fails) it returns a
// failed response that always includes suggested next steps.
func (o *Orchestrator) unknownIntent(ctx context.Context, span trace.Span, req *models.AgentRequest, start time.Time, auditID string, reclassified bool, why string) *models.AgentResponse {
	if !reclassified && strings.TrimSpace(req.OriginalInput) != "" {
		if reg := o.selectAgent(o.cfg.ClassifierAgentType); reg != nil {
			if result, err := o.safeInvoke(ctx, reg, req); err == nil && result.Data != nil {
				if s, _ := result.Data["intent"].(string); s != "" && models.Intent(s) != models.IntentUnknown {
					second := *req
					second.Intent = models.Intent(s)
					return o.process(ctx, &second, true)
				}
			}
		}
	}

	reason := fmt.Errorf("%w: %s", ErrClassificationFailed, why)
	resp := &models.AgentResponse{
		Success: false,
		Message: fmt.Sprintf("Unable to process intent: %s", why),
		Data:    map[string]any{"suggestedActions": o.suggestedActions()},
		AuditID: auditID,
		Reason:  reason.Error(),
	}
	return o.finish(span, req, start, resp, "", "", models.StateFailed)
}

// Delegate routes a request on behalf of sourceType, enforcing delegation
// authorization and the chain depth ceiling. Depth is carried on the
// context so A→B→C chains are counted across hops.
func (o *Orchestrator) Delegate(ctx context.Context, sourceType string, req *models.AgentRequest) *models.AgentResponse {
	auditID := uuid.New().String()
	start := time.Now()

	deny := func(reason string) *models.AgentResponse {
		resp := &models.AgentResponse{
			Success: false,
			Message: reason,
			AuditID: auditID,
			Reason:  reason,
		}
		o.record(req, resp, sourceType, "", start)
		return resp
	}

	targetType, ok := o.cfg.IntentRoutes[req.Intent]
	if !ok {
		return deny(fmt.Sprintf("delegation failed: no route for intent %q", req.Intent))
	}
	if !o.caps.CanDelegateTo(sourceType, targetType) {
		return deny(fmt.Sprintf("delegation denied: %s may not delegate to %s", sourceType, targetType))
	}
	depth := DelegationDepth(ctx) + 1
	if max := o.caps.MaxDelegationDepth(sourceType); depth > max {
		return deny(fmt.Sprintf("delegation depth %d exceeds limit %d for %s", depth, max, sourceType))
	}
	return o.process(withDelegationDepth(ctx, depth), req, false)
}

// ── Internals ───────────────────────────────────────────────

type ctxKey int

const depthKey ctxKey = iota

// DelegationDepth returns how many delegation hops the request has already
// taken.
func DelegationDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey).(int)
	return d
}

func withDelegationDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey, depth)
}

// selectAgent picks a registered agent of the given type, preferring healthy
// instances and skipping unhealthy ones.
func (o *Orchestrator) selectAgent(agentType string) *agents.Registration {
	candidates := o.agents.ListByType(agentType)
	var fallback *agents.Registration
	for _, reg := range candidates {
		switch reg.Health().Status {
		case models.HealthHealthy:
			return reg
		case models.HealthUnhealthy:
			continue
		default:
			if fallback == nil {
				fallback = reg
			}
		}
	}
	return fallback
}

func (o *Orchestrator) classifyScope(action string) models.ScopeTier {
	if models.MatchAction(o.cfg.RealWorldActions, action) {
		return models.ScopeRealWorld
	}
	if models.MatchAction(o.cfg.InnerWorldActions, action) {
		return models.ScopeInnerWorld
	}
	return models.ScopeHybrid
}

func (o *Orchestrator) acquire(agentID string, max int) bool {
	if max <= 0 {
		return true
	}
	v, ok := o.inflight.Load(agentID)
	if !ok {
		v, _ = o.inflight.LoadOrStore(agentID, new(atomic.Int64))
	}
	ctr := v.(*atomic.Int64)
	if ctr.Add(1) > int64(max) {
		ctr.Add(-1)
		return false
	}
	return true
}

func (o *Orchestrator) release(agentID string) {
	if v, ok := o.inflight.Load(agentID); ok {
		v.(*atomic.Int64).Add(-1)
	}
}

// safeInvoke calls the agent handler, converting panics into errors so a
// handler can never crash the routing core.
func (o *Orchestrator) safeInvoke(ctx context.Context, reg *agents.Registration, req *models.AgentRequest) (result *models.AgentResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	result, err = reg.Handler.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &models.AgentResult{}
	}
	return result, nil
}

// finish stamps the span, emits the audit record, and returns the response.
func (o *Orchestrator) finish(span trace.Span, req *models.AgentRequest, start time.Time, resp *models.AgentResponse, agentType, action string, state models.RequestState) *models.AgentResponse {
	span.SetAttributes(
		attribute.Bool("relay.success", resp.Success),
		attribute.String("relay.state", string(state)),
		attribute.String("relay.audit_id", resp.AuditID),
	)
	o.record(req, resp, agentType, action, start)
	return resp
}

func (o *Orchestrator) record(req *models.AgentRequest, resp *models.AgentResponse, agentType, action string, start time.Time) {
	if o.trail == nil {
		return
	}
	o.trail.Log(audit.Record{
		AuditID:    resp.AuditID,
		AgentID:    resp.AgentID,
		AgentType:  agentType,
		Intent:     string(req.Intent),
		Action:     action,
		Reason:     resp.Reason,
		Success:    resp.Success,
		Timestamp:  time.Now().UTC(),
		DurationMs: time.Since(start).Milliseconds(),
	})
}

func (o *Orchestrator) suggestedActions() []string {
	intents := make([]string, 0, len(o.cfg.IntentRoutes))
	for in := range o.cfg.IntentRoutes {
		intents = append(intents, string(in))
	}
	sort.Strings(intents)
	return []string{
		"Rephrase the request with a clearer goal",
		"Supported intents: " + strings.Join(intents, ", "),
	}
}
