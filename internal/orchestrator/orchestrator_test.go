package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agentrelay/agentrelay/internal/agents"
	"github.com/agentrelay/agentrelay/internal/capability"
	"github.com/agentrelay/agentrelay/internal/intent"
	"github.com/agentrelay/agentrelay/internal/orchestrator"
	"github.com/agentrelay/agentrelay/pkg/models"
)

type fixture struct {
	orch   *orchestrator.Orchestrator
	agents *agents.Registry
	caps   *capability.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	caps := capability.NewRegistry()
	reg := agents.NewRegistry()
	classifier := intent.NewClassifier(nil, 0)
	orch := orchestrator.New(caps, reg, classifier, nil, orchestrator.DefaultConfig())
	return &fixture{orch: orch, agents: reg, caps: caps}
}

func (f *fixture) register(t *testing.T, id, agentType string, h agents.Handler) {
	t.Helper()
	if h == nil {
		h = agents.HandlerFunc(func(ctx context.Context, req *models.AgentRequest) (*models.AgentResult, error) {
			return &models.AgentResult{Message: "done"}, nil
		})
	}
	if _, err := f.agents.Register(context.Background(), id, agentType, h, agents.RegisterOptions{}); err != nil {
		t.Fatalf("Register(%s) error = %v", id, err)
	}
}

func (f *fixture) allow(agentType string, cap *models.AgentCapability) {
	f.caps.RegisterCapability(agentType, cap)
}

func TestProcessRequest_Success(t *testing.T) {
	f := newFixture(t)
	f.register(t, "cm-1", "contact-manager", nil)
	f.allow("contact-manager", &models.AgentCapability{AllowedActions: []string{"contact:*"}})

	resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{Intent: models.IntentContactCreate})
	if !resp.Success {
		t.Fatalf("Success = false, Reason = %q", resp.Reason)
	}
	if resp.AgentID != "cm-1" {
		t.Errorf("AgentID = %q, want cm-1", resp.AgentID)
	}
	if resp.AuditID == "" {
		t.Error("AuditID is empty")
	}
	if resp.Reason == "" {
		t.Error("Reason is empty")
	}
}

func TestProcessRequest_UniqueAuditIDs(t *testing.T) {
	f := newFixture(t)
	f.register(t, "cm-1", "contact-manager", nil)
	f.allow("contact-manager", &models.AgentCapability{AllowedActions: []string{"contact:*"}})

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{Intent: models.IntentContactQuery})
		if seen[resp.AuditID] {
			t.Fatalf("duplicate AuditID %q", resp.AuditID)
		}
		seen[resp.AuditID] = true
	}
}

func TestProcessRequest_AuthorizationDenied(t *testing.T) {
	f := newFixture(t)
	f.register(t, "cm-1", "contact-manager", nil)
	f.allow("contact-manager", &models.AgentCapability{AllowedActions: []string{"contact:query"}})

	resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{Intent: models.IntentContactCreate})
	if resp.Success {
		t.Fatal("Success = true for unauthorized action, want denial")
	}
	if !strings.Contains(resp.Reason, "authorization denied") {
		t.Errorf("Reason = %q, want authorization denial", resp.Reason)
	}
}

func TestProcessRequest_FailClosedWithoutCapability(t *testing.T) {
	f := newFixture(t)
	f.register(t, "cm-1", "contact-manager", nil)
	// No capability registered at all.

	resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{Intent: models.IntentContactCreate})
	if resp.Success {
		t.Fatal("Success = true with no capability entry, want fail closed")
	}
}

func TestProcessRequest_RateLimit(t *testing.T) {
	f := newFixture(t)
	f.register(t, "cm-1", "contact-manager", nil)
	f.allow("contact-manager", &models.AgentCapability{
		AllowedActions:     []string{"contact:*"},
		RateLimitPerMinute: 10,
	})

	for i := 0; i < 10; i++ {
		resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{Intent: models.IntentContactQuery})
		if !resp.Success {
			t.Fatalf("request %d failed: %q, want first 10 to pass", i+1, resp.Reason)
		}
	}

	resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{Intent: models.IntentContactQuery})
	if resp.Success {
		t.Fatal("11th request succeeded, want rate limit denial")
	}
	if !strings.Contains(resp.Reason, "Rate limit exceeded") {
		t.Errorf("Reason = %q, want rate limit message", resp.Reason)
	}
}

func TestProcessRequest_ApprovalFlow(t *testing.T) {
	f := newFixture(t)
	f.register(t, "tm-1", "task-manager", nil)
	f.allow("task-manager", &models.AgentCapability{
		AllowedActions:   []string{"task:*"},
		RequiresApproval: true, // empty set: every action gated
	})

	req := &models.AgentRequest{Intent: models.IntentTaskCreate}
	resp := f.orch.ProcessRequest(context.Background(), req)
	if resp.Success {
		t.Fatal("Success = true without approval, want parked request")
	}
	approvalID, _ := resp.Data["approvalId"].(string)
	if approvalID == "" {
		t.Fatalf("Data[approvalId] missing in %+v", resp.Data)
	}

	// Resubmitting before the grant must park again, not proceed.
	retry := &models.AgentRequest{
		Intent:  models.IntentTaskCreate,
		Context: map[string]any{"approvalId": approvalID},
	}
	if resp := f.orch.ProcessRequest(context.Background(), retry); resp.Success {
		t.Fatal("Success = true with ungranted approval id")
	}

	if !f.orch.GrantApproval(approvalID) {
		t.Fatal("GrantApproval() = false, want true")
	}
	resp = f.orch.ProcessRequest(context.Background(), retry)
	if !resp.Success {
		t.Fatalf("Success = false after grant, Reason = %q", resp.Reason)
	}

	// The grant is consumed: replaying the same id parks again.
	if resp := f.orch.ProcessRequest(context.Background(), retry); resp.Success {
		t.Fatal("Success = true replaying a consumed approval")
	}
}

func TestProcessRequest_RealWorldActionRequiresApproval(t *testing.T) {
	f := newFixture(t)
	f.register(t, "sm-1", "subscription-manager", nil)
	f.allow("subscription-manager", &models.AgentCapability{
		AllowedActions: []string{"subscription:*"},
		// No per-capability approval flag: the gate comes from the
		// real-world tier configuration alone.
	})

	resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{
		Intent:  models.IntentSubscriptionReview,
		Context: map[string]any{"action": "subscription:cancel"},
	})
	if resp.Success {
		t.Fatal("Success = true for real-world action without approval")
	}
	if resp.Data["scopeTier"] != string(models.ScopeRealWorld) {
		t.Errorf("scopeTier = %v, want %q", resp.Data["scopeTier"], models.ScopeRealWorld)
	}
}

func TestProcessRequest_InnerWorldSkipsApproval(t *testing.T) {
	f := newFixture(t)
	f.register(t, "cm-1", "contact-manager", nil)
	f.allow("contact-manager", &models.AgentCapability{
		AllowedActions:   []string{"contact:*"},
		RequiresApproval: true,
	})

	// contact:query is inner-world: even a requires-approval capability takes
	// the cheap path.
	resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{Intent: models.IntentContactQuery})
	if !resp.Success {
		t.Fatalf("Success = false for inner-world action, Reason = %q", resp.Reason)
	}
}

func TestProcessRequest_HandlerError(t *testing.T) {
	f := newFixture(t)
	f.register(t, "cm-1", "contact-manager", agents.HandlerFunc(
		func(ctx context.Context, req *models.AgentRequest) (*models.AgentResult, error) {
			return nil, errors.New("backend unavailable")
		}))
	f.allow("contact-manager", &models.AgentCapability{AllowedActions: []string{"contact:*"}})

	resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{Intent: models.IntentContactCreate})
	if resp.Success {
		t.Fatal("Success = true despite handler error")
	}
	if !strings.Contains(resp.Reason, "handler failure") {
		t.Errorf("Reason = %q, want handler failure", resp.Reason)
	}
}

func TestProcessRequest_PanicRecovered(t *testing.T) {
	f := newFixture(t)
	f.register(t, "cm-1", "contact-manager", agents.HandlerFunc(
		func(ctx context.Context, req *models.AgentRequest) (*models.AgentResult, error) {
			panic("nil map write")
		}))
	f.allow("contact-manager", &models.AgentCapability{AllowedActions: []string{"contact:*"}})

	resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{Intent: models.IntentContactCreate})
	if resp.Success {
		t.Fatal("Success = true despite handler panic")
	}
	if !strings.Contains(resp.Reason, "panic") {
		t.Errorf("Reason = %q, want panic surfaced", resp.Reason)
	}
}

func TestProcessRequest_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.register(t, "cm-1", "contact-manager", agents.HandlerFunc(
		func(ctx context.Context, req *models.AgentRequest) (*models.AgentResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	f.allow("contact-manager", &models.AgentCapability{AllowedActions: []string{"contact:*"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := f.orch.ProcessRequest(ctx, &models.AgentRequest{Intent: models.IntentContactCreate})
	if resp.Success {
		t.Fatal("Success = true for cancelled request")
	}
	if resp.Reason != "cancelled" {
		t.Errorf("Reason = %q, want cancelled", resp.Reason)
	}
}

func TestProcessRequest_UnknownIntentSuggestsActions(t *testing.T) {
	f := newFixture(t)

	resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{})
	if resp.Success {
		t.Fatal("Success = true for empty request")
	}
	if !strings.Contains(resp.Message, "Unable to process intent") {
		t.Errorf("Message = %q, want unable-to-process", resp.Message)
	}
	suggestions, _ := resp.Data["suggestedActions"].([]string)
	if len(suggestions) == 0 {
		t.Fatal("suggestedActions empty, want guidance")
	}
	if resp.AuditID == "" {
		t.Error("AuditID is empty on failure response")
	}
}

func TestProcessRequest_ReclassifiesThroughAgent(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ic-1", "intent-classifier", agents.HandlerFunc(
		func(ctx context.Context, req *models.AgentRequest) (*models.AgentResult, error) {
			return &models.AgentResult{Data: map[string]any{
				"intent":     string(models.IntentTaskCreate),
				"confidence": 0.95,
			}}, nil
		}))
	f.register(t, "tm-1", "task-manager", nil)
	f.allow("task-manager", &models.AgentCapability{AllowedActions: []string{"task:*"}})

	// Input matching no keyword rule: resolution must go through the
	// registered classification agent on the second pass.
	resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{OriginalInput: "blorp qux zzz"})
	if !resp.Success {
		t.Fatalf("Success = false, Reason = %q", resp.Reason)
	}
	if resp.AgentID != "tm-1" {
		t.Errorf("AgentID = %q, want tm-1 after reclassification", resp.AgentID)
	}
}

func TestProcessRequest_SkipsUnhealthyInstances(t *testing.T) {
	f := newFixture(t)
	f.allow("contact-manager", &models.AgentCapability{AllowedActions: []string{"contact:*"}})

	if _, err := f.agents.Register(context.Background(), "cm-sick", "contact-manager",
		agents.HandlerFunc(func(ctx context.Context, req *models.AgentRequest) (*models.AgentResult, error) {
			t.Error("unhealthy instance was invoked")
			return nil, errors.New("down")
		}),
		agents.RegisterOptions{OnHealthCheck: func(ctx context.Context) models.HealthReport {
			return models.HealthReport{Status: models.HealthUnhealthy}
		}}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := f.agents.HealthCheck(context.Background(), "cm-sick"); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	f.register(t, "cm-ok", "contact-manager", nil)

	resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{Intent: models.IntentContactQuery})
	if !resp.Success {
		t.Fatalf("Success = false, Reason = %q", resp.Reason)
	}
	if resp.AgentID != "cm-ok" {
		t.Errorf("AgentID = %q, want healthy instance cm-ok", resp.AgentID)
	}
}

func TestDelegate(t *testing.T) {
	f := newFixture(t)
	f.register(t, "tm-1", "task-manager", nil)
	f.allow("task-manager", &models.AgentCapability{AllowedActions: []string{"task:*"}})
	f.allow("contact-manager", &models.AgentCapability{
		AllowedActions:     []string{"contact:*"},
		AllowedDelegations: []string{"task-manager"},
		MaxDelegationDepth: 1,
	})

	resp := f.orch.Delegate(context.Background(), "contact-manager", &models.AgentRequest{Intent: models.IntentTaskCreate})
	if !resp.Success {
		t.Fatalf("Delegate() Success = false, Reason = %q", resp.Reason)
	}
}

func TestDelegate_DeniedTarget(t *testing.T) {
	f := newFixture(t)
	f.register(t, "sm-1", "subscription-manager", nil)
	f.allow("subscription-manager", &models.AgentCapability{AllowedActions: []string{"subscription:*"}})
	f.allow("contact-manager", &models.AgentCapability{
		AllowedActions:     []string{"contact:*"},
		AllowedDelegations: []string{"task-manager"},
		MaxDelegationDepth: 1,
	})

	resp := f.orch.Delegate(context.Background(), "contact-manager", &models.AgentRequest{Intent: models.IntentSubscriptionReview})
	if resp.Success {
		t.Fatal("Delegate() Success = true to disallowed target, want denial")
	}
	if !strings.Contains(resp.Reason, "delegation denied") {
		t.Errorf("Reason = %q, want delegation denial", resp.Reason)
	}
}

func TestDelegate_DepthLimit(t *testing.T) {
	f := newFixture(t)
	f.register(t, "tm-1", "task-manager", nil)
	f.allow("task-manager", &models.AgentCapability{AllowedActions: []string{"task:*"}})
	f.allow("contact-manager", &models.AgentCapability{
		AllowedActions:     []string{"contact:*"},
		AllowedDelegations: []string{"task-manager"},
		MaxDelegationDepth: 0,
	})

	resp := f.orch.Delegate(context.Background(), "contact-manager", &models.AgentRequest{Intent: models.IntentTaskCreate})
	if resp.Success {
		t.Fatal("Delegate() Success = true past depth limit, want denial")
	}
	if !strings.Contains(resp.Reason, "delegation depth") {
		t.Errorf("Reason = %q, want depth limit denial", resp.Reason)
	}
}

func TestDelegate_ChainDepthAcrossHops(t *testing.T) {
	f := newFixture(t)

	// A → B → C → D: each pairwise delegation is allowed and every type caps
	// the chain at 2, so the third hop must be rejected.
	f.allow("contact-manager", &models.AgentCapability{
		AllowedActions:     []string{"contact:*"},
		AllowedDelegations: []string{"task-manager"},
		MaxDelegationDepth: 2,
	})
	f.allow("task-manager", &models.AgentCapability{
		AllowedActions:     []string{"task:*"},
		AllowedDelegations: []string{"subscription-manager"},
		MaxDelegationDepth: 2,
	})
	f.allow("subscription-manager", &models.AgentCapability{
		AllowedActions:     []string{"subscription:*"},
		AllowedDelegations: []string{"interaction-logger"},
		MaxDelegationDepth: 2,
	})
	f.allow("interaction-logger", &models.AgentCapability{AllowedActions: []string{"interaction:*"}})

	f.register(t, "tm-1", "task-manager", agents.HandlerFunc(
		func(ctx context.Context, req *models.AgentRequest) (*models.AgentResult, error) {
			resp := f.orch.Delegate(ctx, "task-manager", &models.AgentRequest{Intent: models.IntentSubscriptionReview})
			if !resp.Success {
				return nil, errors.New(resp.Reason)
			}
			return &models.AgentResult{}, nil
		}))
	f.register(t, "sm-1", "subscription-manager", agents.HandlerFunc(
		func(ctx context.Context, req *models.AgentRequest) (*models.AgentResult, error) {
			resp := f.orch.Delegate(ctx, "subscription-manager", &models.AgentRequest{Intent: models.IntentInteractionLog})
			if !resp.Success {
				return nil, errors.New(resp.Reason)
			}
			return &models.AgentResult{}, nil
		}))
	f.register(t, "il-1", "interaction-logger", nil)

	resp := f.orch.Delegate(context.Background(), "contact-manager", &models.AgentRequest{Intent: models.IntentTaskCreate})
	if resp.Success {
		t.Fatal("three-hop delegation succeeded, want rejection at depth 3")
	}
	if !strings.Contains(resp.Reason, "delegation depth") {
		t.Errorf("Reason = %q, want depth limit surfaced from the chain", resp.Reason)
	}
}

func TestProcessRequest_ConcurrencyLimit(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	f.register(t, "cm-1", "contact-manager", agents.HandlerFunc(
		func(ctx context.Context, req *models.AgentRequest) (*models.AgentResult, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return &models.AgentResult{}, nil
		}))
	f.allow("contact-manager", &models.AgentCapability{
		AllowedActions:          []string{"contact:*"},
		MaxConcurrentOperations: 1,
	})

	first := make(chan *models.AgentResponse, 1)
	go func() {
		first <- f.orch.ProcessRequest(context.Background(), &models.AgentRequest{Intent: models.IntentContactCreate})
	}()
	<-started

	resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{Intent: models.IntentContactCreate})
	if resp.Success {
		t.Fatal("second request succeeded past concurrency ceiling")
	}
	if !strings.Contains(resp.Reason, "concurrency limit") {
		t.Errorf("Reason = %q, want concurrency limit denial", resp.Reason)
	}

	close(release)
	if resp := <-first; !resp.Success {
		t.Fatalf("first request failed: %q", resp.Reason)
	}

	// Slot released: the next request passes again.
	if resp := f.orch.ProcessRequest(context.Background(), &models.AgentRequest{Intent: models.IntentContactCreate}); !resp.Success {
		t.Fatalf("request after release failed: %q", resp.Reason)
	}
}
