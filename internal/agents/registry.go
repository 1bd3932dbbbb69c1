// Package agents tracks live agent instances: registration, lifecycle hooks,
// health probing, and lookup by type. Capability data lives elsewhere; health
// results never mutate it.
//
// Lifecycle hooks are explicit optional functions supplied at registration
// (OnStart, OnStop, OnHealthCheck, Close). Absence is a nil field checked
// once, not a runtime type probe on every call.
package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentrelay/agentrelay/pkg/models"
	"github.com/rs/zerolog/log"
)

// Handler is the invocable side of an agent instance.
type Handler interface {
	Handle(ctx context.Context, req *models.AgentRequest) (*models.AgentResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *models.AgentRequest) (*models.AgentResult, error)

func (f HandlerFunc) Handle(ctx context.Context, req *models.AgentRequest) (*models.AgentResult, error) {
	return f(ctx, req)
}

// RegisterOptions carries optional lifecycle hooks and metadata.
type RegisterOptions struct {
	FactoryCreated bool
	Metadata       map[string]string

	// OnStart runs once during registration; an error aborts it.
	OnStart func(ctx context.Context) error

	// OnStop runs exactly once during unregistration.
	OnStop func(ctx context.Context) error

	// OnHealthCheck, when set, answers health probes. Without it the agent
	// reports HealthUnknown.
	OnHealthCheck func(ctx context.Context) models.HealthReport

	// Close releases any resources held by the handle; invoked exactly once
	// after OnStop.
	Close func() error
}

// Registration is one live agent instance.
type Registration struct {
	ID             string
	Type           string
	Handler        Handler
	FactoryCreated bool
	Metadata       map[string]string
	RegisteredAt   time.Time

	opts RegisterOptions

	healthMu sync.Mutex
	health   models.HealthReport

	stopOnce sync.Once
}

// Health returns the last recorded health report.
func (r *Registration) Health() models.HealthReport {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	return r.health
}

func (r *Registration) setHealth(h models.HealthReport) {
	r.healthMu.Lock()
	r.health = h
	r.healthMu.Unlock()
}

// Registry is the live-instance store, keyed by agent id. Registration and
// unregistration are the only writers; health checks and listings are
// read-only and never block each other.
type Registry struct {
	entries sync.Map // agentID → *Registration

	probeMu sync.Mutex
	stopCh  chan struct{}
	probing bool
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{stopCh: make(chan struct{})}
}

// Register adds a live agent instance and runs its OnStart hook.
// Registering an already-known id fails.
func (r *Registry) Register(ctx context.Context, agentID, agentType string, h Handler, opts RegisterOptions) (*Registration, error) {
	if agentID == "" || agentType == "" {
		return nil, fmt.Errorf("register agent: id and type are required")
	}
	reg := &Registration{
		ID:             agentID,
		Type:           agentType,
		Handler:        h,
		FactoryCreated: opts.FactoryCreated,
		Metadata:       opts.Metadata,
		RegisteredAt:   time.Now().UTC(),
		opts:           opts,
		health:         models.HealthReport{Status: models.HealthUnknown},
	}

	if _, loaded := r.entries.LoadOrStore(agentID, reg); loaded {
		return nil, fmt.Errorf("agent %q already registered", agentID)
	}

	if opts.OnStart != nil {
		if err := opts.OnStart(ctx); err != nil {
			r.entries.Delete(agentID)
			return nil, fmt.Errorf("agent %q OnStart: %w", agentID, err)
		}
	}

	log.Info().
		Str("agent_id", agentID).
		Str("agent_type", agentType).
		Bool("factory_created", opts.FactoryCreated).
		Msg("agent registered")
	return reg, nil
}

// Unregister removes an agent, running OnStop and Close exactly once.
// Unregistering an unknown id is a no-op.
func (r *Registry) Unregister(ctx context.Context, agentID string) {
	v, ok := r.entries.LoadAndDelete(agentID)
	if !ok {
		return
	}
	reg := v.(*Registration)

	reg.stopOnce.Do(func() {
		if reg.opts.OnStop != nil {
			if err := reg.opts.OnStop(ctx); err != nil {
				log.Warn().Err(err).Str("agent_id", agentID).Msg("agent OnStop failed")
			}
		}
		if reg.opts.Close != nil {
			if err := reg.opts.Close(); err != nil {
				log.Warn().Err(err).Str("agent_id", agentID).Msg("agent close failed")
			}
		}
	})

	log.Info().Str("agent_id", agentID).Msg("agent unregistered")
}

// Get returns the registration for an agent id.
func (r *Registry) Get(agentID string) (*Registration, bool) {
	v, ok := r.entries.Load(agentID)
	if !ok {
		return nil, false
	}
	return v.(*Registration), true
}

// ListByType returns all registrations of the given agent type.
func (r *Registry) ListByType(agentType string) []*Registration {
	var out []*Registration
	r.entries.Range(func(_, v any) bool {
		reg := v.(*Registration)
		if reg.Type == agentType {
			out = append(out, reg)
		}
		return true
	})
	return out
}

// List returns every registration.
func (r *Registry) List() []*Registration {
	var out []*Registration
	r.entries.Range(func(_, v any) bool {
		out = append(out, v.(*Registration))
		return true
	})
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	n := 0
	r.entries.Range(func(_, _ any) bool { n++; return true })
	return n
}

// HealthCheck probes one agent. Agents without a health hook report
// HealthUnknown. Results are recorded on the registration only.
func (r *Registry) HealthCheck(ctx context.Context, agentID string) (models.HealthReport, error) {
	reg, ok := r.Get(agentID)
	if !ok {
		return models.HealthReport{}, fmt.Errorf("agent %q not found", agentID)
	}

	var report models.HealthReport
	if reg.opts.OnHealthCheck != nil {
		report = reg.opts.OnHealthCheck(ctx)
	} else {
		report = models.HealthReport{
			Status:      models.HealthUnknown,
			Description: "agent does not report health",
		}
	}
	if report.CheckedAt.IsZero() {
		report.CheckedAt = time.Now().UTC()
	}
	reg.setHealth(report)
	return report, nil
}

// StartProbing launches the periodic health prober.
func (r *Registry) StartProbing(ctx context.Context, interval time.Duration) {
	r.probeMu.Lock()
	defer r.probeMu.Unlock()
	if r.probing || interval <= 0 {
		return
	}
	r.probing = true

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.probeAll(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("agent health probing started")
}

// StopProbing halts the periodic prober.
func (r *Registry) StopProbing() {
	r.probeMu.Lock()
	defer r.probeMu.Unlock()
	if r.probing {
		close(r.stopCh)
		r.probing = false
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	for _, reg := range r.List() {
		report, err := r.HealthCheck(ctx, reg.ID)
		if err != nil {
			continue // unregistered between list and probe
		}
		if report.Status == models.HealthUnhealthy {
			log.Warn().
				Str("agent_id", reg.ID).
				Str("description", report.Description).
				Msg("agent unhealthy")
		}
	}
}
