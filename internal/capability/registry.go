// Package capability maintains the live catalog of agent capabilities: an
// in-memory authoritative registry answering authorization queries, and a
// file-backed source that validates and hot-reloads the capability document.
//
// The registry keeps an immutable snapshot behind an atomic pointer. Readers
// never take a lock; writers copy, mutate, and swap the whole snapshot, so a
// request in flight always observes one consistent document, wholly
// pre-reload or wholly post-reload.
package capability

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentrelay/agentrelay/pkg/models"
	"github.com/rs/zerolog/log"
)

// failClosed is the effective capability for agent types with neither an
// explicit nor a default entry: no actions, no tools, no delegations.
var failClosed = &models.AgentCapability{Name: "fail-closed"}

// snapshot is one immutable generation of the registry state.
type snapshot struct {
	caps       map[string]*models.AgentCapability // keyed by lowercase agent type
	def        *models.AgentCapability
	docVersion string
}

// Registry is the authoritative in-memory store of capabilities per agent
// type. Safe for unlimited concurrent readers; writes are serialized.
type Registry struct {
	mu   sync.Mutex // serializes writers only
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{caps: map[string]*models.AgentCapability{}})
	return r
}

// RegisterCapability upserts the capability for an agent type.
// Last writer wins.
func (r *Registry) RegisterCapability(agentType string, cap *models.AgentCapability) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	next := cloneSnapshot(cur)
	next.caps[strings.ToLower(agentType)] = cap
	r.snap.Store(next)
}

// SetDefault registers the fallback capability served when an agent type has
// no explicit entry.
func (r *Registry) SetDefault(cap *models.AgentCapability) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	next := cloneSnapshot(cur)
	next.def = cap
	r.snap.Store(next)
}

// ApplyDocument replaces every document-sourced entry in a single atomic
// swap. The registered default is preserved across reloads.
func (r *Registry) ApplyDocument(doc *models.CapabilityDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	next := &snapshot{
		caps:       make(map[string]*models.AgentCapability, len(doc.Agents)),
		def:        cur.def,
		docVersion: doc.Version,
	}
	for agentType, cap := range doc.Agents {
		next.caps[strings.ToLower(agentType)] = cap
	}
	r.snap.Store(next)

	log.Info().
		Str("doc_version", doc.Version).
		Int("agent_types", len(doc.Agents)).
		Msg("capability document applied")
}

// DocumentVersion returns the version of the last applied document.
func (r *Registry) DocumentVersion() string {
	return r.snap.Load().docVersion
}

// GetCapability returns the explicit capability for an agent type.
func (r *Registry) GetCapability(agentType string) (*models.AgentCapability, bool) {
	cap, ok := r.snap.Load().caps[strings.ToLower(agentType)]
	return cap, ok
}

// GetEffectiveCapability resolves the capability actually in force for an
// agent type: the explicit entry if present and not expired, else the
// registered default, else a fail-closed empty capability.
func (r *Registry) GetEffectiveCapability(agentType string) *models.AgentCapability {
	s := r.snap.Load()
	if cap, ok := s.caps[strings.ToLower(agentType)]; ok && !cap.Expired(time.Now()) {
		return cap
	}
	if s.def != nil {
		return s.def
	}
	return failClosed
}

// IsActionAllowed reports whether the effective capability permits
// "resource:action", honoring the ":*" wildcard.
func (r *Registry) IsActionAllowed(agentType, action string) bool {
	return r.GetEffectiveCapability(agentType).AllowsAction(action)
}

// IsToolAllowed reports whether the effective capability permits the
// tool/action pair.
func (r *Registry) IsToolAllowed(agentType, tool, action string) bool {
	return r.GetEffectiveCapability(agentType).AllowsTool(tool, action)
}

// CanDelegateTo reports whether sourceType may hand off to targetType.
// Chain depth is tracked and enforced by the caller.
func (r *Registry) CanDelegateTo(sourceType, targetType string) bool {
	return r.GetEffectiveCapability(sourceType).CanDelegateTo(targetType)
}

// MaxDelegationDepth returns the delegation depth ceiling for an agent type.
func (r *Registry) MaxDelegationDepth(agentType string) int {
	return r.GetEffectiveCapability(agentType).MaxDelegationDepth
}

// ValidateAction is IsActionAllowed as a result: it returns a *DeniedError
// when the action is not permitted, for use at the orchestration boundary
// where denial must stop processing.
func (r *Registry) ValidateAction(agentType, action string) error {
	if r.IsActionAllowed(agentType, action) {
		return nil
	}
	return &DeniedError{AgentType: agentType, Action: action}
}

func cloneSnapshot(cur *snapshot) *snapshot {
	next := &snapshot{
		caps:       make(map[string]*models.AgentCapability, len(cur.caps)+1),
		def:        cur.def,
		docVersion: cur.docVersion,
	}
	for k, v := range cur.caps {
		next.caps[k] = v
	}
	return next
}

// DeniedError reports an action outside an agent type's effective capability.
type DeniedError struct {
	AgentType string
	Action    string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("authorization denied: %s (agent type %s)", e.Action, e.AgentType)
}
