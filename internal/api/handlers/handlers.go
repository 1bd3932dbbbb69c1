// Package handlers implements the HTTP handlers for the AgentRelay routing
// core: request submission, agent listing and health, capability inspection,
// manual reload, and approval grants.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentrelay/agentrelay/internal/agents"
	"github.com/agentrelay/agentrelay/internal/capability"
	"github.com/agentrelay/agentrelay/internal/orchestrator"
	"github.com/agentrelay/agentrelay/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Orchestrator *orchestrator.Orchestrator
	Agents       *agents.Registry
	Capabilities *capability.Registry
	Source       *capability.FileSource
}

// New creates a new Handlers instance with all dependencies.
func New(o *orchestrator.Orchestrator, ag *agents.Registry, caps *capability.Registry, src *capability.FileSource) *Handlers {
	return &Handlers{
		Orchestrator: o,
		Agents:       ag,
		Capabilities: caps,
		Source:       src,
	}
}

// ── Request Handlers ─────────────────────────────────────────

// SubmitRequest routes one request through the orchestrator. The response is
// always 200 with the uniform envelope; routing denials are carried in the
// body, not the HTTP status.
func (h *Handlers) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req models.AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp := h.Orchestrator.ProcessRequest(r.Context(), &req)
	respondJSON(w, http.StatusOK, resp)
}

// ── Agent Handlers ───────────────────────────────────────────

type agentView struct {
	ID             string              `json:"id"`
	Type           string              `json:"type"`
	FactoryCreated bool                `json:"factory_created"`
	Metadata       map[string]string   `json:"metadata,omitempty"`
	RegisteredAt   time.Time           `json:"registered_at"`
	Health         models.HealthReport `json:"health"`
}

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	regs := h.Agents.List()
	views := make([]agentView, 0, len(regs))
	for _, reg := range regs {
		views = append(views, agentView{
			ID:             reg.ID,
			Type:           reg.Type,
			FactoryCreated: reg.FactoryCreated,
			Metadata:       reg.Metadata,
			RegisteredAt:   reg.RegisteredAt,
			Health:         reg.Health(),
		})
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handlers) AgentHealth(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	report, err := h.Agents.HealthCheck(r.Context(), agentID)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *Handlers) UnregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	h.Agents.Unregister(r.Context(), agentID)
	h.Orchestrator.ReleaseAgent(agentID)
	log.Info().Str("agent_id", agentID).Msg("Agent unregistered")
	w.WriteHeader(http.StatusNoContent)
}

// ── Capability Handlers ──────────────────────────────────────

func (h *Handlers) GetCapability(w http.ResponseWriter, r *http.Request) {
	agentType := chi.URLParam(r, "agentType")
	capa, ok := h.Capabilities.GetCapability(agentType)
	if !ok {
		respondError(w, http.StatusNotFound, "no explicit capability for agent type "+agentType)
		return
	}
	respondJSON(w, http.StatusOK, capa)
}

// ReloadCapabilities forces a reload from the capability file, bypassing the
// watcher debounce.
func (h *Handlers) ReloadCapabilities(w http.ResponseWriter, r *http.Request) {
	if h.Source == nil {
		respondError(w, http.StatusConflict, "no capability file source configured")
		return
	}
	doc, err := h.Source.Load(r.Context())
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.Capabilities.ApplyDocument(doc)
	respondJSON(w, http.StatusOK, map[string]string{
		"status":           "reloaded",
		"document_version": h.Capabilities.DocumentVersion(),
	})
}

// ── Approval Handlers ────────────────────────────────────────

func (h *Handlers) GrantApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "approvalID")
	if !h.Orchestrator.GrantApproval(approvalID) {
		respondError(w, http.StatusNotFound, "approval not found or expired")
		return
	}
	log.Info().Str("approval_id", approvalID).Msg("Approval granted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
