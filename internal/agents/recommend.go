package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentrelay/agentrelay/internal/completion"
	"github.com/agentrelay/agentrelay/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	recommendMaxTokens   = 256
	recommendTemperature = 0.4
	maxRecommendations   = 5
)

// RecommendationAgent generates next-best-action suggestions. It is
// AI-dependent but carries a rule-based fallback: when the completion call
// fails it returns a non-empty, deterministic recommendation list instead of
// propagating the error.
type RecommendationAgent struct {
	llm completion.Client
}

// NewRecommendationAgent creates the built-in recommendation agent.
func NewRecommendationAgent(llm completion.Client) *RecommendationAgent {
	return &RecommendationAgent{llm: llm}
}

// Handle produces recommendations for the request. It never returns an
// error: the fallback path guarantees a usable result.
func (a *RecommendationAgent) Handle(ctx context.Context, req *models.AgentRequest) (*models.AgentResult, error) {
	if a.llm != nil {
		out, err := a.llm.Complete(ctx, buildRecommendPrompt(req), recommendMaxTokens, recommendTemperature)
		if err == nil {
			if recs := parseRecommendations(out); len(recs) > 0 {
				return &models.AgentResult{
					Data:    map[string]any{"recommendations": recs, "source": "model"},
					Message: fmt.Sprintf("%d recommendations generated", len(recs)),
				}, nil
			}
		} else {
			log.Warn().Err(err).Msg("recommendation fallback: completion failed, using rule-based heuristics")
		}
	}

	recs := a.ruleBasedRecommendations(req)
	return &models.AgentResult{
		Data:    map[string]any{"recommendations": recs, "source": "rules"},
		Message: fmt.Sprintf("%d recommendations generated from heuristics", len(recs)),
	}, nil
}

func buildRecommendPrompt(req *models.AgentRequest) string {
	var b strings.Builder
	b.WriteString("Suggest up to 5 next best actions for a personal relationship assistant.\n")
	b.WriteString("Respond with one action per line, no numbering.\n")
	if req.OriginalInput != "" {
		b.WriteString("User request: ")
		b.WriteString(req.OriginalInput)
		b.WriteString("\n")
	}
	for k, v := range req.Context {
		b.WriteString(fmt.Sprintf("Context %s: %v\n", k, v))
	}
	return b.String()
}

func parseRecommendations(raw string) []string {
	var recs []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•0123456789. "))
		if line == "" {
			continue
		}
		recs = append(recs, line)
		if len(recs) == maxRecommendations {
			break
		}
	}
	return recs
}

// ruleBasedRecommendations derives suggestions from request context alone.
// The result is deterministic and never empty.
func (a *RecommendationAgent) ruleBasedRecommendations(req *models.AgentRequest) []string {
	var recs []string

	if n, ok := contextInt(req, "overdue_tasks"); ok && n > 0 {
		recs = append(recs, fmt.Sprintf("Follow up on %d overdue tasks", n))
	}
	if name := req.ContextString("stale_contact"); name != "" {
		recs = append(recs, fmt.Sprintf("Reach out to %s, no recent interaction logged", name))
	}
	if n, ok := contextInt(req, "pending_subscriptions"); ok && n > 0 {
		recs = append(recs, fmt.Sprintf("Review %d subscriptions awaiting a decision", n))
	}

	recs = append(recs,
		"Log your most recent conversation so it is not forgotten",
		"Review contacts you have not spoken to this month",
	)
	if len(recs) > maxRecommendations {
		recs = recs[:maxRecommendations]
	}
	return recs
}

func contextInt(req *models.AgentRequest, key string) (int, bool) {
	if req.Context == nil {
		return 0, false
	}
	switch v := req.Context[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
