package agents

import (
	"context"

	"github.com/agentrelay/agentrelay/internal/intent"
	"github.com/agentrelay/agentrelay/pkg/models"
)

// ClassificationAgent exposes the intent classifier as a routable agent, so
// the orchestrator's unknown-intent fallback can take a second pass through
// it like any other registered agent.
type ClassificationAgent struct {
	classifier *intent.Classifier
}

// NewClassificationAgent wraps a classifier.
func NewClassificationAgent(c *intent.Classifier) *ClassificationAgent {
	return &ClassificationAgent{classifier: c}
}

// Handle classifies the request's original input.
func (a *ClassificationAgent) Handle(ctx context.Context, req *models.AgentRequest) (*models.AgentResult, error) {
	res := a.classifier.ClassifyIntent(ctx, req.OriginalInput, req.Context)
	return &models.AgentResult{
		Data: map[string]any{
			"intent":     string(res.Intent),
			"confidence": res.Confidence,
		},
		Message: res.Reason,
	}, nil
}
