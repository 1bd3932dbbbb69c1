// Package intent maps free-text input to a discrete intent with a confidence
// score. The primary path asks the text-completion service; when that call
// fails, times out, or returns something unparsable, a deterministic keyword
// table produces a best-effort result. Classification never raises; it
// always returns a usable result.
package intent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentrelay/agentrelay/internal/completion"
	"github.com/agentrelay/agentrelay/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	// FallbackConfidence is reported whenever the rule table, not the model,
	// produced the intent.
	FallbackConfidence = 0.5

	// DefaultConfidenceThreshold is the minimum confidence callers should
	// trust without re-prompting.
	DefaultConfidenceThreshold = 0.7

	classifyMaxTokens   = 64
	classifyTemperature = 0.0
)

// Classifier resolves intents from natural-language input.
type Classifier struct {
	llm       completion.Client
	threshold float64
	timeout   time.Duration
}

// NewClassifier creates a classifier. threshold <= 0 selects the default.
func NewClassifier(llm completion.Client, threshold float64) *Classifier {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &Classifier{
		llm:       llm,
		threshold: threshold,
		timeout:   10 * time.Second,
	}
}

// ConfidenceThreshold returns the trust cutoff for classification results.
func (c *Classifier) ConfidenceThreshold() float64 {
	return c.threshold
}

// ClassifyIntent resolves input to an intent. It never returns an error:
// on any primary-path failure the deterministic fallback answers instead.
func (c *Classifier) ClassifyIntent(ctx context.Context, input string, reqCtx map[string]any) models.ClassificationResult {
	if strings.TrimSpace(input) == "" {
		return models.ClassificationResult{
			Intent:     models.IntentUnknown,
			Confidence: 0,
			Reason:     "empty input",
		}
	}

	if c.llm != nil {
		tCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		raw, err := c.llm.Complete(tCtx, buildPrompt(input), classifyMaxTokens, classifyTemperature)
		if err == nil {
			if res, ok := parseCompletion(raw); ok {
				return res
			}
			log.Warn().Str("output", truncate(raw, 120)).Msg("unparsable classification output, using rule-based fallback")
		} else {
			log.Warn().Err(err).Msg("classification call failed, using rule-based fallback")
		}
	}

	return c.fallback(input)
}

func buildPrompt(input string) string {
	var b strings.Builder
	b.WriteString("Classify the user request into exactly one of these intents:\n")
	for _, in := range models.KnownIntents() {
		b.WriteString("  - ")
		b.WriteString(string(in))
		b.WriteString("\n")
	}
	b.WriteString("Respond with two lines only:\n")
	b.WriteString("intent: <intent>\nconfidence: <0..1>\n\n")
	b.WriteString("Request: ")
	b.WriteString(input)
	return b.String()
}

// parseCompletion extracts "intent:" and "confidence:" lines from the model
// output. The intent must be one of the known intents.
func parseCompletion(raw string) (models.ClassificationResult, bool) {
	var intentStr string
	confidence := -1.0

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(strings.ToLower(line), "intent:"):
			intentStr = strings.TrimSpace(line[len("intent:"):])
		case strings.HasPrefix(strings.ToLower(line), "confidence:"):
			if f, err := strconv.ParseFloat(strings.TrimSpace(line[len("confidence:"):]), 64); err == nil {
				confidence = f
			}
		}
	}

	if intentStr == "" || confidence < 0 || confidence > 1 {
		return models.ClassificationResult{}, false
	}
	for _, known := range models.KnownIntents() {
		if strings.EqualFold(intentStr, string(known)) {
			return models.ClassificationResult{
				Intent:     known,
				Confidence: confidence,
				Reason:     fmt.Sprintf("classified as %s by completion service", known),
			}, true
		}
	}
	return models.ClassificationResult{}, false
}

// keywordRule maps substrings to an intent. Rules are checked in order and
// the first match wins, so more specific rules come first.
type keywordRule struct {
	keywords []string
	intent   models.Intent
}

var fallbackRules = []keywordRule{
	{[]string{"recommend", "suggest", "what should i"}, models.IntentRecommendation},
	{[]string{"subscription", "newsletter", "renewal"}, models.IntentSubscriptionReview},
	{[]string{"remind", "todo", "to-do", "task"}, models.IntentTaskCreate},
	{[]string{"met with", "spoke", "talked", "call with", "had coffee"}, models.IntentInteractionLog},
	{[]string{"add contact", "new contact", "save contact"}, models.IntentContactCreate},
	{[]string{"who is", "find", "look up", "lookup", "search"}, models.IntentContactQuery},
}

// fallback applies the deterministic keyword table. It always returns a
// usable result; when nothing matches the intent is unknown with zero
// confidence.
func (c *Classifier) fallback(input string) models.ClassificationResult {
	lower := strings.ToLower(input)
	for _, rule := range fallbackRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return models.ClassificationResult{
					Intent:     rule.intent,
					Confidence: FallbackConfidence,
					Reason:     fmt.Sprintf("rule-based fallback matched %q", kw),
				}
			}
		}
	}
	return models.ClassificationResult{
		Intent:     models.IntentUnknown,
		Confidence: 0,
		Reason:     "rule-based fallback found no match",
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
