// Package moderator decides which advisor tasks to run for a query. The
// decision is itself a metered structured-output generation call; every
// failure mode degrades to a single generalist fallback task so the system
// never proceeds with zero tasks.
package moderator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/counsel-ai/counsel/internal/advisors"
	"github.com/counsel-ai/counsel/internal/billing"
	"github.com/counsel-ai/counsel/internal/metrics"
	"github.com/counsel-ai/counsel/internal/models"
	"github.com/counsel-ai/counsel/internal/provider"
)

// DefaultMaxTasks bounds the resolved task list.
const DefaultMaxTasks = 5

// DefaultHistoryWindow is how many recent turns the selection prompt sees.
const DefaultHistoryWindow = 5

const decisionPromptTemplate = `You are a moderator that selects a panel of advisors for a user question.

Available predefined advisors:
%s
You may also invent new advisor roles when none of the predefined advisors
fit. Invented roles need a short name and a one-line description.

Guidelines:
- Pick only advisors whose expertise is relevant to the question
- Avoid overlap: the selected panel should complement each other
- Consider the conversation history for continuity
- Keep the panel small; one strong advisor beats three redundant ones

Conversation context:
%s

User question: %s

Respond with ONLY a JSON object in this exact shape:
{"predefined": ["key1", "key2"], "synthesized": [{"name": "Role Name", "description": "one line"}], "rationale": "why this panel"}`

// decision is the parsed structured output of the selection call.
type decision struct {
	Predefined  []string `json:"predefined"`
	Synthesized []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"synthesized"`
	Rationale string `json:"rationale"`
}

// Resolver selects the advisor task set for each request.
type Resolver struct {
	registry *advisors.Registry
	meter    *billing.Meter
	prov     provider.Provider
	model    string
	maxTasks int
	window   int
	logger   *zap.Logger
}

// NewResolver wires a resolver. maxTasks <= 0 uses the default bound.
func NewResolver(registry *advisors.Registry, meter *billing.Meter, prov provider.Provider, model string, maxTasks int, logger *zap.Logger) *Resolver {
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}
	return &Resolver{
		registry: registry,
		meter:    meter,
		prov:     prov,
		model:    model,
		maxTasks: maxTasks,
		window:   DefaultHistoryWindow,
		logger:   logger,
	}
}

// SetHistoryWindow overrides how many recent turns the selection prompt sees.
func (r *Resolver) SetHistoryWindow(n int) {
	if n > 0 {
		r.window = n
	}
}

// Select resolves the task set for a query. It never returns zero specs and
// never surfaces a decision failure: any error, timeout, or empty decision
// yields exactly one generalist fallback task.
func (r *Resolver) Select(ctx context.Context, accountID, query string, history []models.Turn) ([]models.TaskSpec, map[string]string) {
	meta := map[string]string{}

	prompt := fmt.Sprintf(decisionPromptTemplate,
		r.registry.SelectableText(),
		advisors.FormatHistory(history, r.window),
		query)

	resp, _, err := r.meter.Invoke(ctx, accountID, r.model, prompt,
		func(ctx context.Context) (*provider.Response, error) {
			return r.prov.Generate(ctx, provider.Request{
				Model:       r.model,
				Prompt:      prompt,
				Temperature: 0.2,
			})
		})
	if err != nil {
		r.logger.Warn("Advisor selection call failed, using generalist fallback",
			zap.Error(err))
		return r.fallback(meta, "selection call failed")
	}

	dec, err := parseDecision(resp.Text)
	if err != nil {
		r.logger.Warn("Advisor selection response unparseable, using generalist fallback",
			zap.Error(err))
		return r.fallback(meta, "selection response unparseable")
	}
	meta["rationale"] = dec.Rationale

	specs := make([]models.TaskSpec, 0, len(dec.Predefined)+len(dec.Synthesized))
	for _, key := range dec.Predefined {
		spec, ok := r.registry.SpecFor(key)
		if !ok {
			// Unknown keys are dropped, never fatal.
			r.logger.Warn("Resolver picked unknown advisor key, dropping",
				zap.String("key", key))
			continue
		}
		specs = append(specs, spec)
	}
	for i, s := range dec.Synthesized {
		if s.Name == "" {
			continue
		}
		specs = append(specs, models.TaskSpec{
			Origin:      models.OriginSynthesized,
			TaskID:      fmt.Sprintf("synthesized-%d-%s", i+1, slugify(s.Name)),
			DisplayName: s.Name,
			Description: s.Description,
		})
	}

	if len(specs) == 0 {
		return r.fallback(meta, "selection yielded zero tasks")
	}

	if len(specs) > r.maxTasks {
		metrics.TasksTruncated.Inc()
		r.logger.Info("Truncating resolved task list",
			zap.Int("resolved", len(specs)),
			zap.Int("max", r.maxTasks))
		meta["truncated"] = fmt.Sprintf("%d of %d tasks kept", r.maxTasks, len(specs))
		specs = specs[:r.maxTasks]
	}
	return specs, meta
}

func (r *Resolver) fallback(meta map[string]string, reason string) ([]models.TaskSpec, map[string]string) {
	metrics.ResolverFallbacks.Inc()
	meta["fallback"] = reason
	return []models.TaskSpec{r.registry.GeneralistSpec()}, meta
}

// parseDecision extracts the JSON decision, tolerating markdown code fences
// around the object.
func parseDecision(text string) (*decision, error) {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "{"); idx >= 0 {
		if end := strings.LastIndex(text, "}"); end > idx {
			text = text[idx : end+1]
		}
	}
	var dec decision
	if err := json.Unmarshal([]byte(text), &dec); err != nil {
		return nil, fmt.Errorf("parse selection decision: %w", err)
	}
	return &dec, nil
}

func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
