package advisors

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/counsel-ai/counsel/internal/billing"
	"github.com/counsel-ai/counsel/internal/models"
	"github.com/counsel-ai/counsel/internal/provider"
)

// summaryLimit bounds the derived context summary carried between turns.
const summaryLimit = 240

// Runner executes a single advisor task as one metered generation call.
type Runner struct {
	registry *Registry
	meter    *billing.Meter
	prov     provider.Provider
	model    string
	window   int
	logger   *zap.Logger
}

// NewRunner wires an advisor runner.
func NewRunner(registry *Registry, meter *billing.Meter, prov provider.Provider, model string, logger *zap.Logger) *Runner {
	return &Runner{
		registry: registry,
		meter:    meter,
		prov:     prov,
		model:    model,
		window:   DefaultHistoryWindow,
		logger:   logger,
	}
}

// SetHistoryWindow overrides how many recent turns advisor prompts carry.
func (r *Runner) SetHistoryWindow(n int) {
	if n > 0 {
		r.window = n
	}
}

// Run builds the persona prompt for the task spec and executes it through the
// metering wrapper. The caller's account is threaded explicitly; nothing is
// read from ambient state.
func (r *Runner) Run(ctx context.Context, accountID string, spec models.TaskSpec, query string, history []models.Turn) (models.TaskResult, error) {
	prompt := r.registry.PersonaPrompt(spec, query, history, r.window)

	resp, info, err := r.meter.Invoke(ctx, accountID, r.model, prompt,
		func(ctx context.Context) (*provider.Response, error) {
			return r.prov.Generate(ctx, provider.Request{
				Model:       r.model,
				Prompt:      prompt,
				Temperature: 0.3,
			})
		})
	if err != nil {
		return models.TaskResult{}, err
	}

	r.logger.Debug("Advisor task completed",
		zap.String("task_id", spec.TaskID),
		zap.String("origin", string(spec.Origin)),
		zap.Int64("cost_tenths", info.CostTenths))

	answer := strings.TrimSpace(resp.Text)
	return models.TaskResult{
		Answer:  answer,
		Summary: summarize(answer),
	}, nil
}

// summarize derives the short context summary from an answer. A dedicated
// summarization call is not worth a second billable invocation per task.
func summarize(answer string) string {
	if len(answer) <= summaryLimit {
		return answer
	}
	cut := answer[:summaryLimit]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}
