// Package executor runs the resolved advisor tasks concurrently and joins
// their results. Task failures are isolated: one failing task never cancels
// or fails the batch, and the caller always receives one entry per task.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/counsel-ai/counsel/internal/metrics"
	"github.com/counsel-ai/counsel/internal/models"
)

// ReservedErrorKey is the result key used when the batch itself could not be
// launched. The consolidator drops entries under this key.
const ReservedErrorKey = "__error__"

// DefaultTaskTimeout bounds a single advisor call. Expiry is treated the
// same as any task failure.
const DefaultTaskTimeout = 120 * time.Second

// TaskRunner executes one advisor task.
type TaskRunner interface {
	Run(ctx context.Context, accountID string, spec models.TaskSpec, query string, history []models.Turn) (models.TaskResult, error)
}

// Executor fans advisor tasks out to goroutines and fans results back in.
type Executor struct {
	runner      TaskRunner
	taskTimeout time.Duration
	logger      *zap.Logger
}

// New creates an executor. timeout <= 0 uses the default.
func New(runner TaskRunner, timeout time.Duration, logger *zap.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &Executor{runner: runner, taskTimeout: timeout, logger: logger}
}

// RunAll launches one goroutine per spec, waits for all of them, and returns
// a result map keyed by stable task identity. Completion order is
// irrelevant; the map always has exactly one entry per spec.
func (e *Executor) RunAll(ctx context.Context, accountID string, specs []models.TaskSpec, query string, history []models.Turn) map[string]models.TaskResult {
	if e.runner == nil || len(specs) == 0 {
		// Batch construction failure: report in-band under the reserved key.
		e.logger.Error("Advisor batch could not be launched",
			zap.Int("specs", len(specs)),
			zap.Bool("runner_configured", e.runner != nil))
		return map[string]models.TaskResult{
			ReservedErrorKey: {
				Answer:  "advisor batch could not be launched",
				Summary: "batch construction failed",
				Failed:  true,
			},
		}
	}

	type outcome struct {
		taskID string
		result models.TaskResult
	}
	results := make(chan outcome, len(specs))

	for _, spec := range specs {
		go func(spec models.TaskSpec) {
			results <- outcome{taskID: spec.TaskID, result: e.runOne(ctx, accountID, spec, query, history)}
		}(spec)
	}

	// Join: wait for every task regardless of individual outcome.
	out := make(map[string]models.TaskResult, len(specs))
	for range specs {
		o := <-results
		out[o.taskID] = o.result
	}
	return out
}

// runOne executes a single task with its own timeout, converting every
// failure mode, including panics, into a synthetic failing result.
func (e *Executor) runOne(ctx context.Context, accountID string, spec models.TaskSpec, query string, history []models.Turn) (result models.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Advisor task panicked",
				zap.String("task_id", spec.TaskID),
				zap.Any("panic", r))
			result = syntheticFailure(fmt.Errorf("task panicked: %v", r))
			metrics.AdvisorTasks.WithLabelValues(string(spec.Origin), "failed").Inc()
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	defer cancel()

	res, err := e.runner.Run(taskCtx, accountID, spec, query, history)
	if err != nil {
		e.logger.Warn("Advisor task failed",
			zap.String("task_id", spec.TaskID),
			zap.String("origin", string(spec.Origin)),
			zap.Error(err))
		metrics.AdvisorTasks.WithLabelValues(string(spec.Origin), "failed").Inc()
		return syntheticFailure(err)
	}
	metrics.AdvisorTasks.WithLabelValues(string(spec.Origin), "success").Inc()
	return res
}

func syntheticFailure(err error) models.TaskResult {
	return models.TaskResult{
		Answer:  fmt.Sprintf("Error: %v", err),
		Summary: "advisor task failed",
		Failed:  true,
	}
}
