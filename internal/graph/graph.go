// Package graph drives a single advisory round as a small node pipeline:
// a concurrent preparation stage (task selection and query cleanup), the
// parallel task batch, and consolidation. Each node reads and extends the
// shared orchestration state; a step counter guards against runaway loops
// if nodes ever gain edges back into the pipeline.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/counsel-ai/counsel/internal/metrics"
	"github.com/counsel-ai/counsel/internal/models"
)

// DefaultStepLimit bounds the number of node executions in one run.
const DefaultStepLimit = 10

var (
	// ErrStepLimitExceeded is returned when a run executes more nodes than
	// the configured limit allows.
	ErrStepLimitExceeded = errors.New("graph step limit exceeded")

	// ErrNoUsableResults is returned when every task in the batch failed and
	// there is nothing to consolidate.
	ErrNoUsableResults = errors.New("no usable task results")
)

// TaskSelector decides which advisory tasks should run for a query.
type TaskSelector interface {
	Select(ctx context.Context, accountID, query string, history []models.Turn) ([]models.TaskSpec, map[string]string)
}

// QueryCleaner rewrites the raw user query into a form advisors consume.
type QueryCleaner interface {
	Clean(ctx context.Context, accountID, query string) string
}

// BatchRunner executes a batch of task specs and returns results keyed by
// task ID.
type BatchRunner interface {
	RunAll(ctx context.Context, accountID string, specs []models.TaskSpec, query string, history []models.Turn) map[string]models.TaskResult
}

// ConsolidateFunc merges task results into the final response text.
type ConsolidateFunc func(specs []models.TaskSpec, results map[string]models.TaskResult) string

// Driver wires the pipeline nodes together and runs them in order.
type Driver struct {
	selector    TaskSelector
	cleaner     QueryCleaner
	runner      BatchRunner
	consolidate ConsolidateFunc
	stepLimit   int
	logger      *zap.Logger
}

type node struct {
	name string
	fn   func(ctx context.Context, accountID string, state *models.OrchestrationState) error
}

// NewDriver builds a Driver. A stepLimit of zero or less selects
// DefaultStepLimit.
func NewDriver(selector TaskSelector, cleaner QueryCleaner, runner BatchRunner, consolidate ConsolidateFunc, stepLimit int, logger *zap.Logger) *Driver {
	if stepLimit <= 0 {
		stepLimit = DefaultStepLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		selector:    selector,
		cleaner:     cleaner,
		runner:      runner,
		consolidate: consolidate,
		stepLimit:   stepLimit,
		logger:      logger,
	}
}

// Run executes the pipeline for one query and returns the populated state.
// The returned state is valid even on error: callers can inspect partial
// results to decide what to surface.
func (d *Driver) Run(ctx context.Context, accountID, query string, history []models.Turn) (*models.OrchestrationState, error) {
	state := &models.OrchestrationState{
		UserQuery:   query,
		ChatHistory: history,
	}

	nodes := []node{
		{name: "prepare", fn: d.prepare},
		{name: "execute", fn: d.execute},
		{name: "consolidate", fn: d.consolidateNode},
	}

	steps := 0
	for _, n := range nodes {
		steps++
		if steps > d.stepLimit {
			metrics.GraphRuns.WithLabelValues("failed").Inc()
			return state, fmt.Errorf("%w: %d nodes executed", ErrStepLimitExceeded, steps)
		}
		if err := n.fn(ctx, accountID, state); err != nil {
			d.logger.Warn("graph node failed",
				zap.String("node", n.name),
				zap.Int("step", steps),
				zap.Error(err))
			metrics.GraphRuns.WithLabelValues("failed").Inc()
			return state, fmt.Errorf("node %s: %w", n.name, err)
		}
		d.logger.Debug("graph node completed", zap.String("node", n.name), zap.Int("step", steps))
	}

	metrics.GraphRuns.WithLabelValues("completed").Inc()
	return state, nil
}

// prepare runs task selection and query cleanup concurrently. The branches
// touch disjoint parts of the state, so the merge after the barrier is a
// plain key union.
func (d *Driver) prepare(ctx context.Context, accountID string, state *models.OrchestrationState) error {
	var (
		wg      sync.WaitGroup
		specs   []models.TaskSpec
		meta    map[string]string
		cleaned string
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		specs, meta = d.selector.Select(ctx, accountID, state.UserQuery, state.ChatHistory)
	}()
	go func() {
		defer wg.Done()
		cleaned = d.cleaner.Clean(ctx, accountID, state.UserQuery)
	}()
	wg.Wait()

	state.TaskSpecs = specs
	state.ResolverMeta = meta
	state.CleanedQuery = cleaned
	return nil
}

func (d *Driver) execute(ctx context.Context, accountID string, state *models.OrchestrationState) error {
	state.TaskResults = d.runner.RunAll(ctx, accountID, state.TaskSpecs, state.EffectiveQuery(), state.ChatHistory)
	return nil
}

func (d *Driver) consolidateNode(_ context.Context, _ string, state *models.OrchestrationState) error {
	usable := 0
	for _, spec := range state.TaskSpecs {
		if res, ok := state.TaskResults[spec.TaskID]; ok && !res.Failed {
			usable++
		}
	}
	if usable == 0 {
		return ErrNoUsableResults
	}
	state.FinalResponse = d.consolidate(state.TaskSpecs, state.TaskResults)
	return nil
}
