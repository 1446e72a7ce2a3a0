package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/counsel-ai/counsel/internal/models"
)

// funcRunner adapts a function to TaskRunner.
type funcRunner func(ctx context.Context, accountID string, spec models.TaskSpec, query string, history []models.Turn) (models.TaskResult, error)

func (f funcRunner) Run(ctx context.Context, accountID string, spec models.TaskSpec, query string, history []models.Turn) (models.TaskResult, error) {
	return f(ctx, accountID, spec, query, history)
}

func specs(n int) []models.TaskSpec {
	out := make([]models.TaskSpec, n)
	for i := range out {
		out[i] = models.TaskSpec{
			Origin:      models.OriginPredefined,
			Key:         fmt.Sprintf("advisor-%d", i),
			TaskID:      fmt.Sprintf("advisor-%d", i),
			DisplayName: fmt.Sprintf("Advisor %d", i),
		}
	}
	return out
}

func TestRunAllReturnsOneResultPerTask(t *testing.T) {
	runner := funcRunner(func(_ context.Context, _ string, spec models.TaskSpec, _ string, _ []models.Turn) (models.TaskResult, error) {
		return models.TaskResult{Answer: "answer from " + spec.TaskID, Summary: "ok"}, nil
	})
	e := New(runner, time.Second, zap.NewNop())

	results := e.RunAll(context.Background(), "acct-1", specs(4), "q", nil)
	require.Len(t, results, 4)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("advisor-%d", i)
		assert.Equal(t, "answer from "+id, results[id].Answer)
		assert.False(t, results[id].Failed)
	}
}

func TestRunAllIsolatesFailingTasks(t *testing.T) {
	boom := errors.New("advisor exploded")
	runner := funcRunner(func(_ context.Context, _ string, spec models.TaskSpec, _ string, _ []models.Turn) (models.TaskResult, error) {
		if spec.TaskID == "advisor-1" || spec.TaskID == "advisor-3" {
			return models.TaskResult{}, boom
		}
		return models.TaskResult{Answer: "fine", Summary: "ok"}, nil
	})
	e := New(runner, time.Second, zap.NewNop())

	results := e.RunAll(context.Background(), "acct-1", specs(5), "q", nil)
	require.Len(t, results, 5, "failing tasks still yield entries")

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("advisor-%d", i)
		if i == 1 || i == 3 {
			assert.True(t, results[id].Failed)
			assert.Contains(t, results[id].Answer, "advisor exploded")
		} else {
			assert.False(t, results[id].Failed)
			assert.Equal(t, "fine", results[id].Answer)
		}
	}
}

func TestRunAllRecoversPanics(t *testing.T) {
	runner := funcRunner(func(_ context.Context, _ string, spec models.TaskSpec, _ string, _ []models.Turn) (models.TaskResult, error) {
		if spec.TaskID == "advisor-0" {
			panic("unexpected nil")
		}
		return models.TaskResult{Answer: "fine"}, nil
	})
	e := New(runner, time.Second, zap.NewNop())

	results := e.RunAll(context.Background(), "acct-1", specs(2), "q", nil)
	require.Len(t, results, 2)
	assert.True(t, results["advisor-0"].Failed)
	assert.Contains(t, results["advisor-0"].Answer, "task panicked")
	assert.False(t, results["advisor-1"].Failed)
}

func TestRunAllTimeoutBecomesTaskFailure(t *testing.T) {
	runner := funcRunner(func(ctx context.Context, _ string, _ models.TaskSpec, _ string, _ []models.Turn) (models.TaskResult, error) {
		<-ctx.Done()
		return models.TaskResult{}, ctx.Err()
	})
	e := New(runner, 10*time.Millisecond, zap.NewNop())

	results := e.RunAll(context.Background(), "acct-1", specs(1), "q", nil)
	require.Len(t, results, 1)
	assert.True(t, results["advisor-0"].Failed)
}

func TestRunAllEmptyBatchUsesReservedKey(t *testing.T) {
	e := New(funcRunner(func(context.Context, string, models.TaskSpec, string, []models.Turn) (models.TaskResult, error) {
		return models.TaskResult{}, nil
	}), time.Second, zap.NewNop())

	results := e.RunAll(context.Background(), "acct-1", nil, "q", nil)
	require.Len(t, results, 1)
	res, ok := results[ReservedErrorKey]
	require.True(t, ok)
	assert.True(t, res.Failed)
}

func TestRunAllRunsConcurrently(t *testing.T) {
	const tasks = 5
	var inFlight, peak int32
	runner := funcRunner(func(_ context.Context, _ string, _ models.TaskSpec, _ string, _ []models.Turn) (models.TaskResult, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return models.TaskResult{Answer: "ok"}, nil
	})
	e := New(runner, time.Second, zap.NewNop())

	start := time.Now()
	results := e.RunAll(context.Background(), "acct-1", specs(tasks), "q", nil)
	elapsed := time.Since(start)

	require.Len(t, results, tasks)
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1), "tasks should overlap")
	assert.Less(t, elapsed, time.Duration(tasks)*30*time.Millisecond, "join should not be serialized")
}
