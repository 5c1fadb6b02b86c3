// Property-based tests for the tasked-step engine: the concurrency bound,
// counter monotonicity and statistics aggregation must hold for every task
// count, thread count and delivery order.
package step

import (
	"context"
	"math/rand"
	"testing"

	"tileflow/internal/model"
	"tileflow/pkg/constants"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// runToCompletion drives a full engine run: execute, then deliver one
// completion event at a time in a pseudo-random order, like the transport
// would. Returns the fixture for inspection.
func runToCompletion(t *testing.T, taskCount, threadCount int, seed int64) (*engineFixture, model.FileStatistics, bool) {
	t.Helper()
	ctx := context.Background()

	plan := make([]model.TaskData, taskCount)
	for i := range plan {
		plan[i] = model.TileTaskData("5678")
	}
	f := newEngineFixture(t, newTestStep("step-prop", threadCount, plan))

	if err := f.engine.Prepare(ctx); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if err := f.engine.Execute(ctx, false); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	rng := rand.New(rand.NewSource(seed))
	var delivered model.FileStatistics

	boundHeld := true
	inFlight := f.executor.count()
	dispatched := f.executor.count()
	if inFlight > threadCount {
		boundHeld = false
	}

	pending := f.executor.taskIDs()
	done := taskCount == 0
	for !done {
		if len(pending) == 0 {
			t.Fatal("engine stalled: tasks remain but nothing is in flight")
		}
		idx := rng.Intn(len(pending))
		taskID := pending[idx]
		pending = append(pending[:idx], pending[idx+1:]...)

		bytes := rng.Int63n(1000)
		features := rng.Int63n(50)
		files := int32(rng.Intn(3))
		delivered.BytesUploaded += bytes
		delivered.RowsUploaded += features
		if bytes > 0 {
			delivered.FilesUploaded += int64(files)
		}

		var err error
		done, err = f.engine.OnAsyncUpdate(ctx, model.TaskUpdate{
			TaskID: taskID, ByteCount: bytes, FeatureCount: features, FileCount: files,
		})
		if err != nil {
			t.Fatalf("onAsyncUpdate failed: %v", err)
		}

		newDispatches := f.executor.taskIDs()[dispatched:]
		dispatched = f.executor.count()
		pending = append(pending, newDispatches...)
		inFlight = inFlight - 1 + len(newDispatches)
		if inFlight > threadCount || len(newDispatches) > 1 {
			boundHeld = false
		}
	}

	return f, delivered, boundHeld
}

func TestEngineRunInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("every run completes with finalized = total and aggregate = delivered sum", prop.ForAll(
		func(taskCount, threadCount int, seed int64) bool {
			f, delivered, boundHeld := runToCompletion(t, taskCount, threadCount, seed)
			if !boundHeld {
				return false
			}
			if f.engine.State() != constants.StepStateCompleted {
				return false
			}

			progress, err := f.table.PickNextAndReport(context.Background())
			if err != nil || progress.HasTask() {
				return false
			}
			if progress.TotalTasks != taskCount || progress.FinalizedTasks != taskCount {
				return false
			}

			stats, err := f.table.Aggregate(context.Background())
			if err != nil {
				return false
			}
			return stats == delivered
		},
		gen.IntRange(0, 40),
		gen.IntRange(1, 10),
		gen.Int64(),
	))

	properties.Property("no task id is ever dispatched twice", prop.ForAll(
		func(taskCount, threadCount int, seed int64) bool {
			f, _, _ := runToCompletion(t, taskCount, threadCount, seed)
			seen := map[int]bool{}
			for _, id := range f.executor.taskIDs() {
				if seen[id] {
					return false
				}
				seen[id] = true
			}
			return len(seen) == taskCount
		},
		gen.IntRange(0, 40),
		gen.IntRange(1, 10),
		gen.Int64(),
	))

	properties.Property("counters stay ordered finalized <= started <= total", prop.ForAll(
		func(taskCount, threadCount int, seed int64) bool {
			ctx := context.Background()
			plan := make([]model.TaskData, taskCount)
			for i := range plan {
				plan[i] = model.TileTaskData("5678")
			}
			f := newEngineFixture(t, newTestStep("step-order", threadCount, plan))
			if err := f.engine.Prepare(ctx); err != nil {
				return false
			}
			if err := f.engine.Execute(ctx, false); err != nil {
				return false
			}

			rng := rand.New(rand.NewSource(seed))
			pending := f.executor.taskIDs()
			dispatched := f.executor.count()
			done := taskCount == 0
			for !done {
				idx := rng.Intn(len(pending))
				taskID := pending[idx]
				pending = append(pending[:idx], pending[idx+1:]...)

				var err error
				done, err = f.engine.OnAsyncUpdate(ctx, model.TaskUpdate{TaskID: taskID, ByteCount: 1})
				if err != nil {
					return false
				}
				pending = append(pending, f.executor.taskIDs()[dispatched:]...)
				dispatched = f.executor.count()

				progress, err := f.table.PickNextAndReport(ctx)
				if err != nil {
					return false
				}
				if progress.HasTask() {
					// Inspection pick; put it back on the pending list so the
					// run still drains.
					pending = append(pending, progress.NextTaskID)
				}
				if progress.FinalizedTasks > progress.StartedTasks || progress.StartedTasks > progress.TotalTasks {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 30),
		gen.IntRange(1, 8),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestResumeIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("resume never inserts rows and respects the bound", prop.ForAll(
		func(taskCount, threadCount, finalizeCount int) bool {
			ctx := context.Background()
			plan := make([]model.TaskData, taskCount)
			for i := range plan {
				plan[i] = model.TileTaskData("5678")
			}
			step := newTestStep("step-resume-prop", threadCount, plan)
			f := newEngineFixture(t, step)
			if err := f.engine.Prepare(ctx); err != nil {
				return false
			}
			if err := f.engine.Execute(ctx, false); err != nil {
				return false
			}

			// Keep the run incomplete so it still resembles a crashed step.
			initial := f.executor.taskIDs()
			if finalizeCount > len(initial) {
				finalizeCount = len(initial)
			}
			if finalizeCount >= taskCount {
				finalizeCount = taskCount - 1
			}
			for i := 0; i < finalizeCount; i++ {
				if _, err := f.engine.OnAsyncUpdate(ctx, model.TaskUpdate{TaskID: initial[i], ByteCount: 1}); err != nil {
					return false
				}
			}

			inserts := f.table.inserts
			planCalls := step.planCalls
			dispatches := f.executor.count()

			resumed := NewEngine(EngineParams{
				Step:              step,
				Hub:               f.hub,
				Table:             f.table,
				Executor:          f.executor,
				Store:             f.store,
				Estimator:         NewEstimator(),
				State:             constants.StepStateRunning,
				ThreadCount:       threadCount,
				TaskItemCount:     taskCount,
				OverallNeededACUs: 1,
			})
			if err := resumed.Execute(ctx, true); err != nil {
				return false
			}

			if f.table.inserts != inserts || step.planCalls != planCalls {
				return false
			}
			return f.executor.count()-dispatches <= threadCount
		},
		gen.IntRange(1, 30),
		gen.IntRange(1, 8),
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}
