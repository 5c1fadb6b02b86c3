// Package step contains the tasked-step execution engine: the control loop
// that partitions an export into task items, keeps a bounded number of
// database sessions busy and aggregates the reported statistics, plus the
// concrete step kinds it drives.
package step

import (
	"context"

	"tileflow/internal/model"
	"tileflow/pkg/constants"
	"tileflow/pkg/interfaces"
)

// Parallelism carries the configured fan-out limits the concrete steps size
// their runs with. Zero fields fall back to the built-in defaults.
type Parallelism struct {
	// MinThreshold is the feature count below which an export stays single
	// threaded.
	MinThreshold int64

	// ThreadCount is the fixed fan-out of changed-tiles exports.
	ThreadCount int
}

// DefaultParallelism returns the built-in limits.
func DefaultParallelism() Parallelism {
	return Parallelism{
		MinThreshold: constants.ParallelizationMinThreshold,
		ThreadCount:  constants.ParallelizationThreadCount,
	}
}

func (p Parallelism) withDefaults() Parallelism {
	if p.MinThreshold <= 0 {
		p.MinThreshold = constants.ParallelizationMinThreshold
	}
	if p.ThreadCount <= 0 {
		p.ThreadCount = constants.ParallelizationThreadCount
	}
	return p
}

// TaskedStep is the capability set a concrete step kind exposes to the engine
// loop. The engine never inspects task data itself; it hands the opaque value
// back to the step that produced it.
type TaskedStep interface {
	// StepID returns the step's opaque identity.
	StepID() string

	// Config returns the created-once step configuration. The engine resolves
	// the version ref in place during prepare; everything else is read-only.
	Config() *model.StepConfig

	// Validate checks the configuration against the space descriptor. Called
	// during prepare, before any resources are claimed.
	Validate(space *model.Space) error

	// InitialThreadCount sizes the fan-out for the run. Called once, before
	// task items are created; the result is immutable for the step's lifetime.
	InitialThreadCount(ctx context.Context, stats *model.SpaceStatistics) (int, error)

	// CreateTaskItems materializes the task rows and returns how many were
	// inserted.
	CreateTaskItems(ctx context.Context, table interfaces.TaskTable) (int, error)

	// BuildTaskQuery shapes the per-task export query from the task data.
	BuildTaskQuery(data model.TaskData) (interfaces.SQLQuery, error)

	// CompletionOutputs produces the kind-specific outputs once every task row
	// is finalized.
	CompletionOutputs(ctx context.Context, table interfaces.TaskTable) ([]model.Output, error)
}
