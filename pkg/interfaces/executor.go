package interfaces

import (
	"context"

	"tileflow/internal/model"
)

// SQLQuery is a parameterized statement handed to the async executor. Args
// are positional and bound by the executor's database driver.
type SQLQuery struct {
	Text string
	Args []interface{}
}

// AsyncQueryExecutor runs per-task export queries as one-way sends. The
// database executes the query in its own session and the executor delivers
// exactly one TaskUpdate per submitted task back through the step dispatcher.
type AsyncQueryExecutor interface {
	// SubmitTaskQuery dispatches the task's export query. acuShare is the
	// fraction of the step's compute-unit claim this session consumes.
	SubmitTaskQuery(ctx context.Context, stepID string, taskID int, query SQLQuery, acuShare float64) error
}

// TaskTable is the durable queue-plus-counters of one step, one row per task
// item. The database is the sole mutator of the counters.
type TaskTable interface {
	// Create creates the table if missing. Idempotent.
	Create(ctx context.Context) error

	// Insert appends a row in started=false, finalized=false state.
	Insert(ctx context.Context, data model.TaskData) error

	// PickNextAndReport atomically returns the progress counters and, when an
	// unstarted row exists, hands it out marked started=true. Serializable
	// with respect to itself.
	PickNextAndReport(ctx context.Context) (model.TaskProgress, error)

	// RecordProgress adds the deltas to the row and sets the finalized flag.
	RecordProgress(ctx context.Context, taskID int, bytes, rows int64, files int32, finalized bool) error

	// Aggregate sums the upload counters across all rows. A row contributes
	// to the file count only when it uploaded at least one byte.
	Aggregate(ctx context.Context) (model.FileStatistics, error)

	// EmptyTaskData returns the task_data of all rows with zero uploaded
	// bytes.
	EmptyTaskData(ctx context.Context) ([]model.TaskData, error)

	// UploadedFiles returns the id and byte count of every row that uploaded
	// at least one byte, in task order.
	UploadedFiles(ctx context.Context) ([]model.TaskFile, error)

	// Drop removes the table. Used by the janitor once a step is terminal.
	Drop(ctx context.Context) error
}

// ProgressSink receives the step progress fraction on every engine event.
type ProgressSink interface {
	SetEstimatedProgress(stepID string, fraction float64)
}
