package jobs

import (
	"context"
	"time"

	"tileflow/pkg/logger"
	"tileflow/pkg/store/postgres"
)

// TableJanitor drops the task tables of steps that reached a terminal state
// long enough ago. The step records stay; only the per-step tables go.
type TableJanitor struct {
	ds        *postgres.Datastore
	stepRepo  *postgres.StepRepository
	schema    string
	retention time.Duration
	interval  time.Duration
}

// NewTableJanitor creates the janitor job.
func NewTableJanitor(ds *postgres.Datastore, stepRepo *postgres.StepRepository, schema string, retention time.Duration) *TableJanitor {
	return &TableJanitor{
		ds:        ds,
		stepRepo:  stepRepo,
		schema:    schema,
		retention: retention,
		interval:  time.Hour,
	}
}

func (j *TableJanitor) Name() string {
	return "task-table-janitor"
}

func (j *TableJanitor) Interval() time.Duration {
	return j.interval
}

func (j *TableJanitor) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-j.retention)
	stepIDs, err := j.stepRepo.GetTerminalBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, stepID := range stepIDs {
		table := postgres.NewTaskTable(j.ds, j.schema, stepID)
		if err := table.Drop(ctx); err != nil {
			logger.Warnf("janitor failed to drop task table of step %s: %v", stepID, err)
			continue
		}
	}

	if len(stepIDs) > 0 {
		logger.Infof("janitor dropped %d task table(s)", len(stepIDs))
	}
	return nil
}
