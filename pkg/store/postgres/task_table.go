package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"tileflow/internal/model"
	"tileflow/pkg/logger"

	"go.uber.org/zap"
)

// TaskTable is the durable queue-plus-counters of one step: one row per task
// item, picked and counted atomically by the get_task_item_and_statistics
// database function.
type TaskTable struct {
	ds     *Datastore
	schema string
	stepID string
	table  string
}

// NewTaskTable binds a task table handle to a step. The table itself is
// created by Create.
func NewTaskTable(ds *Datastore, schema, stepID string) *TaskTable {
	return &TaskTable{
		ds:     ds,
		schema: schema,
		stepID: stepID,
		table:  TempJobTableName(stepID),
	}
}

// Name returns the schema-qualified table name.
func (t *TaskTable) Name() string {
	return qualify(t.schema, t.table)
}

// Create creates the task table if missing. Idempotent, so a resumed step
// can call it safely.
func (t *TaskTable) Create(ctx context.Context) error {
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s
		(
			task_id SERIAL,
			task_data JSONB,
			bytes_uploaded BIGINT DEFAULT 0,
			rows_uploaded BIGINT DEFAULT 0,
			files_uploaded INT DEFAULT 0,
			started BOOLEAN DEFAULT false,
			finalized BOOLEAN DEFAULT false,
			CONSTRAINT %q PRIMARY KEY (task_id)
		)`, t.Name(), TaskTablePrimKeyName(t.stepID))

	if err := t.ds.DB(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("failed to create task table %s: %w", t.Name(), err)
	}
	return nil
}

// Insert appends a new task row in started=false, finalized=false state.
func (t *TaskTable) Insert(ctx context.Context, data model.TaskData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize task data: %w", err)
	}

	stmt := fmt.Sprintf(`INSERT INTO %s AS t (task_data) VALUES (?::JSONB)`, t.Name())
	if err := t.ds.DB(ctx).Exec(stmt, string(payload)).Error; err != nil {
		return fmt.Errorf("failed to insert task item: %w", err)
	}
	return nil
}

// PickNextAndReport atomically returns the progress counters and, when an
// unstarted row exists, hands it out marked started=true. The database
// function serializes concurrent pickers, so no row is handed out twice.
func (t *TaskTable) PickNextAndReport(ctx context.Context) (model.TaskProgress, error) {
	var row struct {
		Total     int
		Started   int
		Finalized int
		TaskID    sql.NullInt64
		TaskData  sql.NullString
	}

	err := t.ds.DB(ctx).Raw(
		`SELECT total, started, finalized, task_id, task_data FROM get_task_item_and_statistics(?::regclass)`,
		t.Name(),
	).Scan(&row).Error
	if err != nil {
		return model.TaskProgress{}, fmt.Errorf("failed to pick next task item: %w", err)
	}

	progress := model.TaskProgress{
		TotalTasks:     row.Total,
		StartedTasks:   row.Started,
		FinalizedTasks: row.Finalized,
		NextTaskID:     model.NoTask,
	}

	if row.TaskID.Valid && row.TaskID.Int64 != model.NoTask {
		progress.NextTaskID = int(row.TaskID.Int64)
		if row.TaskData.Valid {
			if err := json.Unmarshal([]byte(row.TaskData.String), &progress.NextTaskData); err != nil {
				return model.TaskProgress{}, fmt.Errorf("failed to deserialize task_data of task %d: %w", progress.NextTaskID, err)
			}
		}
	}

	return progress, nil
}

// RecordProgress adds the reported deltas to the task's counters and sets the
// finalized flag. A duplicate event for an already finalized row is dropped
// with a warning so counters stay correct.
func (t *TaskTable) RecordProgress(ctx context.Context, taskID int, bytes, rows int64, files int32, finalized bool) error {
	stmt := fmt.Sprintf(`
		UPDATE %s t
			SET bytes_uploaded = t.bytes_uploaded + ?,
				rows_uploaded = t.rows_uploaded + ?,
				files_uploaded = t.files_uploaded + ?,
				finalized = ?
			WHERE task_id = ? AND NOT t.finalized`, t.Name())

	result := t.ds.DB(ctx).Exec(stmt, bytes, rows, files, finalized, taskID)
	if result.Error != nil {
		return fmt.Errorf("failed to record progress for task %d: %w", taskID, result.Error)
	}
	if result.RowsAffected == 0 {
		logger.Warn("progress event for unknown or finalized task dropped",
			zap.String("step_id", t.stepID),
			zap.Int("task_id", taskID),
		)
	}
	return nil
}

// Aggregate sums the upload counters across all task rows. A row contributes
// to the file count only when it uploaded at least one byte, so empty export
// files never show up in the statistics.
func (t *TaskTable) Aggregate(ctx context.Context) (model.FileStatistics, error) {
	var row struct {
		RowsUploaded  sql.NullInt64
		FilesUploaded sql.NullInt64
		BytesUploaded sql.NullInt64
	}

	stmt := fmt.Sprintf(`
		SELECT sum(rows_uploaded) as rows_uploaded,
			   sum(CASE
				   WHEN (bytes_uploaded)::bigint > 0
				   THEN (files_uploaded)::bigint
				   ELSE 0
			   END) as files_uploaded,
			   sum(bytes_uploaded)::bigint as bytes_uploaded
				FROM %s`, t.Name())

	if err := t.ds.DB(ctx).Raw(stmt).Scan(&row).Error; err != nil {
		return model.FileStatistics{}, fmt.Errorf("failed to aggregate task statistics: %w", err)
	}

	return model.FileStatistics{
		RowsUploaded:  row.RowsUploaded.Int64,
		FilesUploaded: row.FilesUploaded.Int64,
		BytesUploaded: row.BytesUploaded.Int64,
	}, nil
}

// EmptyTaskData returns the task_data of all rows that uploaded zero bytes.
// Changed-tiles steps turn these into the tile invalidation list.
func (t *TaskTable) EmptyTaskData(ctx context.Context) ([]model.TaskData, error) {
	var raw []string

	stmt := fmt.Sprintf(`SELECT task_data::text FROM %s WHERE bytes_uploaded = 0 ORDER BY task_id`, t.Name())
	if err := t.ds.DB(ctx).Raw(stmt).Scan(&raw).Error; err != nil {
		return nil, fmt.Errorf("failed to list empty task items: %w", err)
	}

	items := make([]model.TaskData, 0, len(raw))
	for _, r := range raw {
		var data model.TaskData
		if err := json.Unmarshal([]byte(r), &data); err != nil {
			return nil, fmt.Errorf("failed to deserialize task_data: %w", err)
		}
		items = append(items, data)
	}
	return items, nil
}

// UploadedFiles returns the id and byte count of every row that uploaded at
// least one byte, in task order. The engine maps these to the exported file
// list at completion.
func (t *TaskTable) UploadedFiles(ctx context.Context) ([]model.TaskFile, error) {
	var files []model.TaskFile

	stmt := fmt.Sprintf(`SELECT task_id, bytes_uploaded FROM %s WHERE bytes_uploaded > 0 ORDER BY task_id`, t.Name())
	if err := t.ds.DB(ctx).Raw(stmt).Scan(&files).Error; err != nil {
		return nil, fmt.Errorf("failed to list uploaded files: %w", err)
	}
	return files, nil
}

// Drop removes the task table. Called by the janitor once the step is
// terminal.
func (t *TaskTable) Drop(ctx context.Context) error {
	stmt := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, t.Name())
	if err := t.ds.DB(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("failed to drop task table %s: %w", t.Name(), err)
	}
	return nil
}
