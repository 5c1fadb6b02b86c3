// Package asynq is the async SQL executor transport. A submitted per-task
// query becomes a queue task; a worker runs the query against the database in
// its own session, measures the produced payload and delivers exactly one
// progress event back to the step dispatcher.
package asynq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tileflow/internal/model"
	"tileflow/pkg/config"
	"tileflow/pkg/interfaces"
	"tileflow/pkg/logger"
	"tileflow/pkg/store/postgres"

	"github.com/hibiken/asynq"
)

const (
	TypeTaskQuery = "step:task-query"
)

type taskQueryPayload struct {
	StepID   string        `json:"stepId"`
	TaskID   int           `json:"taskId"`
	Query    string        `json:"query"`
	Args     []interface{} `json:"args"`
	ACUShare float64       `json:"acuShare"`
}

// UpdateHandler receives the single progress event of a finished task.
type UpdateHandler func(update model.TaskUpdate)

// Executor implements interfaces.AsyncQueryExecutor on top of an asynq queue.
type Executor struct {
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	ds      *postgres.Datastore
	deliver UpdateHandler
}

// NewExecutor creates the executor transport.
func NewExecutor(cfg *config.Config, ds *postgres.Datastore) (*Executor, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Queue.Concurrency,
			Queues: map[string]int{
				"default": 10,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Second
			},
		},
	)

	e := &Executor{
		client: client,
		server: server,
		mux:    asynq.NewServeMux(),
		ds:     ds,
	}
	e.mux.HandleFunc(TypeTaskQuery, e.handleTaskQuery)
	return e, nil
}

// OnUpdate registers the progress event sink. Must be called before Start.
func (e *Executor) OnUpdate(handler UpdateHandler) {
	e.deliver = handler
}

// Start runs the queue worker loop.
func (e *Executor) Start() error {
	return e.server.Start(e.mux)
}

// Shutdown stops the worker loop and the client.
func (e *Executor) Shutdown() {
	e.server.Shutdown()
	if err := e.client.Close(); err != nil {
		logger.Warnf("failed to close queue client: %v", err)
	}
}

// SubmitTaskQuery enqueues the task's export query as a one-way send. The
// queue task id is derived from step and task, so a duplicate submit of the
// same task is rejected by the queue instead of running twice.
func (e *Executor) SubmitTaskQuery(ctx context.Context, stepID string, taskID int, query interfaces.SQLQuery, acuShare float64) error {
	payload, err := json.Marshal(taskQueryPayload{
		StepID:   stepID,
		TaskID:   taskID,
		Query:    query.Text,
		Args:     query.Args,
		ACUShare: acuShare,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal task query: %w", err)
	}

	opts := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("step:%s:task:%d", stepID, taskID)),
		asynq.Timeout(time.Duration(config.GlobalConfig.Queue.QueryTimeout) * time.Second),
		asynq.MaxRetry(config.GlobalConfig.Queue.MaxRetry),
	}

	info, err := e.client.EnqueueContext(ctx, asynq.NewTask(TypeTaskQuery, payload), opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue task query: %w", err)
	}

	logger.InfoCtx(ctx, "task query enqueued, step_id: %s, task_id: %d, queue: %s", stepID, taskID, info.Queue)
	return nil
}

// handleTaskQuery runs one export query and delivers its progress event. A
// query error is returned to the queue for retry; the event is sent only on
// success, so the engine sees at most one completion per task.
func (e *Executor) handleTaskQuery(ctx context.Context, t *asynq.Task) error {
	var payload taskQueryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task query payload: %w", err)
	}

	bytes, rows, err := e.runQuery(ctx, payload.Query, payload.Args)
	if err != nil {
		logger.ErrorCtx(ctx, "task query failed, step_id: %s, task_id: %d: %v", payload.StepID, payload.TaskID, err)
		return err
	}

	var files int32
	if bytes > 0 {
		files = 1
	}

	update := model.TaskUpdate{
		Type:         model.TaskUpdateType,
		StepID:       payload.StepID,
		TaskID:       payload.TaskID,
		ByteCount:    bytes,
		FeatureCount: rows,
		FileCount:    files,
	}

	if e.deliver == nil {
		return fmt.Errorf("no update handler registered")
	}
	e.deliver(update)
	return nil
}

// runQuery executes the export query and measures the produced payload: one
// feature per row, bytes as the serialized column sizes.
func (e *Executor) runQuery(ctx context.Context, query string, args []interface{}) (bytes, rows int64, err error) {
	result, err := e.ds.DB(ctx).Raw(query, args...).Rows()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to run export query: %w", err)
	}
	defer result.Close()

	columns, err := result.Columns()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read export columns: %w", err)
	}

	values := make([]sql.RawBytes, len(columns))
	scan := make([]interface{}, len(columns))
	for i := range values {
		scan[i] = &values[i]
	}

	for result.Next() {
		if err := result.Scan(scan...); err != nil {
			return 0, 0, fmt.Errorf("failed to scan export row: %w", err)
		}
		rows++
		for _, v := range values {
			bytes += int64(len(v))
		}
	}
	return bytes, rows, result.Err()
}
