package step

import (
	"context"
	"encoding/json"
	"time"

	"tileflow/internal/model"
	"tileflow/pkg/constants"
	"tileflow/pkg/errs"
	"tileflow/pkg/interfaces"
	"tileflow/pkg/logger"
	"tileflow/pkg/resource"
)

// StateStore is the slice of the step repository the engine needs to persist
// state transitions and memoized values.
type StateStore interface {
	UpdateState(ctx context.Context, stepID string, from, to constants.StepState) error
	UpdateFields(ctx context.Context, stepID string, updates map[string]interface{}) error
	SetProgress(ctx context.Context, stepID string, progress float64) error
}

// EngineParams wires one engine instance. Pool and Sink are optional; the
// rest is required.
type EngineParams struct {
	Step      TaskedStep
	Hub       interfaces.HubClient
	Table     interfaces.TaskTable
	Executor  interfaces.AsyncQueryExecutor
	Store     StateStore
	Estimator *Estimator
	Pool      *resource.Pool
	Sink      interfaces.ProgressSink

	// Resume state, taken from the persisted step record when the engine is
	// rebuilt after a restart. Zero for a fresh step.
	State             constants.StepState
	ThreadCount       int
	TaskItemCount     int
	OverallNeededACUs float64
}

// Engine is the control loop of one tasked step. All methods must be invoked
// serially per instance; the dispatcher guarantees one event at a time, so
// the engine holds no locks.
type Engine struct {
	step      TaskedStep
	hub       interfaces.HubClient
	table     interfaces.TaskTable
	executor  interfaces.AsyncQueryExecutor
	store     StateStore
	estimator *Estimator
	pool      *resource.Pool
	sink      interfaces.ProgressSink

	state constants.StepState
	stats *model.SpaceStatistics
	space *model.Space

	// Recomputed on first execute, immutable afterwards.
	threadCount   int
	taskItemCount int
	neededACUs    float64
	acusComputed  bool

	cancelled bool
	outputs   []model.Output
}

// NewEngine creates the engine for a step. For a resumed step the params
// carry the persisted state and memoized values.
func NewEngine(p EngineParams) *Engine {
	state := p.State
	if state == "" {
		state = constants.StepStateNew
	}
	return &Engine{
		step:          p.Step,
		hub:           p.Hub,
		table:         p.Table,
		executor:      p.Executor,
		store:         p.Store,
		estimator:     p.Estimator,
		pool:          p.Pool,
		sink:          p.Sink,
		state:         state,
		threadCount:   p.ThreadCount,
		taskItemCount: p.TaskItemCount,
		neededACUs:    p.OverallNeededACUs,
		acusComputed:  p.OverallNeededACUs > 0,
	}
}

// State returns the current step state.
func (e *Engine) State() constants.StepState {
	return e.state
}

// Outputs returns the outputs produced at completion.
func (e *Engine) Outputs() []model.Output {
	return e.outputs
}

// Prepare resolves the version ref against the hub and validates the
// configuration. NEW -> PREPARED.
func (e *Engine) Prepare(ctx context.Context) error {
	cfg := e.step.Config()
	if cfg.VersionRef.IsZero() {
		return errs.Validation("VersionRef is required")
	}

	space, err := e.hub.LoadSpace(ctx, cfg.SpaceID)
	if err != nil {
		return err
	}
	e.space = space

	if err := e.step.Validate(space); err != nil {
		return err
	}

	stats, err := e.hub.Statistics(ctx, cfg.SpaceID, cfg.Context)
	if err != nil {
		return err
	}
	e.stats = stats

	if err := e.resolveVersionRef(ctx, cfg, stats); err != nil {
		return err
	}

	if err := e.store.UpdateState(ctx, e.step.StepID(), constants.StepStateNew, constants.StepStatePrepared); err != nil {
		return err
	}
	e.state = constants.StepStatePrepared

	logger.InfoCtx(ctx, "step %s prepared: space=%s versionRef=%s",
		e.step.StepID(), cfg.SpaceID, cfg.VersionRef)
	return nil
}

func (e *Engine) resolveVersionRef(ctx context.Context, cfg *model.StepConfig, stats *model.SpaceStatistics) error {
	ref := cfg.VersionRef
	switch {
	case ref.IsTag():
		tag, err := e.hub.LoadTag(ctx, cfg.SpaceID, ref.Tag())
		if err != nil {
			return err
		}
		if tag == nil {
			return errs.Validation("tag %q does not exist on space %s", ref.Tag(), cfg.SpaceID)
		}
		cfg.VersionRef = model.NewVersion(tag.Version)
	case ref.IsHead():
		cfg.VersionRef = model.NewVersion(stats.MaxVersion)
	}

	if !cfg.VersionRef.IsResolved() {
		return errs.Validation("VersionRef %s could not be resolved", ref)
	}
	return nil
}

// NeededResources computes and caches the resource claim list. Callable from
// PREPARED onward; the memoized value survives repeated calls.
func (e *Engine) NeededResources(ctx context.Context) ([]resource.Load, error) {
	if !e.acusComputed {
		stats, err := e.statistics(ctx)
		if err != nil {
			return nil, err
		}
		e.neededACUs = e.estimator.NeededACUs(stats)
		e.acusComputed = true

		if err := e.store.UpdateFields(ctx, e.step.StepID(), map[string]interface{}{
			"overall_needed_acus": e.neededACUs,
		}); err != nil {
			return nil, err
		}
	}
	return e.estimator.Loads(e.neededACUs), nil
}

func (e *Engine) statistics(ctx context.Context) (*model.SpaceStatistics, error) {
	if e.stats != nil {
		return e.stats, nil
	}
	cfg := e.step.Config()
	stats, err := e.hub.Statistics(ctx, cfg.SpaceID, cfg.Context)
	if err != nil {
		return nil, err
	}
	e.stats = stats
	return stats, nil
}

// Execute starts the run. With resume=false it sizes the fan-out, creates the
// task table and rows, then dispatches the initial batch; with resume=true it
// only re-issues the initial batch against the surviving table. Rows already
// started but not finalized are left alone; their completions are still
// expected from the database.
func (e *Engine) Execute(ctx context.Context, resume bool) error {
	loads, err := e.NeededResources(ctx)
	if err != nil {
		return err
	}
	if e.pool != nil {
		if err := e.pool.Claim(e.step.StepID(), loads); err != nil {
			return err
		}
	}

	if !resume {
		if err := e.startFresh(ctx); err != nil {
			e.releasePool()
			return err
		}
	} else if e.state != constants.StepStateRunning {
		e.releasePool()
		return errs.New(errs.KindValidation, "cannot resume step in state %s", e.state)
	}

	return e.dispatchInitialBatch(ctx, resume)
}

func (e *Engine) startFresh(ctx context.Context) error {
	if e.state != constants.StepStatePrepared {
		return errs.New(errs.KindValidation, "cannot execute step in state %s", e.state)
	}

	stats, err := e.statistics(ctx)
	if err != nil {
		return err
	}

	threads, err := e.step.InitialThreadCount(ctx, stats)
	if err != nil {
		return err
	}
	e.threadCount = threads

	if err := e.table.Create(ctx); err != nil {
		return errs.Wrap(errs.KindTransientDB, err, "failed to create task table")
	}

	count, err := e.step.CreateTaskItems(ctx, e.table)
	if err != nil {
		return err
	}
	e.taskItemCount = count

	if err := e.store.UpdateFields(ctx, e.step.StepID(), map[string]interface{}{
		"calculated_thread_count": e.threadCount,
		"task_item_count":         e.taskItemCount,
	}); err != nil {
		return err
	}

	if err := e.store.UpdateState(ctx, e.step.StepID(), constants.StepStatePrepared, constants.StepStateRunning); err != nil {
		return err
	}
	e.state = constants.StepStateRunning

	logger.InfoCtx(ctx, "step %s execution started: taskItems=%d threadCount=%d",
		e.step.StepID(), e.taskItemCount, e.threadCount)
	return nil
}

func (e *Engine) dispatchInitialBatch(ctx context.Context, resume bool) error {
	var last model.TaskProgress
	for i := 0; i < e.threadCount; i++ {
		progress, err := e.table.PickNextAndReport(ctx)
		if err != nil {
			return errs.Wrap(errs.KindTransientDB, err, "failed to pick next task")
		}
		if i == 0 && resume {
			inFlight := progress.StartedTasks - progress.FinalizedTasks
			if progress.HasTask() {
				inFlight-- // this pick already marked its own row started
			}
			if inFlight > 0 {
				logger.InfoCtx(ctx, "step %s resumed with %d task(s) still awaiting database completion; not re-dispatched",
					e.step.StepID(), inFlight)
			}
		}
		last = progress
		if !progress.HasTask() {
			break
		}
		if err := e.dispatch(ctx, progress.NextTaskID, progress.NextTaskData); err != nil {
			return err
		}
	}

	e.reportProgress(ctx, last.Fraction())

	// An empty task set, or a resume that finds everything finalized,
	// completes without a single dispatch.
	if !last.HasTask() && last.IsComplete() {
		return e.finish(ctx)
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, taskID int, data model.TaskData) error {
	query, err := e.step.BuildTaskQuery(data)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to build per-task query: step=%s taskId=%d err=%v",
			e.step.StepID(), taskID, err)
		return errs.Wrap(errs.KindTaskQueryBuild, err, "failed to build query for task %d", taskID)
	}
	return e.executor.SubmitTaskQuery(ctx, e.step.StepID(), taskID, query, e.acuShare())
}

// acuShare is the fraction of the overall claim one database session
// consumes.
func (e *Engine) acuShare() float64 {
	if e.taskItemCount == 0 {
		return e.neededACUs
	}
	return e.neededACUs / float64(e.taskItemCount)
}

// OnAsyncUpdate records a task completion, starts at most one replacement and
// reports progress. Returns true when the step completed on this event.
func (e *Engine) OnAsyncUpdate(ctx context.Context, event model.TaskUpdate) (bool, error) {
	if err := e.table.RecordProgress(ctx, event.TaskID, event.ByteCount, event.FeatureCount, event.FileCount, true); err != nil {
		return false, errs.Wrap(errs.KindTransientDB, err, "failed to record progress for task %d", event.TaskID)
	}

	if e.cancelled {
		// No replacements once cancelled; in-flight sessions drain on their
		// own and their events only update counters.
		return false, nil
	}

	progress, err := e.table.PickNextAndReport(ctx)
	if err != nil {
		return false, errs.Wrap(errs.KindTransientDB, err, "failed to pick next task")
	}

	if progress.HasTask() {
		if err := e.dispatch(ctx, progress.NextTaskID, progress.NextTaskData); err != nil {
			return false, err
		}
	}

	e.reportProgress(ctx, progress.Fraction())

	if !progress.HasTask() && progress.IsComplete() {
		return true, e.finish(ctx)
	}
	return false, nil
}

// Cancel stops the engine from dispatching further tasks. In-flight database
// sessions are not aborted; their completion events are recorded and
// discarded.
func (e *Engine) Cancel() {
	e.cancelled = true
}

// Cancelled reports whether a cancel was requested.
func (e *Engine) Cancelled() bool {
	return e.cancelled
}

// Fail moves the step to FAILED and records the cause. Terminal.
func (e *Engine) Fail(ctx context.Context, cause error) {
	e.releasePool()
	now := time.Now()
	if err := e.store.UpdateFields(ctx, e.step.StepID(), map[string]interface{}{
		"state":        string(constants.StepStateFailed),
		"error":        cause.Error(),
		"completed_at": now,
	}); err != nil {
		logger.ErrorCtx(ctx, "failed to persist failure of step %s: %v", e.step.StepID(), err)
	}
	e.state = constants.StepStateFailed
}

func (e *Engine) finish(ctx context.Context) error {
	stats, err := e.table.Aggregate(ctx)
	if err != nil {
		return errs.Wrap(errs.KindTransientDB, err, "failed to aggregate step statistics")
	}

	files, err := e.table.UploadedFiles(ctx)
	if err != nil {
		return errs.Wrap(errs.KindTransientDB, err, "failed to list exported files")
	}
	exported := make([]model.DownloadURL, 0, len(files))
	for _, f := range files {
		exported = append(exported, model.DownloadURL{
			URL:      model.ExportObjectKey(e.step.StepID(), f.TaskID),
			ByteSize: f.BytesUploaded,
		})
	}

	outputs := []model.Output{
		{Name: constants.OutputStatistics, Visibility: model.VisibilityUser, Payload: stats},
		{Name: constants.OutputInternalStatistics, Visibility: model.VisibilitySystem, Payload: stats},
		{Name: constants.OutputExportedData, Visibility: model.VisibilityUser, Payload: exported},
	}

	kindOutputs, err := e.step.CompletionOutputs(ctx, e.table)
	if err != nil {
		return err
	}
	outputs = append(outputs, kindOutputs...)
	e.outputs = outputs

	payload, err := json.Marshal(outputs)
	if err != nil {
		return errs.Wrap(errs.KindTaskQueryBuild, err, "failed to serialize step outputs")
	}
	if err := e.store.UpdateFields(ctx, e.step.StepID(), map[string]interface{}{
		"outputs": string(payload),
	}); err != nil {
		return err
	}

	if err := e.store.UpdateState(ctx, e.step.StepID(), constants.StepStateRunning, constants.StepStateCompleted); err != nil {
		return err
	}
	e.state = constants.StepStateCompleted
	e.reportProgress(ctx, 1)
	e.releasePool()

	logger.InfoCtx(ctx, "step %s completed: rows=%d bytes=%d files=%d",
		e.step.StepID(), stats.RowsUploaded, stats.BytesUploaded, stats.FilesUploaded)
	return nil
}

func (e *Engine) reportProgress(ctx context.Context, fraction float64) {
	if e.sink != nil {
		e.sink.SetEstimatedProgress(e.step.StepID(), fraction)
	}
	if err := e.store.SetProgress(ctx, e.step.StepID(), fraction); err != nil {
		logger.WarnCtx(ctx, "failed to persist progress of step %s: %v", e.step.StepID(), err)
	}
}

func (e *Engine) releasePool() {
	if e.pool != nil {
		e.pool.Release(e.step.StepID())
	}
}
