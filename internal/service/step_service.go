package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"tileflow/internal/model"
	"tileflow/internal/step"
	"tileflow/pkg/config"
	"tileflow/pkg/constants"
	"tileflow/pkg/errs"
	"tileflow/pkg/interfaces"
	"tileflow/pkg/logger"
	"tileflow/pkg/resource"
	"tileflow/pkg/status"
	"tileflow/pkg/store/postgres"
	pgmodel "tileflow/pkg/store/postgres/model"
	redisstore "tileflow/pkg/store/redis"

	"github.com/google/uuid"
)

const claimRetryDelay = 30 * time.Second

// StepService owns the lifecycle of export steps: creation, deduplication,
// engine hosting, async event routing, cancellation and resume.
type StepService struct {
	stepRepo   *postgres.StepRepository
	ds         *postgres.Datastore
	hub        interfaces.HubClient
	executor   interfaces.AsyncQueryExecutor
	dedup      *redisstore.DedupRegistry
	pool       *resource.Pool
	progress   *ProgressBroker
	dispatcher *step.Dispatcher
	sanitizer  *status.ErrorSanitizer
	schema     string

	mu        sync.Mutex
	engines   map[string]*step.Engine
	dedupKeys map[string]string
}

// NewStepService creates the step service.
func NewStepService(
	stepRepo *postgres.StepRepository,
	ds *postgres.Datastore,
	hub interfaces.HubClient,
	executor interfaces.AsyncQueryExecutor,
	dedup *redisstore.DedupRegistry,
	pool *resource.Pool,
	progress *ProgressBroker,
	schema string,
) *StepService {
	return &StepService{
		stepRepo:   stepRepo,
		ds:         ds,
		hub:        hub,
		executor:   executor,
		dedup:      dedup,
		pool:       pool,
		progress:   progress,
		dispatcher: step.NewDispatcher(),
		sanitizer:  status.NewErrorSanitizer(),
		schema:     schema,
		engines:    make(map[string]*step.Engine),
		dedupKeys:  make(map[string]string),
	}
}

// CreateStep validates the request, deduplicates equivalent changed-tiles
// steps and starts the new step asynchronously.
func (s *StepService) CreateStep(ctx context.Context, req *model.CreateStepRequest) (*model.CreateStepResponse, error) {
	cfg, err := s.configFromRequest(req)
	if err != nil {
		return nil, err
	}

	stepID := uuid.New().String()
	tasked, err := s.buildStep(stepID, *cfg)
	if err != nil {
		return nil, err
	}

	dedupKey := ""
	if tile, ok := tasked.(*step.ChangedTilesStep); ok {
		space, err := s.hub.LoadSpace(ctx, cfg.SpaceID)
		if err != nil {
			return nil, err
		}
		if err := tile.Validate(space); err != nil {
			return nil, err
		}

		dedupKey = tile.EquivalenceKey()
		owner, acquired, err := s.dedup.Acquire(ctx, dedupKey, stepID)
		if err != nil {
			return nil, err
		}
		if !acquired {
			existing, err := s.GetStep(ctx, owner)
			if err != nil {
				return nil, err
			}
			logger.InfoCtx(ctx, "equivalent step %s already running, reusing it", owner)
			return &model.CreateStepResponse{StepID: owner, Reused: true, Status: existing.Status}, nil
		}
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize step config: %w", err)
	}
	record := &pgmodel.Step{
		StepID:  stepID,
		SpaceID: cfg.SpaceID,
		Kind:    string(cfg.Kind),
		Config:  pgmodel.JSONText(configJSON),
		State:   string(constants.StepStateNew),
	}
	if err := s.stepRepo.Create(ctx, record); err != nil {
		s.releaseDedup(ctx, dedupKey, stepID)
		return nil, fmt.Errorf("failed to persist step: %w", err)
	}

	engine := s.hostEngine(tasked, step.EngineParams{})
	if dedupKey != "" {
		s.mu.Lock()
		s.dedupKeys[stepID] = dedupKey
		s.mu.Unlock()
	}

	s.dispatcher.Submit(stepID, func() {
		s.runStep(engine, tasked)
	})

	return &model.CreateStepResponse{
		StepID: stepID,
		Status: model.StepStatus{StepID: stepID, State: constants.StepStateNew},
	}, nil
}

func (s *StepService) configFromRequest(req *model.CreateStepRequest) (*model.StepConfig, error) {
	ref, err := model.ParseVersionRef(req.VersionRef)
	if err != nil {
		return nil, errs.Validation("invalid versionRef: %v", err)
	}

	targetLevel := config.GlobalConfig.Export.DefaultTargetLevel
	if req.TargetLevel != nil {
		targetLevel = *req.TargetLevel
	}

	return &model.StepConfig{
		SpaceID:        req.SpaceID,
		Kind:           req.Kind,
		VersionRef:     ref,
		Context:        req.Context,
		SpatialFilter:  req.SpatialFilter,
		PropertyFilter: req.PropertyFilter,
		TargetLevel:    targetLevel,
		QuadType:       req.QuadType,
		PartitionKey:   req.PartitionKey,
		Clipped:        req.Clipped,
	}, nil
}

func (s *StepService) buildStep(stepID string, cfg model.StepConfig) (step.TaskedStep, error) {
	par := step.Parallelism{
		MinThreshold: config.GlobalConfig.Export.ParallelismMinThreshold,
		ThreadCount:  config.GlobalConfig.Export.ParallelismThreadCount,
	}
	switch cfg.Kind {
	case model.StepKindChangedTiles:
		return step.NewChangedTilesStep(stepID, cfg, s.ds, s.schema, par), nil
	case model.StepKindDownload:
		return step.NewDownloadStep(stepID, cfg, s.ds, s.schema, par), nil
	default:
		return nil, errs.Validation("unsupported step kind %q", cfg.Kind)
	}
}

// hostEngine registers a new engine instance for the step.
func (s *StepService) hostEngine(tasked step.TaskedStep, resume step.EngineParams) *step.Engine {
	resume.Step = tasked
	resume.Hub = s.hub
	resume.Table = postgres.NewTaskTable(s.ds, s.schema, tasked.StepID())
	resume.Executor = s.executor
	resume.Store = s.stepRepo
	resume.Estimator = step.NewEstimator()
	resume.Pool = s.pool
	resume.Sink = s.progress

	engine := step.NewEngine(resume)
	s.mu.Lock()
	s.engines[tasked.StepID()] = engine
	s.mu.Unlock()
	return engine
}

// runStep drives prepare and the first execute on the step's serial queue.
func (s *StepService) runStep(engine *step.Engine, tasked step.TaskedStep) {
	ctx := context.Background()

	if err := engine.Prepare(ctx); err != nil {
		s.failStep(ctx, engine, tasked.StepID(), err)
		return
	}

	// The resolved version ref must survive a restart.
	if configJSON, err := json.Marshal(tasked.Config()); err == nil {
		if err := s.stepRepo.UpdateFields(ctx, tasked.StepID(), map[string]interface{}{
			"config": string(configJSON),
		}); err != nil {
			logger.Warnf("failed to persist resolved config of step %s: %v", tasked.StepID(), err)
		}
	}

	s.executeStep(engine, tasked, false)
}

// executeStep runs execute, retrying rejected resource claims until capacity
// frees up. Must run on the step's serial queue.
func (s *StepService) executeStep(engine *step.Engine, tasked step.TaskedStep, resume bool) {
	ctx := context.Background()

	err := engine.Execute(ctx, resume)
	if err == nil {
		if engine.State() == constants.StepStateCompleted {
			s.finalizeStep(ctx, tasked.StepID())
		}
		return
	}

	if errs.IsKind(err, errs.KindResourceClaimRejected) {
		logger.Warnf("resource claim of step %s rejected, retrying in %s: %v", tasked.StepID(), claimRetryDelay, err)
		time.AfterFunc(claimRetryDelay, func() {
			s.dispatcher.Submit(tasked.StepID(), func() {
				s.executeStep(engine, tasked, resume)
			})
		})
		return
	}

	s.failStep(ctx, engine, tasked.StepID(), err)
}

// HandleTaskUpdate routes a progress event from the executor to its engine.
// Events for unknown steps are delivery anomalies: logged and dropped.
func (s *StepService) HandleTaskUpdate(update model.TaskUpdate) {
	s.mu.Lock()
	engine, ok := s.engines[update.StepID]
	s.mu.Unlock()
	if !ok {
		logger.Warnf("%s: progress event for unknown step %s (task %d) dropped",
			errs.KindAsyncDeliveryAnomaly, update.StepID, update.TaskID)
		return
	}

	s.dispatcher.Submit(update.StepID, func() {
		ctx := context.Background()
		done, err := engine.OnAsyncUpdate(ctx, update)
		if err != nil {
			s.failStep(ctx, engine, update.StepID, err)
			return
		}
		if done {
			s.finalizeStep(ctx, update.StepID)
		}
	})
}

// CancelStep requests cooperative cancellation of a running step.
func (s *StepService) CancelStep(ctx context.Context, stepID string) error {
	record, err := s.stepRepo.Get(ctx, stepID)
	if err != nil {
		return err
	}
	if record == nil {
		return errs.Validation("step %s does not exist", stepID)
	}
	if constants.StepState(record.State).IsTerminal() {
		return errs.Validation("step %s is already %s", stepID, record.State)
	}

	if err := s.stepRepo.SetDesiredAction(ctx, stepID, constants.ActionCancel); err != nil {
		return err
	}

	s.mu.Lock()
	engine, ok := s.engines[stepID]
	s.mu.Unlock()
	if ok {
		s.dispatcher.Submit(stepID, engine.Cancel)
	}

	logger.InfoCtx(ctx, "cancellation requested for step %s", stepID)
	return nil
}

// GetStep returns the persisted read-model of a step.
func (s *StepService) GetStep(ctx context.Context, stepID string) (*model.StepDetails, error) {
	record, err := s.stepRepo.Get(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errs.Validation("step %s does not exist", stepID)
	}
	return s.detailsFromRecord(record)
}

// ListSpaceSteps returns all steps of a space, newest first.
func (s *StepService) ListSpaceSteps(ctx context.Context, spaceID string) ([]model.StepDetails, error) {
	records, err := s.stepRepo.GetBySpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}

	details := make([]model.StepDetails, 0, len(records))
	for i := range records {
		d, err := s.detailsFromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		details = append(details, *d)
	}
	return details, nil
}

func (s *StepService) detailsFromRecord(record *pgmodel.Step) (*model.StepDetails, error) {
	var cfg model.StepConfig
	if len(record.Config) > 0 {
		if err := json.Unmarshal(record.Config, &cfg); err != nil {
			return nil, fmt.Errorf("failed to deserialize config of step %s: %w", record.StepID, err)
		}
	}

	var outputs []model.Output
	if len(record.Outputs) > 0 {
		if err := json.Unmarshal(record.Outputs, &outputs); err != nil {
			return nil, fmt.Errorf("failed to deserialize outputs of step %s: %w", record.StepID, err)
		}
	}

	progress := record.EstimatedProgress
	if latest := s.progress.Latest(record.StepID); latest > progress {
		progress = latest
	}

	return &model.StepDetails{
		Status: model.StepStatus{
			StepID:            record.StepID,
			State:             constants.StepState(record.State),
			DesiredAction:     constants.DesiredAction(record.DesiredAction),
			EstimatedProgress: progress,
			Error:             record.Error,
			CreatedAt:         record.CreatedAt,
			UpdatedAt:         record.UpdatedAt,
		},
		Config:  cfg,
		Outputs: outputs,
	}, nil
}

// ResumeInterruptedSteps rebuilds engines for steps a previous process left
// in PREPARED or RUNNING and restarts their dispatch loops.
func (s *StepService) ResumeInterruptedSteps(ctx context.Context) error {
	records, err := s.stepRepo.GetResumable(ctx)
	if err != nil {
		return err
	}

	for i := range records {
		record := records[i]

		var cfg model.StepConfig
		if err := json.Unmarshal(record.Config, &cfg); err != nil {
			logger.Errorf("cannot resume step %s, config unreadable: %v", record.StepID, err)
			continue
		}

		tasked, err := s.buildStep(record.StepID, cfg)
		if err != nil {
			logger.Errorf("cannot resume step %s: %v", record.StepID, err)
			continue
		}

		engine := s.hostEngine(tasked, step.EngineParams{
			State:             constants.StepState(record.State),
			ThreadCount:       record.CalculatedThreadCount,
			TaskItemCount:     int(record.TaskItemCount),
			OverallNeededACUs: record.OverallNeededACUs,
		})

		resume := record.State == string(constants.StepStateRunning)
		s.dispatcher.Submit(record.StepID, func() {
			s.resumeStep(engine, tasked, resume)
		})

		logger.Infof("resuming step %s from state %s", record.StepID, record.State)
	}
	return nil
}

// resumeStep revalidates against the hub (the concrete step needs the space
// descriptor again) and restarts dispatching.
func (s *StepService) resumeStep(engine *step.Engine, tasked step.TaskedStep, resume bool) {
	ctx := context.Background()

	space, err := s.hub.LoadSpace(ctx, tasked.Config().SpaceID)
	if err != nil {
		s.failStep(ctx, engine, tasked.StepID(), err)
		return
	}
	if err := tasked.Validate(space); err != nil {
		s.failStep(ctx, engine, tasked.StepID(), err)
		return
	}

	if tile, ok := tasked.(*step.ChangedTilesStep); ok {
		key := tile.EquivalenceKey()
		if _, _, err := s.dedup.Acquire(ctx, key, tasked.StepID()); err == nil {
			s.mu.Lock()
			s.dedupKeys[tasked.StepID()] = key
			s.mu.Unlock()
		}
	}

	s.executeStep(engine, tasked, resume)
}

// Shutdown drains the dispatcher queues.
func (s *StepService) Shutdown() {
	s.dispatcher.Shutdown()
}

func (s *StepService) failStep(ctx context.Context, engine *step.Engine, stepID string, cause error) {
	logger.Errorf("step %s failed: %v", stepID, cause)
	// Persist the scrubbed form; the raw cause stays in the logs only.
	engine.Fail(ctx, errors.New(s.sanitizer.Sanitize(cause.Error())))
	s.finalizeStep(ctx, stepID)
}

// finalizeStep releases everything a terminal step held.
func (s *StepService) finalizeStep(ctx context.Context, stepID string) {
	s.mu.Lock()
	dedupKey := s.dedupKeys[stepID]
	delete(s.dedupKeys, stepID)
	delete(s.engines, stepID)
	s.mu.Unlock()

	s.releaseDedup(ctx, dedupKey, stepID)
	s.progress.Forget(stepID)

	// Close the serial queue outside its own drain loop.
	go s.dispatcher.Forget(stepID)
}

func (s *StepService) releaseDedup(ctx context.Context, dedupKey, stepID string) {
	if dedupKey == "" {
		return
	}
	if err := s.dedup.Release(ctx, dedupKey, stepID); err != nil {
		logger.Warnf("failed to release dedup key of step %s: %v", stepID, err)
	}
}
