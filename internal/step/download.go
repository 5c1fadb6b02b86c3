package step

import (
	"context"
	"fmt"

	"tileflow/internal/model"
	"tileflow/pkg/constants"
	"tileflow/pkg/errs"
	"tileflow/pkg/interfaces"
	"tileflow/pkg/logger"
	"tileflow/pkg/store/postgres"
)

// ThreadPrecalculator is the database-side fan-out sizing of a download
// export. *postgres.Datastore implements it.
type ThreadPrecalculator interface {
	DownloadThreadCount(ctx context.Context, estimatedCount int64, selectQuery, sourceTable string) (int, error)
}

// DownloadStep exports a whole space (or a filtered slice of it) to files.
// The fan-out is sized by the database-side precalculation and the work is
// split into hash shards over the feature rows, one task per shard.
type DownloadStep struct {
	stepID  string
	cfg     *model.StepConfig
	precalc ThreadPrecalculator
	schema  string
	par     Parallelism
	space   *model.Space

	// Set by InitialThreadCount, read by CreateTaskItems.
	threads int
}

// NewDownloadStep creates a space-to-files export step.
func NewDownloadStep(stepID string, cfg model.StepConfig, precalc ThreadPrecalculator, schema string, par Parallelism) *DownloadStep {
	return &DownloadStep{
		stepID:  stepID,
		cfg:     &cfg,
		precalc: precalc,
		schema:  schema,
		par:     par.withDefaults(),
	}
}

func (s *DownloadStep) StepID() string {
	return s.stepID
}

func (s *DownloadStep) Config() *model.StepConfig {
	return s.cfg
}

// Validate checks the download preconditions against the space.
func (s *DownloadStep) Validate(space *model.Space) error {
	s.space = space

	if s.cfg.VersionRef.IsRange() {
		return errs.Validation("space download exports a single version, not a range")
	}
	if s.cfg.PropertyFilter != "" {
		if _, _, err := translatePropertyFilter(s.cfg.PropertyFilter, "t"); err != nil {
			return err
		}
	}
	return nil
}

// InitialThreadCount sizes the fan-out. Small datasets stay single threaded;
// otherwise the database-side precalculation decides, raised for unfiltered
// partition-by-id exports so no file carries too many partitions.
func (s *DownloadStep) InitialThreadCount(ctx context.Context, stats *model.SpaceStatistics) (int, error) {
	count := stats.FeatureCountEstimate

	if count < s.par.MinThreshold {
		s.threads = 1
		return s.threads, nil
	}

	selectQuery, _, err := s.exportQuery(0, 1)
	if err != nil {
		return 0, err
	}

	threads, err := s.precalc.DownloadThreadCount(ctx, count, selectQuery, s.sourceTable())
	if err != nil {
		return 0, errs.Wrap(errs.KindTransientDB, err, "failed to precalculate thread count")
	}

	if s.cfg.PartitionKey == "id" && !s.hasFilters() {
		if byPartitions := int(count / constants.MaxPartitionsPerFile); byPartitions > threads {
			threads = byPartitions
		}
	}
	if threads < 1 {
		threads = 1
	}

	s.threads = threads
	logger.InfoCtx(ctx, "download fan-out for step %s: %d thread(s) for ~%d features", s.stepID, threads, count)
	return threads, nil
}

// CreateTaskItems writes one shard task per thread.
func (s *DownloadStep) CreateTaskItems(ctx context.Context, table interfaces.TaskTable) (int, error) {
	if s.threads < 1 {
		return 0, errs.New(errs.KindTaskQueryBuild, "thread count not sized before task creation")
	}
	for i := 0; i < s.threads; i++ {
		if err := table.Insert(ctx, model.ShardTaskData(i, s.threads)); err != nil {
			return 0, errs.Wrap(errs.KindTransientDB, err, "failed to insert shard task %d", i)
		}
	}
	return s.threads, nil
}

// BuildTaskQuery shapes the export of one shard.
func (s *DownloadStep) BuildTaskQuery(data model.TaskData) (interfaces.SQLQuery, error) {
	shard, of, err := data.Shard()
	if err != nil {
		return interfaces.SQLQuery{}, errs.Wrap(errs.KindTaskQueryBuild, err, "task data is not a shard")
	}
	if of < 1 || shard < 0 || shard >= of {
		return interfaces.SQLQuery{}, errs.New(errs.KindTaskQueryBuild, "invalid shard %d of %d", shard, of)
	}

	stmt, args, err := s.exportQuery(shard, of)
	if err != nil {
		return interfaces.SQLQuery{}, err
	}
	return interfaces.SQLQuery{Text: stmt, Args: args}, nil
}

// exportQuery renders the shard's SELECT. Shard membership hashes the row's
// serial id, so the split is stable across retries.
func (s *DownloadStep) exportQuery(shard, of int) (string, []interface{}, error) {
	version := s.cfg.VersionRef.Version()

	filter, filterArgs, err := s.featureFilter("t")
	if err != nil {
		return "", nil, err
	}

	stmt := fmt.Sprintf(`
		SELECT t.jsondata, t.geo
		  FROM %s t
		 WHERE t.version <= ? AND t.next_version > ?
		   AND (t.i %% ?) = ?%s
		 ORDER BY t.i`, s.sourceTable(), filter)

	args := []interface{}{version, version, of, shard}
	args = append(args, filterArgs...)
	return stmt, args, nil
}

// featureFilter renders the optional spatial and property filters, same shape
// as the changed-tiles planner uses.
func (s *DownloadStep) featureFilter(alias string) (string, []interface{}, error) {
	var frag string
	var args []interface{}

	if f := s.cfg.SpatialFilter; f != nil {
		if f.Radius > 0 {
			frag += fmt.Sprintf("\n		   AND ST_Intersects(%s.geo, ST_Buffer(ST_GeomFromGeoJSON(?)::geography, ?)::geometry)", alias)
			args = append(args, string(f.Geometry), f.Radius)
		} else {
			frag += fmt.Sprintf("\n		   AND ST_Intersects(%s.geo, ST_GeomFromGeoJSON(?))", alias)
			args = append(args, string(f.Geometry))
		}
	}

	if s.cfg.PropertyFilter != "" {
		cond, condArgs, err := translatePropertyFilter(s.cfg.PropertyFilter, alias)
		if err != nil {
			return "", nil, err
		}
		frag += "\n		   AND " + cond
		args = append(args, condArgs...)
	}

	return frag, args, nil
}

func (s *DownloadStep) hasFilters() bool {
	return s.cfg.SpatialFilter != nil || s.cfg.PropertyFilter != ""
}

// CompletionOutputs of a download add nothing kind-specific: the engine
// already emits the aggregate statistics and the exported file list.
func (s *DownloadStep) CompletionOutputs(ctx context.Context, table interfaces.TaskTable) ([]model.Output, error) {
	return nil, nil
}

func (s *DownloadStep) sourceTable() string {
	spaceID := s.cfg.SpaceID
	if s.cfg.Context == model.ContextSuper && s.space != nil && s.space.HasExtension() {
		spaceID = s.space.Extends
	}
	return postgres.QualifiedName(s.schema, postgres.SpaceTableName(spaceID))
}
