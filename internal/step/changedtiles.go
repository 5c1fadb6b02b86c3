package step

import (
	"context"
	"fmt"
	"strings"

	"tileflow/internal/model"
	"tileflow/pkg/constants"
	"tileflow/pkg/errs"
	"tileflow/pkg/interfaces"
	"tileflow/pkg/logger"
	"tileflow/pkg/store/postgres"
	"tileflow/pkg/tile"
)

// ChangedTilesStep plans and exports the tiles affected by a version delta.
// The plan runs in two passes: the delta view yields the tiles covered by the
// new geometries, the base view yields the tiles the same features covered
// before the change. The union catches tiles emptied by moves and deletions.
type ChangedTilesStep struct {
	stepID string
	cfg    *model.StepConfig
	ds     *postgres.Datastore
	schema string
	par    Parallelism
	space  *model.Space
}

// NewChangedTilesStep creates a changed-tiles step. An unset quad type
// defaults to HERE_QUAD.
func NewChangedTilesStep(stepID string, cfg model.StepConfig, ds *postgres.Datastore, schema string, par Parallelism) *ChangedTilesStep {
	if cfg.QuadType == "" {
		cfg.QuadType = model.HereQuad
	}
	return &ChangedTilesStep{
		stepID: stepID,
		cfg:    &cfg,
		ds:     ds,
		schema: schema,
		par:    par.withDefaults(),
	}
}

func (s *ChangedTilesStep) StepID() string {
	return s.stepID
}

func (s *ChangedTilesStep) Config() *model.StepConfig {
	return s.cfg
}

// Validate checks the incremental-export preconditions against the space.
func (s *ChangedTilesStep) Validate(space *model.Space) error {
	s.space = space

	if !s.cfg.VersionRef.IsRange() {
		return errs.Validation("Incremental exports require a version range")
	}
	if s.cfg.TargetLevel < constants.MinTargetLevel || s.cfg.TargetLevel > constants.MaxTargetLevel {
		return errs.Validation("TargetLevel must be between %d and %d", constants.MinTargetLevel, constants.MaxTargetLevel)
	}
	if s.cfg.QuadType != model.HereQuad && s.cfg.QuadType != model.MercatorQuad {
		return errs.Validation("unsupported quad type %q", s.cfg.QuadType)
	}
	if space.VersionsToKeep <= 1 {
		return errs.Validation("incremental export needs version history, space %s keeps only %d version(s)",
			space.ID, space.VersionsToKeep)
	}
	if s.cfg.PropertyFilter != "" {
		if _, _, err := translatePropertyFilter(s.cfg.PropertyFilter, "t"); err != nil {
			return err
		}
	}
	return nil
}

// InitialThreadCount of an incremental tile export is fixed: the per-tile
// queries are small and the fan-out is bounded by the in-flight cap alone.
func (s *ChangedTilesStep) InitialThreadCount(ctx context.Context, stats *model.SpaceStatistics) (int, error) {
	return s.par.ThreadCount, nil
}

// CreateTaskItems materializes one task row per affected tile.
func (s *ChangedTilesStep) CreateTaskItems(ctx context.Context, table interfaces.TaskTable) (int, error) {
	tiles, err := s.planAffectedTiles(ctx)
	if err != nil {
		return 0, err
	}

	for _, tileID := range tiles {
		if err := table.Insert(ctx, model.TileTaskData(tileID)); err != nil {
			return 0, errs.Wrap(errs.KindTransientDB, err, "failed to insert tile task %q", tileID)
		}
	}

	logger.InfoCtx(ctx, "changed-tiles plan for step %s: %d affected tile(s) at level %d",
		s.stepID, len(tiles), s.cfg.TargetLevel)
	return len(tiles), nil
}

// planAffectedTiles computes the affected tile set. The result is sorted, so
// the plan is deterministic for a fixed input.
func (s *ChangedTilesStep) planAffectedTiles(ctx context.Context) ([]string, error) {
	stmt, args, err := s.planQuery()
	if err != nil {
		return nil, err
	}

	var tiles []string
	if err := s.ds.DB(ctx).Raw(stmt, args...).Scan(&tiles).Error; err != nil {
		return nil, errs.Wrap(errs.KindTransientDB, err, "failed to plan affected tiles")
	}
	return tiles, nil
}

func (s *ChangedTilesStep) planQuery() (string, []interface{}, error) {
	table := s.sourceTable()
	quadFn := quadFunc(s.cfg.QuadType)
	level := s.cfg.TargetLevel
	quadType := string(s.cfg.QuadType)
	start := s.cfg.VersionRef.StartVersion()
	end := s.cfg.VersionRef.EndVersion()

	deltaFilter, deltaArgs, err := s.featureFilter("t")
	if err != nil {
		return "", nil, err
	}
	baseFilter, baseArgs, err := s.featureFilter("b")
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	var args []interface{}

	sb.WriteString(fmt.Sprintf(`
		SELECT DISTINCT tile_id FROM (
			SELECT %s(q.col_x, q.row_y, q.level) AS tile_id
			  FROM %s t
			  CROSS JOIN LATERAL for_geometry(t.geo, %d, '%s') q
			 WHERE t.version > ? AND t.version <= ?
			   AND t.geo IS NOT NULL`, quadFn, table, level, quadType))
	args = append(args, start, end)
	sb.WriteString(deltaFilter)
	args = append(args, deltaArgs...)

	sb.WriteString(fmt.Sprintf(`
			UNION
			SELECT %s(q.col_x, q.row_y, q.level) AS tile_id
			  FROM %s b
			  CROSS JOIN LATERAL for_geometry(b.geo, %d, '%s') q
			 WHERE b.version <= ? AND b.next_version > ?
			   AND b.geo IS NOT NULL
			   AND b.id IN (SELECT d.id FROM %s d WHERE d.version > ? AND d.version <= ?)`,
		quadFn, table, level, quadType, table))
	args = append(args, start, start, start, end)
	sb.WriteString(baseFilter)
	args = append(args, baseArgs...)

	sb.WriteString(`
		) tiles
		ORDER BY tile_id`)

	return sb.String(), args, nil
}

// featureFilter renders the optional spatial and property filters as a WHERE
// fragment over the given table alias.
func (s *ChangedTilesStep) featureFilter(alias string) (string, []interface{}, error) {
	var sb strings.Builder
	var args []interface{}

	if f := s.cfg.SpatialFilter; f != nil {
		if f.Radius > 0 {
			sb.WriteString(fmt.Sprintf("\n			   AND ST_Intersects(%s.geo, ST_Buffer(ST_GeomFromGeoJSON(?)::geography, ?)::geometry)", alias))
			args = append(args, string(f.Geometry), f.Radius)
		} else {
			sb.WriteString(fmt.Sprintf("\n			   AND ST_Intersects(%s.geo, ST_GeomFromGeoJSON(?))", alias))
			args = append(args, string(f.Geometry))
		}
	}

	if s.cfg.PropertyFilter != "" {
		cond, condArgs, err := translatePropertyFilter(s.cfg.PropertyFilter, alias)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString("\n			   AND " + cond)
		args = append(args, condArgs...)
	}

	return sb.String(), args, nil
}

// BuildTaskQuery shapes the export of one tile: every feature alive at the
// end version whose geometry intersects the tile's bounding box, with the
// tile id stamped into the partition-key property.
func (s *ChangedTilesStep) BuildTaskQuery(data model.TaskData) (interfaces.SQLQuery, error) {
	tileID, err := data.TileID()
	if err != nil {
		return interfaces.SQLQuery{}, errs.Wrap(errs.KindTaskQueryBuild, err, "task data is not a tile id")
	}

	bbox, err := s.tileBounds(tileID)
	if err != nil {
		return interfaces.SQLQuery{}, err
	}

	geoExpr := "t.geo"
	var args []interface{}
	args = append(args, tileID)
	if s.cfg.Clipped {
		geoExpr = "ST_Intersection(t.geo, ST_MakeEnvelope(?, ?, ?, ?, 4326))"
		args = append(args, bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat)
	}

	end := s.cfg.VersionRef.EndVersion()
	filter, filterArgs, err := s.featureFilter("t")
	if err != nil {
		return interfaces.SQLQuery{}, err
	}

	stmt := fmt.Sprintf(`
		SELECT jsonb_set(t.jsondata, '{properties,@ns:com:here:xyz,partitionKey}', to_jsonb(?::text), true) AS jsondata,
		       %s AS geo
		  FROM %s t
		 WHERE t.version <= ? AND t.next_version > ?
		   AND t.geo && ST_MakeEnvelope(?, ?, ?, ?, 4326)%s
		 ORDER BY t.id`, geoExpr, s.sourceTable(), filter)

	args = append(args, end, end, bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat)
	args = append(args, filterArgs...)

	return interfaces.SQLQuery{Text: stmt, Args: args}, nil
}

func (s *ChangedTilesStep) tileBounds(tileID string) (tile.BBox, error) {
	switch s.cfg.QuadType {
	case model.MercatorQuad:
		t, err := tile.ParseQuadkey(tileID)
		if err != nil {
			return tile.BBox{}, errs.Wrap(errs.KindTaskQueryBuild, err, "invalid mercator quadkey %q", tileID)
		}
		return t.BoundingBox(), nil
	default:
		q, err := tile.ParseHQuad(tileID)
		if err != nil {
			return tile.BBox{}, errs.Wrap(errs.KindTaskQueryBuild, err, "invalid here quad %q", tileID)
		}
		return q.BoundingBox(), nil
	}
}

// CompletionOutputs emits the tile invalidation list: the tiles whose export
// produced no payload are now empty and must be dropped downstream.
func (s *ChangedTilesStep) CompletionOutputs(ctx context.Context, table interfaces.TaskTable) ([]model.Output, error) {
	empty, err := table.EmptyTaskData(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransientDB, err, "failed to list empty tiles")
	}

	tileIDs := make([]string, 0, len(empty))
	for _, data := range empty {
		tileID, err := data.TileID()
		if err != nil {
			return nil, errs.Wrap(errs.KindTaskQueryBuild, err, "task data is not a tile id")
		}
		tileIDs = append(tileIDs, tileID)
	}

	return []model.Output{
		{
			Name:       constants.OutputTileInvalidations,
			Visibility: model.VisibilityUser,
			Payload: model.TileInvalidations{
				TileLevel: s.cfg.TargetLevel,
				QuadType:  s.cfg.QuadType,
				TileIDs:   tileIDs,
			},
		},
	}, nil
}

// EquivalenceKey identifies interchangeable changed-tiles steps. When the
// space has no extension, an unset context and SUPER address the same data
// and normalize to DEFAULT.
func (s *ChangedTilesStep) EquivalenceKey() string {
	effCtx := s.cfg.Context
	if s.space != nil && !s.space.HasExtension() && (effCtx == "" || effCtx == model.ContextSuper) {
		effCtx = model.ContextDefault
	}

	spatial := ""
	if s.cfg.SpatialFilter != nil {
		spatial = fmt.Sprintf("%s|%d|%t",
			s.cfg.SpatialFilter.Geometry, s.cfg.SpatialFilter.Radius, s.cfg.SpatialFilter.Clipped)
	}

	return strings.Join([]string{
		s.cfg.SpaceID,
		s.cfg.VersionRef.String(),
		string(effCtx),
		spatial,
		s.cfg.PropertyFilter,
		fmt.Sprintf("%d", s.cfg.TargetLevel),
		string(s.cfg.QuadType),
	}, "/")
}

func (s *ChangedTilesStep) sourceTable() string {
	spaceID := s.cfg.SpaceID
	if s.cfg.Context == model.ContextSuper && s.space != nil && s.space.HasExtension() {
		spaceID = s.space.Extends
	}
	return postgres.QualifiedName(s.schema, postgres.SpaceTableName(spaceID))
}

func quadFunc(q model.QuadType) string {
	if q == model.MercatorQuad {
		return "mercator_quad"
	}
	return "here_quad"
}
