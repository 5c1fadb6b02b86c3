package step

import (
	"context"
	"strings"
	"testing"

	"tileflow/internal/model"
	"tileflow/pkg/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func changedTilesConfig() model.StepConfig {
	return model.StepConfig{
		SpaceID:     "road-segments",
		Kind:        model.StepKindChangedTiles,
		VersionRef:  model.NewRange(10, 11),
		TargetLevel: 8,
		QuadType:    model.HereQuad,
	}
}

func historySpace() *model.Space {
	return &model.Space{ID: "road-segments", VersionsToKeep: 10}
}

func TestChangedTilesValidateLevelOutOfRange(t *testing.T) {
	cfg := changedTilesConfig()
	cfg.TargetLevel = 13
	s := NewChangedTilesStep("s1", cfg, nil, "export", DefaultParallelism())

	err := s.Validate(historySpace())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
	assert.Contains(t, err.Error(), "TargetLevel must be between 0 and 12")
}

func TestChangedTilesValidateNegativeLevel(t *testing.T) {
	cfg := changedTilesConfig()
	cfg.TargetLevel = -1
	s := NewChangedTilesStep("s1", cfg, nil, "export", DefaultParallelism())

	err := s.Validate(historySpace())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TargetLevel must be between 0 and 12")
}

func TestChangedTilesValidateRequiresRange(t *testing.T) {
	cfg := changedTilesConfig()
	cfg.VersionRef = model.NewVersion(11)
	s := NewChangedTilesStep("s1", cfg, nil, "export", DefaultParallelism())

	err := s.Validate(historySpace())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestChangedTilesValidateRequiresHistory(t *testing.T) {
	s := NewChangedTilesStep("s1", changedTilesConfig(), nil, "export", DefaultParallelism())

	err := s.Validate(&model.Space{ID: "road-segments", VersionsToKeep: 1})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestChangedTilesValidateOK(t *testing.T) {
	s := NewChangedTilesStep("s1", changedTilesConfig(), nil, "export", DefaultParallelism())
	require.NoError(t, s.Validate(historySpace()))
}

func TestChangedTilesThreadCountIsFixed(t *testing.T) {
	s := NewChangedTilesStep("s1", changedTilesConfig(), nil, "export", DefaultParallelism())

	threads, err := s.InitialThreadCount(context.Background(), &model.SpaceStatistics{FeatureCountEstimate: 5})
	require.NoError(t, err)
	assert.Equal(t, 8, threads)

	threads, err = s.InitialThreadCount(context.Background(), &model.SpaceStatistics{FeatureCountEstimate: 50_000_000})
	require.NoError(t, err)
	assert.Equal(t, 8, threads)
}

func TestChangedTilesConfiguredThreadCount(t *testing.T) {
	s := NewChangedTilesStep("s1", changedTilesConfig(), nil, "export", Parallelism{ThreadCount: 4})

	threads, err := s.InitialThreadCount(context.Background(), &model.SpaceStatistics{FeatureCountEstimate: 5})
	require.NoError(t, err)
	assert.Equal(t, 4, threads)
}

func TestChangedTilesPlanQueryShape(t *testing.T) {
	s := NewChangedTilesStep("s1", changedTilesConfig(), nil, "export", DefaultParallelism())
	require.NoError(t, s.Validate(historySpace()))

	stmt, args, err := s.planQuery()
	require.NoError(t, err)

	assert.Contains(t, stmt, "here_quad(q.col_x, q.row_y, q.level)")
	assert.Contains(t, stmt, "for_geometry(t.geo, 8, 'HERE_QUAD')")
	assert.Contains(t, stmt, "for_geometry(b.geo, 8, 'HERE_QUAD')")
	assert.Contains(t, stmt, `"export"."road_segments"`)
	assert.Contains(t, stmt, "UNION")
	assert.Contains(t, stmt, "ORDER BY tile_id")
	// Delta pass (start, end], base pass at start over the delta ids.
	assert.Equal(t, []interface{}{int64(10), int64(11), int64(10), int64(10), int64(10), int64(11)}, args)
}

func TestChangedTilesPlanQueryMercator(t *testing.T) {
	cfg := changedTilesConfig()
	cfg.QuadType = model.MercatorQuad
	s := NewChangedTilesStep("s1", cfg, nil, "export", DefaultParallelism())
	require.NoError(t, s.Validate(historySpace()))

	stmt, _, err := s.planQuery()
	require.NoError(t, err)
	assert.Contains(t, stmt, "mercator_quad(q.col_x, q.row_y, q.level)")
	assert.Contains(t, stmt, "'MERCATOR_QUAD'")
}

func TestChangedTilesPlanQueryWithFilters(t *testing.T) {
	cfg := changedTilesConfig()
	cfg.SpatialFilter = &model.SpatialFilter{Geometry: []byte(`{"type":"Point","coordinates":[8.6,50.1]}`), Radius: 500}
	cfg.PropertyFilter = "p.fc=5"
	s := NewChangedTilesStep("s1", cfg, nil, "export", DefaultParallelism())
	require.NoError(t, s.Validate(historySpace()))

	stmt, args, err := s.planQuery()
	require.NoError(t, err)
	assert.Contains(t, stmt, "ST_Buffer(ST_GeomFromGeoJSON(?)::geography, ?)")
	assert.Contains(t, stmt, "t.jsondata #>> '{properties,fc}' = ?")
	assert.Contains(t, stmt, "b.jsondata #>> '{properties,fc}' = ?")
	// Versions, then geometry, radius and property value per pass.
	assert.Len(t, args, 6+3+3)
}

func TestChangedTilesBuildTaskQuery(t *testing.T) {
	s := NewChangedTilesStep("s1", changedTilesConfig(), nil, "export", DefaultParallelism())
	require.NoError(t, s.Validate(historySpace()))

	query, err := s.BuildTaskQuery(model.TileTaskData("5678"))
	require.NoError(t, err)

	assert.Contains(t, query.Text, "jsonb_set(t.jsondata, '{properties,@ns:com:here:xyz,partitionKey}'")
	assert.Contains(t, query.Text, "t.geo && ST_MakeEnvelope(?, ?, ?, ?, 4326)")
	assert.NotContains(t, query.Text, "ST_Intersection", "unclipped export keeps the raw geometry")

	require.Len(t, query.Args, 7)
	assert.Equal(t, "5678", query.Args[0])
	assert.Equal(t, int64(11), query.Args[1])
	assert.Equal(t, int64(11), query.Args[2])

	// "5678" is the level-6 HERE quad at x=34, y=23, so the bbox spans one
	// level-6 cell of the equirectangular grid.
	minLon := query.Args[3].(float64)
	minLat := query.Args[4].(float64)
	maxLon := query.Args[5].(float64)
	maxLat := query.Args[6].(float64)
	assert.Less(t, minLon, maxLon)
	assert.Less(t, minLat, maxLat)
	assert.InDelta(t, 5.625, maxLon-minLon, 1e-9)
	assert.InDelta(t, 2.8125, maxLat-minLat, 1e-9)
}

func TestChangedTilesBuildTaskQueryClipped(t *testing.T) {
	cfg := changedTilesConfig()
	cfg.Clipped = true
	s := NewChangedTilesStep("s1", cfg, nil, "export", DefaultParallelism())
	require.NoError(t, s.Validate(historySpace()))

	query, err := s.BuildTaskQuery(model.TileTaskData("5678"))
	require.NoError(t, err)
	assert.Contains(t, query.Text, "ST_Intersection(t.geo, ST_MakeEnvelope(?, ?, ?, ?, 4326))")
	assert.Len(t, query.Args, 11)
}

func TestChangedTilesBuildTaskQueryBadTile(t *testing.T) {
	s := NewChangedTilesStep("s1", changedTilesConfig(), nil, "export", DefaultParallelism())
	require.NoError(t, s.Validate(historySpace()))

	_, err := s.BuildTaskQuery(model.TileTaskData("not-a-tile"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindTaskQueryBuild))
}

func TestChangedTilesCompletionOutputs(t *testing.T) {
	ctx := context.Background()
	s := NewChangedTilesStep("s1", changedTilesConfig(), nil, "export", DefaultParallelism())
	require.NoError(t, s.Validate(historySpace()))

	table := newFakeTaskTable()
	require.NoError(t, table.Insert(ctx, model.TileTaskData("5678")))
	require.NoError(t, table.Insert(ctx, model.TileTaskData("5679")))
	require.NoError(t, table.RecordProgress(ctx, 1, 100, 2, 1, true))
	require.NoError(t, table.RecordProgress(ctx, 2, 0, 0, 0, true))

	outputs, err := s.CompletionOutputs(ctx, table)
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	inv, ok := outputs[0].Payload.(model.TileInvalidations)
	require.True(t, ok)
	assert.Equal(t, 8, inv.TileLevel)
	assert.Equal(t, model.HereQuad, inv.QuadType)
	assert.Equal(t, []string{"5679"}, inv.TileIDs)
}

func TestChangedTilesEquivalenceKey(t *testing.T) {
	base := changedTilesConfig()

	a := NewChangedTilesStep("a", base, nil, "export", DefaultParallelism())
	b := NewChangedTilesStep("b", base, nil, "export", DefaultParallelism())
	require.NoError(t, a.Validate(historySpace()))
	require.NoError(t, b.Validate(historySpace()))
	assert.Equal(t, a.EquivalenceKey(), b.EquivalenceKey())

	other := base
	other.TargetLevel = 9
	c := NewChangedTilesStep("c", other, nil, "export", DefaultParallelism())
	require.NoError(t, c.Validate(historySpace()))
	assert.NotEqual(t, a.EquivalenceKey(), c.EquivalenceKey())
}

func TestChangedTilesEquivalenceContextNormalization(t *testing.T) {
	// Without an extension, SUPER and an unset context address the same data.
	noExtension := historySpace()

	unset := changedTilesConfig()
	super := changedTilesConfig()
	super.Context = model.ContextSuper

	a := NewChangedTilesStep("a", unset, nil, "export", DefaultParallelism())
	b := NewChangedTilesStep("b", super, nil, "export", DefaultParallelism())
	require.NoError(t, a.Validate(noExtension))
	require.NoError(t, b.Validate(noExtension))
	assert.Equal(t, a.EquivalenceKey(), b.EquivalenceKey())

	// With an extension the contexts are distinct layers.
	composite := &model.Space{ID: "road-segments", VersionsToKeep: 10, Extends: "base-roads"}
	c := NewChangedTilesStep("c", unset, nil, "export", DefaultParallelism())
	d := NewChangedTilesStep("d", super, nil, "export", DefaultParallelism())
	require.NoError(t, c.Validate(composite))
	require.NoError(t, d.Validate(composite))
	assert.NotEqual(t, c.EquivalenceKey(), d.EquivalenceKey())
}

func TestChangedTilesSuperContextTargetsBaseTable(t *testing.T) {
	cfg := changedTilesConfig()
	cfg.Context = model.ContextSuper
	s := NewChangedTilesStep("s1", cfg, nil, "export", DefaultParallelism())

	composite := &model.Space{ID: "road-segments", VersionsToKeep: 10, Extends: "base-roads"}
	require.NoError(t, s.Validate(composite))

	stmt, _, err := s.planQuery()
	require.NoError(t, err)
	assert.Contains(t, stmt, `"export"."base_roads"`)
	assert.False(t, strings.Contains(stmt, "road_segments"))
}
