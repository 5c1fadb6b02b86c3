package step

import (
	"context"
	"testing"

	"tileflow/internal/model"
	"tileflow/pkg/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePrecalc struct {
	threads int
	calls   int
}

func (p *fakePrecalc) DownloadThreadCount(ctx context.Context, estimatedCount int64, selectQuery, sourceTable string) (int, error) {
	p.calls++
	return p.threads, nil
}

func downloadConfig() model.StepConfig {
	return model.StepConfig{
		SpaceID:    "buildings",
		Kind:       model.StepKindDownload,
		VersionRef: model.NewVersion(7),
	}
}

func TestDownloadSmallDatasetStaysSingleThreaded(t *testing.T) {
	precalc := &fakePrecalc{threads: 6}
	s := NewDownloadStep("d1", downloadConfig(), precalc, "export", DefaultParallelism())
	require.NoError(t, s.Validate(&model.Space{ID: "buildings", VersionsToKeep: 1}))

	threads, err := s.InitialThreadCount(context.Background(), &model.SpaceStatistics{FeatureCountEstimate: 199_999})
	require.NoError(t, err)
	assert.Equal(t, 1, threads)
	assert.Equal(t, 0, precalc.calls, "below the threshold the precalc is not consulted")
}

func TestDownloadUsesPrecalc(t *testing.T) {
	precalc := &fakePrecalc{threads: 6}
	s := NewDownloadStep("d1", downloadConfig(), precalc, "export", DefaultParallelism())
	require.NoError(t, s.Validate(&model.Space{ID: "buildings", VersionsToKeep: 1}))

	threads, err := s.InitialThreadCount(context.Background(), &model.SpaceStatistics{FeatureCountEstimate: 300_000})
	require.NoError(t, err)
	assert.Equal(t, 6, threads)
	assert.Equal(t, 1, precalc.calls)
}

func TestDownloadConfiguredThresholdChangesFanOut(t *testing.T) {
	precalc := &fakePrecalc{threads: 6}
	s := NewDownloadStep("d1", downloadConfig(), precalc, "export", Parallelism{MinThreshold: 1_000})
	require.NoError(t, s.Validate(&model.Space{ID: "buildings", VersionsToKeep: 1}))

	// 50k features stay single threaded under the default threshold, but with
	// a lowered one the precalc sizes the fan-out.
	threads, err := s.InitialThreadCount(context.Background(), &model.SpaceStatistics{FeatureCountEstimate: 50_000})
	require.NoError(t, err)
	assert.Equal(t, 6, threads)
	assert.Equal(t, 1, precalc.calls)
}

func TestDownloadPartitionByIDRaisesFanOut(t *testing.T) {
	precalc := &fakePrecalc{threads: 2}
	cfg := downloadConfig()
	cfg.PartitionKey = "id"
	s := NewDownloadStep("d1", cfg, precalc, "export", DefaultParallelism())
	require.NoError(t, s.Validate(&model.Space{ID: "buildings", VersionsToKeep: 1}))

	// 3.2M features over 500k partitions per file needs at least 6 shards.
	threads, err := s.InitialThreadCount(context.Background(), &model.SpaceStatistics{FeatureCountEstimate: 3_200_000})
	require.NoError(t, err)
	assert.Equal(t, 6, threads)
}

func TestDownloadPartitionByIDWithFiltersKeepsPrecalc(t *testing.T) {
	precalc := &fakePrecalc{threads: 2}
	cfg := downloadConfig()
	cfg.PartitionKey = "id"
	cfg.PropertyFilter = "p.state=active"
	s := NewDownloadStep("d1", cfg, precalc, "export", DefaultParallelism())
	require.NoError(t, s.Validate(&model.Space{ID: "buildings", VersionsToKeep: 1}))

	threads, err := s.InitialThreadCount(context.Background(), &model.SpaceStatistics{FeatureCountEstimate: 3_200_000})
	require.NoError(t, err)
	assert.Equal(t, 2, threads, "filtered exports keep the precalc value unchanged")
}

func TestDownloadCreateTaskItemsWritesOneShardPerThread(t *testing.T) {
	ctx := context.Background()
	precalc := &fakePrecalc{threads: 4}
	s := NewDownloadStep("d1", downloadConfig(), precalc, "export", DefaultParallelism())
	require.NoError(t, s.Validate(&model.Space{ID: "buildings", VersionsToKeep: 1}))

	_, err := s.InitialThreadCount(ctx, &model.SpaceStatistics{FeatureCountEstimate: 300_000})
	require.NoError(t, err)

	table := newFakeTaskTable()
	count, err := s.CreateTaskItems(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.Equal(t, 4, table.inserts)

	for i, row := range table.rows {
		shard, of, err := row.data.Shard()
		require.NoError(t, err)
		assert.Equal(t, i, shard)
		assert.Equal(t, 4, of)
	}
}

func TestDownloadBuildTaskQuery(t *testing.T) {
	precalc := &fakePrecalc{threads: 4}
	s := NewDownloadStep("d1", downloadConfig(), precalc, "export", DefaultParallelism())
	require.NoError(t, s.Validate(&model.Space{ID: "buildings", VersionsToKeep: 1}))

	query, err := s.BuildTaskQuery(model.ShardTaskData(2, 4))
	require.NoError(t, err)

	assert.Contains(t, query.Text, `"export"."buildings"`)
	assert.Contains(t, query.Text, "(t.i % ?) = ?")
	assert.Equal(t, []interface{}{int64(7), int64(7), 4, 2}, query.Args)
}

func TestDownloadBuildTaskQueryRejectsBadShard(t *testing.T) {
	precalc := &fakePrecalc{threads: 4}
	s := NewDownloadStep("d1", downloadConfig(), precalc, "export", DefaultParallelism())

	_, err := s.BuildTaskQuery(model.ShardTaskData(4, 4))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindTaskQueryBuild))

	_, err = s.BuildTaskQuery(model.TaskData{TaskInput: []byte(`"tile"`)})
	require.Error(t, err)
}

func TestDownloadValidateRejectsRange(t *testing.T) {
	cfg := downloadConfig()
	cfg.VersionRef = model.NewRange(1, 5)
	s := NewDownloadStep("d1", cfg, &fakePrecalc{threads: 1}, "export", DefaultParallelism())

	err := s.Validate(&model.Space{ID: "buildings", VersionsToKeep: 1})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}
