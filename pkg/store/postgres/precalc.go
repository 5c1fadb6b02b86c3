package postgres

import (
	"context"
	"fmt"
)

// DownloadThreadCount asks the database-side precalculation how many parallel
// sessions a plain download export of the given source should use.
func (ds *Datastore) DownloadThreadCount(ctx context.Context, estimatedCount int64, selectQuery, sourceTable string) (int, error) {
	var threads int
	err := ds.DB(ctx).Raw(
		`SELECT exp_type_download_precalc(?, ?, ?::regclass)`,
		estimatedCount, selectQuery, sourceTable,
	).Scan(&threads).Error
	if err != nil {
		return 0, fmt.Errorf("failed to precalculate download thread count: %w", err)
	}
	if threads < 1 {
		threads = 1
	}
	return threads, nil
}
