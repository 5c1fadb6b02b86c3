package postgres

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed sql/transport.sql
var transportSQL string

// EnsureFunctions installs the transport-layer database functions. Called
// once at startup; the statements are CREATE OR REPLACE and safe to rerun.
func (ds *Datastore) EnsureFunctions(ctx context.Context) error {
	if err := ds.DB(ctx).Exec(transportSQL).Error; err != nil {
		return fmt.Errorf("failed to install transport functions: %w", err)
	}
	return nil
}
