package interfaces

import (
	"context"

	"tileflow/internal/model"
)

// HubClient is the feature-store hub surface the engine consults during
// prepare and resource estimation.
type HubClient interface {
	// LoadSpace returns the space descriptor (extension, versions to keep).
	LoadSpace(ctx context.Context, spaceID string) (*model.Space, error)

	// Statistics returns the statistics snapshot for the given layer of the
	// space.
	Statistics(ctx context.Context, spaceID string, spaceContext model.SpaceContext) (*model.SpaceStatistics, error)

	// LoadTag resolves a named tag of the space.
	LoadTag(ctx context.Context, spaceID, tag string) (*model.Tag, error)
}
