package service

import (
	"context"

	"tileflow/internal/model"
	"tileflow/pkg/constants"
	"tileflow/pkg/interfaces"
	"tileflow/pkg/store/postgres"
)

// StatisticsService reads dataset statistics from the hub and live upload
// statistics from a step's task table.
type StatisticsService struct {
	hub      interfaces.HubClient
	ds       *postgres.Datastore
	stepRepo *postgres.StepRepository
	schema   string
}

// NewStatisticsService creates the statistics service.
func NewStatisticsService(hub interfaces.HubClient, ds *postgres.Datastore, stepRepo *postgres.StepRepository, schema string) *StatisticsService {
	return &StatisticsService{
		hub:      hub,
		ds:       ds,
		stepRepo: stepRepo,
		schema:   schema,
	}
}

// GetSpaceStatistics returns the hub's statistics snapshot of a space.
func (s *StatisticsService) GetSpaceStatistics(ctx context.Context, spaceID string, spaceContext model.SpaceContext) (*model.SpaceStatistics, error) {
	return s.hub.Statistics(ctx, spaceID, spaceContext)
}

// GetStepStatistics aggregates the upload counters of a step's task table.
// Works for running and completed steps while the table still exists.
func (s *StatisticsService) GetStepStatistics(ctx context.Context, stepID string) (*model.FileStatistics, error) {
	record, err := s.stepRepo.Get(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if record == nil || record.State == string(constants.StepStateNew) {
		return &model.FileStatistics{}, nil
	}

	table := postgres.NewTaskTable(s.ds, s.schema, stepID)
	stats, err := table.Aggregate(ctx)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
