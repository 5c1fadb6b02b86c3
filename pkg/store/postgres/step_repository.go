package postgres

import (
	"context"
	"fmt"
	"time"

	"tileflow/pkg/constants"
	"tileflow/pkg/store/postgres/model"

	"gorm.io/gorm"
)

// StepRepository handles step persistence in Postgres
type StepRepository struct {
	ds *Datastore
}

// NewStepRepository creates a new step repository
func NewStepRepository(ds *Datastore) *StepRepository {
	return &StepRepository{ds: ds}
}

// Create creates a new step record
func (r *StepRepository) Create(ctx context.Context, step *model.Step) error {
	return r.ds.DB(ctx).Create(step).Error
}

// Get retrieves a step by step_id
func (r *StepRepository) Get(ctx context.Context, stepID string) (*model.Step, error) {
	var step model.Step
	err := r.ds.DB(ctx).Where("step_id = ?", stepID).First(&step).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return &step, nil
}

// GetBySpace retrieves all steps of a space, newest first
func (r *StepRepository) GetBySpace(ctx context.Context, spaceID string) ([]model.Step, error) {
	var steps []model.Step
	err := r.ds.DB(ctx).
		Where("space_id = ?", spaceID).
		Order("created_at DESC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get steps by space: %w", err)
	}
	return steps, nil
}

// UpdateFields updates specific fields of a step by step_id
func (r *StepRepository) UpdateFields(ctx context.Context, stepID string, updates map[string]interface{}) error {
	return r.ds.DB(ctx).Model(&model.Step{}).
		Where("step_id = ?", stepID).
		Updates(updates).Error
}

// UpdateFieldsWithState updates specific fields of a step with CAS (Compare-And-Swap) on state.
// Returns error if step not found or state doesn't match expectedState.
func (r *StepRepository) UpdateFieldsWithState(ctx context.Context, stepID string, expectedState constants.StepState, updates map[string]interface{}) error {
	result := r.ds.DB(ctx).Model(&model.Step{}).
		Where("step_id = ? AND state = ?", stepID, string(expectedState)).
		Updates(updates)

	if result.Error != nil {
		return fmt.Errorf("failed to update step: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("step not found or state changed (expected: %s): step_id=%s", expectedState, stepID)
	}

	return nil
}

// UpdateState updates step state with atomic state transition (CAS - Compare And Swap).
// Returns error if step not found or current state doesn't match fromState.
func (r *StepRepository) UpdateState(ctx context.Context, stepID string, fromState, toState constants.StepState) error {
	updates := map[string]interface{}{"state": string(toState)}
	if toState.IsTerminal() {
		updates["completed_at"] = time.Now()
	}
	if toState == constants.StepStateRunning {
		updates["started_at"] = time.Now()
	}

	result := r.ds.DB(ctx).Model(&model.Step{}).
		Where("step_id = ? AND state = ?", stepID, string(fromState)).
		Updates(updates)

	if result.Error != nil {
		return fmt.Errorf("failed to update step state: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("step not found or invalid state transition: step_id=%s, from=%s, to=%s", stepID, fromState, toState)
	}

	return nil
}

// SetProgress persists the estimated progress fraction of a running step
func (r *StepRepository) SetProgress(ctx context.Context, stepID string, progress float64) error {
	return r.ds.DB(ctx).Model(&model.Step{}).
		Where("step_id = ?", stepID).
		Update("estimated_progress", progress).Error
}

// SetDesiredAction records a requested action (e.g. CANCEL) on a step
func (r *StepRepository) SetDesiredAction(ctx context.Context, stepID string, action constants.DesiredAction) error {
	return r.ds.DB(ctx).Model(&model.Step{}).
		Where("step_id = ?", stepID).
		Update("desired_action", string(action)).Error
}

// GetResumable retrieves all steps left in a non-terminal started state.
// Called on service start to resume executions interrupted by a restart.
func (r *StepRepository) GetResumable(ctx context.Context) ([]model.Step, error) {
	var steps []model.Step
	err := r.ds.DB(ctx).
		Where("state IN ?", []string{
			string(constants.StepStatePrepared),
			string(constants.StepStateRunning),
		}).
		Order("created_at ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get resumable steps: %w", err)
	}
	return steps, nil
}

// GetTerminalBefore retrieves step_ids that reached a terminal state before
// the cutoff. Used by the table janitor to find task tables to drop.
func (r *StepRepository) GetTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var stepIDs []string
	err := r.ds.DB(ctx).Model(&model.Step{}).
		Where("state IN ? AND completed_at < ?", []string{
			string(constants.StepStateCompleted),
			string(constants.StepStateFailed),
		}, cutoff).
		Pluck("step_id", &stepIDs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get terminal steps: %w", err)
	}
	return stepIDs, nil
}

// Delete deletes a step record
func (r *StepRepository) Delete(ctx context.Context, stepID string) error {
	return r.ds.DB(ctx).Where("step_id = ?", stepID).Delete(&model.Step{}).Error
}
