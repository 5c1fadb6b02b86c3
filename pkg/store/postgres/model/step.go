package model

import (
	"time"
)

// Step Postgres model for the steps table. It holds everything a restarted
// service node needs to resume a step: the immutable config, the memoized
// Prepare results and the current state.
type Step struct {
	ID                    int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	StepID                string     `gorm:"column:step_id;type:varchar(255);not null;uniqueIndex:idx_step_id_unique" json:"step_id"`
	SpaceID               string     `gorm:"column:space_id;type:varchar(255);not null;index:idx_space_id" json:"space_id"`
	Kind                  string     `gorm:"column:kind;type:varchar(100);not null" json:"kind"`
	Config                JSONText   `gorm:"column:config;type:jsonb;not null" json:"config"`
	State                 string     `gorm:"column:state;type:varchar(50);not null;index:idx_state" json:"state"`
	DesiredAction         string     `gorm:"column:desired_action;type:varchar(50)" json:"desired_action"`
	CalculatedThreadCount int        `gorm:"column:calculated_thread_count;not null;default:0" json:"calculated_thread_count"`
	TaskItemCount         int64      `gorm:"column:task_item_count;not null;default:0" json:"task_item_count"`
	OverallNeededACUs     float64    `gorm:"column:overall_needed_acus;not null;default:0" json:"overall_needed_acus"`
	EstimatedProgress     float64    `gorm:"column:estimated_progress;not null;default:0" json:"estimated_progress"`
	Error                 string     `gorm:"column:error;type:text" json:"error"`
	Outputs               JSONText   `gorm:"column:outputs;type:jsonb" json:"outputs"`
	CreatedAt             time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now();index:idx_created_at" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()" json:"updated_at"`
	StartedAt             *time.Time `gorm:"column:started_at;type:timestamptz" json:"started_at"`
	CompletedAt           *time.Time `gorm:"column:completed_at;type:timestamptz;index:idx_completed_at" json:"completed_at"`
}

// TableName specifies the table name for Step
func (Step) TableName() string {
	return "steps"
}
