package model

// TaskProgress is the read-model derived from the task table in a single
// query. NextTaskID == -1 means no unstarted row was available; in that case
// NextTaskData is empty.
type TaskProgress struct {
	TotalTasks     int
	StartedTasks   int
	FinalizedTasks int
	NextTaskID     int
	NextTaskData   TaskData
}

// NoTask marks the absent next-task id.
const NoTask = -1

// HasTask reports whether an unstarted task row was handed out.
func (p TaskProgress) HasTask() bool {
	return p.NextTaskID != NoTask
}

// IsComplete reports whether every task row has been finalized.
func (p TaskProgress) IsComplete() bool {
	return p.TotalTasks == p.FinalizedTasks
}

// Fraction returns finalized/total in [0,1]; 1 for an empty task set.
func (p TaskProgress) Fraction() float64 {
	if p.TotalTasks == 0 {
		return 1
	}
	return float64(p.FinalizedTasks) / float64(p.TotalTasks)
}

// TaskUpdateType is the payload type tag of progress events.
const TaskUpdateType = "SpaceBasedTaskUpdate"

// TaskUpdate is the progress event the database delivers once per task.
type TaskUpdate struct {
	Type         string `json:"type"`
	StepID       string `json:"stepId"`
	TaskID       int    `json:"taskId"`
	ByteCount    int64  `json:"byteCount"`
	FeatureCount int64  `json:"featureCount"`
	FileCount    int32  `json:"fileCount"`
}
