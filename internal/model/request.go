package model

// CreateStepRequest is the API payload that creates an export step.
type CreateStepRequest struct {
	SpaceID        string         `json:"spaceId" binding:"required"`
	Kind           StepKind       `json:"kind" binding:"required"`
	VersionRef     string         `json:"versionRef" binding:"required"`
	Context        SpaceContext   `json:"context,omitempty"`
	SpatialFilter  *SpatialFilter `json:"spatialFilter,omitempty"`
	PropertyFilter string         `json:"propertyFilter,omitempty"`
	TargetLevel    *int           `json:"targetLevel,omitempty"`
	QuadType       QuadType       `json:"quadType,omitempty"`
	PartitionKey   string         `json:"partitionKey,omitempty"`
	Clipped        bool           `json:"clipped,omitempty"`
}

// CreateStepResponse reports the created (or deduplicated) step.
type CreateStepResponse struct {
	StepID string     `json:"stepId"`
	Reused bool       `json:"reused,omitempty"`
	Status StepStatus `json:"status"`
}

// StepDetails is the full read-model of a step.
type StepDetails struct {
	Status  StepStatus `json:"status"`
	Config  StepConfig `json:"config"`
	Outputs []Output   `json:"outputs,omitempty"`
}
