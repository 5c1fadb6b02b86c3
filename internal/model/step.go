package model

import (
	"encoding/json"
	"time"

	"tileflow/pkg/constants"
)

// SpaceContext selects which layer of a composite dataset is consulted.
type SpaceContext string

const (
	ContextDefault   SpaceContext = "DEFAULT"
	ContextExtension SpaceContext = "EXTENSION"
	ContextSuper     SpaceContext = "SUPER"
)

// QuadType selects the tile-id encoding scheme.
type QuadType string

const (
	HereQuad     QuadType = "HERE_QUAD"
	MercatorQuad QuadType = "MERCATOR_QUAD"
)

// StepKind names the tasked step implementations.
type StepKind string

const (
	StepKindChangedTiles StepKind = "ExportChangedTiles"
	StepKindDownload     StepKind = "ExportSpaceToFiles"
)

// StepConfig is the created-once configuration of a tasked step. Read-only
// after Prepare, except for VersionRef which Prepare resolves to integers.
type StepConfig struct {
	SpaceID        string        `json:"spaceId"`
	Kind           StepKind      `json:"kind"`
	VersionRef     VersionRef    `json:"versionRef"`
	Context        SpaceContext  `json:"context,omitempty"`
	SpatialFilter  *SpatialFilter `json:"spatialFilter,omitempty"`
	PropertyFilter string        `json:"propertyFilter,omitempty"`
	TargetLevel    int           `json:"targetLevel,omitempty"`
	QuadType       QuadType      `json:"quadType,omitempty"`
	PartitionKey   string        `json:"partitionKey,omitempty"`
	Clipped        bool          `json:"clipped,omitempty"`
}

// StepStatus is the externally visible state of a step.
type StepStatus struct {
	StepID            string                  `json:"stepId"`
	State             constants.StepState     `json:"state"`
	DesiredAction     constants.DesiredAction `json:"desiredAction,omitempty"`
	EstimatedProgress float64                 `json:"estimatedProgress"`
	Error             string                  `json:"error,omitempty"`
	CreatedAt         time.Time               `json:"createdAt"`
	UpdatedAt         time.Time               `json:"updatedAt"`
}

// TaskData is the opaque task input persisted as jsonb in the task table and
// interpreted only by the step kind that produced it. The tagged layout keeps
// deserialization free of dynamic type dispatch.
type TaskData struct {
	Kind      string          `json:"kind,omitempty"`
	TaskInput json.RawMessage `json:"taskData"`
}

// TileTaskData creates the task data for a single tile export.
func TileTaskData(tileID string) TaskData {
	raw, _ := json.Marshal(tileID)
	return TaskData{Kind: "tile", TaskInput: raw}
}

// ShardTaskData creates the task data for one shard of a partitioned
// download export.
func ShardTaskData(shard, shardCount int) TaskData {
	raw, _ := json.Marshal(map[string]int{"shard": shard, "of": shardCount})
	return TaskData{Kind: "shard", TaskInput: raw}
}

// TileID decodes the task input of a tile task.
func (d TaskData) TileID() (string, error) {
	var id string
	err := json.Unmarshal(d.TaskInput, &id)
	return id, err
}

// Shard decodes the task input of a shard task.
func (d TaskData) Shard() (shard, of int, err error) {
	var payload struct {
		Shard int `json:"shard"`
		Of    int `json:"of"`
	}
	if err = json.Unmarshal(d.TaskInput, &payload); err != nil {
		return 0, 0, err
	}
	return payload.Shard, payload.Of, nil
}
