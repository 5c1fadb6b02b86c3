package model

import "fmt"

// Visibility controls who can read an output set.
type Visibility string

const (
	VisibilityUser   Visibility = "USER"
	VisibilitySystem Visibility = "SYSTEM"
)

// FileStatistics aggregates the per-task upload counters of a finished step.
type FileStatistics struct {
	RowsUploaded  int64 `json:"rowsUploaded"`
	BytesUploaded int64 `json:"bytesUploaded"`
	FilesUploaded int64 `json:"filesUploaded"`
}

// TileInvalidations lists the tiles whose export produced no payload, meaning
// downstream caches must drop them.
type TileInvalidations struct {
	TileLevel int      `json:"tileLevel"`
	QuadType  QuadType `json:"quadType"`
	TileIDs   []string `json:"tileIds"`
}

// DownloadURL points at one exported file. The URL is opaque to the engine.
type DownloadURL struct {
	URL      string `json:"url"`
	ByteSize int64  `json:"byteSize,omitempty"`
}

// TaskFile is one task row that uploaded a file: its id and the byte count the
// database reported for it.
type TaskFile struct {
	TaskID        int   `json:"taskId"`
	BytesUploaded int64 `json:"bytesUploaded"`
}

// ExportObjectKey names the object a task's export lands in. The key is
// deterministic, so a resumed step resolves the same files the interrupted
// run wrote.
func ExportObjectKey(stepID string, taskID int) string {
	return fmt.Sprintf("export/%s/part-%04d.ndjson", stepID, taskID)
}

// Output is one named output set registered at step completion.
type Output struct {
	Name       string      `json:"name"`
	Visibility Visibility  `json:"visibility"`
	Payload    interface{} `json:"payload"`
}
