package model

// Space is the descriptor of a feature store space as reported by the hub.
type Space struct {
	ID             string `json:"id"`
	Title          string `json:"title,omitempty"`
	Extends        string `json:"extends,omitempty"` // super space id, empty when not composite
	VersionsToKeep int    `json:"versionsToKeep"`
}

// HasExtension reports whether the space overlays another one.
func (s *Space) HasExtension() bool {
	return s.Extends != ""
}

// SpaceStatistics is the statistics snapshot the hub reports for a space.
type SpaceStatistics struct {
	ByteSize             int64 `json:"byteSize"`
	FeatureCountEstimate int64 `json:"featureCountEstimate"`
	MaxVersion           int64 `json:"maxVersion"`
}

// Tag is a named pointer to a concrete version of a space.
type Tag struct {
	Tag     string `json:"tag"`
	Version int64  `json:"version"`
}
