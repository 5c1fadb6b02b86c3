package model

import "encoding/json"

// SpatialFilter restricts an export to features intersecting a geometry,
// optionally buffered by a radius in meters.
type SpatialFilter struct {
	Geometry json.RawMessage `json:"geometry"`
	Radius   int             `json:"radius,omitempty"`
	Clipped  bool            `json:"clipped,omitempty"`
}

// Equal compares two optional spatial filters field by field.
func (f *SpatialFilter) Equal(other *SpatialFilter) bool {
	if f == nil || other == nil {
		return f == other
	}
	return string(f.Geometry) == string(other.Geometry) &&
		f.Radius == other.Radius &&
		f.Clipped == other.Clipped
}
