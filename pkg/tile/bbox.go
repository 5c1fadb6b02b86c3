// Package tile implements the two tile-id encodings used by changed-tiles
// exports: HERE quads over an equirectangular grid and Mercator quadkeys over
// the web-mercator grid. The database computes tile coverage server-side; this
// package is the client-side counterpart used to turn a task's tile id back
// into a bounding box for the per-tile export query.
package tile

import "fmt"

// BBox is a WGS84 bounding box in degrees.
type BBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// Contains reports whether the point lies inside the box (inclusive edges).
func (b BBox) Contains(lon, lat float64) bool {
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// Envelope renders the box as a PostGIS ST_MakeEnvelope call fragment.
func (b BBox) Envelope() string {
	return fmt.Sprintf("ST_MakeEnvelope(%g, %g, %g, %g, 4326)", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}
