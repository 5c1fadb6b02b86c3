package tile

import (
	"fmt"
	"strconv"
)

// HQuad addresses a tile on the equirectangular HERE grid. Level n divides
// the world into 2^n columns over [-180,180] and 2^n rows over [-90,90], row
// zero at the south edge. The wire id is the base-10 rendering of the base-4
// quadkey with a leading 1 digit marking the level.
type HQuad struct {
	X     int
	Y     int
	Level int
}

// MaxHQuadLevel bounds the levels representable in an int64 long key.
const MaxHQuadLevel = 30

// NewHQuad validates the coordinates against the level's grid.
func NewHQuad(x, y, level int) (HQuad, error) {
	if level < 0 || level > MaxHQuadLevel {
		return HQuad{}, fmt.Errorf("invalid HERE quad level %d", level)
	}
	max := 1 << level
	if x < 0 || x >= max || y < 0 || y >= max {
		return HQuad{}, fmt.Errorf("HERE quad coordinates (%d,%d) out of range for level %d", x, y, level)
	}
	return HQuad{X: x, Y: y, Level: level}, nil
}

// ParseHQuad decodes a base-10 HERE long key.
func ParseHQuad(id string) (HQuad, error) {
	key, err := strconv.ParseInt(id, 10, 64)
	if err != nil || key < 1 {
		return HQuad{}, fmt.Errorf("invalid HERE quad id %q", id)
	}
	var x, y, level int
	for key > 1 {
		digit := int(key & 3)
		x = x | (digit&1)<<level
		y = y | (digit>>1)<<level
		level++
		key >>= 2
	}
	if key != 1 {
		return HQuad{}, fmt.Errorf("invalid HERE quad id %q: missing level marker", id)
	}
	return HQuad{X: x, Y: y, Level: level}, nil
}

// ID renders the base-10 long key.
func (q HQuad) ID() string {
	key := int64(1)
	for i := q.Level - 1; i >= 0; i-- {
		digit := int64((q.X>>i)&1 | ((q.Y>>i)&1)<<1)
		key = key<<2 | digit
	}
	return strconv.FormatInt(key, 10)
}

// BoundingBox returns the tile extent in WGS84 degrees.
func (q HQuad) BoundingBox() BBox {
	width := 360.0 / float64(int64(1)<<q.Level)
	height := 180.0 / float64(int64(1)<<q.Level)
	minLon := float64(q.X)*width - 180
	minLat := float64(q.Y)*height - 90
	return BBox{
		MinLon: minLon,
		MinLat: minLat,
		MaxLon: minLon + width,
		MaxLat: minLat + height,
	}
}
