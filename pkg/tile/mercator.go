package tile

import (
	"fmt"
	"math"
)

// MercatorTile addresses a tile on the web-mercator grid, row zero at the
// north edge. The wire id is the standard base-4 quadkey string.
type MercatorTile struct {
	X     int
	Y     int
	Level int
}

// MaxMercatorLevel matches the deepest quadkey the grid functions emit.
const MaxMercatorLevel = 30

// MaxMercatorLatitude is the latitude bound of the web-mercator projection.
const MaxMercatorLatitude = 85.05112878

// NewMercatorTile validates the coordinates against the level's grid.
func NewMercatorTile(x, y, level int) (MercatorTile, error) {
	if level < 0 || level > MaxMercatorLevel {
		return MercatorTile{}, fmt.Errorf("invalid mercator level %d", level)
	}
	max := 1 << level
	if x < 0 || x >= max || y < 0 || y >= max {
		return MercatorTile{}, fmt.Errorf("mercator coordinates (%d,%d) out of range for level %d", x, y, level)
	}
	return MercatorTile{X: x, Y: y, Level: level}, nil
}

// ParseQuadkey decodes a base-4 quadkey string.
func ParseQuadkey(quadkey string) (MercatorTile, error) {
	if quadkey == "" || len(quadkey) > MaxMercatorLevel {
		return MercatorTile{}, fmt.Errorf("invalid quadkey %q", quadkey)
	}
	var x, y int
	for _, c := range quadkey {
		x <<= 1
		y <<= 1
		switch c {
		case '0':
		case '1':
			x |= 1
		case '2':
			y |= 1
		case '3':
			x |= 1
			y |= 1
		default:
			return MercatorTile{}, fmt.Errorf("invalid quadkey %q: digit %q", quadkey, c)
		}
	}
	return MercatorTile{X: x, Y: y, Level: len(quadkey)}, nil
}

// Quadkey renders the base-4 quadkey string.
func (t MercatorTile) Quadkey() string {
	buf := make([]byte, t.Level)
	for i := 0; i < t.Level; i++ {
		shift := t.Level - 1 - i
		digit := byte('0')
		if (t.X>>shift)&1 == 1 {
			digit++
		}
		if (t.Y>>shift)&1 == 1 {
			digit += 2
		}
		buf[i] = digit
	}
	return string(buf)
}

// BoundingBox returns the tile extent in WGS84 degrees.
func (t MercatorTile) BoundingBox() BBox {
	n := float64(int64(1) << t.Level)
	minLon := float64(t.X)/n*360 - 180
	maxLon := float64(t.X+1)/n*360 - 180
	return BBox{
		MinLon: minLon,
		MinLat: mercatorLat(float64(t.Y+1), n),
		MaxLon: maxLon,
		MaxLat: mercatorLat(float64(t.Y), n),
	}
}

func mercatorLat(y, n float64) float64 {
	lat := math.Atan(math.Sinh(math.Pi*(1-2*y/n))) * 180 / math.Pi
	return math.Max(-MaxMercatorLatitude, math.Min(MaxMercatorLatitude, lat))
}
