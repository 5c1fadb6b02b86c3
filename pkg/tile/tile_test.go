package tile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHQuad(t *testing.T) {
	testCases := []struct {
		name    string
		id      string
		x, y    int
		level   int
		wantErr bool
	}{
		{name: "world tile", id: "1", x: 0, y: 0, level: 0},
		{name: "level 1 origin", id: "4", x: 0, y: 0, level: 1},
		{name: "level 6 tile", id: "5678", x: 34, y: 23, level: 6},
		{name: "empty", id: "", wantErr: true},
		{name: "zero", id: "0", wantErr: true},
		{name: "not a number", id: "12ab", wantErr: true},
		{name: "negative", id: "-4", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			q, err := ParseHQuad(tc.id)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.x, q.X)
			assert.Equal(t, tc.y, q.Y)
			assert.Equal(t, tc.level, q.Level)
			assert.Equal(t, tc.id, q.ID())
		})
	}
}

func TestHQuadBoundingBox(t *testing.T) {
	q, err := NewHQuad(0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, BBox{MinLon: -180, MinLat: -90, MaxLon: 180, MaxLat: 90}, q.BoundingBox())

	q, err = NewHQuad(1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, BBox{MinLon: 0, MinLat: -90, MaxLon: 180, MaxLat: 0}, q.BoundingBox())

	// Row index counts from the south edge.
	q, err = NewHQuad(0, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, BBox{MinLon: -180, MinLat: 0, MaxLon: 0, MaxLat: 90}, q.BoundingBox())
}

func TestNewHQuadRejectsOutOfRange(t *testing.T) {
	_, err := NewHQuad(2, 0, 1)
	assert.Error(t, err)
	_, err = NewHQuad(0, 0, -1)
	assert.Error(t, err)
	_, err = NewHQuad(0, 0, MaxHQuadLevel+1)
	assert.Error(t, err)
}

func TestParseQuadkey(t *testing.T) {
	testCases := []struct {
		name    string
		quadkey string
		x, y    int
		level   int
		wantErr bool
	}{
		{name: "single digit", quadkey: "0", x: 0, y: 0, level: 1},
		{name: "bottom right", quadkey: "3", x: 1, y: 1, level: 1},
		{name: "level 5", quadkey: "12033", x: 19, y: 11, level: 5},
		{name: "empty", quadkey: "", wantErr: true},
		{name: "bad digit", quadkey: "0142", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tl, err := ParseQuadkey(tc.quadkey)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.x, tl.X)
			assert.Equal(t, tc.y, tl.Y)
			assert.Equal(t, tc.level, tl.Level)
			assert.Equal(t, tc.quadkey, tl.Quadkey())
		})
	}
}

func TestMercatorBoundingBox(t *testing.T) {
	tl, err := NewMercatorTile(0, 0, 0)
	require.NoError(t, err)
	box := tl.BoundingBox()
	assert.Equal(t, -180.0, box.MinLon)
	assert.Equal(t, 180.0, box.MaxLon)
	assert.InDelta(t, MaxMercatorLatitude, box.MaxLat, 1e-6)
	assert.InDelta(t, -MaxMercatorLatitude, box.MinLat, 1e-6)

	// Mercator row zero is the northern half.
	tl, err = NewMercatorTile(0, 0, 1)
	require.NoError(t, err)
	box = tl.BoundingBox()
	assert.Equal(t, 0.0, box.MinLat)
	assert.Greater(t, box.MaxLat, 80.0)
}

func TestBBoxEnvelope(t *testing.T) {
	box := BBox{MinLon: -10, MinLat: -5, MaxLon: 10, MaxLat: 5}
	assert.Equal(t, "ST_MakeEnvelope(-10, -5, 10, 5, 4326)", box.Envelope())
	assert.True(t, box.Contains(0, 0))
	assert.False(t, box.Contains(11, 0))
}
