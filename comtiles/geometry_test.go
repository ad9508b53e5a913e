package comtiles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenario (a) from spec §8: one pyramid zoom, 2x2 tiles.
func singlePyramidTMS() TileMatrixSet {
	return TileMatrixSet{
		CRS: "WebMercatorQuad",
		TileMatrices: []TileMatrix{
			{Zoom: 1, AggregationCoefficient: -1, TileMatrixLimits: TileMatrixLimits{0, 0, 1, 1}},
		},
	}
}

func TestOffsetInIndexSinglePyramidZoom(t *testing.T) {
	g, err := NewIndexGeometry(singlePyramidTMS())
	require.NoError(t, err)

	off, err := g.OffsetInIndex(1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)

	off, err = g.OffsetInIndex(1, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), off)

	off, err = g.OffsetInIndex(1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), off)

	off, err = g.OffsetInIndex(1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), off)
}

func TestOffsetInIndexOutOfRange(t *testing.T) {
	g, err := NewIndexGeometry(singlePyramidTMS())
	require.NoError(t, err)

	_, err = g.OffsetInIndex(1, 2, 0)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = g.OffsetInIndex(5, 0, 0)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

// scenario (b) from spec §8: one fragmented zoom, F=8, one fragment
// covering the whole zoom; tile x=5, y=2 at zoom 2 lands at
// fragmentBytes[68..71) (5 + 3*(2*8+5) = 68).
func fragmentedTMS(coeff int, limits TileMatrixLimits) TileMatrixSet {
	return TileMatrixSet{
		CRS: "WebMercatorQuad",
		TileMatrices: []TileMatrix{
			{Zoom: 2, AggregationCoefficient: coeff, TileMatrixLimits: limits},
		},
	}
}

func TestFragmentRangeForTileOneFragment(t *testing.T) {
	tms := fragmentedTMS(3, TileMatrixLimits{0, 0, 7, 7}) // F=8, dense == limits
	g, err := NewIndexGeometry(tms)
	require.NoError(t, err)

	fr, err := g.FragmentRangeForTile(2, 5, 2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), fr.FragmentIndex)

	offset, err := g.OffsetInIndex(2, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*8+5), offset/3)

	// fragment entries start right after its own 5-byte offset prefix.
	relativeByteOffset := 5 + offset
	assert.Equal(t, uint64(68), relativeByteOffset)
}

// scenario (c) from spec §8: fragment with sparse limits.
// zoom=4, limits={minCol:3,minRow:2,maxCol:13,maxRow:11}, coeff=3 (F=8);
// fragmentedTMS places the matrix at zoom 2, which does not change the
// arithmetic. Tile (x,y) in fragment cell fc=0,fr=0 -> dense {0,0,7,7}, sparse
// intersected with limits -> {3,2,7,7}: entriesInFragment = 5*6 = 30,
// entriesBeforeFragment = 0 (it is the first fragment), fragment byte
// size = 30*3 + 5 = 95.
func TestSparseFragmentBoundsScenarioC(t *testing.T) {
	limits := TileMatrixLimits{MinTileCol: 3, MinTileRow: 2, MaxTileCol: 13, MaxTileRow: 11}
	tms := fragmentedTMS(3, limits)
	g, err := NewIndexGeometry(tms)
	require.NoError(t, err)

	sfb, err := g.SparseFragmentBounds(2, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, FragmentBounds{MinCol: 3, MinRow: 2, MaxCol: 7, MaxRow: 7}, sfb)

	entries := sfb.numTiles()
	assert.Equal(t, uint64(30), entries)

	before := entriesBeforeFragment(sfb, limits)
	assert.Equal(t, uint64(0), before)

	fragmentBytes := entries*3 + 5
	assert.Equal(t, uint64(95), fragmentBytes)
}

func TestNumFragmentsBeforeMatchesRowMajorIndex(t *testing.T) {
	// Four fragments in a 2x2 grid, dense and aligned with limits.
	limits := TileMatrixLimits{MinTileCol: 0, MinTileRow: 0, MaxTileCol: 15, MaxTileRow: 15}
	m := TileMatrix{Zoom: 3, AggregationCoefficient: 3, TileMatrixLimits: limits} // F=8, 2x2 fragments

	cases := []struct {
		x, y     uint32
		wantFrag uint64
	}{
		{0, 0, 0},
		{8, 0, 1},
		{0, 8, 2},
		{8, 8, 3},
	}
	for _, c := range cases {
		got := numFragmentsBefore(m, c.x, c.y)
		assert.Equal(t, c.wantFrag, got, "tile (%d,%d)", c.x, c.y)
	}
}

func TestRowMajorIteratorWalksEveryAddress(t *testing.T) {
	tms := TileMatrixSet{
		CRS: "WebMercatorQuad",
		TileMatrices: []TileMatrix{
			{Zoom: 0, AggregationCoefficient: -1, TileMatrixLimits: TileMatrixLimits{0, 0, 0, 0}},
			{Zoom: 1, AggregationCoefficient: -1, TileMatrixLimits: TileMatrixLimits{0, 0, 1, 1}},
		},
	}
	it := NewRowMajorIterator(tms, 0)
	var got [][3]uint32
	for {
		z, x, y, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, [3]uint32{uint32(z), x, y})
	}
	want := [][3]uint32{
		{0, 0, 0},
		{1, 0, 0}, {1, 1, 0}, {1, 0, 1}, {1, 1, 1},
	}
	assert.Equal(t, want, got)
}

// TestRowMajorIteratorWalksFragmentedZoneFragmentMajor covers a zoom with
// 2x2 fragments (more than one fragment row AND more than one fragment
// column) — the case plain raster iteration gets wrong, since
// OffsetInIndex groups a fragmented zoom's entries by fragment block, not
// by raster position.
func TestRowMajorIteratorWalksFragmentedZoneFragmentMajor(t *testing.T) {
	tms := fragmentedTMS(2, TileMatrixLimits{0, 0, 7, 7}) // F=4, 2x2 fragments
	g, err := NewIndexGeometry(tms)
	require.NoError(t, err)

	it := NewRowMajorIterator(tms, 2)
	var got [][2]uint32
	for {
		_, x, y, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, [2]uint32{x, y})
	}
	require.Len(t, got, 64)

	// fragment (fc=0,fr=0): first 16 addresses, row-major over x,y in [0,3].
	assert.Equal(t, [2]uint32{0, 0}, got[0])
	assert.Equal(t, [2]uint32{1, 0}, got[1])
	assert.Equal(t, [2]uint32{3, 3}, got[15])
	// fragment (fc=1,fr=0): next 16, x in [4,7], y in [0,3].
	assert.Equal(t, [2]uint32{4, 0}, got[16])
	assert.Equal(t, [2]uint32{7, 3}, got[31])
	// fragment (fc=0,fr=1): next 16, x in [0,3], y in [4,7].
	assert.Equal(t, [2]uint32{0, 4}, got[32])
	assert.Equal(t, [2]uint32{3, 7}, got[47])
	// fragment (fc=1,fr=1): last 16, x in [4,7], y in [4,7].
	assert.Equal(t, [2]uint32{4, 4}, got[48])
	assert.Equal(t, [2]uint32{7, 7}, got[63])

	// The index offsets produced for this walk order must be strictly
	// increasing, the invariant writer.go's writeFragments padding math
	// depends on.
	var prevOffset uint64
	var prevSet bool
	for _, xy := range got {
		off, err := g.OffsetInIndex(2, xy[0], xy[1])
		require.NoError(t, err)
		if prevSet {
			assert.Greater(t, off, prevOffset, "offsets must be strictly increasing at (%d,%d)", xy[0], xy[1])
		}
		prevOffset = off
		prevSet = true
	}
}

func TestNumPyramidTiles(t *testing.T) {
	tms := TileMatrixSet{
		CRS: "WebMercatorQuad",
		TileMatrices: []TileMatrix{
			{Zoom: 0, AggregationCoefficient: -1, TileMatrixLimits: TileMatrixLimits{0, 0, 0, 0}},
			{Zoom: 1, AggregationCoefficient: -1, TileMatrixLimits: TileMatrixLimits{0, 0, 1, 1}},
			{Zoom: 2, AggregationCoefficient: 3, TileMatrixLimits: TileMatrixLimits{0, 0, 3, 3}},
		},
	}
	g, err := NewIndexGeometry(tms)
	require.NoError(t, err)
	assert.Equal(t, uint64(1+4), g.NumPyramidTiles())
}

func TestNewIndexGeometryRejectsUnsupportedCRS(t *testing.T) {
	_, err := NewIndexGeometry(TileMatrixSet{CRS: "EPSG:4326"})
	assert.ErrorIs(t, err, ErrUnsupportedCRS)
}

func TestNewIndexGeometryRejectsUnsupportedOrdering(t *testing.T) {
	_, err := NewIndexGeometry(TileMatrixSet{CRS: "WebMercatorQuad", TileOrdering: "Hilbert"})
	assert.ErrorIs(t, err, ErrUnsupportedOrdering)
}
