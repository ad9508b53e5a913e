package comtiles

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildArchive(t *testing.T, tms TileMatrixSet, records []TileRecord, payloads map[[3]uint32][]byte) []byte {
	t.Helper()
	metadata := Metadata{TileFormat: "pbf", PyramidMaxZoom: pyramidMaxZoomOf(tms), TileMatrixSet: tms}
	provider := &fakeProvider{records: records, payloads: payloads}
	var out bytes.Buffer
	w, err := NewArchiveWriter(newSeeker(&out), metadata)
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), provider))
	return out.Bytes()
}

func pyramidMaxZoomOf(tms TileMatrixSet) uint8 {
	var max uint8
	for _, m := range tms.TileMatrices {
		if m.isPyramid() && m.Zoom > max {
			max = m.Zoom
		}
	}
	return max
}

func TestArchiveReaderPyramidZoneRoundTrip(t *testing.T) {
	tms := singlePyramidTMS()
	tile00 := gzipBytes(t, []byte("tile-0-0"))
	tile11 := gzipBytes(t, []byte("tile-1-1"))

	archive := buildArchive(t, tms,
		[]TileRecord{
			{Zoom: 1, Col: 0, Row: 0, Size: uint32(len(tile00)), FragmentIndex: -1},
			{Zoom: 1, Col: 1, Row: 0, Size: 0, FragmentIndex: -1},
			{Zoom: 1, Col: 0, Row: 1, Size: 0, FragmentIndex: -1},
			{Zoom: 1, Col: 1, Row: 1, Size: uint32(len(tile11)), FragmentIndex: -1},
		},
		map[[3]uint32][]byte{
			{1, 0, 0}: tile00,
			{1, 1, 1}: tile11,
		},
	)

	bucket := newMockBucket()
	bucket.put("archive.comtiles", archive)

	r, err := NewArchiveReader(context.Background(), bucket, "archive.comtiles")
	require.NoError(t, err)

	// GetTile takes XYZ; tmsY = (1<<z)-y-1, so XYZ (0,0) at z=1 maps to
	// TMS row 1, which is record (col=0,row=1) -> empty. XYZ (0,1) maps
	// to TMS row 0 -> our populated tile00.
	got, err := r.GetTile(context.Background(), 1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("tile-0-0"), got)

	missing, err := r.GetTile(context.Background(), 1, 1, 1)
	require.NoError(t, err)
	assert.Nil(t, missing)

	outOfRange, err := r.GetTile(context.Background(), 5, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, outOfRange)
}

func TestArchiveReaderFragmentedZoneRoundTrip(t *testing.T) {
	// zoom 3 has a valid 8x8 XYZ/TMS grid (rows/cols 0..7), so this fragment
	// spans the entire zoom; AggregationCoefficient: 3 gives F == 8.
	limits := TileMatrixLimits{MinTileCol: 0, MinTileRow: 0, MaxTileCol: 7, MaxTileRow: 7}
	tms := TileMatrixSet{
		CRS: "WebMercatorQuad",
		TileMatrices: []TileMatrix{
			{Zoom: 3, AggregationCoefficient: 3, TileMatrixLimits: limits}, // one 8x8 fragment
		},
	}

	var records []TileRecord
	payloads := map[[3]uint32][]byte{}
	target := gzipBytes(t, []byte("fragment-tile"))
	for row := uint32(0); row <= 7; row++ {
		for col := uint32(0); col <= 7; col++ {
			var size uint32
			if row == 5 && col == 3 {
				size = uint32(len(target))
				payloads[[3]uint32{3, col, row}] = target
			}
			records = append(records, TileRecord{Zoom: 3, Col: col, Row: row, Size: size, FragmentIndex: 0})
		}
	}

	archive := buildArchive(t, tms, records, payloads)
	bucket := newMockBucket()
	bucket.put("archive.comtiles", archive)

	r, err := NewArchiveReader(context.Background(), bucket, "archive.comtiles")
	require.NoError(t, err)

	tmsY := (uint32(1) << 3) - 5 - 1 // XYZ y such that TMS row == 5
	got, err := r.GetTile(context.Background(), 3, 3, tmsY)
	require.NoError(t, err)
	assert.Equal(t, []byte("fragment-tile"), got)
}

// TestArchiveReaderMultiFragmentRoundTrip covers a zoom with 2x2 fragments
// (more than one fragment row AND column), built by walking the full
// address space with NewRowMajorIterator the same way mbtilesource.Source
// does, so a regression to raster-order record streaming would surface
// here as a corrupted fragment index rather than just a wrong record
// sequence.
func TestArchiveReaderMultiFragmentRoundTrip(t *testing.T) {
	limits := TileMatrixLimits{MinTileCol: 0, MinTileRow: 0, MaxTileCol: 7, MaxTileRow: 7}
	m := TileMatrix{Zoom: 3, AggregationCoefficient: 2, TileMatrixLimits: limits} // F=4, 2x2 fragments
	tms := TileMatrixSet{CRS: "WebMercatorQuad", TileMatrices: []TileMatrix{m}}

	targetA := gzipBytes(t, []byte("fragment-1-0")) // lives in fragment (fc=1,fr=0)
	targetB := gzipBytes(t, []byte("fragment-0-1")) // lives in fragment (fc=0,fr=1)
	payloads := map[[3]uint32][]byte{
		{3, 5, 1}: targetA,
		{3, 2, 5}: targetB,
	}

	var records []TileRecord
	it := NewRowMajorIterator(tms, 3)
	for {
		_, x, y, ok := it.Next()
		if !ok {
			break
		}
		var size uint32
		if p, present := payloads[[3]uint32{3, x, y}]; present {
			size = uint32(len(p))
		}
		records = append(records, TileRecord{
			Zoom: 3, Col: x, Row: y, Size: size,
			FragmentIndex: int64(numFragmentsBefore(m, x, y)),
		})
	}
	require.Len(t, records, 64)

	archive := buildArchive(t, tms, records, payloads)
	bucket := newMockBucket()
	bucket.put("archive.comtiles", archive)

	r, err := NewArchiveReader(context.Background(), bucket, "archive.comtiles")
	require.NoError(t, err)

	xyzYA := (uint32(1) << 3) - 1 - 1 // XYZ y such that TMS row == 1
	gotA, err := r.GetTile(context.Background(), 3, 5, xyzYA)
	require.NoError(t, err)
	assert.Equal(t, []byte("fragment-1-0"), gotA)

	xyzYB := (uint32(1) << 3) - 5 - 1 // XYZ y such that TMS row == 5
	gotB, err := r.GetTile(context.Background(), 3, 2, xyzYB)
	require.NoError(t, err)
	assert.Equal(t, []byte("fragment-0-1"), gotB)

	xyzYEmpty := (uint32(1) << 3) - 0 - 1 // XYZ y such that TMS row == 0
	empty, err := r.GetTile(context.Background(), 3, 0, xyzYEmpty)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestArchiveReaderRejectsTruncatedPyramid(t *testing.T) {
	tms := singlePyramidTMS()
	archive := buildArchive(t, tms,
		[]TileRecord{
			{Zoom: 1, Col: 0, Row: 0, Size: 0, FragmentIndex: -1},
			{Zoom: 1, Col: 1, Row: 0, Size: 0, FragmentIndex: -1},
			{Zoom: 1, Col: 0, Row: 1, Size: 0, FragmentIndex: -1},
			{Zoom: 1, Col: 1, Row: 1, Size: 0, FragmentIndex: -1},
		},
		nil,
	)
	truncated := archive[:headerLenBytes+10] // cuts off mid-metadata/pyramid

	bucket := newMockBucket()
	bucket.put("archive.comtiles", truncated)

	_, err := NewArchiveReader(context.Background(), bucket, "archive.comtiles")
	assert.Error(t, err)
}

func TestArchiveReaderLazyBootstrapIsDeferred(t *testing.T) {
	tms := singlePyramidTMS()
	archive := buildArchive(t, tms,
		[]TileRecord{
			{Zoom: 1, Col: 0, Row: 0, Size: 0, FragmentIndex: -1},
			{Zoom: 1, Col: 1, Row: 0, Size: 0, FragmentIndex: -1},
			{Zoom: 1, Col: 0, Row: 1, Size: 0, FragmentIndex: -1},
			{Zoom: 1, Col: 1, Row: 1, Size: 0, FragmentIndex: -1},
		},
		nil,
	)
	bucket := newMockBucket()
	bucket.put("archive.comtiles", archive)

	r := NewLazyArchiveReader(bucket, "archive.comtiles")
	assert.Nil(t, r.geometry)

	got, err := r.GetTile(context.Background(), 1, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NotNil(t, r.geometry)
}
