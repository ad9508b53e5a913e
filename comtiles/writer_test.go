package comtiles

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider replays a fixed TileRecord slice and payload map, the way a
// hand-built pmtiles.Resolver.Iterate fixture replays tile entries in
// the teacher's convert tests.
type fakeProvider struct {
	records  []TileRecord
	payloads map[[3]uint32][]byte // keyed by (zoom, col, row)
}

func (p *fakeProvider) Records(ctx context.Context) (<-chan TileRecord, <-chan error) {
	out := make(chan TileRecord, len(p.records))
	errc := make(chan error, 1)
	for _, r := range p.records {
		out <- r
	}
	close(out)
	close(errc)
	return out, errc
}

func (p *fakeProvider) Payload(ctx context.Context, rec TileRecord) ([]byte, error) {
	return p.payloads[[3]uint32{uint32(rec.Zoom), rec.Col, rec.Row}], nil
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestArchiveWriterSinglePyramidZoom(t *testing.T) {
	tms := singlePyramidTMS()
	metadata := Metadata{TileFormat: "pbf", PyramidMaxZoom: 1, TileMatrixSet: tms}

	tile00 := gzipBytes(t, []byte("tile-0-0"))
	tile10 := gzipBytes(t, []byte("tile-1-0"))

	provider := &fakeProvider{
		records: []TileRecord{
			{Zoom: 1, Col: 0, Row: 0, Size: uint32(len(tile00)), FragmentIndex: -1},
			{Zoom: 1, Col: 1, Row: 0, Size: uint32(len(tile10)), FragmentIndex: -1},
			{Zoom: 1, Col: 0, Row: 1, Size: 0, FragmentIndex: -1},
			{Zoom: 1, Col: 1, Row: 1, Size: 0, FragmentIndex: -1},
		},
		payloads: map[[3]uint32][]byte{
			{1, 0, 0}: tile00,
			{1, 1, 0}: tile10,
		},
	}

	var out bytes.Buffer
	w, err := NewArchiveWriter(newSeeker(&out), metadata)
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), provider))

	buf := out.Bytes()
	header, err := DeserializeHeader(buf[:headerLenBytes])
	require.NoError(t, err)
	assert.Equal(t, uint64(0), header.FragmentLen)

	metaBuf := buf[headerLenBytes : headerLenBytes+int(header.MetaLen)]
	gotMeta, err := DeserializeMetadata(metaBuf)
	require.NoError(t, err)
	assert.Equal(t, "pbf", gotMeta.TileFormat)

	pyramidBuf := buf[headerLenBytes+int(header.MetaLen) : headerLenBytes+int(header.MetaLen)+int(header.PyramidLen)]
	zr, err := zlib.NewReader(bytes.NewReader(pyramidBuf))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Len(t, raw, 12)

	assert.Equal(t, uint32(len(tile00)), readU24LE(raw, 0))
	assert.Equal(t, uint32(len(tile10)), readU24LE(raw, 3))
	assert.Equal(t, uint32(0), readU24LE(raw, 6))
	assert.Equal(t, uint32(0), readU24LE(raw, 9))

	dataStart := headerLenBytes + int(header.MetaLen) + int(header.PyramidLen)
	data := buf[dataStart:]
	assert.Equal(t, append(append([]byte{}, tile00...), tile10...), data)
}

func TestArchiveWriterRejectsOversizedTile(t *testing.T) {
	tms := singlePyramidTMS()
	metadata := Metadata{TileFormat: "pbf", PyramidMaxZoom: 1, TileMatrixSet: tms}
	provider := &fakeProvider{
		records: []TileRecord{
			{Zoom: 1, Col: 0, Row: 0, Size: maxTileSize + 1, FragmentIndex: -1},
		},
	}
	var out bytes.Buffer
	w, err := NewArchiveWriter(newSeeker(&out), metadata)
	require.NoError(t, err)
	err = w.Write(context.Background(), provider)
	assert.ErrorIs(t, err, ErrTileTooLarge)
}
