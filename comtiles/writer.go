package comtiles

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// ArchiveWriter streams a COMTiles archive to an io.WriteSeeker: a 24-byte
// header placeholder, the JSON metadata, the zlib-compressed pyramid index,
// the fragment index, and the tile data, then seeks back to patch the
// header's length fields. Grounded on pmtiles/writer.go's
// write-placeholder-then-backpatch technique and pmtiles/convert.go's
// finalize/Resolver passes.
type ArchiveWriter struct {
	out      io.WriteSeeker
	geometry *IndexGeometry
	metadata Metadata

	metadataLen uint64
	pyramidLen  uint64
	fragmentLen uint64

	progress Progress
}

// EnableProgress installs a tile-count progress bar sized to this writer's
// TileMatrixSet, reported the way pmtiles/convert.go reports conversion
// progress. Pass quiet=true to suppress output (e.g. non-interactive CI).
func (w *ArchiveWriter) EnableProgress(quiet bool) {
	total := int64(w.geometry.TotalAddressCount())
	w.progress = NewCountProgress(total, "writing archive", quiet)
}

// SetProgress installs a caller-supplied Progress implementation in place
// of the default schollz/progressbar bar, the way a service might report
// conversion progress to an external dashboard instead of a terminal.
func (w *ArchiveWriter) SetProgress(p Progress) {
	w.progress = p
}

func (w *ArchiveWriter) addProgress(n int) {
	if w.progress != nil {
		w.progress.Add(n)
	}
}

// NewArchiveWriter validates metadata.TileMatrixSet and returns a writer
// bound to out.
func NewArchiveWriter(out io.WriteSeeker, metadata Metadata) (*ArchiveWriter, error) {
	g, err := NewIndexGeometry(metadata.TileMatrixSet)
	if err != nil {
		return nil, err
	}
	return &ArchiveWriter{out: out, geometry: g, metadata: metadata}, nil
}

// Write consumes provider's row-major tile stream and produces the
// complete archive. It is the single entry point; provider.Records must
// yield exactly one record per tile address of metadata.TileMatrixSet, in
// row-major order, with size == 0 for missing tiles.
func (w *ArchiveWriter) Write(ctx context.Context, provider TileProvider) error {
	if err := w.writeHeaderPlaceholder(); err != nil {
		return err
	}
	if err := w.writeMetadata(); err != nil {
		return err
	}

	records, errc := provider.Records(ctx)
	buffered := make([]TileRecord, 0, 4096)
	for rec := range records {
		buffered = append(buffered, rec)
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("comtiles: reading tile records: %w", err)
	}

	pyramidLen, err := w.writePyramid(buffered)
	if err != nil {
		return err
	}

	if err := w.writeFragments(buffered); err != nil {
		return err
	}

	if _, err := w.writeData(ctx, provider, buffered); err != nil {
		return err
	}

	if w.progress != nil {
		if err := w.progress.Close(); err != nil {
			return err
		}
	}

	return w.patchHeader(pyramidLen, w.fragmentLen)
}

func (w *ArchiveWriter) writeHeaderPlaceholder() error {
	_, err := w.out.Write(SerializeHeader(Header{Version: formatVersion}))
	return err
}

func (w *ArchiveWriter) writeMetadata() error {
	buf, err := SerializeMetadata(w.metadata)
	if err != nil {
		return err
	}
	w.metadataLen = uint64(len(buf))
	_, err = w.out.Write(buf)
	return err
}

func (w *ArchiveWriter) writePyramid(records []TileRecord) (compressedLen uint64, err error) {
	numPyramidTiles := w.geometry.NumPyramidTiles()
	raw := make([]byte, 3*numPyramidTiles)

	for _, rec := range records {
		m, ok := matrixFor(w.metadata.TileMatrixSet, rec.Zoom)
		if !ok || !m.isPyramid() {
			continue
		}
		if rec.Size > maxTileSize {
			return 0, fmt.Errorf("comtiles: tile (%d,%d,%d) size %d: %w", rec.Zoom, rec.Col, rec.Row, rec.Size, ErrTileTooLarge)
		}
		off, err := w.geometry.OffsetInIndex(rec.Zoom, rec.Col, rec.Row)
		if err != nil {
			return 0, err
		}
		writeU24LE(raw, int(off), rec.Size)
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(raw); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	w.pyramidLen = uint64(compressed.Len())
	if _, err := w.out.Write(compressed.Bytes()); err != nil {
		return 0, err
	}
	return w.pyramidLen, nil
}

// writeFragments implements spec §4.3 step 4. previousIndex is tracked in
// decompressed-index entry units, starting at numPyramidTiles-1 (the last
// pyramid entry), resolving the coordinate-space mixing flagged in spec §9
// as an Open Question.
func (w *ArchiveWriter) writeFragments(records []TileRecord) error {
	previousFragmentIndex := int64(-1)
	// previousIndex is an entry count (decompressed-index units), not a
	// byte offset or a compressed length — this is the Open Question
	// from spec §9 resolved per DESIGN.md.
	previousIndex := int64(w.geometry.NumPyramidTiles()) - 1
	var dataSectionOffset uint64

	for _, rec := range records {
		m, ok := matrixFor(w.metadata.TileMatrixSet, rec.Zoom)
		if !ok {
			continue
		}
		if m.isPyramid() {
			dataSectionOffset += uint64(rec.Size)
			continue
		}
		if rec.Size > maxTileSize {
			return fmt.Errorf("comtiles: tile (%d,%d,%d) size %d: %w", rec.Zoom, rec.Col, rec.Row, rec.Size, ErrTileTooLarge)
		}
		if dataSectionOffset > maxDataOffset {
			return fmt.Errorf("comtiles: data offset %d: %w", dataSectionOffset, ErrOffsetOverflow)
		}

		if rec.FragmentIndex > previousFragmentIndex {
			if err := w.writeU40(dataSectionOffset); err != nil {
				return err
			}
			previousFragmentIndex = rec.FragmentIndex
		}

		offset, err := w.geometry.OffsetInIndex(rec.Zoom, rec.Col, rec.Row)
		if err != nil {
			return err
		}
		index := int64(offset) / 3
		padding := index - previousIndex - 1
		for i := int64(0); i < padding; i++ {
			if err := w.writeSizeEntry(0); err != nil {
				return err
			}
		}
		if err := w.writeSizeEntry(rec.Size); err != nil {
			return err
		}

		dataSectionOffset += uint64(rec.Size)
		previousIndex = index
	}
	return nil
}

func (w *ArchiveWriter) writeU40(v uint64) error {
	buf := make([]byte, 5)
	writeU40LE(buf, 0, v)
	_, err := w.out.Write(buf)
	w.fragmentLen += 5
	return err
}

func (w *ArchiveWriter) writeSizeEntry(v uint32) error {
	buf := make([]byte, 3)
	writeU24LE(buf, 0, v)
	_, err := w.out.Write(buf)
	w.fragmentLen += 3
	return err
}

func (w *ArchiveWriter) writeData(ctx context.Context, provider TileProvider, records []TileRecord) (uint64, error) {
	var total uint64
	for _, rec := range records {
		w.addProgress(1)
		if rec.Size == 0 {
			continue
		}
		payload, err := provider.Payload(ctx, rec)
		if err != nil {
			return 0, fmt.Errorf("comtiles: reading payload for (%d,%d,%d): %w", rec.Zoom, rec.Col, rec.Row, err)
		}
		if uint32(len(payload)) != rec.Size {
			return 0, fmt.Errorf("comtiles: payload length %d does not match record size %d for (%d,%d,%d)", len(payload), rec.Size, rec.Zoom, rec.Col, rec.Row)
		}
		if _, err := w.out.Write(payload); err != nil {
			return 0, err
		}
		total += uint64(len(payload))
	}
	return total, nil
}

func (w *ArchiveWriter) patchHeader(pyramidLen, fragmentLen uint64) error {
	if _, err := w.out.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := w.out.Write(SerializeHeader(Header{
		Version:     formatVersion,
		MetaLen:     uint32(w.metadataLen),
		PyramidLen:  uint32(pyramidLen),
		FragmentLen: fragmentLen,
	}))
	return err
}

func matrixFor(tms TileMatrixSet, z uint8) (TileMatrix, bool) {
	return tms.Matrix(z)
}

// isGzipped reports whether buf already begins with the gzip magic bytes,
// mirroring the check Resolver.AddTileIsNew performs in pmtiles/convert.go
// before deciding whether to compress a tile payload again.
func isGzipped(buf []byte) bool {
	return len(buf) >= 2 && buf[0] == 0x1f && buf[1] == 0x8b
}

// RequireGzipped returns buf unchanged if it is already gzip-compressed,
// else ErrNotGzipped. A TileProvider whose Records() derives TileRecord.Size
// from a stored byte length (rather than re-reading and re-compressing
// every payload) must use this instead of EnsureGzipped: the size it
// published in the pyramid/fragment index has to match the bytes Payload
// actually returns, and silently compressing here would change that length
// out from under the already-written index.
func RequireGzipped(buf []byte) ([]byte, error) {
	if !isGzipped(buf) {
		return nil, fmt.Errorf("comtiles: payload is not gzip-compressed: %w", ErrNotGzipped)
	}
	return buf, nil
}

// EnsureGzipped returns buf unchanged if it is already gzip-compressed,
// else a freshly gzip-compressed copy. Suitable only when the caller
// computes TileRecord.Size from the same bytes it returns from Payload
// (e.g. a TileProvider that holds full payloads in memory); mbtilesource
// does not, so it uses RequireGzipped instead. Matches pmtiles' convention
// of storing gzip-compressed vector tiles in the data section.
func EnsureGzipped(buf []byte) ([]byte, error) {
	if isGzipped(buf) {
		return buf, nil
	}
	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(buf); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
