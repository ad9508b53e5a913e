package comtiles

import (
	"bytes"
	"compress/gzip"
	"container/list"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/singleflight"
)

const (
	initialChunkSize = 512 * 1024 // spec §4.4 header bootstrap chunk size
	fragmentCacheSize = 28        // spec §4.4 LRU size
)

// ArchiveReader resolves tiles out of a single archive on a Bucket,
// holding the decompressed pyramid buffer for its lifetime and an LRU of
// fragments. Grounded structurally on pmtiles/server.go's Server and
// pmtiles/loop.go's Loop: a cache plus a pending-fetch map plus an LRU, but
// realized as a direct call/return API (singleflight + sync.Mutex)
// instead of a channel-owning goroutine, since ArchiveReader has no HTTP
// handler loop of its own to piggyback on.
type ArchiveReader struct {
	bucket Bucket
	key    string

	header   Header
	metadata Metadata
	geometry *IndexGeometry

	pyramid []byte // decompressed, held for the reader's lifetime

	mu        sync.Mutex
	cache     map[uint64]*list.Element // fragmentStartOffset -> element
	evictList *list.List

	fetchGroup singleflight.Group // dedupes concurrent bootstrap and fragment fetches

	dispatcher *BatchDispatcher
	metrics    *Metrics
}

// SetMetrics attaches a Metrics collector; subsequent fragment cache
// lookups and fragment fetches from the bucket are recorded against it. Optional — a nil *Metrics is a
// no-op, so library use outside cmd/comtiles-serve pays no cost.
func (r *ArchiveReader) SetMetrics(m *Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Metadata returns the archive's bootstrapped Metadata document, triggering
// the header fetch first if this reader was created lazily.
func (r *ArchiveReader) Metadata(ctx context.Context) (Metadata, error) {
	if err := r.ensureBootstrapped(ctx); err != nil {
		return Metadata{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metadata, nil
}

type fragmentCacheEntry struct {
	startOffset uint64
	bytes       []byte
}

// NewArchiveReader performs the header bootstrap (spec §4.4) and returns a
// ready-to-use reader. Equivalent to the spec's create(url): it prefetches
// header+metadata+pyramid eagerly in one range request.
func NewArchiveReader(ctx context.Context, bucket Bucket, key string) (*ArchiveReader, error) {
	return newArchiveReader(ctx, bucket, key, true)
}

// NewLazyArchiveReader defers the header bootstrap until the first GetTile
// call, matching the spec's createLazy(url).
func NewLazyArchiveReader(bucket Bucket, key string) *ArchiveReader {
	r := &ArchiveReader{bucket: bucket, key: key, cache: map[uint64]*list.Element{}, evictList: list.New()}
	return r
}

func newArchiveReader(ctx context.Context, bucket Bucket, key string, eager bool) (*ArchiveReader, error) {
	r := &ArchiveReader{bucket: bucket, key: key, cache: map[uint64]*list.Element{}, evictList: list.New()}
	if eager {
		if err := r.bootstrap(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *ArchiveReader) ensureBootstrapped(ctx context.Context) error {
	r.mu.Lock()
	done := r.geometry != nil
	r.mu.Unlock()
	if done {
		return nil
	}
	// singleflight collapses concurrent first-tile requests into one
	// header fetch, per spec §5's "header initialization is idempotent".
	_, err, _ := r.fetchGroup.Do("__bootstrap__", func() (interface{}, error) {
		r.mu.Lock()
		already := r.geometry != nil
		r.mu.Unlock()
		if already {
			return nil, nil
		}
		return nil, r.bootstrap(ctx)
	})
	return err
}

func (r *ArchiveReader) bootstrap(ctx context.Context) error {
	rc, err := r.bucket.NewRangeReader(ctx, r.key, 0, initialChunkSize)
	if err != nil {
		return fmt.Errorf("comtiles: fetching initial chunk: %w", err)
	}
	defer rc.Close()
	chunk, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("comtiles: reading initial chunk: %w", err)
	}

	header, err := DeserializeHeader(chunk)
	if err != nil {
		return err
	}
	metaStart := uint64(headerLenBytes)
	metaEnd := metaStart + uint64(header.MetaLen)
	if metaEnd > uint64(len(chunk)) {
		return fmt.Errorf("comtiles: metadata extends beyond initial chunk: %w", ErrPyramidTruncated)
	}
	metadata, err := DeserializeMetadata(chunk[metaStart:metaEnd])
	if err != nil {
		return err
	}
	geometry, err := NewIndexGeometry(metadata.TileMatrixSet)
	if err != nil {
		return err
	}

	pyramidStart := metaEnd
	pyramidEnd := pyramidStart + uint64(header.PyramidLen)
	if pyramidEnd > uint64(len(chunk)) {
		return ErrPyramidTruncated
	}
	pyramid, err := decompressZlib(chunk[pyramidStart:pyramidEnd])
	if err != nil {
		return fmt.Errorf("comtiles: decompressing pyramid: %w", err)
	}
	if uint64(len(pyramid)) != 3*geometry.NumPyramidTiles() {
		return fmt.Errorf("comtiles: pyramid length %d != expected %d", len(pyramid), 3*geometry.NumPyramidTiles())
	}

	r.mu.Lock()
	r.header = header
	r.metadata = metadata
	r.geometry = geometry
	r.pyramid = pyramid
	r.mu.Unlock()
	return nil
}

func decompressZlib(buf []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// GetTile resolves an XYZ tile address into its gunzipped payload, or nil
// if the tile is out of range or missing. Implements spec §4.4's
// getTile(xyz, cancel).
func (r *ArchiveReader) GetTile(ctx context.Context, z uint8, x, y uint32) ([]byte, error) {
	if err := r.ensureBootstrapped(ctx); err != nil {
		return nil, err
	}
	tmsY := (uint32(1) << z) - y - 1

	offset, size, err := r.resolveTileOffsetAndSize(ctx, z, x, tmsY)
	if err != nil {
		if err == ErrOutOfRange {
			return nil, nil
		}
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	return r.fetchTilePayload(ctx, offset, size)
}

// GetTileBatched behaves like GetTile but routes the final data fetch
// through the reader's BatchDispatcher, coalescing it with other tile
// reads arriving within throttleMs. Implements getTileWithBatchRequest.
func (r *ArchiveReader) GetTileBatched(ctx context.Context, z uint8, x, y uint32) ([]byte, error) {
	if err := r.ensureBootstrapped(ctx); err != nil {
		return nil, err
	}
	if r.dispatcher == nil {
		return nil, fmt.Errorf("comtiles: no BatchDispatcher configured; call EnableBatching first")
	}
	tmsY := (uint32(1) << z) - y - 1

	offset, size, err := r.resolveTileOffsetAndSize(ctx, z, x, tmsY)
	if err != nil {
		if err == ErrOutOfRange {
			return nil, nil
		}
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	dataOffset := r.dataSectionStart()
	gz, err := r.dispatcher.Fetch(ctx, Range{Offset: dataOffset + offset, Length: uint64(size)})
	if err != nil {
		return nil, err
	}
	return gunzip(gz)
}

// EnableBatching installs a BatchDispatcher with the given coalescing
// window, backed by this reader's Bucket.
func (r *ArchiveReader) EnableBatching(throttleMs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatcher = NewBatchDispatcher(r.bucket, r.key, throttleMs)
}

func (r *ArchiveReader) dataSectionStart() uint64 {
	return uint64(headerLenBytes) + uint64(r.header.MetaLen) + uint64(r.header.PyramidLen) + r.header.FragmentLen
}

// resolveTileOffsetAndSize implements spec §4.4 steps 1-5 minus the final
// payload fetch.
func (r *ArchiveReader) resolveTileOffsetAndSize(ctx context.Context, z uint8, x, y uint32) (offset uint64, size uint32, err error) {
	r.mu.Lock()
	geometry := r.geometry
	metadata := r.metadata
	header := r.header
	pyramid := r.pyramid
	r.mu.Unlock()

	m, ok := metadata.TileMatrixSet.Matrix(z)
	if !ok || !m.TileMatrixLimits.contains(x, y) {
		return 0, 0, ErrOutOfRange
	}

	indexOffset, err := geometry.OffsetInIndex(z, x, y)
	if err != nil {
		return 0, 0, err
	}

	if m.isPyramid() {
		size = readU24LE(pyramid, int(indexOffset))
		var off uint64
		for i := 0; i < int(indexOffset); i += 3 {
			off += uint64(readU24LE(pyramid, i))
		}
		return off, size, nil
	}

	fragRange, err := geometry.FragmentRangeForTile(z, x, y, uint64(header.MetaLen), uint64(header.PyramidLen))
	if err != nil {
		return 0, 0, err
	}
	fragment, err := r.getFragment(ctx, fragRange)
	if err != nil {
		return 0, 0, err
	}

	sfb, err := geometry.SparseFragmentBounds(z, x, y)
	if err != nil {
		return 0, 0, err
	}
	fragmentFirstTileIndex, err := geometry.OffsetInIndex(z, sfb.MinCol, sfb.MinRow)
	if err != nil {
		return 0, 0, err
	}
	// relativeFragmentOffset fixes spec §9's hard-coded-zero bug: it is
	// derived from the fragment's sparse bounds, not assumed to be 0.
	relativeFragmentOffset := int(indexOffset-fragmentFirstTileIndex) / 3

	baseOffset := readU40LE(fragment, 0)
	var sum uint64
	for i := 0; i < relativeFragmentOffset; i++ {
		sum += uint64(readU24LE(fragment, 5+3*i))
	}
	size = readU24LE(fragment, 5+3*relativeFragmentOffset)
	return baseOffset + sum, size, nil
}

func (r *ArchiveReader) getFragment(ctx context.Context, fr FragmentRange) ([]byte, error) {
	r.mu.Lock()
	metrics := r.metrics
	if el, ok := r.cache[fr.StartOffset]; ok {
		r.evictList.MoveToFront(el)
		entry := el.Value.(*fragmentCacheEntry)
		r.mu.Unlock()
		metrics.cacheRequest(true)
		return entry.bytes, nil
	}
	r.mu.Unlock()
	metrics.cacheRequest(false)

	key := fmt.Sprintf("fragment:%d", fr.StartOffset)
	v, err, _ := r.fetchGroup.Do(key, func() (interface{}, error) {
		tracker := metrics.startBucketRequest("fragment")
		rc, err := r.bucket.NewRangeReader(ctx, r.key, int64(fr.StartOffset), int64(fr.EndOffset-fr.StartOffset))
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		buf, err := io.ReadAll(rc)
		tracker.finish()
		if err != nil {
			return nil, err
		}
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	buf := v.([]byte)

	r.mu.Lock()
	entry := &fragmentCacheEntry{startOffset: fr.StartOffset, bytes: buf}
	el := r.evictList.PushFront(entry)
	r.cache[fr.StartOffset] = el
	for r.evictList.Len() > fragmentCacheSize {
		back := r.evictList.Back()
		if back == nil {
			break
		}
		r.evictList.Remove(back)
		delete(r.cache, back.Value.(*fragmentCacheEntry).startOffset)
	}
	lruLen := r.evictList.Len()
	r.mu.Unlock()
	if metrics != nil {
		metrics.FragmentLRU.Set(float64(lruLen))
	}

	return buf, nil
}

func (r *ArchiveReader) fetchTilePayload(ctx context.Context, offset uint64, size uint32) ([]byte, error) {
	dataOffset := r.dataSectionStart()
	rc, err := r.bucket.NewRangeReader(ctx, r.key, int64(dataOffset+offset), int64(size))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return gunzip(buf)
}

func gunzip(buf []byte) ([]byte, error) {
	if !isGzipped(buf) {
		return buf, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
