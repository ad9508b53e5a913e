// Package mbtilesource adapts an MBTiles SQLite database into a
// comtiles.TileProvider, so cmd/comtiles-convert has something to convert
// from. Grounded on pmtiles/convert.go's ConvertMbtiles (metadata table
// read, two-pass tile walk) and on the metadata-table parsing in
// other_examples' tarkov-database-tileserver mbtiles.go reader.
//
// Records derives TileRecord.Size from the stored tile_data blob's raw
// byte length, not from re-reading and possibly re-compressing it, so
// Payload must return those exact bytes unchanged: the source MBTiles
// database is required to already store gzip-compressed pbf tiles, the
// near-universal convention for vector tile MBTiles. A tile that isn't
// already gzipped fails Payload with comtiles.ErrNotGzipped rather than
// silently drifting from the size already committed to the index.
package mbtilesource

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"zombiezen.com/go/sqlite"

	"github.com/comtiles/go-comtiles/comtiles"
)

// Source reads tiles and metadata out of an MBTiles database, yielding
// records in comtiles.NewRowMajorIterator order.
type Source struct {
	conn *sqlite.Conn

	pyramidMaxZoom int
	maxZoomDbQuery int
	fragmentCoeff  int // aggregationCoefficient used for every fragmented zoom

	tileFormat string
	minZoom    uint8
	maxZoom    uint8
	bounds     bounds
}

type bounds struct {
	minLon, minLat, maxLon, maxLat float64
}

// Option configures Open.
type Option func(*Source)

// WithPyramidMaxZoom sets the highest zoom kept in the pyramid zone;
// zooms above it are fragmented. Matches -z/--pyramidMaxZoom (default 7).
func WithPyramidMaxZoom(z int) Option { return func(s *Source) { s.pyramidMaxZoom = z } }

// WithFragmentCoefficient sets log2(fragment side length) for fragmented
// zooms. Defaults to 3 (64 tiles per fragment), the size used by spec §8's
// worked scenarios.
func WithFragmentCoefficient(coeff int) Option { return func(s *Source) { s.fragmentCoeff = coeff } }

// WithMaxZoomDbQuery sets the zoom threshold below which Records queries
// the tiles table one tile at a time, and at or above which it prefetches
// an entire zoom's populated tiles with a single bulk query before
// replaying them in row-major order. Matches -m/--maxZoomDbQuery
// (default 8): higher zooms have far more addresses than populated rows,
// so a per-zoom bulk query avoids one round trip per empty tile.
func WithMaxZoomDbQuery(z int) Option { return func(s *Source) { s.maxZoomDbQuery = z } }

// Open opens path read-only and reads its metadata table.
func Open(path string, opts ...Option) (*Source, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		return nil, fmt.Errorf("mbtilesource: opening %s: %w", path, err)
	}
	s := &Source{conn: conn, pyramidMaxZoom: 7, maxZoomDbQuery: 8, fragmentCoeff: 3, tileFormat: "pbf"}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.readMetadata(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Source) Close() error { return s.conn.Close() }

func (s *Source) readMetadata() error {
	stmt, _, err := s.conn.PrepareTransient("SELECT name, value FROM metadata")
	if err != nil {
		return fmt.Errorf("mbtilesource: preparing metadata query: %w", err)
	}
	defer stmt.Finalize()

	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return fmt.Errorf("mbtilesource: reading metadata row: %w", err)
		}
		if !hasRow {
			break
		}
		switch name, value := stmt.ColumnText(0), stmt.ColumnText(1); name {
		case "format":
			s.tileFormat = mbtilesFormatToComtiles(value)
		case "minzoom":
			if z, err := strconv.ParseUint(value, 10, 8); err == nil {
				s.minZoom = uint8(z)
			}
		case "maxzoom":
			if z, err := strconv.ParseUint(value, 10, 8); err == nil {
				s.maxZoom = uint8(z)
			}
		case "bounds":
			if b, err := parseBounds(value); err == nil {
				s.bounds = b
			}
		}
	}
	if s.bounds == (bounds{}) {
		s.bounds = bounds{minLon: -180, minLat: -85.0511, maxLon: 180, maxLat: 85.0511}
	}
	return nil
}

func mbtilesFormatToComtiles(mbtilesFormat string) string {
	if mbtilesFormat == "pbf" {
		return "pbf"
	}
	return mbtilesFormat
}

func parseBounds(value string) (bounds, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return bounds{}, fmt.Errorf("mbtilesource: malformed bounds %q", value)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return bounds{}, err
		}
		vals[i] = v
	}
	return bounds{minLon: vals[0], minLat: vals[1], maxLon: vals[2], maxLat: vals[3]}, nil
}

// lonLatToTile converts a WebMercatorQuad lon/lat to the XYZ tile
// containing it at zoom z (standard slippy-map formula).
func lonLatToTile(lon, lat float64, z uint8) (x, y uint32) {
	n := math.Exp2(float64(z))
	x = uint32(clamp((lon+180)/360*n, 0, n-1))
	latRad := lat * math.Pi / 180
	y = uint32(clamp((1-math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi)/2*n, 0, n-1))
	return x, y
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TileMatrixSet builds the comtiles.TileMatrixSet this source will produce
// records for: every zoom from 0 to maxZoom, limits derived from the
// MBTiles bounds, row-major ordering, WebMercatorQuad CRS.
func (s *Source) TileMatrixSet() comtiles.TileMatrixSet {
	var matrices []comtiles.TileMatrix
	for z := uint8(0); z <= s.maxZoom; z++ {
		minX, minY := lonLatToTile(s.bounds.minLon, s.bounds.maxLat, z) // TMS y: south-origin, max lat -> min row
		maxX, maxY := lonLatToTile(s.bounds.maxLon, s.bounds.minLat, z)
		limits := comtiles.TileMatrixLimits{MinTileCol: minX, MinTileRow: minY, MaxTileCol: maxX, MaxTileRow: maxY}

		coeff := -1
		if z > uint8(s.pyramidMaxZoom) {
			coeff = s.fragmentCoeff
		}
		matrices = append(matrices, comtiles.TileMatrix{Zoom: z, AggregationCoefficient: coeff, TileMatrixLimits: limits})
	}
	return comtiles.TileMatrixSet{CRS: "WebMercatorQuad", FragmentOrdering: "RowMajor", TileOrdering: "RowMajor", TileMatrices: matrices}
}

// Metadata builds the full metadata document, including the TileMatrixSet.
func (s *Source) Metadata() comtiles.Metadata {
	return comtiles.Metadata{
		TileFormat:     s.tileFormat,
		PyramidMaxZoom: uint8(s.pyramidMaxZoom),
		TileMatrixSet:  s.TileMatrixSet(),
	}
}

func fragmentIndexFor(tms comtiles.TileMatrixSet, z uint8, x, y uint32, coeff int) int64 {
	if coeff == -1 {
		return -1
	}
	m, ok := tms.Matrix(z)
	if !ok {
		return -1
	}
	F := uint32(1) << uint(coeff)
	fcMin := m.TileMatrixLimits.MinTileCol / F
	fcMax := m.TileMatrixLimits.MaxTileCol / F
	frMin := m.TileMatrixLimits.MinTileRow / F
	fc, fr := x/F, y/F
	numFragCols := int64(fcMax-fcMin) + 1
	var before int64
	for _, o := range tms.TileMatrices {
		if o.Zoom >= z || o.AggregationCoefficient == -1 {
			continue
		}
		oF := uint32(1) << uint(o.AggregationCoefficient)
		l := o.TileMatrixLimits
		before += int64(l.MaxTileCol/oF-l.MinTileCol/oF+1) * int64(l.MaxTileRow/oF-l.MinTileRow/oF+1)
	}
	return before + int64(fr-frMin)*numFragCols + int64(fc-fcMin)
}

// Records implements comtiles.TileProvider: it walks every (z, x, y) of
// the derived TileMatrixSet in row-major order via
// comtiles.NewRowMajorIterator, filling in each address's size from the
// MBTiles tiles table (0 if absent) so missing-tile padding (spec §3
// invariant 4) is explicit. For zooms below maxZoomDbQuery it queries one
// tile at a time, the way pmtiles/convert.go's Pass 2 does; at or above
// it, it prefetches the whole zoom's populated tiles with one bulk query
// first (higher zooms are overwhelmingly sparse relative to their address
// space, so one round trip per populated tile beats one per address).
func (s *Source) Records(ctx context.Context) (<-chan comtiles.TileRecord, <-chan error) {
	out := make(chan comtiles.TileRecord, 256)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		tms := s.TileMatrixSet()
		perTile := s.conn.Prep("SELECT length(tile_data) FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
		defer perTile.Finalize()

		var zoomSizes map[[2]uint32]uint32
		var currentZoom uint8 = 255

		it := comtiles.NewRowMajorIterator(tms, 0)
		for {
			z, x, y, ok := it.Next()
			if !ok {
				break
			}
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			default:
			}

			bulk := int(z) >= s.maxZoomDbQuery
			var size uint32
			if bulk {
				if z != currentZoom {
					var err error
					zoomSizes, err = s.loadZoomSizes(z)
					if err != nil {
						errc <- err
						return
					}
					currentZoom = z
				}
				size = zoomSizes[[2]uint32{x, y}]
			} else {
				flippedY := (uint32(1) << z) - 1 - y
				perTile.BindInt64(1, int64(z))
				perTile.BindInt64(2, int64(x))
				perTile.BindInt64(3, int64(flippedY))
				hasRow, err := perTile.Step()
				if err != nil {
					errc <- fmt.Errorf("mbtilesource: querying tile (%d,%d,%d): %w", z, x, y, err)
					return
				}
				if hasRow {
					size = uint32(perTile.ColumnInt64(0))
				}
				perTile.Reset()
				perTile.ClearBindings()
			}

			m, _ := tms.Matrix(z)
			out <- comtiles.TileRecord{
				Zoom:          z,
				Col:           x,
				Row:           y,
				Size:          size,
				FragmentIndex: fragmentIndexFor(tms, z, x, y, m.AggregationCoefficient),
			}
		}
	}()

	return out, errc
}

// loadZoomSizes bulk-queries every populated tile's XYZ address and byte
// size for one zoom, keyed by (x, y) in XYZ (not TMS) coordinates.
func (s *Source) loadZoomSizes(z uint8) (map[[2]uint32]uint32, error) {
	stmt, _, err := s.conn.PrepareTransient("SELECT tile_column, tile_row, length(tile_data) FROM tiles WHERE zoom_level = ?")
	if err != nil {
		return nil, fmt.Errorf("mbtilesource: preparing zoom %d bulk query: %w", z, err)
	}
	defer stmt.Finalize()
	stmt.BindInt64(1, int64(z))

	sizes := map[[2]uint32]uint32{}
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("mbtilesource: reading zoom %d bulk query: %w", z, err)
		}
		if !hasRow {
			break
		}
		x := uint32(stmt.ColumnInt64(0))
		tmsY := uint32(stmt.ColumnInt64(1))
		y := (uint32(1) << z) - 1 - tmsY
		sizes[[2]uint32{x, y}] = uint32(stmt.ColumnInt64(2))
	}
	return sizes, nil
}

// Payload implements comtiles.TileProvider: fetches the stored tile bytes
// for a present record, converting XYZ back to the MBTiles TMS row.
func (s *Source) Payload(ctx context.Context, rec comtiles.TileRecord) ([]byte, error) {
	flippedY := (uint32(1) << rec.Zoom) - 1 - rec.Row
	stmt := s.conn.Prep("SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
	defer stmt.Reset()
	stmt.BindInt64(1, int64(rec.Zoom))
	stmt.BindInt64(2, int64(rec.Col))
	stmt.BindInt64(3, int64(flippedY))

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		return nil, fmt.Errorf("mbtilesource: tile (%d,%d,%d) vanished between Records and Payload", rec.Zoom, rec.Col, rec.Row)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(stmt.ColumnReader(0)); err != nil {
		return nil, err
	}
	payload, err := comtiles.RequireGzipped(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("mbtilesource: tile (%d,%d,%d): %w", rec.Zoom, rec.Col, rec.Row, err)
	}
	return payload, nil
}
