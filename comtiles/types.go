// Package comtiles implements the COMTiles archive format: index geometry,
// the streaming archive writer, and the caching range-request reader.
package comtiles

// TileMatrixLimits bounds the valid tile columns and rows of one zoom.
type TileMatrixLimits struct {
	MinTileCol uint32
	MinTileRow uint32
	MaxTileCol uint32
	MaxTileRow uint32
}

func (l TileMatrixLimits) contains(x, y uint32) bool {
	return x >= l.MinTileCol && x <= l.MaxTileCol && y >= l.MinTileRow && y <= l.MaxTileRow
}

func (l TileMatrixLimits) numTiles() uint64 {
	cols := uint64(l.MaxTileCol-l.MinTileCol) + 1
	rows := uint64(l.MaxTileRow-l.MinTileRow) + 1
	return cols * rows
}

// TileMatrix describes one zoom level: its extent and fragmentation policy.
// AggregationCoefficient == -1 marks a pyramid zoom; otherwise the fragment
// side length is 2^coeff tiles.
type TileMatrix struct {
	Zoom                   uint8            `json:"zoom"`
	AggregationCoefficient int              `json:"aggregationCoefficient"`
	TileMatrixLimits       TileMatrixLimits `json:"tileMatrixLimits"`
}

func (m TileMatrix) isPyramid() bool {
	return m.AggregationCoefficient == -1
}

func (m TileMatrix) fragmentSide() uint32 {
	return uint32(1) << uint(m.AggregationCoefficient)
}

// TileMatrixSet is the piece of the archive metadata document that
// IndexGeometry needs: the CRS, the ordering declarations, and the per-zoom
// tile matrices.
type TileMatrixSet struct {
	CRS              string       `json:"tileMatrixCRS"`
	FragmentOrdering string       `json:"fragmentOrdering,omitempty"`
	TileOrdering     string       `json:"tileOrdering,omitempty"`
	TileMatrices     []TileMatrix `json:"tileMatrices"`
}

func (s TileMatrixSet) Matrix(z uint8) (TileMatrix, bool) {
	for _, m := range s.TileMatrices {
		if m.Zoom == z {
			return m, true
		}
	}
	return TileMatrix{}, false
}

// Metadata is the full UTF-8 JSON document stored between the header and
// the pyramid index. Only the fields IndexGeometry/validation need are
// typed; everything else round-trips opaquely through Extra.
type Metadata struct {
	TileFormat    string        `json:"tileFormat"`
	PyramidMaxZoom uint8        `json:"pyramidMaxZoom"`
	TileMatrixSet TileMatrixSet `json:"tileMatrixSet"`
	Extra         map[string]interface{} `json:"-"`
}

// Range is an absolute, inclusive-start/exclusive-end byte range within the
// archive file, used for range-GET requests against a Bucket.
type Range struct {
	Offset uint64
	Length uint64
}

func (r Range) end() uint64 {
	if r.Length == 0 {
		return r.Offset
	}
	return r.Offset + r.Length - 1
}
