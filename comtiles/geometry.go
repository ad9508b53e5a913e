package comtiles

// IndexGeometry is the pure arithmetic engine shared between ArchiveWriter
// and ArchiveReader: it maps a tile address to its byte offset inside the
// decompressed index, and to the absolute byte range of the fragment that
// holds it. It never performs I/O and carries no mutable state beyond the
// TileMatrixSet it was built from.
type IndexGeometry struct {
	tms TileMatrixSet
}

// NewIndexGeometry validates the CRS and ordering declarations and returns
// an IndexGeometry over tms. Only WebMercatorQuad and RowMajor (or unset,
// which defaults to RowMajor) are accepted.
func NewIndexGeometry(tms TileMatrixSet) (*IndexGeometry, error) {
	if tms.CRS != "WebMercatorQuad" {
		return nil, ErrUnsupportedCRS
	}
	if tms.FragmentOrdering != "" && tms.FragmentOrdering != "RowMajor" {
		return nil, ErrUnsupportedOrdering
	}
	if tms.TileOrdering != "" && tms.TileOrdering != "RowMajor" {
		return nil, ErrUnsupportedOrdering
	}
	return &IndexGeometry{tms: tms}, nil
}

// FragmentBounds is an inclusive tile-coordinate rectangle.
type FragmentBounds struct {
	MinCol, MinRow, MaxCol, MaxRow uint32
}

func (b FragmentBounds) numTiles() uint64 {
	return uint64(b.MaxCol-b.MinCol+1) * uint64(b.MaxRow-b.MinRow+1)
}

// denseFragmentBounds returns the F-aligned fragment cell at fragment
// coordinates (fc, fr), before intersecting it with any zoom's
// tileMatrixLimits.
func denseFragmentBounds(fc, fr, F uint32) FragmentBounds {
	return FragmentBounds{MinCol: fc * F, MinRow: fr * F, MaxCol: fc*F + F - 1, MaxRow: fr*F + F - 1}
}

// DenseFragmentBounds returns the fragment cell containing (x, y) at zoom z,
// before intersecting it with the zoom's tileMatrixLimits.
func (g *IndexGeometry) DenseFragmentBounds(z uint8, x, y uint32) (FragmentBounds, error) {
	m, ok := g.tms.Matrix(z)
	if !ok || m.isPyramid() {
		return FragmentBounds{}, ErrOutOfRange
	}
	F := m.fragmentSide()
	return denseFragmentBounds(x/F, y/F, F), nil
}

func sparseFragmentBounds(dense FragmentBounds, limit TileMatrixLimits) FragmentBounds {
	return FragmentBounds{
		MinCol: maxU32(dense.MinCol, limit.MinTileCol),
		MinRow: maxU32(dense.MinRow, limit.MinTileRow),
		MaxCol: minU32(dense.MaxCol, limit.MaxTileCol),
		MaxRow: minU32(dense.MaxRow, limit.MaxTileRow),
	}
}

// SparseFragmentBounds intersects the dense fragment cell containing (x, y)
// with the zoom's tileMatrixLimits.
func (g *IndexGeometry) SparseFragmentBounds(z uint8, x, y uint32) (FragmentBounds, error) {
	m, ok := g.tms.Matrix(z)
	if !ok || m.isPyramid() {
		return FragmentBounds{}, ErrOutOfRange
	}
	dense, err := g.DenseFragmentBounds(z, x, y)
	if err != nil {
		return FragmentBounds{}, err
	}
	return sparseFragmentBounds(dense, m.TileMatrixLimits), nil
}

func entriesBeforeFragment(sfb FragmentBounds, limit TileMatrixLimits) uint64 {
	leftBefore := uint64(sfb.MinCol-limit.MinTileCol) * uint64(sfb.MaxRow-limit.MinTileRow+1)
	belowBefore := uint64(limit.MaxTileCol-sfb.MinCol+1) * uint64(sfb.MinRow-limit.MinTileRow)
	return leftBefore + belowBefore
}

// numFragmentsPerZoom counts the distinct fragment cells touched by the
// zoom's tileMatrixLimits.
func numFragmentsPerZoom(m TileMatrix) uint64 {
	F := m.fragmentSide()
	lim := m.TileMatrixLimits
	fcMin, fcMax := lim.MinTileCol/F, lim.MaxTileCol/F
	frMin, frMax := lim.MinTileRow/F, lim.MaxTileRow/F
	return uint64(fcMax-fcMin+1) * uint64(frMax-frMin+1)
}

// numFragmentsBefore counts fragment cells in fragment-rows below, and to
// the left within the same fragment-row, of the fragment containing (x, y).
// This is algebraically the standard row-major fragment index
// (fr-frMin)*numFragCols + (fc-fcMin); see DESIGN.md for the derivation
// that resolves the "minus one" left unresolved by spec §9.
func numFragmentsBefore(m TileMatrix, x, y uint32) uint64 {
	F := m.fragmentSide()
	lim := m.TileMatrixLimits
	fcMin, fcMax := lim.MinTileCol/F, lim.MaxTileCol/F
	frMin := lim.MinTileRow / F
	fc, fr := x/F, y/F
	leftBefore := uint64(fc-fcMin) * uint64(fr-frMin+1)
	belowBefore := uint64(fcMax-fc+1) * uint64(fr-frMin)
	return leftBefore + belowBefore
}

// OffsetInIndex returns the byte offset of (z, x, y)'s 3-byte tile-size
// entry within the decompressed index (pyramid ∪ fragments, not counting
// the 5-byte fragment prefixes).
func (g *IndexGeometry) OffsetInIndex(z uint8, x, y uint32) (uint64, error) {
	target, ok := g.tms.Matrix(z)
	if !ok || !target.TileMatrixLimits.contains(x, y) {
		return 0, ErrOutOfRange
	}

	var offset uint64
	for _, m := range g.tms.TileMatrices {
		switch {
		case m.Zoom < z:
			offset += m.TileMatrixLimits.numTiles() * 3
		case m.Zoom == z:
			if m.isPyramid() {
				lim := m.TileMatrixLimits
				local := uint64(y-lim.MinTileRow)*(uint64(lim.MaxTileCol-lim.MinTileCol)+1) + uint64(x-lim.MinTileCol)
				offset += local * 3
			} else {
				dense, _ := g.DenseFragmentBounds(z, x, y)
				sfb := sparseFragmentBounds(dense, m.TileMatrixLimits)
				fragWidth := uint64(sfb.MaxCol-sfb.MinCol) + 1
				local := uint64(y-sfb.MinRow)*fragWidth + uint64(x-sfb.MinCol)
				offset += (entriesBeforeFragment(sfb, m.TileMatrixLimits) + local) * 3
			}
		}
	}
	return offset, nil
}

// FragmentRange is the absolute, archive-wide byte range of one fragment
// index entry, plus its position among all fragments of the archive
// (fragments of earlier fragmented zooms are counted first).
type FragmentRange struct {
	FragmentIndex uint64
	StartOffset   uint64
	EndOffset     uint64
}

// FragmentRangeForTile returns the absolute byte range of the fragment
// containing (z, x, y). metadataLen and pyramidLen are the archive's
// metadata byte length and compressed pyramid byte length; together with
// the fixed 24-byte header they translate the fragment-index-relative
// offset into an absolute one.
// Pyramid-zoom tiles have no fragment and return the zero value.
func (g *IndexGeometry) FragmentRangeForTile(z uint8, x, y uint32, metadataLen, pyramidLen uint64) (FragmentRange, error) {
	target, ok := g.tms.Matrix(z)
	if !ok {
		return FragmentRange{}, ErrOutOfRange
	}
	if !target.TileMatrixLimits.contains(x, y) {
		return FragmentRange{}, ErrOutOfRange
	}
	if target.isPyramid() {
		return FragmentRange{}, nil
	}

	var fragmentIndex, startOffset uint64
	for _, m := range g.tms.TileMatrices {
		if m.isPyramid() {
			continue
		}
		if m.Zoom < z {
			nFrag := numFragmentsPerZoom(m)
			fragmentIndex += nFrag
			startOffset += nFrag*5 + m.TileMatrixLimits.numTiles()*3
			continue
		}
		if m.Zoom == z {
			sfb := sparseFragmentBounds(mustDense(m, x, y), m.TileMatrixLimits)
			nBefore := numFragmentsBefore(m, x, y)
			entriesBefore := entriesBeforeFragment(sfb, m.TileMatrixLimits)
			entriesInFrag := sfb.numTiles()

			fragmentIndex += nBefore
			startOffset += nBefore*5 + entriesBefore*3 + headerLenBytes + metadataLen + pyramidLen
			endOffset := startOffset + entriesInFrag*3 + 5
			return FragmentRange{FragmentIndex: fragmentIndex, StartOffset: startOffset, EndOffset: endOffset}, nil
		}
	}
	return FragmentRange{}, ErrOutOfRange
}

func mustDense(m TileMatrix, x, y uint32) FragmentBounds {
	F := m.fragmentSide()
	return denseFragmentBounds(x/F, y/F, F)
}

// NumPyramidTiles sums numTiles(z) over all pyramid zooms, the quantity
// spec §3 invariant 2 pins the decompressed pyramid length to (×3).
func (g *IndexGeometry) NumPyramidTiles() uint64 {
	var total uint64
	for _, m := range g.tms.TileMatrices {
		if m.isPyramid() {
			total += m.TileMatrixLimits.numTiles()
		}
	}
	return total
}

// TotalAddressCount sums numTiles(z) over every zoom, pyramid and
// fragmented alike — the total number of TileRecord values a conforming
// TileProvider streams, used to size a progress bar.
func (g *IndexGeometry) TotalAddressCount() uint64 {
	var total uint64
	for _, m := range g.tms.TileMatrices {
		total += m.TileMatrixLimits.numTiles()
	}
	return total
}

// RowMajorIterator enumerates every (z, x, y) address of a TileMatrixSet,
// lifting all state from the TileMatrixSet alone so a walk can be
// restarted at any zoom boundary. Pyramid zooms are walked in plain raster
// row-major order. Fragmented zooms are walked fragment-by-fragment in
// row-major fragment order, and row-major by tile within each fragment —
// spec §3 invariant 5 — because OffsetInIndex's fragmented branch groups
// a fragmented zoom's index entries by fragment block, not by raster
// position; ArchiveWriter.writeFragments depends on receiving records in
// that same order to detect fragment boundaries and compute padding.
type RowMajorIterator struct {
	matrices []TileMatrix
	mi       int
	started  bool

	// pyramid-zoom raster state
	x, y uint32

	// fragmented-zoom state
	frag *fragmentWalk
}

// fragmentWalk walks one fragmented zoom's tile addresses fragment-major:
// fragment cells in row-major fragment order, tiles within each fragment
// in row-major order, matching numFragmentsBefore/entriesBeforeFragment.
type fragmentWalk struct {
	lim                        TileMatrixLimits
	F                          uint32
	fcMin, fcMax, frMin, frMax uint32
	fc, fr                     uint32
	sfb                        FragmentBounds
	x, y                       uint32
	done                       bool
}

func newFragmentWalk(m TileMatrix) *fragmentWalk {
	F := m.fragmentSide()
	lim := m.TileMatrixLimits
	fw := &fragmentWalk{
		lim:   lim,
		F:     F,
		fcMin: lim.MinTileCol / F, fcMax: lim.MaxTileCol / F,
		frMin: lim.MinTileRow / F, frMax: lim.MaxTileRow / F,
	}
	fw.fc, fw.fr = fw.fcMin, fw.frMin
	fw.enterFragment()
	return fw
}

func (fw *fragmentWalk) enterFragment() {
	dense := denseFragmentBounds(fw.fc, fw.fr, fw.F)
	fw.sfb = sparseFragmentBounds(dense, fw.lim)
	fw.x, fw.y = fw.sfb.MinCol, fw.sfb.MinRow
}

// next returns the next (x, y) within this zoom's fragmented address
// space, or ok == false once every fragment has been walked.
func (fw *fragmentWalk) next() (x, y uint32, ok bool) {
	if fw.done {
		return 0, 0, false
	}
	x, y = fw.x, fw.y

	fw.x++
	if fw.x > fw.sfb.MaxCol {
		fw.x = fw.sfb.MinCol
		fw.y++
		if fw.y > fw.sfb.MaxRow {
			fw.fc++
			if fw.fc > fw.fcMax {
				fw.fc = fw.fcMin
				fw.fr++
			}
			if fw.fr > fw.frMax {
				fw.done = true
			} else {
				fw.enterFragment()
			}
		}
	}
	return x, y, true
}

// NewRowMajorIterator starts (or resumes, via fromZoom) a walk.
func NewRowMajorIterator(tms TileMatrixSet, fromZoom uint8) *RowMajorIterator {
	it := &RowMajorIterator{matrices: tms.TileMatrices}
	for i, m := range it.matrices {
		if m.Zoom == fromZoom {
			it.mi = i
			break
		}
	}
	return it
}

// Next returns the next (zoom, x, y) address, or ok == false once every
// zoom has been exhausted.
func (it *RowMajorIterator) Next() (z uint8, x, y uint32, ok bool) {
	for it.mi < len(it.matrices) {
		m := it.matrices[it.mi]

		if m.isPyramid() {
			lim := m.TileMatrixLimits
			if !it.started {
				it.x, it.y = lim.MinTileCol, lim.MinTileRow
				it.started = true
			}
			if it.y > lim.MaxTileRow {
				it.mi++
				it.started = false
				continue
			}
			z, x, y = m.Zoom, it.x, it.y
			it.x++
			if it.x > lim.MaxTileCol {
				it.x = lim.MinTileCol
				it.y++
			}
			return z, x, y, true
		}

		if it.frag == nil {
			it.frag = newFragmentWalk(m)
		}
		fx, fy, ok := it.frag.next()
		if !ok {
			it.mi++
			it.frag = nil
			continue
		}
		return m.Zoom, fx, fy, true
	}
	return 0, 0, 0, false
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
