package comtiles

import "errors"

// Sentinel errors from spec §7's error table. Callers should compare with
// errors.Is; call sites wrap these with fmt.Errorf("...: %w", ...) for
// context the way pmtiles/bucket.go wraps RefreshRequiredError.
var (
	ErrOutOfRange           = errors.New("comtiles: tile outside tile matrix limits")
	ErrUnsupportedVersion   = errors.New("comtiles: unsupported archive version")
	ErrUnsupportedCRS       = errors.New("comtiles: unsupported tile matrix CRS")
	ErrUnsupportedOrdering  = errors.New("comtiles: unsupported fragment or tile ordering")
	ErrUnsupportedTileFormat = errors.New("comtiles: unsupported tile format")
	ErrPyramidTruncated     = errors.New("comtiles: pyramid index extends beyond initial chunk")
	ErrTileTooLarge         = errors.New("comtiles: tile payload exceeds 2^20-1 bytes")
	ErrOffsetOverflow       = errors.New("comtiles: data section offset exceeds 2^40-1")
	ErrBadMagic             = errors.New("comtiles: bad archive magic")
	ErrCancelled            = errors.New("comtiles: operation cancelled")
	ErrNotGzipped           = errors.New("comtiles: tile payload is not gzip-compressed")
)
