package comtiles

import "context"

// TileRecord is one entry of the row-major stream ArchiveWriter consumes:
// a tile address, its payload size, and the fragment it belongs to (-1 for
// pyramid-zone tiles, which have no fragment). Size == 0 marks a missing
// tile (padding); its payload is never read.
type TileRecord struct {
	Zoom          uint8
	Col, Row      uint32
	Size          uint32
	FragmentIndex int64
}

// TileProvider is the external collaborator spec §1 keeps out of the core's
// scope: something that can stream tile records in row-major order and
// hand back payload bytes for the present ones. mbtilesource.Source is the
// one concrete implementation in this repository.
type TileProvider interface {
	// Records streams every tile address's record in row-major order,
	// including size == 0 placeholders for missing tiles.
	Records(ctx context.Context) (<-chan TileRecord, <-chan error)
	// Payload returns the stored bytes for a present tile. Never called
	// for a record with Size == 0.
	Payload(ctx context.Context, rec TileRecord) ([]byte, error)
}
