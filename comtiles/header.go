package comtiles

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

const (
	magic         = "COMT"
	formatVersion = uint32(1)
	headerLenBytes = 24
)

// Header is the 24-byte fixed prefix of a COMTiles archive. Mirrors the
// field layout and backpatch-after-write style of pmtiles'
// HeaderV3/SerializeHeader, generalized to COMTiles' own field set.
type Header struct {
	Version     uint32
	MetaLen     uint32
	PyramidLen  uint32
	FragmentLen uint64
}

// SerializeHeader writes the 24-byte header. Callers write this twice: once
// as a placeholder with zero length fields (ArchiveWriter step 1), and once more after
// seeking back to patch PyramidLen/FragmentLen (step 6).
func SerializeHeader(h Header) []byte {
	buf := make([]byte, headerLenBytes)
	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.MetaLen)
	binary.LittleEndian.PutUint32(buf[12:16], h.PyramidLen)
	binary.LittleEndian.PutUint64(buf[16:24], h.FragmentLen)
	return buf
}

// DeserializeHeader parses and validates the fixed 24-byte prefix. Returns
// ErrBadMagic / ErrUnsupportedVersion on a malformed or incompatible
// archive, per spec §7.
func DeserializeHeader(buf []byte) (Header, error) {
	if len(buf) < headerLenBytes {
		return Header{}, fmt.Errorf("comtiles: short header (%d bytes): %w", len(buf), ErrBadMagic)
	}
	if string(buf[0:4]) != magic {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Version:     binary.LittleEndian.Uint32(buf[4:8]),
		MetaLen:     binary.LittleEndian.Uint32(buf[8:12]),
		PyramidLen:  binary.LittleEndian.Uint32(buf[12:16]),
		FragmentLen: binary.LittleEndian.Uint64(buf[16:24]),
	}
	if h.Version != formatVersion {
		return Header{}, fmt.Errorf("comtiles: version %d: %w", h.Version, ErrUnsupportedVersion)
	}
	return h, nil
}

// MarshalJSON flattens Extra alongside the typed fields, the way
// pmtiles/directory.go's HeaderJson carries both well-known and
// pass-through fields in one document.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	for k, v := range m.Extra {
		out[k] = v
	}
	out["tileFormat"] = m.TileFormat
	out["pyramidMaxZoom"] = m.PyramidMaxZoom
	out["tileMatrixSet"] = m.TileMatrixSet
	return json.Marshal(out)
}

// UnmarshalJSON splits the typed fields back out of the document, leaving
// everything else in Extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	type typed struct {
		TileFormat     string        `json:"tileFormat"`
		PyramidMaxZoom uint8         `json:"pyramidMaxZoom"`
		TileMatrixSet  TileMatrixSet `json:"tileMatrixSet"`
	}
	var t typed
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	m.TileFormat = t.TileFormat
	m.PyramidMaxZoom = t.PyramidMaxZoom
	m.TileMatrixSet = t.TileMatrixSet
	delete(raw, "tileFormat")
	delete(raw, "pyramidMaxZoom")
	delete(raw, "tileMatrixSet")
	m.Extra = raw
	return nil
}

// SerializeMetadata encodes the metadata document as UTF-8 JSON.
func SerializeMetadata(m Metadata) ([]byte, error) {
	return json.Marshal(m)
}

// DeserializeMetadata decodes and validates the metadata document against
// spec §4.4's header-bootstrap requirements: tileFormat must be "pbf", and
// the embedded TileMatrixSet's CRS/orderings must be accepted by
// IndexGeometry.
func DeserializeMetadata(buf []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(buf, &m); err != nil {
		return Metadata{}, fmt.Errorf("comtiles: malformed metadata json: %w", err)
	}
	if m.TileFormat != "pbf" {
		return Metadata{}, fmt.Errorf("comtiles: tileFormat %q: %w", m.TileFormat, ErrUnsupportedTileFormat)
	}
	if _, err := NewIndexGeometry(m.TileMatrixSet); err != nil {
		return Metadata{}, err
	}
	return m, nil
}
