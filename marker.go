// Marker wire format: bit-exact, 8-byte aligned, CRC32-protected
// variable-size records. See spec.md §3 and §6.
package ledger

import (
	"encoding/binary"
	"hash/crc32"
)

// Marker type tags. These occupy the "type" field of the common
// header and are never reused across a file's lifetime.
const (
	TypeHeader   uint32 = 1 // first marker in every datafile
	TypeFooter   uint32 = 2 // last marker in a sealed datafile
	TypeDocument uint32 = 3
	TypeEdge     uint32 = 4
	TypeDeletion uint32 = 5
)

// commonHeaderSize is size(u32) + type(u32) + crc(u32) + tick(u64).
const commonHeaderSize = 4 + 4 + 4 + 8

// Offsets of the common header fields within any marker.
const (
	offSize = 0
	offType = 4
	offCRC  = 8
	offTick = 12
)

// headerMarkerBodySize is collection_id(u64) + version(u32).
const headerMarkerBodySize = 8 + 4

// documentPrefixSize is commonHeaderSize + did(u64) + rid(u64) +
// shape(u32) + bodyLen(u32). bodyLen is stored explicitly because the
// marker's own "size" field is rounded up to an 8-byte boundary and
// can no longer be used to recover the exact body length on decode.
const documentPrefixSize = commonHeaderSize + 8 + 8 + 4 + 4

// edgePrefixSize extends documentPrefixSize with four u64 collection/doc ids.
const edgePrefixSize = documentPrefixSize + 8*4

// deletionMarkerSize is commonHeaderSize + did(u64).
const deletionMarkerSize = commonHeaderSize + 8

// align8 rounds n up to the next multiple of 8.
func align8(n int) int {
	return (n + 7) &^ 7
}

// HeaderMarker is the first marker written to every datafile; it
// carries the collection id the file belongs to.
type HeaderMarker struct {
	Tick         Tick
	CollectionID uint64
	Version      uint32
}

// FooterMarker is appended once, when a datafile is sealed.
type FooterMarker struct {
	Tick Tick
}

// DocumentMarker is the current or historical content of a document.
type DocumentMarker struct {
	Tick    Tick
	DocID   Tick
	RevID   Tick
	ShapeID uint32
	Body    []byte
}

// EdgeMarker extends DocumentMarker with a from/to collection+document pair.
type EdgeMarker struct {
	Tick      Tick
	DocID     Tick
	RevID     Tick
	ShapeID   uint32
	FromCID   uint64
	FromDocID uint64
	ToCID     uint64
	ToDocID   uint64
	Body      []byte
}

// DeletionMarker tombstones a document id at a given tick.
type DeletionMarker struct {
	Tick  Tick
	DocID Tick
}

// encodeCommon writes the 20-byte common header into buf[0:20]. The
// CRC field is left zeroed; fillCRC computes it once the rest of buf
// has been populated.
func encodeCommon(buf []byte, size int, typ uint32, tick Tick) {
	binary.LittleEndian.PutUint32(buf[offSize:], uint32(size))
	binary.LittleEndian.PutUint32(buf[offType:], typ)
	binary.LittleEndian.PutUint32(buf[offCRC:], 0)
	binary.LittleEndian.PutUint64(buf[offTick:], uint64(tick))
}

// computeCRC computes the CRC32 (IEEE) of buf with the CRC field
// treated as zero, matching spec.md §3's "CRC of the full marker with
// the CRC field zeroed" rule. buf is restored before returning.
func computeCRC(buf []byte) uint32 {
	saved := binary.LittleEndian.Uint32(buf[offCRC:])
	binary.LittleEndian.PutUint32(buf[offCRC:], 0)
	crc := crc32.ChecksumIEEE(buf)
	binary.LittleEndian.PutUint32(buf[offCRC:], saved)
	return crc
}

// fillCRC computes buf's CRC (with the CRC field zeroed for the
// computation) and stores it back into the CRC field.
func fillCRC(buf []byte) {
	binary.LittleEndian.PutUint32(buf[offCRC:], 0)
	crc := crc32.ChecksumIEEE(buf)
	binary.LittleEndian.PutUint32(buf[offCRC:], crc)
}

// verifyCRC reports whether buf's stored CRC matches its content.
func verifyCRC(buf []byte) bool {
	if len(buf) < commonHeaderSize {
		return false
	}
	stored := binary.LittleEndian.Uint32(buf[offCRC:])
	return stored == computeCRC(buf)
}

func markerType(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf[offType:]) }
func markerSize(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf[offSize:]) }
func markerTick(buf []byte) Tick   { return Tick(binary.LittleEndian.Uint64(buf[offTick:])) }

// markerDocID extracts the document id out of a Document or Edge
// marker without decoding the rest of the body, for callers (the
// compactor, Verify) that only need identity, not content.
func markerDocID(buf []byte) (Tick, error) {
	switch markerType(buf) {
	case TypeDocument:
		m, err := DecodeDocumentMarker(buf)
		if err != nil {
			return 0, err
		}
		return m.DocID, nil
	case TypeEdge:
		m, err := DecodeEdgeMarker(buf)
		if err != nil {
			return 0, err
		}
		return m.DocID, nil
	default:
		return 0, ErrInvalidMarker
	}
}

// EncodeHeaderMarker serializes a HeaderMarker to its wire form.
func EncodeHeaderMarker(m HeaderMarker) []byte {
	raw := commonHeaderSize + headerMarkerBodySize
	size := align8(raw)
	buf := make([]byte, size)
	encodeCommon(buf, size, TypeHeader, m.Tick)
	binary.LittleEndian.PutUint64(buf[commonHeaderSize:], m.CollectionID)
	binary.LittleEndian.PutUint32(buf[commonHeaderSize+8:], m.Version)
	fillCRC(buf)
	return buf
}

// DecodeHeaderMarker parses a HeaderMarker from its wire form. The
// caller must have already verified the CRC via verifyCRC.
func DecodeHeaderMarker(buf []byte) (HeaderMarker, error) {
	if len(buf) < commonHeaderSize+headerMarkerBodySize || markerType(buf) != TypeHeader {
		return HeaderMarker{}, ErrInvalidMarker
	}
	return HeaderMarker{
		Tick:         markerTick(buf),
		CollectionID: binary.LittleEndian.Uint64(buf[commonHeaderSize:]),
		Version:      binary.LittleEndian.Uint32(buf[commonHeaderSize+8:]),
	}, nil
}

// EncodeFooterMarker serializes a FooterMarker to its wire form.
func EncodeFooterMarker(m FooterMarker) []byte {
	size := align8(commonHeaderSize)
	buf := make([]byte, size)
	encodeCommon(buf, size, TypeFooter, m.Tick)
	fillCRC(buf)
	return buf
}

// DecodeFooterMarker parses a FooterMarker from its wire form.
func DecodeFooterMarker(buf []byte) (FooterMarker, error) {
	if len(buf) < commonHeaderSize || markerType(buf) != TypeFooter {
		return FooterMarker{}, ErrInvalidMarker
	}
	return FooterMarker{Tick: markerTick(buf)}, nil
}

// EncodeDocumentMarker serializes a DocumentMarker, including its
// body, to its 8-byte aligned wire form.
func EncodeDocumentMarker(m DocumentMarker) []byte {
	raw := documentPrefixSize + len(m.Body)
	size := align8(raw)
	buf := make([]byte, size)
	encodeCommon(buf, size, TypeDocument, m.Tick)
	off := commonHeaderSize
	binary.LittleEndian.PutUint64(buf[off:], uint64(m.DocID))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(m.RevID))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], m.ShapeID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.Body)))
	off += 4
	copy(buf[off:], m.Body)
	fillCRC(buf)
	return buf
}

// DecodeDocumentMarker parses a DocumentMarker from its wire form.
// The returned Body aliases buf; callers that retain it beyond the
// lifetime of buf (e.g. an mmap region pinned only by a short-lived
// barrier) must copy it first.
func DecodeDocumentMarker(buf []byte) (DocumentMarker, error) {
	if len(buf) < documentPrefixSize || markerType(buf) != TypeDocument {
		return DocumentMarker{}, ErrInvalidMarker
	}
	off := commonHeaderSize
	did := Tick(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	rid := Tick(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	shape := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	bodyLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	body, err := sliceBody(buf, off, bodyLen)
	if err != nil {
		return DocumentMarker{}, err
	}
	return DocumentMarker{
		Tick: markerTick(buf), DocID: did, RevID: rid, ShapeID: shape, Body: body,
	}, nil
}

// EncodeEdgeMarker serializes an EdgeMarker, including its body, to
// its 8-byte aligned wire form.
func EncodeEdgeMarker(m EdgeMarker) []byte {
	raw := edgePrefixSize + len(m.Body)
	size := align8(raw)
	buf := make([]byte, size)
	encodeCommon(buf, size, TypeEdge, m.Tick)
	off := commonHeaderSize
	binary.LittleEndian.PutUint64(buf[off:], uint64(m.DocID))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(m.RevID))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], m.ShapeID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.Body)))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], m.FromCID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.FromDocID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.ToCID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.ToDocID)
	off += 8
	copy(buf[off:], m.Body)
	fillCRC(buf)
	return buf
}

// DecodeEdgeMarker parses an EdgeMarker from its wire form. Like
// DecodeDocumentMarker, the returned Body aliases buf.
func DecodeEdgeMarker(buf []byte) (EdgeMarker, error) {
	if len(buf) < edgePrefixSize || markerType(buf) != TypeEdge {
		return EdgeMarker{}, ErrInvalidMarker
	}
	off := commonHeaderSize
	did := Tick(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	rid := Tick(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	shape := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	bodyLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	fromCID := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	fromDID := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	toCID := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	toDID := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	body, err := sliceBody(buf, off, bodyLen)
	if err != nil {
		return EdgeMarker{}, err
	}
	return EdgeMarker{
		Tick: markerTick(buf), DocID: did, RevID: rid, ShapeID: shape,
		FromCID: fromCID, FromDocID: fromDID, ToCID: toCID, ToDocID: toDID, Body: body,
	}, nil
}

// EncodeDeletionMarker serializes a DeletionMarker to its wire form.
func EncodeDeletionMarker(m DeletionMarker) []byte {
	size := align8(deletionMarkerSize)
	buf := make([]byte, size)
	encodeCommon(buf, size, TypeDeletion, m.Tick)
	binary.LittleEndian.PutUint64(buf[commonHeaderSize:], uint64(m.DocID))
	fillCRC(buf)
	return buf
}

// DecodeDeletionMarker parses a DeletionMarker from its wire form.
func DecodeDeletionMarker(buf []byte) (DeletionMarker, error) {
	if len(buf) < deletionMarkerSize || markerType(buf) != TypeDeletion {
		return DeletionMarker{}, ErrInvalidMarker
	}
	return DeletionMarker{
		Tick:  markerTick(buf),
		DocID: Tick(binary.LittleEndian.Uint64(buf[commonHeaderSize:])),
	}, nil
}

// sliceBody returns buf[off:off+bodyLen], bounds-checked against both
// buf's length and the marker's declared total size.
func sliceBody(buf []byte, off int, bodyLen uint32) ([]byte, error) {
	end := off + int(bodyLen)
	if end < off || end > len(buf) || end > int(markerSize(buf)) {
		return nil, ErrInvalidMarker
	}
	return buf[off:end], nil
}
