// Package payload implements the wire codec: a 32-byte
// header followed by a body of PK-codec-encoded change rows, optionally
// LZ4-compressed.
//
// Compression is grounded on github.com/pierrec/lz4/v4, a dependency of the
// pack-sibling repo steveyegge-beads (go.mod). The schema-hash gate reuses
// hash/fnv (stdlib) to FNV-1a the concatenated lowercase CREATE TABLE texts.
package payload

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/pierrec/lz4/v4"

	"github.com/tigawanna/sqlite-sync/internal/csync"
	"github.com/tigawanna/sqlite-sync/internal/pkcodec"
)

// HeaderSize is the fixed 32-byte header length.
const HeaderSize = 32

var signature = [4]byte{'C', 'L', 'S', 'Y'}

const protocolVersion = 1

// columnsPerRow is the width of the change-row tuple.
const columnsPerRow = 9

// LibraryVersion is the major.minor.patch version written into every
// payload header, analogous to the `version` SQL function
var LibraryVersion = [3]byte{0, 1, 0}

// Header mirrors the 32-byte wire header
type Header struct {
	ProtocolVersion byte
	LibraryVersion  [3]byte
	ExpandedSize    uint32 // 0 => body is not compressed
	NumColumns      uint16
	NumRows         uint32
	SchemaHash      uint64
}

func (h Header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], signature[:])
	buf[4] = h.ProtocolVersion
	copy(buf[5:8], h.LibraryVersion[:])
	binary.BigEndian.PutUint32(buf[8:12], h.ExpandedSize)
	binary.BigEndian.PutUint16(buf[12:14], h.NumColumns)
	binary.BigEndian.PutUint32(buf[14:18], h.NumRows)
	binary.BigEndian.PutUint64(buf[18:26], h.SchemaHash)
	// buf[26:32] reserved/padding, left zero.
	return buf
}

func unmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("payload: %w: header too short (%d bytes)", csync.ErrFatal, len(buf))
	}
	if !bytes.Equal(buf[0:4], signature[:]) {
		return Header{}, fmt.Errorf("payload: %w: bad signature", csync.ErrFatal)
	}
	var h Header
	h.ProtocolVersion = buf[4]
	copy(h.LibraryVersion[:], buf[5:8])
	h.ExpandedSize = binary.BigEndian.Uint32(buf[8:12])
	h.NumColumns = binary.BigEndian.Uint16(buf[12:14])
	h.NumRows = binary.BigEndian.Uint32(buf[14:18])
	h.SchemaHash = binary.BigEndian.Uint64(buf[18:26])
	if h.ProtocolVersion != protocolVersion {
		return Header{}, fmt.Errorf("payload: %w: unsupported protocol version %d", csync.ErrFatal, h.ProtocolVersion)
	}
	return h, nil
}

// SchemaHash computes the FNV-1a fingerprint over the concatenated
// lowercase CREATE TABLE texts of every managed table, sorted by table
// name for determinism.
func SchemaHash(createTableSQL map[string]string) uint64 {
	names := make([]string, 0, len(createTableSQL))
	for n := range createTableSQL {
		names = append(names, n)
	}
	sort.Strings(names)

	h := fnv.New64a()
	for _, n := range names {
		_, _ = h.Write([]byte(strings.ToLower(createTableSQL[n])))
	}
	return h.Sum64()
}

// Encode serializes rows into a single payload blob. schemaHash is the
// local schema fingerprint to stamp into the header. compressThreshold is
// the raw-body size below which LZ4 is skipped outright (a small body
// rarely compresses smaller once the decompressed-size header field and
// LZ4's own block overhead are counted); pass 0 to always attempt it.
func Encode(rows []csync.ChangeRow, schemaHash uint64, compressThreshold int) ([]byte, error) {
	var body bytes.Buffer
	for _, r := range rows {
		encRow, err := encodeRow(r)
		if err != nil {
			return nil, fmt.Errorf("payload: encode row (tbl=%s pk=%x col=%s): %w", r.Table, r.PK, r.ColName, err)
		}
		body.Write(encRow)
	}

	raw := body.Bytes()
	h := Header{
		ProtocolVersion: protocolVersion,
		LibraryVersion:  LibraryVersion,
		NumColumns:      columnsPerRow,
		NumRows:         uint32(len(rows)),
		SchemaHash:      schemaHash,
	}

	bodyOut := raw
	if len(raw) >= compressThreshold {
		if compressed := compress(raw); compressed != nil && len(compressed) < len(raw) {
			h.ExpandedSize = uint32(len(raw))
			bodyOut = compressed
		}
	}

	out := make([]byte, 0, HeaderSize+len(bodyOut))
	out = append(out, h.marshal()...)
	out = append(out, bodyOut...)
	return out, nil
}

func compress(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	buf := make([]byte, lz4.CompressBlockBound(len(raw)))
	var c lz4.Compressor
	n, err := c.CompressBlock(raw, buf)
	if err != nil || n == 0 {
		return nil
	}
	return buf[:n]
}

// Decoded is the result of Decode: the header plus the rows it framed.
type Decoded struct {
	Header Header
	Rows   []csync.ChangeRow
}

// SchemaGate reports whether a payload's schema hash is acceptable:
// (a) it matches localHash exactly, or (b) it is a known older hash
// registered via settings.RegisterSchemaHash (additive-evolution only).
// Unknown hashes must be rejected with ErrSchemaMismatch by the caller.
type SchemaGate func(hash uint64) (known bool, err error)

// Decode parses a payload blob produced by Encode, applying gate to the
// embedded schema hash before decompressing/parsing the body.
func Decode(blob []byte, gate SchemaGate) (Decoded, error) {
	h, err := unmarshalHeader(blob)
	if err != nil {
		return Decoded{}, err
	}
	known, err := gate(h.SchemaHash)
	if err != nil {
		return Decoded{}, fmt.Errorf("payload: schema gate: %w", err)
	}
	if !known {
		return Decoded{}, fmt.Errorf("payload: %w: schema hash %016x not recognized", csync.ErrSchemaMismatch, h.SchemaHash)
	}
	if h.NumColumns != columnsPerRow {
		return Decoded{}, fmt.Errorf("payload: %w: unexpected column count %d", csync.ErrFatal, h.NumColumns)
	}

	body := blob[HeaderSize:]
	if h.ExpandedSize != 0 {
		expanded := make([]byte, h.ExpandedSize)
		n, err := lz4.UncompressBlock(body, expanded)
		if err != nil {
			return Decoded{}, fmt.Errorf("payload: %w: lz4 decompress: %v", csync.ErrFatal, err)
		}
		body = expanded[:n]
	}

	rows := make([]csync.ChangeRow, 0, h.NumRows)
	pos := 0
	for i := uint32(0); i < h.NumRows; i++ {
		row, n, err := decodeRow(body[pos:])
		if err != nil {
			return Decoded{}, fmt.Errorf("payload: decode row %d: %w", i, err)
		}
		rows = append(rows, row)
		pos += n
	}
	return Decoded{Header: h, Rows: rows}, nil
}

// encodeRow packs one ChangeRow as a single combined PK-codec tuple over
// its nine fields (tbl, pk, col_name, col_value, col_version, db_version,
// site_id, cl, seq), the same tuple the change view and merge engine read.
func encodeRow(r csync.ChangeRow) ([]byte, error) {
	return pkcodec.Encode(r.Table, r.PK, r.ColName, r.ColValue, r.ColVersion, r.DBVersion, r.SiteID, r.CL, r.Seq)
}

func decodeRow(buf []byte) (csync.ChangeRow, int, error) {
	var row csync.ChangeRow
	values, n, err := pkcodec.DecodeValuesPrefix(buf)
	if err != nil {
		return row, 0, err
	}
	if len(values) != columnsPerRow {
		return row, 0, fmt.Errorf("%w: row decoded to %d fields, want %d", csync.ErrFatal, len(values), columnsPerRow)
	}

	asString := func(v any) string {
		if v == nil {
			return ""
		}
		s, _ := v.(string)
		return s
	}
	asBytes := func(v any) []byte {
		if v == nil {
			return nil
		}
		b, _ := v.([]byte)
		return b
	}
	asInt := func(v any) int64 {
		if v == nil {
			return 0
		}
		n, _ := v.(int64)
		return n
	}

	row.Table = asString(values[0])
	row.PK = asBytes(values[1])
	row.ColName = asString(values[2])
	row.ColValue = values[3]
	row.ColVersion = asInt(values[4])
	row.DBVersion = asInt(values[5])
	row.SiteID = asBytes(values[6])
	row.CL = asInt(values[7])
	row.Seq = asInt(values[8])
	return row, n, nil
}
