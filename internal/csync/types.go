package csync

// Algorithm is the CRDT merge discipline a managed table was registered
// under. Only CLS and GOS have implementations;
// DWS and AWS are recognized names reserved for future algorithms and are
// rejected by registry.Register with ErrMisuse.
type Algorithm string

const (
	AlgoCLS Algorithm = "cls" // Causal-Length-Set: full insert/update/delete with tombstones.
	AlgoGOS Algorithm = "gos" // Grow-Only-Set: insert-only, UPDATE/DELETE raise abort.
	AlgoDWS Algorithm = "dws" // recognized, not implemented.
	AlgoAWS Algorithm = "aws" // recognized, not implemented.
)

// Implemented reports whether an algorithm has a working merge
// implementation. dws/aws are name-recognized only.
func (a Algorithm) Implemented() bool {
	return a == AlgoCLS || a == AlgoGOS
}

// Valid reports whether a is one of the four recognized algorithm tags.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgoCLS, AlgoGOS, AlgoDWS, AlgoAWS:
		return true
	default:
		return false
	}
}

// SentinelColumn is the reserved col_name marking a row-level causal-length
// sentinel, as opposed to a per-column meta row.
const SentinelColumn = "__[RIP]__"

// RLSHiddenMarker is returned by the change view in place of a column value
// when the underlying row is hidden by row-level security or its PK no
// longer decodes; rows carrying it are filtered out of the change log.
const RLSHiddenMarker = "__[RLS]__"

// ChangeRow is the nine-field tuple that flows through the change view,
// the payload codec, and the merge engine.
type ChangeRow struct {
	Table      string
	PK         []byte
	ColName    string
	ColValue   any // nil for sentinel rows and for NULL column values
	ColVersion int64
	DBVersion  int64
	SiteID     []byte // 16-byte UUID of the origin replica
	CL         int64  // causal length of the row at the time of this change
	Seq        int64
}

// IsSentinel reports whether this row is a row-level sentinel rather than a
// per-column write.
func (r ChangeRow) IsSentinel() bool {
	return r.ColName == SentinelColumn
}

// RowID synthesizes the change view's rowid: (db_version << 30) | seq.
// RowIDOverflowLimit documents the hard cap of 2^30 mutations per db_version.
const RowIDOverflowLimit = 1 << 30

func RowID(dbVersion, seq int64) (int64, error) {
	if seq < 0 || seq >= RowIDOverflowLimit {
		return 0, ErrFatal
	}
	return (dbVersion << 30) | seq, nil
}
