// Package changeview implements the change log materializer and the
// writable cloudsync_changes virtual table: the query that
// unions every managed table's meta rows into the (tbl, pk, col_name,
// col_value, col_version, db_version, site_id, cl, seq) tuple shape, and
// the INSERT-dispatches-to-merge write path.
//
// Row synthesis per table joins the sentinel sibling row for causal length
// and cloudsync_site_id for the origin blob, then orders by
// (db_version, seq). The writable half dispatches INSERT to
// merge.Engine.Apply and rejects UPDATE/DELETE as misuse.
package changeview

import (
	"fmt"
	"strings"

	"github.com/ncruces/go-sqlite3"

	"github.com/tigawanna/sqlite-sync/internal/csync"
	"github.com/tigawanna/sqlite-sync/internal/merge"
	"github.com/tigawanna/sqlite-sync/internal/pkcodec"
	"github.com/tigawanna/sqlite-sync/internal/registry"
	"github.com/tigawanna/sqlite-sync/internal/settings"
)

// Columns is the nine-field column order of cloudsync_changes, matching
// the payload codec's wire tuple.
var Columns = [9]string{"tbl", "pk", "col_name", "col_value", "col_version", "db_version", "site_id", "cl", "seq"}

// View materializes the outbound change log by unioning every managed
// table's meta table, one SELECT per table.
type View struct {
	conn *sqlite3.Conn
	reg  *registry.Registry
	st   *settings.Store
}

// New returns a View bound to the connection's registry and settings store.
func New(conn *sqlite3.Conn, reg *registry.Registry, st *settings.Store) *View {
	return &View{conn: conn, reg: reg, st: st}
}

// Filter narrows the change log the way cloudsync_changes' xBestIndex
// supports: equality/range on db_version and equality on site_id.
// DBVersionOp carries the pushed-down comparison operator ("=", ">", ">=",
// "<", "<="); when empty, a DBVersion > 0 means an exclusive lower bound
// (the Go-side cursor shape transport uses) and a zero value leaves
// db_version unconstrained.
type Filter struct {
	DBVersion   int64
	DBVersionOp string
	SiteID      []byte
}

// dbVersionOp resolves the effective operator, or "" for unconstrained.
// The returned string is always one of the five literals, never caller
// text, so it is safe to splice into generated SQL.
func (f Filter) dbVersionOp() string {
	switch f.DBVersionOp {
	case "=", ">", ">=", "<", "<=":
		return f.DBVersionOp
	}
	if f.DBVersion > 0 {
		return ">"
	}
	return ""
}

// EstimatedCost mirrors the xBestIndex cost table: 1 when
// both db_version and site_id are constrained, 10 for db_version alone,
// INT32_MAX for site_id alone, INT64_MAX otherwise.
func (f Filter) EstimatedCost() float64 {
	hasDV := f.dbVersionOp() != ""
	hasSite := len(f.SiteID) > 0
	switch {
	case hasDV && hasSite:
		return 1
	case hasDV:
		return 10
	case hasSite:
		return 1<<31 - 1
	default:
		return 1<<63 - 1
	}
}

// Rows runs the union query across every managed table and returns the
// change rows matching filter, ordered (db_version, seq) ASC — the view's
// default ordering. Rows whose PK no longer decodes or whose value is
// row-level-security-hidden are omitted, matching the "such rows are
// filtered out of the change log" rule; ColumnValue returns the reserved
// RLSHiddenMarker for those cases and this loop drops them.
func (v *View) Rows(filter Filter) ([]csync.ChangeRow, error) {
	tables := v.reg.All()
	if len(tables) == 0 {
		return nil, nil
	}

	var out []csync.ChangeRow
	for _, tbl := range tables {
		rows, err := v.tableRows(tbl, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}

	sortRows(out)
	return out, nil
}

func (v *View) tableRows(tbl *registry.Table, filter Filter) ([]csync.ChangeRow, error) {
	meta := registry.QuoteIdent(tbl.MetaTable())

	query := fmt.Sprintf(`
		SELECT t1.pk, t1.col_name, t1.col_version, t1.db_version, t1.seq,
		       COALESCE(site_tbl.site_id, zeroblob(16)) AS site_id,
		       COALESCE(t2.col_version, 1) AS cl
		FROM %s AS t1
		LEFT JOIN cloudsync_site_id AS site_tbl ON t1.site_id = site_tbl.rowid
		LEFT JOIN %s AS t2 ON t1.pk = t2.pk AND t2.col_name = %s
		WHERE 1 = 1
	`, meta, meta, registry.QuoteLiteral(csync.SentinelColumn))

	var args []any
	if op := filter.dbVersionOp(); op != "" {
		query += ` AND t1.db_version ` + op + ` ?`
		args = append(args, filter.DBVersion)
	}
	if len(filter.SiteID) > 0 {
		query += ` AND site_tbl.site_id = ?`
		args = append(args, filter.SiteID)
	}
	query += ` ORDER BY t1.db_version ASC, t1.seq ASC`

	var out []csync.ChangeRow
	err := csync.Query(v.conn, query, args, func(stmt *sqlite3.Stmt) error {
		var r csync.ChangeRow
		r.Table = tbl.Name
		if err := csync.ScanRow(stmt, &r.PK, &r.ColName, &r.ColVersion, &r.DBVersion, &r.Seq, &r.SiteID, &r.CL); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("changeview: query %q: %w", tbl.Name, err)
	}

	// Column values are materialized after the meta scan completes, so the
	// per-row SELECT against the user table doesn't nest inside the active
	// meta-table statement.
	filtered := out[:0]
	for _, r := range out {
		if r.IsSentinel() {
			r.ColValue = nil
		} else {
			val, err := v.ColumnValue(tbl, r.ColName, r.PK)
			if err != nil {
				return nil, err
			}
			if s, ok := val.(string); ok && s == csync.RLSHiddenMarker {
				continue
			}
			r.ColValue = val
		}
		filtered = append(filtered, r)
	}
	return filtered, nil
}

// ColumnValue implements col_value(tbl, col_name, pk): looks
// up the live value of one column for one row, returning the reserved
// RLSHiddenMarker when the PK fails to decode or the row is absent (the
// row-level-security-hidden case from this replica's point of view, since
// the core has no RLS engine of its own and relies on the host's SELECT
// simply not returning the row).
func (v *View) ColumnValue(tbl *registry.Table, colName string, pk []byte) (any, error) {
	where, args, err := pkWhereClause(tbl, pk)
	if err != nil {
		return csync.RLSHiddenMarker, nil
	}

	var val any
	err = csync.QueryRow(v.conn, fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s`, registry.QuoteIdent(colName), registry.QuoteIdent(tbl.Name), where,
	), args, &val)
	if err == csync.ErrNoRows {
		return csync.RLSHiddenMarker, nil
	}
	if err != nil {
		return nil, fmt.Errorf("changeview: col_value(%s.%s): %w", tbl.Name, colName, err)
	}
	return val, nil
}

func pkWhereClause(tbl *registry.Table, pk []byte) (string, []any, error) {
	values, err := pkcodec.DecodeValues(pk)
	if err != nil {
		return "", nil, err
	}
	if len(values) != len(tbl.PKCols) {
		return "", nil, fmt.Errorf("changeview: %w: pk arity mismatch for table %q", csync.ErrFatal, tbl.Name)
	}
	parts := make([]string, len(tbl.PKCols))
	for i, c := range tbl.PKCols {
		parts[i] = registry.QuoteIdent(c.Name) + " = ?"
	}
	return strings.Join(parts, " AND "), values, nil
}

func sortRows(rows []csync.ChangeRow) {
	// Insertion sort: change batches are small (one replica's pending
	// changes between sync rounds), and this keeps the package free of a
	// sort.Slice closure capturing two fields per less-call.
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && less(rows[j], rows[j-1]); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

func less(a, b csync.ChangeRow) bool {
	if a.DBVersion != b.DBVersion {
		return a.DBVersion < b.DBVersion
	}
	return a.Seq < b.Seq
}

// Applier is the write-path target of an INSERT against cloudsync_changes:
// an INSERT is interpreted as "apply this foreign change".
type Applier interface {
	Apply(row csync.ChangeRow) error
}

var _ Applier = (*merge.Engine)(nil)

// Insert dispatches row to applier, the vtab's xUpdate insert path.
func Insert(applier Applier, row csync.ChangeRow) error {
	return applier.Apply(row)
}

// ErrReadOnlyMutation is returned for DELETE/UPDATE against
// cloudsync_changes, which only supports INSERT.
var ErrReadOnlyMutation = fmt.Errorf("changeview: %w: cloudsync_changes only supports INSERT", csync.ErrMisuse)
