// Package merge implements the merge-insert state machine: applying a
// foreign change under CLS/GOS rules with deterministic conflict
// resolution, resurrection, tombstoning, and clock advancement.
//
// The shape follows a three-way merge: identify the two candidate versions
// of one entity, decide a winner by comparing versions, then content,
// apply the winner, tombstone the loser — applied here to one
// (pk, col_name) meta cell, where the winner is decided by col_version, then
// the typed column value, then (optionally) site_id.
package merge

import (
	"fmt"
	"strings"

	"github.com/ncruces/go-sqlite3"

	"github.com/tigawanna/sqlite-sync/internal/capture"
	"github.com/tigawanna/sqlite-sync/internal/clockengine"
	"github.com/tigawanna/sqlite-sync/internal/csync"
	"github.com/tigawanna/sqlite-sync/internal/pkcodec"
	"github.com/tigawanna/sqlite-sync/internal/registry"
	"github.com/tigawanna/sqlite-sync/internal/settings"
)

// Engine applies foreign changes against the local database. It runs on
// the same host connection as everything else, so it can be invoked both
// from Go (payload apply) and from inside an INSERT against the
// cloudsync_changes virtual table.
type Engine struct {
	conn     *sqlite3.Conn
	reg      *registry.Registry
	settings *settings.Store
	clock    *clockengine.Clock
	capturer *capture.Capturer

	// mergeEqualValues gates site_id tie-breaking when column values are
	// equal on a version tie; default false. It is not exposed as a SQL
	// function; it is set via the WithMergeEqualValues Option.
	mergeEqualValues bool
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithMergeEqualValues sets the internal site_id tie-break flag.
// Not part of the public SQL-callable surface.
func WithMergeEqualValues(on bool) Option {
	return func(e *Engine) { e.mergeEqualValues = on }
}

// New returns an Engine wired to the connection's shared state.
func New(conn *sqlite3.Conn, reg *registry.Registry, st *settings.Store, clock *clockengine.Clock, capturer *capture.Capturer, opts ...Option) *Engine {
	e := &Engine{conn: conn, reg: reg, settings: st, clock: clock, capturer: capturer}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Per-table statement keys for the merge-side statement set.
const (
	stmtLocalCL       = "local-cl"
	stmtColVersion    = "col-version-lookup"
	stmtWinnerClock   = "winner-clock"
	stmtMergeDrop     = "merge-delete-drop"
	stmtZeroClock     = "zero-clock"
	stmtColSiteLookup = "col-site-lookup"
)

// Apply implements the entry point for one incoming change row.
func (e *Engine) Apply(row csync.ChangeRow) error {
	tbl, ok := e.reg.Lookup(row.Table)
	if !ok {
		return fmt.Errorf("merge: %w: table %q is not managed", csync.ErrMisuse, row.Table)
	}
	if tbl.Algorithm == csync.AlgoGOS && (row.IsSentinel() || row.CL != 1) {
		return fmt.Errorf("merge: %w: table %q is registered gos, only inserts are legal", csync.ErrMisuse, row.Table)
	}

	localCL, err := e.localCL(tbl, row.PK)
	if err != nil {
		return err
	}

	if row.CL < localCL {
		// Causally stale: drop.
		return nil
	}

	if row.CL%2 == 0 {
		if localCL == row.CL {
			return nil
		}
		return e.mergeDelete(tbl, row)
	}

	if row.IsSentinel() {
		if localCL == row.CL {
			return nil
		}
		return e.mergeSentinelOnlyInsert(tbl, row)
	}

	return e.mergeColumn(tbl, row, localCL)
}

// localCL returns the local causal length for pk:
// COALESCE(sentinel.col_version, row-exists ? 1 : 0).
func (e *Engine) localCL(tbl *registry.Table, pk []byte) (int64, error) {
	stmt, err := tbl.Stmt(e.conn, stmtLocalCL, fmt.Sprintf(
		`SELECT col_version FROM %s WHERE pk = ? AND col_name = ?`, registry.QuoteIdent(tbl.MetaTable())))
	if err != nil {
		return 0, err
	}
	var cv int64
	found, err := csync.QueryRowPrepared(stmt, []any{pk, csync.SentinelColumn}, &cv)
	if err != nil {
		return 0, fmt.Errorf("merge: localCL(%s): %w", tbl.Name, err)
	}
	if found {
		return cv, nil
	}

	exists, err := e.rowExists(tbl, pk)
	if err != nil {
		return 0, err
	}
	if exists {
		return 1, nil
	}
	return 0, nil
}

func (e *Engine) rowExists(tbl *registry.Table, pk []byte) (bool, error) {
	where, args, err := pkWhereClause(tbl, pk)
	if err != nil {
		return false, err
	}
	var n int64
	err = csync.QueryRow(e.conn, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE %s`, registry.QuoteIdent(tbl.Name), where), args, &n)
	if err != nil {
		return false, fmt.Errorf("merge: rowExists(%s): %w", tbl.Name, err)
	}
	return n > 0, nil
}

// mergeDelete drops the local row and tombstones its meta state.
func (e *Engine) mergeDelete(tbl *registry.Table, row csync.ChangeRow) error {
	where, args, err := pkWhereClause(tbl, row.PK)
	if err != nil {
		return err
	}
	e.capturer.Suppressed = true
	err = csync.Exec(e.conn, fmt.Sprintf(`DELETE FROM %s WHERE %s`, registry.QuoteIdent(tbl.Name), where), args...)
	e.capturer.Suppressed = false
	if err != nil {
		return fmt.Errorf("merge: mergeDelete(%s) drop row: %w", tbl.Name, err)
	}

	if _, err := e.setWinnerClock(tbl, row.PK, csync.SentinelColumn, row.ColVersion, row.DBVersion, row.SiteID, row.Seq); err != nil {
		return err
	}

	dropStmt, err := tbl.Stmt(e.conn, stmtMergeDrop, fmt.Sprintf(
		`DELETE FROM %s WHERE pk = ? AND col_name != ?`, registry.QuoteIdent(tbl.MetaTable())))
	if err != nil {
		return err
	}
	if err := csync.ExecPrepared(dropStmt, row.PK, csync.SentinelColumn); err != nil {
		return fmt.Errorf("merge: mergeDelete(%s) drop meta columns: %w", tbl.Name, err)
	}
	return nil
}

// mergeSentinelOnlyInsert recreates a row from its sentinel alone, zeroing
// every column clock so subsequent column writes start from a clean slate.
// Also used as the resurrect prelude before a winning column write.
func (e *Engine) mergeSentinelOnlyInsert(tbl *registry.Table, row csync.ChangeRow) error {
	pkValues, err := pkcodec.DecodeValues(row.PK)
	if err != nil {
		return fmt.Errorf("merge: mergeSentinelOnlyInsert(%s) decode pk: %w", tbl.Name, err)
	}
	if len(pkValues) != len(tbl.PKCols) {
		return fmt.Errorf("merge: %w: pk arity mismatch for table %q", csync.ErrFatal, tbl.Name)
	}

	cols := make([]string, len(tbl.PKCols))
	placeholders := make([]string, len(tbl.PKCols))
	for i, c := range tbl.PKCols {
		cols[i] = registry.QuoteIdent(c.Name)
		placeholders[i] = "?"
	}

	e.capturer.Suppressed = true
	err = csync.Exec(e.conn, fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (%s) VALUES (%s)`,
		registry.QuoteIdent(tbl.Name), strings.Join(cols, ", "), strings.Join(placeholders, ", ")), pkValues...)
	e.capturer.Suppressed = false
	if err != nil {
		return fmt.Errorf("merge: mergeSentinelOnlyInsert(%s) insert row: %w", tbl.Name, err)
	}

	dv, err := e.clock.Next(&row.DBVersion)
	if err != nil {
		return err
	}
	zeroStmt, err := tbl.Stmt(e.conn, stmtZeroClock, fmt.Sprintf(
		`UPDATE %s SET col_version = 0, db_version = ? WHERE pk = ? AND col_name != ?`, registry.QuoteIdent(tbl.MetaTable())))
	if err != nil {
		return err
	}
	if err := csync.ExecPrepared(zeroStmt, dv, row.PK, csync.SentinelColumn); err != nil {
		return fmt.Errorf("merge: mergeSentinelOnlyInsert(%s) zero column clocks: %w", tbl.Name, err)
	}

	if _, err := e.setWinnerClock(tbl, row.PK, csync.SentinelColumn, row.ColVersion, row.DBVersion, row.SiteID, row.Seq); err != nil {
		return err
	}
	return nil
}

// mergeColumn resurrects the row if needed, then applies the column write
// only if it wins against the local version.
func (e *Engine) mergeColumn(tbl *registry.Table, row csync.ChangeRow, localCL int64) error {
	needsResurrect := row.CL > localCL && row.CL%2 == 1
	rowExistsLocally := localCL != 0

	if needsResurrect && (rowExistsLocally || row.CL > 1) {
		sentinelRow := row
		sentinelRow.ColName = csync.SentinelColumn
		// The sentinel's col_version is the row's causal length.
		sentinelRow.ColVersion = row.CL
		if err := e.mergeSentinelOnlyInsert(tbl, sentinelRow); err != nil {
			return err
		}
	}

	wins, err := e.didColumnWin(tbl, row)
	if err != nil {
		return err
	}
	if !wins {
		return nil
	}
	return e.mergeInsertColumn(tbl, row)
}

// didColumnWin decides whether row's incoming value beats the local one:
// higher col_version wins outright; on a tie, the typed value compares
// higher, with an optional site_id tie-break as a last resort.
func (e *Engine) didColumnWin(tbl *registry.Table, row csync.ChangeRow) (bool, error) {
	meta := registry.QuoteIdent(tbl.MetaTable())
	verStmt, err := tbl.Stmt(e.conn, stmtColVersion, fmt.Sprintf(
		`SELECT col_version FROM %s WHERE pk = ? AND col_name = ?`, meta))
	if err != nil {
		return false, err
	}
	var localVersion int64
	found, err := csync.QueryRowPrepared(verStmt, []any{row.PK, row.ColName}, &localVersion)
	if err != nil {
		return false, fmt.Errorf("merge: didColumnWin(%s.%s): %w", tbl.Name, row.ColName, err)
	}
	if !found {
		return true, nil
	}

	if row.ColVersion > localVersion {
		return true, nil
	}
	if row.ColVersion < localVersion {
		return false, nil
	}

	localValue, err := e.localColumnValue(tbl, row.PK, row.ColName)
	if err != nil {
		return false, err
	}
	cmp := pkcodec.Compare(row.ColValue, localValue)

	if cmp != 0 || !e.mergeEqualValues {
		return cmp > 0, nil
	}

	siteStmt, err := tbl.Stmt(e.conn, stmtColSiteLookup, fmt.Sprintf(
		`SELECT site_id FROM %s WHERE pk = ? AND col_name = ?`, meta))
	if err != nil {
		return false, err
	}
	var localSiteOrdinal int64
	if _, err := csync.QueryRowPrepared(siteStmt, []any{row.PK, row.ColName}, &localSiteOrdinal); err != nil {
		return false, fmt.Errorf("merge: didColumnWin(%s.%s) site lookup: %w", tbl.Name, row.ColName, err)
	}
	localSite, err := e.settings.SiteByOrdinal(localSiteOrdinal)
	if err != nil {
		return false, err
	}
	return pkcodec.Compare(row.SiteID, localSite) > 0, nil
}

// localColumnValue reads the live value of (pk, colName) from the user
// table, or nil if only meta exists.
func (e *Engine) localColumnValue(tbl *registry.Table, pk []byte, colName string) (any, error) {
	where, args, err := pkWhereClause(tbl, pk)
	if err != nil {
		return nil, err
	}
	stmt, err := tbl.Stmt(e.conn, "column-value:"+colName, fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s`, registry.QuoteIdent(colName), registry.QuoteIdent(tbl.Name), where))
	if err != nil {
		return nil, err
	}
	var v any
	found, err := csync.QueryRowPrepared(stmt, args, &v)
	if err != nil {
		return nil, fmt.Errorf("merge: localColumnValue(%s.%s): %w", tbl.Name, colName, err)
	}
	if !found {
		return nil, nil
	}
	return v, nil
}

// mergeInsertColumn writes the winning value into the user table and
// advances the column's clock. The upsert is shared by CLS and GOS: the
// capture-suppression flag already keeps the GOS BEFORE-UPDATE abort
// trigger from firing (its WHEN consults cloudsync_is_sync), so a winning
// write to an existing row's column lands under either algorithm.
func (e *Engine) mergeInsertColumn(tbl *registry.Table, row csync.ChangeRow) error {
	pkValues, err := pkcodec.DecodeValues(row.PK)
	if err != nil {
		return fmt.Errorf("merge: mergeInsertColumn(%s) decode pk: %w", tbl.Name, err)
	}

	pkCols := make([]string, len(tbl.PKCols))
	placeholders := make([]string, 0, len(tbl.PKCols)+1)
	args := make([]any, 0, len(tbl.PKCols)+1)
	for i, c := range tbl.PKCols {
		pkCols[i] = registry.QuoteIdent(c.Name)
		placeholders = append(placeholders, "?")
		args = append(args, pkValues[i])
	}
	placeholders = append(placeholders, "?")
	args = append(args, row.ColValue)

	insertCols := strings.Join(append(append([]string{}, pkCols...), registry.QuoteIdent(row.ColName)), ", ")
	table := registry.QuoteIdent(tbl.Name)
	quotedCol := registry.QuoteIdent(row.ColName)

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s = excluded.%s`,
		table, insertCols, strings.Join(placeholders, ", "), strings.Join(pkCols, ", "), quotedCol, quotedCol)

	stmt, err := tbl.Stmt(e.conn, "merge-into-column:"+row.ColName, query)
	if err != nil {
		return err
	}
	e.capturer.Suppressed = true
	err = csync.ExecPrepared(stmt, args...)
	e.capturer.Suppressed = false
	if err != nil {
		return fmt.Errorf("merge: mergeInsertColumn(%s.%s): %w", tbl.Name, row.ColName, err)
	}

	if _, err := e.setWinnerClock(tbl, row.PK, row.ColName, row.ColVersion, row.DBVersion, row.SiteID, row.Seq); err != nil {
		return err
	}
	return nil
}

// setWinnerClock implements set_winner_clock, returning the
// synthesized (db_version<<30)|seq rowid.
func (e *Engine) setWinnerClock(tbl *registry.Table, pk []byte, colName string, colVersion, dbVersion int64, siteID []byte, seq int64) (int64, error) {
	ordinal, err := e.settings.SiteOrdinal(siteID)
	if err != nil {
		return 0, err
	}

	advanced, err := e.clock.Next(&dbVersion)
	if err != nil {
		return 0, err
	}

	stmt, err := tbl.Stmt(e.conn, stmtWinnerClock, fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (pk, col_name, col_version, db_version, seq, site_id) VALUES (?, ?, ?, ?, ?, ?)
	`, registry.QuoteIdent(tbl.MetaTable())))
	if err != nil {
		return 0, err
	}
	if err := csync.ExecPrepared(stmt, pk, colName, colVersion, advanced, seq, ordinal); err != nil {
		return 0, fmt.Errorf("merge: setWinnerClock(%s.%s): %w", tbl.Name, colName, err)
	}

	return csync.RowID(advanced, seq)
}

// pkWhereClause decodes pk and returns a "col1 = ? AND col2 = ?" clause
// plus bound args for use against the user table.
func pkWhereClause(tbl *registry.Table, pk []byte) (string, []any, error) {
	values, err := pkcodec.DecodeValues(pk)
	if err != nil {
		return "", nil, fmt.Errorf("merge: decode pk for %q: %w", tbl.Name, err)
	}
	if len(values) != len(tbl.PKCols) {
		return "", nil, fmt.Errorf("merge: %w: pk arity mismatch for table %q", csync.ErrFatal, tbl.Name)
	}
	parts := make([]string, len(tbl.PKCols))
	for i, c := range tbl.PKCols {
		parts[i] = registry.QuoteIdent(c.Name) + " = ?"
	}
	return strings.Join(parts, " AND "), values, nil
}
