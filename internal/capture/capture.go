// Package capture implements the local change capture:
// the insert/update/delete functions invoked by the per-table triggers, and
// the DDL that generates those triggers from introspected columns.
//
// Statements are built from introspected column lists and meta rows are
// written via ON CONFLICT upserts: one col_version/db_version/site_id/seq
// meta row per written column. The capture functions run nested inside the
// user's own INSERT/UPDATE/DELETE statement (triggers invoke them through
// the cloudsync_insert/update/delete SQL functions), which is why every
// statement here runs on the engine's one host connection.
package capture

import (
	"fmt"
	"strings"

	"github.com/ncruces/go-sqlite3"

	"github.com/tigawanna/sqlite-sync/internal/clockengine"
	"github.com/tigawanna/sqlite-sync/internal/csync"
	"github.com/tigawanna/sqlite-sync/internal/registry"
)

// Capturer maintains meta rows for one connection's managed tables. It is
// the Go-side target of the SQL-callable cloudsync_insert/update/delete
// functions the triggers invoke.
type Capturer struct {
	conn  *sqlite3.Conn
	clock *clockengine.Clock

	// Suppressed implements capture suppression: while true,
	// Insert/Update/Delete are no-ops, letting the merge engine write to
	// user tables without recursing back into capture. Triggers themselves
	// still fire (WHEN checks Suppressed via cloudsync_is_sync), but the
	// Go-level entry points also check this as a second line of defense
	// for direct (non-trigger) calls.
	Suppressed bool
}

// New returns a Capturer bound to conn and clock.
func New(conn *sqlite3.Conn, clock *clockengine.Clock) *Capturer {
	return &Capturer{conn: conn, clock: clock}
}

// CreateMetaTable emits the DDL for T_meta.
func CreateMetaTable(t *registry.Table) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	pk BLOB NOT NULL,
	col_name TEXT NOT NULL,
	col_version INTEGER NOT NULL,
	db_version INTEGER NOT NULL,
	site_id INTEGER NOT NULL DEFAULT 0,
	seq INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (pk, col_name)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS %s ON %s (db_version);
`,
		registry.QuoteIdent(t.MetaTable()),
		registry.QuoteIdent(t.MetaTable()+"_db_idx"), registry.QuoteIdent(t.MetaTable()))
}

// CreateTriggers emits the AFTER triggers (CLS) or the GOS variant (INSERT
// captured, UPDATE/DELETE raise ABORT). Each WHEN clause checks
// cloudsync_is_sync(tbl) = 0 — an application-defined SQL function wired by
// the engine at connection-open time — so merge-driven writes don't recurse.
func CreateTriggers(t *registry.Table) string {
	tbl := registry.QuoteIdent(t.Name)
	name := t.Name
	pkNewList := colList("NEW", t.PKCols)
	pkOldList := colList("OLD", t.PKCols)

	var b strings.Builder

	fmt.Fprintf(&b, `
CREATE TRIGGER IF NOT EXISTS %s
AFTER INSERT ON %s
WHEN cloudsync_is_sync(%s) = 0
BEGIN
	SELECT cloudsync_insert(%s, %s);
END;
`, registry.QuoteIdent("cloudsync_"+name+"_insert"), tbl, registry.QuoteLiteral(name), registry.QuoteLiteral(name), pkNewList)

	if t.Algorithm == csync.AlgoGOS {
		fmt.Fprintf(&b, `
CREATE TRIGGER IF NOT EXISTS %s
BEFORE UPDATE ON %s
WHEN cloudsync_is_sync(%s) = 0
BEGIN
	SELECT RAISE(ABORT, 'cloudsync: table registered under gos does not support UPDATE');
END;
`, registry.QuoteIdent("cloudsync_"+name+"_update"), tbl, registry.QuoteLiteral(name))

		fmt.Fprintf(&b, `
CREATE TRIGGER IF NOT EXISTS %s
BEFORE DELETE ON %s
WHEN cloudsync_is_sync(%s) = 0
BEGIN
	SELECT RAISE(ABORT, 'cloudsync: table registered under gos does not support DELETE');
END;
`, registry.QuoteIdent("cloudsync_"+name+"_delete"), tbl, registry.QuoteLiteral(name))
		return b.String()
	}

	updateArgs := pkNewList + ", " + pkOldList
	for _, c := range t.DataCols {
		updateArgs += fmt.Sprintf(", NEW.%s, OLD.%s", registry.QuoteIdent(c.Name), registry.QuoteIdent(c.Name))
	}
	fmt.Fprintf(&b, `
CREATE TRIGGER IF NOT EXISTS %s
AFTER UPDATE ON %s
WHEN cloudsync_is_sync(%s) = 0
BEGIN
	SELECT cloudsync_update(%s, %s);
END;
`, registry.QuoteIdent("cloudsync_"+name+"_update"), tbl, registry.QuoteLiteral(name), registry.QuoteLiteral(name), updateArgs)

	fmt.Fprintf(&b, `
CREATE TRIGGER IF NOT EXISTS %s
AFTER DELETE ON %s
WHEN cloudsync_is_sync(%s) = 0
BEGIN
	SELECT cloudsync_delete(%s, %s);
END;
`, registry.QuoteIdent("cloudsync_"+name+"_delete"), tbl, registry.QuoteLiteral(name), registry.QuoteLiteral(name), pkOldList)

	return b.String()
}

// DropTriggers emits DROP TRIGGER statements for every trigger CreateTriggers
// may have created, used by schemaevo.BeginAlter.
func DropTriggers(t *registry.Table) string {
	names := []string{"insert", "update", "delete"}
	var b strings.Builder
	for _, suffix := range names {
		fmt.Fprintf(&b, "DROP TRIGGER IF EXISTS %s;\n", registry.QuoteIdent("cloudsync_"+t.Name+"_"+suffix))
	}
	return b.String()
}

func colList(alias string, cols []registry.Column) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = alias + "." + registry.QuoteIdent(c.Name)
	}
	return strings.Join(parts, ", ")
}

// Per-table statement keys, prepared once at first use and reset/rebound
// thereafter.
const (
	stmtSentinelLookup = "sentinel-lookup"
	stmtSentinelUpdate = "sentinel-update"
	stmtSentinelInsert = "sentinel-insert"
	stmtColUpsert      = "col-upsert"
	stmtRowDrop        = "row-drop"
	stmtPKMove         = "pk-move"
)

func (c *Capturer) sentinelCV(t *registry.Table, pk []byte) (cv int64, found bool, err error) {
	stmt, err := t.Stmt(c.conn, stmtSentinelLookup, fmt.Sprintf(
		`SELECT col_version FROM %s WHERE pk = ? AND col_name = ?`, registry.QuoteIdent(t.MetaTable())))
	if err != nil {
		return 0, false, err
	}
	found, err = csync.QueryRowPrepared(stmt, []any{pk, csync.SentinelColumn}, &cv)
	return cv, found, err
}

func (c *Capturer) upsertColumn(t *registry.Table, pk []byte, colName string, dv, seq int64) error {
	meta := registry.QuoteIdent(t.MetaTable())
	stmt, err := t.Stmt(c.conn, stmtColUpsert, fmt.Sprintf(`
		INSERT INTO %s (pk, col_name, col_version, db_version, seq, site_id) VALUES (?, ?, 1, ?, ?, 0)
		ON CONFLICT (pk, col_name) DO UPDATE SET col_version = %s.col_version + 1, db_version = excluded.db_version, seq = excluded.seq, site_id = 0
	`, meta, meta))
	if err != nil {
		return err
	}
	return csync.ExecPrepared(stmt, pk, colName, dv, seq)
}

// Insert implements insert(T, pk_values).
func (c *Capturer) Insert(t *registry.Table, pk []byte) error {
	if c.Suppressed || !t.Enabled {
		return nil
	}

	dv, err := c.clock.Next(nil)
	if err != nil {
		return fmt.Errorf("capture: insert(%s): %w", t.Name, err)
	}
	seq := c.clock.BumpSeq()
	meta := registry.QuoteIdent(t.MetaTable())

	existingCV, found, err := c.sentinelCV(t, pk)
	if err != nil {
		return fmt.Errorf("capture: insert(%s) sentinel lookup: %w", t.Name, err)
	}
	if found {
		// even -> next odd is +1; already odd (shouldn't normally happen on
		// a fresh insert against a live row) keeps it odd via +2.
		next := existingCV + 1
		if existingCV%2 != 0 {
			next = existingCV + 2
		}
		stmt, err := t.Stmt(c.conn, stmtSentinelUpdate, fmt.Sprintf(
			`UPDATE %s SET col_version = ?, db_version = ?, seq = ?, site_id = 0 WHERE pk = ? AND col_name = ?`, meta))
		if err != nil {
			return err
		}
		if err := csync.ExecPrepared(stmt, next, dv, seq, pk, csync.SentinelColumn); err != nil {
			return fmt.Errorf("capture: insert(%s) resurrect sentinel: %w", t.Name, err)
		}
	} else {
		stmt, err := t.Stmt(c.conn, stmtSentinelInsert, fmt.Sprintf(
			`INSERT INTO %s (pk, col_name, col_version, db_version, seq, site_id) VALUES (?, ?, ?, ?, ?, 0)`, meta))
		if err != nil {
			return err
		}
		if err := csync.ExecPrepared(stmt, pk, csync.SentinelColumn, int64(1), dv, seq); err != nil {
			return fmt.Errorf("capture: insert(%s) sentinel: %w", t.Name, err)
		}
	}

	for _, col := range t.DataCols {
		seq := c.clock.BumpSeq()
		if err := c.upsertColumn(t, pk, col.Name, dv, seq); err != nil {
			return fmt.Errorf("capture: insert(%s) column %s: %w", t.Name, col.Name, err)
		}
	}
	return nil
}

// Update implements update(T, new_pk, old_pk, (new,old)…). The trigger
// layer passes every data column's NEW and OLD value; Update re-derives
// "changed" from the raw values so only genuinely modified columns advance
// their clocks.
func (c *Capturer) Update(t *registry.Table, newPK, oldPK []byte, newVals, oldVals []any) error {
	if c.Suppressed || !t.Enabled {
		return nil
	}
	if len(newVals) != len(t.DataCols) || len(oldVals) != len(t.DataCols) {
		return fmt.Errorf("capture: update(%s): %w: expected %d column values, got new=%d old=%d",
			t.Name, csync.ErrMisuse, len(t.DataCols), len(newVals), len(oldVals))
	}

	meta := registry.QuoteIdent(t.MetaTable())

	if !pkEqual(newPK, oldPK) {
		dv, err := c.clock.Next(nil)
		if err != nil {
			return fmt.Errorf("capture: update(%s) pk move: %w", t.Name, err)
		}
		seq := c.clock.BumpSeq()
		if err := c.markDelete(t, oldPK, dv, seq); err != nil {
			return err
		}

		moveStmt, err := t.Stmt(c.conn, stmtPKMove, fmt.Sprintf(`
			UPDATE OR REPLACE %s SET pk = ?, col_version = 1, db_version = ?, seq = ?, site_id = 0
			WHERE pk = ? AND col_name != ?
		`, meta))
		if err != nil {
			return err
		}
		if err := csync.ExecPrepared(moveStmt, newPK, dv, c.clock.BumpSeq(), oldPK, csync.SentinelColumn); err != nil {
			return fmt.Errorf("capture: update(%s) move non-sentinel meta: %w", t.Name, err)
		}

		if err := csync.Exec(c.conn, fmt.Sprintf(`
			INSERT INTO %s (pk, col_name, col_version, db_version, seq, site_id) VALUES (?, ?, 1, ?, ?, 0)
			ON CONFLICT (pk, col_name) DO UPDATE SET col_version = %s.col_version + 1, db_version = excluded.db_version, seq = excluded.seq, site_id = 0
		`, meta, meta), newPK, csync.SentinelColumn, dv, c.clock.BumpSeq()); err != nil {
			return fmt.Errorf("capture: update(%s) insert new sentinel: %w", t.Name, err)
		}
	}

	targetPK := newPK
	for i, col := range t.DataCols {
		if valuesEqual(newVals[i], oldVals[i]) {
			continue
		}
		dv, err := c.clock.Next(nil)
		if err != nil {
			return fmt.Errorf("capture: update(%s) column %s: %w", t.Name, col.Name, err)
		}
		seq := c.clock.BumpSeq()
		if err := c.upsertColumn(t, targetPK, col.Name, dv, seq); err != nil {
			return fmt.Errorf("capture: update(%s) column %s: %w", t.Name, col.Name, err)
		}
	}
	return nil
}

// Delete implements delete(T, old_pk).
func (c *Capturer) Delete(t *registry.Table, pk []byte) error {
	if c.Suppressed || !t.Enabled {
		return nil
	}
	dv, err := c.clock.Next(nil)
	if err != nil {
		return fmt.Errorf("capture: delete(%s): %w", t.Name, err)
	}
	seq := c.clock.BumpSeq()
	return c.markDelete(t, pk, dv, seq)
}

// markDelete writes the tombstone sentinel (next even col_version) and
// drops every non-sentinel meta row for pk.
func (c *Capturer) markDelete(t *registry.Table, pk []byte, dv, seq int64) error {
	meta := registry.QuoteIdent(t.MetaTable())

	existingCV, found, err := c.sentinelCV(t, pk)
	if err != nil {
		return fmt.Errorf("capture: markDelete(%s) sentinel lookup: %w", t.Name, err)
	}

	if found {
		nextCV := existingCV
		if existingCV%2 != 0 {
			nextCV = existingCV + 1
		}
		stmt, err := t.Stmt(c.conn, stmtSentinelUpdate, fmt.Sprintf(
			`UPDATE %s SET col_version = ?, db_version = ?, seq = ?, site_id = 0 WHERE pk = ? AND col_name = ?`, meta))
		if err != nil {
			return err
		}
		if err := csync.ExecPrepared(stmt, nextCV, dv, seq, pk, csync.SentinelColumn); err != nil {
			return fmt.Errorf("capture: markDelete(%s) sentinel: %w", t.Name, err)
		}
	} else {
		stmt, err := t.Stmt(c.conn, stmtSentinelInsert, fmt.Sprintf(
			`INSERT INTO %s (pk, col_name, col_version, db_version, seq, site_id) VALUES (?, ?, ?, ?, ?, 0)`, meta))
		if err != nil {
			return err
		}
		if err := csync.ExecPrepared(stmt, pk, csync.SentinelColumn, int64(2), dv, seq); err != nil {
			return fmt.Errorf("capture: markDelete(%s) insert tombstone: %w", t.Name, err)
		}
	}

	dropStmt, err := t.Stmt(c.conn, stmtRowDrop, fmt.Sprintf(
		`DELETE FROM %s WHERE pk = ? AND col_name != ?`, meta))
	if err != nil {
		return err
	}
	if err := csync.ExecPrepared(dropStmt, pk, csync.SentinelColumn); err != nil {
		return fmt.Errorf("capture: markDelete(%s) drop columns: %w", t.Name, err)
	}
	return nil
}

func pkEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && pkEqual(av, bv)
	default:
		return a == b
	}
}
