// Package schemaevo implements the schema-evolution protocol: the
// begin_alter/commit_alter savepoint pair that lets a managed
// table survive an ALTER TABLE, rebuilding its triggers and compacting or
// rebuilding its meta table depending on whether the primary key changed.
//
// Schema changes are wrapped in a named savepoint so a failed step leaves
// the database exactly as it found it, and compaction deletes meta rows
// whose column or PK no longer exists after an ALTER.
package schemaevo

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ncruces/go-sqlite3"

	"github.com/tigawanna/sqlite-sync/internal/capture"
	"github.com/tigawanna/sqlite-sync/internal/clockengine"
	"github.com/tigawanna/sqlite-sync/internal/csync"
	"github.com/tigawanna/sqlite-sync/internal/payload"
	"github.com/tigawanna/sqlite-sync/internal/pkcodec"
	"github.com/tigawanna/sqlite-sync/internal/registry"
	"github.com/tigawanna/sqlite-sync/internal/settings"
)

const savepointName = "cloudsync_alter"

// Evolver runs begin_alter/commit_alter for one connection's registry.
type Evolver struct {
	conn  *sqlite3.Conn
	reg   *registry.Registry
	st    *settings.Store
	clock *clockengine.Clock

	mu      sync.Mutex
	pending map[string]*pendingAlter
}

type pendingAlter struct {
	oldPKNames   []string
	skipIntCheck bool
}

// New returns an Evolver wired to the connection's shared state.
func New(conn *sqlite3.Conn, reg *registry.Registry, st *settings.Store, clock *clockengine.Clock) *Evolver {
	return &Evolver{conn: conn, reg: reg, st: st, clock: clock, pending: make(map[string]*pendingAlter)}
}

// BeginAlter implements begin_alter(T): opens the named
// savepoint, snapshots the current PK column list, and drops T's cloudsync
// triggers so the host's ALTER TABLE (or CREATE/RENAME/INSERT/DROP rewrite)
// can run unobserved.
func (e *Evolver) BeginAlter(tblName string) error {
	tbl, ok := e.reg.Lookup(tblName)
	if !ok {
		return fmt.Errorf("schemaevo: %w: table %q is not managed", csync.ErrMisuse, tblName)
	}

	if err := e.conn.Exec("SAVEPOINT " + registry.QuoteIdent(savepointName)); err != nil {
		return fmt.Errorf("schemaevo: begin_alter(%s) savepoint: %w", tblName, err)
	}

	if err := e.conn.Exec(capture.DropTriggers(tbl)); err != nil {
		e.rollback()
		return fmt.Errorf("schemaevo: begin_alter(%s) drop triggers: %w", tblName, err)
	}

	names := make([]string, len(tbl.PKCols))
	for i, c := range tbl.PKCols {
		names[i] = c.Name
	}

	e.mu.Lock()
	e.pending[strings.ToLower(tblName)] = &pendingAlter{oldPKNames: names}
	e.mu.Unlock()
	return nil
}

// CommitAlter implements commit_alter(T): re-introspects T,
// drops T_meta if the PK changed or compacts it otherwise, persists
// pre_alter_dbversion, releases the savepoint, re-runs init, and updates the
// schema-hash registry. A failure before the savepoint is released rolls
// back to it and leaves the table's pre-alter triggers and meta intact; a
// failure in the later re-validate, re-register, meta-table, trigger or
// schema-hash steps returns the error without a rollback.
func (e *Evolver) CommitAlter(tblName string) error {
	e.mu.Lock()
	pending, ok := e.pending[strings.ToLower(tblName)]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("schemaevo: %w: no begin_alter in progress for table %q", csync.ErrMisuse, tblName)
	}

	oldTbl, ok := e.reg.Lookup(tblName)
	if !ok {
		e.rollback()
		return fmt.Errorf("schemaevo: %w: table %q is no longer managed", csync.ErrFatal, tblName)
	}
	algo := oldTbl.Algorithm

	newTbl, err := registry.Introspect(e.conn, tblName)
	if err != nil {
		e.rollback()
		return fmt.Errorf("schemaevo: commit_alter(%s) introspect: %w", tblName, err)
	}

	if pkChanged(pending.oldPKNames, newTbl.PKCols) {
		if err := e.conn.Exec(`DROP TABLE IF EXISTS ` + registry.QuoteIdent(newTbl.MetaTable())); err != nil {
			e.rollback()
			return fmt.Errorf("schemaevo: commit_alter(%s) drop meta on pk change: %w", tblName, err)
		}
	} else {
		if err := e.compactMeta(newTbl); err != nil {
			e.rollback()
			return fmt.Errorf("schemaevo: commit_alter(%s) compact meta: %w", tblName, err)
		}
	}

	dv, err := e.clock.DBVersion()
	if err != nil {
		e.rollback()
		return fmt.Errorf("schemaevo: commit_alter(%s) read db_version: %w", tblName, err)
	}
	if err := e.st.Set(settings.KeyPreAlterDBVersion, fmt.Sprintf("%d", dv)); err != nil {
		e.rollback()
		return fmt.Errorf("schemaevo: commit_alter(%s) persist pre_alter_dbversion: %w", tblName, err)
	}

	if err := e.conn.Exec("RELEASE " + registry.QuoteIdent(savepointName)); err != nil {
		return fmt.Errorf("schemaevo: commit_alter(%s) release savepoint: %w", tblName, err)
	}
	e.clock.InvalidateSchema()

	if err := registry.Validate(newTbl, pending.skipIntCheck); err != nil {
		return fmt.Errorf("schemaevo: commit_alter(%s) re-validate: %w", tblName, err)
	}
	e.reg.Deregister(tblName)
	if err := e.reg.Register(newTbl, algo); err != nil {
		return fmt.Errorf("schemaevo: commit_alter(%s) re-register: %w", tblName, err)
	}
	if err := e.conn.Exec(capture.CreateMetaTable(newTbl)); err != nil {
		return fmt.Errorf("schemaevo: commit_alter(%s) recreate meta table: %w", tblName, err)
	}
	if err := e.conn.Exec(capture.CreateTriggers(newTbl)); err != nil {
		return fmt.Errorf("schemaevo: commit_alter(%s) recreate triggers: %w", tblName, err)
	}

	if err := e.updateSchemaHashRegistry(); err != nil {
		return fmt.Errorf("schemaevo: commit_alter(%s) update schema hash: %w", tblName, err)
	}

	e.mu.Lock()
	delete(e.pending, strings.ToLower(tblName))
	e.mu.Unlock()
	return nil
}

func (e *Evolver) rollback() {
	_ = e.conn.Exec("ROLLBACK TO " + registry.QuoteIdent(savepointName))
	_ = e.conn.Exec("RELEASE " + registry.QuoteIdent(savepointName))
}

func pkChanged(oldNames []string, newPK []registry.Column) bool {
	if len(oldNames) != len(newPK) {
		return true
	}
	for i, name := range oldNames {
		if !strings.EqualFold(name, newPK[i].Name) {
			return true
		}
	}
	return false
}

// compactMeta implements commit_alter's "else" branch: delete column rows
// whose col_name no longer exists in T, and delete rows (other than live
// tombstone sentinels) whose PK no longer exists in T.
func (e *Evolver) compactMeta(tbl *registry.Table) error {
	meta := registry.QuoteIdent(tbl.MetaTable())

	validCols := make([]string, 0, len(tbl.DataCols)+1)
	validCols = append(validCols, registry.QuoteLiteral(csync.SentinelColumn))
	for _, c := range tbl.DataCols {
		validCols = append(validCols, registry.QuoteLiteral(c.Name))
	}
	if err := csync.Exec(e.conn, fmt.Sprintf(
		`DELETE FROM %s WHERE col_name NOT IN (%s)`, meta, strings.Join(validCols, ", "))); err != nil {
		return fmt.Errorf("delete orphaned column rows: %w", err)
	}

	// pk is an opaque blob keyed the same way across this ALTER (PK columns
	// didn't change in this branch), so each distinct pk is decoded and
	// checked against the live table directly.
	var pks [][]byte
	err := csync.Query(e.conn, fmt.Sprintf(`SELECT DISTINCT pk FROM %s`, meta), nil,
		func(stmt *sqlite3.Stmt) error {
			pks = append(pks, stmt.ColumnBlob(0, nil))
			return nil
		})
	if err != nil {
		return fmt.Errorf("enumerate meta pks: %w", err)
	}

	for _, pk := range pks {
		exists, err := rowExistsInTable(e.conn, tbl, pk)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := csync.Exec(e.conn, fmt.Sprintf(
			`DELETE FROM %s WHERE pk = ? AND NOT (col_name = ? AND col_version %% 2 = 0)`, meta),
			pk, csync.SentinelColumn); err != nil {
			return fmt.Errorf("delete orphaned pk %x: %w", pk, err)
		}
	}
	return nil
}

func rowExistsInTable(conn *sqlite3.Conn, tbl *registry.Table, pk []byte) (bool, error) {
	values, err := pkcodec.DecodeValues(pk)
	if err != nil {
		// An undecodable pk can't correspond to any live row.
		return false, nil
	}
	if len(values) != len(tbl.PKCols) {
		return false, nil
	}
	parts := make([]string, len(tbl.PKCols))
	for i, c := range tbl.PKCols {
		parts[i] = registry.QuoteIdent(c.Name) + " = ?"
	}
	var n int64
	err = csync.QueryRow(conn, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE %s`, registry.QuoteIdent(tbl.Name), strings.Join(parts, " AND ")), values, &n)
	if err != nil {
		return false, fmt.Errorf("row exists check: %w", err)
	}
	return n > 0, nil
}

// updateSchemaHashRegistry recomputes the FNV-1a fingerprint over every
// managed table's CREATE TABLE text and registers it as known, so payloads
// stamped with the new hash are accepted locally going forward.
func (e *Evolver) updateSchemaHashRegistry() error {
	tables := e.reg.All()
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	createSQL, err := registry.CreateTableSQL(e.conn, names)
	if err != nil {
		return err
	}
	hash := payload.SchemaHash(createSQL)
	dv, err := e.clock.DBVersion()
	if err != nil {
		return err
	}
	return e.st.RegisterSchemaHash(hash, dv)
}
