// Package engine wires every component into a single owned per-connection
// context ("no globals"): one registry, one version clock, one capturer,
// one merge engine, one change view, one schema evolver, all bound to the
// one host SQLite connection, and exposes the public SQL-callable function
// surface by registering Go callbacks with that connection via
// github.com/ncruces/go-sqlite3's CreateFunction/CommitHook/RollbackHook
// and the cloudsync_changes virtual table.
//
// Everything runs on the host's connection because that is the calling
// convention the triggers impose: cloudsync_insert/update/delete execute
// nested inside the user's own statement, and SQLite permits nested
// statements on one connection where a connection pool cannot.
package engine

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ncruces/go-sqlite3"

	"github.com/tigawanna/sqlite-sync/internal/capture"
	"github.com/tigawanna/sqlite-sync/internal/changeview"
	"github.com/tigawanna/sqlite-sync/internal/clockengine"
	"github.com/tigawanna/sqlite-sync/internal/clog"
	"github.com/tigawanna/sqlite-sync/internal/csync"
	"github.com/tigawanna/sqlite-sync/internal/merge"
	"github.com/tigawanna/sqlite-sync/internal/payload"
	"github.com/tigawanna/sqlite-sync/internal/pkcodec"
	"github.com/tigawanna/sqlite-sync/internal/registry"
	"github.com/tigawanna/sqlite-sync/internal/schemaevo"
	"github.com/tigawanna/sqlite-sync/internal/settings"
	"github.com/tigawanna/sqlite-sync/internal/uuid7"
)

// Engine is the connection-owning context: every managed table, every
// piece of shared clock/capture/merge state, bound to the one host SQLite
// connection the application also uses for its own SQL.
type Engine struct {
	conn *sqlite3.Conn

	reg      *registry.Registry
	settings *settings.Store
	clock    *clockengine.Clock
	capturer *capture.Capturer
	mergeEng *merge.Engine
	view     *changeview.View
	evolver  *schemaevo.Evolver
	uuidGen  *uuid7.Generator

	siteID            []byte
	compressThreshold int
}

// Option configures an Engine at construction time.
type Option func(*config)

type config struct {
	mergeEqualValues  bool
	compressThreshold int
}

// WithMergeEqualValues sets the internal site_id tie-break flag.
// Not part of the public SQL-callable surface.
func WithMergeEqualValues(on bool) Option {
	return func(c *config) { c.mergeEqualValues = on }
}

// WithCompressThreshold sets the raw payload-body size below which
// PayloadEncode skips LZ4 compression. Defaults to 0 (always attempt it).
func WithCompressThreshold(bytes int) Option {
	return func(c *config) { c.compressThreshold = bytes }
}

// Open builds an Engine bound to conn: creates the four global tables if
// absent, seeds the local site id, and registers the public SQL function
// surface, commit/rollback hooks, and the cloudsync_changes virtual table
// on that connection. The connection stays owned by the caller; Close
// releases the engine's statements and hooks but does not close it.
func Open(conn *sqlite3.Conn, opts ...Option) (*Engine, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	st := settings.New(conn)
	if err := st.Init(); err != nil {
		return nil, fmt.Errorf("engine: init settings: %w", err)
	}

	uuidGen := uuid7.New()
	generated := uuidGen.Next()
	siteID, err := st.EnsureLocalSite(generated[:])
	if err != nil {
		return nil, fmt.Errorf("engine: ensure local site: %w", err)
	}

	reg := registry.New()
	clock := clockengine.New(conn, reg, func() (int64, bool, error) {
		v, ok, err := st.Get(settings.KeyPreAlterDBVersion)
		if err != nil || !ok {
			return 0, ok, err
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("engine: parse pre_alter_dbversion %q: %w", v, err)
		}
		return n, true, nil
	})
	capturer := capture.New(conn, clock)

	var mergeOpts []merge.Option
	if cfg.mergeEqualValues {
		mergeOpts = append(mergeOpts, merge.WithMergeEqualValues(true))
	}
	mergeEng := merge.New(conn, reg, st, clock, capturer, mergeOpts...)
	view := changeview.New(conn, reg, st)
	evolver := schemaevo.New(conn, reg, st, clock)

	e := &Engine{
		conn:              conn,
		reg:               reg,
		settings:          st,
		clock:             clock,
		capturer:          capturer,
		mergeEng:          mergeEng,
		view:              view,
		evolver:           evolver,
		uuidGen:           uuidGen,
		siteID:            siteID,
		compressThreshold: cfg.compressThreshold,
	}

	if err := e.registerHooks(conn); err != nil {
		return nil, err
	}
	if err := st.Set(settings.KeyLibraryVersion, e.Version()); err != nil {
		return nil, err
	}
	return e, nil
}

// registerHooks installs the commit/rollback hooks, the public SQL function
// surface, and the cloudsync_changes virtual table on conn.
func (e *Engine) registerHooks(conn *sqlite3.Conn) error {
	conn.CommitHook(func() bool {
		e.clock.OnCommit()
		return true
	})
	conn.RollbackHook(func() {
		e.clock.OnRollback()
	})

	if err := changeview.Register(conn, &changeview.Module{View: e.view, Applier: e.mergeEng}); err != nil {
		return fmt.Errorf("engine: register cloudsync_changes: %w", err)
	}

	fns := map[string]func(ctx sqlite3.Context, arg ...sqlite3.Value){
		"cloudsync_is_sync":         e.sqlIsSync,
		"cloudsync_insert":          e.sqlInsert,
		"cloudsync_update":          e.sqlUpdate,
		"cloudsync_delete":          e.sqlDelete,
		"cloudsync_version":         e.sqlVersion,
		"cloudsync_siteid":          e.sqlSiteID,
		"cloudsync_uuid":            e.sqlUUID,
		"cloudsync_db_version":      e.sqlDBVersion,
		"cloudsync_db_version_next": e.sqlDBVersionNext,
		"cloudsync_seq":             e.sqlSeq,
		"cloudsync_pk_encode":       e.sqlPKEncode,
		"cloudsync_pk_decode":       e.sqlPKDecode,
		"cloudsync_col_value":       e.sqlColValue,
		"cloudsync_set":             e.sqlSet,
		"cloudsync_set_table":       e.sqlSetTable,
		"cloudsync_set_column":      e.sqlSetColumn,
		"cloudsync_payload_decode":  e.sqlPayloadDecode,
		"cloudsync_payload_encode":  e.sqlPayloadEncode,
		"cloudsync_init":            e.sqlInit,
		"cloudsync_cleanup":         e.sqlCleanup,
		"cloudsync_terminate":       e.sqlTerminate,
		"cloudsync_enable":          e.sqlEnable,
		"cloudsync_disable":         e.sqlDisable,
		"cloudsync_is_enabled":      e.sqlIsEnabled,
		"cloudsync_begin_alter":     e.sqlBeginAlter,
		"cloudsync_commit_alter":    e.sqlCommitAlter,
	}
	// Triggers call cloudsync_is_sync/insert/update/delete from their WHEN
	// clauses and bodies, so those four cannot be DIRECTONLY; they are
	// registered INNOCUOUS so SQLite accepts them inside trigger programs.
	triggerCallable := map[string]bool{
		"cloudsync_is_sync": true, "cloudsync_insert": true,
		"cloudsync_update": true, "cloudsync_delete": true,
	}
	for name, fn := range fns {
		flag := sqlite3.DIRECTONLY
		if triggerCallable[name] {
			flag = sqlite3.INNOCUOUS
		}
		if err := conn.CreateFunction(name, -1, flag, fn); err != nil {
			return fmt.Errorf("engine: register function %s: %w", name, err)
		}
	}
	return nil
}

// Close terminates the engine's per-connection state: finalizes every
// prepared statement and clears the hooks. The underlying connection
// remains open and owned by the caller.
func (e *Engine) Close() error {
	if e.conn != nil {
		e.conn.CommitHook(nil)
		e.conn.RollbackHook(nil)
	}
	e.capturer.Suppressed = false
	e.reg.Reset()
	return nil
}

// Conn exposes the host connection for callers embedding the engine (the
// CLI, tests) that need to run their own SQL on the same connection.
func (e *Engine) Conn() *sqlite3.Conn { return e.conn }

// Version implements `version`.
func (e *Engine) Version() string {
	v := payload.LibraryVersion
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// SiteID implements `siteid`.
func (e *Engine) SiteID() []byte { return e.siteID }

// SiteIDHex returns the local site id as lowercase hex, the form
// internal/transport's connection-string endpoints use.
func (e *Engine) SiteIDHex() string { return hex.EncodeToString(e.siteID) }

// UUID implements `uuid`.
func (e *Engine) UUID() string { return e.uuidGen.NextString() }

// DBVersion implements `db_version`.
func (e *Engine) DBVersion() (int64, error) { return e.clock.DBVersion() }

// DBVersionNext implements `db_version_next([merging])`.
func (e *Engine) DBVersionNext(merging *int64) (int64, error) {
	return e.clock.Next(merging)
}

// Seq implements `seq`.
func (e *Engine) Seq() int64 { return e.clock.BumpSeq() }

// Registry exposes the augmented-table registry for the doctor command and
// for tests; init/cleanup mutate it through the methods below, never directly.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Settings exposes the settings store for the CLI and doctor command.
func (e *Engine) Settings() *settings.Store { return e.settings }

// View exposes the change view for transport.Sync wiring.
func (e *Engine) View() *changeview.View { return e.view }

// Applier satisfies transport.SyncDeps.Applier.
func (e *Engine) Applier() changeview.Applier { return e.mergeEng }

const (
	savepointInit   = "cloudsync_init"
	savepointLogout = "cloudsync_logout_sp"
)

// Init implements `init(T [, algo [, skip_int_pk_check]])`.
// T = "*" registers every user table not already managed and not one of
// cloudsync's own tables.
func (e *Engine) Init(table string, algo csync.Algorithm, skipIntPKCheck bool) error {
	if algo == "" {
		algo = csync.AlgoCLS
	}
	if table == "*" {
		names, err := e.userTables()
		if err != nil {
			return err
		}
		for _, n := range names {
			if _, managed := e.reg.Lookup(n); managed {
				continue
			}
			if err := e.Init(n, algo, skipIntPKCheck); err != nil {
				return err
			}
		}
		return nil
	}

	tbl, err := registry.Introspect(e.conn, table)
	if err != nil {
		return fmt.Errorf("engine: init(%s): %w", table, err)
	}
	if err := registry.Validate(tbl, skipIntPKCheck); err != nil {
		return err
	}

	if err := e.conn.Exec("SAVEPOINT " + registry.QuoteIdent(savepointInit)); err != nil {
		return fmt.Errorf("engine: init(%s) savepoint: %w", table, err)
	}
	if err := e.conn.Exec(capture.CreateMetaTable(tbl)); err != nil {
		e.rollbackSavepoint(savepointInit)
		return fmt.Errorf("engine: init(%s) create meta table: %w", table, err)
	}
	if err := e.conn.Exec(capture.CreateTriggers(tbl)); err != nil {
		e.rollbackSavepoint(savepointInit)
		return fmt.Errorf("engine: init(%s) create triggers: %w", table, err)
	}
	if err := e.reg.Register(tbl, algo); err != nil {
		e.rollbackSavepoint(savepointInit)
		return fmt.Errorf("engine: init(%s) register: %w", table, err)
	}
	if err := e.backfill(tbl); err != nil {
		e.reg.Deregister(table)
		e.rollbackSavepoint(savepointInit)
		return fmt.Errorf("engine: init(%s) backfill: %w", table, err)
	}
	if err := e.conn.Exec("RELEASE " + registry.QuoteIdent(savepointInit)); err != nil {
		return fmt.Errorf("engine: init(%s) release savepoint: %w", table, err)
	}
	e.clock.InvalidateSchema()
	if err := e.refreshSchemaHash(); err != nil {
		return err
	}
	return nil
}

// backfill seeds meta rows for rows that existed in tbl before it was
// managed: every PK without a sentinel gets the same meta rows a fresh
// INSERT would have produced. Re-init after commit_alter leaves rows that
// already carry meta untouched.
func (e *Engine) backfill(tbl *registry.Table) error {
	pkCols := make([]string, len(tbl.PKCols))
	for i, c := range tbl.PKCols {
		pkCols[i] = registry.QuoteIdent(c.Name)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(pkCols, ", "), registry.QuoteIdent(tbl.Name))

	var pks [][]byte
	err := csync.Query(e.conn, query, nil, func(stmt *sqlite3.Stmt) error {
		values := make([]any, len(tbl.PKCols))
		for i := range values {
			values[i] = csync.ColumnValue(stmt, i)
		}
		pk, err := pkcodec.Encode(values...)
		if err != nil {
			return err
		}
		pks = append(pks, pk)
		return nil
	})
	if err != nil {
		return err
	}

	meta := registry.QuoteIdent(tbl.MetaTable())
	for _, pk := range pks {
		var n int64
		if err := csync.QueryRow(e.conn, fmt.Sprintf(
			`SELECT COUNT(*) FROM %s WHERE pk = ? AND col_name = ?`, meta),
			[]any{pk, csync.SentinelColumn}, &n); err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if err := e.capturer.Insert(tbl, pk); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup implements `cleanup(T)`. T = "*" deregisters every
// managed table.
func (e *Engine) Cleanup(table string) error {
	if table == "*" {
		for _, t := range e.reg.All() {
			if err := e.Cleanup(t.Name); err != nil {
				return err
			}
		}
		return nil
	}
	tbl, ok := e.reg.Lookup(table)
	if !ok {
		return fmt.Errorf("engine: %w: table %q is not managed", csync.ErrMisuse, table)
	}
	// Finalize the table's cached statements before dropping the objects
	// they reference.
	e.reg.Deregister(table)
	if err := e.conn.Exec(capture.DropTriggers(tbl)); err != nil {
		return fmt.Errorf("engine: cleanup(%s) drop triggers: %w", table, err)
	}
	if err := e.conn.Exec("DROP TABLE IF EXISTS " + registry.QuoteIdent(tbl.MetaTable())); err != nil {
		return fmt.Errorf("engine: cleanup(%s) drop meta table: %w", table, err)
	}
	e.clock.InvalidateSchema()
	return nil
}

// Terminate implements `terminate`, wrapped in a `cloudsync_logout_sp`
// savepoint even though this implementation has no durable writes to
// protect there: Close only frees Go-side state, so the bracket exists for
// parity with the documented transaction boundary rather than because a
// partial failure is possible.
func (e *Engine) Terminate() error {
	if err := e.conn.Exec("SAVEPOINT " + registry.QuoteIdent(savepointLogout)); err != nil {
		return fmt.Errorf("engine: terminate savepoint: %w", err)
	}
	if err := e.conn.Exec("RELEASE " + registry.QuoteIdent(savepointLogout)); err != nil {
		return fmt.Errorf("engine: terminate release savepoint: %w", err)
	}
	return e.Close()
}

func (e *Engine) rollbackSavepoint(name string) {
	_ = e.conn.Exec("ROLLBACK TO " + registry.QuoteIdent(name))
	_ = e.conn.Exec("RELEASE " + registry.QuoteIdent(name))
}

func (e *Engine) userTables() ([]string, error) {
	var out []string
	err := csync.Query(e.conn, `
		SELECT name FROM sqlite_master
		WHERE type = 'table'
		  AND name NOT LIKE 'sqlite_%'
		  AND name NOT LIKE 'cloudsync\_%' ESCAPE '\'
		  AND name NOT LIKE '%\_meta' ESCAPE '\'
	`, nil, func(stmt *sqlite3.Stmt) error {
		out = append(out, stmt.ColumnText(0))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("engine: enumerate user tables: %w", err)
	}
	return out, nil
}

// Enable/Disable/IsEnabled implement capture-suppression
// toggles. table = "*" applies to every managed table.
func (e *Engine) Enable(table string) error  { return e.setEnabled(table, true) }
func (e *Engine) Disable(table string) error { return e.setEnabled(table, false) }

func (e *Engine) setEnabled(table string, on bool) error {
	if table == "*" {
		for _, t := range e.reg.All() {
			if err := e.reg.SetEnabled(t.Name, on); err != nil {
				return err
			}
		}
		return nil
	}
	return e.reg.SetEnabled(table, on)
}

func (e *Engine) IsEnabled(table string) (bool, error) { return e.reg.IsEnabled(table) }

// BeginAlter/CommitAlter implement the schema-evolution bracket.
func (e *Engine) BeginAlter(table string) error {
	return e.evolver.BeginAlter(table)
}

func (e *Engine) CommitAlter(table string) error {
	if err := e.evolver.CommitAlter(table); err != nil {
		return err
	}
	// Re-init semantics: a PK change rebuilt the meta table empty, so the
	// surviving user rows need fresh sentinels and column rows.
	if tbl, ok := e.reg.Lookup(table); ok {
		if err := e.backfill(tbl); err != nil {
			return fmt.Errorf("engine: commit_alter(%s) backfill: %w", table, err)
		}
	}
	return e.refreshSchemaHash()
}

// SchemaHash implements the fingerprint internal/transport needs to gate
// inbound payloads, recomputed from the registry's
// current managed tables.
func (e *Engine) SchemaHash() (uint64, error) {
	tables := e.reg.All()
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	createSQL, err := registry.CreateTableSQL(e.conn, names)
	if err != nil {
		return 0, err
	}
	return payload.SchemaHash(createSQL), nil
}

// refreshSchemaHash registers the current schema fingerprint as known, so a
// payload this replica itself produced is always acceptable on decode.
func (e *Engine) refreshSchemaHash() error {
	hash, err := e.SchemaHash()
	if err != nil {
		return err
	}
	dv, err := e.clock.DBVersion()
	if err != nil {
		return err
	}
	return e.settings.RegisterSchemaHash(hash, dv)
}

// PayloadEncode implements `payload_encode`, approximated as a
// single call rather than a true SQL aggregate accumulator: it is exposed
// as a Go method and via a scalar SQL function wrapper that runs the same
// one-shot query over the change view.
func (e *Engine) PayloadEncode(filter changeview.Filter) ([]byte, error) {
	rows, err := e.view.Rows(filter)
	if err != nil {
		return nil, err
	}
	hash, err := e.SchemaHash()
	if err != nil {
		return nil, err
	}
	return payload.Encode(rows, hash, e.compressThreshold)
}

// PayloadDecode implements `payload_decode`: applies every row
// of blob, wrapping each distinct db_version in its own savepoint so that
// one bad row does not abort earlier good rows.
func (e *Engine) PayloadDecode(blob []byte) (int, error) {
	decoded, err := payload.Decode(blob, func(hash uint64) (bool, error) {
		return e.settings.KnownSchemaHash(hash)
	})
	if err != nil {
		return 0, err
	}

	applied := 0
	var groupStart int
	for groupStart < len(decoded.Rows) {
		dv := decoded.Rows[groupStart].DBVersion
		groupEnd := groupStart + 1
		for groupEnd < len(decoded.Rows) && decoded.Rows[groupEnd].DBVersion == dv {
			groupEnd++
		}

		name := fmt.Sprintf("cloudsync_apply_%d", dv)
		if err := e.conn.Exec("SAVEPOINT " + registry.QuoteIdent(name)); err != nil {
			return applied, fmt.Errorf("engine: payload_decode savepoint db_version=%d: %w", dv, err)
		}

		groupErr := error(nil)
		groupApplied := 0
		for _, row := range decoded.Rows[groupStart:groupEnd] {
			if err := e.mergeEng.Apply(row); err != nil {
				groupErr = err
				break
			}
			groupApplied++
		}

		if groupErr != nil {
			e.rollbackSavepoint(name)
			clog.Debugf("payload_decode: rolled back db_version=%d: %v", dv, groupErr)
		} else {
			if err := e.conn.Exec("RELEASE " + registry.QuoteIdent(name)); err != nil {
				return applied, fmt.Errorf("engine: payload_decode release savepoint db_version=%d: %w", dv, err)
			}
			applied += groupApplied
		}

		groupStart = groupEnd
	}
	return applied, nil
}

// Set/SetTable/SetColumn implement settings mutators.
func (e *Engine) Set(key, value string) error {
	return e.settings.Set(key, value)
}

func (e *Engine) SetTable(table, key, value string) error {
	return e.settings.SetTable(table, "", key, value)
}

// WipeTable implements the `set_table(tbl, null, null)` form:
// wipes every settings entry for table regardless of column or key.
func (e *Engine) WipeTable(table string) error {
	return e.settings.WipeTable(table)
}

func (e *Engine) SetColumn(table, col, key, value string) error {
	return e.settings.SetTable(table, col, key, value)
}

// Insert/Update/Delete implement trigger-callable capture
// entry points, taking already-decoded pk/column values.
func (e *Engine) Insert(table string, pkValues ...any) error {
	tbl, ok := e.reg.Lookup(table)
	if !ok {
		return fmt.Errorf("engine: %w: table %q is not managed", csync.ErrMisuse, table)
	}
	pk, err := pkcodec.Encode(pkValues...)
	if err != nil {
		return err
	}
	return e.capturer.Insert(tbl, pk)
}

func (e *Engine) Delete(table string, pkValues ...any) error {
	tbl, ok := e.reg.Lookup(table)
	if !ok {
		return fmt.Errorf("engine: %w: table %q is not managed", csync.ErrMisuse, table)
	}
	pk, err := pkcodec.Encode(pkValues...)
	if err != nil {
		return err
	}
	return e.capturer.Delete(tbl, pk)
}

func (e *Engine) Update(table string, newPKValues, oldPKValues, newVals, oldVals []any) error {
	tbl, ok := e.reg.Lookup(table)
	if !ok {
		return fmt.Errorf("engine: %w: table %q is not managed", csync.ErrMisuse, table)
	}
	newPK, err := pkcodec.Encode(newPKValues...)
	if err != nil {
		return err
	}
	oldPK, err := pkcodec.Encode(oldPKValues...)
	if err != nil {
		return err
	}
	return e.capturer.Update(tbl, newPK, oldPK, newVals, oldVals)
}

// PKEncode/PKDecode implement the exposed codec.
func (e *Engine) PKEncode(values ...any) ([]byte, error) { return pkcodec.Encode(values...) }

func (e *Engine) PKDecode(pk []byte) ([]any, error) { return pkcodec.DecodeValues(pk) }

// ColValue implements `col_value(tbl, col_name, pk)`.
func (e *Engine) ColValue(table, colName string, pk []byte) (any, error) {
	tbl, ok := e.reg.Lookup(table)
	if !ok {
		return nil, fmt.Errorf("engine: %w: table %q is not managed", csync.ErrMisuse, table)
	}
	return e.view.ColumnValue(tbl, colName, pk)
}

// Exec runs arbitrary SQL on the engine's connection, a convenience for
// the CLI and tests that would otherwise reach through Conn().
func (e *Engine) Exec(query string, args ...any) error {
	return csync.Exec(e.conn, query, args...)
}

// QueryRow runs query on the engine's connection and scans the first
// result row into dest, returning csync.ErrNoRows when there is none.
func (e *Engine) QueryRow(query string, args []any, dest ...any) error {
	return csync.QueryRow(e.conn, query, args, dest...)
}

// --- SQL function adapters ---
//
// Each adapter converts sqlite3.Value arguments into Go values, calls the
// corresponding Engine method, and reports failure via ctx.ResultError so
// the calling SQL statement sees the error the way a native SQL function
// would.

func argsToAny(args []sqlite3.Value) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = csync.ValueToAny(a)
	}
	return out
}

func (e *Engine) sqlIsSync(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) != 1 {
		ctx.ResultError(fmt.Errorf("cloudsync_is_sync: %w: expected 1 argument", csync.ErrMisuse))
		return
	}
	name := arg[0].Text()
	tbl, ok := e.reg.Lookup(name)
	if !ok || !tbl.Enabled || e.capturer.Suppressed {
		ctx.ResultInt64(1)
		return
	}
	ctx.ResultInt64(0)
}

func (e *Engine) sqlInsert(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) < 1 {
		ctx.ResultError(fmt.Errorf("cloudsync_insert: %w: expected at least 1 argument", csync.ErrMisuse))
		return
	}
	if err := e.Insert(arg[0].Text(), argsToAny(arg[1:])...); err != nil {
		ctx.ResultError(err)
	}
}

func (e *Engine) sqlDelete(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) < 1 {
		ctx.ResultError(fmt.Errorf("cloudsync_delete: %w: expected at least 1 argument", csync.ErrMisuse))
		return
	}
	if err := e.Delete(arg[0].Text(), argsToAny(arg[1:])...); err != nil {
		ctx.ResultError(err)
	}
}

func (e *Engine) sqlUpdate(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) < 1 {
		ctx.ResultError(fmt.Errorf("cloudsync_update: %w: expected at least 1 argument", csync.ErrMisuse))
		return
	}
	name := arg[0].Text()
	tbl, ok := e.reg.Lookup(name)
	if !ok {
		ctx.ResultError(fmt.Errorf("cloudsync_update: %w: table %q is not managed", csync.ErrMisuse, name))
		return
	}
	n := len(tbl.PKCols)
	rest := arg[1:]
	if len(rest) < 2*n+2*len(tbl.DataCols) {
		ctx.ResultError(fmt.Errorf("cloudsync_update: %w: argument count mismatch for table %q", csync.ErrMisuse, name))
		return
	}
	newPK := argsToAny(rest[:n])
	oldPK := argsToAny(rest[n : 2*n])
	pairs := rest[2*n:]
	newVals := make([]any, len(tbl.DataCols))
	oldVals := make([]any, len(tbl.DataCols))
	for i := range tbl.DataCols {
		newVals[i] = csync.ValueToAny(pairs[2*i])
		oldVals[i] = csync.ValueToAny(pairs[2*i+1])
	}
	if err := e.Update(name, newPK, oldPK, newVals, oldVals); err != nil {
		ctx.ResultError(err)
	}
}

func (e *Engine) sqlVersion(ctx sqlite3.Context, arg ...sqlite3.Value) {
	ctx.ResultText(e.Version())
}

func (e *Engine) sqlSiteID(ctx sqlite3.Context, arg ...sqlite3.Value) {
	ctx.ResultBlob(e.SiteID())
}

func (e *Engine) sqlUUID(ctx sqlite3.Context, arg ...sqlite3.Value) {
	ctx.ResultText(e.UUID())
}

func (e *Engine) sqlDBVersion(ctx sqlite3.Context, arg ...sqlite3.Value) {
	dv, err := e.DBVersion()
	if err != nil {
		ctx.ResultError(err)
		return
	}
	ctx.ResultInt64(dv)
}

func (e *Engine) sqlDBVersionNext(ctx sqlite3.Context, arg ...sqlite3.Value) {
	var merging *int64
	if len(arg) == 1 {
		v := arg[0].Int64()
		merging = &v
	}
	dv, err := e.DBVersionNext(merging)
	if err != nil {
		ctx.ResultError(err)
		return
	}
	ctx.ResultInt64(dv)
}

func (e *Engine) sqlSeq(ctx sqlite3.Context, arg ...sqlite3.Value) {
	ctx.ResultInt64(e.Seq())
}

func (e *Engine) sqlPKEncode(ctx sqlite3.Context, arg ...sqlite3.Value) {
	enc, err := pkcodec.Encode(argsToAny(arg)...)
	if err != nil {
		ctx.ResultError(err)
		return
	}
	ctx.ResultBlob(enc)
}

func (e *Engine) sqlPKDecode(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) != 2 {
		ctx.ResultError(fmt.Errorf("cloudsync_pk_decode: %w: expected 2 arguments", csync.ErrMisuse))
		return
	}
	values, err := pkcodec.DecodeValues(arg[0].Blob(nil))
	if err != nil {
		ctx.ResultError(err)
		return
	}
	idx := int(arg[1].Int64())
	if idx < 0 || idx >= len(values) {
		ctx.ResultError(fmt.Errorf("cloudsync_pk_decode: %w: field index %d out of range", csync.ErrMisuse, idx))
		return
	}
	csync.ResultAny(ctx, values[idx])
}

func (e *Engine) sqlColValue(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) != 3 {
		ctx.ResultError(fmt.Errorf("cloudsync_col_value: %w: expected 3 arguments", csync.ErrMisuse))
		return
	}
	v, err := e.ColValue(arg[0].Text(), arg[1].Text(), arg[2].Blob(nil))
	if err != nil {
		ctx.ResultError(err)
		return
	}
	csync.ResultAny(ctx, v)
}

func (e *Engine) sqlSet(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) != 2 {
		ctx.ResultError(fmt.Errorf("cloudsync_set: %w: expected 2 arguments", csync.ErrMisuse))
		return
	}
	if err := e.Set(arg[0].Text(), arg[1].Text()); err != nil {
		ctx.ResultError(err)
	}
}

// sqlSetTable implements `set_table`. With key and value both
// NULL it dispatches to the wipe-all form of `set_table(tbl, null, null)`
// rather than setting an empty-string key/value pair.
func (e *Engine) sqlSetTable(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) != 3 {
		ctx.ResultError(fmt.Errorf("cloudsync_set_table: %w: expected 3 arguments", csync.ErrMisuse))
		return
	}
	if arg[1].Type() == sqlite3.NULL && arg[2].Type() == sqlite3.NULL {
		if err := e.WipeTable(arg[0].Text()); err != nil {
			ctx.ResultError(err)
		}
		return
	}
	if err := e.SetTable(arg[0].Text(), arg[1].Text(), arg[2].Text()); err != nil {
		ctx.ResultError(err)
	}
}

func (e *Engine) sqlSetColumn(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) != 4 {
		ctx.ResultError(fmt.Errorf("cloudsync_set_column: %w: expected 4 arguments", csync.ErrMisuse))
		return
	}
	if err := e.SetColumn(arg[0].Text(), arg[1].Text(), arg[2].Text(), arg[3].Text()); err != nil {
		ctx.ResultError(err)
	}
}

func (e *Engine) sqlPayloadDecode(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) != 1 {
		ctx.ResultError(fmt.Errorf("cloudsync_payload_decode: %w: expected 1 argument", csync.ErrMisuse))
		return
	}
	n, err := e.PayloadDecode(arg[0].Blob(nil))
	if err != nil {
		ctx.ResultError(err)
		return
	}
	ctx.ResultInt64(int64(n))
}

// sqlPayloadEncode implements `payload_encode` as a one-shot
// scalar call over the full unfiltered change view, per the aggregate
// approximation noted on Engine.PayloadEncode.
func (e *Engine) sqlPayloadEncode(ctx sqlite3.Context, arg ...sqlite3.Value) {
	blob, err := e.PayloadEncode(changeview.Filter{})
	if err != nil {
		ctx.ResultError(err)
		return
	}
	ctx.ResultBlob(blob)
}

func (e *Engine) sqlInit(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) < 1 || len(arg) > 3 {
		ctx.ResultError(fmt.Errorf("cloudsync_init: %w: expected 1-3 arguments", csync.ErrMisuse))
		return
	}
	algo := csync.Algorithm("")
	if len(arg) >= 2 {
		algo = csync.Algorithm(arg[1].Text())
	}
	skipIntPKCheck := false
	if len(arg) == 3 {
		skipIntPKCheck = arg[2].Int64() != 0
	}
	if err := e.Init(arg[0].Text(), algo, skipIntPKCheck); err != nil {
		ctx.ResultError(err)
	}
}

func (e *Engine) sqlCleanup(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) != 1 {
		ctx.ResultError(fmt.Errorf("cloudsync_cleanup: %w: expected 1 argument", csync.ErrMisuse))
		return
	}
	if err := e.Cleanup(arg[0].Text()); err != nil {
		ctx.ResultError(err)
	}
}

// sqlTerminate implements the in-callback-safe portion of
// `terminate`: it frees the in-memory registry/statement state. Hook
// removal and any further teardown stay a Go-level Engine.Close call the
// host makes once it is done issuing statements.
func (e *Engine) sqlTerminate(ctx sqlite3.Context, arg ...sqlite3.Value) {
	e.reg.Reset()
}

func (e *Engine) sqlEnable(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) != 1 {
		ctx.ResultError(fmt.Errorf("cloudsync_enable: %w: expected 1 argument", csync.ErrMisuse))
		return
	}
	if err := e.Enable(arg[0].Text()); err != nil {
		ctx.ResultError(err)
	}
}

func (e *Engine) sqlDisable(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) != 1 {
		ctx.ResultError(fmt.Errorf("cloudsync_disable: %w: expected 1 argument", csync.ErrMisuse))
		return
	}
	if err := e.Disable(arg[0].Text()); err != nil {
		ctx.ResultError(err)
	}
}

func (e *Engine) sqlIsEnabled(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) != 1 {
		ctx.ResultError(fmt.Errorf("cloudsync_is_enabled: %w: expected 1 argument", csync.ErrMisuse))
		return
	}
	on, err := e.IsEnabled(arg[0].Text())
	if err != nil {
		ctx.ResultError(err)
		return
	}
	if on {
		ctx.ResultInt64(1)
	} else {
		ctx.ResultInt64(0)
	}
}

func (e *Engine) sqlBeginAlter(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) != 1 {
		ctx.ResultError(fmt.Errorf("cloudsync_begin_alter: %w: expected 1 argument", csync.ErrMisuse))
		return
	}
	if err := e.BeginAlter(arg[0].Text()); err != nil {
		ctx.ResultError(err)
	}
}

func (e *Engine) sqlCommitAlter(ctx sqlite3.Context, arg ...sqlite3.Value) {
	if len(arg) != 1 {
		ctx.ResultError(fmt.Errorf("cloudsync_commit_alter: %w: expected 1 argument", csync.ErrMisuse))
		return
	}
	if err := e.CommitAlter(arg[0].Text()); err != nil {
		ctx.ResultError(err)
	}
}
