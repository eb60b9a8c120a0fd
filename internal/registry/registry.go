// Package registry implements the augmented-table registry: an in-memory
// index of every managed table, its column layout, its CRDT algorithm, and
// its precompiled statements.
//
// Column lists are read dynamically via `pragma_table_info` rather than
// hardcoded, so generated SQL follows the live schema.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ncruces/go-sqlite3"

	"github.com/tigawanna/sqlite-sync/internal/csync"
)

// Column describes one column of a managed table as read from
// pragma_table_info.
type Column struct {
	CID     int64
	Name    string
	Type    string
	NotNull bool
	Default any // nil when the column has no DEFAULT clause
	PKIndex int64 // 1-based position in the table's PRIMARY KEY, 0 if not a PK column
}

// Table is one managed table's registry entry.
type Table struct {
	Name      string
	Algorithm csync.Algorithm
	Columns   []Column // all columns, in schema order
	PKCols    []Column // primary-key columns, in PK order
	DataCols  []Column // non-PK columns, in schema order
	Enabled   bool

	metaTable string
	stmts     *stmtSet
}

// MetaTable returns the shadow table name for this managed table ("T_meta").
func (t *Table) MetaTable() string { return t.metaTable }

// Stmt returns the cached prepared statement for key, preparing it against
// query on first use. This is the single entry point capture/merge code
// uses to reach the per-table statement set.
func (t *Table) Stmt(conn *sqlite3.Conn, key, query string) (*sqlite3.Stmt, error) {
	return t.stmts.Prepare(conn, key, query)
}

// stmtSet holds the per-table prepared statements, plus one
// merge-into-column/column-value pair per non-PK column. Stored as a map
// keyed by a short mnemonic so capture/merge code can ask for them by name
// instead of threading fifteen struct fields around.
type stmtSet struct {
	mu    sync.Mutex
	byKey map[string]*sqlite3.Stmt
}

func newStmtSet() *stmtSet {
	return &stmtSet{byKey: make(map[string]*sqlite3.Stmt)}
}

// Prepare lazily prepares and caches a statement under key. Statements are
// pinned to the host connection for the lifetime of the registry entry and
// finalized on Deregister/Reset.
func (s *stmtSet) Prepare(conn *sqlite3.Conn, key, query string) (*sqlite3.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stmt, ok := s.byKey[key]; ok {
		if err := stmt.Reset(); err != nil {
			return nil, fmt.Errorf("registry: reset %q: %w", key, err)
		}
		if err := stmt.ClearBindings(); err != nil {
			return nil, fmt.Errorf("registry: clear bindings %q: %w", key, err)
		}
		return stmt, nil
	}
	stmt, _, err := conn.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("registry: prepare %q: %w", key, err)
	}
	s.byKey[key] = stmt
	return stmt, nil
}

// Close finalizes every prepared statement, called on cleanup/terminate.
func (s *stmtSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range s.byKey {
		_ = stmt.Close()
	}
	s.byKey = make(map[string]*sqlite3.Stmt)
}

// Registry is the in-memory table index, owned by one connection context:
// no package-level globals.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table // keyed by lowercased table name
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

// Introspect reads pragma_table_info(tbl) to discover columns and PK
// layout. It does not mutate the registry; Register calls it and stores
// the result.
func Introspect(conn *sqlite3.Conn, tbl string) (*Table, error) {
	t := &Table{Name: tbl, metaTable: MetaTableName(tbl)}
	err := csync.Query(conn, fmt.Sprintf("PRAGMA table_info(%s)", QuoteIdent(tbl)), nil,
		func(stmt *sqlite3.Stmt) error {
			col := Column{
				CID:     stmt.ColumnInt64(0),
				Name:    stmt.ColumnText(1),
				Type:    stmt.ColumnText(2),
				NotNull: stmt.ColumnInt64(3) != 0,
				Default: csync.ColumnValue(stmt, 4),
				PKIndex: stmt.ColumnInt64(5),
			}
			t.Columns = append(t.Columns, col)
			if col.PKIndex > 0 {
				t.PKCols = append(t.PKCols, col)
			} else {
				t.DataCols = append(t.DataCols, col)
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("registry: introspect %q: %w", tbl, err)
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("registry: %w: table %q does not exist", csync.ErrMisuse, tbl)
	}

	// Sort PK columns by their declared PK index (1-based ordinal).
	for i := 0; i < len(t.PKCols); i++ {
		for j := i + 1; j < len(t.PKCols); j++ {
			if t.PKCols[j].PKIndex < t.PKCols[i].PKIndex {
				t.PKCols[i], t.PKCols[j] = t.PKCols[j], t.PKCols[i]
			}
		}
	}
	return t, nil
}

// Validate enforces the misuse rules: composite PKs of more
// than 127 columns, a bare single-column INTEGER PK (SQLite rowid alias) unless
// explicitly skipped, and NOT NULL columns without a DEFAULT.
func Validate(t *Table, skipIntPKCheck bool) error {
	if len(t.PKCols) == 0 {
		return fmt.Errorf("registry: %w: table %q has no primary key", csync.ErrMisuse, t.Name)
	}
	if len(t.PKCols) > 127 {
		return fmt.Errorf("registry: %w: table %q has %d primary-key columns, max 127", csync.ErrMisuse, t.Name, len(t.PKCols))
	}
	if !skipIntPKCheck && len(t.PKCols) == 1 && strings.EqualFold(t.PKCols[0].Type, "INTEGER") {
		return fmt.Errorf("registry: %w: table %q has a single INTEGER primary key, which aliases SQLite's rowid and silently renumbers on delete; pass skip_int_pk_check to override", csync.ErrMisuse, t.Name)
	}
	for _, c := range t.DataCols {
		if c.NotNull && c.Default == nil {
			return fmt.Errorf("registry: %w: column %q.%q is NOT NULL without a DEFAULT", csync.ErrMisuse, t.Name, c.Name)
		}
	}
	return nil
}

// Register adds t to the registry under algo, allocating its statement
// cache. It does not create the meta table or triggers; callers (the
// engine) do that via capture/schemaevo before calling Register, or call
// Register first and then create supporting DDL. Register itself is pure
// bookkeeping so it never partially mutates durable state on failure.
func (r *Registry) Register(t *Table, algo csync.Algorithm) error {
	if !algo.Valid() {
		return fmt.Errorf("registry: %w: unknown algorithm %q", csync.ErrMisuse, algo)
	}
	if !algo.Implemented() {
		return fmt.Errorf("registry: %w: algorithm %q is recognized but not implemented", csync.ErrMisuse, algo)
	}
	t.Algorithm = algo
	t.Enabled = true
	t.stmts = newStmtSet()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[strings.ToLower(t.Name)] = t
	return nil
}

// Lookup finds a managed table by name, case-insensitively, through the
// map keyed by lowercased table name.
func (r *Registry) Lookup(name string) (*Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[strings.ToLower(name)]
	return t, ok
}

// All returns every managed table, for cleanup('*'), payload encoding
// across tables, and the doctor command's diagnostics.
func (r *Registry) All() []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Table, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t)
	}
	return out
}

// SetEnabled toggles capture suppression for a table.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	t, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("registry: %w: table %q is not managed", csync.ErrMisuse, name)
	}
	t.Enabled = enabled
	return nil
}

// IsEnabled reports whether capture is active for name.
func (r *Registry) IsEnabled(name string) (bool, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return false, fmt.Errorf("registry: %w: table %q is not managed", csync.ErrMisuse, name)
	}
	return t.Enabled, nil
}

// Deregister removes name from the registry and finalizes its prepared
// statements. It does not drop the meta table or triggers; schemaevo/engine
// own that ordering.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(name)
	if t, ok := r.tables[key]; ok {
		if t.stmts != nil {
			t.stmts.Close()
		}
		delete(r.tables, key)
	}
}

// Reset deregisters every table, finalizing all statements (terminate/global cleanup).
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tables {
		if t.stmts != nil {
			t.stmts.Close()
		}
	}
	r.tables = make(map[string]*Table)
}

// Describe snapshots table names and algorithms for the status command.
type Describe struct {
	Name      string
	Algorithm csync.Algorithm
	Enabled   bool
	NumPK     int
	NumData   int
}

// Describe lists every managed table's summary, for the status command.
func (r *Registry) Describe() []Describe {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Describe, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, Describe{
			Name:      t.Name,
			Algorithm: t.Algorithm,
			Enabled:   t.Enabled,
			NumPK:     len(t.PKCols),
			NumData:   len(t.DataCols),
		})
	}
	return out
}

// CreateTableSQL reads the stored CREATE TABLE text for every name from
// sqlite_master, for the schema-hash fingerprint
// ("FNV-1a over concatenated lowercase CREATE TABLE texts").
func CreateTableSQL(conn *sqlite3.Conn, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		var sqlText string
		err := csync.QueryRow(conn,
			`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, []any{name}, &sqlText)
		if err != nil {
			return nil, fmt.Errorf("registry: read create-table sql for %q: %w", name, err)
		}
		out[name] = sqlText
	}
	return out, nil
}

// MetaTableName derives "T_meta" from "T".
func MetaTableName(tbl string) string { return tbl + "_meta" }

// QuoteIdent escapes a SQL identifier using doubled double-quotes, the
// dialect SQLite uses for identifiers as opposed to string literals.
func QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// QuoteLiteral escapes a SQL string literal using doubled single-quotes.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
