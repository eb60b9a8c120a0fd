// Package clockengine implements the version clock: the
// per-replica monotone db_version, the per-transaction seq counter, and the
// lazy recomputation triggered by the host engine's data_version/
// schema_version pragmas.
package clockengine

import (
	"fmt"
	"sync"

	"github.com/ncruces/go-sqlite3"

	"github.com/tigawanna/sqlite-sync/internal/csync"
	"github.com/tigawanna/sqlite-sync/internal/registry"
)

// Clock is the owned per-connection version-clock state
type Clock struct {
	mu sync.Mutex

	conn *sqlite3.Conn
	reg  *registry.Registry

	dbVersion        int64 // -1 if not yet loaded
	pendingDBVersion *int64
	seq              int64

	lastDataVersion   int64
	lastSchemaVersion int64
	loaded            bool

	// preAlterDBVersion resolves settings' pre_alter_dbversion without
	// importing the settings package directly (avoided to keep clockengine
	// free of a dependency on settings' table layout beyond the one key it
	// needs).
	preAlterDBVersion func() (int64, bool, error)
}

// New returns a Clock bound to conn and reg. preAlterDBVersion resolves the
// settings.KeyPreAlterDBVersion value; callers pass settings.Store.Get
// adapted to return an int64.
func New(conn *sqlite3.Conn, reg *registry.Registry, preAlterDBVersion func() (int64, bool, error)) *Clock {
	return &Clock{conn: conn, reg: reg, dbVersion: -1, preAlterDBVersion: preAlterDBVersion}
}

// pragmaVersions reads SQLite's data_version and schema_version pragmas,
// used to detect out-of-process writes and schema changes respectively.
func (c *Clock) pragmaVersions() (dataVersion, schemaVersion int64, err error) {
	if err = csync.QueryRow(c.conn, `PRAGMA data_version`, nil, &dataVersion); err != nil {
		return 0, 0, fmt.Errorf("clockengine: read data_version: %w", err)
	}
	if err = csync.QueryRow(c.conn, `PRAGMA schema_version`, nil, &schemaVersion); err != nil {
		return 0, 0, fmt.Errorf("clockengine: read schema_version: %w", err)
	}
	return dataVersion, schemaVersion, nil
}

// reload recomputes dbVersion by unioning max(db_version) across every
// managed table's meta table and the persisted pre_alter_dbversion.
func (c *Clock) reload() error {
	tables := c.reg.All()

	var maxVersion int64 = -1
	if fallback, ok, err := c.preAlterDBVersion(); err != nil {
		return fmt.Errorf("clockengine: read pre_alter_dbversion: %w", err)
	} else if ok && fallback > maxVersion {
		maxVersion = fallback
	}

	if len(tables) > 0 {
		var v any
		if err := csync.QueryRow(c.conn, unionQuery(tables), nil, &v); err != nil {
			return fmt.Errorf("clockengine: union max(db_version): %w", err)
		}
		if n, ok := v.(int64); ok && n > maxVersion {
			maxVersion = n
		}
	}

	c.dbVersion = maxVersion
	c.loaded = true
	return nil
}

func unionQuery(tables []*registry.Table) string {
	parts := make([]string, 0, len(tables))
	for _, t := range tables {
		parts = append(parts, fmt.Sprintf("SELECT db_version FROM %s", registry.QuoteIdent(t.MetaTable())))
	}
	sub := parts[0]
	for _, p := range parts[1:] {
		sub += " UNION ALL " + p
	}
	return fmt.Sprintf("SELECT MAX(db_version) FROM (%s)", sub)
}

// Next implements version_next(merging): reload if the pragma versions
// moved, then advance past the local, pending, and merging candidates.
func (c *Clock) Next(merging *int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dataVersion, schemaVersion, err := c.pragmaVersions()
	if err != nil {
		return 0, err
	}

	needReload := !c.loaded || dataVersion != c.lastDataVersion || schemaVersion != c.lastSchemaVersion
	if needReload {
		if err := c.reload(); err != nil {
			return 0, err
		}
		c.lastDataVersion = dataVersion
		c.lastSchemaVersion = schemaVersion
	}

	next := c.dbVersion + 1
	if c.pendingDBVersion != nil && *c.pendingDBVersion > next {
		next = *c.pendingDBVersion
	}
	if merging != nil && *merging > next {
		next = *merging
	}

	c.pendingDBVersion = &next
	return next, nil
}

// BumpSeq returns the next intra-transaction sequence number, strictly
// increasing from 0 at BEGIN.
func (c *Clock) BumpSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.seq
	c.seq++
	return v
}

// Seq returns the current seq without advancing it.
func (c *Clock) Seq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// DBVersion returns the last-committed db_version, loading the clock first
// if needed (-1 when no db_version has been recorded yet).
func (c *Clock) DBVersion() (int64, error) {
	c.mu.Lock()
	loaded := c.loaded
	c.mu.Unlock()

	if !loaded {
		// Next() advances pending state as a side effect; this call is
		// read-only so the pending bump is discarded afterward.
		if _, err := c.Next(nil); err != nil {
			return 0, err
		}
		c.mu.Lock()
		c.pendingDBVersion = nil
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dbVersion, nil
}

// OnCommit is the commit-hook callback: db_version becomes the pending
// value, pending is cleared, seq resets to 0.
func (c *Clock) OnCommit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingDBVersion != nil {
		c.dbVersion = *c.pendingDBVersion
	}
	c.pendingDBVersion = nil
	c.seq = 0
}

// OnRollback is the rollback-hook callback: pending is discarded, seq
// resets to 0.
func (c *Clock) OnRollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingDBVersion = nil
	c.seq = 0
}

// OnBegin resets seq to 0 at the start of a new transaction.
func (c *Clock) OnBegin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}

// InvalidateSchema forces the next Next() call to reload regardless of the
// schema_version pragma, used right after schemaevo drops/rebuilds a meta
// table within the same savepoint (pragma schema_version may not have
// ticked yet for a savepoint-local DDL change in all host engines).
func (c *Clock) InvalidateSchema() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
}
