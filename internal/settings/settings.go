// Package settings implements the DB-resident key/value stores:
// cloudsync_settings, cloudsync_table_settings, plus the cloudsync_site_id
// and cloudsync_schema_versions tables that share the same "small
// reference table owned by one connection" shape.
//
// All statements run on the engine's one host connection so they stay
// usable from inside trigger-fired callbacks.
package settings

import (
	"errors"
	"fmt"

	"github.com/ncruces/go-sqlite3"

	"github.com/tigawanna/sqlite-sync/internal/csync"
)

// Store wraps the four fixed cloudsync_* tables
type Store struct {
	conn *sqlite3.Conn

	// synced is the "sync hook": certain well-known keys
	// are mirrored into fields here whenever Get reads them, so callers
	// needing them hot (library version, schema version, debug flag) don't
	// round-trip to SQL on every access.
	libraryVersion string
	schemaVersion  string
	debug          bool
}

const (
	KeyLibraryVersion    = "cloudsync_version"
	KeySchemaVersion     = "schema_version"
	KeyDebug             = "debug"
	KeyPreAlterDBVersion = "pre_alter_dbversion"
	KeySendDBVersion     = "send_dbversion"
	KeySendSeq           = "send_seq"
	KeyCheckDBVersion    = "check_dbversion"
	KeyCheckSeq          = "check_seq"
)

// Schema is the fixed DDL for the four global tables.
const Schema = `
CREATE TABLE IF NOT EXISTS cloudsync_settings (
	key TEXT PRIMARY KEY,
	value TEXT
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS cloudsync_site_id (
	site_id BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS cloudsync_table_settings (
	tbl TEXT NOT NULL,
	col TEXT NOT NULL DEFAULT '',
	key TEXT NOT NULL,
	value TEXT,
	PRIMARY KEY (tbl, col, key)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS cloudsync_schema_versions (
	hash INTEGER PRIMARY KEY,
	seq INTEGER NOT NULL
);
`

// New wraps conn. Init must be called once per fresh database to create the
// four global tables; EnsureLocalSite seeds rowid 0 of cloudsync_site_id.
func New(conn *sqlite3.Conn) *Store {
	return &Store{conn: conn}
}

// Init creates the global tables if absent. It does not assign a local
// site id; that is the engine's job (it may need to persist a freshly
// generated UUIDv7), via EnsureLocalSite.
func (s *Store) Init() error {
	if err := s.conn.Exec(Schema); err != nil {
		return fmt.Errorf("settings: init schema: %w", err)
	}
	return nil
}

// EnsureLocalSite guarantees rowid 0 of cloudsync_site_id holds siteID,
// inserting it only if the table is empty; row 0 is always the local site.
// It returns the site id currently stored at rowid 0.
func (s *Store) EnsureLocalSite(siteID []byte) ([]byte, error) {
	var existing []byte
	err := csync.QueryRow(s.conn, `SELECT site_id FROM cloudsync_site_id WHERE rowid = 0`, nil, &existing)
	switch {
	case errors.Is(err, csync.ErrNoRows):
		if err := csync.Exec(s.conn,
			`INSERT INTO cloudsync_site_id (rowid, site_id) VALUES (0, ?)`, siteID); err != nil {
			return nil, fmt.Errorf("settings: seed local site: %w", err)
		}
		return siteID, nil
	case err != nil:
		return nil, fmt.Errorf("settings: read local site: %w", err)
	default:
		return existing, nil
	}
}

// SiteOrdinal resolves a remote site_id blob to its local small-integer
// ordinal (its cloudsync_site_id rowid), inserting a new row if unseen.
func (s *Store) SiteOrdinal(siteID []byte) (int64, error) {
	var rowid int64
	err := csync.QueryRow(s.conn,
		`SELECT rowid FROM cloudsync_site_id WHERE site_id = ? ORDER BY rowid LIMIT 1`,
		[]any{siteID}, &rowid)
	if errors.Is(err, csync.ErrNoRows) {
		if err := csync.Exec(s.conn, `INSERT INTO cloudsync_site_id (site_id) VALUES (?)`, siteID); err != nil {
			return 0, fmt.Errorf("settings: insert site ordinal: %w", err)
		}
		return s.conn.LastInsertRowID(), nil
	}
	if err != nil {
		return 0, fmt.Errorf("settings: lookup site ordinal: %w", err)
	}
	return rowid, nil
}

// SiteByOrdinal resolves a small-integer ordinal back to its 16-byte blob,
// used by the change view to materialize the remote-site column.
func (s *Store) SiteByOrdinal(ordinal int64) ([]byte, error) {
	var siteID []byte
	err := csync.QueryRow(s.conn, `SELECT site_id FROM cloudsync_site_id WHERE rowid = ?`, []any{ordinal}, &siteID)
	if err != nil {
		return nil, fmt.Errorf("settings: site by ordinal %d: %w", ordinal, err)
	}
	return siteID, nil
}

// Get reads a replica-wide setting, returning ok=false if unset.
func (s *Store) Get(key string) (value string, ok bool, err error) {
	err = csync.QueryRow(s.conn, `SELECT value FROM cloudsync_settings WHERE key = ?`, []any{key}, &value)
	switch {
	case errors.Is(err, csync.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("settings: get %q: %w", key, err)
	}
	s.syncHook(key, value)
	return value, true, nil
}

// Set upserts a replica-wide setting.
func (s *Store) Set(key, value string) error {
	err := csync.Exec(s.conn, `
		INSERT INTO cloudsync_settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("settings: set %q: %w", key, err)
	}
	s.syncHook(key, value)
	return nil
}

// Delete removes a replica-wide setting.
func (s *Store) Delete(key string) error {
	if err := csync.Exec(s.conn, `DELETE FROM cloudsync_settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("settings: delete %q: %w", key, err)
	}
	return nil
}

// GetTable reads a per-table/per-column setting. col may be "" for a
// table-level setting.
func (s *Store) GetTable(tbl, col, key string) (value string, ok bool, err error) {
	err = csync.QueryRow(s.conn,
		`SELECT value FROM cloudsync_table_settings WHERE tbl = ? AND col = ? AND key = ?`,
		[]any{tbl, col, key}, &value)
	switch {
	case errors.Is(err, csync.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("settings: get table %q/%q/%q: %w", tbl, col, key, err)
	}
	return value, true, nil
}

// SetTable upserts a per-table/per-column setting.
func (s *Store) SetTable(tbl, col, key, value string) error {
	err := csync.Exec(s.conn, `
		INSERT INTO cloudsync_table_settings (tbl, col, key, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (tbl, col, key) DO UPDATE SET value = excluded.value
	`, tbl, col, key, value)
	if err != nil {
		return fmt.Errorf("settings: set table %q/%q/%q: %w", tbl, col, key, err)
	}
	return nil
}

// WipeTable implements `set_table(tbl, null, null)`: wipes every setting
// entry for tbl regardless of column or key.
func (s *Store) WipeTable(tbl string) error {
	if err := csync.Exec(s.conn, `DELETE FROM cloudsync_table_settings WHERE tbl = ?`, tbl); err != nil {
		return fmt.Errorf("settings: wipe table %q: %w", tbl, err)
	}
	return nil
}

// DeleteTable removes one per-table/per-column setting.
func (s *Store) DeleteTable(tbl, col, key string) error {
	if err := csync.Exec(s.conn,
		`DELETE FROM cloudsync_table_settings WHERE tbl = ? AND col = ? AND key = ?`, tbl, col, key); err != nil {
		return fmt.Errorf("settings: delete table %q/%q/%q: %w", tbl, col, key, err)
	}
	return nil
}

// RegisterSchemaHash records hash as known at commit sequence seq, used by
// the payload codec to accept forward-compatible older hashes.
func (s *Store) RegisterSchemaHash(hash uint64, seq int64) error {
	err := csync.Exec(s.conn, `
		INSERT INTO cloudsync_schema_versions (hash, seq) VALUES (?, ?)
		ON CONFLICT (hash) DO UPDATE SET seq = excluded.seq
	`, int64(hash), seq)
	if err != nil {
		return fmt.Errorf("settings: register schema hash: %w", err)
	}
	return nil
}

// KnownSchemaHash reports whether hash has ever been registered locally.
func (s *Store) KnownSchemaHash(hash uint64) (bool, error) {
	var count int64
	err := csync.QueryRow(s.conn,
		`SELECT COUNT(*) FROM cloudsync_schema_versions WHERE hash = ?`, []any{int64(hash)}, &count)
	if err != nil {
		return false, fmt.Errorf("settings: known schema hash: %w", err)
	}
	return count > 0, nil
}

func (s *Store) syncHook(key, value string) {
	switch key {
	case KeyLibraryVersion:
		s.libraryVersion = value
	case KeySchemaVersion:
		s.schemaVersion = value
	case KeyDebug:
		s.debug = value == "1" || value == "true"
	}
}

// Debug reports the last-synced debug flag value.
func (s *Store) Debug() bool { return s.debug }
