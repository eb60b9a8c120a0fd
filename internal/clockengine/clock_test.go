package clockengine

import (
	"testing"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"

	"github.com/tigawanna/sqlite-sync/internal/csync"
	"github.com/tigawanna/sqlite-sync/internal/registry"
)

func newTestConn(t *testing.T) *sqlite3.Conn {
	t.Helper()
	conn, err := sqlite3.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func noPreAlter() (int64, bool, error) { return 0, false, nil }

func TestNextStartsAtZeroWithNoManagedTables(t *testing.T) {
	conn := newTestConn(t)
	reg := registry.New()
	c := New(conn, reg, noPreAlter)

	v, err := c.Next(nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), v)
}

func TestNextMonotonicAcrossCommits(t *testing.T) {
	conn := newTestConn(t)
	require.NoError(t, conn.Exec(`CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT)`))
	require.NoError(t, conn.Exec(`CREATE TABLE widgets_meta (pk BLOB, col_name TEXT, col_version INTEGER, db_version INTEGER, site_id INTEGER, seq INTEGER, PRIMARY KEY (pk, col_name)) WITHOUT ROWID`))

	reg := registry.New()
	c := New(conn, reg, noPreAlter)

	v1, err := c.Next(nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), v1)
	c.OnCommit()

	require.NoError(t, reg.Register(mustIntrospect(t, conn, "widgets"), csync.AlgoCLS))
	c.InvalidateSchema()

	require.NoError(t, csync.Exec(conn,
		`INSERT INTO widgets_meta (pk, col_name, col_version, db_version, site_id, seq) VALUES (?, ?, 1, 5, 0, 0)`,
		[]byte{1}, "__[RIP]__"))

	v2, err := c.Next(nil)
	require.NoError(t, err)
	require.Equal(t, int64(6), v2) // max(db_version)=5, next = 5+1
	c.OnCommit()

	dbv, err := c.DBVersion()
	require.NoError(t, err)
	require.Equal(t, int64(6), dbv)
}

func TestRollbackDiscardsPending(t *testing.T) {
	conn := newTestConn(t)
	reg := registry.New()
	c := New(conn, reg, noPreAlter)

	v1, err := c.Next(nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), v1)
	c.OnRollback()

	v2, err := c.Next(nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), v2) // unaffected by the rolled-back pending value
}

func TestSeqResetsOnCommitAndRollback(t *testing.T) {
	conn := newTestConn(t)
	reg := registry.New()
	c := New(conn, reg, noPreAlter)

	require.Equal(t, int64(0), c.BumpSeq())
	require.Equal(t, int64(1), c.BumpSeq())
	c.OnCommit()
	require.Equal(t, int64(0), c.Seq())

	require.Equal(t, int64(0), c.BumpSeq())
	c.OnRollback()
	require.Equal(t, int64(0), c.Seq())
}

func TestMergingRaisesFloor(t *testing.T) {
	conn := newTestConn(t)
	reg := registry.New()
	c := New(conn, reg, noPreAlter)

	merging := int64(100)
	v, err := c.Next(&merging)
	require.NoError(t, err)
	require.Equal(t, int64(100), v)
}

func mustIntrospect(t *testing.T, conn *sqlite3.Conn, name string) *registry.Table {
	t.Helper()
	tbl, err := registry.Introspect(conn, name)
	require.NoError(t, err)
	return tbl
}
