package schemaevo

import (
	"strconv"
	"testing"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"

	"github.com/tigawanna/sqlite-sync/internal/capture"
	"github.com/tigawanna/sqlite-sync/internal/clockengine"
	"github.com/tigawanna/sqlite-sync/internal/csync"
	"github.com/tigawanna/sqlite-sync/internal/pkcodec"
	"github.com/tigawanna/sqlite-sync/internal/registry"
	"github.com/tigawanna/sqlite-sync/internal/settings"
)

func newTestConn(t *testing.T) *sqlite3.Conn {
	t.Helper()
	conn, err := sqlite3.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func setupManaged(t *testing.T, conn *sqlite3.Conn, ddl, tblName string) (*registry.Registry, *clockengine.Clock, *settings.Store, *capture.Capturer) {
	t.Helper()
	st := settings.New(conn)
	require.NoError(t, st.Init())
	_, err := st.EnsureLocalSite([]byte("0000000000000000"))
	require.NoError(t, err)

	require.NoError(t, conn.Exec(ddl))

	tbl, err := registry.Introspect(conn, tblName)
	require.NoError(t, err)
	reg := registry.New()
	require.NoError(t, reg.Register(tbl, csync.AlgoCLS))

	require.NoError(t, conn.Exec(capture.CreateMetaTable(tbl)))
	require.NoError(t, conn.Exec(capture.CreateTriggers(tbl)))

	clock := clockengine.New(conn, reg, func() (int64, bool, error) {
		v, ok, err := st.Get(settings.KeyPreAlterDBVersion)
		if err != nil || !ok {
			return 0, false, err
		}
		n, parseErr := strconv.ParseInt(v, 10, 64)
		return n, parseErr == nil, nil
	})
	capturer := capture.New(conn, clock)
	return reg, clock, st, capturer
}

func queryCount(t *testing.T, conn *sqlite3.Conn, query string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, csync.QueryRow(conn, query, nil, &n))
	return n
}

func TestBeginCommitAlterDropColumnCompactsMeta(t *testing.T) {
	conn := newTestConn(t)
	reg, clock, st, capturer := setupManaged(t, conn,
		`CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT, legacy TEXT)`, "widgets")

	tbl, _ := reg.Lookup("widgets")
	pk, err := pkcodec.Encode("w1")
	require.NoError(t, err)
	require.NoError(t, capturer.Insert(tbl, pk))
	clock.OnCommit()

	ev := New(conn, reg, st, clock)
	require.NoError(t, ev.BeginAlter("widgets"))

	require.NoError(t, conn.Exec(`ALTER TABLE widgets DROP COLUMN legacy`))

	require.NoError(t, ev.CommitAlter("widgets"))

	newTbl, ok := reg.Lookup("widgets")
	require.True(t, ok)
	require.Len(t, newTbl.DataCols, 1)
	require.Equal(t, "name", newTbl.DataCols[0].Name)

	count := queryCount(t, conn, `SELECT COUNT(*) FROM `+registry.QuoteIdent(newTbl.MetaTable())+` WHERE col_name = 'legacy'`)
	require.Zero(t, count)
}

func TestBeginCommitAlterPKChangeDropsMeta(t *testing.T) {
	conn := newTestConn(t)
	reg, clock, st, capturer := setupManaged(t, conn,
		`CREATE TABLE things (id TEXT PRIMARY KEY, name TEXT)`, "things")

	tbl, _ := reg.Lookup("things")
	pk, err := pkcodec.Encode("t1")
	require.NoError(t, err)
	require.NoError(t, capturer.Insert(tbl, pk))
	clock.OnCommit()

	ev := New(conn, reg, st, clock)
	require.NoError(t, ev.BeginAlter("things"))

	require.NoError(t, conn.Exec(`ALTER TABLE things RENAME TO things_old`))
	require.NoError(t, conn.Exec(`CREATE TABLE things (id TEXT, name TEXT, code TEXT, PRIMARY KEY (id, code))`))
	require.NoError(t, conn.Exec(`INSERT INTO things (id, name, code) SELECT id, name, '' FROM things_old`))
	require.NoError(t, conn.Exec(`DROP TABLE things_old`))

	require.NoError(t, ev.CommitAlter("things"))

	newTbl, ok := reg.Lookup("things")
	require.True(t, ok)
	require.Len(t, newTbl.PKCols, 2)

	count := queryCount(t, conn, `SELECT COUNT(*) FROM `+registry.QuoteIdent(newTbl.MetaTable()))
	require.Zero(t, count) // meta table was dropped and recreated empty
}
