package registry

import (
	"testing"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"

	"github.com/tigawanna/sqlite-sync/internal/csync"
)

func newTestConn(t *testing.T) *sqlite3.Conn {
	t.Helper()
	conn, err := sqlite3.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestIntrospectCompositePK(t *testing.T) {
	conn := newTestConn(t)
	require.NoError(t, conn.Exec(`CREATE TABLE customers (first_name TEXT, last_name TEXT, age INTEGER, PRIMARY KEY (first_name, last_name))`))

	tbl, err := Introspect(conn, "customers")
	require.NoError(t, err)
	require.Len(t, tbl.PKCols, 2)
	require.Equal(t, "first_name", tbl.PKCols[0].Name)
	require.Equal(t, "last_name", tbl.PKCols[1].Name)
	require.Len(t, tbl.DataCols, 1)
	require.Equal(t, "age", tbl.DataCols[0].Name)
	require.NoError(t, Validate(tbl, false))
}

func TestValidateRejectsBareIntegerPK(t *testing.T) {
	conn := newTestConn(t)
	require.NoError(t, conn.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`))

	tbl, err := Introspect(conn, "items")
	require.NoError(t, err)
	require.ErrorIs(t, Validate(tbl, false), csync.ErrMisuse)
	require.NoError(t, Validate(tbl, true))
}

func TestValidateRejectsNotNullWithoutDefault(t *testing.T) {
	conn := newTestConn(t)
	require.NoError(t, conn.Exec(`CREATE TABLE bad (id TEXT PRIMARY KEY, name TEXT NOT NULL)`))

	tbl, err := Introspect(conn, "bad")
	require.NoError(t, err)
	require.ErrorIs(t, Validate(tbl, false), csync.ErrMisuse)
}

func TestRegisterLookupDeregister(t *testing.T) {
	conn := newTestConn(t)
	require.NoError(t, conn.Exec(`CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT)`))

	tbl, err := Introspect(conn, "widgets")
	require.NoError(t, err)

	r := New()
	require.NoError(t, r.Register(tbl, csync.AlgoCLS))

	got, ok := r.Lookup("WIDGETS")
	require.True(t, ok)
	require.Same(t, tbl, got)

	enabled, err := r.IsEnabled("widgets")
	require.NoError(t, err)
	require.True(t, enabled)

	require.NoError(t, r.SetEnabled("widgets", false))
	enabled, err = r.IsEnabled("widgets")
	require.NoError(t, err)
	require.False(t, enabled)

	r.Deregister("widgets")
	_, ok = r.Lookup("widgets")
	require.False(t, ok)
}

func TestRegisterRejectsUnimplementedAlgorithm(t *testing.T) {
	conn := newTestConn(t)
	require.NoError(t, conn.Exec(`CREATE TABLE w2 (id TEXT PRIMARY KEY)`))
	tbl, err := Introspect(conn, "w2")
	require.NoError(t, err)

	r := New()
	require.ErrorIs(t, r.Register(tbl, csync.AlgoDWS), csync.ErrMisuse)
}

func TestQuoting(t *testing.T) {
	require.Equal(t, `"weird""name"`, QuoteIdent(`weird"name`))
	require.Equal(t, `'it''s'`, QuoteLiteral(`it's`))
}
