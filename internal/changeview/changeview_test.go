package changeview

import (
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

func setup(t *testing.T) (*sqlite3.Conn, *registry.Table, *capture.Capturer, *View) {
	t.Helper()
	conn := newTestConn(t)

	st := settings.New(conn)
	require.NoError(t, st.Init())
	_, err := st.EnsureLocalSite([]byte("0000000000000000"))
	require.NoError(t, err)

	require.NoError(t, conn.Exec(`CREATE TABLE customers (first_name TEXT, last_name TEXT, age INTEGER, PRIMARY KEY (first_name, last_name))`))

	tbl, err := registry.Introspect(conn, "customers")
	require.NoError(t, err)
	reg := registry.New()
	require.NoError(t, reg.Register(tbl, csync.AlgoCLS))

	require.NoError(t, conn.Exec(capture.CreateMetaTable(tbl)))

	clock := clockengine.New(conn, reg, func() (int64, bool, error) { return 0, false, nil })
	capturer := capture.New(conn, clock)

	return conn, tbl, capturer, New(conn, reg, st)
}

func TestRowsMaterializesColumnValues(t *testing.T) {
	conn, tbl, capturer, view := setup(t)

	pk, err := pkcodec.Encode("name1", "surname1")
	require.NoError(t, err)
	require.NoError(t, csync.Exec(conn,
		`INSERT INTO customers (first_name, last_name, age) VALUES (?, ?, ?)`, "name1", "surname1", int64(20)))
	require.NoError(t, capturer.Insert(tbl, pk))

	rows, err := view.Rows(Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 2) // sentinel + age

	var sawAge bool
	for _, r := range rows {
		if r.ColName == "age" {
			sawAge = true
			require.EqualValues(t, 20, r.ColValue)
		}
	}
	require.True(t, sawAge)
}

func TestRowsFiltersByDBVersion(t *testing.T) {
	conn, tbl, capturer, view := setup(t)

	pk, err := pkcodec.Encode("a", "b")
	require.NoError(t, err)
	require.NoError(t, csync.Exec(conn,
		`INSERT INTO customers (first_name, last_name, age) VALUES (?, ?, ?)`, "a", "b", int64(1)))
	require.NoError(t, capturer.Insert(tbl, pk))

	all, err := view.Rows(Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, all)

	future, err := view.Rows(Filter{DBVersion: all[len(all)-1].DBVersion, DBVersionOp: ">"})
	require.NoError(t, err)
	require.Empty(t, future)

	exact, err := view.Rows(Filter{DBVersion: all[0].DBVersion, DBVersionOp: "="})
	require.NoError(t, err)
	require.NotEmpty(t, exact)
	for _, r := range exact {
		require.Equal(t, all[0].DBVersion, r.DBVersion)
	}

	atLeast, err := view.Rows(Filter{DBVersion: all[0].DBVersion, DBVersionOp: ">="})
	require.NoError(t, err)
	require.Len(t, atLeast, len(all), "inclusive bound must keep the boundary rows")
}

func TestColumnValueMissingRowReturnsRLSMarker(t *testing.T) {
	_, tbl, _, view := setup(t)

	pk, err := pkcodec.Encode("nobody", "here")
	require.NoError(t, err)
	val, err := view.ColumnValue(tbl, "age", pk)
	require.NoError(t, err)
	require.Equal(t, csync.RLSHiddenMarker, val)
}

func TestEstimatedCostOrdering(t *testing.T) {
	require.Equal(t, float64(1), Filter{DBVersion: 1, SiteID: []byte{1}}.EstimatedCost())
	require.Equal(t, float64(10), Filter{DBVersionOp: "="}.EstimatedCost())
	require.Greater(t, Filter{SiteID: []byte{1}}.EstimatedCost(), float64(10))
	require.Greater(t, Filter{}.EstimatedCost(), Filter{SiteID: []byte{1}}.EstimatedCost())
}
