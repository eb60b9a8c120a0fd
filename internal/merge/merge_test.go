package merge

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

type fixture struct {
	conn  *sqlite3.Conn
	reg   *registry.Registry
	clock *clockengine.Clock
	st    *settings.Store
	cap   *capture.Capturer
	eng   *Engine
	tbl   *registry.Table
}

func setup(t *testing.T, ddl, tblName string, algo csync.Algorithm, opts ...Option) *fixture {
	t.Helper()
	conn := newTestConn(t)

	st := settings.New(conn)
	require.NoError(t, st.Init())
	_, err := st.EnsureLocalSite([]byte("local-site-0000"))
	require.NoError(t, err)

	require.NoError(t, conn.Exec(ddl))

	tbl, err := registry.Introspect(conn, tblName)
	require.NoError(t, err)
	reg := registry.New()
	require.NoError(t, reg.Register(tbl, algo))

	require.NoError(t, conn.Exec(capture.CreateMetaTable(tbl)))

	clock := clockengine.New(conn, reg, func() (int64, bool, error) { return 0, false, nil })
	capturer := capture.New(conn, clock)
	eng := New(conn, reg, st, clock, capturer, opts...)

	return &fixture{conn: conn, reg: reg, clock: clock, st: st, cap: capturer, eng: eng, tbl: tbl}
}

func remoteSite(b byte) []byte {
	id := make([]byte, 16)
	for i := range id {
		id[i] = b
	}
	return id
}

func queryInt64(t *testing.T, conn *sqlite3.Conn, query string, args ...any) int64 {
	t.Helper()
	var v int64
	require.NoError(t, csync.QueryRow(conn, query, args, &v))
	return v
}

func queryText(t *testing.T, conn *sqlite3.Conn, query string, args ...any) string {
	t.Helper()
	var v string
	require.NoError(t, csync.QueryRow(conn, query, args, &v))
	return v
}

// S1: insert, delete, reinsert locally advances the causal length through
// 1 (live), 2 (tombstone), 3 (live again); a foreign change carrying CL=1
// arriving after the local history has already reached CL=3 must be
// dropped as causally stale rather than resurrecting the row.
func TestS1InsertDeleteReinsertCLProgression(t *testing.T) {
	f := setup(t, `CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT)`, "widgets", csync.AlgoCLS)

	pk, err := pkcodec.Encode("w1")
	require.NoError(t, err)

	require.NoError(t, f.cap.Insert(f.tbl, pk))
	f.clock.OnCommit()
	require.NoError(t, f.cap.Delete(f.tbl, pk))
	f.clock.OnCommit()
	require.NoError(t, f.cap.Insert(f.tbl, pk))
	f.clock.OnCommit()

	localCV := queryInt64(t, f.conn,
		`SELECT col_version FROM widgets_meta WHERE pk = ? AND col_name = ?`, pk, csync.SentinelColumn)
	require.EqualValues(t, 3, localCV)

	staleInsert := csync.ChangeRow{
		Table: "widgets", PK: pk, ColName: csync.SentinelColumn,
		ColVersion: 1, DBVersion: 1, SiteID: remoteSite(1), CL: 1, Seq: 0,
	}
	require.NoError(t, f.eng.Apply(staleInsert))

	localCV = queryInt64(t, f.conn,
		`SELECT col_version FROM widgets_meta WHERE pk = ? AND col_name = ?`, pk, csync.SentinelColumn)
	require.EqualValues(t, 3, localCV, "stale foreign insert must not rewrite a causally ahead local row")
}

// S2: two replicas write the same column to the same version number
// (a concurrent edit under an equal col_version); the tie-break compares
// column values directly, and with WithMergeEqualValues off, equal values
// on both sides keep the pre-existing local write rather than churn it.
func TestS2ConcurrentEqualVersionTieBreakByValue(t *testing.T) {
	f := setup(t, `CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)`, "notes", csync.AlgoCLS)

	pk, err := pkcodec.Encode("n1")
	require.NoError(t, err)
	require.NoError(t, f.cap.Insert(f.tbl, pk))
	f.clock.OnCommit()

	require.NoError(t, csync.Exec(f.conn, `INSERT INTO notes (id, body) VALUES (?, ?)`, "n1", "alpha"))
	require.NoError(t, f.cap.Update(f.tbl, pk, pk, []any{"alpha"}, []any{nil}))
	f.clock.OnCommit()

	localVersion := queryInt64(t, f.conn,
		`SELECT col_version FROM notes_meta WHERE pk = ? AND col_name = 'body'`, pk)

	losing := csync.ChangeRow{
		Table: "notes", PK: pk, ColName: "body", ColValue: "alpha",
		ColVersion: localVersion, DBVersion: 1, SiteID: remoteSite(2), CL: 1, Seq: 0,
	}
	require.NoError(t, f.eng.Apply(losing))

	body := queryText(t, f.conn, `SELECT body FROM notes WHERE id = ?`, "n1")
	require.Equal(t, "alpha", body)

	winningByValue := csync.ChangeRow{
		Table: "notes", PK: pk, ColName: "body", ColValue: "zulu",
		ColVersion: localVersion, DBVersion: 2, SiteID: remoteSite(2), CL: 1, Seq: 0,
	}
	require.NoError(t, f.eng.Apply(winningByValue))
	body = queryText(t, f.conn, `SELECT body FROM notes WHERE id = ?`, "n1")
	require.Equal(t, "zulu", body, "lexically greater value wins an equal-version tie")
}

// S3: a foreign PK-changing update (move) arrives as a tombstone on the old
// pk plus a live sentinel/column write on the new pk; applying both leaves
// exactly one live row under the new key and a tombstone under the old one.
func TestS3PKChangeMovesMetadata(t *testing.T) {
	f := setup(t, `CREATE TABLE accounts (id TEXT PRIMARY KEY, owner TEXT)`, "accounts", csync.AlgoCLS)

	oldPK, err := pkcodec.Encode("acc-old")
	require.NoError(t, err)
	newPK, err := pkcodec.Encode("acc-new")
	require.NoError(t, err)

	tombstoneOld := csync.ChangeRow{
		Table: "accounts", PK: oldPK, ColName: csync.SentinelColumn,
		ColVersion: 2, DBVersion: 1, SiteID: remoteSite(3), CL: 2, Seq: 0,
	}
	require.NoError(t, f.eng.Apply(tombstoneOld))

	insertNew := csync.ChangeRow{
		Table: "accounts", PK: newPK, ColName: csync.SentinelColumn,
		ColVersion: 1, DBVersion: 2, SiteID: remoteSite(3), CL: 1, Seq: 0,
	}
	require.NoError(t, f.eng.Apply(insertNew))
	ownerCol := csync.ChangeRow{
		Table: "accounts", PK: newPK, ColName: "owner", ColValue: "alice",
		ColVersion: 1, DBVersion: 2, SiteID: remoteSite(3), CL: 1, Seq: 1,
	}
	require.NoError(t, f.eng.Apply(ownerCol))

	require.Zero(t, queryInt64(t, f.conn, `SELECT COUNT(*) FROM accounts WHERE id = ?`, "acc-old"))
	require.EqualValues(t, 1, queryInt64(t, f.conn, `SELECT COUNT(*) FROM accounts WHERE id = ?`, "acc-new"))
}

// S4: a table registered under GOS only accepts genuine column inserts
// (CL == 1, non-sentinel); a rewrite carrying an even causal length (the
// wire shape of a deleted/re-touched column under CLS) is rejected as
// misuse, and so is any sentinel-kind row, since a GOS table never
// resurrects or tombstones.
func TestS4GOSRejectsNonInsertColumnWrite(t *testing.T) {
	f := setup(t, `CREATE TABLE events (id TEXT PRIMARY KEY, payload TEXT)`, "events", csync.AlgoGOS)

	pk, err := pkcodec.Encode("e1")
	require.NoError(t, err)

	insert := csync.ChangeRow{
		Table: "events", PK: pk, ColName: "payload", ColValue: "v1",
		ColVersion: 1, DBVersion: 1, SiteID: remoteSite(4), CL: 1, Seq: 0,
	}
	require.NoError(t, f.eng.Apply(insert))

	rewrite := csync.ChangeRow{
		Table: "events", PK: pk, ColName: "payload", ColValue: "v2",
		ColVersion: 2, DBVersion: 2, SiteID: remoteSite(4), CL: 2, Seq: 0,
	}
	err = f.eng.Apply(rewrite)
	require.ErrorIs(t, err, csync.ErrMisuse)

	sentinel := csync.ChangeRow{
		Table: "events", PK: pk, ColName: csync.SentinelColumn,
		ColVersion: 1, DBVersion: 3, SiteID: remoteSite(4), CL: 1, Seq: 0,
	}
	err = f.eng.Apply(sentinel)
	require.ErrorIs(t, err, csync.ErrMisuse)
}

// S5: changes delivered out of order (a later column write arriving before
// the sentinel that resurrects the row) still leave the row live, because
// mergeColumn resurrects via mergeSentinelOnlyInsert before applying the
// column write whenever the incoming CL is odd and ahead of local.
func TestS5OutOfOrderResurrectDelivery(t *testing.T) {
	f := setup(t, `CREATE TABLE tasks (id TEXT PRIMARY KEY, title TEXT)`, "tasks", csync.AlgoCLS)

	pk, err := pkcodec.Encode("t1")
	require.NoError(t, err)
	require.NoError(t, f.cap.Insert(f.tbl, pk))
	f.clock.OnCommit()
	require.NoError(t, f.cap.Delete(f.tbl, pk))
	f.clock.OnCommit()

	require.Zero(t, queryInt64(t, f.conn, `SELECT COUNT(*) FROM tasks WHERE id = ?`, "t1"))

	resurrectColumn := csync.ChangeRow{
		Table: "tasks", PK: pk, ColName: "title", ColValue: "resurrected",
		ColVersion: 1, DBVersion: 5, SiteID: remoteSite(5), CL: 3, Seq: 0,
	}
	require.NoError(t, f.eng.Apply(resurrectColumn))

	title := queryText(t, f.conn, `SELECT title FROM tasks WHERE id = ?`, "t1")
	require.Equal(t, "resurrected", title)
}

// S6: WithMergeEqualValues toggles the site_id tie-break used only when
// col_version and column value both tie; with it enabled, the
// lexicographically greater site_id wins instead of keeping the local write.
func TestS6MergeEqualValuesSiteIDTieBreak(t *testing.T) {
	f := setup(t, `CREATE TABLE prefs (id TEXT PRIMARY KEY, theme TEXT)`, "prefs", csync.AlgoCLS, WithMergeEqualValues(true))

	pk, err := pkcodec.Encode("p1")
	require.NoError(t, err)
	require.NoError(t, f.cap.Insert(f.tbl, pk))
	f.clock.OnCommit()
	require.NoError(t, csync.Exec(f.conn, `INSERT INTO prefs (id, theme) VALUES (?, ?)`, "p1", "dark"))
	require.NoError(t, f.cap.Update(f.tbl, pk, pk, []any{"dark"}, []any{nil}))
	f.clock.OnCommit()

	localOrdinal, err := f.st.SiteOrdinal([]byte("local-site-0000"))
	require.NoError(t, err)
	localSiteID, err := f.st.SiteByOrdinal(localOrdinal)
	require.NoError(t, err)

	greaterSite := remoteSite(0xff)
	require.Greater(t, pkcodec.Compare(greaterSite, localSiteID), 0)

	localVersion := queryInt64(t, f.conn,
		`SELECT col_version FROM prefs_meta WHERE pk = ? AND col_name = 'theme'`, pk)

	tie := csync.ChangeRow{
		Table: "prefs", PK: pk, ColName: "theme", ColValue: "dark",
		ColVersion: localVersion, DBVersion: 9, SiteID: greaterSite, CL: 1, Seq: 0,
	}
	require.NoError(t, f.eng.Apply(tie))

	siteOrdinal := queryInt64(t, f.conn,
		`SELECT site_id FROM prefs_meta WHERE pk = ? AND col_name = 'theme'`, pk)
	wonSite, err := f.st.SiteByOrdinal(siteOrdinal)
	require.NoError(t, err)
	require.Equal(t, greaterSite, wonSite, "greater site_id must win an equal value/version tie when merge_equal_values is enabled")
}

// A GOS row that already exists locally must still accept a later winning
// column write from another peer: the merge upsert is the same ON CONFLICT
// DO UPDATE used for CLS, with capture suppression keeping the GOS abort
// trigger quiet.
func TestGOSWinningWriteUpdatesExistingRow(t *testing.T) {
	f := setup(t, `CREATE TABLE events (id TEXT PRIMARY KEY, payload TEXT)`, "events", csync.AlgoGOS)

	pk, err := pkcodec.Encode("e1")
	require.NoError(t, err)

	first := csync.ChangeRow{
		Table: "events", PK: pk, ColName: "payload", ColValue: "alpha",
		ColVersion: 1, DBVersion: 1, SiteID: remoteSite(4), CL: 1, Seq: 0,
	}
	require.NoError(t, f.eng.Apply(first))
	require.Equal(t, "alpha", queryText(t, f.conn, `SELECT payload FROM events WHERE id = ?`, "e1"))

	// Equal col_version, greater value: didColumnWin says the foreign side
	// wins, and the existing row's column must actually change.
	second := csync.ChangeRow{
		Table: "events", PK: pk, ColName: "payload", ColValue: "zulu",
		ColVersion: 1, DBVersion: 2, SiteID: remoteSite(5), CL: 1, Seq: 0,
	}
	require.NoError(t, f.eng.Apply(second))
	require.Equal(t, "zulu", queryText(t, f.conn, `SELECT payload FROM events WHERE id = ?`, "e1"))
}

func TestApplyUnmanagedTableIsMisuse(t *testing.T) {
	f := setup(t, `CREATE TABLE widgets (id TEXT PRIMARY KEY)`, "widgets", csync.AlgoCLS)
	pk, err := pkcodec.Encode("x")
	require.NoError(t, err)
	err = f.eng.Apply(csync.ChangeRow{Table: "ghost", PK: pk, ColName: csync.SentinelColumn, CL: 1})
	require.ErrorIs(t, err, csync.ErrMisuse)
}
