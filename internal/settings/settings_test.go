package settings

import (
	"testing"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) *sqlite3.Conn {
	t.Helper()
	conn, err := sqlite3.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSettingsRoundTrip(t *testing.T) {
	conn := newTestConn(t)
	s := New(conn)
	require.NoError(t, s.Init())

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(KeyLibraryVersion, "1.2.3"))
	v, ok, err := s.Get(KeyLibraryVersion)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1.2.3", v)
	require.Equal(t, "1.2.3", s.libraryVersion)

	require.NoError(t, s.Set(KeyLibraryVersion, "1.2.4"))
	v, _, err = s.Get(KeyLibraryVersion)
	require.NoError(t, err)
	require.Equal(t, "1.2.4", v)

	require.NoError(t, s.Delete(KeyLibraryVersion))
	_, ok, err = s.Get(KeyLibraryVersion)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTableSettingsAndWipe(t *testing.T) {
	conn := newTestConn(t)
	s := New(conn)
	require.NoError(t, s.Init())

	require.NoError(t, s.SetTable("customers", "", "algo", "cls"))
	require.NoError(t, s.SetTable("customers", "age", "hint", "indexed"))

	v, ok, err := s.GetTable("customers", "", "algo")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cls", v)

	require.NoError(t, s.WipeTable("customers"))
	_, ok, err = s.GetTable("customers", "", "algo")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocalSiteAndOrdinals(t *testing.T) {
	conn := newTestConn(t)
	s := New(conn)
	require.NoError(t, s.Init())

	local := []byte("0123456789abcdef")
	got, err := s.EnsureLocalSite(local)
	require.NoError(t, err)
	require.Equal(t, local, got)

	// Calling again must not reassign rowid 0.
	other := []byte("fedcba9876543210")
	got, err = s.EnsureLocalSite(other)
	require.NoError(t, err)
	require.Equal(t, local, got)

	remote := []byte("remoteremoteremo")
	ord, err := s.SiteOrdinal(remote)
	require.NoError(t, err)
	require.NotZero(t, ord)

	back, err := s.SiteByOrdinal(ord)
	require.NoError(t, err)
	require.Equal(t, remote, back)

	// Looking it up again returns the same ordinal.
	ord2, err := s.SiteOrdinal(remote)
	require.NoError(t, err)
	require.Equal(t, ord, ord2)
}

func TestSchemaHashRegistry(t *testing.T) {
	conn := newTestConn(t)
	s := New(conn)
	require.NoError(t, s.Init())

	known, err := s.KnownSchemaHash(0xDEADBEEF)
	require.NoError(t, err)
	require.False(t, known)

	require.NoError(t, s.RegisterSchemaHash(0xDEADBEEF, 1))
	known, err = s.KnownSchemaHash(0xDEADBEEF)
	require.NoError(t, err)
	require.True(t, known)
}
