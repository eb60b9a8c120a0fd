package payload

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tigawanna/sqlite-sync/internal/csync"
)

func alwaysKnown(hash uint64) (bool, error) { return true, nil }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rows := []csync.ChangeRow{
		{Table: "customers", PK: []byte{1, 2, 3}, ColName: "age", ColValue: int64(21), ColVersion: 3, DBVersion: 10, SiteID: make([]byte, 16), CL: 3, Seq: 0},
		{Table: "customers", PK: []byte{1, 2, 3}, ColName: csync.SentinelColumn, ColValue: nil, ColVersion: 3, DBVersion: 10, SiteID: make([]byte, 16), CL: 3, Seq: 1},
		{Table: "customers", PK: []byte{4}, ColName: "name", ColValue: "hello world", ColVersion: 1, DBVersion: 1, SiteID: make([]byte, 16), CL: 1, Seq: 0},
	}

	blob, err := Encode(rows, 0xABCDEF, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(blob), HeaderSize)

	decoded, err := Decode(blob, alwaysKnown)
	require.NoError(t, err)
	require.Equal(t, uint64(0xABCDEF), decoded.Header.SchemaHash)
	require.Len(t, decoded.Rows, len(rows))
	for i, want := range rows {
		got := decoded.Rows[i]
		require.Equal(t, want.Table, got.Table)
		require.Equal(t, want.PK, got.PK)
		require.Equal(t, want.ColName, got.ColName)
		require.Equal(t, want.ColValue, got.ColValue)
		require.Equal(t, want.ColVersion, got.ColVersion)
		require.Equal(t, want.DBVersion, got.DBVersion)
		require.Equal(t, want.CL, got.CL)
		require.Equal(t, want.Seq, got.Seq)
	}
}

func TestDecodeRejectsUnknownSchemaHash(t *testing.T) {
	blob, err := Encode(nil, 1, 0)
	require.NoError(t, err)

	_, err = Decode(blob, func(hash uint64) (bool, error) { return false, nil })
	require.True(t, errors.Is(err, csync.ErrSchemaMismatch))
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	blob := make([]byte, HeaderSize)
	_, err := Decode(blob, alwaysKnown)
	require.Error(t, err)
}

func TestLargeCompressiblePayloadShrinksBody(t *testing.T) {
	var rows []csync.ChangeRow
	repeated := strings.Repeat("a", 200)
	for i := 0; i < 200; i++ {
		rows = append(rows, csync.ChangeRow{
			Table: "customers", PK: []byte{byte(i)}, ColName: "notes", ColValue: repeated,
			ColVersion: 1, DBVersion: int64(i), SiteID: make([]byte, 16), CL: 1, Seq: 0,
		})
	}
	blob, err := Encode(rows, 1, 0)
	require.NoError(t, err)

	decoded, err := Decode(blob, alwaysKnown)
	require.NoError(t, err)
	require.NotZero(t, decoded.Header.ExpandedSize)
	require.Less(t, len(blob), len(rows)*250)
}

func TestSchemaHashDeterministic(t *testing.T) {
	m := map[string]string{
		"customers": "CREATE TABLE Customers (id TEXT)",
		"orders":    "CREATE TABLE ORDERS (id TEXT)",
	}
	h1 := SchemaHash(m)
	h2 := SchemaHash(m)
	require.Equal(t, h1, h2)
}
