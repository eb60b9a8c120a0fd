package csync

import (
	"errors"
	"fmt"

	"github.com/ncruces/go-sqlite3"
)

// ErrNoRows is returned by QueryRow when the statement produces no row.
var ErrNoRows = errors.New("cloudsync: no rows in result set")

// Exec prepares query against conn, binds args positionally, and runs the
// statement to completion. Every component shares the engine's one host
// connection, so statements prepared here may run nested inside another
// in-flight statement on the same connection (a trigger-fired callback, a
// virtual-table cursor); SQLite permits that, a connection pool does not.
func Exec(conn *sqlite3.Conn, query string, args ...any) error {
	stmt, _, err := conn.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	if err := BindAll(stmt, args...); err != nil {
		return err
	}
	for stmt.Step() {
	}
	return stmt.Err()
}

// QueryRow runs query with args bound and scans the first result row into
// dest pointers. Returns ErrNoRows if the statement produces no row.
func QueryRow(conn *sqlite3.Conn, query string, args []any, dest ...any) error {
	stmt, _, err := conn.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	if err := BindAll(stmt, args...); err != nil {
		return err
	}
	if !stmt.Step() {
		if err := stmt.Err(); err != nil {
			return err
		}
		return ErrNoRows
	}
	return ScanRow(stmt, dest...)
}

// Query runs query with args bound and invokes fn once per result row; fn
// reads columns off the statement directly.
func Query(conn *sqlite3.Conn, query string, args []any, fn func(stmt *sqlite3.Stmt) error) error {
	stmt, _, err := conn.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	if err := BindAll(stmt, args...); err != nil {
		return err
	}
	for stmt.Step() {
		if err := fn(stmt); err != nil {
			return err
		}
	}
	return stmt.Err()
}

// ExecPrepared binds args to an already-prepared (cached) statement, runs
// it to completion, and resets it so it releases its locks immediately
// rather than on next reuse.
func ExecPrepared(stmt *sqlite3.Stmt, args ...any) error {
	if err := BindAll(stmt, args...); err != nil {
		return err
	}
	for stmt.Step() {
	}
	if err := stmt.Err(); err != nil {
		_ = stmt.Reset()
		return err
	}
	return stmt.Reset()
}

// QueryRowPrepared binds args to a cached statement and scans the first
// result row into dest, resetting the statement before returning. found is
// false when the statement produces no row.
func QueryRowPrepared(stmt *sqlite3.Stmt, args []any, dest ...any) (found bool, err error) {
	if err := BindAll(stmt, args...); err != nil {
		return false, err
	}
	if stmt.Step() {
		if err := ScanRow(stmt, dest...); err != nil {
			_ = stmt.Reset()
			return false, err
		}
		return true, stmt.Reset()
	}
	if err := stmt.Err(); err != nil {
		_ = stmt.Reset()
		return false, err
	}
	return false, stmt.Reset()
}

// BindAll binds args to stmt at positions 1..len(args).
func BindAll(stmt *sqlite3.Stmt, args ...any) error {
	for i, a := range args {
		if err := Bind(stmt, i+1, a); err != nil {
			return err
		}
	}
	return nil
}

// Bind binds one Go value at the 1-based parameter position.
func Bind(stmt *sqlite3.Stmt, param int, v any) error {
	switch tv := v.(type) {
	case nil:
		return stmt.BindNull(param)
	case bool:
		return stmt.BindBool(param, tv)
	case int:
		return stmt.BindInt64(param, int64(tv))
	case int64:
		return stmt.BindInt64(param, tv)
	case uint32:
		return stmt.BindInt64(param, int64(tv))
	case uint64:
		return stmt.BindInt64(param, int64(tv))
	case float64:
		return stmt.BindFloat(param, tv)
	case string:
		return stmt.BindText(param, tv)
	case []byte:
		return stmt.BindBlob(param, tv)
	default:
		return fmt.Errorf("%w: cannot bind value of type %T", ErrMisuse, v)
	}
}

// ScanRow reads the current row's columns into dest pointers. Supported
// targets: *int64, *float64, *string, *[]byte, *bool, and *any (typed by the
// column's runtime datatype). NULL scans as the target's zero value, nil for
// *any.
func ScanRow(stmt *sqlite3.Stmt, dest ...any) error {
	for i, d := range dest {
		switch td := d.(type) {
		case *int64:
			*td = stmt.ColumnInt64(i)
		case *float64:
			*td = stmt.ColumnFloat(i)
		case *string:
			*td = stmt.ColumnText(i)
		case *[]byte:
			*td = stmt.ColumnBlob(i, nil)
		case *bool:
			*td = stmt.ColumnInt64(i) != 0
		case *any:
			*td = ColumnValue(stmt, i)
		default:
			return fmt.Errorf("%w: cannot scan into %T", ErrMisuse, d)
		}
	}
	return nil
}

// ColumnValue reads column i as a dynamically-typed Go value: nil, int64,
// float64, string, or []byte.
func ColumnValue(stmt *sqlite3.Stmt, i int) any {
	switch stmt.ColumnType(i) {
	case sqlite3.NULL:
		return nil
	case sqlite3.INTEGER:
		return stmt.ColumnInt64(i)
	case sqlite3.FLOAT:
		return stmt.ColumnFloat(i)
	case sqlite3.TEXT:
		return stmt.ColumnText(i)
	case sqlite3.BLOB:
		return stmt.ColumnBlob(i, nil)
	default:
		return nil
	}
}

// ValueToAny converts a function-argument or vtab Value into the same
// dynamic shape ColumnValue produces.
func ValueToAny(v sqlite3.Value) any {
	switch v.Type() {
	case sqlite3.NULL:
		return nil
	case sqlite3.INTEGER:
		return v.Int64()
	case sqlite3.FLOAT:
		return v.Float()
	case sqlite3.TEXT:
		return v.Text()
	case sqlite3.BLOB:
		return v.Blob(nil)
	default:
		return nil
	}
}

// ResultAny writes a dynamically-typed Go value as a function result.
func ResultAny(ctx sqlite3.Context, v any) {
	switch tv := v.(type) {
	case nil:
		ctx.ResultNull()
	case int64:
		ctx.ResultInt64(tv)
	case float64:
		ctx.ResultFloat(tv)
	case string:
		ctx.ResultText(tv)
	case []byte:
		ctx.ResultBlob(tv)
	default:
		ctx.ResultNull()
	}
}
