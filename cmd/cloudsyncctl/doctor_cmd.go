package main

import (
	"fmt"

	"github.com/ncruces/go-sqlite3"
	"github.com/spf13/cobra"

	cloudsync "github.com/tigawanna/sqlite-sync"
	"github.com/tigawanna/sqlite-sync/internal/csync"
	"github.com/tigawanna/sqlite-sync/internal/registry"
)

// doctorCmd is a read-only diagnostic: report invariant violations without
// attempting auto-repair. Auto-migrating schema drift is explicitly out of
// scope for this engine.
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Report registry/meta-table consistency issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, eng, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine(conn, eng)

		issues := 0
		for _, tbl := range eng.Registry().All() {
			n, err := checkTable(conn, tbl)
			if err != nil {
				return fmt.Errorf("doctor: %s: %w", tbl.Name, err)
			}
			issues += n
		}

		n, err := checkSchemaHash(eng)
		if err != nil {
			return err
		}
		issues += n

		if issues == 0 {
			fmt.Println("no issues found")
		} else {
			fmt.Printf("%d issue(s) found\n", issues)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// checkTable reports two quantified invariants against T_meta:
// (1) every PK with a column row has an odd-col_version sentinel, and
// (2) every sentinel's parity matches whether column rows exist for its PK.
func checkTable(conn *sqlite3.Conn, tbl *registry.Table) (int, error) {
	meta := registry.QuoteIdent(tbl.MetaTable())
	issues := 0

	orphanQuery := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s c
		WHERE c.col_name != ?
		  AND NOT EXISTS (
			SELECT 1 FROM %s s WHERE s.pk = c.pk AND s.col_name = ? AND s.col_version %% 2 = 1
		  )`, meta, meta)
	var orphanCount int64
	if err := csync.QueryRow(conn, orphanQuery,
		[]any{csync.SentinelColumn, csync.SentinelColumn}, &orphanCount); err != nil {
		return 0, fmt.Errorf("orphan column rows: %w", err)
	}
	if orphanCount > 0 {
		fmt.Printf("[%s] %d column row(s) with no live sentinel\n", tbl.Name, orphanCount)
		issues += int(orphanCount)
	}

	hasDataCols := len(tbl.DataCols) > 0
	parityQuery := fmt.Sprintf(`
		SELECT s.pk, s.col_version,
		       (SELECT COUNT(*) FROM %s c WHERE c.pk = s.pk AND c.col_name != ?)
		FROM %s s
		WHERE s.col_name = ?`, meta, meta)
	err := csync.Query(conn, parityQuery, []any{csync.SentinelColumn, csync.SentinelColumn},
		func(stmt *sqlite3.Stmt) error {
			pk := stmt.ColumnBlob(0, nil)
			colVersion := stmt.ColumnInt64(1)
			colRows := stmt.ColumnInt64(2)
			alive := colVersion%2 == 1
			// A pure-key table (no non-PK columns) never produces column
			// rows even while alive, so only flag a missing column row when
			// the table actually has data columns.
			if alive && colRows == 0 && hasDataCols {
				fmt.Printf("[%s] pk %x: sentinel alive (cv=%d) but no column rows\n", tbl.Name, pk, colVersion)
				issues++
			}
			if !alive && colRows > 0 {
				fmt.Printf("[%s] pk %x: sentinel tombstoned (cv=%d) but %d column row(s) remain\n", tbl.Name, pk, colVersion, colRows)
				issues++
			}
			return nil
		})
	return issues, err
}

// checkSchemaHash reports whether the engine's current schema hash is
// registered in cloudsync_schema_versions, catching the case where a
// managed-table change happened without going through begin_alter/commit_alter.
func checkSchemaHash(eng *cloudsync.Engine) (int, error) {
	hash, err := eng.SchemaHash()
	if err != nil {
		return 0, fmt.Errorf("doctor: compute schema hash: %w", err)
	}
	known, err := eng.Settings().KnownSchemaHash(hash)
	if err != nil {
		return 0, fmt.Errorf("doctor: check schema hash registry: %w", err)
	}
	if !known {
		fmt.Printf("current schema hash %016x is not registered in cloudsync_schema_versions\n", hash)
		return 1, nil
	}
	return 0, nil
}
