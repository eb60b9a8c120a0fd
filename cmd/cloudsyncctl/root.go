package main

import (
	"fmt"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/spf13/cobra"

	cloudsync "github.com/tigawanna/sqlite-sync"
	"github.com/tigawanna/sqlite-sync/internal/clog"
	"github.com/tigawanna/sqlite-sync/internal/config"
)

var dbPath string

var rootCmd = &cobra.Command{
	Use:   "cloudsyncctl",
	Short: "Manage and drive a cloudsync SQLite replica",
	Long: `cloudsyncctl is the settings/ops surface around the cloudsync CRDT
replication core: register tables, bracket schema changes, and drive a sync
pass against a remote endpoint.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "cloudsync.db", "path to the SQLite database file")
}

// openEngine opens dbPath and returns a ready *cloudsync.Engine bound to a
// fresh connection, the shared entry point every subcommand builds on.
func openEngine() (*sqlite3.Conn, *cloudsync.Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("cloudsyncctl: load config: %w", err)
	}
	clog.SetDebug(cfg.Debug)

	var opts []cloudsync.Option
	if cfg.MergeEqualValues {
		opts = append(opts, cloudsync.WithMergeEqualValues(true))
	}
	opts = append(opts, cloudsync.WithCompressThreshold(cfg.CompressThreshold))
	conn, eng, err := cloudsync.OpenPath(dbPath, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("cloudsyncctl: open %s: %w", dbPath, err)
	}
	return conn, eng, nil
}

func closeEngine(conn *sqlite3.Conn, eng *cloudsync.Engine) {
	_ = eng.Terminate()
	_ = conn.Close()
}
