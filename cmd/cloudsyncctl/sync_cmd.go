package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	cloudsync "github.com/tigawanna/sqlite-sync"
	"github.com/tigawanna/sqlite-sync/internal/config"
)

var syncEndpoint string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local changes and pull remote changes against the configured endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		endpoint := syncEndpoint
		if endpoint == "" {
			endpoint = cfg.Endpoint
		}
		if endpoint == "" {
			return fmt.Errorf("cloudsyncctl sync: no endpoint configured (pass --endpoint or set endpoint in config)")
		}

		// A single dbPath can only have one sync in flight at a time: the
		// HTTP round trip and payload apply both run on the one connection
		// the engine owns, and a second invocation racing the cursor
		// reads/writes in internal/transport would corrupt them. Guard with
		// a lock file scoped to the database path.
		lockPath := filepath.Join(filepath.Dir(dbPath), "."+filepath.Base(dbPath)+".sync.lock")
		lock := flock.New(lockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring sync lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("another sync is in progress against %s", dbPath)
		}
		defer func() { _ = lock.Unlock() }()

		conn, eng, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine(conn, eng)

		eps, err := cloudsync.DeriveTransportEndpoints(endpoint, eng.SiteIDHex())
		if err != nil {
			return err
		}
		client := cloudsync.NewTransportClient(eps)

		result, err := cloudsync.Sync(ctx, client, eng, cfg.SyncWaitMs, cfg.SyncMaxRetries)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "sync complete: pushed %d rows, pulled %d rows\n", result.Pushed, result.Pulled)
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncEndpoint, "endpoint", "", "connection string scheme://host[:port]/database[?apikey=…|?token=…], overrides config")
	rootCmd.AddCommand(syncCmd)
}
