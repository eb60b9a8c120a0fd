package main

import (
	"fmt"

	"github.com/spf13/cobra"

	cloudsync "github.com/tigawanna/sqlite-sync"
)

var (
	initAlgorithm      string
	initSkipIntPKCheck bool
)

var initCmd = &cobra.Command{
	Use:   "init <table|*>",
	Short: "Register a table (or every user table) for CRDT replication",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, eng, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine(conn, eng)

		algo := cloudsync.Algorithm(initAlgorithm)
		if err := eng.Init(args[0], algo, initSkipIntPKCheck); err != nil {
			return err
		}
		fmt.Printf("initialized %q under algorithm %q\n", args[0], algo)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initAlgorithm, "algo", string(cloudsync.AlgoCLS), "CRDT algorithm: cls, gos, dws, aws")
	initCmd.Flags().BoolVar(&initSkipIntPKCheck, "skip-int-pk-check", false, "allow a single-column INTEGER primary key")
	rootCmd.AddCommand(initCmd)
}
