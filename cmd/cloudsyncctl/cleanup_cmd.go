package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <table|*>",
	Short: "Deregister a table (or every managed table), dropping its meta shadow and triggers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, eng, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine(conn, eng)

		if err := eng.Cleanup(args[0]); err != nil {
			return err
		}
		fmt.Printf("cleaned up %q\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
