package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var alterCmd = &cobra.Command{
	Use:   "alter <table>",
	Short: "Bracket a schema change with begin_alter/commit_alter",
	Long: `Opens the cloudsync_alter savepoint, runs the --sql statements against
<table> inside the bracket, then runs commit_alter to rebuild triggers and
compact or rebuild the meta table.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, eng, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine(conn, eng)

		table := args[0]
		if err := eng.BeginAlter(table); err != nil {
			return fmt.Errorf("begin_alter(%s): %w", table, err)
		}

		alterSQL, _ := cmd.Flags().GetString("sql")
		if alterSQL != "" {
			if err := conn.Exec(alterSQL); err != nil {
				return fmt.Errorf("executing --sql against %s inside the alter bracket: %w", table, err)
			}
		} else {
			fmt.Printf("cloudsync_alter savepoint open on %q with no --sql given; committing unchanged\n", table)
		}

		if err := eng.CommitAlter(table); err != nil {
			return fmt.Errorf("commit_alter(%s): %w", table, err)
		}
		fmt.Printf("alter committed for %q\n", table)
		return nil
	},
}

func init() {
	alterCmd.Flags().String("sql", "", "ALTER statement(s) to run inside the begin_alter/commit_alter bracket")
	rootCmd.AddCommand(alterCmd)
}
