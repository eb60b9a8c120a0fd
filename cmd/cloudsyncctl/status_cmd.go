package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	cloudsync "github.com/tigawanna/sqlite-sync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print site id, current db_version, and every managed table",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, eng, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine(conn, eng)

		dv, err := eng.DBVersion()
		if err != nil {
			return err
		}
		fmt.Printf("library version: %s\n", eng.Version())
		fmt.Printf("site id:         %s\n", eng.SiteIDHex())
		fmt.Printf("db_version:      %d\n", dv)

		tables := cloudsync.Describe(eng)
		if len(tables) == 0 {
			fmt.Println("no managed tables")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tALGORITHM\tENABLED\tPK COLS\tDATA COLS")
		for _, t := range tables {
			fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\n", t.Name, t.Algorithm, t.Enabled, t.NumPK, t.NumData)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
