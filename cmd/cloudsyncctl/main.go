// Command cloudsyncctl is the settings/ops CLI around the cloudsync core:
// registering tables, brokering schema changes, and driving a sync pass
// against a remote endpoint. It is an external collaborator of the core,
// deliberately kept separate from the replication engine itself: one cobra
// root command, one subcommand per file.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
