// Command tuplctl is a command-line client for a tupl database: create and
// inspect indexes, get/put/delete/scan keys, force a checkpoint, and export
// or restore a snapshot. Grounded on maho's cobra root command plus
// PersistentFlags/PersistentPreRunE pattern (cmd/maho.go) for config-file
// wiring, generalized from maho's single always-running server process to
// a one-shot CLI that opens the database, runs one subcommand, and closes
// it again.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cojen/tupl"
	"github.com/cojen/tupl/internal/cliutil"
)

var (
	baseFile   string
	configFile string
	verbose    bool

	log *zap.Logger
	db  *tupl.Database
)

// skipOpen lists subcommands that must not go through the normal
// open-database PersistentPreRunE: help never touches a database, and
// snapshot-restore writes into a PageArray that does not exist yet.
var skipOpen = map[string]bool{
	"help":             true,
	"snapshot-restore": true,
}

var rootCmd = &cobra.Command{
	Use:   "tuplctl",
	Short: "Inspect and operate a tupl database",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipOpen[cmd.Name()] {
			return nil
		}
		var err error
		if verbose {
			log, err = zap.NewDevelopment()
		} else {
			log, err = zap.NewProduction()
		}
		if err != nil {
			return err
		}
		db, err = cliutil.Open(baseFile, configFile, log)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if db == nil {
			return nil
		}
		err := db.Close()
		if log != nil {
			_ = log.Sync()
		}
		return err
	},
}

func init() {
	fs := rootCmd.PersistentFlags()
	fs.StringVar(&baseFile, "base-file", "", "path prefix for the database's page and redo files (overrides --config)")
	fs.StringVar(&configFile, "config", "", "TOML config file (see internal/config.File)")
	fs.BoolVarP(&verbose, "verbose", "v", false, "enable development-mode (debug-level, console-encoded) logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tuplctl:", err)
		os.Exit(1)
	}
}
