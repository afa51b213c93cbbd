package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cojen/tupl"
)

var snapshotExportCmd = &cobra.Command{
	Use:   "snapshot-export file",
	Short: "Write a consistent point-in-time copy of the database's page array to file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := db.NewSnapshot()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		defer out.Close()
		n, err := snap.WriteTo(out)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d bytes to %s\n", n, args[0])
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "snapshot-restore file",
	Short: "Restore a page array previously produced by snapshot-export into --base-file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if baseFile == "" {
			return fmt.Errorf("--base-file is required for snapshot-restore")
		}
		pages, err := tupl.OpenPageArray(baseFile+".db", 4096, false)
		if err != nil {
			return err
		}
		defer pages.Close()
		in, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer in.Close()
		if err := pages.RestoreFromSnapshot(in); err != nil {
			return err
		}
		fmt.Printf("restored %s into %s.db\n", args[0], baseFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotExportCmd, snapshotRestoreCmd)
}
