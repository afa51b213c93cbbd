package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Force a checkpoint of the open database",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := db.Checkpoint(); err != nil {
			return err
		}
		fmt.Println("checkpoint complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
}
