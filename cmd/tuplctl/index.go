package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cojen/tupl"
)

var createIndexCmd = &cobra.Command{
	Use:   "create-index name",
	Short: "Create (or open, if it already exists) a named index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := db.CreateIndex([]byte(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("index %q id=%d\n", args[0], t.ID())
		return nil
	},
}

var deleteIndexCmd = &cobra.Command{
	Use:   "delete-index name",
	Short: "Delete a named index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := openNamedIndex(args[0])
		if err != nil {
			return err
		}
		return db.DeleteIndex(t)
	},
}

func init() {
	rootCmd.AddCommand(createIndexCmd, deleteIndexCmd)
}

// openNamedIndex resolves name to its already-open Tree, creating it if it
// does not yet exist (CreateIndex is itself idempotent open-or-create).
func openNamedIndex(name string) (*tupl.Tree, error) {
	return db.CreateIndex([]byte(name))
}
