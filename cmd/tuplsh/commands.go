package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cojen/tupl"
)

// currentIndex is the shell's session state: which index get/put/delete/
// scan operate on, persisting across lines the way go-ycsb's shell keeps
// tableName across shell commands.
var currentIndex = "default"

func currentTree() (*tupl.Tree, error) {
	return db.CreateIndex([]byte(currentIndex))
}

func shellUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use [name]",
		Short: "Get or set the index that get/put/delete/scan operate on",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 1 {
				currentIndex = args[0]
			}
			fmt.Printf("using index %q\n", currentIndex)
		},
	}
}

func shellGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get key",
		Short: "Look up a key in the current index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := currentTree()
			if err != nil {
				return err
			}
			val, ok, err := t.Get(tupl.BogusTransaction(), []byte(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("key not found: %q\n", args[0])
				return nil
			}
			fmt.Printf("%s\n", val)
			return nil
		},
	}
}

func shellPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put key value",
		Short: "Store a key/value pair in the current index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := currentTree()
			if err != nil {
				return err
			}
			txn := db.Begin()
			if err := t.Put(txn, []byte(args[0]), []byte(args[1])); err != nil {
				_ = txn.Reset()
				return err
			}
			return txn.Commit()
		},
	}
}

func shellDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete key",
		Short: "Delete a key from the current index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := currentTree()
			if err != nil {
				return err
			}
			txn := db.Begin()
			existed, err := t.Delete(txn, []byte(args[0]))
			if err != nil {
				_ = txn.Reset()
				return err
			}
			if err := txn.Commit(); err != nil {
				return err
			}
			if !existed {
				fmt.Printf("key not found: %q\n", args[0])
			}
			return nil
		},
	}
}

func shellScanCmd() *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "scan [prefix]",
		Short: "Scan the current index in key order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := currentTree()
			if err != nil {
				return err
			}
			cur := t.NewCursor(tupl.BogusTransaction())
			defer cur.Reset()

			if len(args) == 1 {
				err = cur.FindGe([]byte(args[0]))
			} else {
				err = cur.First()
			}
			if err != nil {
				return err
			}

			tw := tablewriter.NewWriter(os.Stdout)
			tw.SetHeader([]string{"key", "value"})
			n := 0
			for cur.Exists() {
				if limit > 0 && n >= limit {
					break
				}
				val, err := cur.Load()
				if err != nil {
					return err
				}
				tw.Append([]string{string(cur.Key()), string(val)})
				n++
				if err := cur.Next(); err != nil {
					return err
				}
			}
			tw.Render()
			fmt.Printf("(%d rows)\n", n)
			return nil
		},
	}
	c.Flags().IntVar(&limit, "limit", 0, "maximum number of rows to print (0 = unlimited)")
	return c
}

func shellIndexesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "indexes",
		Short: "List every open named index",
		Run: func(cmd *cobra.Command, args []string) {
			for _, idx := range db.Indexes() {
				fmt.Printf("%-20s id=%d\n", idx.Name(), idx.ID())
			}
		},
	}
}

func shellCheckpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Force a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.Checkpoint(); err != nil {
				return err
			}
			fmt.Println("checkpoint complete")
			return nil
		},
	}
}
