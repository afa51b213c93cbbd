package main

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cojen/tupl"
)

var indexName string

func init() {
	for _, c := range []*cobra.Command{getCmd, putCmd, deleteCmd, scanCmd} {
		c.Flags().StringVar(&indexName, "index", "default", "name of the index to operate on")
		rootCmd.AddCommand(c)
	}
}

var getCmd = &cobra.Command{
	Use:   "get key",
	Short: "Look up a key in an index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := openNamedIndex(indexName)
		if err != nil {
			return err
		}
		val, ok, err := t.Get(tupl.BogusTransaction(), []byte(args[0]))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("key not found: %q", args[0])
		}
		fmt.Printf("%s\n", val)
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put key value",
	Short: "Store a key/value pair in an index",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := openNamedIndex(indexName)
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

var deleteCmd = &cobra.Command{
	Use:   "delete key",
	Short: "Delete a key from an index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := openNamedIndex(indexName)
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

var scanLimit int

var scanCmd = &cobra.Command{
	Use:   "scan [prefix]",
	Short: "Scan an index in key order, optionally starting at prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := openNamedIndex(indexName)
		if err != nil {
			return err
		}
		c := t.NewCursor(tupl.BogusTransaction())
		defer c.Reset()

		if len(args) == 1 {
			err = c.FindGe([]byte(args[0]))
		} else {
			err = c.First()
		}
		if err != nil {
			return err
		}

		tw := tablewriter.NewWriter(cmd.OutOrStdout())
		tw.SetHeader([]string{"key", "value"})
		n := 0
		for c.Exists() {
			if scanLimit > 0 && n >= scanLimit {
				break
			}
			val, err := c.Load()
			if err != nil {
				return err
			}
			tw.Append([]string{string(c.Key()), string(val)})
			n++
			if err := c.Next(); err != nil {
				return err
			}
		}
		tw.Render()
		fmt.Printf("(%d rows)\n", n)
		return nil
	},
}

func init() {
	scanCmd.Flags().IntVar(&scanLimit, "limit", 0, "maximum number of rows to print (0 = unlimited)")
}
