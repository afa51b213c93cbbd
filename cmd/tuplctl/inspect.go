package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print a summary of the open database's indexes, cache and locks",
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	size, max := db.CacheOccupancy()
	fmt.Printf("node cache: %d/%d nodes\n", size, max)
	fmt.Printf("active locks: %d\n", db.LockCensus())

	indexes := db.Indexes()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"id", "name"})
	for _, idx := range indexes {
		tw.Append([]string{fmt.Sprintf("%d", idx.ID()), string(idx.Name())})
	}
	tw.Render()
	fmt.Printf("(%d indexes)\n", len(indexes))
	return nil
}
