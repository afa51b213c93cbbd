// Command tuplsh is an interactive shell over a tupl database: each typed
// line is split into arguments and dispatched through a freshly built
// cobra.Command tree, the same way go-ycsb's shell command drives its
// read/scan/insert/update/delete verbs from a chzyer/readline loop
// (go-ycsb/cmd/go-ycsb/shell.go).
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cojen/tupl"
	"github.com/cojen/tupl/internal/cliutil"
)

var db *tupl.Database

func main() {
	baseFile := flag.String("base-file", "", "path prefix for the database's page and redo files")
	configFile := flag.String("config", "", "TOML config file (see internal/config.File)")
	verbose := flag.Bool("v", false, "enable development-mode logging")
	flag.Parse()

	var log *zap.Logger
	var err error
	if *verbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "tuplsh:", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err = cliutil.Open(*baseFile, *configFile, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tuplsh:", err)
		os.Exit(1)
	}
	defer db.Close()

	shellLoop()
}

func shellLoop() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "tupl» ",
		HistoryFile:       os.TempDir() + "/tuplsh_history",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "tuplsh:", err)
		os.Exit(1)
	}
	defer l.Close()

	fmt.Println(`tupl shell. Commands: use, get, put, delete, scan, indexes, checkpoint, exit`)
	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				return
			} else if err == io.EOF {
				return
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		runShellCommand(strings.Fields(line))
	}
}

func runShellCommand(args []string) {
	cmd := newShellCommandTree()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
	}
}

// newShellCommandTree builds a fresh cobra.Command tree for a single
// input line. Rebuilding it per line (rather than reusing one Command)
// avoids carrying stale flag state between commands.
func newShellCommandTree() *cobra.Command {
	root := &cobra.Command{Use: "tuplsh"}
	root.AddCommand(
		shellUseCmd(),
		shellGetCmd(),
		shellPutCmd(),
		shellDeleteCmd(),
		shellScanCmd(),
		shellIndexesCmd(),
		shellCheckpointCmd(),
	)
	root.SilenceUsage = true
	root.SilenceErrors = true
	return root
}
