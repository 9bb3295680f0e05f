// Command crmsync turns business text into CRM records. It runs as an HTTP
// host (serve), an MCP stdio server (mcp) or a one-shot CLI (process).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	configPath string
	store      string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "crmsync",
		Short:         "Turn meeting notes and emails into CRM records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.store, "store", "", "record store backend override (attio, sqlite, postgres)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newProcessCmd(opts),
		newSchemaCmd(opts),
		newMCPCmd(opts),
		newVersionCmd(),
	)
	return root
}
