package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/scrypster/crmsync/internal/mcpserver"
	"github.com/scrypster/crmsync/internal/server"
)

// --- serve ---

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP host",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			// Discovery failures are retried on the first request.
			if _, err := a.engine.InitializeSchema(ctx); err != nil {
				a.log.Warn("schema discovery failed at startup", "error", err)
			}

			addr, _, err := server.Start(ctx, a.cfg, a.engine,
				server.WithLogger(a.log),
				server.WithMetricsHandler(a.metricsHandler()),
				server.WithVersion(version),
			)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "crmsync listening on http://%s\n", addr)

			<-ctx.Done()
			a.log.Info("shutting down")
			time.Sleep(time.Second) // let in-flight connections close
			return nil
		},
	}
}

// --- process ---

func newProcessCmd(opts *rootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "process [text]",
		Short: "Process text once and print the result as JSON",
		Long: `Process text once and print the result as JSON.

The text is taken from the arguments, from --file, or from stdin.

Examples:
  crmsync process "Met Jane Doe (CTO) at Acme Corp, follow up next week"
  crmsync process --file ./notes.md
  pbpaste | crmsync process`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd.InOrStdin(), file, args)
			if err != nil {
				return err
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("no text to process")
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res := a.engine.ProcessText(ctx, text)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("processing failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read text from a file (- for stdin)")
	return cmd
}

func readInput(stdin io.Reader, file string, args []string) (string, error) {
	switch {
	case len(args) > 0:
		return strings.Join(args, " "), nil
	case file != "" && file != "-":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
}

// --- schema ---

func newSchemaCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Discover the record store schema and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			snap, err := a.engine.InitializeSchema(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

// --- mcp ---

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stdio := mcpgo.NewStdioServer(mcpserver.New(a.engine, version))
			a.log.Info("mcp server ready on stdio")
			if err := stdio.Listen(ctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		},
	}
}

// --- version ---

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "crmsync %s\n", version)
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
