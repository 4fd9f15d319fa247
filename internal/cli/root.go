// Package cli implements the collab command line client.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/collab-sync/internal/client"
	"github.com/example/collab-sync/internal/types"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server   string
	Document string
	Verbose  bool
	Timeout  time.Duration
}

// NewRootCommand creates the root command for the collab CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "collab",
		Short: "Read and edit collaborative documents",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.Server) == "" {
				return fmt.Errorf("--server must not be empty")
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("COLLAB_SERVER", "ws://localhost:8080"), "server base URL")
	cmd.PersistentFlags().StringVarP(&opts.Document, "document", "d", "", "document id")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log session events to stderr")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "time allowed to reach the server")

	cmd.AddCommand(NewCatCommand(opts))
	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewLoadTestCommand(opts))

	return cmd
}

func (o *RootOptions) logger(w io.Writer) zerolog.Logger {
	if !o.Verbose {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
}

// open starts a controller for the selected document and waits for it to
// become ready.
func (o *RootOptions) open(ctx context.Context, stderr io.Writer) (*client.Controller, error) {
	docID, err := types.ParseDocumentID(o.Document)
	if err != nil {
		return nil, fmt.Errorf("--document: %w", err)
	}
	ctrl, err := client.New(client.Config{
		ServerURL: o.Server,
		Document:  docID,
		Logger:    o.logger(stderr),
	})
	if err != nil {
		return nil, err
	}
	ctrl.Start()

	waitCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	res, err := ctrl.Ready().Wait(waitCtx)
	if err != nil {
		_ = ctrl.Close()
		return nil, fmt.Errorf("waiting for %s: %w", docID, err)
	}
	if !res.Merged {
		fmt.Fprintln(stderr, "warning: server state was not received, showing local replica only")
	}
	return ctrl, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
