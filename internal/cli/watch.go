package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Interval time.Duration
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:          "watch",
		Short:        "Print a document every time its text changes",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer ctrl.Close()

			ticker := time.NewTicker(opts.Interval)
			defer ticker.Stop()

			last := ""
			first := true
			for {
				text, err := ctrl.Text()
				if err != nil {
					return err
				}
				if first || text != last {
					fmt.Fprintf(cmd.OutOrStdout(), "--- %s (%s)\n%s\n", time.Now().Format(time.TimeOnly), ctrl.State(), text)
					last, first = text, false
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 250*time.Millisecond, "poll interval")
	return cmd
}
