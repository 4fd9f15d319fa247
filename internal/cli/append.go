package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Bootstrap bool
	Settle    time.Duration
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append TEXT...",
		Short: "Append text to a document",
		Long: `Append text to the end of a document.

With --bootstrap the text is only written when the document is empty,
which makes seeding a template safe to repeat.`,
		Example: `  collab append --document notes "hello world"
  collab append --document notes --bootstrap "# Title"`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer ctrl.Close()

			text := strings.Join(args, " ")
			if opts.Bootstrap {
				inserted, err := ctrl.Bootstrap(cmd.Context(), text)
				if err != nil {
					return err
				}
				if !inserted {
					cmd.PrintErrln("document is not empty, nothing written")
					return nil
				}
			} else if err := ctrl.Append(text); err != nil {
				return err
			}

			// Give the session time to deliver the change before closing.
			select {
			case <-time.After(opts.Settle):
			case <-cmd.Context().Done():
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Bootstrap, "bootstrap", false, "only write when the document is empty")
	cmd.Flags().DurationVar(&opts.Settle, "settle", 500*time.Millisecond, "time to wait for delivery before exiting")
	return cmd
}
