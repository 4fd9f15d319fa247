package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCatCommand creates the cat command.
func NewCatCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "cat",
		Short:        "Print the current text of a document",
		Example:      "  collab cat --document notes",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer ctrl.Close()

			text, err := ctrl.Text()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	}
}
