package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	copyBack := &cobra.Command{
		Use:   "copy-back <name>",
		Short: "Copy the edits of a working copy into its cached clone",
		Long: `Copy-back copies every file of the working copy into the cached clone, where
the edits can be committed and pushed. The working copy is then recorded as
unchanged, so the next update runs without --force and discards edits that
were not pushed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			copied, err := m.CopyBack(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d files copied back\n", args[0], len(copied))
			return nil
		},
	}

	RootCommand.AddCommand(copyBack)
}
