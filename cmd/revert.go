package cmd

import (
	"github.com/spf13/cobra"
)

func init() {
	var prune bool

	revert := &cobra.Command{
		Use:   "revert <name>",
		Short: "Discard local edits by copying the cached clone again",
		Long: `Revert copies the cached clone of a dependency over its working copy without
fetching from the remote. Files that are not in the repository are reported,
or deleted with --prune.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			r, err := m.Revert(cmd.Context(), args[0], prune)
			if err != nil {
				return err
			}
			printReport(cmd, r)
			return nil
		},
	}

	revert.Flags().BoolVar(&prune, "prune", false, "delete files that are not in the repository")

	RootCommand.AddCommand(revert)
}
