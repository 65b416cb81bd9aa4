package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/depsync/depsync/internal/service"
)

func init() {
	var purge bool

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a dependency and its working copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Remove(cmd.Context(), args[0], service.RemoveOptions{PurgeCache: purge}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: removed\n", args[0])
			return nil
		},
	}

	remove.Flags().BoolVar(&purge, "purge-cache", false, "delete the cached clone as well")

	RootCommand.AddCommand(remove)
}
