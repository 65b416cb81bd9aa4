package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	diff := &cobra.Command{
		Use:   "diff <name>",
		Short: "Show the differences between a working copy and its cached clone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			out, err := m.Diff(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}

	RootCommand.AddCommand(diff)
}
