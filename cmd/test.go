package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	test := &cobra.Command{
		Use:   "test <url> <branch>",
		Short: "Check that a repository is reachable and has a branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			res, err := m.Test(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return res.Err
		},
	}

	RootCommand.AddCommand(test)
}
