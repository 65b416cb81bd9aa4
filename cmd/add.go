package cmd

import (
	"github.com/spf13/cobra"

	"github.com/depsync/depsync/internal/deps"
)

func init() {
	add := &cobra.Command{
		Use:   "add <url> <branch> <subfolder> <name>",
		Short: "Add a dependency and copy it into the project",
		Long: `Add tests that the repository is reachable and has the branch, records the
dependency in the dependency file and runs its first update. Pass "" as
subfolder to copy the whole repository.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			d := deps.Dependency{URL: args[0], Branch: args[1], SubFolder: args[2], Name: args[3]}
			report, err := m.Add(cmd.Context(), d)
			if err != nil {
				return err
			}
			printReport(cmd, report)
			return nil
		},
	}

	RootCommand.AddCommand(add)
}
