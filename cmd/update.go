package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/depsync/depsync/internal/service"
)

type updateParams struct {
	all   bool
	force bool
	prune bool
}

func init() {
	var p updateParams

	update := &cobra.Command{
		Use:   "update [name...]",
		Short: "Update dependencies from their remotes",
		Long: `Update fetches the branch of each named dependency into its cache and copies
it into the working copy. Working copies with local changes are left alone
unless --force is given. Files of a working copy that are not in the cache are
reported, and deleted with --prune.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.all == (len(args) > 0) {
				return errors.New("name dependencies to update or pass --all")
			}

			m, _, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			opts := service.UpdateOptions{Force: p.force, Prune: p.prune}

			if p.all {
				m.WithBar(bar("Updating"))
				reports, err := m.UpdateAll(cmd.Context(), opts)
				for _, r := range reports {
					printReport(cmd, r)
				}
				return err
			}

			var failures []error
			for _, name := range args {
				r, err := m.Update(cmd.Context(), name, opts)
				if err != nil {
					failures = append(failures, err)
					continue
				}
				printReport(cmd, r)
			}
			return errors.Join(failures...)
		},
	}

	update.Flags().BoolVar(&p.all, "all", false, "update every dependency")
	update.Flags().BoolVarP(&p.force, "force", "f", false, "overwrite local changes")
	update.Flags().BoolVar(&p.prune, "prune", false, "delete files that are not in the repository")

	RootCommand.AddCommand(update)
}

func printReport(cmd *cobra.Command, r *service.Report) {
	out := cmd.OutOrStdout()
	if !r.Refreshed {
		fmt.Fprintf(out, "%s: up to date\n", r.Name)
		return
	}
	fmt.Fprintf(out, "%s: %d files copied\n", r.Name, r.Copied)
	pruned := make(map[string]bool, len(r.Pruned))
	for _, p := range r.Pruned {
		pruned[p] = true
	}
	for _, s := range r.Strays {
		if pruned[s] {
			fmt.Fprintf(out, "  removed %s\n", s)
		} else {
			fmt.Fprintf(out, "  not in repository: %s\n", s)
		}
	}
}
