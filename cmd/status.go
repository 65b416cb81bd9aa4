package cmd

import (
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/depsync/depsync/internal/service"
)

func init() {
	var verbose bool

	status := &cobra.Command{
		Use:   "status [name...]",
		Short: "Show the state of dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			list, err := m.Status(cmd.Context(), args...)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			header := []any{"Name", "Branch", "State", "Progress", "Local changes", "Synced"}
			if verbose {
				header = append(header, "Files", "Size", "URL")
			}
			table.Header(header...)

			for _, s := range list {
				row := []string{s.Name, s.Branch, state(s), s.Progress.Message, yesNo(s.LocalChanges), synced(s)}
				if verbose {
					row = append(row, strconv.Itoa(s.Files), humanize.Bytes(uint64(s.Size)), s.URL)
				}
				if s.Err != nil {
					row[3] = s.Err.Error()
				}
				if err := table.Append(row); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}

	status.Flags().BoolVarP(&verbose, "verbose", "v", false, "show sizes and URLs")

	RootCommand.AddCommand(status)
}

func state(s service.Status) string {
	if !s.Cloned {
		return "Not cloned"
	}
	return s.State.String()
}

func synced(s service.Status) string {
	if s.Synced.IsZero() {
		return "never"
	}
	return humanize.Time(s.Synced)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
