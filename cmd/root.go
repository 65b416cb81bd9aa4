// Package cmd implements the depsync command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/thediveo/enumflag/v2"

	"github.com/depsync/depsync/internal/config"
	"github.com/depsync/depsync/internal/deps"
	"github.com/depsync/depsync/internal/errs"
	"github.com/depsync/depsync/internal/logging"
	"github.com/depsync/depsync/internal/progress"
	"github.com/depsync/depsync/internal/service"
)

// Exit codes.
const (
	ExitOK           = 0
	ExitError        = 1
	ExitConflict     = 2
	ExitLocalChanges = 3
)

type rootParams struct {
	configFiles []string
	logLevel    logging.Level
}

var params = rootParams{
	configFiles: []string{config.DefaultFileName},
	logLevel:    logging.Info,
}

var RootCommand = &cobra.Command{
	Use:   "depsync",
	Short: "Keep copies of git repositories in sync with a project",
	Long: `depsync keeps a working copy of each dependency listed in the dependency file
of a project. Every dependency is cloned into a cache, and a branch or one
sub-folder of it is copied into the project. Local edits of a working copy are
detected and never overwritten without --force.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCommand.PersistentFlags().StringSliceVarP(&params.configFiles, "config", "c", params.configFiles, "configuration files, merged in order")
	RootCommand.PersistentFlags().Var(enumflag.New(&params.logLevel, "level", logging.LevelIds, enumflag.EnumCaseInsensitive), "log-level", "log level: debug, info, warn or error")
}

// Execute runs the command line and returns the exit code of the process.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := RootCommand.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(RootCommand.ErrOrStderr(), "error:", err)
	}
	return ExitCode(err)
}

// ExitCode maps err to the exit code of the process.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errs.ErrIdentityConflict),
		errors.Is(err, deps.ErrNameExists),
		errors.Is(err, deps.ErrURLExists):
		return ExitConflict
	case errors.Is(err, service.ErrLocalChanges):
		return ExitLocalChanges
	default:
		return ExitError
	}
}

// open loads the configuration and initializes a manager. The caller closes
// the manager.
func open(ctx context.Context) (*service.Manager, *config.Root, error) {
	cfg, err := config.ParseFiles(params.configFiles)
	if err != nil {
		return nil, nil, err
	}

	log := logging.NewLogger(logging.Config{Level: params.logLevel})
	m := service.New(cfg).WithLogger(log)
	if err := m.Init(ctx); err != nil {
		return nil, nil, err
	}
	return m, cfg, nil
}

// bar returns a progress bar on stderr, nil if stderr is not a terminal.
func bar(description string) *progress.Bar {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}
	return progress.New(0, description)
}
