package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/depsync/depsync/internal/deps"
	"github.com/depsync/depsync/internal/errs"
	"github.com/depsync/depsync/internal/service"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{errors.New("boom"), ExitError},
		{fmt.Errorf("dependency %q: %w", "lib", errs.ErrRemoteUnreachable), ExitError},
		{fmt.Errorf("dependency %q: %w", "lib", errs.ErrIdentityConflict), ExitConflict},
		{fmt.Errorf("%w: lib", deps.ErrNameExists), ExitConflict},
		{fmt.Errorf("%w: existing: lib", deps.ErrURLExists), ExitConflict},
		{fmt.Errorf("dependency %q: %w", "lib", service.ErrLocalChanges), ExitLocalChanges},
		{errors.Join(errors.New("boom"), service.ErrLocalChanges), ExitLocalChanges},
	}

	for _, tc := range tests {
		if got := ExitCode(tc.err); got != tc.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestCommands(t *testing.T) {
	want := []string{"add", "copy-back", "diff", "remove", "revert", "status", "test", "update", "watch"}
	for _, name := range want {
		c, _, err := RootCommand.Find([]string{name})
		if err != nil || c.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}
