package vcs

import (
	"cmp"
	"context"
	"fmt"
	"strings"

	"github.com/depsync/depsync/internal/errs"
)

// ProgressFunc receives incremental progress of a VCS operation. fraction is
// in [0, 1]. It is called from the goroutine running the operation.
type ProgressFunc func(fraction float64, message string)

// Client is the version control capability used by repository jobs and the
// connectivity tester. The returned strings are the human readable
// transcript of the operation; callers validate them with Markers.
type Client interface {
	// CloneSparse makes a shallow, single branch clone of url into dest. If
	// subFolder is not empty, only that directory is checked out.
	CloneSparse(ctx context.Context, url, branch, dest, subFolder string, progress ProgressFunc) (string, error)
	// UpdateToRemote fetches branch and hard resets the clone at dest to it,
	// discarding any local modification of the clone.
	UpdateToRemote(ctx context.Context, dest, branch string, progress ProgressFunc) (string, error)
	// IsValidLocalRepo reports whether path holds a usable clone.
	IsValidLocalRepo(path string) bool
	// ListRemoteRefs reports whether branch exists on the remote.
	ListRemoteRefs(ctx context.Context, url, branch string) (bool, error)
}

// Verifier is implemented by clients whose transcript is not git's own
// output. Jobs call Verify on the clone instead of matching Markers.
type Verifier interface {
	// Verify checks that dest holds a clone checked out at branch.
	Verify(dest, branch string) error
}

// Markers are substrings that must appear in the transcript of a successful
// operation. Some failures are reported with a zero exit code, so the exit
// status alone is not trusted. The wording depends on the git version, which
// is why it can be overridden.
type Markers struct {
	Clone  string
	Update string
	Refs   string
}

var DefaultMarkers = Markers{
	Clone:  ", done.",
	Update: "HEAD is now at",
	Refs:   "refs/heads",
}

// WithDefaults returns m with empty markers replaced by the defaults.
func (m Markers) WithDefaults() Markers {
	return Markers{
		Clone:  cmp.Or(m.Clone, DefaultMarkers.Clone),
		Update: cmp.Or(m.Update, DefaultMarkers.Update),
		Refs:   cmp.Or(m.Refs, DefaultMarkers.Refs),
	}
}

// Validate checks, case-insensitively, that output contains marker.
func Validate(operation, output, marker string) error {
	if marker == "" || strings.Contains(strings.ToLower(output), strings.ToLower(marker)) {
		return nil
	}
	return fmt.Errorf("%w: %s output does not contain %q", errs.ErrOutputValidationFailed, operation, marker)
}
