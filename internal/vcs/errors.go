package vcs

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/depsync/depsync/internal/errs"
)

// GitError is returned when a git command fails.
type GitError struct {
	Err    error
	Args   []string
	Output string
	kind   error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("running git %s: %s:\n%s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output))
}

func (e *GitError) Unwrap() []error {
	if e.kind == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.kind}
}

// Phrases git prints on stderr, mapped to error kinds. Checked in order.
var outputKinds = []struct {
	phrase string
	kind   error
}{
	{"authentication failed", errs.ErrCredentialFailure},
	{"could not read username", errs.ErrCredentialFailure},
	{"could not read password", errs.ErrCredentialFailure},
	{"permission denied", errs.ErrCredentialFailure},
	{"invalid username or password", errs.ErrCredentialFailure},
	{"remote branch", errs.ErrRefNotFound}, // "Remote branch x not found in upstream origin"
	{"couldn't find remote ref", errs.ErrRefNotFound},
	{"not a git repository", errs.ErrLocalRepoCorrupt},
	{"could not resolve host", errs.ErrRemoteUnreachable},
	{"unable to access", errs.ErrRemoteUnreachable},
	{"does not appear to be a git repository", errs.ErrRemoteUnreachable},
	{"repository not found", errs.ErrRemoteUnreachable},
	{"connection refused", errs.ErrRemoteUnreachable},
	{"connection timed out", errs.ErrRemoteUnreachable},
	{"could not read from remote repository", errs.ErrRemoteUnreachable},
}

func kindFromOutput(output string) error {
	lower := strings.ToLower(output)
	for _, k := range outputKinds {
		if strings.Contains(lower, k.phrase) {
			return k.kind
		}
	}
	return nil
}

// classify wraps a go-git error with the matching error kind.
func classify(err error) error {
	var kind error
	var netErr net.Error
	var urlErr *url.Error

	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod):
		kind = errs.ErrCredentialFailure
	case errors.Is(err, git.NoMatchingRefSpecError{}),
		errors.Is(err, plumbing.ErrReferenceNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
		kind = errs.ErrRefNotFound
	case errors.Is(err, git.ErrRepositoryNotExists),
		errors.Is(err, plumbing.ErrObjectNotFound):
		kind = errs.ErrLocalRepoCorrupt
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.As(err, &netErr),
		errors.As(err, &urlErr):
		kind = errs.ErrRemoteUnreachable
	default:
		kind = kindFromOutput(err.Error())
	}

	if kind == nil || errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
