// Package errs defines the error kinds surfaced by the synchronization
// engine. Callers match them with errors.Is; the concrete errors returned
// wrap one of these sentinels together with context.
package errs

import "errors"

var (
	// ErrIdentityConflict: a cache/copy location is already tracked on a different branch.
	ErrIdentityConflict = errors.New("identity conflict")
	// ErrRemoteUnreachable: network or transport failure. Safe to retry.
	ErrRemoteUnreachable = errors.New("remote unreachable")
	// ErrRefNotFound: the remote answered but does not have the branch.
	ErrRefNotFound = errors.New("ref not found")
	// ErrLocalRepoCorrupt: cache metadata invalid or missing where expected. Recovered by re-cloning.
	ErrLocalRepoCorrupt = errors.New("local repository corrupt")
	// ErrOutputValidationFailed: the operation reported success but its output lacks the expected marker.
	ErrOutputValidationFailed = errors.New("output validation failed")
	// ErrFileSystemBusy: a delete or copy was blocked by an open handle or a held lock.
	ErrFileSystemBusy = errors.New("file system busy")
	// ErrCredentialFailure: credentials could not be resolved or were rejected.
	ErrCredentialFailure = errors.New("credential failure")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrIdentityConflict, "identity_conflict"},
	{ErrRemoteUnreachable, "remote_unreachable"},
	{ErrRefNotFound, "ref_not_found"},
	{ErrLocalRepoCorrupt, "local_repo_corrupt"},
	{ErrOutputValidationFailed, "output_validation_failed"},
	{ErrFileSystemBusy, "file_system_busy"},
	{ErrCredentialFailure, "credential_failure"},
}

// Kind returns a short label for err, suitable for metrics. Unknown errors
// are "internal", nil is "".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// Retryable reports whether retrying the same operation may succeed without
// the user changing anything.
func Retryable(err error) bool {
	return errors.Is(err, ErrRemoteUnreachable) || errors.Is(err, ErrLocalRepoCorrupt)
}
