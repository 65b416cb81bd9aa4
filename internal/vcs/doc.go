// Package vcs provides the git operations needed to keep a local cache of a
// remote repository: shallow, optionally sparse clones, forced updates to the
// remote head of a branch, and remote branch lookups.
//
// Two implementations of Client are available:
//   - GoGit runs in-process on top of go-git and needs no git installation.
//   - CLI runs the git executable, using partial clone filters.
//
// Both report progress through a ProgressFunc and return the transcript of
// the operation. The transcript of CLI is git's own output, which callers
// check against Markers before trusting the result. GoGit implements
// Verifier instead: its clone is checked by opening it and comparing HEAD
// with the fetched branch.
//
//	client := vcs.NewCLI(creds)
//	out, err := client.CloneSparse(ctx, url, "main", dir, "docs", nil)
//	if err == nil {
//	    err = vcs.Validate("clone", out, vcs.DefaultMarkers.Clone)
//	}
//
// Errors carry an error kind from package errs (errs.ErrRefNotFound,
// errs.ErrRemoteUnreachable, ...) so callers can react with errors.Is.
//
// Clients keep no per-repository state in memory; concurrent operations on
// the same destination must be serialized by the caller.
package vcs
