package vcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/depsync/depsync/internal/credentials"
	"github.com/depsync/depsync/internal/errs"
)

// stateFile records what a clone was made for, so that updates can restore
// the same sparse checkout.
// NB: it lives inside .git so it is never copied into a working copy.
const stateFile = "depsync.json"

const remoteName = "origin"

func init() {
	// For Azure DevOps compatibility. More details: https://github.com/go-git/go-git/issues/64
	transport.UnsupportedCapabilities = []capability.Capability{
		capability.ThinPack,
	}
}

type cloneState struct {
	URL       string `json:"url"`
	Branch    string `json:"branch"`
	SubFolder string `json:"sub_folder,omitempty"`
}

// GoGit implements Client in-process with go-git. It keeps no state between
// calls and is safe for concurrent use on different destinations.
type GoGit struct {
	creds credentials.Provider
}

func NewGoGit(creds credentials.Provider) *GoGit {
	if creds == nil {
		creds = credentials.Anonymous{}
	}
	return &GoGit{creds: creds}
}

func (*GoGit) IsValidLocalRepo(path string) bool {
	fi, err := os.Stat(filepath.Join(path, git.GitDirName))
	if err != nil || !fi.IsDir() {
		return false
	}
	_, err = git.PlainOpen(path)
	return err == nil
}

func (g *GoGit) CloneSparse(ctx context.Context, url, branch, dest, subFolder string, progress ProgressFunc) (string, error) {
	t := newTranscript(progress)
	t.Println(fmt.Sprintf("Cloning into '%s'...", filepath.Base(dest)))

	auth, err := g.creds.Resolve(ctx, url)
	if err != nil {
		return t.String(), err
	}

	opts := &git.CloneOptions{
		URL:           url,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		NoCheckout:    true, // checked out below, sparsely if needed
		Tags:          git.NoTags,
		Progress:      t,
	}
	if shallow(url) {
		opts.Depth = 1
	}

	repository, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return t.String(), classify(err)
	}

	sub := cleanSubFolder(subFolder)
	if err := writeState(dest, cloneState{URL: url, Branch: branch, SubFolder: sub}); err != nil {
		return t.String(), err
	}

	n, err := checkout(repository, plumbing.NewBranchReferenceName(branch), sub)
	if err != nil {
		return t.String(), classify(err)
	}

	t.Println(fmt.Sprintf("Checked out %d files", n))
	return t.String(), nil
}

func (g *GoGit) UpdateToRemote(ctx context.Context, dest, branch string, progress ProgressFunc) (string, error) {
	t := newTranscript(progress)

	repository, err := git.PlainOpen(dest)
	if err != nil {
		return t.String(), fmt.Errorf("%w: %v", errs.ErrLocalRepoCorrupt, err)
	}

	state, err := readState(dest)
	if err != nil {
		return t.String(), fmt.Errorf("%w: %v", errs.ErrLocalRepoCorrupt, err)
	}
	if state.Branch != branch {
		return t.String(), fmt.Errorf("%w: clone tracks branch %q, not %q", errs.ErrLocalRepoCorrupt, state.Branch, branch)
	}

	auth, err := g.creds.Resolve(ctx, state.URL)
	if err != nil {
		return t.String(), err
	}

	opts := &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       auth,
		Force:      true,
		Tags:       git.NoTags,
		Progress:   t,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%[1]s:refs/remotes/%[2]s/%[1]s", branch, remoteName)),
		},
	}
	if shallow(state.URL) {
		opts.Depth = 1
	}
	if err := repository.FetchContext(ctx, opts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return t.String(), classify(err)
	}

	remoteRef, err := repository.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err != nil {
		return t.String(), classify(err)
	}

	// Equivalent of "checkout -B <branch>" followed by "reset --hard origin/<branch>".
	local := plumbing.NewBranchReferenceName(branch)
	if err := repository.Storer.SetReference(plumbing.NewHashReference(local, remoteRef.Hash())); err != nil {
		return t.String(), err
	}
	if _, err := checkout(repository, local, state.SubFolder); err != nil {
		return t.String(), classify(err)
	}

	commit, err := repository.CommitObject(remoteRef.Hash())
	if err != nil {
		return t.String(), classify(err)
	}
	subject, _, _ := strings.Cut(strings.TrimSpace(commit.Message), "\n")
	t.Println(fmt.Sprintf("Reset %s to %s %s", branch, remoteRef.Hash().String()[:7], subject))
	return t.String(), nil
}

// Verify checks the clone itself, as GoGit writes no git output to match
// markers against: dest must open as a repository whose HEAD is branch, at
// the commit last fetched for it.
func (*GoGit) Verify(dest, branch string) error {
	repository, err := git.PlainOpen(dest)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrOutputValidationFailed, err)
	}
	head, err := repository.Head()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrOutputValidationFailed, err)
	}
	if want := plumbing.NewBranchReferenceName(branch); head.Name() != want {
		return fmt.Errorf("%w: HEAD is %s, not %s", errs.ErrOutputValidationFailed, head.Name(), want)
	}

	remote, err := repository.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrOutputValidationFailed, err)
	}
	if remote.Hash() != head.Hash() {
		return fmt.Errorf("%w: HEAD is at %s, %s/%s at %s", errs.ErrOutputValidationFailed, head.Hash(), remoteName, branch, remote.Hash())
	}
	return nil
}

func (g *GoGit) ListRemoteRefs(ctx context.Context, url, branch string) (bool, error) {
	auth, err := g.creds.Resolve(ctx, url)
	if err != nil {
		return false, err
	}

	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: remoteName,
		URLs: []string{url},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return false, nil
	} else if err != nil {
		return false, classify(err)
	}

	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return true, nil
		}
	}
	return false, nil
}

// checkout force checks out ref, limited to sub if set, and returns the
// number of files in the resulting worktree index.
func checkout(repository *git.Repository, ref plumbing.ReferenceName, sub string) (int, error) {
	w, err := repository.Worktree()
	if err != nil {
		return 0, err
	}

	opts := &git.CheckoutOptions{
		Branch: ref,
		Force:  true, // Discard any local changes
	}
	if sub != "" {
		opts.SparseCheckoutDirectories = []string{sub}
	}
	if err := w.Checkout(opts); err != nil {
		return 0, err
	}

	idx, err := repository.Storer.Index()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range idx.Entries {
		if !e.SkipWorktree {
			n++
		}
	}
	return n, nil
}

// shallow reports whether url supports shallow fetches. Local repositories
// are served without shallow negotiation.
func shallow(url string) bool {
	ep, err := transport.NewEndpoint(url)
	return err == nil && ep.Protocol != "file"
}

func cleanSubFolder(sub string) string {
	sub = strings.Trim(filepath.ToSlash(sub), "/")
	if sub == "" {
		return ""
	}
	return path.Clean(sub)
}

func writeState(dest string, state cloneState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, git.GitDirName, stateFile), data, 0o644)
}

func readState(dest string) (cloneState, error) {
	var state cloneState
	data, err := os.ReadFile(filepath.Join(dest, git.GitDirName, stateFile))
	if err != nil {
		return state, err
	}
	return state, json.Unmarshal(data, &state)
}
