// Package repotest creates throwaway git repositories for tests.
package repotest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Repo is a non-bare repository on disk, usable as a remote through its
// directory path.
type Repo struct {
	Dir  string
	repo *git.Repository
}

// New initializes a repository with a "main" branch holding files.
func New(t testing.TB, files map[string]string) *Repo {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		t.Fatal(err)
	}

	r := &Repo{Dir: dir, repo: repo}
	r.Commit(t, "initial", files)
	return r
}

// URL returns the clone URL of the repository.
func (r *Repo) URL() string {
	return r.Dir
}

// Commit writes files (an empty content removes the file) and commits all
// changes on the current branch.
func (r *Repo) Commit(t testing.TB, msg string, files map[string]string) plumbing.Hash {
	t.Helper()

	for name, content := range files {
		path := filepath.Join(r.Dir, filepath.FromSlash(name))
		if content == "" {
			if err := os.Remove(path); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	w, err := r.repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		t.Fatal(err)
	}
	h, err := w.Commit(msg, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  "Test",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// Branch creates branch at the current head and switches to it.
func (r *Repo) Branch(t testing.TB, branch string) {
	t.Helper()

	w, err := r.repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	}); err != nil {
		t.Fatal(err)
	}
}

// Checkout switches to an existing branch.
func (r *Repo) Checkout(t testing.TB, branch string) {
	t.Helper()

	w, err := r.repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch)}); err != nil {
		t.Fatal(err)
	}
}
