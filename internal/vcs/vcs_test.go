package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-cmp/cmp"

	"github.com/depsync/depsync/internal/credentials"
	"github.com/depsync/depsync/internal/errs"
	"github.com/depsync/depsync/internal/test/repotest"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		note   string
		output string
		marker string
		ok     bool
	}{
		{note: "present", output: "Receiving objects: 100% (3/3), done.", marker: ", done.", ok: true},
		{note: "case insensitive", output: "head is now at 1234567 msg", marker: "HEAD is now at", ok: true},
		{note: "missing", output: "fatal: oops", marker: ", done."},
		{note: "empty marker", output: "", marker: "", ok: true},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			err := Validate("clone", tc.output, tc.marker)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, errs.ErrOutputValidationFailed) {
				t.Fatalf("expected output validation error, got %v", err)
			}
		})
	}
}

func TestMarkersWithDefaults(t *testing.T) {
	got := Markers{Update: "Updated"}.WithDefaults()
	exp := Markers{Clone: ", done.", Update: "Updated", Refs: "refs/heads"}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected markers (-want,+got):\n%s", diff)
	}
}

func TestTranscript(t *testing.T) {
	type event struct {
		Fraction float64
		Message  string
	}
	var events []event
	tr := newTranscript(func(f float64, msg string) {
		events = append(events, event{f, msg})
	})

	fmt.Fprint(tr, "Cloning into 'x'...\n")
	fmt.Fprint(tr, "Receiving objects:  50% (1/2)\rReceiving objects: 100% (2/2), done.")
	tr.Println("  ")

	exp := []event{
		{0, "Cloning into 'x'..."},
		{0.5, "Receiving objects:  50% (1/2)"},
	}
	if diff := cmp.Diff(exp, events); diff != "" {
		t.Fatalf("unexpected progress (-want,+got):\n%s", diff)
	}

	// String flushes the unterminated last line.
	out := tr.String()
	if !strings.HasSuffix(out, "Receiving objects: 100% (2/2), done.\n") {
		t.Fatalf("unexpected transcript:\n%s", out)
	}
	if len(events) != 3 || events[2].Fraction != 1 {
		t.Fatalf("expected final progress event, got %v", events)
	}
}

func TestClassify(t *testing.T) {
	plain := errors.New("boom")

	tests := []struct {
		note string
		err  error
		kind error
	}{
		{note: "auth", err: transport.ErrAuthenticationRequired, kind: errs.ErrCredentialFailure},
		{note: "missing ref", err: plumbing.ErrReferenceNotFound, kind: errs.ErrRefNotFound},
		{note: "no remote repo", err: transport.ErrRepositoryNotFound, kind: errs.ErrRemoteUnreachable},
		{note: "from message", err: errors.New("fatal: unable to access 'https://x/'"), kind: errs.ErrRemoteUnreachable},
		{note: "unknown", err: plain},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			got := classify(tc.err)
			if !errors.Is(got, tc.err) {
				t.Fatalf("classified error lost its cause: %v", got)
			}
			if tc.kind == nil {
				if got != tc.err {
					t.Fatalf("expected error to be returned as is, got %v", got)
				}
				return
			}
			if !errors.Is(got, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, got)
			}
		})
	}

	if classify(nil) != nil {
		t.Fatal("expected nil")
	}
}

func TestGitErrorKind(t *testing.T) {
	err := &GitError{
		Err:    errors.New("exit status 128"),
		Args:   []string{"clone", "x"},
		Output: "warning: Could not find remote branch nope to clone.\nfatal: Remote branch nope not found in upstream origin",
	}
	err.kind = kindFromOutput(err.Output)

	if !errors.Is(err, errs.ErrRefNotFound) {
		t.Fatalf("expected ref not found, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "running git clone x: exit status 128:") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestHasRef(t *testing.T) {
	out := "1111111111111111111111111111111111111111\trefs/heads/feature/main\n" +
		"2222222222222222222222222222222222222222\trefs/heads/main\n"

	if !hasRef(out, "refs/heads/main") {
		t.Fatal("expected refs/heads/main to be listed")
	}
	if hasRef(out, "refs/heads/dev") {
		t.Fatal("expected refs/heads/dev not to be listed")
	}
	if hasRef("1111111111111111111111111111111111111111\trefs/heads/feature/main\n", "refs/heads/main") {
		t.Fatal("expected a ref ending in main not to match")
	}
}

func TestRemoteURL(t *testing.T) {
	dir := t.TempDir()

	if got := remoteURL(dir); got != "file://"+filepath.ToSlash(dir) {
		t.Fatalf("expected file URL, got %q", got)
	}
	for _, u := range []string{"https://example.com/a.git", "git@example.com:a.git", "does/not/exist"} {
		if got := remoteURL(u); got != u {
			t.Fatalf("expected %q unchanged, got %q", u, got)
		}
	}
}

func TestCLIEnv(t *testing.T) {
	creds := credentials.Func(func(context.Context, string) (transport.AuthMethod, error) {
		return &githttp.BasicAuth{Username: "bob", Password: "pw"}, nil
	})

	env, err := NewCLI(creds).env(context.Background(), "https://example.com/a.git")
	if err != nil {
		t.Fatal(err)
	}

	exp := []string{
		"GIT_TERMINAL_PROMPT=0",
		"LC_ALL=C",
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=http.extraHeader",
		"GIT_CONFIG_VALUE_0=Authorization: Basic Ym9iOnB3",
	}
	if diff := cmp.Diff(exp, env); diff != "" {
		t.Fatalf("unexpected env (-want,+got):\n%s", diff)
	}
}

func clients(t *testing.T) map[string]Client {
	t.Helper()

	cs := map[string]Client{"gogit": NewGoGit(nil)}
	if _, err := exec.LookPath("git"); err == nil {
		cs["cli"] = NewCLI(nil)
	}
	return cs
}

func TestCloneAndUpdate(t *testing.T) {
	for name, client := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			remote := repotest.New(t, map[string]string{
				"README.md":    "hello",
				"docs/a.txt":   "a",
				"docs/b/c.txt": "c",
			})

			dest := filepath.Join(t.TempDir(), "cache")
			var calls int
			out, err := client.CloneSparse(ctx, remote.URL(), "main", dest, "", func(float64, string) { calls++ })
			if err != nil {
				t.Fatal(err)
			}
			if err := check(client, "clone", out, dest); err != nil {
				t.Fatalf("%v\n%s", err, out)
			}
			if calls == 0 {
				t.Fatal("expected progress callbacks")
			}
			if !client.IsValidLocalRepo(dest) {
				t.Fatal("expected a valid local repository")
			}
			assertFile(t, filepath.Join(dest, "README.md"), "hello")
			assertFile(t, filepath.Join(dest, "docs", "b", "c.txt"), "c")

			// Local edits are discarded, upstream changes are applied.
			if err := os.WriteFile(filepath.Join(dest, "README.md"), []byte("local"), 0o644); err != nil {
				t.Fatal(err)
			}
			remote.Commit(t, "second", map[string]string{"docs/a.txt": "a2", "docs/b/c.txt": ""})

			out, err = client.UpdateToRemote(ctx, dest, "main", nil)
			if err != nil {
				t.Fatalf("%v\n%s", err, out)
			}
			if err := check(client, "update", out, dest); err != nil {
				t.Fatalf("%v\n%s", err, out)
			}
			assertFile(t, filepath.Join(dest, "README.md"), "hello")
			assertFile(t, filepath.Join(dest, "docs", "a.txt"), "a2")
			if _, err := os.Stat(filepath.Join(dest, "docs", "b", "c.txt")); !os.IsNotExist(err) {
				t.Fatalf("expected removed file to be gone, got %v", err)
			}
		})
	}
}

func TestCloneSparse(t *testing.T) {
	for name, client := range clients(t) {
		t.Run(name, func(t *testing.T) {
			remote := repotest.New(t, map[string]string{
				"other/x.txt": "x",
				"docs/a.txt":  "a",
			})

			dest := filepath.Join(t.TempDir(), "cache")
			out, err := client.CloneSparse(context.Background(), remote.URL(), "main", dest, "/docs/", nil)
			if err != nil {
				t.Fatalf("%v\n%s", err, out)
			}
			assertFile(t, filepath.Join(dest, "docs", "a.txt"), "a")
			if _, err := os.Stat(filepath.Join(dest, "other", "x.txt")); !os.IsNotExist(err) {
				t.Fatalf("expected other/x.txt outside of the sparse checkout, got %v", err)
			}

			remote.Commit(t, "more", map[string]string{"docs/new.txt": "n", "other/y.txt": "y"})
			if out, err := client.UpdateToRemote(context.Background(), dest, "main", nil); err != nil {
				t.Fatalf("%v\n%s", err, out)
			}
			assertFile(t, filepath.Join(dest, "docs", "new.txt"), "n")
			if _, err := os.Stat(filepath.Join(dest, "other", "y.txt")); !os.IsNotExist(err) {
				t.Fatalf("expected other/y.txt outside of the sparse checkout, got %v", err)
			}
		})
	}
}

func TestCloneBranch(t *testing.T) {
	for name, client := range clients(t) {
		t.Run(name, func(t *testing.T) {
			remote := repotest.New(t, map[string]string{"a.txt": "main"})
			remote.Branch(t, "dev")
			remote.Commit(t, "dev", map[string]string{"a.txt": "dev"})
			remote.Checkout(t, "main")

			dest := filepath.Join(t.TempDir(), "cache")
			if out, err := client.CloneSparse(context.Background(), remote.URL(), "dev", dest, "", nil); err != nil {
				t.Fatalf("%v\n%s", err, out)
			}
			assertFile(t, filepath.Join(dest, "a.txt"), "dev")

			// The clone only knows about the branch it was made for.
			_, err := client.UpdateToRemote(context.Background(), dest, "main", nil)
			if !errors.Is(err, errs.ErrLocalRepoCorrupt) {
				t.Fatalf("expected local repo corrupt, got %v", err)
			}
		})
	}
}

func TestCloneMissingBranch(t *testing.T) {
	for name, client := range clients(t) {
		t.Run(name, func(t *testing.T) {
			remote := repotest.New(t, map[string]string{"a.txt": "a"})

			dest := filepath.Join(t.TempDir(), "cache")
			_, err := client.CloneSparse(context.Background(), remote.URL(), "nope", dest, "", nil)
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestUpdateWithoutClone(t *testing.T) {
	for name, client := range clients(t) {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			if client.IsValidLocalRepo(dir) {
				t.Fatal("expected empty directory to be invalid")
			}
			_, err := client.UpdateToRemote(context.Background(), dir, "main", nil)
			if !errors.Is(err, errs.ErrLocalRepoCorrupt) {
				t.Fatalf("expected local repo corrupt, got %v", err)
			}
		})
	}
}

func TestListRemoteRefs(t *testing.T) {
	for name, client := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			remote := repotest.New(t, map[string]string{"a.txt": "a"})

			found, err := client.ListRemoteRefs(ctx, remote.URL(), "main")
			if err != nil || !found {
				t.Fatalf("expected main to be found, got %v, %v", found, err)
			}

			found, err = client.ListRemoteRefs(ctx, remote.URL(), "nope")
			if err != nil || found {
				t.Fatalf("expected nope not to be found, got %v, %v", found, err)
			}

			remote.Branch(t, "feature/dev")
			remote.Checkout(t, "main")
			found, err = client.ListRemoteRefs(ctx, remote.URL(), "dev")
			if err != nil || found {
				t.Fatalf("expected dev not to match feature/dev, got %v, %v", found, err)
			}

			_, err = client.ListRemoteRefs(ctx, filepath.Join(t.TempDir(), "missing"), "main")
			if err == nil {
				t.Fatal("expected error for missing remote")
			}
		})
	}
}

// check validates a clone of branch main the way jobs do.
func check(client Client, operation, out, dest string) error {
	if v, ok := client.(Verifier); ok {
		return v.Verify(dest, "main")
	}
	marker := DefaultMarkers.Clone
	if operation == "update" {
		marker = DefaultMarkers.Update
	}
	return Validate(operation, out, marker)
}

func TestGoGitVerify(t *testing.T) {
	remote := repotest.New(t, map[string]string{"a.txt": "a"})
	dest := filepath.Join(t.TempDir(), "cache")

	client := NewGoGit(nil)
	out, err := client.CloneSparse(context.Background(), remote.URL(), "main", dest, "", nil)
	if err != nil {
		t.Fatalf("%v\n%s", err, out)
	}
	if strings.Contains(out, DefaultMarkers.Clone) {
		t.Fatalf("expected no git marker in the go-git transcript:\n%s", out)
	}
	if err := client.Verify(dest, "main"); err != nil {
		t.Fatal(err)
	}

	if err := client.Verify(dest, "dev"); !errors.Is(err, errs.ErrOutputValidationFailed) {
		t.Fatalf("expected output validation failure for another branch, got %v", err)
	}
	if err := client.Verify(t.TempDir(), "main"); !errors.Is(err, errs.ErrOutputValidationFailed) {
		t.Fatalf("expected output validation failure without a repository, got %v", err)
	}

	repository, err := git.PlainOpen(dest)
	if err != nil {
		t.Fatal(err)
	}
	head, err := repository.Head()
	if err != nil {
		t.Fatal(err)
	}
	if err := repository.Storer.SetReference(plumbing.NewHashReference(plumbing.HEAD, head.Hash())); err != nil {
		t.Fatal(err)
	}
	if err := client.Verify(dest, "main"); !errors.Is(err, errs.ErrOutputValidationFailed) {
		t.Fatalf("expected output validation failure for a detached HEAD, got %v", err)
	}
}

func assertFile(t *testing.T, path, content string) {
	t.Helper()
	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != content {
		t.Fatalf("%s: expected %q, got %q", path, content, bs)
	}
}
