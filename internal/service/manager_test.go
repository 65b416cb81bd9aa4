package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/depsync/depsync/internal/config"
	"github.com/depsync/depsync/internal/deps"
	"github.com/depsync/depsync/internal/errs"
	"github.com/depsync/depsync/internal/repository"
	"github.com/depsync/depsync/internal/test/repotest"
	"github.com/depsync/depsync/internal/vcs"
)

var upstream = map[string]string{
	"README.md":     "readme\n",
	"pkg/a.txt":     "alpha\n",
	"pkg/sub/b.txt": "beta\n",
}

func newConfig(t *testing.T) *config.Root {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Root{CacheRoot: filepath.Join(dir, "cache")}
	if err := cfg.SetDefaults(dir); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newManager(t *testing.T, cfg *config.Root) *Manager {
	t.Helper()
	m := New(cfg)
	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m
}

// gatedClient holds every update of a clone until release is closed.
type gatedClient struct {
	*vcs.GoGit
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGatedClient() *gatedClient {
	return &gatedClient{
		GoGit:   vcs.NewGoGit(nil),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *gatedClient) UpdateToRemote(ctx context.Context, dest, branch string, progress vcs.ProgressFunc) (string, error) {
	c.once.Do(func() { close(c.started) })
	<-c.release
	return c.GoGit.UpdateToRemote(ctx, dest, branch, progress)
}

func writeDeps(t *testing.T, cfg *config.Root, list ...deps.Dependency) {
	t.Helper()
	f, err := deps.Load(cfg.DependenciesFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range list {
		if err := f.Add(d); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.Save(); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(bs)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestAdd(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t, upstream)
	cfg := newConfig(t)
	m := newManager(t, cfg)

	dep := deps.Dependency{Name: "lib", URL: repo.URL(), Branch: "main", SubFolder: "pkg"}
	report, err := m.Add(ctx, dep)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Refreshed || report.Copied != 2 || len(report.Strays) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	copyDir := filepath.Join(cfg.CopyRoot(), "lib")
	if got := readFile(t, filepath.Join(copyDir, "a.txt")); got != "alpha\n" {
		t.Fatalf("a.txt = %q", got)
	}
	if got := readFile(t, filepath.Join(copyDir, "sub", "b.txt")); got != "beta\n" {
		t.Fatalf("sub/b.txt = %q", got)
	}
	if exists(filepath.Join(copyDir, "README.md")) {
		t.Fatal("file outside of the sub-folder was copied")
	}

	f, err := deps.Load(cfg.DependenciesFile)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]deps.Dependency{dep}, f.Dependencies()); diff != "" {
		t.Fatalf("dependency file (-want,+got):\n%s", diff)
	}

	status, err := m.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(status) != 1 {
		t.Fatalf("expected one status, got %d", len(status))
	}
	s := status[0]
	if s.Name != "lib" || s.State != repository.Succeeded || !s.Cloned || s.LocalChanges || s.Files != 2 || s.Synced.IsZero() || s.Err != nil {
		t.Fatalf("unexpected status: %+v", s)
	}
}

func TestAddFailingTest(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t, upstream)
	cfg := newConfig(t)
	m := newManager(t, cfg)

	_, err := m.Add(ctx, deps.Dependency{Name: "lib", URL: repo.URL(), Branch: "nope"})
	if !errors.Is(err, errs.ErrRefNotFound) {
		t.Fatalf("expected ref not found, got %v", err)
	}
	if len(m.Dependencies()) != 0 {
		t.Fatal("dependency kept after failed test")
	}
	if exists(cfg.DependenciesFile) {
		t.Fatal("dependency file written after failed test")
	}

	_, err = m.Add(ctx, deps.Dependency{Name: "lib", URL: repo.URL()})
	if !errors.Is(err, deps.ErrBranchRequired) {
		t.Fatalf("expected missing branch, got %v", err)
	}
}

func TestUpdateLocalChanges(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t, upstream)
	cfg := newConfig(t)
	m := newManager(t, cfg)

	if _, err := m.Add(ctx, deps.Dependency{Name: "lib", URL: repo.URL(), Branch: "main", SubFolder: "pkg"}); err != nil {
		t.Fatal(err)
	}

	a := filepath.Join(cfg.CopyRoot(), "lib", "a.txt")
	if err := os.WriteFile(a, []byte("edited\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Update(ctx, "lib", UpdateOptions{}); !errors.Is(err, ErrLocalChanges) {
		t.Fatalf("expected local changes, got %v", err)
	}
	if got := readFile(t, a); got != "edited\n" {
		t.Fatalf("local edit lost: %q", got)
	}

	status, err := m.Status(ctx, "LIB")
	if err != nil {
		t.Fatal(err)
	}
	if !status[0].LocalChanges {
		t.Fatal("expected local changes in status")
	}

	if _, err := m.Update(ctx, "lib", UpdateOptions{Force: true}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, a); got != "alpha\n" {
		t.Fatalf("forced update did not restore a.txt: %q", got)
	}
}

func TestUpdateStrays(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t, upstream)
	cfg := newConfig(t)
	m := newManager(t, cfg)

	if _, err := m.Add(ctx, deps.Dependency{Name: "lib", URL: repo.URL(), Branch: "main", SubFolder: "pkg"}); err != nil {
		t.Fatal(err)
	}

	repo.Commit(t, "move b", map[string]string{
		"pkg/sub/b.txt": "",
		"pkg/c.txt":     "gamma\n",
	})

	copyDir := filepath.Join(cfg.CopyRoot(), "lib")
	stray := filepath.Join(copyDir, "sub", "b.txt")

	report, err := m.Update(ctx, "lib", UpdateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, filepath.Join(copyDir, "c.txt")); got != "gamma\n" {
		t.Fatalf("c.txt = %q", got)
	}
	if !exists(stray) {
		t.Fatal("stray removed without prune")
	}
	if !strings.Contains(strings.Join(report.Strays, "\n"), stray) {
		t.Fatalf("stray not reported: %v", report.Strays)
	}

	if _, err := m.Update(ctx, "lib", UpdateOptions{Prune: true}); err != nil {
		t.Fatal(err)
	}
	if exists(stray) || exists(filepath.Dir(stray)) {
		t.Fatal("stray kept with prune")
	}
}

func TestUpdateAll(t *testing.T) {
	ctx := context.Background()
	one := repotest.New(t, map[string]string{"one.txt": "1\n"})
	two := repotest.New(t, map[string]string{"two.txt": "2\n"})
	cfg := newConfig(t)
	writeDeps(t, cfg,
		deps.Dependency{Name: "one", URL: one.URL(), Branch: "main"},
		deps.Dependency{Name: "two", URL: two.URL(), Branch: "main"},
	)
	m := newManager(t, cfg)

	reports, err := m.UpdateAll(ctx, UpdateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected two reports, got %d", len(reports))
	}
	if got := readFile(t, filepath.Join(cfg.CopyRoot(), "one", "one.txt")); got != "1\n" {
		t.Fatalf("one.txt = %q", got)
	}
	if got := readFile(t, filepath.Join(cfg.CopyRoot(), "two", "two.txt")); got != "2\n" {
		t.Fatalf("two.txt = %q", got)
	}
}

func TestCopyBackAndDiff(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t, upstream)
	cfg := newConfig(t)
	m := newManager(t, cfg)

	if _, err := m.Diff(ctx, "lib"); !errors.Is(err, deps.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := m.Add(ctx, deps.Dependency{Name: "lib", URL: repo.URL(), Branch: "main", SubFolder: "pkg"}); err != nil {
		t.Fatal(err)
	}

	diff, err := m.Diff(ctx, "lib")
	if err != nil {
		t.Fatal(err)
	}
	if diff != "" {
		t.Fatalf("expected no diff after update, got:\n%s", diff)
	}

	copyDir := filepath.Join(cfg.CopyRoot(), "lib")
	if err := os.WriteFile(filepath.Join(copyDir, "a.txt"), []byte("edited\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	diff, err = m.Diff(ctx, "lib")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"--- a/a.txt", "+++ b/a.txt", "-alpha", "+edited"} {
		if !strings.Contains(diff, want) {
			t.Fatalf("diff lacks %q:\n%s", want, diff)
		}
	}

	copied, err := m.CopyBack(ctx, "lib")
	if err != nil {
		t.Fatal(err)
	}
	if len(copied) != 2 {
		t.Fatalf("expected two files copied back, got %v", copied)
	}

	cache, err := deps.CachePath(cfg.CacheRoot, repo.URL(), "main")
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, filepath.Join(cache, "pkg", "a.txt")); got != "edited\n" {
		t.Fatalf("cache a.txt = %q", got)
	}

	diff, err = m.Diff(ctx, "lib")
	if err != nil {
		t.Fatal(err)
	}
	if diff != "" {
		t.Fatalf("expected no diff after copy back, got:\n%s", diff)
	}

	status, err := m.Status(ctx, "lib")
	if err != nil {
		t.Fatal(err)
	}
	if status[0].LocalChanges {
		t.Fatal("expected copy back to take a new baseline")
	}
	if _, err := m.Update(ctx, "lib", UpdateOptions{}); err != nil {
		t.Fatalf("expected a plain update after copy back, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	for _, purge := range []bool{false, true} {
		t.Run(map[bool]string{false: "keep cache", true: "purge cache"}[purge], func(t *testing.T) {
			ctx := context.Background()
			repo := repotest.New(t, upstream)
			cfg := newConfig(t)
			m := newManager(t, cfg)

			if _, err := m.Add(ctx, deps.Dependency{Name: "lib", URL: repo.URL(), Branch: "main"}); err != nil {
				t.Fatal(err)
			}
			if err := m.Remove(ctx, "lib", RemoveOptions{PurgeCache: purge}); err != nil {
				t.Fatal(err)
			}

			if exists(filepath.Join(cfg.CopyRoot(), "lib")) {
				t.Fatal("working copy not removed")
			}
			cache, err := deps.CachePath(cfg.CacheRoot, repo.URL(), "main")
			if err != nil {
				t.Fatal(err)
			}
			if exists(cache) == purge {
				t.Fatalf("cache exists: %v, purge: %v", exists(cache), purge)
			}

			f, err := deps.Load(cfg.DependenciesFile)
			if err != nil {
				t.Fatal(err)
			}
			if len(f.Dependencies()) != 0 {
				t.Fatalf("dependency still listed: %v", f.Dependencies())
			}

			for b, err := range m.db.ListBaselines(ctx) {
				if err != nil {
					t.Fatal(err)
				}
				t.Fatalf("baseline kept: %+v", b)
			}

			if err := m.Remove(ctx, "lib", RemoveOptions{}); !errors.Is(err, deps.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t, upstream)
	cfg := newConfig(t)
	m := newManager(t, cfg)

	if _, err := m.Add(ctx, deps.Dependency{Name: "lib", URL: repo.URL(), Branch: "main"}); err != nil {
		t.Fatal(err)
	}
	if len(m.registry.Jobs()) != 1 {
		t.Fatal("expected a job after add")
	}

	f, err := deps.Load(cfg.DependenciesFile)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Remove("lib"); err != nil {
		t.Fatal(err)
	}
	if err := f.Save(); err != nil {
		t.Fatal(err)
	}

	if err := m.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(m.registry.Jobs()); n != 0 {
		t.Fatalf("expected no jobs after reconcile, got %d", n)
	}
	if n := len(m.Dependencies()); n != 0 {
		t.Fatalf("expected no dependencies after reconcile, got %d", n)
	}
	if !exists(filepath.Join(cfg.CopyRoot(), "lib")) {
		t.Fatal("reconcile must not delete working copies")
	}
}

func TestWatcher(t *testing.T) {
	repo := repotest.New(t, upstream)
	cfg := newConfig(t)
	writeDeps(t, cfg, deps.Dependency{Name: "lib", URL: repo.URL(), Branch: "main", SubFolder: "pkg"})
	m := newManager(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(m).WithInterval(config.Duration(time.Hour))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	a := filepath.Join(cfg.CopyRoot(), "lib", "a.txt")
	deadline := time.Now().Add(30 * time.Second)
	for !exists(a) {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not copy the dependency")
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestUpdateEditedWhileFetching(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t, upstream)
	cfg := newConfig(t)
	client := newGatedClient()
	m := New(cfg).WithClient(client)
	if err := m.Init(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)

	dep := deps.Dependency{Name: "lib", URL: repo.URL(), Branch: "main", SubFolder: "pkg"}
	if _, err := m.Add(ctx, dep); err != nil {
		t.Fatal(err)
	}
	repo.Commit(t, "upstream", map[string]string{"pkg/a.txt": "upstream\n"})

	errc := make(chan error, 1)
	go func() {
		_, err := m.Update(ctx, "lib", UpdateOptions{})
		errc <- err
	}()

	select {
	case <-client.started:
	case <-time.After(30 * time.Second):
		t.Fatal("update did not start")
	}
	a := filepath.Join(cfg.CopyRoot(), "lib", "a.txt")
	if err := os.WriteFile(a, []byte("edited\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	close(client.release)

	if err := <-errc; !errors.Is(err, ErrLocalChanges) {
		t.Fatalf("expected local changes, got %v", err)
	}
	if got := readFile(t, a); got != "edited\n" {
		t.Fatalf("local edit lost: %q", got)
	}
	job, err := m.job(dep)
	if err != nil {
		t.Fatal(err)
	}
	if !job.RefreshPending() {
		t.Fatal("expected the refused refresh to stay pending")
	}

	if _, err := m.Update(ctx, "lib", UpdateOptions{Force: true}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, a); got != "upstream\n" {
		t.Fatalf("forced update did not copy a.txt: %q", got)
	}
}

func TestLocalChangesWithoutBaseline(t *testing.T) {
	ctx := context.Background()
	cfg := newConfig(t)
	m := newManager(t, cfg)
	dir := filepath.Join(cfg.CopyRoot(), "lib")

	tests := []struct {
		note    string
		files   map[string]string
		changed bool
	}{
		{note: "missing"},
		{note: "empty", files: map[string]string{}},
		{note: "ignored files only", files: map[string]string{"a.txt.meta": "guid: 1"}},
		{note: "files", files: map[string]string{"a.txt": "a"}, changed: true},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			if err := os.RemoveAll(dir); err != nil {
				t.Fatal(err)
			}
			if tc.files != nil {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					t.Fatal(err)
				}
			}
			for name, content := range tc.files {
				if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			changed, err := m.localChanges(ctx, dir)
			if err != nil {
				t.Fatal(err)
			}
			if changed != tc.changed {
				t.Fatalf("expected changed=%v, got %v", tc.changed, changed)
			}
		})
	}
}

func TestAddIntoEmptyDestination(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t, upstream)
	cfg := newConfig(t)
	m := newManager(t, cfg)

	if err := os.MkdirAll(filepath.Join(cfg.CopyRoot(), "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Add(ctx, deps.Dependency{Name: "lib", URL: repo.URL(), Branch: "main", SubFolder: "pkg"}); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, filepath.Join(cfg.CopyRoot(), "lib", "a.txt")); got != "alpha\n" {
		t.Fatalf("a.txt = %q", got)
	}
}

func TestAddDirtyDestination(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t, upstream)
	cfg := newConfig(t)
	m := newManager(t, cfg)

	mine := filepath.Join(cfg.CopyRoot(), "lib", "mine.txt")
	if err := os.MkdirAll(filepath.Dir(mine), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(mine, []byte("mine\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := m.Add(ctx, deps.Dependency{Name: "lib", URL: repo.URL(), Branch: "main"})
	if !errors.Is(err, ErrLocalChanges) {
		t.Fatalf("expected local changes, got %v", err)
	}
	if got := readFile(t, mine); got != "mine\n" {
		t.Fatalf("mine.txt = %q", got)
	}
	if len(m.Dependencies()) != 0 || len(m.registry.Jobs()) != 0 {
		t.Fatal("dependency kept after failed first update")
	}
	f, err := deps.Load(cfg.DependenciesFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Dependencies()) != 0 {
		t.Fatalf("dependency still listed: %v", f.Dependencies())
	}
}

func TestRevert(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t, upstream)
	cfg := newConfig(t)
	m := newManager(t, cfg)

	if _, err := m.Revert(ctx, "lib", false); !errors.Is(err, deps.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := m.Add(ctx, deps.Dependency{Name: "lib", URL: repo.URL(), Branch: "main", SubFolder: "pkg"}); err != nil {
		t.Fatal(err)
	}
	// Not fetched by a revert.
	repo.Commit(t, "upstream", map[string]string{"pkg/a.txt": "upstream\n"})

	copyDir := filepath.Join(cfg.CopyRoot(), "lib")
	a := filepath.Join(copyDir, "a.txt")
	added := filepath.Join(copyDir, "new.txt")
	for path, content := range map[string]string{a: "edited\n", added: "new\n"} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	report, err := m.Revert(ctx, "lib", false)
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, a); got != "alpha\n" {
		t.Fatalf("a.txt = %q", got)
	}
	if len(report.Strays) != 1 || !strings.HasSuffix(filepath.ToSlash(report.Strays[0]), "lib/new.txt") {
		t.Fatalf("unexpected strays: %v", report.Strays)
	}
	if changed, err := m.localChanges(ctx, copyDir); err != nil || changed {
		t.Fatalf("expected a new baseline after revert, got %v, %v", changed, err)
	}

	if _, err := m.Revert(ctx, "lib", true); err != nil {
		t.Fatal(err)
	}
	if exists(added) {
		t.Fatal("stray kept with prune")
	}
}

func TestWatcherKeepsLocalChanges(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t, upstream)
	cfg := newConfig(t)
	m := newManager(t, cfg)

	dep := deps.Dependency{Name: "lib", URL: repo.URL(), Branch: "main", SubFolder: "pkg"}
	if _, err := m.Add(ctx, dep); err != nil {
		t.Fatal(err)
	}
	repo.Commit(t, "upstream", map[string]string{"pkg/a.txt": "upstream\n"})

	job, err := m.job(dep)
	if err != nil {
		t.Fatal(err)
	}
	if !job.TryStart() {
		t.Fatal("expected the job to start")
	}
	if err := job.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	a := filepath.Join(cfg.CopyRoot(), "lib", "a.txt")
	if err := os.WriteFile(a, []byte("edited\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(m)
	if w.collect(ctx) {
		t.Fatal("expected no job in progress")
	}
	if got := readFile(t, a); got != "edited\n" {
		t.Fatalf("local edit lost: %q", got)
	}
	if !job.RefreshPending() {
		t.Fatal("expected the refresh to stay pending")
	}

	w.WithOptions(UpdateOptions{Force: true}).collect(ctx)
	if got := readFile(t, a); got != "upstream\n" {
		t.Fatalf("forced refresh did not copy a.txt: %q", got)
	}
}

func TestEarliest(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Second)
	if got := earliest(now, later); !got.Equal(now) {
		t.Fatalf("expected %v, got %v", now, got)
	}
	if got := earliest(later, now); !got.Equal(now) {
		t.Fatalf("expected %v, got %v", now, got)
	}
}
