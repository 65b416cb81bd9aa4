// Package service ties the dependency file, the repository registry, the
// directory synchronizer and the baseline store together. The commands of
// the CLI are thin wrappers around a Manager.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/depsync/depsync/internal/config"
	"github.com/depsync/depsync/internal/credentials"
	"github.com/depsync/depsync/internal/database"
	"github.com/depsync/depsync/internal/deps"
	"github.com/depsync/depsync/internal/dirsync"
	"github.com/depsync/depsync/internal/fingerprint"
	"github.com/depsync/depsync/internal/fs"
	"github.com/depsync/depsync/internal/logging"
	"github.com/depsync/depsync/internal/metrics"
	"github.com/depsync/depsync/internal/migrations"
	"github.com/depsync/depsync/internal/pool"
	"github.com/depsync/depsync/internal/progress"
	"github.com/depsync/depsync/internal/repository"
	"github.com/depsync/depsync/internal/tester"
	"github.com/depsync/depsync/internal/vcs"
)

var (
	// ErrLocalChanges is returned when an update would overwrite edits made
	// in a working copy.
	ErrLocalChanges = errors.New("working copy has local changes")
	// ErrNotCloned is returned by operations that need a cached clone before
	// the first update.
	ErrNotCloned = errors.New("dependency has not been cloned yet")
)

type Manager struct {
	config   *config.Root
	log      *logging.Logger
	client   vcs.Client
	creds    credentials.Provider
	bar      *progress.Bar
	db       *database.Database
	ownDB    bool
	pool     *pool.Pool
	registry *repository.Registry
	tester   *tester.Tester
	hasher   *fingerprint.Hasher
	file     *deps.File
}

type UpdateOptions struct {
	// Force overwrites working copies with local changes.
	Force bool
	// Prune deletes files of the working copy that are not in the cache.
	Prune bool
}

type RemoveOptions struct {
	// PurgeCache deletes the cached clone as well.
	PurgeCache bool
}

// Report describes what an update did to a working copy.
type Report struct {
	Name      string
	Operation string
	Refreshed bool
	Copied    int
	Strays    []string
	Pruned    []string
}

func New(c *config.Root) *Manager {
	return &Manager{config: c, log: logging.NewNoop()}
}

func (m *Manager) WithLogger(log *logging.Logger) *Manager {
	m.log = log
	return m
}

// WithClient overrides the VCS client selected by the backend setting.
func (m *Manager) WithClient(c vcs.Client) *Manager {
	m.client = c
	return m
}

// WithCredentials overrides the credential rules of the configuration.
func (m *Manager) WithCredentials(p credentials.Provider) *Manager {
	m.creds = p
	return m
}

// WithDatabase uses db as the baseline store. The manager does not close it.
func (m *Manager) WithDatabase(db *database.Database) *Manager {
	m.db = db
	return m
}

func (m *Manager) WithBar(bar *progress.Bar) *Manager {
	m.bar = bar
	return m
}

// Init loads the dependency file and opens the baseline store.
func (m *Manager) Init(ctx context.Context) error {
	hasher, err := fingerprint.New(fingerprint.WithIgnore(m.config.FingerprintIgnore...))
	if err != nil {
		return err
	}
	m.hasher = hasher

	file, err := deps.Load(m.config.DependenciesFile)
	if err != nil {
		return err
	}
	m.file = file

	if m.creds == nil {
		m.creds = credentials.NewConfigProvider(m.config)
	}

	markers := vcs.Markers{}
	if m.config.Markers != nil {
		markers = vcs.Markers{Clone: m.config.Markers.Clone, Update: m.config.Markers.Update, Refs: m.config.Markers.Refs}
	}
	markers = markers.WithDefaults()

	if m.client == nil {
		switch m.config.Backend {
		case "", "gogit":
			m.client = vcs.NewGoGit(m.creds)
		case "cli":
			m.client = vcs.NewCLI(m.creds).WithRefsMarker(markers.Refs)
		default:
			return fmt.Errorf("unknown backend %q", m.config.Backend)
		}
	}

	if m.db == nil {
		db, err := migrations.New().
			WithConfig(m.config.Database).
			WithLogger(m.log).
			WithMigrate(true).
			Run(ctx)
		if err != nil {
			return err
		}
		m.db = db
		m.ownDB = true
	}

	m.pool = pool.New(m.config.Workers)
	m.registry = repository.NewRegistry(
		repository.WithClient(m.client),
		repository.WithMarkers(markers),
		repository.WithPool(m.pool),
		repository.WithLogger(m.log),
	)
	m.tester = tester.New(m.client, m.creds, m.pool).WithLogger(m.log)
	return nil
}

// Close waits for running jobs to reach their end and releases the baseline
// store.
func (m *Manager) Close() {
	if m.registry != nil {
		m.registry.Close()
	}
	if m.pool != nil {
		m.pool.Close()
	}
	if m.ownDB {
		m.db.CloseDB()
	}
}

// Dependencies returns the dependencies of the loaded file.
func (m *Manager) Dependencies() []deps.Dependency {
	return m.file.Dependencies()
}

// Add tests the remote of d, records d in the dependency file and runs its
// first update. The file is left unchanged if the test or the first update
// fails.
func (m *Manager) Add(ctx context.Context, d deps.Dependency) (*Report, error) {
	if err := m.file.Add(d); err != nil {
		return nil, err
	}
	d, _ = m.file.Find(d.Name)

	rollback := func(err error) (*Report, error) {
		_, _ = m.file.Remove(d.Name)
		return nil, err
	}

	res, err := m.Test(ctx, d.URL, d.Branch)
	if err != nil {
		return rollback(err)
	}
	if !res.OK {
		return rollback(fmt.Errorf("dependency %q: %w", d.Name, res.Err))
	}

	job, err := m.job(d)
	if err != nil {
		return rollback(err)
	}
	if err := m.file.Save(); err != nil {
		return rollback(err)
	}
	m.log.Infof("Added dependency %q (%s, branch %q)", d.Name, d.URL, d.Branch)

	report, err := m.update(ctx, d, UpdateOptions{})
	if err != nil {
		m.log.Warnf("First update of %q failed, dropping it: %v", d.Name, err)
		_, _ = m.file.Remove(d.Name)
		return nil, errors.Join(err, m.file.Save(), m.registry.Forget(job.Identity()))
	}
	return report, nil
}

// Test probes url for branch with the connectivity tester.
func (m *Manager) Test(ctx context.Context, url, branch string) (tester.Result, error) {
	if err := m.tester.Test(url, branch); err != nil {
		return tester.Result{}, err
	}
	return m.tester.Wait(ctx)
}

// Update brings the cache of the named dependency up to date and copies it
// into the working copy.
func (m *Manager) Update(ctx context.Context, name string, opts UpdateOptions) (*Report, error) {
	d, err := m.file.Find(name)
	if err != nil {
		return nil, err
	}
	return m.update(ctx, d, opts)
}

// UpdateAll updates every dependency, at most as many at a time as there are
// workers. A failing dependency does not stop the others.
func (m *Manager) UpdateAll(ctx context.Context, opts UpdateOptions) ([]*Report, error) {
	all := m.file.Dependencies()
	reports := make([]*Report, len(all))
	failures := make([]error, len(all))

	m.bar.AddMax(len(all))
	defer m.bar.Finish()

	var g errgroup.Group
	g.SetLimit(max(m.config.Workers, 1))
	for i, d := range all {
		g.Go(func() error {
			defer m.bar.Add(1)
			m.bar.Describe("Updating " + d.Name)
			reports[i], failures[i] = m.update(ctx, d, opts)
			return nil
		})
	}
	_ = g.Wait()

	return slices.DeleteFunc(reports, func(r *Report) bool { return r == nil }), errors.Join(failures...)
}

func (m *Manager) update(ctx context.Context, d deps.Dependency, opts UpdateOptions) (*Report, error) {
	job, err := m.job(d)
	if err != nil {
		return nil, err
	}

	changed, err := m.localChanges(ctx, job.Identity().CopyDestination)
	if err != nil {
		return nil, fmt.Errorf("dependency %q: %w", d.Name, err)
	}
	metrics.LocalChanges(d.Name, changed)
	if changed {
		if !opts.Force {
			return nil, fmt.Errorf("dependency %q: %w", d.Name, ErrLocalChanges)
		}
		m.log.Warnf("Overwriting local changes of %q", d.Name)
	}

	if !job.TryStart() {
		m.log.Debugf("Update of %q already in progress", d.Name)
	}
	if err := job.Wait(ctx); err != nil {
		return nil, fmt.Errorf("dependency %q: %w", d.Name, err)
	}

	return m.refresh(ctx, d, job, opts)
}

// refresh copies the cache of a finished job into the working copy and
// takes the new baseline. It does nothing if the result of the job was
// already copied. Unless forced, the working copy is checked for local
// changes again while the cache is locked: it may have been edited while the
// job ran. A refused refresh stays pending.
func (m *Manager) refresh(ctx context.Context, d deps.Dependency, job *repository.Job, opts UpdateOptions) (*Report, error) {
	report := &Report{Name: d.Name, Operation: "update"}
	if !job.RefreshPending() {
		return report, nil
	}

	id := job.Identity()
	var res dirsync.Result
	err := repository.LockCache(id.CachePath, func() error {
		if !opts.Force {
			changed, err := m.localChanges(ctx, id.CopyDestination)
			if err != nil {
				return err
			} else if changed {
				metrics.LocalChanges(d.Name, true)
				return ErrLocalChanges
			}
		}
		if !job.ConsumeRefresh() {
			return errNothingToCopy
		}
		report.Refreshed = true

		var err error
		res, err = m.copyForward(d, job)
		return err
	})
	switch {
	case errors.Is(err, errNothingToCopy):
		return report, nil
	case errors.Is(err, ErrLocalChanges):
		return nil, fmt.Errorf("dependency %q: %w", d.Name, ErrLocalChanges)
	case err != nil:
		return nil, fmt.Errorf("dependency %q: copying into %s: %w", d.Name, id.CopyDestination, err)
	}

	return m.finishCopy(ctx, d, id, report, res, opts.Prune)
}

var errNothingToCopy = errors.New("nothing to copy")

// copyForward mirrors the cache sub-folder of job into its working copy.
// The caller holds the cache lock.
func (m *Manager) copyForward(d deps.Dependency, job *repository.Job) (dirsync.Result, error) {
	id := job.Identity()
	src := filepath.Join(id.CachePath, filepath.FromSlash(job.SubFolder()))
	if ok, err := fs.ContainsFiles(os.DirFS(src)); err == nil && !ok {
		m.log.Warnf("Nothing to copy for %q: %s has no files", d.Name, src)
	}
	return dirsync.CopyForward(src, id.CopyDestination, m.config.Ignore)
}

// finishCopy records a forward copy in report, prunes strays on request and
// takes the new baseline.
func (m *Manager) finishCopy(ctx context.Context, d deps.Dependency, id repository.Identity, report *Report, res dirsync.Result, prune bool) (*Report, error) {
	report.Copied = len(res.Copied)
	report.Strays = res.Strays
	metrics.FilesCopied(d.Name, "forward", len(res.Copied))
	metrics.StraysFound(d.Name, len(res.Strays))

	if prune && len(res.Strays) > 0 {
		removed, err := dirsync.RemoveStrays(id.CopyDestination, res.Strays, dirsync.KeepMeta)
		report.Pruned = removed
		if err != nil {
			return report, fmt.Errorf("dependency %q: pruning: %w", d.Name, err)
		}
	} else if len(res.Strays) > 0 {
		m.log.Warnf("%d files of %q are not in the repository", len(res.Strays), d.Name)
	}

	if err := m.snapshot(ctx, id.CopyDestination); err != nil {
		return report, fmt.Errorf("dependency %q: %w", d.Name, err)
	}
	metrics.LocalChanges(d.Name, false)

	m.log.Infof("Copied %d files of %q into %s", report.Copied, d.Name, id.CopyDestination)
	return report, nil
}

func (m *Manager) snapshot(ctx context.Context, copyPath string) error {
	digest, err := m.hasher.Fingerprint(copyPath)
	if err != nil {
		return err
	}
	return m.db.PutBaseline(ctx, copyPath, digest)
}

// localChanges compares the working copy with its baseline. A working copy
// without baseline is changed unless it is missing or holds no file that
// counts for its fingerprint.
func (m *Manager) localChanges(ctx context.Context, copyPath string) (bool, error) {
	baseline, found, err := m.db.GetBaseline(ctx, copyPath)
	if err != nil {
		return false, err
	}
	digest, err := m.hasher.Fingerprint(copyPath)
	if err != nil {
		return false, err
	}
	if !found {
		return digest != fingerprint.Empty && digest != fingerprint.EmptyTree, nil
	}
	return digest != baseline, nil
}

// Remove deletes the working copy of the named dependency, its baseline
// and, on request, its cache, then drops it from the dependency file.
func (m *Manager) Remove(ctx context.Context, name string, opts RemoveOptions) error {
	d, err := m.file.Find(name)
	if err != nil {
		return err
	}
	job, err := m.job(d)
	if err != nil {
		return err
	}
	id := job.Identity()

	if err := m.registry.Remove(ctx, id); err != nil {
		return err
	}
	if err := m.db.DeleteBaseline(ctx, id.CopyDestination); err != nil {
		return err
	}
	if opts.PurgeCache {
		err := repository.LockCache(id.CachePath, func() error {
			return fs.RemoveAll(id.CachePath)
		})
		if err != nil {
			return fmt.Errorf("removing cache of %q: %w", d.Name, err)
		}
	}

	if _, err := m.file.Remove(d.Name); err != nil {
		return err
	}
	if err := m.file.Save(); err != nil {
		return err
	}
	m.log.Infof("Removed dependency %q", d.Name)
	return nil
}

// CopyBack copies the working copy of the named dependency into its cached
// clone, where the edits can be committed. A new baseline is taken: the
// edits are no longer local changes.
func (m *Manager) CopyBack(ctx context.Context, name string) ([]string, error) {
	d, job, err := m.idleClone(name)
	if err != nil {
		return nil, err
	}
	id := job.Identity()

	var copied []string
	err = repository.LockCache(id.CachePath, func() error {
		var err error
		copied, err = dirsync.CopyBack(id.CopyDestination, filepath.Join(id.CachePath, filepath.FromSlash(job.SubFolder())))
		return err
	})
	if err != nil {
		return copied, fmt.Errorf("dependency %q: copying back: %w", d.Name, err)
	}
	metrics.FilesCopied(d.Name, "back", len(copied))

	if err := m.snapshot(ctx, id.CopyDestination); err != nil {
		return copied, fmt.Errorf("dependency %q: %w", d.Name, err)
	}
	metrics.LocalChanges(d.Name, false)

	m.log.Infof("Copied %d files of %q back to %s", len(copied), d.Name, id.CachePath)
	return copied, nil
}

// Revert discards the local changes of the named dependency: the cached
// clone is copied into the working copy again, without fetching, and a new
// baseline is taken. With prune, files the cache does not have are deleted.
func (m *Manager) Revert(ctx context.Context, name string, prune bool) (*Report, error) {
	d, job, err := m.idleClone(name)
	if err != nil {
		return nil, err
	}
	id := job.Identity()

	var res dirsync.Result
	err = repository.LockCache(id.CachePath, func() error {
		var err error
		res, err = m.copyForward(d, job)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dependency %q: copying into %s: %w", d.Name, id.CopyDestination, err)
	}

	report := &Report{Name: d.Name, Operation: "revert", Refreshed: true}
	return m.finishCopy(ctx, d, id, report, res, prune)
}

// idleClone returns the named dependency and its job, failing if the job is
// running or the cache has not been cloned yet.
func (m *Manager) idleClone(name string) (deps.Dependency, *repository.Job, error) {
	d, err := m.file.Find(name)
	if err != nil {
		return d, nil, err
	}
	job, err := m.job(d)
	if err != nil {
		return d, nil, err
	}
	if job.State() == repository.InProgress {
		return d, nil, fmt.Errorf("%w: %s", repository.ErrJobBusy, d.Name)
	}
	if !m.client.IsValidLocalRepo(job.Identity().CachePath) {
		return d, nil, fmt.Errorf("dependency %q: %w", d.Name, ErrNotCloned)
	}
	return d, job, nil
}

// Status describes one dependency.
type Status struct {
	Name         string
	URL          string
	Branch       string
	State        repository.State
	Progress     repository.Progress
	Cloned       bool
	LocalChanges bool
	Synced       time.Time // when the baseline was taken, zero if never
	Files        int
	Size         int64
	Err          error
}

// Status reports on the named dependencies, all of them if names is empty.
func (m *Manager) Status(ctx context.Context, names ...string) ([]Status, error) {
	selected := m.file.Dependencies()
	if len(names) > 0 {
		selected = nil
		for _, name := range names {
			d, err := m.file.Find(name)
			if err != nil {
				return nil, err
			}
			selected = append(selected, d)
		}
	}

	synced := make(map[string]time.Time)
	for b, err := range m.db.ListBaselines(ctx) {
		if err != nil {
			return nil, err
		}
		synced[b.Path] = b.Updated()
	}

	result := make([]Status, 0, len(selected))
	for _, d := range selected {
		s := Status{Name: d.Name, URL: d.URL, Branch: d.Branch}

		job, err := m.job(d)
		if err != nil {
			s.Err = err
			result = append(result, s)
			continue
		}
		id := job.Identity()

		s.State = job.State()
		s.Progress, _ = job.GetLatestProgress()
		s.Cloned = m.client.IsValidLocalRepo(id.CachePath)
		s.Synced = synced[database.Key(id.CopyDestination)]
		s.LocalChanges, s.Err = m.localChanges(ctx, id.CopyDestination)
		if s.Err == nil {
			s.Files, s.Size, s.Err = treeSize(id.CopyDestination)
		}
		metrics.LocalChanges(d.Name, s.LocalChanges)

		result = append(result, s)
	}
	return result, nil
}

// Reconcile reloads the dependency file and forgets the jobs of URLs that
// are no longer listed. Jobs still running are cancelled and forgotten by a
// later call.
func (m *Manager) Reconcile(context.Context) error {
	file, err := deps.Load(m.config.DependenciesFile)
	if err != nil {
		return err
	}
	m.file = file

	jobs := m.registry.Jobs()
	tracked := make([]deps.Dependency, 0, len(jobs))
	for _, job := range jobs {
		tracked = append(tracked, deps.Dependency{URL: job.Identity().URL})
	}

	added, removed := deps.Diff(tracked, file.Dependencies())
	for _, d := range added {
		m.log.Debugf("Tracking new dependency %q", d.Name)
	}
	for _, d := range removed {
		for _, job := range jobs {
			if job.Identity().URL != d.URL {
				continue
			}
			if err := m.registry.Forget(job.Identity()); err != nil {
				job.RequestCancel()
				m.log.Debugf("Deferring removal of %s: %v", job.Identity(), err)
				continue
			}
			m.log.Infof("Stopped tracking %s", job.Identity())
		}
	}
	return nil
}

func (m *Manager) identity(d deps.Dependency) (repository.Identity, error) {
	cache, err := deps.CachePath(m.config.CacheRoot, d.URL, d.Branch)
	if err != nil {
		return repository.Identity{}, fmt.Errorf("dependency %q: %w", d.Name, err)
	}
	return repository.Identity{
		URL:             d.URL,
		Branch:          d.Branch,
		CachePath:       cache,
		CopyDestination: deps.CopyPath(m.config.CopyRoot(), d.Name),
	}, nil
}

func (m *Manager) job(d deps.Dependency) (*repository.Job, error) {
	id, err := m.identity(d)
	if err != nil {
		return nil, err
	}
	job, err := m.registry.Get(id, repository.WithSubFolder(d.SubFolder))
	if err != nil {
		return nil, fmt.Errorf("dependency %q: %w", d.Name, err)
	}
	return job, nil
}
