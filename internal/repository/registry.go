package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/depsync/depsync/internal/errs"
	"github.com/depsync/depsync/internal/fs"
	"github.com/depsync/depsync/internal/logging"
	"github.com/depsync/depsync/internal/pool"
	"github.com/depsync/depsync/internal/vcs"
)

const DefaultWorkers = 4

var (
	ErrJobBusy = errors.New("job in progress")
	ErrClosed  = errors.New("registry closed")
)

// Identity is the key of a job. One cache directory serves exactly one
// branch, so two identities that only differ in Branch conflict.
type Identity struct {
	URL             string
	Branch          string
	CachePath       string
	CopyDestination string
}

func (id Identity) key() string {
	return strings.Join([]string{id.URL, filepath.Clean(id.CachePath), filepath.Clean(id.CopyDestination)}, "|")
}

func (id Identity) String() string {
	return fmt.Sprintf("%s@%s", id.URL, id.Branch)
}

// Registry owns the jobs of a process, at most one per identity.
type Registry struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	client  vcs.Client
	markers vcs.Markers
	pool    *pool.Pool
	owned   bool
	workers int
	log     *logging.Logger
	closed  bool
}

type Option func(*Registry)

// WithClient sets the VCS client used by jobs. Defaults to the go-git client
// without credentials.
func WithClient(c vcs.Client) Option {
	return func(r *Registry) { r.client = c }
}

func WithMarkers(m vcs.Markers) Option {
	return func(r *Registry) { r.markers = m.WithDefaults() }
}

// WithPool runs jobs on a shared pool. The registry does not close it.
func WithPool(p *pool.Pool) Option {
	return func(r *Registry) { r.pool = p }
}

// WithWorkers sizes the pool the registry creates when none is shared.
func WithWorkers(n int) Option {
	return func(r *Registry) { r.workers = n }
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		jobs:    make(map[string]*Job),
		markers: vcs.DefaultMarkers,
		workers: DefaultWorkers,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = vcs.NewGoGit(nil)
	}
	if r.log == nil {
		r.log = logging.NewNoop()
	}
	if r.pool == nil {
		r.pool = pool.New(r.workers)
		r.owned = true
	}
	return r
}

type jobOptions struct {
	subFolder string
}

type JobOption func(*jobOptions)

// WithSubFolder limits the checkout of a new job's cache to sub.
func WithSubFolder(sub string) JobOption {
	return func(o *jobOptions) { o.subFolder = sub }
}

// Get returns the job of id, creating it if needed. A job tracking the same
// URL, cache and copy destination on another branch or sub-folder is left
// alone and an error wrapping errs.ErrIdentityConflict is returned.
func (r *Registry) Get(id Identity, opts ...JobOption) (*Job, error) {
	var o jobOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	if job, ok := r.jobs[id.key()]; ok && !job.retired() {
		if job.id.Branch != id.Branch {
			return nil, fmt.Errorf("%w: %s is tracked on branch %q, not %q", errs.ErrIdentityConflict, id.CachePath, job.id.Branch, id.Branch)
		}
		if job.subFolder != o.subFolder {
			return nil, fmt.Errorf("%w: %s is checked out for sub-folder %q, not %q", errs.ErrIdentityConflict, id.CachePath, job.subFolder, o.subFolder)
		}
		return job, nil
	}

	job := newJob(id, o.subFolder, r.client, r.markers, r.pool, r.log)
	r.jobs[id.key()] = job
	return job, nil
}

// Lookup returns the job tracking url, if any.
func (r *Registry) Lookup(url string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.id.URL == url {
			return job, true
		}
	}
	return nil, false
}

// Remove deletes the working copy of id and forgets its job. It does nothing
// if there is no such job. The job is retired before its files are deleted,
// so it cannot start meanwhile, and Get hands out a new job for id. On
// failure, the job stays registered.
func (r *Registry) Remove(_ context.Context, id Identity) error {
	key := id.key()

	r.mu.Lock()
	job, ok := r.jobs[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if !job.retire() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobBusy, job.id)
	}
	r.mu.Unlock()

	err := fs.RemoveAll(job.id.CopyDestination)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		job.restore()
		return fmt.Errorf("removing working copy of %s: %w", job.id, err)
	}
	if r.jobs[key] == job {
		delete(r.jobs, key)
	}
	r.log.Debugf("Removed %s", job.id)
	return nil
}

// Forget drops the job of id without touching the disk.
func (r *Registry) Forget(id Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id.key()]
	if !ok {
		return nil
	}
	if job.State() == InProgress {
		return fmt.Errorf("%w: %s", ErrJobBusy, job.id)
	}
	delete(r.jobs, id.key())
	return nil
}

// Jobs returns all jobs, sorted by URL.
func (r *Registry) Jobs() []*Job {
	r.mu.Lock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mu.Unlock()

	slices.SortFunc(jobs, func(a, b *Job) int {
		return strings.Compare(a.id.key(), b.id.key())
	})
	return jobs
}

// Close stops accepting jobs and stops the pool if the registry created it.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	if r.owned {
		r.pool.Close()
	}
}
