package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danjacques/gofslock/fslock"

	"github.com/depsync/depsync/internal/errs"
	"github.com/depsync/depsync/internal/fs"
	"github.com/depsync/depsync/internal/logging"
	"github.com/depsync/depsync/internal/metrics"
	"github.com/depsync/depsync/internal/pool"
	"github.com/depsync/depsync/internal/vcs"
)

// ErrCancelled is the failure of a run stopped at a checkpoint after
// RequestCancel.
var ErrCancelled = errors.New("cancelled")

type State int

const (
	Idle State = iota
	InProgress
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case InProgress:
		return "InProgress"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Job keeps the cache of one dependency in sync with its remote. At most one
// background run exists per job; its state and progress may be read from any
// goroutine.
//
// Cancellation is advisory. RequestCancel is only observed between the steps
// of a run, it never interrupts a clone, fetch or copy in flight, and the
// job reports InProgress until the run has returned.
type Job struct {
	id        Identity
	subFolder string
	client    vcs.Client
	markers   vcs.Markers
	pool      *pool.Pool
	log       *logging.Logger
	progress  progressLog

	mu       sync.Mutex
	state    State
	cancel   bool
	refresh  bool
	removed  bool
	lastErr  error
	runs     int
	done     chan struct{}
	finished time.Time
}

func newJob(id Identity, subFolder string, client vcs.Client, markers vcs.Markers, p *pool.Pool, log *logging.Logger) *Job {
	done := make(chan struct{})
	close(done)
	return &Job{
		id:        id,
		subFolder: subFolder,
		client:    client,
		markers:   markers,
		pool:      p,
		log:       log.With("repository", id.URL),
		done:      done,
	}
}

func (j *Job) Identity() Identity { return j.id }

func (j *Job) SubFolder() string { return j.subFolder }

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Finished returns when the last run ended, zero if none did.
func (j *Job) Finished() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

// TryStart schedules a run of the job. It returns false, and does nothing,
// if a run is already in progress or the job is being removed.
func (j *Job) TryStart() bool {
	j.mu.Lock()
	if j.state == InProgress || j.removed {
		j.mu.Unlock()
		return false
	}
	j.state = InProgress
	j.cancel = false
	j.lastErr = nil
	j.runs++
	j.done = make(chan struct{})
	name := fmt.Sprintf("%s#%d", j.id.key(), j.runs)
	j.mu.Unlock()

	j.progress.reset()

	if err := j.pool.Go(name, j.run); err != nil {
		j.finish("update", time.Now(), err)
	}
	return true
}

// retire marks an idle job as removed, so that it never starts again. It
// returns false if the job is running.
func (j *Job) retire() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == InProgress {
		return false
	}
	j.removed = true
	return true
}

func (j *Job) restore() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.removed = false
}

func (j *Job) retired() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.removed
}

// Reset moves a finished job back to Idle and drops its progress log.
func (j *Job) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != InProgress {
		j.state = Idle
		j.progress.reset()
	}
}

// GetLatestProgress returns the next progress record. Once a single record
// is left it is returned again on every call. Without any record, it returns
// an "Update Pending" record and false.
func (j *Job) GetLatestProgress() (Progress, bool) {
	return j.progress.latest()
}

func (j *Job) RequestCancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == InProgress {
		j.cancel = true
	}
}

func (j *Job) CancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancel
}

// RefreshPending reports whether a successful run has not been copied into
// the working copy yet.
func (j *Job) RefreshPending() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.refresh
}

// ConsumeRefresh clears the refresh flag and returns its previous value.
// It returns false while a run is in progress.
func (j *Job) ConsumeRefresh() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == InProgress || !j.refresh {
		return false
	}
	j.refresh = false
	return true
}

// LastError returns the failure of the last run, nil if it succeeded.
func (j *Job) LastError() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// Wait blocks until the current run, if any, has finished and returns its
// error.
func (j *Job) Wait(ctx context.Context) error {
	j.mu.Lock()
	done := j.done
	j.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return j.LastError()
	}
}

func (j *Job) run(ctx context.Context) {
	op := "update"
	start := metrics.SyncStarted(j.id.URL)

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during %s: %v", op, r)
		}
		if err == nil {
			metrics.SyncSucceeded(j.id.URL, op, start)
		} else {
			metrics.SyncFailed(j.id.URL, op, errs.Kind(err), start)
		}
		j.finish(op, start, err)
	}()

	err = j.withCacheLock(func() error {
		op, err = j.sync(ctx)
		return err
	})
}

func (j *Job) withCacheLock(fn func() error) error {
	return LockCache(j.id.CachePath, fn)
}

// LockCache runs fn holding an exclusive lock on the cache directory, across
// processes. The lock file is a sibling of the directory, which may be
// re-created while the lock is held.
func LockCache(cache string, fn func() error) error {
	cache = filepath.Clean(cache)
	if err := os.MkdirAll(filepath.Dir(cache), 0o755); err != nil {
		return fs.Busy(err)
	}

	err := fslock.With(cache+".lock", fn)
	if errors.Is(err, fslock.ErrLockHeld) {
		return fmt.Errorf("%w: cache %s is locked by another process", errs.ErrFileSystemBusy, cache)
	}
	return err
}

func (j *Job) sync(ctx context.Context) (string, error) {
	cache := j.id.CachePath

	if j.client.IsValidLocalRepo(cache) {
		j.report(0, "Found local repository.")
		if err := j.checkpoint(); err != nil {
			return "update", err
		}

		j.report(0, "Fetching from origin")
		out, err := j.client.UpdateToRemote(ctx, cache, j.id.Branch, j.report)
		switch {
		case errors.Is(err, errs.ErrLocalRepoCorrupt):
			j.log.Warnf("Cache %s is unusable, cloning again: %v", cache, err)
		case err != nil:
			return "update", err
		default:
			j.log.Debugf("update %s:\n%s", cache, out)
			if err := j.checkpoint(); err != nil {
				return "update", err
			}
			return "update", j.validate("update", out, j.markers.Update)
		}
	}

	j.report(0, "Initializing clone")
	if err := fs.RemoveAll(cache); err != nil {
		return "clone", err
	}
	if err := j.checkpoint(); err != nil {
		return "clone", err
	}

	j.report(0, "Cloning "+j.id.URL)
	out, err := j.client.CloneSparse(ctx, j.id.URL, j.id.Branch, cache, j.subFolder, j.report)
	if err != nil {
		return "clone", err
	}
	j.log.Debugf("clone %s:\n%s", cache, out)
	if err := j.checkpoint(); err != nil {
		return "clone", err
	}
	return "clone", j.validate("clone", out, j.markers.Clone)
}

// validate checks the result of a clone or update, on the clone itself when
// the client can, otherwise by the marker expected in its transcript.
func (j *Job) validate(operation, output, marker string) error {
	if v, ok := j.client.(vcs.Verifier); ok {
		return v.Verify(j.id.CachePath, j.id.Branch)
	}
	return vcs.Validate(operation, output, marker)
}

func (j *Job) checkpoint() error {
	if j.CancelRequested() {
		return ErrCancelled
	}
	return nil
}

func (j *Job) report(fraction float64, message string) {
	j.progress.push(Progress{Fraction: fraction, Message: message})
}

func (j *Job) finish(op string, start time.Time, err error) {
	if err == nil {
		j.progress.push(Progress{Fraction: 1, Message: "Complete"})
		j.log.Infof("%s of branch %q done in %s", op, j.id.Branch, time.Since(start).Round(time.Millisecond))
	} else {
		prefix := "Fetch failed: "
		if op == "clone" {
			prefix = "Clone failed: "
		}
		j.progress.push(Progress{Fraction: 1, Message: prefix + err.Error(), Error: true})
		j.log.Warnf("%s of branch %q failed: %v", op, j.id.Branch, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err == nil {
		j.state = Succeeded
		j.refresh = true
	} else {
		j.state = Failed
		j.lastErr = err
	}
	j.cancel = false
	j.finished = time.Now()
	close(j.done)
}
