package service

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/depsync/depsync/internal/config"
	"github.com/depsync/depsync/internal/deps"
	"github.com/depsync/depsync/internal/errs"
	"github.com/depsync/depsync/internal/metrics"
	"github.com/depsync/depsync/internal/repository"
)

var (
	defaultInterval = time.Duration(config.DefaultInterval)
	errorInterval   = 30 * time.Second
	pollInterval    = 500 * time.Millisecond
)

const watchTask = "watch"

// Watcher keeps all dependencies up to date. It runs as a periodic task on
// the pool of its manager: every interval it reloads the dependency file
// and starts a job for each dependency, then it polls the jobs and copies
// the result of each finished job into its working copy.
//
// A watcher never waits for a job, so it does not take a worker away from
// the jobs it started.
type Watcher struct {
	manager  *Manager
	opts     UpdateOptions
	interval time.Duration
	next     time.Time
	retried  map[*repository.Job]time.Time
	refused  map[*repository.Job]time.Time
	stop     chan struct{}
	done     chan struct{}
}

func NewWatcher(m *Manager) *Watcher {
	return &Watcher{
		manager:  m,
		interval: defaultInterval,
		retried:  make(map[*repository.Job]time.Time),
		refused:  make(map[*repository.Job]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *Watcher) WithInterval(d config.Duration) *Watcher {
	w.interval = cmp.Or(time.Duration(d), defaultInterval)
	return w
}

func (w *Watcher) WithOptions(opts UpdateOptions) *Watcher {
	w.opts = opts
	return w
}

// Run schedules the watcher and blocks until ctx is done or Stop is called.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.manager.pool.Add(watchTask, w.Execute); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-w.stop:
	}
	w.Stop()
	w.manager.pool.Remove(watchTask)
	return nil
}

// Stop makes the watcher leave the pool after its current iteration.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

func (w *Watcher) Done() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *Watcher) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// Execute runs one iteration of the watcher and returns when the next one
// is due.
func (w *Watcher) Execute(ctx context.Context) time.Time {
	if w.stopped() || ctx.Err() != nil {
		return w.die()
	}

	now := time.Now()
	if !now.Before(w.next) {
		w.next = now.Add(w.interval)
		w.start(ctx)
	}

	if w.collect(ctx) {
		return earliest(now.Add(pollInterval), w.next)
	}
	return w.next
}

// start reloads the dependency file and starts a job for every dependency
// that is not running yet.
func (w *Watcher) start(ctx context.Context) {
	m := w.manager
	if err := m.Reconcile(ctx); err != nil {
		m.log.Warnf("Failed to reload dependencies: %v", err)
		return
	}

	for _, d := range m.Dependencies() {
		job, err := m.job(d)
		if err != nil {
			m.log.Warnf("Skipping %q: %v", d.Name, err)
			continue
		}

		changed, err := m.localChanges(ctx, job.Identity().CopyDestination)
		if err != nil {
			m.log.Warnf("Skipping %q: %v", d.Name, err)
			continue
		}
		metrics.LocalChanges(d.Name, changed)
		if changed && !w.opts.Force {
			m.log.Warnf("Skipping %q: %v", d.Name, ErrLocalChanges)
			continue
		}

		if job.TryStart() {
			m.log.Debugf("Started update of %q", d.Name)
		}
	}
}

// collect copies the results of finished jobs into the working copies. A
// working copy edited while its job ran is left alone, with the refresh
// still pending. A job that failed in a way that may go away on its own
// brings the next round forward. It reports whether any job is still
// running.
func (w *Watcher) collect(ctx context.Context) bool {
	m := w.manager
	all := m.Dependencies()

	var busy bool
	for _, job := range m.registry.Jobs() {
		switch {
		case job.State() == repository.InProgress:
			busy = true
		case job.State() == repository.Failed:
			if finished := job.Finished(); errs.Retryable(job.LastError()) && finished.After(w.retried[job]) {
				w.retried[job] = finished
				w.next = earliest(w.next, time.Now().Add(errorInterval))
			}
		case job.RefreshPending():
			i := slices.IndexFunc(all, func(d deps.Dependency) bool { return d.URL == job.Identity().URL })
			if i < 0 {
				continue
			}
			_, err := m.refresh(ctx, all[i], job, w.opts)
			switch {
			case errors.Is(err, ErrLocalChanges):
				if finished := job.Finished(); !finished.Equal(w.refused[job]) {
					w.refused[job] = finished
					m.log.Warnf("Not refreshing %q: %v", all[i].Name, err)
				}
			case err != nil:
				m.log.Warnf("Failed to refresh %q: %v", all[i].Name, err)
			}
		}
	}
	return busy
}

func earliest(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func (w *Watcher) die() time.Time {
	select {
	case <-w.done:
	default:
		close(w.done)
	}

	var zero time.Time
	return zero
}
