package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

var (
	ErrClosed     = errors.New("pool closed")
	ErrTaskExists = errors.New("task already scheduled")
)

// Pool executes tasks in order of their deadlines, using a fixed number of goroutines.
// Each task is identified by a unique name; a task returns its next deadline,
// or the zero time to leave the pool. One-shot tasks (see Go) always leave after
// their first run, periodic tasks (see Add) keep running until they return the
// zero time or are removed.
// If a task is added while the workers are waiting for the next deadline, one of
// them wakes up to process the new task immediately.
type Pool struct {
	mu     sync.Mutex
	queue  []*task
	reg    map[string]*task
	wait   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	name     string
	fn       func(context.Context) time.Time
	deadline time.Time
	rerun    bool
	removed  bool
}

func New(workers int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	pool := Pool{reg: make(map[string]*task), ctx: ctx, cancel: cancel}

	for range max(workers, 1) {
		pool.wg.Add(1)
		go pool.work()
	}

	return &pool
}

// Add schedules a periodic task to run now. It fails if a task with the same
// name is queued or running.
func (p *Pool) Add(name string, fn func(context.Context) time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return ErrClosed
	}
	if _, ok := p.reg[name]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, name)
	}

	t := &task{name: name, fn: fn, deadline: time.Now()}
	p.reg[name] = t
	p.queue = append(p.queue, t)
	p.sortAndWake()
	return nil
}

// Go schedules fn to run once, now.
func (p *Pool) Go(name string, fn func(context.Context)) error {
	return p.Add(name, func(ctx context.Context) time.Time {
		fn(ctx)
		return time.Time{}
	})
}

// Has reports whether the named task is queued or running.
func (p *Pool) Has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.reg[name]
	return ok
}

// Remove takes the named task out of the pool. A running task finishes its
// current run and is not rescheduled.
func (p *Pool) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.reg[name]
	if !ok {
		return
	}
	delete(p.reg, name)
	t.removed = true
	p.queue = slices.DeleteFunc(p.queue, func(q *task) bool { return q == t })
}

// Close cancels the context passed to tasks and waits for the workers to
// stop. Tasks already due still run once, with the cancelled context, so
// that one-shot tasks get to report their failure; later ones are dropped.
func (p *Pool) Close() {
	p.mu.Lock()
	p.cancel()
	p.wakeLocked()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.queue = nil
	clear(p.reg)
	p.mu.Unlock()
}

// work is the main loop for each worker goroutine.
func (p *Pool) work() {
	defer p.wg.Done()
	for {
		t := p.dequeue()
		if t == nil {
			return
		}
		p.enqueue(t.Execute(p.ctx))
	}
}

// Trigger runs the named task NOW, if it is in the queue, regardless of the
// previous deadline, by pulling it into the front of the queue. If the named
// task is not queued, it's running. In that case, we'll have it override its
// next deadline to NOW, causing an immediate re-run after the current run.
// Subsequent runs will use the deadline returned by the task's `fn`.
func (p *Pool) Trigger(n string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := slices.IndexFunc(p.queue, func(t *task) bool { return t.name == n }); i != -1 {
		p.queue[i].deadline = time.Now()
		p.sortAndWake()
		return nil
	}
	// if it's not in p.queue, it must be running at the moment
	if t, ok := p.reg[n]; ok {
		t.rerun = true
		return nil
	}

	return fmt.Errorf("no task with name %s", n)
}

// sortAndWake is used in multiple places, but always needs to be run
// within a p.mu lock!
func (p *Pool) sortAndWake() {
	// Maintain the tasks in deadline order.
	slices.SortFunc(p.queue, func(a, b *task) int {
		return a.deadline.Compare(b.deadline)
	})
	p.wakeLocked()
}

func (p *Pool) wakeLocked() {
	if p.wait != nil {
		close(p.wait)
		p.wait = nil
	}
}

func (p *Pool) enqueue(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.removed || p.ctx.Err() != nil {
		return
	}
	if t.rerun {
		t.rerun = false
		t.deadline = time.Now()
	}
	if t.deadline.IsZero() {
		// Task requested removal from the pool.
		delete(p.reg, t.name)
		return
	}

	p.queue = append(p.queue, t)
	p.sortAndWake()
}

// dequeue blocks until the first task is due, and returns nil once the pool
// is closed.
func (p *Pool) dequeue() *task {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.ctx.Err() != nil && (len(p.queue) == 0 || p.queue[0].deadline.After(time.Now())) {
			return nil
		}

		deadline := time.Now().Add(time.Hour * 24 * 365) // Default to a far future deadline
		if len(p.queue) > 0 {
			deadline = p.queue[0].deadline
		}

		if deadline.After(time.Now()) {
			// Task is not ready yet, wait for it to be executed or another (potentially earlier) task to arrive.

			if p.wait == nil {
				p.wait = make(chan struct{})
			}

			wait := p.wait

			p.mu.Unlock()

			timer := time.NewTimer(time.Until(deadline))
			select {
			case <-timer.C:
			case <-wait:
			}
			timer.Stop()

			p.mu.Lock()
			continue
		}

		// The first queued task is ready to be executed, remove it from the queue.
		break
	}

	var t *task
	t, p.queue = p.queue[0], p.queue[1:]
	return t
}

func (t *task) Execute(ctx context.Context) *task {
	t.deadline = t.fn(ctx)
	return t
}
