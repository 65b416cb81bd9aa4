package repository

import "sync"

// Progress is one record of a job's progress log.
type Progress struct {
	Fraction float64 // in [0, 1]
	Message  string
	Error    bool
}

var pending = Progress{Fraction: 0, Message: "Update Pending"}

// progressLog is the FIFO between a job's background task and its poller.
type progressLog struct {
	mu    sync.Mutex
	items []Progress
}

func (l *progressLog) push(p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, p)
}

// latest dequeues the oldest record while more than one is queued, and
// otherwise peeks, so the final record of a run stays visible to pollers.
func (l *progressLog) latest() (Progress, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch len(l.items) {
	case 0:
		return pending, false
	case 1:
		return l.items[0], true
	}

	p := l.items[0]
	l.items[0] = Progress{}
	l.items = l.items[1:]
	return p, true
}

func (l *progressLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
}
