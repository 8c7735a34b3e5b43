package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultReapInterval is the pause between sweeps.
const DefaultReapInterval = time.Second

// ReapList collects finished session tasks until the Reaper joins them.
type ReapList struct {
	mu    sync.Mutex
	tasks []*Task
}

func (l *ReapList) Append(t *Task) {
	if t == nil {
		return
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, t)
	l.mu.Unlock()
}

// Take returns the current contents and leaves the list empty.
func (l *ReapList) Take() []*Task {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	return tasks
}

func (l *ReapList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Reaper joins finished session tasks and logs unexpected failures. A failed
// or panicked task never stops the Reaper.
type Reaper struct {
	list     *ReapList
	interval time.Duration

	reaped   atomic.Uint64
	failures atomic.Uint64
}

func NewReaper(list *ReapList, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{list: list, interval: interval}
}

// Run sweeps until ctx ends, then returns ctx.Err().
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.Sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep takes the list and waits for every task on it. If ctx ends first the
// tasks not yet joined go back on the list. It returns how many were joined.
func (r *Reaper) Sweep(ctx context.Context) int {
	tasks := r.list.Take()
	for i, t := range tasks {
		select {
		case <-t.Done():
		case <-ctx.Done():
			for _, rest := range tasks[i:] {
				r.list.Append(rest)
			}
			return i
		}
		r.reaped.Add(1)
		if LogFailure(t.Name(), t.Err()) {
			r.failures.Add(1)
		}
	}
	return len(tasks)
}

// Reaped is the number of tasks joined so far.
func (r *Reaper) Reaped() uint64 {
	return r.reaped.Load()
}

// Failures is the number of joined tasks that ended with an unexpected error.
func (r *Reaper) Failures() uint64 {
	return r.failures.Load()
}
