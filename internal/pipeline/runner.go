package pipeline

import (
	"context"
	"sync"
)

// Runner runs many tasks concurrently and cancels whatever is still running
// on shutdown. Tasks share nothing through the runner beyond its bookkeeping.
type Runner struct {
	mu    sync.Mutex
	tasks map[*Task]struct{}
	wg    sync.WaitGroup
}

// NewRunner returns an empty runner.
func NewRunner() *Runner {
	return &Runner{tasks: make(map[*Task]struct{})}
}

// Run runs t to completion and returns its error.
func (r *Runner) Run(ctx context.Context, t *Task) error {
	r.track(t)
	defer r.untrack(t)
	return t.Run(ctx)
}

// Go runs t in a new goroutine. onExit, if non-nil, is called with Run's
// error once the task has shut down.
func (r *Runner) Go(ctx context.Context, t *Task, onExit func(error)) {
	r.track(t)
	go func() {
		defer r.untrack(t)
		err := t.Run(ctx)
		if onExit != nil {
			onExit(err)
		}
	}()
}

// Len returns the number of tasks currently tracked.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// CancelAll cancels every tracked task and waits for them to exit.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.tasks))
	for t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.Cancel()
		}()
	}
	wg.Wait()
	r.wg.Wait()
}

func (r *Runner) track(t *Task) {
	r.mu.Lock()
	r.tasks[t] = struct{}{}
	r.mu.Unlock()
	r.wg.Add(1)
}

func (r *Runner) untrack(t *Task) {
	r.mu.Lock()
	delete(r.tasks, t)
	r.mu.Unlock()
	r.wg.Done()
}
