// Package task implements the world's cooperative task queue: one-shot
// actions drained once per loop iteration in FIFO order, plus named
// recurring tasks re-armed every iteration until removed.
package task

import "sync"

type Scheduler struct {
	mu        sync.Mutex
	queue     []func()
	recurring map[string]func()
	order     []string
}

func NewScheduler() *Scheduler {
	return &Scheduler{recurring: make(map[string]func())}
}

// Add enqueues a one-shot task. Tasks enqueued while Run executes are
// deferred to the next iteration.
func (s *Scheduler) Add(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, fn)
}

// AddRecurring registers a task invoked once per iteration until removed.
// Re-registering a name replaces the previous task in place.
func (s *Scheduler) AddRecurring(name string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recurring[name]; !ok {
		s.order = append(s.order, name)
	}
	s.recurring[name] = fn
}

// RemoveRecurring stops future invocations of the named task. Removing an
// unregistered name is a no-op.
func (s *Scheduler) RemoveRecurring(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recurring[name]; !ok {
		return
	}
	delete(s.recurring, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Run drains all currently-queued one-shot tasks in FIFO order, then runs
// every active recurring task exactly once, in registration order. The
// scheduler lock is not held while tasks execute, so tasks may themselves
// enqueue or remove tasks.
func (s *Scheduler) Run() {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	recurring := make([]func(), 0, len(s.order))
	for _, name := range s.order {
		recurring = append(recurring, s.recurring[name])
	}
	s.mu.Unlock()

	for _, fn := range queue {
		fn()
	}
	for _, fn := range recurring {
		fn()
	}
}
