// Package supervisor creates, tracks, and tears down scene workers. A
// worker either runs collocated (a dedicated goroutine inside this process)
// or as a separate spawned process that rendezvouses back over the shared
// socket prefix. The registry here is the sole owner of worker liveness;
// every other component refers to workers by name.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/soralab/mosaic/internal/logging"
)

// ErrLaunchTimeout is returned when a spawned worker never reported ready.
// It is fatal to the configuration pass that triggered the spawn.
var ErrLaunchTimeout = errors.New("worker launch timeout")

// DefaultLaunchTimeout bounds the wait for a worker's "launched" ack.
const DefaultLaunchTimeout = 5 * time.Second

type State int

const (
	StateConnecting State = iota
	StateReady
	StateGone
)

// Worker is the supervisor's record of one scene worker.
type Worker struct {
	Name       string
	State      State
	Master     bool
	Collocated bool
	PID        int // 0 for collocated and external workers

	cmd   *exec.Cmd
	join  func()
	ready chan struct{}
	ackOK bool
}

// Options configures worker creation.
type Options struct {
	// ExecPath is the executable spawned for non-collocated workers,
	// normally the current binary.
	ExecPath string
	// SocketPrefix is propagated so children rendezvous on the same sockets.
	SocketPrefix string
	// Display is the display the supervising process itself runs on.
	Display string
	// Debug and Timer mirror the parent's verbosity and timing flags onto
	// spawned children.
	Debug bool
	Timer bool
	// LaunchTimeout bounds the readiness wait; DefaultLaunchTimeout if zero.
	LaunchTimeout time.Duration
	// StartCollocated runs a scene inside the current process and returns a
	// join function. Nil disables collocation.
	StartCollocated func(name string) (func(), error)

	Log *logging.Logger
}

type Supervisor struct {
	opts Options

	mu            sync.Mutex
	workers       map[string]*Worker
	master        string
	hasCollocated bool
}

func New(opts Options) *Supervisor {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = DefaultLaunchTimeout
	}
	return &Supervisor{
		opts:    opts,
		workers: make(map[string]*Worker),
	}
}

// Spawn creates the named worker and blocks until it reports ready or the
// launch timeout elapses. spawnCount 0 registers an already-running
// external worker without creating anything. The first worker becomes the
// master. A worker on the supervising process's display runs collocated
// when no collocated worker is active yet.
func (s *Supervisor) Spawn(ctx context.Context, name, display string, spawnCount int) error {
	s.mu.Lock()
	if _, exists := s.workers[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("worker %s already exists", name)
	}
	w := &Worker{
		Name:  name,
		State: StateConnecting,
		ready: make(chan struct{}),
	}
	if s.master == "" {
		s.master = name
		w.Master = true
	}
	s.workers[name] = w

	collocate := spawnCount > 0 && !s.hasCollocated &&
		display == s.opts.Display && s.opts.StartCollocated != nil
	if collocate {
		s.hasCollocated = true
	}
	s.mu.Unlock()

	if spawnCount == 0 {
		// External worker: nothing to create, readiness arrives whenever it
		// connects on its own.
		s.opts.Log.Infof("supervisor: registered external worker %s", name)
		return nil
	}

	if collocate {
		s.opts.Log.Infof("supervisor: starting collocated scene %s", name)
		join, err := s.opts.StartCollocated(name)
		if err != nil {
			s.forget(name)
			return fmt.Errorf("start collocated scene %s: %w", name, err)
		}
		s.mu.Lock()
		w.Collocated = true
		w.join = join
		s.mu.Unlock()
	} else {
		if err := s.spawnProcess(w, display); err != nil {
			s.forget(name)
			return err
		}
	}

	return s.waitReady(ctx, w)
}

func (s *Supervisor) spawnProcess(w *Worker, display string) error {
	args := []string{"--child", w.Name}
	if s.opts.SocketPrefix != "" {
		args = append(args, "--prefix", s.opts.SocketPrefix)
	}
	if s.opts.Debug {
		args = append(args, "--debug")
	}
	if s.opts.Timer {
		args = append(args, "--timer")
	}

	s.opts.Log.Infof("supervisor: spawning scene %s on display %s", w.Name, display)
	cmd := exec.Command(s.opts.ExecPath, args...)
	cmd.Env = append(filterEnv(os.Environ(), "DISPLAY"), "DISPLAY="+display)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn scene %s: %w", w.Name, err)
	}

	s.mu.Lock()
	w.cmd = cmd
	w.PID = cmd.Process.Pid
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) waitReady(ctx context.Context, w *Worker) error {
	timer := time.NewTimer(s.opts.LaunchTimeout)
	defer timer.Stop()
	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("scene %s: %w", w.Name, ErrLaunchTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyLaunched records the "launched" acknowledgment from a worker and
// unblocks a pending Spawn. Unknown names are ignored.
func (s *Supervisor) NotifyLaunched(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok || w.ackOK {
		return
	}
	w.ackOK = true
	w.State = StateReady
	close(w.ready)
}

// Master returns the name of the master worker, empty when none exists.
func (s *Supervisor) Master() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

// IsCollocated reports whether the named worker runs inside this process.
func (s *Supervisor) IsCollocated(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	return ok && w.Collocated
}

// Names returns all registered worker names, master first.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.workers))
	if s.master != "" {
		names = append(names, s.master)
	}
	for name := range s.workers {
		if name != s.master {
			names = append(names, name)
		}
	}
	return names
}

// Lookup returns a copy of the named worker record.
func (s *Supervisor) Lookup(name string) (Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// Reap waits for the named worker to terminate (process wait or goroutine
// join) and forgets it. The caller is expected to have sent quit first.
func (s *Supervisor) Reap(name string) {
	s.mu.Lock()
	w, ok := s.workers[name]
	s.mu.Unlock()
	if !ok {
		return
	}

	if w.cmd != nil {
		if err := w.cmd.Wait(); err != nil {
			s.opts.Log.Debugf("supervisor: scene %s exited: %v", name, err)
		}
	} else if w.join != nil {
		w.join()
	}
	s.forget(name)
}

// ReapAll reaps every worker and resets the registry, including the master
// designation and the collocation slot.
func (s *Supervisor) ReapAll() {
	for _, name := range s.Names() {
		s.Reap(name)
	}
	s.mu.Lock()
	s.master = ""
	s.hasCollocated = false
	s.mu.Unlock()
}

func (s *Supervisor) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[name]; ok {
		w.State = StateGone
		delete(s.workers, name)
	}
	if s.master == name && len(s.workers) == 0 {
		s.master = ""
	}
}

// filterEnv returns a copy of environ with the named variable removed.
func filterEnv(environ []string, name string) []string {
	prefix := name + "="
	out := make([]string, 0, len(environ))
	for _, e := range environ {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}
