package supervisor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/soralab/mosaic/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(io.Discard, logging.LevelError)
}

// newTestSupervisor collocates every spawn so tests never exec a binary.
// The returned ack function simulates the scene's launched report.
func newTestSupervisor(t *testing.T, timeout time.Duration) (*Supervisor, func(name string)) {
	t.Helper()
	s := New(Options{
		Display:       ":0",
		LaunchTimeout: timeout,
		StartCollocated: func(name string) (func(), error) {
			return func() {}, nil
		},
		Log: testLogger(),
	})
	return s, func(name string) { s.NotifyLaunched(name) }
}

func TestSpawnCollocatedReady(t *testing.T) {
	s, ack := newTestSupervisor(t, time.Second)

	done := make(chan error, 1)
	go func() { done <- s.Spawn(context.Background(), "scene1", ":0", 1) }()

	// The ack can arrive at any point after the worker record exists.
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := s.Lookup("scene1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ack("scene1")

	if err := <-done; err != nil {
		t.Fatalf("spawn: %v", err)
	}
	w, ok := s.Lookup("scene1")
	if !ok || w.State != StateReady || !w.Collocated {
		t.Errorf("unexpected worker record %+v", w)
	}
}

func TestSpawnLaunchTimeout(t *testing.T) {
	s, _ := newTestSupervisor(t, 50*time.Millisecond)

	start := time.Now()
	err := s.Spawn(context.Background(), "scene1", ":0", 1)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrLaunchTimeout) {
		t.Fatalf("expected ErrLaunchTimeout, got %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("timeout not bounded: %v", elapsed)
	}
}

func TestSpawnDuplicateName(t *testing.T) {
	s, ack := newTestSupervisor(t, time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		ack("scene1")
	}()
	if err := s.Spawn(context.Background(), "scene1", ":0", 1); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	if err := s.Spawn(context.Background(), "scene1", ":0", 1); err == nil {
		t.Fatal("expected error for duplicate worker name")
	}
}

func TestExternalWorkerRegistersWithoutWait(t *testing.T) {
	s, _ := newTestSupervisor(t, 50*time.Millisecond)

	// spawnCount 0 registers without creating or waiting for anything.
	if err := s.Spawn(context.Background(), "remote1", ":1", 0); err != nil {
		t.Fatalf("external registration: %v", err)
	}
	w, ok := s.Lookup("remote1")
	if !ok || w.Collocated || w.PID != 0 {
		t.Errorf("unexpected external worker record %+v", w)
	}
}

func TestFirstWorkerIsMaster(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)

	if err := s.Spawn(context.Background(), "first", ":1", 0); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := s.Spawn(context.Background(), "second", ":1", 0); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if s.Master() != "first" {
		t.Errorf("expected first as master, got %s", s.Master())
	}
	w, _ := s.Lookup("first")
	if !w.Master {
		t.Error("master flag not set on first worker")
	}

	names := s.Names()
	if len(names) != 2 || names[0] != "first" {
		t.Errorf("Names must list the master first, got %v", names)
	}
}

func TestOnlyOneCollocatedWorker(t *testing.T) {
	s, ack := newTestSupervisor(t, time.Second)

	for _, name := range []string{"scene1", "scene2"} {
		name := name
		go func() {
			time.Sleep(10 * time.Millisecond)
			ack(name)
		}()
		if err := s.Spawn(context.Background(), name, ":0", 1); err != nil {
			// scene2 would take the process-spawn path; ExecPath is empty so
			// it fails, which is itself the assertion that the collocation
			// slot was taken.
			if name == "scene1" {
				t.Fatalf("spawn %s: %v", name, err)
			}
			return
		}
	}

	if !s.IsCollocated("scene1") {
		t.Error("scene1 must be collocated")
	}
	if s.IsCollocated("scene2") {
		t.Error("scene2 must not be collocated")
	}
}

func TestReapAllResetsRegistry(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)

	if err := s.Spawn(context.Background(), "first", ":1", 0); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	s.ReapAll()

	if s.Master() != "" {
		t.Errorf("master not reset, got %s", s.Master())
	}
	if len(s.Names()) != 0 {
		t.Errorf("workers not reaped, got %v", s.Names())
	}

	// The collocation slot must be free again.
	done := make(chan error, 1)
	go func() { done <- s.Spawn(context.Background(), "again", ":0", 1) }()
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := s.Lookup("again"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.NotifyLaunched("again")
	if err := <-done; err != nil {
		t.Fatalf("respawn after ReapAll: %v", err)
	}
	if !s.IsCollocated("again") {
		t.Error("collocation slot not released by ReapAll")
	}
}

func TestSpawnContextCancel(t *testing.T) {
	s, _ := newTestSupervisor(t, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Spawn(ctx, "scene1", ":0", 1) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("spawn did not observe cancellation")
	}
}

func TestFilterEnv(t *testing.T) {
	in := []string{"DISPLAY=:0", "HOME=/root", "DISPLAY_BACKUP=:1"}
	out := filterEnv(in, "DISPLAY")
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %v", out)
	}
	for _, e := range out {
		if e == "DISPLAY=:0" {
			t.Error("DISPLAY not filtered")
		}
	}
}
