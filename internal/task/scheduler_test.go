package task

import (
	"testing"
)

func TestScheduler_FIFOOrder(t *testing.T) {
	s := NewScheduler()

	var order []int
	s.Add(func() { order = append(order, 1) })
	s.Add(func() { order = append(order, 2) })
	s.Add(func() { order = append(order, 3) })

	s.Run()

	if len(order) != 3 {
		t.Fatalf("expected 3 tasks run, got %d", len(order))
	}
	for i, v := range order {
		if v != i+1 {
			t.Errorf("position %d: expected %d, got %d", i, i+1, v)
		}
	}
}

func TestScheduler_OneShotRunsOnce(t *testing.T) {
	s := NewScheduler()

	count := 0
	s.Add(func() { count++ })

	s.Run()
	s.Run()

	if count != 1 {
		t.Errorf("expected one-shot to run once, ran %d times", count)
	}
}

func TestScheduler_TaskAddedDuringRunDeferred(t *testing.T) {
	s := NewScheduler()

	var ran []string
	s.Add(func() {
		ran = append(ran, "first")
		s.Add(func() { ran = append(ran, "nested") })
	})

	s.Run()
	if len(ran) != 1 {
		t.Fatalf("nested task must not run in the same iteration, got %v", ran)
	}

	s.Run()
	if len(ran) != 2 || ran[1] != "nested" {
		t.Errorf("nested task must run in the next iteration, got %v", ran)
	}
}

func TestScheduler_RecurringEveryIteration(t *testing.T) {
	s := NewScheduler()

	count := 0
	s.AddRecurring("tick", func() { count++ })

	s.Run()
	s.Run()
	s.Run()

	if count != 3 {
		t.Errorf("expected recurring task to run 3 times, ran %d", count)
	}
}

func TestScheduler_RecurringReplacedInPlace(t *testing.T) {
	s := NewScheduler()

	var order []string
	s.AddRecurring("a", func() { order = append(order, "a1") })
	s.AddRecurring("b", func() { order = append(order, "b") })
	s.AddRecurring("a", func() { order = append(order, "a2") })

	s.Run()

	if len(order) != 2 {
		t.Fatalf("expected 2 recurring runs, got %v", order)
	}
	// Replacement keeps the original registration position.
	if order[0] != "a2" || order[1] != "b" {
		t.Errorf("expected [a2 b], got %v", order)
	}
}

func TestScheduler_RemoveRecurring(t *testing.T) {
	s := NewScheduler()

	count := 0
	s.AddRecurring("tick", func() { count++ })
	s.Run()

	s.RemoveRecurring("tick")
	s.Run()

	if count != 1 {
		t.Errorf("expected no runs after removal, got %d total", count)
	}

	// Removing again must be a no-op.
	s.RemoveRecurring("tick")
	s.RemoveRecurring("never-registered")
}

func TestScheduler_OneShotsBeforeRecurring(t *testing.T) {
	s := NewScheduler()

	var order []string
	s.AddRecurring("r", func() { order = append(order, "recurring") })
	s.Add(func() { order = append(order, "oneshot") })

	s.Run()

	if len(order) != 2 || order[0] != "oneshot" || order[1] != "recurring" {
		t.Errorf("expected one-shots first, got %v", order)
	}
}
