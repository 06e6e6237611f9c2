package telemetry

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	received := []Event{}

	unsub := bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, EventSceneLaunched)
	defer unsub()

	bus.Publish(EventSceneLaunched, map[string]any{"scene": "scene1"})

	// Wait for async delivery
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventSceneLaunched {
		t.Errorf("expected type %s, got %s", EventSceneLaunched, received[0].Type)
	}
	if name, ok := received[0].Data["scene"].(string); !ok || name != "scene1" {
		t.Errorf("expected scene scene1, got %v", received[0].Data["scene"])
	}
}

func TestBus_TypeFilter(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var got []EventType
	unsub := bus.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	}, EventSceneLaunched, EventSceneLost)
	defer unsub()

	bus.Publish(EventFrameDone, nil)
	bus.Publish(EventSceneLaunched, nil)
	bus.Publish(EventSceneLost, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != EventSceneLaunched || got[1] != EventSceneLost {
		t.Errorf("expected only the subscribed types, got %v", got)
	}
}

func TestBus_SubscribeAllTypes(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(EventFrameDone, nil)
	bus.Publish(EventSceneLost, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("expected every event, got %d", count)
	}
}

func TestBus_PublishDoesNotBlock(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	// A subscriber that never drains its queue.
	block := make(chan struct{})
	defer close(block)
	unsub := bus.Subscribe(func(e Event) {
		<-block
	}, EventFrameDone)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventFrameDone, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, EventSceneLost)

	bus.Publish(EventSceneLost, nil)
	time.Sleep(50 * time.Millisecond)
	unsub()
	bus.Publish(EventSceneLost, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 event after unsubscribe, got %d", count)
	}
}

func TestBus_PanickingSubscriber(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	unsub := bus.Subscribe(func(e Event) {
		panic("subscriber bug")
	}, EventFrameDone)
	defer unsub()

	var mu sync.Mutex
	count := 0
	unsub2 := bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, EventFrameDone)
	defer unsub2()

	bus.Publish(EventFrameDone, nil)
	bus.Publish(EventFrameDone, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("healthy subscriber starved by panicking one: %d events", count)
	}
}

func TestTimer_Durations(t *testing.T) {
	timer := NewTimer()
	timer.SetEnabled(true)

	timer.Start("loop")
	time.Sleep(10 * time.Millisecond)
	timer.Stop("loop")

	d := timer.Durations()
	if d["loop"] < 10*time.Millisecond {
		t.Errorf("expected at least 10ms, got %v", d["loop"])
	}

	// Stopping a section that was never started is a no-op.
	timer.Stop("never")
	if _, ok := timer.Durations()["never"]; ok {
		t.Error("unstarted section recorded")
	}
}

func TestTimer_DisabledRecordsNothing(t *testing.T) {
	timer := NewTimer()

	timer.Start("loop")
	timer.Stop("loop")

	if d := timer.Durations(); len(d) != 0 {
		t.Errorf("disabled timer recorded %v", d)
	}

	// A Start seen while disabled must not complete after enabling.
	timer.Start("late")
	timer.SetEnabled(true)
	timer.Stop("late")
	if _, ok := timer.Durations()["late"]; ok {
		t.Error("section started while disabled was recorded")
	}
}

func TestTimer_Remeasure(t *testing.T) {
	timer := NewTimer()
	timer.SetEnabled(true)

	timer.Start("s")
	timer.Stop("s")
	first := timer.Durations()["s"]

	timer.Start("s")
	time.Sleep(5 * time.Millisecond)
	timer.Stop("s")
	second := timer.Durations()["s"]

	if second <= first {
		t.Errorf("expected re-measurement to replace the sample: %v then %v", first, second)
	}
}
