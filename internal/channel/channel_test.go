package channel

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/soralab/mosaic/internal/logging"
	"github.com/soralab/mosaic/internal/model"
	"github.com/soralab/mosaic/internal/wire"
)

func testLogger() *logging.Logger {
	return logging.New(io.Discard, logging.LevelError)
}

// connectPair wires a listening "world" channel and a dialing scene channel
// over a real unix socket, waiting until the handshake completed.
func connectPair(t *testing.T, sceneName string) (*Channel, *Channel) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "msg.sock")

	world := New("world", testLogger())
	if err := world.Listen(socket); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(world.Close)

	sc := New(sceneName, testLogger())
	if err := sc.Dial(socket, "world"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(sc.Close)

	waitFor(t, func() bool { return world.HasPeer(sceneName) })
	return world, sc
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSendDelivered(t *testing.T) {
	world, sc := connectPair(t, "scene1")

	var mu sync.Mutex
	var got []*wire.Message
	sc.SetInbound(func(m *wire.Message) (model.Values, bool) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		return nil, true
	})

	if err := world.Send("scene1", "framerate", model.Values{30}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].Attr != "framerate" || got[0].Args.Int(0) != 30 {
		t.Errorf("unexpected message %+v", got[0])
	}
}

func TestSendFIFOPerDestination(t *testing.T) {
	world, sc := connectPair(t, "scene1")

	var mu sync.Mutex
	var seq []int
	sc.SetInbound(func(m *wire.Message) (model.Values, bool) {
		mu.Lock()
		seq = append(seq, m.Args.Int(0))
		mu.Unlock()
		return nil, true
	})

	const n = 50
	for i := 0; i < n; i++ {
		if err := world.Send("scene1", "seq", model.Values{i}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seq) == n
	})
	mu.Lock()
	defer mu.Unlock()
	for i, v := range seq {
		if v != i {
			t.Fatalf("position %d: got %d, delivery reordered", i, v)
		}
	}
}

func TestSendWithAnswer(t *testing.T) {
	world, sc := connectPair(t, "scene1")

	sc.SetInbound(func(m *wire.Message) (model.Values, bool) {
		if m.Attr == "sync" {
			return model.Values{"scene1"}, true
		}
		return nil, false
	})

	reply, err := world.SendWithAnswer("scene1", "sync", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("sendWithAnswer: %v", err)
	}
	if reply.String(0) != "scene1" {
		t.Errorf("expected reply scene1, got %v", reply)
	}
}

func TestSendWithAnswerTimeoutBounded(t *testing.T) {
	world, sc := connectPair(t, "scene1")

	// No inbound handler, so correlated requests are never answered.
	sc.SetInbound(nil)

	start := time.Now()
	_, err := world.SendWithAnswer("scene1", "sync", nil, 100*time.Millisecond)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed > time.Second {
		t.Errorf("timeout not bounded: waited %v", elapsed)
	}
}

func TestSendUnknownDestination(t *testing.T) {
	world, _ := connectPair(t, "scene1")

	if err := world.Send("nonexistent", "attr", nil); err == nil {
		t.Fatal("expected error for unknown destination")
	}
}

func TestResolverMapsObjectNames(t *testing.T) {
	world, sc := connectPair(t, "scene1")

	var mu sync.Mutex
	var got []*wire.Message
	sc.SetInbound(func(m *wire.Message) (model.Values, bool) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		return nil, true
	})

	world.SetResolver(func(dest string) []string {
		if dest == "image1" {
			return []string{"scene1"}
		}
		return nil
	})

	if err := world.Send("image1", "file", model.Values{"/tmp/x.png"}); err != nil {
		t.Fatalf("send via resolver: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].Dest != "image1" {
		t.Errorf("destination must stay the object name, got %s", got[0].Dest)
	}

	// A name the resolver does not know resolves to nothing.
	if err := world.Send("renamed-away", "file", nil); err == nil {
		t.Error("expected error for unresolvable name")
	}
}

func TestBroadcast(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "msg.sock")
	world := New("world", testLogger())
	if err := world.Listen(socket); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(world.Close)

	var mu sync.Mutex
	received := make(map[string]int)
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("scene%d", i)
		sc := New(name, testLogger())
		sc.SetInbound(func(m *wire.Message) (model.Values, bool) {
			mu.Lock()
			received[name]++
			mu.Unlock()
			return nil, true
		})
		if err := sc.Dial(socket, "world"); err != nil {
			t.Fatalf("dial %s: %v", name, err)
		}
		t.Cleanup(sc.Close)
	}
	waitFor(t, func() bool { return len(world.Peers()) == 3 })

	if err := world.Send(AllPeers, "quit", nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	})
}

func TestOnDisconnect(t *testing.T) {
	world, sc := connectPair(t, "scene1")

	lost := make(chan string, 1)
	world.SetOnDisconnect(func(name string) { lost <- name })

	sc.Close()

	select {
	case name := <-lost:
		if name != "scene1" {
			t.Errorf("expected scene1, got %s", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback never fired")
	}
	waitFor(t, func() bool { return !world.HasPeer("scene1") })
}

func TestPipe(t *testing.T) {
	world := New("world", testLogger())
	sc := New("scene1", testLogger())
	t.Cleanup(world.Close)
	t.Cleanup(sc.Close)

	sc.SetInbound(func(m *wire.Message) (model.Values, bool) {
		if m.Attr == "sync" {
			return model.Values{"scene1"}, true
		}
		return nil, true
	})
	Pipe(world, sc)

	if !world.HasPeer("scene1") || !sc.HasPeer("world") {
		t.Fatal("pipe did not register both peers")
	}

	reply, err := world.SendWithAnswer("scene1", "sync", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("sendWithAnswer over pipe: %v", err)
	}
	if reply.String(0) != "scene1" {
		t.Errorf("expected reply scene1, got %v", reply)
	}
}
