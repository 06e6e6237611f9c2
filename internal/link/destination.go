package link

import (
	"sync"

	"github.com/soralab/mosaic/internal/logging"
)

// destination is one connected scene on the buffer transport. Queued
// payloads live in a per-object mailbox: enqueueing a name that is already
// queued overwrites the stale payload and keeps its place in line.
type destination struct {
	name    string
	log     *logging.Logger
	deliver func(obj string, data []byte) error
	closer  func()

	mu     sync.Mutex
	cond   *sync.Cond // wakes the sender
	queue  map[string][]byte
	order  []string
	busy   bool
	idle   bool
	idleCh chan struct{} // closed while idle
	closed bool
	drops  uint64 // superseded payloads
}

func newDestination(name string, deliver func(string, []byte) error, closer func(), log *logging.Logger) *destination {
	d := &destination{
		name:    name,
		log:     log,
		deliver: deliver,
		closer:  closer,
		queue:   make(map[string][]byte),
		idle:    true,
		idleCh:  make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	close(d.idleCh)
	return d
}

func (d *destination) enqueue(name string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if _, queued := d.queue[name]; queued {
		// Supersede: the slow consumer only ever sees the newest payload.
		d.drops++
		d.queue[name] = data
	} else {
		d.queue[name] = data
		d.order = append(d.order, name)
		d.clearIdleLocked()
	}
	d.cond.Signal()
}

// drained returns a channel closed once the destination has no queued or
// in-flight payload. A closed destination counts as drained.
func (d *destination) drained() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idleCh
}

// Drops reports how many payloads were superseded before delivery.
func (d *destination) Drops() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drops
}

func (d *destination) run() {
	for {
		d.mu.Lock()
		for len(d.order) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		name := d.order[0]
		d.order = d.order[1:]
		data := d.queue[name]
		delete(d.queue, name)
		d.busy = true
		d.mu.Unlock()

		err := d.deliver(name, data)

		d.mu.Lock()
		d.busy = false
		if err != nil && !d.closed {
			d.log.Warnf("link: send %s to %s: %v", name, d.name, err)
		}
		d.updateIdleLocked()
		d.mu.Unlock()
	}
}

func (d *destination) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = make(map[string][]byte)
	d.order = nil
	// Unblock any WaitForPending caller; a dead destination is drained.
	if !d.idle {
		d.idle = true
		close(d.idleCh)
	}
	d.cond.Broadcast()
	closer := d.closer
	d.mu.Unlock()
	if closer != nil {
		closer()
	}
}

func (d *destination) clearIdleLocked() {
	if d.idle {
		d.idle = false
		d.idleCh = make(chan struct{})
	}
}

func (d *destination) updateIdleLocked() {
	if !d.idle && !d.busy && len(d.order) == 0 {
		d.idle = true
		close(d.idleCh)
	}
}
