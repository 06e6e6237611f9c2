// Package link implements the buffer transport: a per-destination channel
// moving large serialized payloads from the world to its scenes, separate
// from the control message channel. Each destination owns a single-slot
// mailbox per object name with overwrite semantics (a new payload for the
// same name supersedes the queued one instead of piling up behind it) and
// a sender goroutine that drains mailboxes in arrival order.
package link

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/soralab/mosaic/internal/logging"
	"github.com/soralab/mosaic/internal/wire"
)

const (
	handshakeTimeout = 5 * time.Second
	sendTimeout      = 10 * time.Second
)

// Payload is an immutable serialized buffer tagged with the destination
// object name.
type Payload struct {
	Name string
	Data []byte
}

// Link fans payloads out to every connected destination. Connecting and
// disconnecting one destination never disturbs sends in flight to others.
type Link struct {
	log *logging.Logger

	mu     sync.Mutex
	dests  map[string]*destination
	ln     net.Listener
	wg     sync.WaitGroup
	closed bool
}

func New(log *logging.Logger) *Link {
	return &Link{
		log:   log,
		dests: make(map[string]*destination),
	}
}

// Listen opens the buffer socket. Scenes dial in and identify themselves
// with a handshake frame; each becomes a destination.
func (l *Link) Listen(socketPath string) error {
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop(ln)
	return nil
}

func (l *Link) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warnf("link: accept: %v", err)
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		hello, err := wire.ReadMessage(conn)
		if err != nil || hello.Attr != wire.AttrHandshake || hello.Args.String(0) == "" {
			l.log.Warnf("link: invalid handshake: %v", err)
			_ = conn.Close()
			continue
		}
		_ = conn.SetReadDeadline(time.Time{})

		name := hello.Args.String(0)
		l.connect(name, func(obj string, data []byte) error {
			_ = conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			return wire.WriteBuffer(conn, obj, data)
		}, func() { _ = conn.Close() })
		l.log.Debugf("link: destination %s connected", name)
	}
}

// ConnectLocal registers an in-process destination (the collocated scene):
// payloads are handed to deliver directly, without serializing to a socket.
func (l *Link) ConnectLocal(name string, deliver func(obj string, data []byte) error) {
	l.connect(name, deliver, nil)
}

func (l *Link) connect(name string, deliver func(string, []byte) error, closer func()) {
	d := newDestination(name, deliver, closer, l.log)
	l.mu.Lock()
	old := l.dests[name]
	l.dests[name] = d
	l.mu.Unlock()
	if old != nil {
		old.close()
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		d.run()
	}()
}

// Disconnect drops the named destination, abandoning its queued payloads.
func (l *Link) Disconnect(name string) {
	l.mu.Lock()
	d, ok := l.dests[name]
	if ok {
		delete(l.dests, name)
	}
	l.mu.Unlock()
	if ok {
		d.close()
	}
}

// SendBuffer asynchronously hands a payload to every connected destination.
// The call returns before delivery; a later payload for the same object
// name supersedes one still queued.
func (l *Link) SendBuffer(name string, data []byte) {
	l.mu.Lock()
	dests := make([]*destination, 0, len(l.dests))
	for _, d := range l.dests {
		dests = append(dests, d)
	}
	l.mu.Unlock()

	for _, d := range dests {
		d.enqueue(name, data)
	}
}

// WaitForPending blocks until every payload dispatched before the call has
// been fully transmitted, or until maxWait elapses. It returns false on
// timeout; the world loop proceeds anyway so a stalled scene degrades
// delivery instead of deadlocking the world.
func (l *Link) WaitForPending(maxWait time.Duration) bool {
	l.mu.Lock()
	dests := make([]*destination, 0, len(l.dests))
	for _, d := range l.dests {
		dests = append(dests, d)
	}
	l.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for _, d := range dests {
		select {
		case <-d.drained():
		case <-timer.C:
			return false
		}
	}
	return true
}

// Close tears down the listener and every destination.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	ln := l.ln
	dests := make([]*destination, 0, len(l.dests))
	for _, d := range l.dests {
		dests = append(dests, d)
	}
	l.dests = make(map[string]*destination)
	l.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, d := range dests {
		d.close()
	}
	l.wg.Wait()
}
