package channel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/soralab/mosaic/internal/model"
	"github.com/soralab/mosaic/internal/wire"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
)

type listener interface {
	Close() error
}

// peer is one connected remote endpoint. The send mutex serializes writes,
// which is what gives FIFO delivery per destination.
type peer struct {
	name string

	mu     sync.Mutex
	closed bool
	conn   net.Conn               // nil for in-process peers
	sendFn func(m *wire.Message) error
	stop   func()

	closeOnce sync.Once
}

func (p *peer) send(m *wire.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer %s closed", p.name)
	}
	return p.sendFn(m)
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		if p.stop != nil {
			p.stop()
		}
	})
}

// Listen opens the channel's unix socket and accepts incoming peers. Each
// dialing peer identifies itself with a handshake frame before any other
// traffic.
func (c *Channel) Listen(socketPath string) error {
	// Remove stale socket file
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()

	c.wg.Add(1)
	go c.acceptLoop(ln)
	return nil
}

func (c *Channel) acceptLoop(ln net.Listener) {
	defer c.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			c.log.Warnf("channel %s: accept: %v", c.name, err)
			continue
		}
		c.wg.Add(1)
		go c.handleConn(conn)
	}
}

func (c *Channel) handleConn(conn net.Conn) {
	defer c.wg.Done()

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	hello, err := wire.ReadMessage(conn)
	if err != nil || hello.Attr != wire.AttrHandshake || hello.Args.String(0) == "" {
		c.log.Warnf("channel %s: invalid handshake: %v", c.name, err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	name := hello.Args.String(0)
	c.addPeer(newSocketPeer(name, conn))
	c.log.Debugf("channel %s: peer %s connected", c.name, name)
	c.readLoop(name, conn)
}

// Dial connects to a remote channel's socket and registers it as a peer
// under remoteName.
func (c *Channel) Dial(socketPath, remoteName string) error {
	conn, err := net.DialTimeout("unix", socketPath, handshakeTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", socketPath, err)
	}

	hello := &wire.Message{
		Dest: remoteName,
		From: c.name,
		Attr: wire.AttrHandshake,
		Args: model.Values{c.name},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := wire.WriteMessage(conn, hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	c.addPeer(newSocketPeer(remoteName, conn))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(remoteName, conn)
	}()
	return nil
}

func (c *Channel) readLoop(name string, conn net.Conn) {
	for {
		m, err := wire.ReadMessage(conn)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.Debugf("channel %s: peer %s gone: %v", c.name, name, err)
				c.removePeer(name)
			}
			return
		}
		c.dispatch(m)
	}
}

func newSocketPeer(name string, conn net.Conn) *peer {
	return &peer{
		name: name,
		conn: conn,
		sendFn: func(m *wire.Message) error {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			return wire.WriteMessage(conn, m)
		},
		stop: func() { _ = conn.Close() },
	}
}

// Pipe connects two in-process channels directly, without sockets. This is
// the zero-copy control path used for the collocated scene.
func Pipe(a, b *Channel) {
	a.addPipePeer(b)
	b.addPipePeer(a)
}

func (c *Channel) addPipePeer(remote *Channel) {
	ch := make(chan *wire.Message, 64)
	go func() {
		for m := range ch {
			remote.dispatch(m)
		}
	}()
	c.addPeer(&peer{
		name:   remote.name,
		sendFn: func(m *wire.Message) error { ch <- m; return nil },
		stop:   func() { close(ch) },
	})
}
