// Package channel implements the control message channel between the world
// and its scenes: point-to-point addressed delivery of attribute commands,
// in fire-and-forget and request/response modes. Delivery is FIFO per
// destination; nothing is guaranteed across destinations.
package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soralab/mosaic/internal/logging"
	"github.com/soralab/mosaic/internal/model"
	"github.com/soralab/mosaic/internal/wire"
)

// AllPeers is the broadcast destination marker.
const AllPeers = wire.AllPeers

var (
	// ErrTimeout is returned by SendWithAnswer when no reply arrived within
	// the caller's window. Callers decide fatality: configuration start
	// treats it as fatal, steady-state polls ignore it.
	ErrTimeout = errors.New("reply timeout")
	// ErrNoPeer is returned when a destination resolves to no connected peer.
	ErrNoPeer = errors.New("no such destination")
)

// Inbound handles a received message and returns reply arguments when the
// message carries a correlation ID. The bool result reports whether the
// attribute was recognized.
type Inbound func(m *wire.Message) (model.Values, bool)

// Resolver maps a non-peer destination (typically an object name) to the
// set of peers that should receive it. A nil resolver drops such messages.
type Resolver func(dest string) []string

// Channel is one endpoint of the control plane. The world listens and keeps
// one peer per scene; each scene dials and keeps a single "world" peer.
type Channel struct {
	name string
	log  *logging.Logger

	mu           sync.Mutex
	peers        map[string]*peer
	pending      map[string]chan model.Values
	inbound      Inbound
	resolver     Resolver
	onDisconnect func(name string)

	ln     listener
	wg     sync.WaitGroup
	closed bool
}

func New(name string, log *logging.Logger) *Channel {
	return &Channel{
		name:    name,
		log:     log,
		peers:   make(map[string]*peer),
		pending: make(map[string]chan model.Values),
	}
}

func (c *Channel) Name() string { return c.name }

// SetInbound installs the handler for received messages. Must be set before
// Listen or Dial.
func (c *Channel) SetInbound(fn Inbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound = fn
}

// SetResolver installs the destination resolver used for non-peer
// destinations.
func (c *Channel) SetResolver(fn Resolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolver = fn
}

// SetOnDisconnect installs a callback invoked when a peer connection drops.
func (c *Channel) SetOnDisconnect(fn func(name string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Send delivers a fire-and-forget message. The destination is a peer name,
// the broadcast marker, or a name the resolver can map to peers.
func (c *Channel) Send(dest, attr string, args model.Values) error {
	targets := c.resolveTargets(dest)
	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrNoPeer, dest)
	}
	m := &wire.Message{Dest: dest, From: c.name, Attr: attr, Args: args}
	var firstErr error
	for _, p := range targets {
		if err := p.send(m); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("send to %s: %w", p.name, err)
		}
	}
	return firstErr
}

// SendWithAnswer delivers a request to a single destination and blocks until
// a correlated reply arrives or the timeout elapses. On timeout the returned
// values are empty and the error is ErrTimeout; the caller must treat that
// as "worker unreachable".
func (c *Channel) SendWithAnswer(dest, attr string, args model.Values, timeout time.Duration) (model.Values, error) {
	targets := c.resolveTargets(dest)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPeer, dest)
	}
	p := targets[0]

	id := uuid.NewString()
	replyCh := make(chan model.Values, 1)
	c.mu.Lock()
	c.pending[id] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	m := &wire.Message{Dest: dest, From: c.name, Attr: attr, Args: args, ID: id}
	if err := p.send(m); err != nil {
		return nil, fmt.Errorf("send to %s: %w", p.name, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s %q: %w", dest, attr, ErrTimeout)
	}
}

// HasPeer reports whether a peer with the given name is connected.
func (c *Channel) HasPeer(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.peers[name]
	return ok
}

// Peers returns the names of all connected peers.
func (c *Channel) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.peers))
	for name := range c.peers {
		names = append(names, name)
	}
	return names
}

// Disconnect drops the named peer. Safe to call while sends to other peers
// are in flight.
func (c *Channel) Disconnect(name string) {
	c.mu.Lock()
	p, ok := c.peers[name]
	if ok {
		delete(c.peers, name)
	}
	c.mu.Unlock()
	if ok {
		p.close()
	}
}

// Close tears the channel down: the listener, every peer, and all read
// loops.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ln := c.ln
	peers := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.peers = make(map[string]*peer)
	c.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, p := range peers {
		p.close()
	}
	c.wg.Wait()
}

func (c *Channel) resolveTargets(dest string) []*peer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dest == AllPeers {
		out := make([]*peer, 0, len(c.peers))
		for _, p := range c.peers {
			out = append(out, p)
		}
		return out
	}
	if p, ok := c.peers[dest]; ok {
		return []*peer{p}
	}
	if c.resolver == nil {
		return nil
	}
	var out []*peer
	for _, name := range c.resolver(dest) {
		if p, ok := c.peers[name]; ok {
			out = append(out, p)
		}
	}
	return out
}

// dispatch routes one received message: replies complete a pending request,
// everything else goes through the inbound handler. When the message carries
// a correlation ID the handler's result is sent back to the originator.
func (c *Channel) dispatch(m *wire.Message) {
	if m.ReplyTo != "" {
		c.mu.Lock()
		ch, ok := c.pending[m.ReplyTo]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- m.Args:
			default:
			}
		}
		return
	}

	c.mu.Lock()
	inbound := c.inbound
	c.mu.Unlock()
	if inbound == nil {
		return
	}
	reply, handled := inbound(m)
	if !handled {
		c.log.Debugf("channel %s: unhandled attribute %q from %s", c.name, m.Attr, m.From)
	}
	if m.ID == "" {
		return
	}

	c.mu.Lock()
	p, ok := c.peers[m.From]
	c.mu.Unlock()
	if !ok {
		c.log.Warnf("channel %s: cannot reply to unknown peer %s", c.name, m.From)
		return
	}
	answer := &wire.Message{Dest: m.From, From: c.name, ReplyTo: m.ID, Args: reply}
	if err := p.send(answer); err != nil {
		c.log.Warnf("channel %s: reply to %s: %v", c.name, m.From, err)
	}
}

func (c *Channel) addPeer(p *peer) {
	c.mu.Lock()
	old := c.peers[p.name]
	c.peers[p.name] = p
	c.mu.Unlock()
	if old != nil {
		old.close()
	}
}

func (c *Channel) removePeer(name string) {
	c.mu.Lock()
	p, ok := c.peers[name]
	if ok {
		delete(c.peers, name)
	}
	fn := c.onDisconnect
	c.mu.Unlock()
	if !ok {
		return
	}
	p.close()
	if fn != nil {
		fn(name)
	}
}
