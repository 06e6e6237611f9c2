package scene

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/soralab/mosaic/internal/channel"
	"github.com/soralab/mosaic/internal/model"
	"github.com/soralab/mosaic/internal/wire"
)

const dialTimeout = 5 * time.Second

// RunChild is the entry point for a scene spawned as a separate process.
// It rendezvouses with the world on both sockets derived from the shared
// prefix, reports readiness, then runs the scene loop until quit.
func RunChild(ctx context.Context, prefix string, opts Options) error {
	s := New(opts)

	ch := channel.New(s.name, opts.Log)
	s.AttachChannel(ch)
	defer ch.Close()
	if err := ch.Dial(wire.MessageSocketPath(prefix), "world"); err != nil {
		return fmt.Errorf("connect message channel: %w", err)
	}

	bufConn, err := net.DialTimeout("unix", wire.BufferSocketPath(prefix), dialTimeout)
	if err != nil {
		return fmt.Errorf("connect buffer transport: %w", err)
	}
	defer bufConn.Close()
	hello := &wire.Message{
		Dest: "world",
		From: s.name,
		Attr: wire.AttrHandshake,
		Args: model.Values{s.name},
	}
	if err := wire.WriteMessage(bufConn, hello); err != nil {
		return fmt.Errorf("buffer handshake: %w", err)
	}
	go s.readBuffers(bufConn)

	if err := s.SendLaunched(); err != nil {
		return fmt.Errorf("send launched ack: %w", err)
	}
	opts.Log.Infof("scene %s: connected to world (prefix %s)", s.name, prefix)

	return s.Run(ctx)
}

func (s *Scene) readBuffers(conn net.Conn) {
	for {
		name, data, err := wire.ReadBuffer(conn)
		if err != nil {
			if !s.quit.Load() {
				s.log.Debugf("scene %s: buffer channel closed: %v", s.name, err)
			}
			return
		}
		_ = s.DeliverBuffer(name, data)
	}
}
