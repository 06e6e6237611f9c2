// Package wire implements the framed unix-socket protocol spoken between
// the world and its scenes. Control messages and buffer payloads travel on
// separate sockets; both use 4-byte big-endian length prefixes, with
// msgpack-encoded bodies for control frames and buffer headers.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/soralab/mosaic/internal/model"
)

// AllPeers is the broadcast destination marker.
const AllPeers = "__all__"

// AttrHandshake is the first message sent on any freshly dialed connection;
// Args[0] names the dialing peer.
const AttrHandshake = "handshake"

const (
	maxMessageSize = 10 << 20  // control frames
	maxBufferSize  = 512 << 20 // serialized payloads
)

// Message is an addressed attribute-set command. Dest is a worker name, an
// object name (resolved by the sender) or AllPeers. ID is set on
// request/response messages; replies carry it back in ReplyTo.
type Message struct {
	Dest    string       `msgpack:"dest"`
	From    string       `msgpack:"from,omitempty"`
	Attr    string       `msgpack:"attr"`
	Args    model.Values `msgpack:"args,omitempty"`
	ID      string       `msgpack:"id,omitempty"`
	ReplyTo string       `msgpack:"reply_to,omitempty"`
}

// WriteMessage writes a length-prefixed control frame.
func WriteMessage(w io.Writer, m *Message) error {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(body))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadMessage reads one control frame.
func ReadMessage(r io.Reader) (*Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > maxMessageSize {
		return nil, fmt.Errorf("message frame too large: %d bytes", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	var m Message
	if err := msgpack.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &m, nil
}

type bufferHeader struct {
	Name string `msgpack:"name"`
	Size uint32 `msgpack:"size"`
}

// WriteBuffer writes a payload frame: a length-prefixed msgpack header
// naming the destination object, followed by the raw payload bytes. The
// payload is not re-encoded so large buffers are written without copying.
func WriteBuffer(w io.Writer, name string, data []byte) error {
	if len(data) > maxBufferSize {
		return fmt.Errorf("payload for %s too large: %d bytes", name, len(data))
	}
	header, err := msgpack.Marshal(bufferHeader{Name: name, Size: uint32(len(data))})
	if err != nil {
		return fmt.Errorf("marshal buffer header: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(header))); err != nil {
		return fmt.Errorf("write header length: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadBuffer reads one payload frame.
func ReadBuffer(r io.Reader) (string, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", nil, err
	}
	if length > maxMessageSize {
		return "", nil, fmt.Errorf("buffer header too large: %d bytes", length)
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", nil, fmt.Errorf("read buffer header: %w", err)
	}
	var header bufferHeader
	if err := msgpack.Unmarshal(raw, &header); err != nil {
		return "", nil, fmt.Errorf("unmarshal buffer header: %w", err)
	}
	if header.Size > maxBufferSize {
		return "", nil, fmt.Errorf("payload for %s too large: %d bytes", header.Name, header.Size)
	}
	data := make([]byte, header.Size)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", nil, fmt.Errorf("read payload: %w", err)
	}
	return header.Name, data, nil
}
