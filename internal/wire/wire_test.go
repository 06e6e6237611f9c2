package wire

import (
	"bytes"
	"testing"

	"github.com/soralab/mosaic/internal/model"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	in := &Message{
		Dest: "scene1",
		From: "world",
		Attr: "framerate",
		Args: model.Values{30},
		ID:   "req-1",
	}
	if err := WriteMessage(&buf, in); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Dest != "scene1" || out.From != "world" || out.Attr != "framerate" {
		t.Errorf("header mismatch: %+v", out)
	}
	if out.ID != "req-1" || out.ReplyTo != "" {
		t.Errorf("correlation mismatch: %+v", out)
	}
	if out.Args.Int(0) != 30 {
		t.Errorf("expected args[0]=30, got %v", out.Args)
	}
}

func TestMessageFIFOOnStream(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 5; i++ {
		m := &Message{Dest: "scene1", Attr: "seq", Args: model.Values{i}}
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		m, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if m.Args.Int(0) != i {
			t.Errorf("frame %d: got seq %d", i, m.Args.Int(0))
		}
	}
}

func TestBufferRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	if err := WriteBuffer(&buf, "image1", payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	name, data, err := ReadBuffer(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if name != "image1" {
		t.Errorf("expected name image1, got %s", name)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("payload mismatch: %d bytes", len(data))
	}
}

func TestBufferEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBuffer(&buf, "image1", nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	name, data, err := ReadBuffer(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if name != "image1" || len(data) != 0 {
		t.Errorf("expected empty payload for image1, got %s/%d", name, len(data))
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	// 4-byte length prefix claiming a frame beyond the cap.
	frame := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := ReadMessage(bytes.NewReader(frame)); err == nil {
		t.Fatal("expected error on oversized frame")
	}
}
