// Package scene implements the worker-side runtime: it connects back to
// the world over the shared socket prefix, materializes the objects and
// links the world describes, consumes buffer payloads, and drives the
// external renderer once started. The rendering pipeline itself stays
// behind the Renderer interface.
package scene

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soralab/mosaic/internal/channel"
	"github.com/soralab/mosaic/internal/logging"
	"github.com/soralab/mosaic/internal/model"
)

// Renderer is the rendering subsystem consumed by a scene. The scene never
// inspects rendering internals.
type Renderer interface {
	RenderFrame() error
	ResizeOutputs(width, height int) error
}

// NopRenderer renders nothing. It stands in when no rendering subsystem is
// attached, which keeps the orchestration pipeline testable headless.
type NopRenderer struct{}

func (NopRenderer) RenderFrame() error           { return nil }
func (NopRenderer) ResizeOutputs(w, h int) error { return nil }

// Object is a scene-side record of an object declared by the world.
type Object struct {
	Name       string
	Type       string
	Attributes map[string]model.Values
	Data       []byte
}

// Options configures a scene runtime.
type Options struct {
	Name      string
	Renderer  Renderer
	Framerate int
	Log       *logging.Logger
}

type Scene struct {
	name     string
	log      *logging.Logger
	renderer Renderer

	ch *channel.Channel

	mu         sync.Mutex
	objects    map[string]*Object
	links      [][2]string
	durations  map[string]int
	master     bool
	configPath string
	framerate  int

	started  atomic.Bool
	quit     atomic.Bool
	quitCh   chan struct{}
	quitOnce sync.Once
}

func New(opts Options) *Scene {
	if opts.Renderer == nil {
		opts.Renderer = NopRenderer{}
	}
	if opts.Framerate <= 0 {
		opts.Framerate = 60
	}
	return &Scene{
		name:      opts.Name,
		log:       opts.Log,
		renderer:  opts.Renderer,
		objects:   make(map[string]*Object),
		durations: make(map[string]int),
		framerate: opts.Framerate,
		quitCh:    make(chan struct{}),
	}
}

func (s *Scene) Name() string { return s.name }

// AttachChannel wires the control channel the scene answers on. Must be
// called before any message arrives.
func (s *Scene) AttachChannel(ch *channel.Channel) {
	s.ch = ch
	ch.SetInbound(s.HandleMessage)
}

// SendLaunched reports readiness to the world. The supervisor blocks its
// spawn call on this acknowledgment.
func (s *Scene) SendLaunched() error {
	return s.ch.Send("world", "sceneLaunched", model.Values{s.name})
}

// Run paces the scene loop at its framerate, rendering frames once the
// world has sent start, until quit is requested.
func (s *Scene) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.quitCh:
			return nil
		default:
		}

		start := time.Now()
		if s.started.Load() {
			if err := s.renderer.RenderFrame(); err != nil {
				s.log.Errorf("scene %s: render: %v", s.name, err)
			}
		}

		s.mu.Lock()
		framerate := s.framerate
		s.mu.Unlock()
		interval := time.Second / time.Duration(framerate)
		if elapsed := time.Since(start); elapsed < interval {
			select {
			case <-time.After(interval - elapsed):
			case <-s.quitCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Start runs the scene loop on its own goroutine and returns a join
// function. Used for the collocated scene.
func (s *Scene) Start(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return func() { <-done }
}

// RequestQuit asks the scene loop to exit.
func (s *Scene) RequestQuit() {
	s.quit.Store(true)
	s.quitOnce.Do(func() { close(s.quitCh) })
}

// DeliverBuffer hands a serialized payload to the scene. Called by the
// buffer transport, either from the socket read loop or directly for the
// collocated scene.
func (s *Scene) DeliverBuffer(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[name]
	if !ok {
		s.log.Debugf("scene %s: payload for unknown object %s dropped", s.name, name)
		return nil
	}
	obj.Data = data
	return nil
}

// Object returns a snapshot of the named object record.
func (s *Scene) Object(name string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[name]
	if !ok {
		return Object{}, false
	}
	out := *obj
	return out, true
}

// Links returns the current link pairs.
func (s *Scene) Links() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]string, len(s.links))
	copy(out, s.links)
	return out
}

// IsMaster reports whether the world designated this scene as master.
func (s *Scene) IsMaster() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

// Started reports whether the world has sent start.
func (s *Scene) Started() bool { return s.started.Load() }
