package world

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/soralab/mosaic/internal/channel"
	"github.com/soralab/mosaic/internal/link"
	"github.com/soralab/mosaic/internal/logging"
	"github.com/soralab/mosaic/internal/model"
	"github.com/soralab/mosaic/internal/scene"
	"github.com/soralab/mosaic/internal/supervisor"
	"github.com/soralab/mosaic/internal/task"
	"github.com/soralab/mosaic/internal/telemetry"
	"github.com/soralab/mosaic/internal/wire"
)

const (
	// bufferSendWait bounds the per-frame wait for prior payload sends,
	// keeping a stalled scene from freezing the world.
	bufferSendWait = time.Second
	// syncTimeout bounds the sync barrier round trip per scene.
	syncTimeout = 2 * time.Second
	// startTimeout bounds the start round trip per scene; an empty answer
	// is fatal to the configuration pass.
	startTimeout = 2 * time.Second
)

// Options configures a World.
type Options struct {
	Doc          *model.Document
	SocketPrefix string
	Display      string
	Framerate    int
	Debug        bool
	Timer        bool
	// PoolSize bounds the payload serialization fan-out; defaults to the
	// number of CPUs.
	PoolSize int
	// Renderer is handed to the collocated scene, if one is created.
	Renderer scene.Renderer
	// LaunchTimeout overrides the worker readiness timeout (tests).
	LaunchTimeout time.Duration
	// WatchConfig reloads the configuration when its file changes on disk.
	WatchConfig bool

	Log *logging.Logger
	Bus *telemetry.Bus
}

// World is the master orchestrating unit.
type World struct {
	log   *logging.Logger
	bus   *telemetry.Bus
	timer *telemetry.Timer

	ch    *channel.Channel
	link  *link.Link
	sup   *supervisor.Supervisor
	tasks *task.Scheduler

	prefix  string
	display string
	debug   bool

	// configMu excludes reconfiguration while a loop iteration executes.
	configMu sync.Mutex
	doc      *model.Document

	// objMu guards the object table; structural mutations only happen in
	// queued tasks, at the single drain point of the loop.
	objMu       sync.Mutex
	objects     map[string]Object
	objectDests map[string][]string

	attrs map[string]attrFunc

	framerate atomic.Int32
	poolSize  int
	quit      atomic.Bool

	renderer scene.Renderer
	sceneCtx context.Context
	sceneEnd context.CancelFunc

	watchCfg      bool
	watcher       *fsnotify.Watcher
	reloadPending atomic.Bool
	runCtx        context.Context
}

// New creates a World around a parsed configuration document. Call Listen
// before ApplyConfig or Run.
func New(opts Options) *World {
	if opts.PoolSize <= 0 {
		opts.PoolSize = runtime.NumCPU()
	}
	if opts.Bus == nil {
		opts.Bus = telemetry.NewBus(0)
	}
	if opts.Renderer == nil {
		opts.Renderer = scene.NopRenderer{}
	}
	if opts.Log == nil {
		opts.Log = logging.New(io.Discard, logging.LevelInfo)
	}

	sceneCtx, sceneEnd := context.WithCancel(context.Background())
	w := &World{
		log:         opts.Log,
		bus:         opts.Bus,
		timer:       telemetry.NewTimer(),
		tasks:       task.NewScheduler(),
		prefix:      opts.SocketPrefix,
		display:     opts.Display,
		debug:       opts.Debug,
		doc:         opts.Doc,
		objects:     make(map[string]Object),
		objectDests: make(map[string][]string),
		poolSize:    opts.PoolSize,
		watchCfg:    opts.WatchConfig,
		renderer:    opts.Renderer,
		sceneCtx:    sceneCtx,
		sceneEnd:    sceneEnd,
	}
	fr := opts.Framerate
	if fr < 1 {
		fr = 60
	}
	w.framerate.Store(int32(fr))
	w.timer.SetEnabled(opts.Timer)

	w.ch = channel.New("world", opts.Log)
	w.link = link.New(opts.Log)
	w.sup = supervisor.New(supervisor.Options{
		ExecPath:        executablePath(),
		SocketPrefix:    opts.SocketPrefix,
		Display:         opts.Display,
		Debug:           opts.Debug,
		Timer:           opts.Timer,
		LaunchTimeout:   opts.LaunchTimeout,
		StartCollocated: w.startCollocated,
		Log:             opts.Log,
	})

	w.registerAttributes()
	w.ch.SetInbound(w.handleMessage)
	w.ch.SetResolver(w.resolveDestinations)
	w.ch.SetOnDisconnect(func(name string) {
		w.log.Warnf("world: scene %s disconnected", name)
		w.bus.Publish(telemetry.EventSceneLost, map[string]any{"scene": name})
	})

	return w
}

// Listen opens the world's control and buffer sockets.
func (w *World) Listen() error {
	if err := w.ch.Listen(wire.MessageSocketPath(w.prefix)); err != nil {
		return fmt.Errorf("message channel: %w", err)
	}
	if err := w.link.Listen(wire.BufferSocketPath(w.prefix)); err != nil {
		return fmt.Errorf("buffer transport: %w", err)
	}
	return nil
}

// RequestQuit sets the shutdown flag. The loop observes it once per
// iteration and performs an orderly broadcast-then-exit.
func (w *World) RequestQuit() {
	w.quit.Store(true)
}

// Framerate returns the current minimum loop framerate.
func (w *World) Framerate() int {
	return int(w.framerate.Load())
}

// Run applies the configuration and enters the steady-state loop, pacing
// itself to the configured frame interval. It returns after an orderly
// shutdown.
func (w *World) Run(ctx context.Context) error {
	w.runCtx = ctx
	if err := w.ApplyConfig(ctx); err != nil {
		w.log.Errorf("world: configuration apply failed: %v", err)
	}
	if err := w.watchConfig(); err != nil {
		w.log.Warnf("world: config watch disabled: %v", err)
	}

	for {
		start := time.Now()
		w.iterate()

		if w.quit.Load() || ctx.Err() != nil {
			w.shutdown()
			return nil
		}

		interval := time.Second / time.Duration(w.Framerate())
		if elapsed := time.Since(start); elapsed < interval {
			select {
			case <-time.After(interval - elapsed):
			case <-ctx.Done():
			}
		}
	}
}

// iterate runs one loop body: drain tasks, serialize dirty buffers over
// the bounded pool, wait out prior sends, dispatch new payloads, propagate
// changed attributes, relay telemetry.
func (w *World) iterate() {
	w.configMu.Lock()
	defer w.configMu.Unlock()

	w.timer.Start("loop")
	w.tasks.Run()

	w.timer.Start("serialize")
	payloads := w.serializeObjects()
	w.timer.Stop("serialize")

	// Backpressure: a payload for an object must not be dispatched while a
	// previous one for the same object may still be in flight.
	w.link.WaitForPending(bufferSendWait)

	w.timer.Start("upload")
	for _, p := range payloads {
		w.link.SendBuffer(p.Name, p.Data)
	}
	w.timer.Stop("upload")

	w.propagateAttributes()

	w.relayTelemetry()
	w.timer.Stop("loop")
	w.bus.Publish(telemetry.EventFrameDone, map[string]any{
		"durations": w.timer.Durations(),
	})
}

func (w *World) serializeObjects() []link.Payload {
	objs := w.snapshotObjects()

	var mu sync.Mutex
	var payloads []link.Payload
	g := new(errgroup.Group)
	g.SetLimit(w.poolSize)
	for _, obj := range objs {
		obj := obj
		g.Go(func() error {
			obj.Update()
			b, ok := obj.(Bufferable)
			if !ok || !b.Dirty() {
				return nil
			}
			data, err := b.Serialize()
			if err != nil {
				// Keep the dirty flag so the payload is retried next frame.
				w.log.Warnf("world: serialize %s: %v", obj.Name(), err)
				return nil
			}
			b.ClearDirty()
			if data == nil {
				return nil
			}
			mu.Lock()
			payloads = append(payloads, link.Payload{Name: obj.Name(), Data: data})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return payloads
}

// propagateAttributes forwards the attribute changes staged on the
// world-side shadows to the scenes holding them.
func (w *World) propagateAttributes() {
	for _, obj := range w.snapshotObjects() {
		for attr, args := range obj.TakeDistantAttributes() {
			if err := w.ch.Send(obj.Name(), attr, args); err != nil {
				w.log.Debugf("world: propagate %s.%s: %v", obj.Name(), attr, err)
			}
		}
	}
}

func (w *World) snapshotObjects() []Object {
	w.objMu.Lock()
	defer w.objMu.Unlock()
	objs := make([]Object, 0, len(w.objects))
	for _, o := range w.objects {
		objs = append(objs, o)
	}
	return objs
}

// relayTelemetry forwards timing samples and fresh log lines to the master
// scene, unless it lives inside this process and sees them anyway.
func (w *World) relayTelemetry() {
	master := w.sup.Master()
	if master == "" || w.sup.IsCollocated(master) {
		return
	}
	for section, d := range w.timer.Durations() {
		_ = w.ch.Send(master, "duration", model.Values{section, int(d.Microseconds())})
	}
	for _, line := range w.log.NewLines() {
		_ = w.ch.Send(master, "log", model.Values{line.Text, int(line.Level)})
	}
}

// startCollocated runs a scene inside this process, wired to the world
// over an in-memory pipe instead of sockets.
func (w *World) startCollocated(name string) (func(), error) {
	sc := scene.New(scene.Options{
		Name:      name,
		Renderer:  w.renderer,
		Framerate: w.Framerate(),
		Log:       w.log,
	})
	sceneCh := channel.New(name, w.log)
	sc.AttachChannel(sceneCh)
	channel.Pipe(w.ch, sceneCh)
	w.link.ConnectLocal(name, sc.DeliverBuffer)

	join := sc.Start(w.sceneCtx)
	if err := sc.SendLaunched(); err != nil {
		sc.RequestQuit()
		join()
		sceneCh.Close()
		return nil, err
	}
	return func() {
		join()
		sceneCh.Close()
	}, nil
}

// teardownWorkers quits, disconnects, and reaps every worker. Caller holds
// the configuration lock.
func (w *World) teardownWorkers() {
	for _, name := range w.sup.Names() {
		if err := w.ch.Send(name, "quit", nil); err != nil {
			w.log.Debugf("world: quit %s: %v", name, err)
		}
		w.link.Disconnect(name)
		w.sup.Reap(name)
		w.ch.Disconnect(name)
	}
	w.sup.ReapAll()
}

func (w *World) shutdown() {
	w.configMu.Lock()
	defer w.configMu.Unlock()

	w.log.Infof("world: shutting down")
	_ = w.ch.Send(channel.AllPeers, "quit", nil)
	w.teardownWorkers()
	w.sceneEnd()
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.link.Close()
	w.ch.Close()
}

// watchConfig arms a reload task whenever the configuration file changes
// on disk. Saves done via atomic rename show up as create events in the
// parent directory, so the directory is watched rather than the file.
func (w *World) watchConfig() error {
	if !w.watchCfg || w.doc == nil || w.doc.Path() == "" {
		return nil
	}
	path := w.doc.Path()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	w.watcher = watcher

	go func() {
		base := filepath.Base(path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if w.reloadPending.CompareAndSwap(false, true) {
					w.log.Infof("world: configuration file changed, reloading")
					w.tasks.Add(func() {
						w.reloadPending.Store(false)
						w.reloadFromDisk(path)
					})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.log.Errorf("world: watcher: %v", err)
			}
		}
	}()
	return nil
}

// reloadFromDisk parses the file and swaps the document wholesale; the old
// document is only discarded once the new one parsed. Runs as a task, so
// the configuration lock is already held by the loop.
func (w *World) reloadFromDisk(path string) {
	doc, err := model.Load(path)
	if err != nil {
		w.log.Errorf("world: reload: %v", err)
		return
	}
	w.doc = doc
	ctx := w.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := w.applyLocked(ctx); err != nil {
		w.log.Errorf("world: reapply failed: %v", err)
	}
}

func executablePath() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return exe
}
