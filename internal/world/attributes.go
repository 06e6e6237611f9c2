package world

import (
	"context"
	"fmt"
	"time"

	"github.com/soralab/mosaic/internal/channel"
	"github.com/soralab/mosaic/internal/model"
	"github.com/soralab/mosaic/internal/telemetry"
	"github.com/soralab/mosaic/internal/wire"
)

// attrFunc handles one world-level attribute. The returned values answer a
// correlated request; handled reports whether the attribute is known.
type attrFunc func(from string, args model.Values) (reply model.Values, handled bool)

// registerAttributes installs the world's control vocabulary. Structural
// object-table mutations are queued as tasks and executed at the loop's
// single drain point, never inline in a message handler.
func (w *World) registerAttributes() {
	w.attrs = map[string]attrFunc{
		"sceneLaunched": func(from string, args model.Values) (model.Values, bool) {
			name := args.String(0)
			w.sup.NotifyLaunched(name)
			w.bus.Publish(telemetry.EventSceneLaunched, map[string]any{"scene": name})
			return nil, true
		},

		"pong": func(from string, args model.Values) (model.Values, bool) {
			w.timer.Stop("ping " + args.String(0))
			return nil, true
		},

		"quit": func(from string, args model.Values) (model.Values, bool) {
			w.RequestQuit()
			return nil, true
		},

		"framerate": func(from string, args model.Values) (model.Values, bool) {
			// Handlers run on connection read loops; the document is only
			// written under the configuration lock, so apply at the drain
			// point like every other mutation.
			fr := args.Int(0)
			w.tasks.Add(func() { w.setFramerate(fr) })
			return nil, true
		},

		"addObject": func(from string, args model.Values) (model.Values, bool) {
			typeTag, name := args.String(0), args.String(1)
			scenes := destScenes(args, 2)
			w.tasks.Add(func() { w.addObjectTask(typeTag, name, scenes) })
			return nil, true
		},

		"deleteObject": func(from string, args model.Values) (model.Values, bool) {
			name := args.String(0)
			w.tasks.Add(func() { w.deleteObjectTask(name) })
			return nil, true
		},

		"renameObject": func(from string, args model.Values) (model.Values, bool) {
			oldName, newName := args.String(0), args.String(1)
			w.tasks.Add(func() { w.renameObjectTask(oldName, newName) })
			return nil, true
		},

		"replaceObject": func(from string, args model.Values) (model.Values, bool) {
			name, typeTag := args.String(0), args.String(1)
			var sinks []string
			for i := 2; i < len(args); i++ {
				sinks = append(sinks, args.String(i))
			}
			w.tasks.Add(func() { w.replaceObjectTask(name, typeTag, sinks) })
			return nil, true
		},

		"link": func(from string, args model.Values) (model.Values, bool) {
			src, sink := args.String(0), args.String(1)
			w.tasks.Add(func() { w.linkTask(src, sink, true) })
			return nil, true
		},

		"unlink": func(from string, args model.Values) (model.Values, bool) {
			src, sink := args.String(0), args.String(1)
			w.tasks.Add(func() { w.linkTask(src, sink, false) })
			return nil, true
		},

		"sendAll": func(from string, args model.Values) (model.Values, bool) {
			// args: object name, attribute, values...
			if len(args) < 2 {
				return nil, true
			}
			w.setObjectAttribute(args.String(0), args.String(1), args[2:])
			return nil, true
		},

		"sendAllScenes": func(from string, args model.Values) (model.Values, bool) {
			// args: attribute, values...
			if len(args) < 1 {
				return nil, true
			}
			if err := w.ch.Send(channel.AllPeers, args.String(0), args[1:]); err != nil {
				w.log.Debugf("world: sendAllScenes %s: %v", args.String(0), err)
			}
			return nil, true
		},

		"sendToMasterScene": func(from string, args model.Values) (model.Values, bool) {
			if len(args) < 1 {
				return nil, true
			}
			master := w.sup.Master()
			if master == "" {
				return nil, true
			}
			if err := w.ch.Send(master, args.String(0), args[1:]); err != nil {
				w.log.Debugf("world: sendToMasterScene %s: %v", args.String(0), err)
			}
			return nil, true
		},

		"getAttribute": func(from string, args model.Values) (model.Values, bool) {
			// Never poll the asking scene back: its read loop is blocked on
			// this very request.
			reply, err := w.getAttributeExcluding(args.String(0), args.String(1), from)
			if err != nil {
				return nil, true
			}
			return reply, true
		},

		"save": func(from string, args model.Values) (model.Values, bool) {
			path := args.String(0)
			w.tasks.Add(func() { w.saveTask(path) })
			return nil, true
		},

		"loadConfig": func(from string, args model.Values) (model.Values, bool) {
			path := args.String(0)
			w.tasks.Add(func() { w.reloadFromDisk(path) })
			return nil, true
		},

		"pingTest": func(from string, args model.Values) (model.Values, bool) {
			on := args.Bool(0)
			w.tasks.Add(func() { w.setPingTest(on) })
			return nil, true
		},

		"log": func(from string, args model.Values) (model.Values, bool) {
			w.log.Infof("scene %s: %s", from, args.String(0))
			return nil, true
		},

		wire.AttrHandshake: func(from string, args model.Values) (model.Values, bool) {
			return nil, true
		},
	}
}

// handleMessage is the channel inbound handler. Messages addressed to the
// world go through the attribute registry; any other destination names an
// object, and the attribute is mirrored and forwarded to its scenes.
func (w *World) handleMessage(m *wire.Message) (model.Values, bool) {
	if m.Dest != "world" && m.Dest != wire.AllPeers {
		w.objMu.Lock()
		_, known := w.objectDests[m.Dest]
		w.objMu.Unlock()
		if !known {
			return nil, false
		}
		w.setObjectAttribute(m.Dest, m.Attr, m.Args)
		return nil, true
	}

	fn, ok := w.attrs[m.Attr]
	if !ok {
		return nil, false
	}
	return fn(m.From, m.Args)
}

// SetFramerate bounds and applies the loop framerate, propagates it to
// every scene, and records it on the document so it survives a save.
func (w *World) SetFramerate(fr int) {
	w.configMu.Lock()
	defer w.configMu.Unlock()
	w.setFramerate(fr)
}

// setFramerate writes the document; the caller holds the configuration
// lock.
func (w *World) setFramerate(fr int) {
	if fr < 1 {
		fr = 1
	}
	w.framerate.Store(int32(fr))
	if err := w.ch.Send(channel.AllPeers, "framerate", model.Values{fr}); err != nil {
		w.log.Debugf("world: framerate broadcast: %v", err)
	}
	if w.doc != nil {
		w.doc.SetWorldAttribute("framerate", model.Values{fr})
	}
}

// SetPingTest toggles a recurring round-trip measurement against every
// scene. The pong handler closes each sample.
func (w *World) SetPingTest(enabled bool) {
	w.configMu.Lock()
	defer w.configMu.Unlock()
	w.setPingTest(enabled)
}

func (w *World) setPingTest(enabled bool) {
	if !enabled {
		w.tasks.RemoveRecurring("pingTest")
		return
	}
	frame := 0
	w.tasks.AddRecurring("pingTest", func() {
		if frame%60 == 0 {
			for _, name := range w.sup.Names() {
				w.timer.Start("ping " + name)
				if err := w.ch.Send(name, "ping", nil); err != nil {
					w.timer.Stop("ping " + name)
				}
			}
		}
		frame++
	})
}

// applyWorldAttribute applies one world-level setting from a document.
func (w *World) applyWorldAttribute(attr string, args model.Values) {
	switch attr {
	case "framerate":
		w.setFramerate(args.Int(0))
	case "pingTest":
		w.setPingTest(args.Bool(0))
	default:
		w.log.Debugf("world: unknown world attribute %q", attr)
	}
}

func destScenes(args model.Values, from int) []string {
	var out []string
	for i := from; i < len(args); i++ {
		if s := args.String(i); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// addObjectTask creates an object in the given scenes (every scene when
// none are named) and its world-side shadow. Runs at the task drain point.
func (w *World) addObjectTask(typeTag, name string, scenes []string) {
	if typeTag == "" || name == "" {
		return
	}
	if len(scenes) == 0 {
		scenes = w.sup.Names()
	}
	for _, sceneName := range scenes {
		w.registerObject(typeTag, name, sceneName)
	}
}

func (w *World) deleteObjectTask(name string) {
	w.objMu.Lock()
	dests := w.objectDests[name]
	delete(w.objects, name)
	delete(w.objectDests, name)
	w.objMu.Unlock()

	for _, sceneName := range dests {
		if err := w.ch.Send(sceneName, "deleteObject", model.Values{name}); err != nil {
			w.log.Debugf("world: delete %s in %s: %v", name, sceneName, err)
		}
	}
}

// renameObjectTask moves the record under the new name in one step; the old
// name stops resolving before the scenes are told, so nothing addressed to
// it can race the rename.
func (w *World) renameObjectTask(oldName, newName string) {
	if oldName == "" || newName == "" || oldName == newName {
		return
	}
	w.objMu.Lock()
	dests, known := w.objectDests[oldName]
	if !known {
		w.objMu.Unlock()
		return
	}
	if _, taken := w.objectDests[newName]; taken {
		w.objMu.Unlock()
		w.log.Warnf("world: rename %s: name %s already in use", oldName, newName)
		return
	}
	delete(w.objectDests, oldName)
	w.objectDests[newName] = dests
	if obj, ok := w.objects[oldName]; ok {
		obj.SetName(newName)
		delete(w.objects, oldName)
		w.objects[newName] = obj
	}
	w.objMu.Unlock()

	for _, sceneName := range dests {
		if err := w.ch.Send(sceneName, "renameObject", model.Values{oldName, newName}); err != nil {
			w.log.Debugf("world: rename %s in %s: %v", oldName, sceneName, err)
		}
	}
}

// replaceObjectTask swaps an object for one of another type under the same
// name, relinking it to the given sinks.
func (w *World) replaceObjectTask(name, typeTag string, sinks []string) {
	w.objMu.Lock()
	dests := append([]string(nil), w.objectDests[name]...)
	w.objMu.Unlock()
	if len(dests) == 0 {
		return
	}

	w.deleteObjectTask(name)
	for _, sceneName := range dests {
		w.registerObject(typeTag, name, sceneName)
	}
	for _, sink := range sinks {
		w.linkTask(name, sink, true)
	}
}

// linkTask connects or disconnects a pair in every scene holding both ends.
func (w *World) linkTask(src, sink string, add bool) {
	w.objMu.Lock()
	srcDests := w.objectDests[src]
	sinkDests := w.objectDests[sink]
	w.objMu.Unlock()

	attr := "link"
	if !add {
		attr = "unlink"
	}
	for _, s := range srcDests {
		for _, d := range sinkDests {
			if s != d {
				continue
			}
			if err := w.ch.Send(s, attr, model.Values{src, sink}); err != nil {
				w.log.Debugf("world: %s %s->%s in %s: %v", attr, src, sink, s, err)
			}
		}
	}
}

func (w *World) saveTask(path string) {
	if w.doc == nil {
		return
	}
	if path == "" {
		path = w.doc.Path()
	}
	if path == "" {
		w.log.Warnf("world: save: no target path")
		return
	}
	if err := w.doc.Save(path); err != nil {
		w.log.Errorf("world: save %s: %v", path, err)
		return
	}
	w.log.Infof("world: configuration saved to %s", path)
}

// AddWorker spawns a scene outside a configuration pass. spawnCount 0
// registers an external worker.
func (w *World) AddWorker(ctx context.Context, name, display string, spawnCount int) error {
	w.configMu.Lock()
	defer w.configMu.Unlock()
	return w.sup.Spawn(ctx, name, display, spawnCount)
}

// RemoveWorker quits and reaps one scene, dropping its objects from the
// destination table.
func (w *World) RemoveWorker(name string) {
	w.configMu.Lock()
	defer w.configMu.Unlock()

	if err := w.ch.Send(name, "quit", nil); err != nil {
		w.log.Debugf("world: quit %s: %v", name, err)
	}
	w.link.Disconnect(name)
	w.sup.Reap(name)
	w.ch.Disconnect(name)

	w.objMu.Lock()
	for obj, dests := range w.objectDests {
		kept := dests[:0]
		for _, d := range dests {
			if d != name {
				kept = append(kept, d)
			}
		}
		if len(kept) == 0 {
			delete(w.objectDests, obj)
			delete(w.objects, obj)
		} else {
			w.objectDests[obj] = kept
		}
	}
	w.objMu.Unlock()
}

// AddObject queues the creation of an object in the named scenes.
func (w *World) AddObject(typeTag, name string, scenes ...string) {
	w.tasks.Add(func() { w.addObjectTask(typeTag, name, scenes) })
}

// DeleteObject queues the removal of an object everywhere it exists.
func (w *World) DeleteObject(name string) {
	w.tasks.Add(func() { w.deleteObjectTask(name) })
}

// RenameObject queues an atomic rename.
func (w *World) RenameObject(oldName, newName string) {
	w.tasks.Add(func() { w.renameObjectTask(oldName, newName) })
}

// Link queues connecting src to sink in every scene holding both.
func (w *World) Link(src, sink string) {
	w.tasks.Add(func() { w.linkTask(src, sink, true) })
}

// Unlink queues the reverse.
func (w *World) Unlink(src, sink string) {
	w.tasks.Add(func() { w.linkTask(src, sink, false) })
}

// SetObjectAttribute mirrors and forwards an attribute immediately.
func (w *World) SetObjectAttribute(name, attr string, args model.Values) {
	w.setObjectAttribute(name, attr, args)
}

// GetObjectAttribute reads an attribute from the local shadow when one
// exists, otherwise polls the first scene holding the object.
func (w *World) GetObjectAttribute(name, attr string) (model.Values, error) {
	return w.getAttributeExcluding(name, attr, "")
}

func (w *World) getAttributeExcluding(name, attr, exclude string) (model.Values, error) {
	w.objMu.Lock()
	obj, hasShadow := w.objects[name]
	dests := append([]string(nil), w.objectDests[name]...)
	w.objMu.Unlock()

	if hasShadow {
		if args, ok := obj.Attribute(attr); ok {
			return args, nil
		}
	}
	for _, d := range dests {
		if d == exclude {
			continue
		}
		return w.ch.SendWithAnswer(d, "getAttribute", model.Values{name, attr}, 2*time.Second)
	}
	return nil, fmt.Errorf("no readable source for %s.%s", name, attr)
}

// RequestSync runs the sync barrier against every scene, confirming all
// previously sent messages have been processed.
func (w *World) RequestSync() error {
	for _, name := range w.sup.Names() {
		if _, err := w.ch.SendWithAnswer(name, "sync", nil, syncTimeout); err != nil {
			return fmt.Errorf("sync %s: %w", name, err)
		}
	}
	return nil
}
