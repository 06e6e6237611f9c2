package world

import (
	"context"
	"errors"
	"fmt"

	"github.com/soralab/mosaic/internal/channel"
	"github.com/soralab/mosaic/internal/model"
	"github.com/soralab/mosaic/internal/supervisor"
)

// ApplyConfig tears down the current worker set and applies the document
// from scratch: spawn scenes, populate their graphs, synchronize, then
// start them. Applying the same document twice yields the same worker and
// object set.
func (w *World) ApplyConfig(ctx context.Context) (err error) {
	w.configMu.Lock()
	defer w.configMu.Unlock()
	// A panic inside an apply pass must not take the loop down with a held
	// lock; it surfaces as an error instead.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("configuration apply panicked: %v", r)
		}
	}()
	return w.applyLocked(ctx)
}

func (w *World) applyLocked(ctx context.Context) error {
	if w.doc == nil {
		return fmt.Errorf("no configuration document")
	}
	doc := w.doc

	w.teardownWorkers()
	w.objMu.Lock()
	w.objects = make(map[string]Object)
	w.objectDests = make(map[string][]string)
	w.objMu.Unlock()

	// Spawn every declared scene. The first spawn timeout aborts the pass
	// and requests quit; a partially-launched worker set is not worth
	// limping along with.
	for _, decl := range doc.Scenes {
		if err := w.sup.Spawn(ctx, decl.Name, decl.Display, decl.Spawn); err != nil {
			if errors.Is(err, supervisor.ErrLaunchTimeout) {
				w.RequestQuit()
			}
			return fmt.Errorf("spawn scene %s: %w", decl.Name, err)
		}
	}

	for _, decl := range doc.Scenes {
		for attr, args := range decl.Extra {
			if err := w.ch.Send(decl.Name, attr, args); err != nil {
				w.log.Warnf("world: scene %s param %s: %v", decl.Name, attr, err)
			}
		}
	}

	if master := w.sup.Master(); master != "" {
		if err := w.ch.Send(master, "setMaster", model.Values{doc.Path()}); err != nil {
			w.log.Warnf("world: setMaster %s: %v", master, err)
		}
	}

	for _, decl := range doc.Scenes {
		graph, ok := doc.Graphs[decl.Name]
		if !ok {
			continue
		}
		for name, obj := range graph.Objects {
			if obj.Type == "" {
				w.log.Warnf("world: object %s in %s has no type, skipped", name, decl.Name)
				continue
			}
			w.registerObject(obj.Type, name, decl.Name)
		}
	}

	// Sync barrier: since delivery is FIFO per destination, an answered sync
	// confirms every object above has materialized in that scene.
	for _, decl := range doc.Scenes {
		if _, err := w.ch.SendWithAnswer(decl.Name, "sync", nil, syncTimeout); err != nil {
			return fmt.Errorf("sync scene %s: %w", decl.Name, err)
		}
	}

	for _, decl := range doc.Scenes {
		graph, ok := doc.Graphs[decl.Name]
		if !ok {
			continue
		}
		for _, l := range graph.Links {
			if err := w.ch.Send(decl.Name, "link", model.Values{l[0], l[1]}); err != nil {
				w.log.Warnf("world: link %s->%s in %s: %v", l[0], l[1], decl.Name, err)
			}
		}
	}

	for _, decl := range doc.Scenes {
		graph, ok := doc.Graphs[decl.Name]
		if !ok {
			continue
		}
		for name, obj := range graph.Objects {
			for attr, args := range obj.Attributes {
				w.setObjectAttribute(name, attr, args)
			}
		}
	}
	// Flush the staged attributes now so every scene holds them before it
	// is told to start.
	w.propagateAttributes()

	for attr, args := range doc.World {
		w.applyWorldAttribute(attr, args)
	}

	// Start every scene. An empty answer means the scene failed to come up
	// rendering; that is fatal to the whole installation.
	for _, decl := range doc.Scenes {
		reply, err := w.ch.SendWithAnswer(decl.Name, "start", nil, startTimeout)
		if err != nil {
			return fmt.Errorf("start scene %s: %w", decl.Name, err)
		}
		if len(reply) == 0 {
			w.RequestQuit()
			return fmt.Errorf("start scene %s: empty answer", decl.Name)
		}
	}

	w.log.Infof("world: configuration applied, %d scenes running", len(doc.Scenes))
	return nil
}

// registerObject broadcasts the object's creation to its owning scene and
// installs the world-side shadow for buffer-backed types. Re-registering an
// existing name only extends its destination set.
func (w *World) registerObject(typeTag, name, sceneName string) {
	if err := w.ch.Send(channel.AllPeers, "add", model.Values{typeTag, name, sceneName}); err != nil {
		w.log.Warnf("world: add %s to %s: %v", name, sceneName, err)
	}

	w.objMu.Lock()
	defer w.objMu.Unlock()
	for _, d := range w.objectDests[name] {
		if d == sceneName {
			return
		}
	}
	w.objectDests[name] = append(w.objectDests[name], sceneName)
	if _, exists := w.objects[name]; !exists {
		if shadow := newShadow(typeTag, name, w.log); shadow != nil {
			w.objects[name] = shadow
		}
	}
}

// setObjectAttribute stages an attribute on the object's shadow, to be
// forwarded at the loop's propagate step. Objects without a shadow have
// nowhere to stage, so those are forwarded immediately.
func (w *World) setObjectAttribute(name, attr string, args model.Values) {
	w.objMu.Lock()
	obj, ok := w.objects[name]
	w.objMu.Unlock()
	if ok {
		obj.SetAttribute(attr, args)
		return
	}
	if err := w.ch.Send(name, attr, args); err != nil {
		w.log.Debugf("world: set %s.%s: %v", name, attr, err)
	}
}

// resolveDestinations maps an object name to the scenes holding it. Used by
// the channel for non-peer destinations; a renamed object's old name maps
// to nothing.
func (w *World) resolveDestinations(dest string) []string {
	w.objMu.Lock()
	defer w.objMu.Unlock()
	dests := w.objectDests[dest]
	out := make([]string, len(dests))
	copy(out, dests)
	return out
}
