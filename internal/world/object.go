// Package world implements the master orchestration unit: the object
// table, the configuration applier, and the per-frame loop that keeps
// every scene's attributes and buffers in sync.
package world

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/soralab/mosaic/internal/logging"
	"github.com/soralab/mosaic/internal/model"
)

// Object is a world-side shadow record mirroring an object that lives in
// one or more scenes.
type Object interface {
	Name() string
	SetName(name string)
	Type() string
	SetAttribute(attr string, args model.Values)
	Attribute(attr string) (model.Values, bool)
	// Update runs the record's local per-frame step.
	Update()
	// TakeDistantAttributes drains the attributes changed since the last
	// call, to be propagated to the object's destination scenes.
	TakeDistantAttributes() map[string]model.Values
}

// Bufferable marks records whose backing data serializes into per-frame
// payloads. The loop dispatches on this capability, never on the concrete
// type tag.
type Bufferable interface {
	Object
	Dirty() bool
	ClearDirty()
	Serialize() ([]byte, error)
}

// bufferTypes lists the type-tag fragments that get a world-side shadow
// holding raw decodable buffers.
var bufferTypes = []string{"image", "mesh", "queue"}

// newShadow creates the local shadow for an object type, or nil when the
// type has no world-side counterpart.
func newShadow(typeTag, name string, log *logging.Logger) Object {
	for _, t := range bufferTypes {
		if strings.Contains(typeTag, t) {
			return newBufferObject(typeTag, name, log)
		}
	}
	return nil
}

// bufferObject is the generic shadow for buffer-backed types. Setting the
// "file" attribute schedules a reload of the backing bytes on the next
// Update, which marks the record dirty and triggers payload production.
type bufferObject struct {
	mu       sync.Mutex
	name     string
	typeTag  string
	log      *logging.Logger
	attrs    map[string]model.Values
	changed  map[string]model.Values
	data     []byte
	dirty    bool
	loadPath string
}

func newBufferObject(typeTag, name string, log *logging.Logger) *bufferObject {
	return &bufferObject{
		name:    name,
		typeTag: typeTag,
		log:     log,
		attrs:   make(map[string]model.Values),
		changed: make(map[string]model.Values),
	}
}

func (o *bufferObject) Name() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.name
}

func (o *bufferObject) SetName(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.name = name
}

func (o *bufferObject) Type() string { return o.typeTag }

func (o *bufferObject) SetAttribute(attr string, args model.Values) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attrs[attr] = args
	o.changed[attr] = args
	if attr == "file" {
		o.loadPath = args.String(0)
	}
}

func (o *bufferObject) Attribute(attr string) (model.Values, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	args, ok := o.attrs[attr]
	return args, ok
}

func (o *bufferObject) Update() {
	o.mu.Lock()
	path := o.loadPath
	o.loadPath = ""
	o.mu.Unlock()
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		o.log.Warnf("object %s: load %s: %v", o.Name(), path, err)
		return
	}
	o.SetData(data)
}

// SetData replaces the backing bytes and marks the record dirty.
func (o *bufferObject) SetData(data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data = data
	o.dirty = true
}

func (o *bufferObject) Dirty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dirty
}

func (o *bufferObject) ClearDirty() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dirty = false
}

// Serialize produces an immutable payload from the current backing bytes.
func (o *bufferObject) Serialize() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.data == nil {
		return nil, nil
	}
	if len(o.data) == 0 {
		return nil, fmt.Errorf("object %s: empty buffer", o.name)
	}
	out := make([]byte, len(o.data))
	copy(out, o.data)
	return out, nil
}

func (o *bufferObject) TakeDistantAttributes() map[string]model.Values {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.changed) == 0 {
		return nil
	}
	changed := o.changed
	o.changed = make(map[string]model.Values)
	return changed
}
