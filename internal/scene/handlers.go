package scene

import (
	"github.com/soralab/mosaic/internal/model"
	"github.com/soralab/mosaic/internal/wire"
)

// HandleMessage dispatches one control message. Messages addressed to the
// scene itself (or broadcast) carry scene-level attributes; any other
// destination names an object record.
func (s *Scene) HandleMessage(m *wire.Message) (model.Values, bool) {
	if m.Dest != s.name && m.Dest != wire.AllPeers {
		return s.handleObjectMessage(m)
	}

	switch m.Attr {
	case "add":
		// args: type, name, owning scene
		if m.Args.String(2) != s.name {
			return nil, true
		}
		s.addObject(m.Args.String(0), m.Args.String(1))
		return nil, true

	case "deleteObject":
		s.mu.Lock()
		delete(s.objects, m.Args.String(0))
		s.mu.Unlock()
		return nil, true

	case "renameObject":
		s.renameObject(m.Args.String(0), m.Args.String(1))
		return nil, true

	case "link":
		s.setLink(m.Args.String(0), m.Args.String(1), true)
		return nil, true

	case "unlink":
		s.setLink(m.Args.String(0), m.Args.String(1), false)
		return nil, true

	case "sync":
		// Barrier: replying confirms every prior add has materialized,
		// since messages are FIFO per destination.
		return model.Values{s.name}, true

	case "start":
		s.started.Store(true)
		return model.Values{s.name}, true

	case "quit":
		s.RequestQuit()
		return nil, true

	case "setMaster":
		s.mu.Lock()
		s.master = true
		s.configPath = m.Args.String(0)
		s.mu.Unlock()
		return nil, true

	case "framerate":
		s.mu.Lock()
		if fr := m.Args.Int(0); fr > 0 {
			s.framerate = fr
		}
		s.mu.Unlock()
		return nil, true

	case "resizeOutputs":
		if err := s.renderer.ResizeOutputs(m.Args.Int(0), m.Args.Int(1)); err != nil {
			s.log.Warnf("scene %s: resize: %v", s.name, err)
		}
		return nil, true

	case "ping":
		if err := s.ch.Send("world", "pong", model.Values{s.name}); err != nil {
			s.log.Debugf("scene %s: pong: %v", s.name, err)
		}
		return nil, true

	case "getAttribute":
		// args: object name, attribute name
		s.mu.Lock()
		defer s.mu.Unlock()
		obj, ok := s.objects[m.Args.String(0)]
		if !ok {
			return nil, true
		}
		return obj.Attributes[m.Args.String(1)], true

	case "duration":
		// Timing samples relayed by the world, kept for display.
		s.mu.Lock()
		s.durations[m.Args.String(0)] = m.Args.Int(1)
		s.mu.Unlock()
		return nil, true

	case "log":
		s.log.Debugf("world: %s", m.Args.String(0))
		return nil, true

	case wire.AttrHandshake:
		return nil, true
	}

	return nil, false
}

func (s *Scene) handleObjectMessage(m *wire.Message) (model.Values, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[m.Dest]
	if !ok {
		return nil, false
	}
	obj.Attributes[m.Attr] = m.Args
	return nil, true
}

func (s *Scene) addObject(typeTag, name string) {
	if typeTag == "" || name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[name]; exists {
		// Idempotent: reconfiguration re-sends the full object set.
		return
	}
	s.objects[name] = &Object{
		Name:       name,
		Type:       typeTag,
		Attributes: make(map[string]model.Values),
	}
}

func (s *Scene) renameObject(oldName, newName string) {
	if oldName == "" || newName == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[oldName]
	if !ok {
		return
	}
	obj.Name = newName
	s.objects[newName] = obj
	delete(s.objects, oldName)
	for i, l := range s.links {
		if l[0] == oldName {
			s.links[i][0] = newName
		}
		if l[1] == oldName {
			s.links[i][1] = newName
		}
	}
}

func (s *Scene) setLink(src, sink string, add bool) {
	if src == "" || sink == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.links {
		if l[0] == src && l[1] == sink {
			if !add {
				s.links = append(s.links[:i], s.links[i+1:]...)
			}
			return
		}
	}
	if add {
		s.links = append(s.links, [2]string{src, sink})
	}
}

// Durations returns the latest relayed timing samples, in microseconds.
func (s *Scene) Durations() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.durations))
	for k, v := range s.durations {
		out[k] = v
	}
	return out
}
