// Package telemetry collects per-frame timing sections and publishes
// lifecycle events. Timing samples are relayed to the master scene by the
// world loop for on-screen display.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Timer accumulates named duration sections. A section is re-measured every
// frame; Durations returns the latest completed measurement per section.
// Collection is off until SetEnabled(true); a disabled timer records
// nothing.
type Timer struct {
	enabled   atomic.Bool
	mu        sync.Mutex
	starts    map[string]time.Time
	durations map[string]time.Duration
}

func NewTimer() *Timer {
	return &Timer{
		starts:    make(map[string]time.Time),
		durations: make(map[string]time.Duration),
	}
}

// SetEnabled turns collection on or off.
func (t *Timer) SetEnabled(on bool) {
	t.enabled.Store(on)
}

func (t *Timer) Enabled() bool {
	return t.enabled.Load()
}

func (t *Timer) Start(section string) {
	if !t.enabled.Load() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts[section] = time.Now()
}

// Stop closes a section and records its duration. Stopping a section that
// was never started is a no-op.
func (t *Timer) Stop(section string) {
	if !t.enabled.Load() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	start, ok := t.starts[section]
	if !ok {
		return
	}
	delete(t.starts, section)
	t.durations[section] = time.Since(start)
}

// Durations returns a snapshot of the latest measurement per section.
func (t *Timer) Durations() map[string]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Duration, len(t.durations))
	for k, v := range t.durations {
		out[k] = v
	}
	return out
}
