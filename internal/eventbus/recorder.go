// ABOUTME: Publisher that records events in memory instead of sending them
// ABOUTME: Used by component tests to assert exactly what was published

package eventbus

import (
	"context"
	"sync"
)

// Published is one recorded publish
type Published struct {
	Channel Channel
	Event   *Event
}

// Recorder implements Publisher by appending to a slice. An optional Err is
// returned from every Publish after recording.
type Recorder struct {
	mu     sync.Mutex
	events []Published
	Err    error
}

var _ Publisher = (*Recorder)(nil)

// Publish validates and records the event
func (r *Recorder) Publish(_ context.Context, channel Channel, ev *Event) error {
	if _, err := Encode(channel, ev); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Channel: channel, Event: ev})
	return r.Err
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Published, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type
func (r *Recorder) OfType(eventType string) []Published {
	var out []Published
	for _, p := range r.Events() {
		if p.Event.Type == eventType {
			out = append(out, p)
		}
	}
	return out
}

// Reset drops all recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
