package cloud

import (
	"sync"
	"time"
)

// EventType names an observable state change
type EventType string

const (
	EventObjectAdded       EventType = "object-added"
	EventSceneCleared      EventType = "scene-cleared"
	EventVisibilityChanged EventType = "visibility-changed"
	EventColorChanged      EventType = "color-changed"
	EventSelectionChanged  EventType = "selection-changed"
	EventJobStatus         EventType = "job-status"
)

// Event is emitted by Scene and Completion after every state change a UI
// layer may want to reflect, e.g. "selection changed: 120 of 4000 points".
type Event struct {
	Type      EventType `json:"type"`
	Label     Label     `json:"label,omitempty"`
	Labels    []Label   `json:"labels,omitempty"`
	Visible   *bool     `json:"visible,omitempty"`
	Stats     *Stats    `json:"stats,omitempty"`
	Job       string    `json:"job,omitempty"`
	Status    JobStatus `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// EventSink receives events. Implementations must not call back into the
// Scene synchronously; events are delivered while the scene lock is held.
type EventSink interface {
	Publish(ev Event)
}

// EventFunc adapts a function to EventSink
type EventFunc func(ev Event)

// Publish implements EventSink
func (f EventFunc) Publish(ev Event) { f(ev) }

// Hub fans events out to subscribers
type Hub struct {
	mu    sync.RWMutex
	sinks []EventSink
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe adds a sink
func (h *Hub) Subscribe(s EventSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Publish stamps the event and forwards it to every sink
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	h.mu.RLock()
	sinks := make([]EventSink, len(h.sinks))
	copy(sinks, h.sinks)
	h.mu.RUnlock()

	for _, s := range sinks {
		s.Publish(ev)
	}
}
