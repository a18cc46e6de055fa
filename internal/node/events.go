package node

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a progress event published over the control-plane
// SSE stream.
type EventType string

const (
	EventDownloadStarted   EventType = "download_started"
	EventChunkProgress     EventType = "chunk_progress"
	EventDownloadCompleted EventType = "download_completed"
	EventDownloadStalled   EventType = "download_stalled"
)

// Event is one progress notification about an in-progress or finished
// download.
type Event struct {
	Type      EventType `json:"type"`
	Digest    string    `json:"digest"`
	Received  int       `json:"received,omitempty"`
	Total     int       `json:"total,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// eventBus is a simple fan-out broadcaster: every subscriber gets its own
// buffered channel, and an event that does not fit in a slow subscriber's
// full buffer is dropped for that subscriber rather than blocking
// publishers.
type eventBus struct {
	mu   sync.Mutex
	subs map[string]chan Event
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[string]chan Event)}
}

// Subscribe registers a new listener and returns its id plus a channel of
// future events.
func (b *eventBus) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *eventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *eventBus) publish(ev Event) {
	ev.Timestamp = time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber; drop rather than block the scheduler.
		}
	}
}

// Events subscribes to the node's progress event stream.
func (n *Node) Events() (id string, ch <-chan Event) {
	return n.events.Subscribe()
}

// UnsubscribeEvents removes a subscriber registered via Events.
func (n *Node) UnsubscribeEvents(id string) {
	n.events.Unsubscribe(id)
}
