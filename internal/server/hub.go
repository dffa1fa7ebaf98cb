package server

import (
	"log/slog"
	"slices"
	"sync"
)

// Event types sent on the event stream.
const (
	EventState          = "state"
	EventTranscript     = "transcript"
	EventPhotoRequested = "photoRequested"
	EventReady          = "ready"
	EventEnded          = "ended"
	EventError          = "error"
	EventSpectrum       = "spectrum"
)

// Event is one message on the /session/events stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// subscriberBuffer is the per-subscriber queue length.
const subscriberBuffer = 64

// Hub fans events out to every stream subscriber without stalling the
// publisher. When a subscriber falls behind, queued state, transcript and
// spectrum events collapse to the newest of each type; other events are
// never dropped. A subscriber that still has no room is disconnected. It is
// safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		if offer(ch, ev) {
			continue
		}
		slog.Warn("server: disconnecting slow event subscriber", "type", ev.Type)
		delete(h.subs, ch)
		close(ch)
	}
}

// replaceable reports whether an event carries complete state, so that a
// newer event of the same type supersedes it.
func replaceable(typ string) bool {
	switch typ {
	case EventState, EventTranscript, EventSpectrum:
		return true
	}
	return false
}

// offer queues ev on ch. A full queue is compacted first. The hub is the
// only sender on ch, so once drained the compacted events fit again. It
// reports false when ev cannot be queued without losing another event.
func offer(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
	}

	queued := make([]Event, 0, cap(ch)+1)
	for drained := false; !drained; {
		select {
		case q := <-ch:
			queued = append(queued, q)
		default:
			drained = true
		}
	}
	queued = compact(append(queued, ev))
	if len(queued) > cap(ch) {
		queued = slices.DeleteFunc(queued, func(e Event) bool { return replaceable(e.Type) })
	}
	ok := len(queued) <= cap(ch)
	for _, q := range queued[:min(len(queued), cap(ch))] {
		ch <- q
	}
	return ok
}

// compact keeps the last event of every replaceable type and all other
// events, in their original order.
func compact(events []Event) []Event {
	seen := make(map[string]bool)
	out := make([]Event, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if replaceable(e.Type) {
			if seen[e.Type] {
				continue
			}
			seen[e.Type] = true
		}
		out = append(out, e)
	}
	slices.Reverse(out)
	return out
}

// Subscribe registers a subscriber. The returned cancel function removes it
// and closes the channel; it is safe to call more than once. After
// [Hub.Close] the channel is returned already closed.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel and rejects new subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
