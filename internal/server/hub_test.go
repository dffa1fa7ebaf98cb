package server

import (
	"slices"
	"testing"
)

func TestHub_FanOut(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelA()
	defer cancelB()

	h.Publish(Event{Type: EventReady})
	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Type != EventReady {
				t.Errorf("%s got %q, want ready", name, ev.Type)
			}
		default:
			t.Errorf("%s received nothing", name)
		}
	}
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHub_SlowSubscriberKeepsNewestState(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	defer cancel()

	for i := range subscriberBuffer + 10 {
		h.Publish(Event{Type: EventSpectrum, Data: i})
	}
	got := drain(ch)
	if len(got) == 0 || len(got) > subscriberBuffer {
		t.Fatalf("queued = %d, want 1..%d", len(got), subscriberBuffer)
	}
	if last := got[len(got)-1].Data; last != subscriberBuffer+9 {
		t.Errorf("last spectrum = %v, want %d", last, subscriberBuffer+9)
	}
	if h.Subscribers() != 1 {
		t.Errorf("subscribers = %d, want 1", h.Subscribers())
	}
}

func TestHub_SlowSubscriberKeepsTerminalEvents(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(Event{Type: EventPhotoRequested, Data: "show the label"})
	for i := range subscriberBuffer * 2 {
		h.Publish(Event{Type: EventState, Data: i})
		h.Publish(Event{Type: EventTranscript, Data: i})
	}
	h.Publish(Event{Type: EventEnded, Data: "case-1"})

	got := drain(ch)
	if len(got) > subscriberBuffer {
		t.Fatalf("queued = %d, want at most %d", len(got), subscriberBuffer)
	}
	if got[0].Type != EventPhotoRequested || got[len(got)-1].Type != EventEnded {
		t.Fatalf("first = %q last = %q, want photoRequested then ended", got[0].Type, got[len(got)-1].Type)
	}
	newest := map[string]any{}
	for _, ev := range got {
		newest[ev.Type] = ev.Data
	}
	for _, typ := range []string{EventState, EventTranscript} {
		if newest[typ] != subscriberBuffer*2-1 {
			t.Errorf("newest %s = %v, want %d", typ, newest[typ], subscriberBuffer*2-1)
		}
	}
}

func TestHub_DisconnectsSubscriberThatCannotKeepUp(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	defer cancel()
	other, cancelOther := h.Subscribe()
	defer cancelOther()

	for range subscriberBuffer + 1 {
		h.Publish(Event{Type: EventError})
		drain(other)
	}

	got := drain(ch)
	if len(got) != subscriberBuffer {
		t.Errorf("delivered = %d, want %d before disconnect", len(got), subscriberBuffer)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after disconnect")
	}
	if h.Subscribers() != 1 {
		t.Errorf("subscribers = %d, want 1", h.Subscribers())
	}
}

func TestCompact(t *testing.T) {
	in := []Event{
		{Type: EventState, Data: 1},
		{Type: EventReady},
		{Type: EventTranscript, Data: 1},
		{Type: EventState, Data: 2},
		{Type: EventError},
		{Type: EventTranscript, Data: 2},
	}
	got := compact(in)
	want := []Event{
		{Type: EventReady},
		{Type: EventState, Data: 2},
		{Type: EventError},
		{Type: EventTranscript, Data: 2},
	}
	if !slices.Equal(got, want) {
		t.Errorf("compact = %v, want %v", got, want)
	}
}

func TestHub_CancelIsIdempotent(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	if h.Subscribers() != 0 {
		t.Errorf("subscribers = %d, want 0", h.Subscribers())
	}
	h.Publish(Event{Type: EventReady})
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	h.Close()
	h.Close()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after hub close")
	}
	late, _ := h.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscription after close should be closed")
	}
}
