// Package mock provides an in-memory [live.Channel] and [live.Dialer] for unit
// tests.
//
// Tests drive inbound traffic with [Channel.Push] and inspect what the code
// under test sent through the exported Sent* fields.
//
//	ch := mock.NewChannel()
//	d := &mock.Dialer{Channel: ch}
//	ch.Push(live.Event{Kind: live.EventReady})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/fixline/pkg/live"
)

// Compile-time interface assertions.
var (
	_ live.Channel = (*Channel)(nil)
	_ live.Dialer  = (*Dialer)(nil)
)

// Channel is a mock implementation of [live.Channel].
type Channel struct {
	mu sync.Mutex

	events chan live.Event
	closed bool
	ended  bool

	// SendError, if non-nil, is returned by every send method.
	SendError error

	// SentAudio records SendAudio payloads in order.
	SentAudio []string

	// SentImages records SendImage payloads in order.
	SentImages []string

	// SentText records SendText payloads in order.
	SentText []string

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// ErrValue is returned by Err.
	ErrValue error
}

// NewChannel returns an open Channel with a generously buffered event stream.
func NewChannel() *Channel {
	return &Channel{events: make(chan live.Event, 1024)}
}

// Push delivers ev as if it arrived from the remote side. A zero Received
// time is replaced with time.Now. Pushing after the stream ended is a no-op.
func (c *Channel) Push(ev live.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	if ev.Received.IsZero() {
		ev.Received = time.Now()
	}
	c.events <- ev
	if ev.Kind == live.EventClosed {
		c.ended = true
		close(c.events)
	}
}

// Drop simulates the remote side vanishing: it delivers EventClosed with err
// and ends the stream.
func (c *Channel) Drop(err error) {
	c.mu.Lock()
	if c.ErrValue == nil {
		c.ErrValue = err
	}
	c.mu.Unlock()
	c.Push(live.Event{Kind: live.EventClosed, Err: err})
}

// Events implements [live.Channel].
func (c *Channel) Events() <-chan live.Event { return c.events }

func (c *Channel) record(dst *[]string, v string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return live.ErrClosed
	}
	if c.SendError != nil {
		return c.SendError
	}
	*dst = append(*dst, v)
	return nil
}

// SendAudio implements [live.Channel].
func (c *Channel) SendAudio(data string) error { return c.record(&c.SentAudio, data) }

// SendImage implements [live.Channel].
func (c *Channel) SendImage(data string) error { return c.record(&c.SentImages, data) }

// SendText implements [live.Channel].
func (c *Channel) SendText(text string) error { return c.record(&c.SentText, text) }

// Err implements [live.Channel].
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ErrValue
}

// Close implements [live.Channel]. The event stream is closed on the first
// call only.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if !c.closed {
		c.closed = true
		if !c.ended {
			c.ended = true
			close(c.events)
		}
	}
	return nil
}

// Released reports whether Close has been called.
func (c *Channel) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Counts returns the number of audio, image, and text messages sent.
func (c *Channel) Counts() (audio, images, text int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.SentAudio), len(c.SentImages), len(c.SentText)
}

// Images returns a copy of the sent image payloads.
func (c *Channel) Images() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.SentImages...)
}

// Dialer is a mock implementation of [live.Dialer].
type Dialer struct {
	mu sync.Mutex

	// Channel is returned by Dial.
	Channel live.Channel

	// DialError is returned by Dial.
	DialError error

	// DialCalls records the params of every Dial invocation.
	DialCalls []live.Params
}

// Dial implements [live.Dialer].
func (d *Dialer) Dial(_ context.Context, p live.Params) (live.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, p)
	if d.DialError != nil {
		return nil, d.DialError
	}
	return d.Channel, nil
}
