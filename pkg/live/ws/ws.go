// Package ws implements the live channel over a WebSocket connection using
// github.com/coder/websocket.
//
// Each channel runs two goroutines: a receive loop that decodes inbound JSON
// into [live.Event] values, and a write loop that drains a bounded outbound
// queue. Send methods only enqueue, so a slow network never stalls the caller.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/fixline/pkg/live"
)

// Compile-time assertions that Dialer and channel satisfy the live interfaces.
var _ live.Dialer = (*Dialer)(nil)
var _ live.Channel = (*channel)(nil)

const (
	defaultQueueSize    = 128
	defaultEventBuffer  = 256
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 8 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithHeader adds an HTTP header to the upgrade request.
func WithHeader(key, value string) Option {
	return func(d *Dialer) { d.header.Add(key, value) }
}

// WithQueueSize sets the outbound queue capacity.
func WithQueueSize(n int) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithWriteTimeout bounds each individual frame write.
func WithWriteTimeout(t time.Duration) Option {
	return func(d *Dialer) {
		if t > 0 {
			d.writeTimeout = t
		}
	}
}

// WithReadLimit sets the maximum inbound message size in bytes.
func WithReadLimit(n int64) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// WithHTTPClient sets the HTTP client used for the upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens WebSocket live channels against a base URL such as
// "wss://assist.example.com".
type Dialer struct {
	baseURL      string
	header       http.Header
	httpClient   *http.Client
	queueSize    int
	writeTimeout time.Duration
	readLimit    int64
}

// NewDialer creates a Dialer for baseURL.
func NewDialer(baseURL string, opts ...Option) *Dialer {
	d := &Dialer{
		baseURL:      baseURL,
		header:       http.Header{},
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial performs the WebSocket handshake. The returned channel is open but
// unconfirmed until the remote side sends a ready message.
func (d *Dialer) Dial(ctx context.Context, p live.Params) (live.Channel, error) {
	target, err := live.EndpointURL(d.baseURL, p)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: d.header.Clone(),
		HTTPClient: d.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("live: dial: %w", err)
	}
	conn.SetReadLimit(d.readLimit)

	chCtx, chCancel := context.WithCancel(context.Background())
	c := &channel{
		conn:         conn,
		events:       make(chan live.Event, defaultEventBuffer),
		outbound:     make(chan []byte, d.queueSize),
		writeTimeout: d.writeTimeout,
		ctx:          chCtx,
		cancel:       chCancel,
	}
	c.wg.Add(2)
	go c.receiveLoop()
	go c.writeLoop()

	slog.Debug("live: channel open", "url", target)
	return c, nil
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn         *websocket.Conn
	events       chan live.Event
	outbound     chan []byte
	writeTimeout time.Duration

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// receiveLoop reads frames and dispatches them as events. It owns events and
// closes it when it exits.
func (c *channel) receiveLoop() {
	defer c.wg.Done()
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || c.isClosed() {
				return
			}
			var closeErr error
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				closeErr = err
				c.setErr(err)
			}
			c.emit(live.Event{Kind: live.EventClosed, Err: closeErr, Received: time.Now()})
			c.cancel()
			return
		}

		var msg live.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("live: malformed inbound message", "err", err, "bytes", len(data))
			continue
		}
		ev, ok := live.EventFromMessage(msg, time.Now())
		if !ok {
			slog.Debug("live: ignoring inbound message", "type", msg.Type)
			continue
		}
		if !c.emit(ev) {
			return
		}
	}
}

// emit delivers ev unless the channel is shutting down.
func (c *channel) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// writeLoop drains the outbound queue. A failed write closes the connection,
// which ends the receive loop with an error.
func (c *channel) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.outbound:
			ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.setErr(fmt.Errorf("live: write: %w", err))
				slog.Warn("live: write failed, closing channel", "err", err)
				_ = c.conn.CloseNow()
				return
			}
		}
	}
}

func (c *channel) send(msg live.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ctx.Err() != nil {
		return live.ErrClosed
	}
	select {
	case c.outbound <- data:
		return nil
	default:
		return live.ErrBackpressure
	}
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// ── live.Channel methods ───────────────────────────────────────────────────────

// Events implements live.Channel.
func (c *channel) Events() <-chan live.Event { return c.events }

// SendAudio implements live.Channel.
func (c *channel) SendAudio(data string) error {
	return c.send(live.Message{Type: live.TypeAudio, Data: data})
}

// SendImage implements live.Channel.
func (c *channel) SendImage(data string) error {
	return c.send(live.Message{Type: live.TypeImage, Data: data})
}

// SendText implements live.Channel.
func (c *channel) SendText(text string) error {
	return c.send(live.Message{Type: live.TypeText, Data: text})
}

// Err implements live.Channel.
func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close implements live.Channel. It performs the close handshake, stops both
// loops, and waits for them to exit.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.conn.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
		slog.Debug("live: close handshake", "err", err)
	}
	c.cancel()
	c.wg.Wait()
	return nil
}
