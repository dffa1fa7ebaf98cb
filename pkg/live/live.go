// Package live defines the wire protocol and client abstractions of the
// persistent full-duplex channel between a diagnostic session and the remote
// AI assistant.
//
// The channel lives at path /live and is parameterised at connect time by an
// optional userId and a mode (voice or video). Every message is a JSON object
// with a "type" discriminator:
//
//	outbound  {type:"audio", data:<base64 PCM16 @16kHz mono>}
//	          {type:"image", data:<base64 JPEG>}
//	          {type:"text",  data:<string>}
//	inbound   {type:"ready"}
//	          {type:"audio", data:<base64 PCM16 @24kHz mono>}
//	          {type:"aiTranscript", data:<fragment>}
//	          {type:"userTranscript", data:<complete utterance>}
//	          {type:"turnComplete"}
//	          {type:"endSession", summary?:<string>}
//	          {type:"error", message:<string>}
//	          {type:"photoRequest", prompt?:<string>}
//
// The transport delivers messages in order, so no sequence numbers are
// carried.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrClosed is returned by send methods after the channel was closed.
	ErrClosed = errors.New("live: channel closed")

	// ErrBackpressure is returned when the outbound queue is full. The
	// message is dropped.
	ErrBackpressure = errors.New("live: outbound queue full")
)

// Mode selects which media a session streams.
type Mode string

const (
	// ModeVoice streams microphone audio only.
	ModeVoice Mode = "voice"

	// ModeVideo additionally streams periodic camera frames.
	ModeVideo Mode = "video"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeVoice || m == ModeVideo
}

// MessageType is the "type" discriminator of a wire message.
type MessageType string

const (
	TypeAudio          MessageType = "audio"
	TypeImage          MessageType = "image"
	TypeText           MessageType = "text"
	TypeReady          MessageType = "ready"
	TypeAITranscript   MessageType = "aiTranscript"
	TypeUserTranscript MessageType = "userTranscript"
	TypeTurnComplete   MessageType = "turnComplete"
	TypeEndSession     MessageType = "endSession"
	TypeError          MessageType = "error"
	TypePhotoRequest   MessageType = "photoRequest"
)

// Message is the JSON envelope shared by both directions.
type Message struct {
	Type    MessageType `json:"type"`
	Data    string      `json:"data,omitempty"`
	Summary *string     `json:"summary,omitempty"`
	Message string      `json:"message,omitempty"`
	Prompt  string      `json:"prompt,omitempty"`
}

// EventKind classifies what a [Channel] delivers to its consumer.
type EventKind int

const (
	EventReady EventKind = iota
	EventAudio
	EventAITranscript
	EventUserTranscript
	EventTurnComplete
	EventEndSession
	EventError
	EventPhotoRequest

	// EventClosed is delivered once when the channel stops reading. Err is
	// nil for a normal closure by the remote side.
	EventClosed
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventAudio:
		return "audio"
	case EventAITranscript:
		return "aiTranscript"
	case EventUserTranscript:
		return "userTranscript"
	case EventTurnComplete:
		return "turnComplete"
	case EventEndSession:
		return "endSession"
	case EventError:
		return "error"
	case EventPhotoRequest:
		return "photoRequest"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one inbound occurrence on a channel.
type Event struct {
	Kind EventKind

	// Data carries the audio payload or transcript text.
	Data string

	// Summary is the optional end-of-session summary; HasSummary tells an
	// absent summary from an empty one.
	Summary    string
	HasSummary bool

	// Message is the remote error text.
	Message string

	// Prompt is the photo-request prompt.
	Prompt string

	// Err is set on EventClosed when the channel ended abnormally.
	Err error

	// Received is the local arrival time.
	Received time.Time
}

// EventFromMessage converts an inbound wire message. ok is false for types
// that are not valid in the inbound direction.
func EventFromMessage(m Message, at time.Time) (Event, bool) {
	ev := Event{Received: at}
	switch m.Type {
	case TypeReady:
		ev.Kind = EventReady
	case TypeAudio:
		ev.Kind, ev.Data = EventAudio, m.Data
	case TypeAITranscript:
		ev.Kind, ev.Data = EventAITranscript, m.Data
	case TypeUserTranscript:
		ev.Kind, ev.Data = EventUserTranscript, m.Data
	case TypeTurnComplete:
		ev.Kind = EventTurnComplete
	case TypeEndSession:
		ev.Kind = EventEndSession
		if m.Summary != nil {
			ev.Summary, ev.HasSummary = *m.Summary, true
		}
	case TypeError:
		ev.Kind, ev.Message = EventError, m.Message
	case TypePhotoRequest:
		ev.Kind, ev.Prompt = EventPhotoRequest, m.Prompt
	default:
		return Event{}, false
	}
	return ev, true
}

// Params are the connect-time parameters of a channel.
type Params struct {
	UserID string
	Mode   Mode
}

// Channel is one full-duplex connection to the assistant.
//
// Send methods never block: they enqueue and return. Implementations must be
// safe for concurrent use.
type Channel interface {
	// Events returns the inbound event stream. It is closed after the
	// channel stops reading.
	Events() <-chan Event

	// SendAudio enqueues a base64 PCM16 16 kHz mono chunk.
	SendAudio(data string) error

	// SendImage enqueues a base64 JPEG still.
	SendImage(data string) error

	// SendText enqueues free text.
	SendText(text string) error

	// Err returns the first error that terminated the channel, if any.
	Err() error

	// Close tears the channel down. Idempotent; always safe to call.
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, p Params) (Channel, error)
}

// EndpointURL joins base and the /live path and appends the query
// parameters. base may already end in /live.
func EndpointURL(base string, p Params) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("live: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("live: unsupported url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/live") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/live"
	}

	q := u.Query()
	if p.UserID != "" {
		q.Set("userId", p.UserID)
	}
	mode := p.Mode
	if mode == "" {
		mode = ModeVoice
	}
	q.Set("mode", string(mode))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
