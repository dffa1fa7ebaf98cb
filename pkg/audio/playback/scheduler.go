// Package playback schedules inbound speech buffers on a clocked output so
// that consecutive chunks play back-to-back with no gap and no overlap,
// regardless of how bursty their network delivery is.
//
// The scheduler owns a single cursor: the absolute sample position at which
// the next buffer starts. For every buffer of duration d,
//
//	start  = max(now, cursor)
//	cursor = start + d
//
// Positions are kept in whole sample frames at the playback rate, so the
// cursor never accumulates rounding drift.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/fixline/pkg/audio"
)

var (
	// ErrClosed is returned by Enqueue after the scheduler was closed. No
	// decoding is attempted in that case.
	ErrClosed = errors.New("playback: scheduler closed")

	// ErrDecode wraps malformed inbound audio payloads.
	ErrDecode = errors.New("playback: decode failure")
)

// Clock reports the current playback position of the output device.
type Clock interface {
	Now() time.Duration
}

// Sink plays mono samples starting at an absolute frame position.
type Sink interface {
	Schedule(samples []float32, start int64) error
}

// Scheduled describes where a buffer was placed on the output timeline.
type Scheduled struct {
	// Start is the first frame of the buffer.
	Start int64

	// Frames is the buffer length in sample frames.
	Frames int64

	// Rate is the playback rate the frame values refer to.
	Rate int
}

// StartAt returns Start as elapsed device time.
func (s Scheduled) StartAt() time.Duration { return audio.FramesToDuration(s.Start, s.Rate) }

// Duration returns the buffer length as time.
func (s Scheduled) Duration() time.Duration { return audio.FramesToDuration(s.Frames, s.Rate) }

// End returns the frame position right after the buffer.
func (s Scheduled) End() int64 { return s.Start + s.Frames }

// Option is a functional option for [Scheduler].
type Option func(*Scheduler)

// WithRate overrides the inbound sample rate (default [audio.PlaybackRate]).
func WithRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// Scheduler places decoded inbound chunks on the output timeline.
// It is safe for concurrent use.
type Scheduler struct {
	clock Clock
	sink  Sink
	rate  int

	mu     sync.Mutex
	cursor int64
	closed bool
}

// New returns a Scheduler that reads time from clock and writes to sink.
// Both are usually the same [audio.PlaybackDevice].
func New(clock Clock, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock: clock,
		sink:  sink,
		rate:  audio.PlaybackRate,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue decodes a base64 PCM16 payload and schedules it. It returns
// [ErrClosed] without decoding once the scheduler is closed, and an error
// wrapping [ErrDecode] for malformed payloads. The cursor only advances when
// the sink accepted the buffer.
func (s *Scheduler) Enqueue(payload string) (Scheduled, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Scheduled{}, ErrClosed
	}
	samples, err := audio.DecodeBase64PCM16(payload)
	if err != nil {
		return Scheduled{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return s.scheduleLocked(samples)
}

// EnqueueSamples schedules already-decoded mono samples.
func (s *Scheduler) EnqueueSamples(samples []float32) (Scheduled, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Scheduled{}, ErrClosed
	}
	return s.scheduleLocked(samples)
}

func (s *Scheduler) scheduleLocked(samples []float32) (Scheduled, error) {
	now := audio.DurationToFrames(s.clock.Now(), s.rate)
	sc := Scheduled{
		Start:  max(now, s.cursor),
		Frames: int64(len(samples)),
		Rate:   s.rate,
	}
	if sc.Frames == 0 {
		return sc, nil
	}
	if err := s.sink.Schedule(samples, sc.Start); err != nil {
		return Scheduled{}, fmt.Errorf("playback: schedule: %w", err)
	}
	s.cursor = sc.End()
	return sc, nil
}

// Cursor returns the position at which the next buffer would start if it
// arrived before that point in time.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.FramesToDuration(s.cursor, s.rate)
}

// Pending returns how much scheduled audio has not yet been played.
func (s *Scheduler) Pending() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := audio.DurationToFrames(s.clock.Now(), s.rate)
	if s.cursor <= now {
		return 0
	}
	return audio.FramesToDuration(s.cursor-now, s.rate)
}

// Close stops accepting buffers. It does not close the sink. Calling Close
// more than once is a no-op.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
