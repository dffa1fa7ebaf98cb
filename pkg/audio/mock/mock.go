// Package mock provides in-memory implementations of the [audio.Platform],
// [audio.CaptureDevice], and [audio.PlaybackDevice] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := mock.NewCaptureDevice(audio.Format{SampleRate: 48000, Channels: 1})
//	spk := &mock.PlaybackDevice{}
//	platform := &mock.Platform{Capture: mic, Playback: spk}
//	dev, err := platform.OpenCapture(ctx, audio.CaptureConfig{})
//	mic.Push(audio.Frame{...})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/fixline/pkg/audio"
)

// ─── CaptureDevice ───────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice]. Frames
// pushed with [CaptureDevice.Push] are delivered on the channel returned by
// Start.
type CaptureDevice struct {
	mu sync.Mutex

	format audio.Format
	frames chan audio.Frame
	closed bool

	// StartError is returned by Start.
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Monitor receives rendered output from Render. The mock [Platform]
	// sets it from [audio.PlaybackConfig.Monitor].
	Monitor func(samples []float32)
}

// NewCaptureDevice returns a CaptureDevice reporting format.
func NewCaptureDevice(format audio.Format) *CaptureDevice {
	return &CaptureDevice{
		format: format,
		frames: make(chan audio.Frame, 64),
	}
}

// Start implements [audio.CaptureDevice].
func (d *CaptureDevice) Start(_ context.Context) (<-chan audio.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartError != nil {
		return nil, d.StartError
	}
	return d.frames, nil
}

// Format implements [audio.CaptureDevice].
func (d *CaptureDevice) Format() audio.Format { return d.format }

// Push delivers f to the consumer. It is a no-op after Close and drops the
// frame when the buffer is full.
func (d *CaptureDevice) Push(f audio.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.frames <- f:
	default:
	}
}

// Close implements [audio.CaptureDevice]. The frame channel is closed on the
// first call only.
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	if !d.closed {
		d.closed = true
		close(d.frames)
	}
	return nil
}

// Released reports whether Close has been called at least once.
func (d *CaptureDevice) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// ─── Clock ───────────────────────────────────────────────────────────────────

// Clock is a manually advanced playback clock.
type Clock struct {
	mu  sync.Mutex
	now time.Duration
}

// Now returns the current position.
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to d.
func (c *Clock) Set(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = d
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// ─── PlaybackDevice ──────────────────────────────────────────────────────────

// ScheduleCall records a single [PlaybackDevice.Schedule] invocation.
type ScheduleCall struct {
	// Samples is the buffer passed to Schedule.
	Samples []float32
	// Start is the frame position passed to Schedule.
	Start int64
}

// PlaybackDevice is a mock implementation of [audio.PlaybackDevice] driven by
// an embedded manual [Clock].
type PlaybackDevice struct {
	Clock

	mu sync.Mutex

	// Rate is returned by SampleRate. Zero means [audio.PlaybackRate].
	Rate int

	// ScheduleError is returned by Schedule.
	ScheduleError error

	// ScheduleCalls records all Schedule invocations.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Monitor receives rendered output from Render. The mock [Platform]
	// sets it from [audio.PlaybackConfig.Monitor].
	Monitor func(samples []float32)
}

// Schedule implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Schedule(samples []float32, start int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScheduleError != nil {
		return d.ScheduleError
	}
	d.ScheduleCalls = append(d.ScheduleCalls, ScheduleCall{Samples: samples, Start: start})
	return nil
}

// SampleRate implements [audio.PlaybackDevice].
func (d *PlaybackDevice) SampleRate() int {
	if d.Rate == 0 {
		return audio.PlaybackRate
	}
	return d.Rate
}

// Close implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return nil
}

// Calls returns a copy of the recorded Schedule invocations.
func (d *PlaybackDevice) Calls() []ScheduleCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ScheduleCall, len(d.ScheduleCalls))
	copy(out, d.ScheduleCalls)
	return out
}

// Render plays the next frames of scheduled audio: it mixes the recorded
// buffers that overlap that range, hands the result to Monitor and advances
// the clock.
func (d *PlaybackDevice) Render(frames int) []float32 {
	rate := d.SampleRate()
	from := audio.DurationToFrames(d.Now(), rate)
	to := from + int64(frames)
	out := make([]float32, frames)

	d.mu.Lock()
	for _, c := range d.ScheduleCalls {
		lo := max(c.Start, from)
		hi := min(c.Start+int64(len(c.Samples)), to)
		for pos := lo; pos < hi; pos++ {
			out[pos-from] += c.Samples[pos-c.Start]
		}
	}
	monitor := d.Monitor
	d.mu.Unlock()

	if monitor != nil {
		monitor(out)
	}
	d.Set(audio.FramesToDuration(to, rate))
	return out
}

// Released reports whether Close has been called at least once.
func (d *PlaybackDevice) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountClose > 0
}

// ─── Platform ────────────────────────────────────────────────────────────────

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// Capture is returned by OpenCapture.
	Capture audio.CaptureDevice

	// CaptureError is returned by OpenCapture.
	CaptureError error

	// Playback is returned by OpenPlayback.
	Playback audio.PlaybackDevice

	// PlaybackError is returned by OpenPlayback.
	PlaybackError error

	// CaptureCalls records the config of every OpenCapture invocation.
	CaptureCalls []audio.CaptureConfig

	// PlaybackCalls records the config of every OpenPlayback invocation.
	PlaybackCalls []audio.PlaybackConfig
}

// OpenCapture implements [audio.Platform].
func (p *Platform) OpenCapture(_ context.Context, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CaptureCalls = append(p.CaptureCalls, cfg)
	if p.CaptureError != nil {
		return nil, p.CaptureError
	}
	return p.Capture, nil
}

// OpenPlayback implements [audio.Platform].
func (p *Platform) OpenPlayback(_ context.Context, cfg audio.PlaybackConfig) (audio.PlaybackDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PlaybackCalls = append(p.PlaybackCalls, cfg)
	if p.PlaybackError != nil {
		return nil, p.PlaybackError
	}
	if d, ok := p.Playback.(*PlaybackDevice); ok && cfg.Monitor != nil {
		d.mu.Lock()
		d.Monitor = cfg.Monitor
		d.mu.Unlock()
	}
	return p.Playback, nil
}
