package malgo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/fixline/pkg/audio"
)

// ─── Capture ─────────────────────────────────────────────────────────────────

// captureDevice chunks the hardware callback into fixed-size frames.
type captureDevice struct {
	dev       *ma.Device
	format    audio.Format
	frameSize int
	frames    chan audio.Frame

	mu       sync.Mutex
	pending  []float32
	captured int64
	dropped  int64
	started  bool
	closed   bool
}

// Format implements [audio.CaptureDevice].
func (d *captureDevice) Format() audio.Format { return d.format }

// Start implements [audio.CaptureDevice]. Cancelling ctx closes the device.
func (d *captureDevice) Start(ctx context.Context) (<-chan audio.Frame, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("malgo: start capture: %w", audio.ErrAcquireFailed)
	}
	if d.started {
		d.mu.Unlock()
		return d.frames, nil
	}
	d.started = true
	d.mu.Unlock()

	if err := d.dev.Start(); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("malgo: start capture: %w", classify(err))
	}
	go func() {
		<-ctx.Done()
		_ = d.Close()
	}()
	return d.frames, nil
}

// onData runs on the audio thread.
func (d *captureDevice) onData(input []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	d.pending = append(d.pending, audio.Float32FromBytes(input)...)
	block := d.frameSize * max(1, d.format.Channels)
	for len(d.pending) >= block {
		samples := make([]float32, block)
		copy(samples, d.pending[:block])
		d.pending = d.pending[block:]

		f := audio.Frame{
			Samples:    samples,
			SampleRate: d.format.SampleRate,
			Channels:   d.format.Channels,
			Timestamp:  audio.FramesToDuration(d.captured, d.format.SampleRate),
		}
		d.captured += int64(d.frameSize)

		select {
		case d.frames <- f:
		default:
			d.dropped++
		}
	}
}

// Close implements [audio.CaptureDevice].
func (d *captureDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	dropped := d.dropped
	d.mu.Unlock()

	// Uninit stops the device and waits for an in-flight callback, which
	// returns early now that closed is set.
	d.dev.Uninit()
	close(d.frames)

	if dropped > 0 {
		slog.Warn("malgo: capture frames dropped", "count", dropped)
	}
	return nil
}

// ─── Playback ────────────────────────────────────────────────────────────────

// playbackDevice plays scheduled mono buffers on a frame-counting clock.
type playbackDevice struct {
	dev     *ma.Device
	rate    int
	tl      *timeline
	monitor func([]float32)

	mu      sync.Mutex
	scratch []float32
	closed  bool
}

// onData runs on the audio thread.
func (d *playbackDevice) onData(output []byte, frames int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		clear(output)
		return
	}
	if cap(d.scratch) < frames {
		d.scratch = make([]float32, frames)
	}
	buf := d.scratch[:frames]
	d.tl.render(buf)
	if d.monitor != nil {
		d.monitor(buf)
	}
	audio.PutFloat32(output, buf)
}

// Now implements [audio.PlaybackDevice].
func (d *playbackDevice) Now() time.Duration { return d.tl.now() }

// SampleRate implements [audio.PlaybackDevice].
func (d *playbackDevice) SampleRate() int { return d.rate }

// Schedule implements [audio.PlaybackDevice].
func (d *playbackDevice) Schedule(samples []float32, start int64) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return fmt.Errorf("malgo: schedule: device closed")
	}
	d.tl.schedule(samples, start)
	return nil
}

// Close implements [audio.PlaybackDevice].
func (d *playbackDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.dev.Uninit()
	d.tl.reset()
	return nil
}
