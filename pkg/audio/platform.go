// Package audio defines the sample formats, conversions, and hardware
// abstractions used by a live diagnostic session.
//
// The primary abstractions are:
//
//   - [Platform]: opens the local audio hardware and hands out devices.
//   - [CaptureDevice]: an exclusively held microphone that yields native-rate
//     [Frame] values until it is closed.
//   - [PlaybackDevice]: a clocked output that plays buffers at absolute
//     sample positions.
//
// Implementations live in backend packages (e.g., audio/malgo). Tests use
// audio/mock.
package audio

import (
	"context"
	"errors"
	"time"
)

// Acquisition failures. Backends wrap one of these so callers can tell a
// refused permission from a missing device with [errors.Is].
var (
	// ErrPermissionDenied means the operating system or the user refused
	// access to the device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceNotFound means no matching device is connected.
	ErrDeviceNotFound = errors.New("audio: device not found")

	// ErrAcquireFailed covers every other reason a device could not be opened.
	ErrAcquireFailed = errors.New("audio: device acquisition failed")
)

// CaptureConfig selects and shapes a capture device.
type CaptureConfig struct {
	// DeviceName selects a device by name substring. Empty selects the
	// system default.
	DeviceName string

	// FrameSize is the number of sample frames per emitted [Frame].
	FrameSize int

	// Buffer is the capacity of the frame channel. Frames are dropped when
	// the consumer falls behind.
	Buffer int
}

// PlaybackConfig selects a playback device.
type PlaybackConfig struct {
	// DeviceName selects a device by name substring. Empty selects the
	// system default.
	DeviceName string

	// SampleRate is the rate at which scheduled buffers are played.
	SampleRate int

	// Monitor, when set, receives every period of mono output as it is
	// rendered to the hardware. It runs on the audio thread, must not block
	// and must not retain the slice.
	Monitor func(samples []float32)
}

// CaptureDevice is an exclusively held audio input.
//
// Implementations must be safe for concurrent use. Close must be idempotent.
type CaptureDevice interface {
	// Start begins capturing and returns the frame channel. The channel is
	// closed when the device is closed or ctx is cancelled.
	Start(ctx context.Context) (<-chan Frame, error)

	// Format reports the native rate and channel count of emitted frames.
	Format() Format

	// Close releases the hardware handle. Calling Close more than once is a
	// no-op that returns nil.
	Close() error
}

// PlaybackDevice is an audio output driven by its own sample clock.
//
// Positions are expressed in sample frames at the device's sample rate,
// counted from the moment the device started.
type PlaybackDevice interface {
	// Now returns the current playback position as elapsed device time.
	Now() time.Duration

	// Schedule queues samples (mono) to start playing at frame position
	// start. Buffers scheduled in the past are played from their remaining
	// portion.
	Schedule(samples []float32, start int64) error

	// SampleRate returns the device's playback rate.
	SampleRate() int

	// Close stops playback and releases the handle. Idempotent.
	Close() error
}

// Platform opens local audio hardware.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// OpenCapture acquires an input device. It may block while the
	// operating system prompts the user for permission.
	OpenCapture(ctx context.Context, cfg CaptureConfig) (CaptureDevice, error)

	// OpenPlayback acquires an output device.
	OpenPlayback(ctx context.Context, cfg PlaybackConfig) (PlaybackDevice, error)
}
