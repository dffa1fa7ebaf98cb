package audio

import "time"

// Fixed wire formats of the live channel.
const (
	// CaptureTargetRate is the sample rate of outbound PCM16 audio.
	CaptureTargetRate = 16000

	// PlaybackRate is the sample rate of inbound PCM16 audio.
	PlaybackRate = 24000
)

// Frame is a fixed-size block of linear PCM captured at the device's native
// rate and channel layout. Samples are interleaved float32 values in [-1, 1].
//
// A Frame is immutable once produced. The producing stage owns it until it is
// handed to the next stage through a channel.
type Frame struct {
	// Samples holds interleaved PCM samples (len = frames × Channels).
	Samples []float32

	// SampleRate in Hz (e.g., 48000 for most built-in microphones).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Len returns the number of sample frames (samples per channel).
func (f Frame) Len() int {
	if f.Channels <= 0 {
		return len(f.Samples)
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return FramesToDuration(int64(f.Len()), f.SampleRate)
}

// FramesToDuration converts a sample-frame count at rate into a duration.
func FramesToDuration(frames int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(rate))
}

// DurationToFrames converts d into a sample-frame count at rate, rounding up
// so that a position derived from a clock reading never lies in the past.
func DurationToFrames(d time.Duration, rate int) int64 {
	if d <= 0 || rate <= 0 {
		return 0
	}
	n := int64(d) * int64(rate)
	frames := n / int64(time.Second)
	if n%int64(time.Second) != 0 {
		frames++
	}
	return frames
}
