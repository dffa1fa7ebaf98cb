// Package spectrum turns the most recent audio on a signal path into
// byte-scaled frequency snapshots for level meters and visualisers.
//
// An [Analyser] keeps a ring of the last FFT-size samples written to it. A
// snapshot applies a Hann window, runs a real FFT, smooths magnitudes over
// time, and maps decibels in [MinDecibels, MaxDecibels] onto 0..255.
package spectrum

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Defaults for [New].
const (
	DefaultSize       = 256
	DefaultSmoothing  = 0.8
	DefaultMinDecibel = -100.0
	DefaultMaxDecibel = -30.0
)

// Options configures an [Analyser]. Zero fields take the defaults.
type Options struct {
	// Size is the FFT length. It must be a power of two ≥ 32.
	Size int

	// Smoothing blends each snapshot with the previous one. Zero selects
	// DefaultSmoothing; a negative value disables smoothing.
	Smoothing float64

	// MinDecibels maps to 0 in the byte output.
	MinDecibels float64

	// MaxDecibels maps to 255 in the byte output.
	MaxDecibels float64
}

// Analyser computes frequency-domain snapshots of a signal path.
// It is safe for concurrent use: writers on the audio path and readers on the
// UI path may run on different goroutines.
type Analyser struct {
	opts Options
	fft  *fourier.FFT

	mu       sync.Mutex
	ring     []float64
	pos      int
	smoothed []float64
}

// New returns an Analyser configured by opts.
func New(opts Options) *Analyser {
	if opts.Size < 32 || opts.Size&(opts.Size-1) != 0 {
		opts.Size = DefaultSize
	}
	switch {
	case opts.Smoothing < 0:
		opts.Smoothing = 0
	case opts.Smoothing == 0 || opts.Smoothing >= 1:
		opts.Smoothing = DefaultSmoothing
	}
	if opts.MinDecibels == 0 && opts.MaxDecibels == 0 {
		opts.MinDecibels, opts.MaxDecibels = DefaultMinDecibel, DefaultMaxDecibel
	}
	return &Analyser{
		opts:     opts,
		fft:      fourier.NewFFT(opts.Size),
		ring:     make([]float64, opts.Size),
		smoothed: make([]float64, opts.Size/2),
	}
}

// Bins returns the number of frequency bins in a snapshot.
func (a *Analyser) Bins() int { return a.opts.Size / 2 }

// Write appends mono samples to the analysis window.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = float64(s)
		a.pos = (a.pos + 1) % len(a.ring)
	}
}

// WriteInterleaved downmixes interleaved samples and appends them.
func (a *Analyser) WriteInterleaved(samples []float32, channels int) {
	if channels <= 1 {
		a.Write(samples)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i+channels <= len(samples); i += channels {
		var sum float64
		for c := range channels {
			sum += float64(samples[i+c])
		}
		a.ring[a.pos] = sum / float64(channels)
		a.pos = (a.pos + 1) % len(a.ring)
	}
}

// Snapshot returns byte-scaled magnitudes, one per bin from DC upward.
func (a *Analyser) Snapshot() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring)
	seq := make([]float64, n)
	// Oldest sample first.
	copy(seq, a.ring[a.pos:])
	copy(seq[n-a.pos:], a.ring[:a.pos])
	window.Hann(seq)

	coeffs := a.fft.Coefficients(nil, seq)
	out := make([]byte, n/2)
	span := a.opts.MaxDecibels - a.opts.MinDecibels
	for i := range out {
		mag := cmplx.Abs(coeffs[i]) / float64(n)
		a.smoothed[i] = a.opts.Smoothing*a.smoothed[i] + (1-a.opts.Smoothing)*mag

		db := DefaultMinDecibel * 2
		if a.smoothed[i] > 0 {
			db = 20 * math.Log10(a.smoothed[i])
		}
		scaled := 255 * (db - a.opts.MinDecibels) / span
		out[i] = byte(max(0, min(255, scaled)))
	}
	return out
}

// Level returns the RMS level of the current window in [0, 1].
func (a *Analyser) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sum float64
	for _, s := range a.ring {
		sum += s * s
	}
	return math.Min(1, math.Sqrt(sum/float64(len(a.ring))))
}

// Feed bundles the analysers of both session signal paths.
type Feed struct {
	// Input analyses captured microphone audio.
	Input *Analyser

	// Output analyses scheduled assistant speech.
	Output *Analyser
}

// NewFeed returns a Feed whose analysers share opts.
func NewFeed(opts Options) *Feed {
	return &Feed{Input: New(opts), Output: New(opts)}
}

// Frame is one pair of snapshots as delivered to a visualiser.
type Frame struct {
	Input       []byte  `json:"input"`
	Output      []byte  `json:"output"`
	InputLevel  float64 `json:"inputLevel"`
	OutputLevel float64 `json:"outputLevel"`
}

// Snapshot captures both paths at once.
func (f *Feed) Snapshot() Frame {
	return Frame{
		Input:       f.Input.Snapshot(),
		Output:      f.Output.Snapshot(),
		InputLevel:  f.Input.Level(),
		OutputLevel: f.Output.Level(),
	}
}
