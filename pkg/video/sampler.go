package video

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultFrameInterval is how often a video session samples the camera.
const DefaultFrameInterval = 2 * time.Second

// SamplerConfig configures a [Sampler].
type SamplerConfig struct {
	// Interval between frames. Zero uses [DefaultFrameInterval].
	Interval time.Duration

	// Encode controls downscaling and compression.
	Encode EncodeOptions
}

// Sampler periodically snapshots a camera, compresses the frame, and hands
// it to a send function. It runs independently of the audio path.
//
// Once Stop returns, send is never called again.
type Sampler struct {
	cam  Camera
	send func(jpeg []byte) error
	cfg  SamplerConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
	sent    int
}

// NewSampler returns a stopped Sampler.
func NewSampler(cam Camera, send func(jpeg []byte) error, cfg SamplerConfig) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFrameInterval
	}
	return &Sampler{cam: cam, send: send, cfg: cfg}
}

// Start launches the sampling loop. The first frame is taken one interval
// after Start. Calling Start on a running or stopped Sampler is a no-op.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.stopped {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

func (s *Sampler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		img, err := s.cam.Snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("frame sampler: snapshot failed", "err", err)
			continue
		}
		payload, err := Compress(img, s.cfg.Encode)
		if err != nil {
			slog.Warn("frame sampler: compress failed", "err", err)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if err := s.send(payload); err != nil {
			slog.Debug("frame sampler: send failed", "err", err)
			continue
		}
		s.mu.Lock()
		s.sent++
		s.mu.Unlock()
	}
}

// Stop cancels the loop and waits for it to exit. Idempotent; safe to call
// before Start.
func (s *Sampler) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sent returns the number of frames handed to send successfully.
func (s *Sampler) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}
