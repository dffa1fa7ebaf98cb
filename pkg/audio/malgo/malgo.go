// Package malgo implements [audio.Platform] on top of miniaudio through
// github.com/gen2brain/malgo.
//
// Capture devices are opened at their native sample rate and channel count and
// deliver float32 frames in fixed-size blocks. Playback devices run mono
// float32 at the inbound speech rate; their clock is the number of frames the
// hardware has pulled, so scheduled positions line up with what is audible.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/fixline/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

const (
	defaultFrameSize = 4096
	defaultBuffer    = 32
)

// Platform owns a miniaudio context. Devices opened from it must be closed
// before the Platform itself.
type Platform struct {
	mu     sync.Mutex
	ctx    *ma.AllocatedContext
	closed bool
}

// New initialises miniaudio with the platform's default backend order.
func New() (*Platform, error) {
	ctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(message string) {
		slog.Debug("malgo: "+strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", classify(err))
	}
	return &Platform{ctx: ctx}, nil
}

// Close releases the miniaudio context. Idempotent.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.ctx.Uninit(); err != nil {
		p.ctx.Free()
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	p.ctx.Free()
	return nil
}

// OpenCapture implements [audio.Platform].
func (p *Platform) OpenCapture(_ context.Context, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("malgo: open capture: %w", audio.ErrAcquireFailed)
	}

	info, err := p.findDevice(ma.Capture, cfg.DeviceName)
	if err != nil {
		return nil, fmt.Errorf("malgo: open capture: %w", err)
	}

	devCfg := ma.DefaultDeviceConfig(ma.Capture)
	devCfg.Capture.Format = ma.FormatF32
	devCfg.Capture.Channels = 0 // native
	devCfg.SampleRate = 0       // native
	devCfg.Capture.DeviceID = info.ID.Pointer()
	devCfg.Alsa.NoMMap = 1

	frameSize := cfg.FrameSize
	if frameSize <= 0 {
		frameSize = defaultFrameSize
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	cd := &captureDevice{
		frameSize: frameSize,
		frames:    make(chan audio.Frame, buffer),
	}

	dev, err := ma.InitDevice(p.ctx.Context, devCfg, ma.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) { cd.onData(input) },
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init capture device %q: %w", info.Name(), classify(err))
	}
	cd.dev = dev
	cd.format = audio.Format{
		SampleRate: int(dev.SampleRate()),
		Channels:   int(dev.CaptureChannels()),
	}

	slog.Info("malgo: capture device opened", "device", info.Name(), "format", cd.format.String())
	return cd, nil
}

// OpenPlayback implements [audio.Platform].
func (p *Platform) OpenPlayback(_ context.Context, cfg audio.PlaybackConfig) (audio.PlaybackDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("malgo: open playback: %w", audio.ErrAcquireFailed)
	}

	info, err := p.findDevice(ma.Playback, cfg.DeviceName)
	if err != nil {
		return nil, fmt.Errorf("malgo: open playback: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = audio.PlaybackRate
	}
	devCfg := ma.DefaultDeviceConfig(ma.Playback)
	devCfg.Playback.Format = ma.FormatF32
	devCfg.Playback.Channels = 1
	devCfg.SampleRate = uint32(rate)
	devCfg.Playback.DeviceID = info.ID.Pointer()
	devCfg.Alsa.NoMMap = 1

	pd := &playbackDevice{rate: rate, tl: newTimeline(rate), monitor: cfg.Monitor}
	dev, err := ma.InitDevice(p.ctx.Context, devCfg, ma.DeviceCallbacks{
		Data: func(output, _ []byte, frames uint32) { pd.onData(output, int(frames)) },
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init playback device %q: %w", info.Name(), classify(err))
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo: start playback device: %w", classify(err))
	}
	pd.dev = dev

	slog.Info("malgo: playback device opened", "device", info.Name(), "rate", rate)
	return pd, nil
}

// findDevice returns the default device of kind, or the first one whose name
// contains name (case-insensitive).
func (p *Platform) findDevice(kind ma.DeviceType, name string) (ma.DeviceInfo, error) {
	infos, err := p.ctx.Devices(kind)
	if err != nil {
		return ma.DeviceInfo{}, classify(err)
	}
	if len(infos) == 0 {
		return ma.DeviceInfo{}, audio.ErrDeviceNotFound
	}

	want := strings.ToLower(strings.TrimSpace(name))
	for _, info := range infos {
		if want == "" && info.IsDefault != 0 {
			return info, nil
		}
		if want != "" && strings.Contains(strings.ToLower(info.Name()), want) {
			return info, nil
		}
	}
	if want == "" {
		return infos[0], nil
	}
	return ma.DeviceInfo{}, fmt.Errorf("%w: no device matching %q", audio.ErrDeviceNotFound, name)
}

// classify maps miniaudio failures onto the audio acquisition taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, audio.ErrPermissionDenied) || errors.Is(err, audio.ErrDeviceNotFound) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"),
		strings.Contains(msg, "permission"),
		strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	case strings.Contains(msg, "no device"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", audio.ErrDeviceNotFound, err)
	}
	return fmt.Errorf("%w: %v", audio.ErrAcquireFailed, err)
}
