// Package session runs one live diagnostic conversation between a user and
// the remote support assistant.
//
// A [Session] owns the microphone, the speaker, the optional camera and the
// live channel for its whole lifetime. Capture frames, inbound channel
// events, timer ticks and UI calls are all posted into a single actor
// goroutine, which is the only code that mutates session state: the turn
// machine, the transcript, the photo request and the countdown. The UI
// observes that state through [Callbacks] and read-only [Snapshot] values.
//
// Teardown runs exactly once per session on every exit path and releases
// every handle. When the conversation produced a transcript, the finished
// case is handed to a [Reporter].
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fixline/internal/observe"
	"github.com/MrWong99/fixline/pkg/audio"
	"github.com/MrWong99/fixline/pkg/audio/playback"
	"github.com/MrWong99/fixline/pkg/audio/spectrum"
	"github.com/MrWong99/fixline/pkg/live"
	"github.com/MrWong99/fixline/pkg/video"
)

const (
	defaultTickInterval = time.Second
	defaultDialTimeout  = 15 * time.Second
	defaultPhotoWidth   = 1280
	eventBuffer         = 64
)

// Config holds the per-session settings.
type Config struct {
	// UserID is passed to the assistant. Optional.
	UserID string

	// Mode selects voice or video streaming. Empty means voice.
	Mode live.Mode

	// MaxDuration is the countdown length. Zero means 15 minutes.
	MaxDuration time.Duration

	// WarningWindow is the final stretch flagged as a warning. Zero means
	// 60 seconds.
	WarningWindow time.Duration

	// TurnDebounce is the settle time before a completed turn returns to
	// listening. Zero means 300ms.
	TurnDebounce time.Duration

	// TickInterval is the wall-clock time per countdown second. Zero means
	// one second.
	TickInterval time.Duration

	// DialTimeout bounds the channel handshake. Zero means 15 seconds.
	DialTimeout time.Duration

	// FrameInterval is the video sampling period. Zero means 2 seconds.
	FrameInterval time.Duration

	// FrameEncode shapes sampled video frames.
	FrameEncode video.EncodeOptions

	// PhotoEncode shapes photos sent through [Session.SubmitPhoto]. A zero
	// MaxWidth means 1280 pixels.
	PhotoEncode video.EncodeOptions

	// Capture and Playback select the audio devices.
	Capture  audio.CaptureConfig
	Playback audio.PlaybackConfig

	// MaxRecordingBytes caps the recorded user audio attached to the case.
	// Zero disables audio recording.
	MaxRecordingBytes int
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = live.ModeVoice
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.PhotoEncode.MaxWidth <= 0 {
		c.PhotoEncode.MaxWidth = defaultPhotoWidth
	}
	if c.Playback.SampleRate <= 0 {
		c.Playback.SampleRate = audio.PlaybackRate
	}
}

// Callbacks notify the UI collaborator. Every field is optional.
//
// Callbacks run on the session goroutine and must return quickly. Control
// methods such as [Session.End] must not be called synchronously from a
// callback.
type Callbacks struct {
	OnReady            func()
	OnTranscriptUpdate func(entries []Entry)
	OnPhotoRequested   func(req PhotoRequest)
	OnEnded            func(rep Report)
	OnError            func(err error)
	OnState            func(snap Snapshot)
}

// Deps are the collaborators a session uses.
type Deps struct {
	// Audio opens the microphone and speaker. Required.
	Audio audio.Platform

	// Camera opens the camera. Required in video mode; in voice mode it is
	// only used to take photos on demand.
	Camera video.Opener

	// Dialer opens the live channel. Required.
	Dialer live.Dialer

	// Reporter builds the case report. Nil disables reporting.
	Reporter *Reporter

	Callbacks Callbacks

	// Metrics records session metrics. Nil uses the default metrics.
	Metrics *observe.Metrics
}

// Snapshot is a read-only view of session state.
type Snapshot struct {
	SessionID string    `json:"sessionId"`
	Mode      live.Mode `json:"mode"`
	Status    Status    `json:"status"`
	Muted     bool      `json:"muted"`
	Ready     bool      `json:"ready"`
	StartTime time.Time `json:"startTime"`

	// TimeRemaining is the countdown in whole seconds.
	TimeRemaining int  `json:"timeRemaining"`
	Warning       bool `json:"warning"`

	Failure       string       `json:"failure,omitempty"`
	PhotoRequest  PhotoRequest `json:"photoRequest"`
	TranscriptLen int          `json:"transcriptLen"`
	Ended         bool         `json:"ended"`
	EndReason     EndReason    `json:"endReason,omitempty"`
}

// ── Events ────────────────────────────────────────────────────────────────────

type eventKind int

const (
	evFrame eventKind = iota
	evInbound
	evTick
	evTurnTimer
	evEnd
	evMute
	evText
	evPhoto
)

type event struct {
	kind    eventKind
	frame   audio.Frame
	inbound live.Event
	gen     uint64
	muted   bool
	text    string
	image   []byte
	reply   chan error
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session is one diagnostic conversation. Create it with [New] and drive it
// with [Session.Run]. All exported methods are safe for concurrent use.
type Session struct {
	id      string
	cfg     Config
	deps    Deps
	cb      Callbacks
	metrics *observe.Metrics
	feed    *spectrum.Feed
	log     *slog.Logger

	events  chan event
	stopped chan struct{}
	done    chan struct{}
	started atomic.Bool
	snap    atomic.Pointer[Snapshot]

	camMu  sync.Mutex
	camera video.Camera

	resMu  sync.Mutex
	report *Report

	teardownOnce sync.Once

	// Owned by the actor goroutine.
	turn          *TurnMachine
	countdown     *Countdown
	transcript    Transcript
	photo         PhotoRequest
	rec           recorder
	muted         bool
	ready         bool
	startTime     time.Time
	photoCount    int
	dropped       int
	remoteSummary string
	finished      bool
	endReason     EndReason
	endErr        error
	turnTimer     *time.Timer

	capture   audio.CaptureDevice
	speaker   audio.PlaybackDevice
	scheduler *playback.Scheduler
	channel   live.Channel
	sampler   *video.Sampler
	stopPumps context.CancelFunc
	pumps     *errgroup.Group
}

// New creates a session. It acquires nothing until Run.
func New(cfg Config, deps Deps) *Session {
	cfg.applyDefaults()
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		deps:      deps,
		cb:        deps.Callbacks,
		metrics:   m,
		feed:      spectrum.NewFeed(spectrum.Options{}),
		log:       slog.Default(),
		events:    make(chan event, eventBuffer),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
		turn:      NewTurnMachine(cfg.TurnDebounce),
		countdown: NewCountdown(cfg.MaxDuration, cfg.WarningWindow),
		rec:       recorder{limit: cfg.MaxRecordingBytes},
	}
	s.snap.Store(&Snapshot{
		SessionID:     s.id,
		Mode:          cfg.Mode,
		Status:        StatusIdle,
		TimeRemaining: int(s.countdown.Remaining() / time.Second),
	})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Mode returns the streaming mode.
func (s *Session) Mode() live.Mode { return s.cfg.Mode }

// Snapshot returns the most recently published state.
func (s *Session) Snapshot() Snapshot { return *s.snap.Load() }

// Visualizer returns the frequency-domain feed of both audio paths.
func (s *Session) Visualizer() *spectrum.Feed { return s.feed }

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Report returns the report of a finished session, if one was built.
func (s *Session) Report() (Report, bool) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if s.report == nil {
		return Report{}, false
	}
	return *s.report, true
}

// Run acquires the hardware, opens the channel and runs the session until it
// ends. It returns nil for a clean end and the terminal error otherwise.
// Run may be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session: already started")
	}
	defer close(s.done)

	ctx, span := observe.StartSpan(ctx, "session.run", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("session.mode", string(s.cfg.Mode)),
	))
	defer func() { observe.EndSpan(span, s.endErr) }()
	s.log = observe.Logger(ctx).With("session_id", s.id, "mode", string(s.cfg.Mode))

	s.startTime = time.Now()
	s.rec.started = s.startTime
	s.metrics.SessionsStarted.Add(ctx, 1)
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.turn.Connect()
	s.publish()
	s.log.Info("session: starting", "user_id", s.cfg.UserID)

	if err := s.acquire(ctx); err != nil {
		s.end(EndFailed, err)
	} else {
		s.loop(ctx)
	}

	close(s.stopped)
	if err := s.teardown(); err != nil {
		s.log.Warn("session: teardown", "err", err)
	}
	s.conclude(ctx)
	return s.endErr
}

// acquire opens every handle the session needs. On failure whatever was
// already acquired stays recorded on s for teardown to release.
func (s *Session) acquire(ctx context.Context) error {
	var err error
	if s.capture, err = s.deps.Audio.OpenCapture(ctx, s.cfg.Capture); err != nil {
		return classifyAcquire("microphone", err)
	}
	out := s.cfg.Playback
	out.Monitor = s.feed.Output.Write
	if s.speaker, err = s.deps.Audio.OpenPlayback(ctx, out); err != nil {
		return classifyAcquire("speaker", err)
	}
	if s.cfg.Mode == live.ModeVideo {
		if s.deps.Camera == nil {
			return classifyAcquire("camera", video.ErrDeviceNotFound)
		}
		cam, err := s.deps.Camera.OpenCamera(ctx)
		if err != nil {
			return classifyAcquire("camera", err)
		}
		s.setCamera(cam)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	s.channel, err = s.deps.Dialer.Dial(dialCtx, live.Params{UserID: s.cfg.UserID, Mode: s.cfg.Mode})
	cancel()
	if err != nil {
		s.channel = nil
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	s.scheduler = playback.New(s.speaker, s.speaker)

	frames, err := s.capture.Start(ctx)
	if err != nil {
		return classifyAcquire("microphone", err)
	}

	pumpCtx, stop := context.WithCancel(ctx)
	s.stopPumps = stop
	g, gctx := errgroup.WithContext(pumpCtx)
	s.pumps = g
	g.Go(func() error {
		for f := range frames {
			if !s.post(event{kind: evFrame, frame: f}) {
				return nil
			}
		}
		return nil
	})
	g.Go(func() error {
		for ev := range s.channel.Events() {
			if !s.post(event{kind: evInbound, inbound: ev}) {
				return nil
			}
		}
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(s.cfg.TickInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				if !s.post(event{kind: evTick}) {
					return nil
				}
			}
		}
	})
	return nil
}

// loop is the actor. It returns once the session is finished.
func (s *Session) loop(ctx context.Context) {
	for !s.finished {
		select {
		case ev := <-s.events:
			s.handle(ctx, ev)
		case <-ctx.Done():
			s.end(EndCancelled, nil)
		}
	}
}

// post hands ev to the actor. It reports false once the actor has stopped.
func (s *Session) post(ev event) bool {
	select {
	case <-s.stopped:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.stopped:
		return false
	}
}

// call posts ev and waits for the actor's reply.
func (s *Session) call(ctx context.Context, ev event) error {
	ev.reply = make(chan error, 1)
	if !s.post(ev) {
		return ErrNotActive
	}
	select {
	case err := <-ev.reply:
		return err
	case <-s.stopped:
		select {
		case err := <-ev.reply:
			return err
		default:
			return ErrNotActive
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Control surface ───────────────────────────────────────────────────────────

// End requests an orderly end and waits until the session has finished. It
// is safe to call any number of times, concurrently, and after the session
// already ended.
func (s *Session) End(ctx context.Context) error {
	s.post(event{kind: evEnd})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetMuted stops or resumes sending microphone audio.
func (s *Session) SetMuted(ctx context.Context, muted bool) error {
	return s.call(ctx, event{kind: evMute, muted: muted})
}

// SendText sends free text to the assistant and records it as a user entry.
func (s *Session) SendText(ctx context.Context, text string) error {
	if text == "" {
		return errors.New("session: empty text")
	}
	return s.call(ctx, event{kind: evText, text: text})
}

// SubmitPhoto sends a photo and fulfils the pending photo request, if any.
// With nil data a still is taken from the camera. Image decoding and
// compression run on the caller's goroutine.
func (s *Session) SubmitPhoto(ctx context.Context, data []byte) error {
	select {
	case <-s.stopped:
		return ErrNotActive
	default:
	}
	jpeg, err := s.preparePhoto(ctx, data)
	if err != nil {
		return err
	}
	return s.call(ctx, event{kind: evPhoto, image: jpeg})
}

func (s *Session) preparePhoto(ctx context.Context, data []byte) ([]byte, error) {
	if data != nil {
		img, err := video.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("session: decode photo: %w", err)
		}
		return video.Compress(img, s.cfg.PhotoEncode)
	}

	cam := s.cameraHandle()
	if cam == nil {
		if s.deps.Camera == nil {
			return nil, ErrNoCamera
		}
		opened, err := s.deps.Camera.OpenCamera(ctx)
		if err != nil {
			return nil, classifyAcquire("camera", err)
		}
		defer opened.Close()
		cam = opened
	}
	img, err := cam.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: take photo: %w", err)
	}
	return video.Compress(img, s.cfg.PhotoEncode)
}

func (s *Session) setCamera(c video.Camera) {
	s.camMu.Lock()
	defer s.camMu.Unlock()
	s.camera = c
}

func (s *Session) cameraHandle() video.Camera {
	s.camMu.Lock()
	defer s.camMu.Unlock()
	return s.camera
}

// ── Actor ─────────────────────────────────────────────────────────────────────

func (s *Session) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evFrame:
		s.onFrame(ctx, ev.frame)
	case evInbound:
		s.onInbound(ctx, ev.inbound)
	case evTick:
		s.onTick()
	case evTurnTimer:
		if s.turn.Fire(ev.gen) {
			s.publish()
		}
	case evEnd:
		s.end(EndUser, nil)
	case evMute:
		if s.muted != ev.muted {
			s.muted = ev.muted
			s.log.Info("session: mute changed", "muted", s.muted)
			s.publish()
		}
		ev.reply <- nil
	case evText:
		ev.reply <- s.onText(ev.text)
	case evPhoto:
		ev.reply <- s.onPhoto(ctx, ev.image)
	}
}

func (s *Session) onFrame(ctx context.Context, f audio.Frame) {
	if s.muted || s.finished {
		return
	}
	s.feed.Input.WriteInterleaved(f.Samples, f.Channels)
	payload, pcm := audio.EncodeBase64(f, audio.CaptureTargetRate)
	switch err := s.channel.SendAudio(payload); {
	case err == nil:
		s.metrics.AudioChunksSent.Add(ctx, 1)
		s.rec.appendAudio(pcm)
	case errors.Is(err, live.ErrBackpressure):
		s.dropped++
		if s.dropped%50 == 1 {
			s.log.Warn("session: outbound audio dropped", "dropped", s.dropped)
		}
	case errors.Is(err, live.ErrClosed):
		// A closed event follows.
	default:
		s.log.Debug("session: send audio", "err", err)
	}
}

func (s *Session) onInbound(ctx context.Context, ev live.Event) {
	switch ev.Kind {
	case live.EventReady:
		if s.ready {
			return
		}
		s.ready = true
		s.turn.Ready()
		s.startSampler(ctx)
		s.log.Info("session: ready")
		if s.cb.OnReady != nil {
			s.cb.OnReady()
		}
		s.publish()

	case live.EventAudio:
		s.metrics.AudioChunksReceived.Add(ctx, 1)
		before := s.turn.Status()
		s.turn.Audio(ev.Received)
		s.stopTurnTimer()
		if _, err := s.scheduler.Enqueue(ev.Data); err != nil {
			switch {
			case errors.Is(err, playback.ErrDecode):
				s.metrics.AudioDecodeFailures.Add(ctx, 1)
				s.metrics.RecordSessionError(ctx, ErrorKind(ErrDecodeFailure))
				s.log.Warn("session: dropping inbound audio chunk", "err", fmt.Errorf("%w: %w", ErrDecodeFailure, err))
			case errors.Is(err, playback.ErrClosed):
			default:
				s.log.Warn("session: schedule playback", "err", err)
			}
		}
		if s.turn.Status() != before {
			s.publish()
		}

	case live.EventAITranscript:
		s.transcript.AppendAssistant(ev.Data, ev.Received)
		if e := s.transcript.last(); e != nil && e.Role == RoleAssistant {
			if clean, prompt, found := ExtractPhotoMarker(e.Text); found {
				e.Text = clean
				s.requestPhoto(prompt)
			}
		}
		s.emitTranscript()

	case live.EventUserTranscript:
		s.transcript.AddUser(ev.Data, ev.Received)
		s.emitTranscript()

	case live.EventTurnComplete:
		s.transcript.EndTurn()
		s.metrics.TurnsCompleted.Add(ctx, 1)
		if delay, gen, ok := s.turn.TurnComplete(ev.Received); ok {
			s.armTurnTimer(delay, gen)
		}

	case live.EventPhotoRequest:
		if s.cfg.Mode != live.ModeVideo {
			s.log.Debug("session: ignoring photo request outside video mode")
			return
		}
		s.requestPhoto(ev.Prompt)

	case live.EventEndSession:
		if ev.HasSummary {
			s.remoteSummary = ev.Summary
		}
		s.end(EndRemote, nil)

	case live.EventError:
		s.end(EndFailed, fmt.Errorf("%w: %s", ErrRemote, ev.Message))

	case live.EventClosed:
		switch {
		case !s.ready && ev.Err != nil:
			s.end(EndFailed, fmt.Errorf("%w: %w", ErrConnectionFailed, ev.Err))
		case !s.ready:
			s.end(EndFailed, fmt.Errorf("%w: channel closed before ready", ErrConnectionFailed))
		case ev.Err == nil:
			s.end(EndRemote, nil)
		default:
			s.end(EndDisconnect, fmt.Errorf("%w: %w", ErrUnexpectedDisconnect, ev.Err))
		}
	}
}

func (s *Session) onTick() {
	expired := s.countdown.Tick()
	s.publish()
	if expired {
		s.log.Info("session: time limit reached")
		s.end(EndTimeout, nil)
	}
}

func (s *Session) onText(text string) error {
	if err := s.channel.SendText(text); err != nil {
		return fmt.Errorf("session: send text: %w", err)
	}
	s.transcript.AddUser(text, time.Now())
	s.emitTranscript()
	return nil
}

func (s *Session) onPhoto(ctx context.Context, jpeg []byte) error {
	if err := s.channel.SendImage(base64.StdEncoding.EncodeToString(jpeg)); err != nil {
		return fmt.Errorf("session: send photo: %w", err)
	}
	s.metrics.RecordImageSent(ctx, "photo")
	s.photoCount++
	s.rec.addPhoto(jpeg, time.Now())
	fulfilled := s.photo.Clear()
	s.log.Info("session: photo sent", "bytes", len(jpeg), "fulfilled_request", fulfilled)
	s.publish()
	return nil
}

func (s *Session) requestPhoto(prompt string) {
	replaced := s.photo.Request(prompt)
	s.log.Info("session: photo requested", "replaced", replaced)
	if s.cb.OnPhotoRequested != nil {
		s.cb.OnPhotoRequested(s.photo)
	}
	s.publish()
}

func (s *Session) emitTranscript() {
	if s.cb.OnTranscriptUpdate != nil {
		s.cb.OnTranscriptUpdate(s.transcript.Visible())
	}
	s.publish()
}

func (s *Session) startSampler(ctx context.Context) {
	cam := s.cameraHandle()
	if s.cfg.Mode != live.ModeVideo || cam == nil {
		return
	}
	ch := s.channel
	s.sampler = video.NewSampler(cam, func(jpeg []byte) error {
		if err := ch.SendImage(base64.StdEncoding.EncodeToString(jpeg)); err != nil {
			return err
		}
		s.metrics.RecordImageSent(ctx, "sampler")
		return nil
	}, video.SamplerConfig{Interval: s.cfg.FrameInterval, Encode: s.cfg.FrameEncode})
	s.sampler.Start(ctx)
}

func (s *Session) armTurnTimer(delay time.Duration, gen uint64) {
	s.stopTurnTimer()
	if delay <= 0 {
		if s.turn.Fire(gen) {
			s.publish()
		}
		return
	}
	s.turnTimer = time.AfterFunc(delay, func() {
		s.post(event{kind: evTurnTimer, gen: gen})
	})
}

func (s *Session) stopTurnTimer() {
	if s.turnTimer != nil {
		s.turnTimer.Stop()
		s.turnTimer = nil
	}
}

// end records the outcome. Only the first call counts.
func (s *Session) end(reason EndReason, err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.endReason = reason
	s.endErr = err
	s.stopTurnTimer()
	if err != nil {
		s.turn.Fail(UserMessage(err))
	} else {
		s.turn.End()
	}
}

// teardown releases every handle exactly once.
func (s *Session) teardown() error {
	var errs []error
	s.teardownOnce.Do(func() {
		s.stopTurnTimer()
		if s.sampler != nil {
			s.sampler.Stop()
		}
		if s.scheduler != nil {
			s.scheduler.Close()
		}
		if s.channel != nil {
			errs = append(errs, s.channel.Close())
		}
		if s.capture != nil {
			errs = append(errs, s.capture.Close())
		}
		if s.speaker != nil {
			errs = append(errs, s.speaker.Close())
		}
		if cam := s.cameraHandle(); cam != nil {
			errs = append(errs, cam.Close())
			s.setCamera(nil)
		}
		if s.stopPumps != nil {
			s.stopPumps()
		}
		if s.pumps != nil {
			errs = append(errs, s.pumps.Wait())
		}
		s.photo.Clear()
		s.log.Debug("session: released all devices")
	})
	return errors.Join(errs...)
}

// conclude reports the outcome to metrics, the report pipeline and the UI.
func (s *Session) conclude(ctx context.Context) {
	ended := time.Now()
	s.metrics.RecordSessionEnd(ctx, ended.Sub(s.startTime).Seconds(), string(s.endReason))
	if s.endErr != nil {
		s.metrics.RecordSessionError(ctx, ErrorKind(s.endErr))
		s.log.Warn("session: ended with error", "reason", s.endReason, "err", s.endErr)
		if s.cb.OnError != nil {
			s.cb.OnError(s.endErr)
		}
	}

	var rep *Report
	switch {
	case !s.endReason.Reportable():
	case s.transcript.Len() == 0:
		s.log.Info("session: ended without transcript, skipping report", "reason", s.endReason)
	case s.deps.Reporter == nil:
		s.log.Debug("session: no reporter configured")
	default:
		r, err := s.deps.Reporter.Build(context.WithoutCancel(ctx), s.buildCase(ended))
		if err != nil {
			s.log.Warn("session: report incomplete", "err", err)
		}
		rep = &r
		s.resMu.Lock()
		s.report = rep
		s.resMu.Unlock()
	}

	s.log.Info("session: ended",
		"reason", s.endReason,
		"duration", ended.Sub(s.startTime),
		"entries", s.transcript.Len(),
		"photos", s.photoCount,
		"recorded_audio", s.rec.audioDuration(),
	)
	s.publish()
	if rep != nil && s.cb.OnEnded != nil {
		s.cb.OnEnded(*rep)
	}
}

func (s *Session) buildCase(ended time.Time) Case {
	return Case{
		SessionID:     s.id,
		UserID:        s.cfg.UserID,
		Mode:          s.cfg.Mode,
		StartedAt:     s.startTime,
		EndedAt:       ended,
		EndReason:     s.endReason,
		Transcript:    s.transcript.Entries(),
		RemoteSummary: s.remoteSummary,
		PhotoCount:    s.photoCount,
		Recordings:    s.rec.recordings(),
	}
}

// publish stores a fresh snapshot and hands it to OnState.
func (s *Session) publish() {
	snap := Snapshot{
		SessionID:     s.id,
		Mode:          s.cfg.Mode,
		Status:        s.turn.Status(),
		Muted:         s.muted,
		Ready:         s.ready && !s.finished,
		StartTime:     s.startTime,
		TimeRemaining: int(s.countdown.Remaining() / time.Second),
		Warning:       s.countdown.Warning() && !s.finished,
		Failure:       s.turn.Failure(),
		PhotoRequest:  s.photo,
		TranscriptLen: s.transcript.Len(),
		Ended:         s.finished,
	}
	if s.finished {
		snap.EndReason = s.endReason
	}
	s.snap.Store(&snap)
	if s.cb.OnState != nil {
		s.cb.OnState(snap)
	}
}
