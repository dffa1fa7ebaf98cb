package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/fixline/internal/casestore"
	"github.com/MrWong99/fixline/internal/config"
	"github.com/MrWong99/fixline/internal/observe"
	"github.com/MrWong99/fixline/internal/server"
	"github.com/MrWong99/fixline/internal/session"
	"github.com/MrWong99/fixline/pkg/audio"
	"github.com/MrWong99/fixline/pkg/audio/spectrum"
	"github.com/MrWong99/fixline/pkg/live"
	"github.com/MrWong99/fixline/pkg/video"
)

// recentReports is how many finished reports are kept in memory for
// download.
const recentReports = 16

// Compile-time assertions that SessionManager serves the control surface.
var (
	_ server.Controller = (*SessionManager)(nil)
	_ server.Reports    = (*SessionManager)(nil)
)

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Config returns the current configuration. Session settings are read
	// on every Start so reloaded values apply to the next session.
	Config func() *config.Config

	Audio  audio.Platform
	Camera video.Opener
	Dialer live.Dialer

	// Reporter builds reports of finished sessions. Nil disables reports.
	Reporter *session.Reporter

	// Store and Renderer serve reports that are no longer held in memory.
	// Both are optional.
	Store    casestore.Store
	Renderer session.Renderer

	// Hub receives the session events. Required.
	Hub *server.Hub

	Metrics *observe.Metrics
}

// SessionManager runs at most one session at a time and serves finished
// reports. All exported methods are safe for concurrent use.
type SessionManager struct {
	deps SessionManagerConfig

	// baseCtx parents every session so that a session outlives the request
	// that started it.
	baseCtx context.Context

	mu      sync.Mutex
	current *session.Session
	last    *session.Session
	reports map[string]session.Report
	order   []string
	wg      sync.WaitGroup
}

// NewSessionManager creates a SessionManager. Sessions run under ctx; cancel
// it to cancel every running session.
func NewSessionManager(ctx context.Context, cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		deps:    cfg,
		baseCtx: ctx,
		reports: make(map[string]session.Report),
	}
}

// Start begins a new session with req merged over the configured defaults.
// It returns [server.ErrSessionActive] while another session runs.
func (sm *SessionManager) Start(_ context.Context, req server.StartRequest) (session.Snapshot, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.runningLocked() != nil {
		return session.Snapshot{}, server.ErrSessionActive
	}

	cfg := sm.sessionConfig(req)
	if cfg.Mode == live.ModeVideo && sm.deps.Camera == nil {
		return session.Snapshot{}, server.ErrModeUnavailable
	}

	s := session.New(cfg, session.Deps{
		Audio:     sm.deps.Audio,
		Camera:    sm.deps.Camera,
		Dialer:    sm.deps.Dialer,
		Reporter:  sm.deps.Reporter,
		Callbacks: sm.callbacks(),
		Metrics:   sm.deps.Metrics,
	})
	sm.current = s
	sm.last = s

	log := slog.With("session_id", s.ID())
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		err := s.Run(sm.baseCtx)
		if err != nil {
			log.Warn("session ended with error", "err", err)
		}
		sm.finish(s)
	}()

	log.Info("session started", "mode", cfg.Mode, "user_id", cfg.UserID)
	return s.Snapshot(), nil
}

// sessionConfig maps the current configuration and req onto a
// [session.Config].
func (sm *SessionManager) sessionConfig(req server.StartRequest) session.Config {
	c := sm.deps.Config()
	sc := c.Session

	mode := req.Mode
	if mode == "" {
		mode = sc.Mode
	}
	user := req.UserID
	if user == "" {
		user = sc.UserID
	}
	return session.Config{
		UserID:        user,
		Mode:          mode,
		MaxDuration:   sc.MaxDuration,
		WarningWindow: sc.WarningWindow,
		TurnDebounce:  sc.TurnDebounce,
		DialTimeout:   c.Live.DialTimeout,
		FrameInterval: sc.FrameInterval,
		FrameEncode:   video.EncodeOptions{MaxWidth: sc.FrameMaxWidth, Quality: sc.FrameQuality},
		PhotoEncode:   video.EncodeOptions{MaxWidth: sc.PhotoMaxWidth, Quality: sc.FrameQuality},
		Capture: audio.CaptureConfig{
			DeviceName: c.Audio.CaptureDevice,
			FrameSize:  c.Audio.FrameSize,
		},
		Playback:          audio.PlaybackConfig{DeviceName: c.Audio.PlaybackDevice},
		MaxRecordingBytes: sc.MaxRecordingBytes,
	}
}

// callbacks forwards session notifications to the event hub.
func (sm *SessionManager) callbacks() session.Callbacks {
	hub := sm.deps.Hub
	return session.Callbacks{
		OnReady: func() {
			hub.Publish(server.Event{Type: server.EventReady})
		},
		OnState: func(snap session.Snapshot) {
			hub.Publish(server.Event{Type: server.EventState, Data: snap})
		},
		OnTranscriptUpdate: func(entries []session.Entry) {
			hub.Publish(server.Event{Type: server.EventTranscript, Data: entries})
		},
		OnPhotoRequested: func(req session.PhotoRequest) {
			hub.Publish(server.Event{Type: server.EventPhotoRequested, Data: req})
		},
		OnError: func(err error) {
			hub.Publish(server.Event{Type: server.EventError, Data: errorEvent{
				Kind:    session.ErrorKind(err),
				Message: session.UserMessage(err),
			}})
		},
		OnEnded: func(rep session.Report) {
			sm.keep(rep)
			hub.Publish(server.Event{Type: server.EventEnded, Data: endedEvent{
				CaseID:    rep.Case.ID,
				EndReason: rep.Case.EndReason,
				Summary:   rep.Case.Summary,
				Report:    rep.Artifact.Name,
			}})
		},
	}
}

// errorEvent is the payload of an error event.
type errorEvent struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// endedEvent is the payload of an ended event. Report is empty when no
// artifact was rendered.
type endedEvent struct {
	CaseID    string            `json:"caseId"`
	EndReason session.EndReason `json:"endReason"`
	Summary   session.Summary   `json:"summary"`
	Report    string            `json:"report,omitempty"`
}

// keep stores rep for download, evicting the oldest beyond recentReports.
func (sm *SessionManager) keep(rep session.Report) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	id := rep.Case.ID
	if _, ok := sm.reports[id]; !ok {
		sm.order = append(sm.order, id)
	}
	sm.reports[id] = rep
	for len(sm.order) > recentReports {
		delete(sm.reports, sm.order[0])
		sm.order = sm.order[1:]
	}
}

func (sm *SessionManager) finish(s *session.Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current == s {
		sm.current = nil
	}
}

// runningLocked returns the current session unless it has finished. The
// caller must hold sm.mu.
func (sm *SessionManager) runningLocked() *session.Session {
	if sm.current == nil {
		return nil
	}
	select {
	case <-sm.current.Done():
		sm.current = nil
	default:
	}
	return sm.current
}

// active returns the running session or [server.ErrNoSession].
func (sm *SessionManager) active() (*session.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.runningLocked()
	if s == nil {
		return nil, server.ErrNoSession
	}
	return s, nil
}

// IsActive reports whether a session is running.
func (sm *SessionManager) IsActive() bool {
	_, err := sm.active()
	return err == nil
}

// Snapshot returns the state of the running session, or of the most recent
// one after it ended.
func (sm *SessionManager) Snapshot() (session.Snapshot, bool) {
	sm.mu.Lock()
	s := sm.last
	sm.mu.Unlock()
	if s == nil {
		return session.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// End ends the running session and waits until it has finished, including
// its report.
func (sm *SessionManager) End(ctx context.Context) error {
	s, err := sm.active()
	if err != nil {
		return err
	}
	return s.End(ctx)
}

// SetMuted implements [server.Controller].
func (sm *SessionManager) SetMuted(ctx context.Context, muted bool) error {
	s, err := sm.active()
	if err != nil {
		return err
	}
	return s.SetMuted(ctx, muted)
}

// SendText implements [server.Controller].
func (sm *SessionManager) SendText(ctx context.Context, text string) error {
	s, err := sm.active()
	if err != nil {
		return err
	}
	return s.SendText(ctx, text)
}

// SubmitPhoto implements [server.Controller].
func (sm *SessionManager) SubmitPhoto(ctx context.Context, jpeg []byte) error {
	s, err := sm.active()
	if err != nil {
		return err
	}
	return s.SubmitPhoto(ctx, jpeg)
}

// Spectrum returns the visualisation frame of the running session.
func (sm *SessionManager) Spectrum() (spectrum.Frame, bool) {
	s, err := sm.active()
	if err != nil {
		return spectrum.Frame{}, false
	}
	return s.Visualizer().Snapshot(), true
}

// Artifact returns the rendered report of a case, from memory when it
// finished recently and from the case store otherwise.
func (sm *SessionManager) Artifact(ctx context.Context, caseID string) (session.Artifact, error) {
	sm.mu.Lock()
	rep, ok := sm.reports[caseID]
	sm.mu.Unlock()
	if ok && len(rep.Artifact.Body) > 0 {
		return rep.Artifact, nil
	}

	if sm.deps.Store == nil || sm.deps.Renderer == nil {
		return session.Artifact{}, casestore.ErrNotFound
	}
	c, err := sm.deps.Store.GetCase(ctx, caseID)
	if err != nil {
		return session.Artifact{}, err
	}
	return sm.deps.Renderer.Render(ctx, c)
}

// ListCases implements [server.Reports]. Without a store it returns only
// the reports held in memory, newest first.
func (sm *SessionManager) ListCases(ctx context.Context, opts casestore.ListOpts) ([]casestore.CaseRef, error) {
	if sm.deps.Store != nil {
		return sm.deps.Store.ListCases(ctx, opts)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	refs := make([]casestore.CaseRef, 0, len(sm.order))
	for i := len(sm.order) - 1; i >= 0; i-- {
		c := sm.reports[sm.order[i]].Case
		if opts.UserID != "" && c.UserID != opts.UserID {
			continue
		}
		refs = append(refs, casestore.RefOf(c))
		if opts.Limit > 0 && len(refs) == opts.Limit {
			break
		}
	}
	return refs, nil
}

// Shutdown ends the running session, if any, and waits until every
// session goroutine has returned or ctx expires.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	if err := sm.End(ctx); err != nil && !errors.Is(err, server.ErrNoSession) {
		return err
	}
	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
