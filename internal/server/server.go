// Package server exposes the local HTTP and WebSocket control surface used
// by the UI: starting and ending sessions, the photo, text and mute
// controls, a live event stream, and report downloads.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/fixline/internal/casestore"
	"github.com/MrWong99/fixline/internal/health"
	"github.com/MrWong99/fixline/internal/observe"
	"github.com/MrWong99/fixline/internal/session"
	"github.com/MrWong99/fixline/pkg/audio/spectrum"
	"github.com/MrWong99/fixline/pkg/live"
)

// Request errors mapped onto HTTP status codes.
var (
	// ErrSessionActive is returned by [Controller.Start] while a session
	// is running.
	ErrSessionActive = errors.New("server: a session is already active")

	// ErrNoSession is returned by control calls without a running session.
	ErrNoSession = errors.New("server: no active session")

	// ErrModeUnavailable is returned by [Controller.Start] when the
	// requested mode cannot run on this machine.
	ErrModeUnavailable = errors.New("server: mode unavailable")
)

const (
	maxJSONBody  = 64 << 10
	maxPhotoBody = 16 << 20
)

// StartRequest is the body of POST /session.
type StartRequest struct {
	Mode   live.Mode `json:"mode"`
	UserID string    `json:"userId"`
}

// Controller runs at most one session at a time.
type Controller interface {
	Start(ctx context.Context, req StartRequest) (session.Snapshot, error)

	// Snapshot returns the state of the current or most recent session.
	Snapshot() (session.Snapshot, bool)

	End(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	SendText(ctx context.Context, text string) error
	SubmitPhoto(ctx context.Context, jpeg []byte) error

	// Spectrum returns the visualisation frame of the running session.
	Spectrum() (spectrum.Frame, bool)
}

// Reports serves finished cases.
type Reports interface {
	// Artifact returns the rendered report of a case. It returns
	// [casestore.ErrNotFound] for an unknown ID.
	Artifact(ctx context.Context, caseID string) (session.Artifact, error)

	ListCases(ctx context.Context, opts casestore.ListOpts) ([]casestore.CaseRef, error)
}

// Server is the control surface. Create it with [New] and serve
// [Server.Handler].
type Server struct {
	ctrl    Controller
	reports Reports
	hub     *Hub

	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	originPatterns []string
	spectrumEvery  time.Duration
	writeTimeout   time.Duration
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics records request metrics on m instead of the default metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOriginPatterns accepts cross-origin event stream connections from
// hosts matching patterns, such as "localhost:5173".
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = append(s.originPatterns, patterns...) }
}

// WithSpectrumInterval sets how often spectrum frames are streamed while a
// session runs. Zero disables spectrum frames.
func WithSpectrumInterval(d time.Duration) Option {
	return func(s *Server) { s.spectrumEvery = d }
}

// New returns a server for ctrl. reports may be nil, which disables report
// downloads and case listing. Session events published on hub are streamed
// to every /session/events client.
func New(ctrl Controller, reports Reports, hub *Hub, opts ...Option) *Server {
	s := &Server{
		ctrl:          ctrl,
		reports:       reports,
		hub:           hub,
		spectrumEvery: time.Second / 15,
		writeTimeout:  5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", s.handleStart)
	mux.HandleFunc("GET /session", s.handleSnapshot)
	mux.HandleFunc("DELETE /session", s.handleEnd)
	mux.HandleFunc("POST /session/photo", s.handlePhoto)
	mux.HandleFunc("POST /session/text", s.handleText)
	mux.HandleFunc("POST /session/mute", s.handleMute)
	mux.HandleFunc("GET /session/events", s.handleEvents)
	mux.HandleFunc("GET /reports/{caseID}", s.handleReport)
	mux.HandleFunc("GET /cases", s.handleCases)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return observe.Middleware(s.metrics)(recoverer(mux))
}

// ── Handlers ──────────────────────────────────────────────────────────────────

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Mode != "" && !req.Mode.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid mode %q", req.Mode))
		return
	}
	snap, err := s.ctrl.Start(r.Context(), req)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.ctrl.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, ErrNoSession)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.End(r.Context())
	if err != nil && !errors.Is(err, ErrNoSession) && !errors.Is(err, session.ErrNotActive) {
		writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPhotoBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if len(data) == 0 {
		data = nil
	}
	if err := s.ctrl.SubmitPhoto(r.Context(), data); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	if err := s.ctrl.SendText(r.Context(), body.Text); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Muted *bool `json:"muted"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Muted == nil {
		writeError(w, http.StatusBadRequest, errors.New("muted is required"))
		return
	}
	if err := s.ctrl.SetMuted(r.Context(), *body.Muted); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusNotFound, casestore.ErrNotFound)
		return
	}
	art, err := s.reports.Artifact(r.Context(), r.PathValue("caseID"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Body)
}

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeJSON(w, http.StatusOK, []casestore.CaseRef{})
		return
	}
	q := r.URL.Query()
	opts := casestore.ListOpts{UserID: q.Get("userId"), Query: q.Get("q")}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", l))
			return
		}
		opts.Limit = n
	}
	refs, err := s.reports.ListCases(r.Context(), opts)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// errorBody is the JSON error response. Message is safe to show to users.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrSessionActive), errors.Is(err, ErrNoSession), errors.Is(err, session.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, ErrModeUnavailable), errors.Is(err, session.ErrNoCamera):
		return http.StatusUnprocessableEntity
	case errors.Is(err, casestore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	if status != http.StatusBadRequest {
		body.Message = session.UserMessage(err)
	}
	writeJSON(w, status, body)
}

// recoverer turns a handler panic into a 500 response.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				observe.Logger(r.Context()).Error("server: handler panic", "panic", v, "path", r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
