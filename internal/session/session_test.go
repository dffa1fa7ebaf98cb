package session_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/fixline/internal/observe"
	"github.com/MrWong99/fixline/internal/session"
	"github.com/MrWong99/fixline/pkg/audio"
	audiomock "github.com/MrWong99/fixline/pkg/audio/mock"
	"github.com/MrWong99/fixline/pkg/live"
	livemock "github.com/MrWong99/fixline/pkg/live/mock"
	"github.com/MrWong99/fixline/pkg/video"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// observer records every callback.
type observer struct {
	mu          sync.Mutex
	ready       int
	transcripts [][]session.Entry
	photos      []session.PhotoRequest
	ended       []session.Report
	errs        []error
	states      []session.Snapshot
	stateTimes  []time.Time
}

func (o *observer) callbacks() session.Callbacks {
	return session.Callbacks{
		OnReady: func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.ready++
		},
		OnTranscriptUpdate: func(e []session.Entry) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.transcripts = append(o.transcripts, e)
		},
		OnPhotoRequested: func(p session.PhotoRequest) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.photos = append(o.photos, p)
		},
		OnEnded: func(r session.Report) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.ended = append(o.ended, r)
		},
		OnError: func(err error) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.errs = append(o.errs, err)
		},
		OnState: func(s session.Snapshot) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.states = append(o.states, s)
			o.stateTimes = append(o.stateTimes, time.Now())
		},
	}
}

func (o *observer) snapshot() (ready int, ended []session.Report, errs []error, states []session.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready, append([]session.Report(nil), o.ended...), append([]error(nil), o.errs...), append([]session.Snapshot(nil), o.states...)
}

// countingSummarizer, countingStore and countingRenderer count how often the
// report collaborators are invoked.
type countingSummarizer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSummarizer) Summarize(_ context.Context, tr []session.Entry, _ int) (session.Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return session.Summary{Issue: tr[0].Text}, nil
}

func (c *countingSummarizer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type countingStore struct {
	mu    sync.Mutex
	cases []session.Case
}

func (c *countingStore) SaveCase(_ context.Context, cs session.Case) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cases = append(c.cases, cs)
	return cs.ID, nil
}

func (c *countingStore) saved() []session.Case {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.Case(nil), c.cases...)
}

type countingRenderer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingRenderer) Render(_ context.Context, cs session.Case) (session.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return session.Artifact{Name: cs.ID + ".md", ContentType: "text/markdown", Body: []byte("report")}, nil
}

func (c *countingRenderer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// stillCamera always returns the same small image.
type stillCamera struct {
	mu     sync.Mutex
	shots  int
	closes int
}

func (c *stillCamera) Snapshot(context.Context) (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shots++
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	return img, nil
}

func (c *stillCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *stillCamera) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type cameraOpener struct{ cam *stillCamera }

func (o cameraOpener) OpenCamera(context.Context) (video.Camera, error) { return o.cam, nil }

type harness struct {
	sess     *session.Session
	mic      *audiomock.CaptureDevice
	spk      *audiomock.PlaybackDevice
	platform *audiomock.Platform
	ch       *livemock.Channel
	dialer   *livemock.Dialer
	obs      *observer
	sum      *countingSummarizer
	store    *countingStore
	render   *countingRenderer
	errc     chan error
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newHarness builds a session over mocks. configure may adjust the config
// and deps before the session is created.
func newHarness(t *testing.T, cfg session.Config, configure func(*harness, *session.Deps)) *harness {
	t.Helper()
	h := &harness{
		mic:    audiomock.NewCaptureDevice(audio.Format{SampleRate: 48000, Channels: 1}),
		spk:    &audiomock.PlaybackDevice{},
		ch:     livemock.NewChannel(),
		obs:    &observer{},
		sum:    &countingSummarizer{},
		store:  &countingStore{},
		render: &countingRenderer{},
		errc:   make(chan error, 1),
	}
	h.platform = &audiomock.Platform{Capture: h.mic, Playback: h.spk}
	h.dialer = &livemock.Dialer{Channel: h.ch}
	deps := session.Deps{
		Audio:  h.platform,
		Dialer: h.dialer,
		Reporter: &session.Reporter{
			Summarizer: h.sum,
			Store:      h.store,
			Renderer:   h.render,
			Metrics:    testMetrics(t),
		},
		Callbacks: h.obs.callbacks(),
		Metrics:   testMetrics(t),
	}
	if configure != nil {
		configure(h, &deps)
	}
	h.sess = session.New(cfg, deps)
	return h
}

func (h *harness) start(ctx context.Context) {
	go func() { h.errc <- h.sess.Run(ctx) }()
}

// wait returns Run's result.
func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) startReady(t *testing.T) {
	t.Helper()
	h.start(context.Background())
	h.ch.Push(live.Event{Kind: live.EventReady})
	waitFor(t, "ready", func() bool { return h.sess.Snapshot().Ready })
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	if !h.mic.Released() {
		t.Error("microphone not released")
	}
	if !h.spk.Released() {
		t.Error("speaker not released")
	}
	if !h.ch.Released() {
		t.Error("channel not closed")
	}
}

func (h *harness) reportCalls() int {
	return h.sum.count() + len(h.store.saved()) + h.render.count()
}

// pcmChunk returns a base64 PCM16 payload of n silent samples.
func pcmChunk(n int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, 2*n))
}

func micFrame() audio.Frame {
	return audio.Frame{Samples: make([]float32, 480), SampleRate: 48000, Channels: 1}
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 32, 32)), nil); err != nil {
		t.Fatalf("jpeg: %v", err)
	}
	return buf.Bytes()
}

// ── Scenarios ─────────────────────────────────────────────────────────────────

func TestSession_TranscriptScenario(t *testing.T) {
	h := newHarness(t, session.Config{UserID: "u-1", MaxRecordingBytes: 1 << 20}, nil)
	h.startReady(t)

	h.mic.Push(micFrame())
	waitFor(t, "audio sent", func() bool { a, _, _ := h.ch.Counts(); return a == 1 })

	h.ch.Push(live.Event{Kind: live.EventUserTranscript, Data: "my wifi is down"})
	h.ch.Push(live.Event{Kind: live.EventAITranscript, Data: "Let's check"})
	h.ch.Push(live.Event{Kind: live.EventAITranscript, Data: " your router."})
	h.ch.Push(live.Event{Kind: live.EventTurnComplete})
	h.ch.Push(live.Event{Kind: live.EventEndSession, Summary: "checked router", HasSummary: true})

	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	_, ended, errs, _ := h.obs.snapshot()
	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	if len(ended) != 1 {
		t.Fatalf("OnEnded calls = %d, want 1", len(ended))
	}
	tr := ended[0].Case.Transcript
	if len(tr) != 2 {
		t.Fatalf("transcript entries = %d, want 2: %+v", len(tr), tr)
	}
	if tr[1].Role != session.RoleAssistant || tr[1].Text != "Let's check your router." {
		t.Errorf("second entry = %+v", tr[1])
	}
	c := ended[0].Case
	if c.RemoteSummary != "checked router" || c.EndReason != session.EndRemote || c.UserID != "u-1" {
		t.Errorf("case = %+v", c)
	}
	if len(c.Recordings) != 1 || c.Recordings[0].Kind != session.RecordingUserAudio {
		t.Errorf("recordings = %+v, want the user audio track", c.Recordings)
	}
	if got := h.dialer.DialCalls; len(got) != 1 || got[0].UserID != "u-1" || got[0].Mode != live.ModeVoice {
		t.Errorf("dial params = %+v", got)
	}
	h.assertReleased(t)
}

func TestSession_EndTwiceIsSafe(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.startReady(t)

	ctx := context.Background()
	if err := h.sess.End(ctx); err != nil {
		t.Fatalf("first End: %v", err)
	}
	h.assertReleased(t)
	if err := h.sess.End(ctx); err != nil {
		t.Fatalf("second End: %v", err)
	}
	h.assertReleased(t)
	if err := h.wait(t); err != nil {
		t.Errorf("Run: %v", err)
	}
	if h.mic.CallCountClose != 1 || h.ch.CallCountClose != 1 || h.spk.CallCountClose != 1 {
		t.Errorf("close counts mic=%d ch=%d spk=%d, want 1 each",
			h.mic.CallCountClose, h.ch.CallCountClose, h.spk.CallCountClose)
	}
	snap := h.sess.Snapshot()
	if !snap.Ended || snap.Status != session.StatusIdle || snap.EndReason != session.EndUser {
		t.Errorf("final snapshot = %+v", snap)
	}
}

func TestSession_ConcurrentEnds(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.startReady(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.sess.End(context.Background()); err != nil {
				t.Errorf("End: %v", err)
			}
		}()
	}
	wg.Wait()
	h.assertReleased(t)
	_ = h.wait(t)
}

func TestSession_EmptySessionSkipsReport(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.startReady(t)

	h.ch.Push(live.Event{Kind: live.EventEndSession})
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.reportCalls(); n != 0 {
		t.Errorf("report collaborator calls = %d, want 0", n)
	}
	if _, ended, _, _ := h.obs.snapshot(); len(ended) != 0 {
		t.Errorf("OnEnded called for an empty session")
	}
	if _, ok := h.sess.Report(); ok {
		t.Error("Report() returned a report for an empty session")
	}
	h.assertReleased(t)
}

func TestSession_TimerTeardownRunsOnce(t *testing.T) {
	h := newHarness(t, session.Config{
		MaxDuration:   90 * time.Second,
		WarningWindow: 60 * time.Second,
		TickInterval:  2 * time.Millisecond,
	}, nil)
	h.startReady(t)
	h.ch.Push(live.Event{Kind: live.EventUserTranscript, Data: "the printer is offline"})

	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	_, ended, _, states := h.obs.snapshot()
	warned := map[int]bool{}
	var atZero *session.Snapshot
	for i := range states {
		s := states[i]
		if s.Ended {
			continue
		}
		if s.Warning {
			warned[s.TimeRemaining] = true
		}
		if s.TimeRemaining == 0 && atZero == nil {
			atZero = &s
		}
		if !s.Warning && s.TimeRemaining > 0 && s.TimeRemaining <= 60 {
			t.Errorf("warning missing at %ds remaining", s.TimeRemaining)
		}
		if s.Warning && s.TimeRemaining > 60 {
			t.Errorf("warning raised early at %ds remaining", s.TimeRemaining)
		}
	}
	if len(warned) != 60 {
		t.Errorf("ticks with warning = %d, want 60", len(warned))
	}
	if atZero == nil {
		t.Fatal("no snapshot at zero")
	}
	if atZero.Status != session.StatusListening {
		t.Errorf("status at zero = %s, want listening", atZero.Status)
	}

	if h.mic.CallCountClose != 1 || h.ch.CallCountClose != 1 || h.spk.CallCountClose != 1 {
		t.Errorf("teardown not exactly once: mic=%d ch=%d spk=%d",
			h.mic.CallCountClose, h.ch.CallCountClose, h.spk.CallCountClose)
	}
	if len(ended) != 1 || ended[0].Case.EndReason != session.EndTimeout {
		t.Errorf("ended = %+v, want one timeout report", ended)
	}
	if h.sum.count() != 1 {
		t.Errorf("summarizer calls = %d, want 1", h.sum.count())
	}
}

func TestSession_TurnDebounce(t *testing.T) {
	h := newHarness(t, session.Config{TurnDebounce: 300 * time.Millisecond}, nil)
	h.startReady(t)

	chunkAt := time.Now()
	h.ch.Push(live.Event{Kind: live.EventAudio, Data: pcmChunk(240), Received: chunkAt})
	waitFor(t, "speaking", func() bool { return h.sess.Snapshot().Status == session.StatusSpeaking })

	time.Sleep(time.Until(chunkAt.Add(50 * time.Millisecond)))
	h.ch.Push(live.Event{Kind: live.EventTurnComplete})

	time.Sleep(time.Until(chunkAt.Add(200 * time.Millisecond)))
	if got := h.sess.Snapshot().Status; got != session.StatusSpeaking {
		t.Fatalf("status at 200ms = %s, want speaking", got)
	}

	waitFor(t, "listening", func() bool { return h.sess.Snapshot().Status == session.StatusListening })
	_, _, _, states := h.obs.snapshot()
	h.obs.mu.Lock()
	times := append([]time.Time(nil), h.obs.stateTimes...)
	h.obs.mu.Unlock()
	for i := len(states) - 1; i >= 0; i-- {
		if states[i].Status == session.StatusListening {
			if elapsed := times[i].Sub(chunkAt); elapsed < 300*time.Millisecond {
				t.Errorf("listening after %v, want >= 300ms", elapsed)
			}
			break
		}
	}

	_ = h.sess.End(context.Background())
	_ = h.wait(t)
}

func TestSession_PlaybackIsGapless(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.startReady(t)

	sizes := []int{240, 480, 120, 960}
	for _, n := range sizes {
		h.ch.Push(live.Event{Kind: live.EventAudio, Data: pcmChunk(n)})
	}
	waitFor(t, "all chunks scheduled", func() bool { return len(h.spk.Calls()) == len(sizes) })

	calls := h.spk.Calls()
	for i := 1; i < len(calls); i++ {
		want := calls[i-1].Start + int64(len(calls[i-1].Samples))
		if calls[i].Start != want {
			t.Errorf("chunk %d starts at %d, want %d", i, calls[i].Start, want)
		}
	}

	_ = h.sess.End(context.Background())
	_ = h.wait(t)
}

func TestSession_DecodeFailureIsDropped(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.startReady(t)

	h.ch.Push(live.Event{Kind: live.EventAudio, Data: "%%% not base64"})
	h.ch.Push(live.Event{Kind: live.EventAudio, Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})})
	h.ch.Push(live.Event{Kind: live.EventAudio, Data: pcmChunk(240)})
	h.ch.Push(live.Event{Kind: live.EventUserTranscript, Data: "still here"})
	h.ch.Push(live.Event{Kind: live.EventEndSession})

	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(h.spk.Calls()); n != 1 {
		t.Errorf("scheduled buffers = %d, want 1", n)
	}
	if _, ended, _, _ := h.obs.snapshot(); len(ended) != 1 {
		t.Error("session did not end normally after decode failures")
	}
}

// ── Failure paths ─────────────────────────────────────────────────────────────

func TestSession_AcquireFailures(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*harness, *session.Deps)
		mode      live.Mode
		want      error
		micFreed  bool
	}{
		{
			name:      "microphone permission",
			configure: func(h *harness, _ *session.Deps) { h.platform.CaptureError = audio.ErrPermissionDenied },
			want:      session.ErrPermissionDenied,
		},
		{
			name:      "no speaker",
			configure: func(h *harness, _ *session.Deps) { h.platform.PlaybackError = audio.ErrDeviceNotFound },
			want:      session.ErrDeviceNotFound,
			micFreed:  true,
		},
		{
			name:      "video without camera",
			configure: nil,
			mode:      live.ModeVideo,
			want:      session.ErrDeviceNotFound,
			micFreed:  true,
		},
		{
			name:      "dial failure",
			configure: func(h *harness, _ *session.Deps) { h.dialer.DialError = errors.New("503") },
			want:      session.ErrConnectionFailed,
			micFreed:  true,
		},
		{
			name:      "capture start failure",
			configure: func(h *harness, _ *session.Deps) { h.mic.StartError = errors.New("busy") },
			want:      session.ErrAcquireFailed,
			micFreed:  true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, session.Config{Mode: tc.mode}, tc.configure)
			h.start(context.Background())
			err := h.wait(t)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Run = %v, want %v", err, tc.want)
			}
			_, _, errs, _ := h.obs.snapshot()
			if len(errs) != 1 || !errors.Is(errs[0], tc.want) {
				t.Errorf("OnError = %v", errs)
			}
			if tc.micFreed && !h.mic.Released() {
				t.Error("microphone left open after failure")
			}
			snap := h.sess.Snapshot()
			if snap.Status != session.StatusIdle || snap.Failure == "" {
				t.Errorf("snapshot = %+v, want idle with failure", snap)
			}
			if h.reportCalls() != 0 {
				t.Error("report collaborators called on failure")
			}
		})
	}
}

func TestSession_CloseBeforeReadyIsConnectionFailed(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.start(context.Background())
	waitFor(t, "connecting", func() bool { return h.sess.Snapshot().Status == session.StatusConnecting })

	h.ch.Drop(errors.New("connection reset"))
	err := h.wait(t)
	if !errors.Is(err, session.ErrConnectionFailed) {
		t.Fatalf("Run = %v, want ErrConnectionFailed", err)
	}
	if got := h.sess.Snapshot().Status; got != session.StatusIdle {
		t.Errorf("status = %s, want idle", got)
	}
	h.assertReleased(t)
}

func TestSession_RemoteErrorFailsWithoutReport(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.startReady(t)
	h.ch.Push(live.Event{Kind: live.EventUserTranscript, Data: "hello"})
	h.ch.Push(live.Event{Kind: live.EventError, Message: "quota exceeded"})

	err := h.wait(t)
	if !errors.Is(err, session.ErrRemote) {
		t.Fatalf("Run = %v, want ErrRemote", err)
	}
	if h.reportCalls() != 0 {
		t.Error("report collaborators called after a remote error")
	}
	h.assertReleased(t)
}

func TestSession_DisconnectAfterReadyStillReports(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.startReady(t)
	h.ch.Push(live.Event{Kind: live.EventUserTranscript, Data: "my screen is black"})
	h.ch.Drop(errors.New("EOF"))

	err := h.wait(t)
	if !errors.Is(err, session.ErrUnexpectedDisconnect) {
		t.Fatalf("Run = %v, want ErrUnexpectedDisconnect", err)
	}
	_, ended, errs, _ := h.obs.snapshot()
	if len(errs) != 1 {
		t.Errorf("OnError calls = %d, want 1", len(errs))
	}
	if len(ended) != 1 || ended[0].Case.EndReason != session.EndDisconnect {
		t.Errorf("ended = %+v, want one disconnect report", ended)
	}
}

func TestSession_ContextCancelEnds(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.start(ctx)
	h.ch.Push(live.Event{Kind: live.EventReady})
	waitFor(t, "ready", func() bool { return h.sess.Snapshot().Ready })
	h.ch.Push(live.Event{Kind: live.EventUserTranscript, Data: "hi"})
	waitFor(t, "transcript", func() bool { return h.sess.Snapshot().TranscriptLen == 1 })

	cancel()
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := h.sess.Report(); !ok {
		t.Error("no report after cancellation with a transcript")
	}
	h.assertReleased(t)
}

// ── Control calls ─────────────────────────────────────────────────────────────

func TestSession_SplitPhotoMarkerNeverShownRaw(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.startReady(t)

	h.ch.Push(live.Event{Kind: live.EventAITranscript, Data: "Please show me the breaker. [PHOTO_"})
	h.ch.Push(live.Event{Kind: live.EventAITranscript, Data: "REQUEST: the breaker panel"})
	h.ch.Push(live.Event{Kind: live.EventAITranscript, Data: "] Thanks."})
	var updates [][]session.Entry
	waitFor(t, "transcript updates", func() bool {
		h.obs.mu.Lock()
		defer h.obs.mu.Unlock()
		updates = slices.Clone(h.obs.transcripts)
		return len(updates) == 3
	})
	if req := h.sess.Snapshot().PhotoRequest; !req.Pending || req.Prompt != "the breaker panel" {
		t.Errorf("photo request = %+v", req)
	}
	for i, entries := range updates {
		if text := entries[len(entries)-1].Text; strings.Contains(text, "[") {
			t.Errorf("update %d shows marker text: %q", i, text)
		}
	}
	if got := updates[2][0].Text; got != "Please show me the breaker. Thanks." {
		t.Errorf("final text = %q", got)
	}

	_ = h.sess.End(context.Background())
	_ = h.wait(t)
}

func TestSession_PhotoMarkerFlow(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.startReady(t)

	h.ch.Push(live.Event{Kind: live.EventAITranscript, Data: "Can you show me the lights? [PHOTO_REQUEST: the router lights]"})
	waitFor(t, "photo request", func() bool { return h.sess.Snapshot().PhotoRequest.Pending })
	if got := h.sess.Snapshot().PhotoRequest.Prompt; got != "the router lights" {
		t.Errorf("prompt = %q", got)
	}

	if err := h.sess.SubmitPhoto(context.Background(), testJPEG(t)); err != nil {
		t.Fatalf("SubmitPhoto: %v", err)
	}
	if h.sess.Snapshot().PhotoRequest.Pending {
		t.Error("request still pending after photo")
	}
	if imgs := h.ch.Images(); len(imgs) != 1 {
		t.Fatalf("images sent = %d, want 1", len(imgs))
	}

	h.ch.Push(live.Event{Kind: live.EventEndSession})
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, ended, _, _ := h.obs.snapshot()
	if len(ended) != 1 {
		t.Fatal("no report")
	}
	c := ended[0].Case
	if c.PhotoCount != 1 {
		t.Errorf("photo count = %d, want 1", c.PhotoCount)
	}
	if c.Transcript[0].Text != "Can you show me the lights? " {
		t.Errorf("marker not stripped: %q", c.Transcript[0].Text)
	}
	var photos int
	for _, r := range c.Recordings {
		if r.Kind == session.RecordingPhoto {
			photos++
		}
	}
	if photos != 1 {
		t.Errorf("photo recordings = %d, want 1", photos)
	}
}

func TestSession_VideoModeSamplesAndPhotoRequests(t *testing.T) {
	cam := &stillCamera{}
	h := newHarness(t, session.Config{Mode: live.ModeVideo, FrameInterval: 10 * time.Millisecond},
		func(_ *harness, d *session.Deps) { d.Camera = cameraOpener{cam: cam} })
	h.startReady(t)

	waitFor(t, "sampled frames", func() bool { return len(h.ch.Images()) >= 2 })

	h.ch.Push(live.Event{Kind: live.EventPhotoRequest, Prompt: "the cable"})
	h.ch.Push(live.Event{Kind: live.EventPhotoRequest, Prompt: "the label"})
	waitFor(t, "replaced prompt", func() bool { return h.sess.Snapshot().PhotoRequest.Prompt == "the label" })

	if err := h.sess.SubmitPhoto(context.Background(), nil); err != nil {
		t.Fatalf("SubmitPhoto: %v", err)
	}
	if h.sess.Snapshot().PhotoRequest.Pending {
		t.Error("request still pending")
	}

	if err := h.sess.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	_ = h.wait(t)

	sent := len(h.ch.Images())
	time.Sleep(40 * time.Millisecond)
	if after := len(h.ch.Images()); after != sent {
		t.Errorf("frames sent after teardown: %d -> %d", sent, after)
	}
	if cam.closeCount() != 1 {
		t.Errorf("camera closes = %d, want 1", cam.closeCount())
	}
}

func TestSession_PhotoRequestMessageIgnoredInVoiceMode(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.startReady(t)
	h.ch.Push(live.Event{Kind: live.EventPhotoRequest, Prompt: "x"})
	h.ch.Push(live.Event{Kind: live.EventUserTranscript, Data: "sync"})
	waitFor(t, "sync", func() bool { return h.sess.Snapshot().TranscriptLen == 1 })
	if h.sess.Snapshot().PhotoRequest.Pending {
		t.Error("photo request message honoured in voice mode")
	}
	if err := h.sess.SubmitPhoto(context.Background(), nil); !errors.Is(err, session.ErrNoCamera) {
		t.Errorf("SubmitPhoto without camera = %v, want ErrNoCamera", err)
	}
	_ = h.sess.End(context.Background())
	_ = h.wait(t)
}

func TestSession_MuteStopsOutboundAudio(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.startReady(t)
	ctx := context.Background()

	if err := h.sess.SetMuted(ctx, true); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	if !h.sess.Snapshot().Muted {
		t.Error("snapshot not muted")
	}
	h.mic.Push(micFrame())
	time.Sleep(30 * time.Millisecond)
	if a, _, _ := h.ch.Counts(); a != 0 {
		t.Fatalf("audio sent while muted: %d", a)
	}

	if err := h.sess.SetMuted(ctx, false); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	h.mic.Push(micFrame())
	waitFor(t, "audio after unmute", func() bool { a, _, _ := h.ch.Counts(); return a == 1 })

	_ = h.sess.End(ctx)
	_ = h.wait(t)
}

func TestSession_SendText(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.startReady(t)
	ctx := context.Background()

	if err := h.sess.SendText(ctx, "the light is orange"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if _, _, n := h.ch.Counts(); n != 1 {
		t.Errorf("text messages = %d, want 1", n)
	}
	if got := h.sess.Snapshot().TranscriptLen; got != 1 {
		t.Errorf("transcript length = %d, want 1", got)
	}
	_ = h.sess.End(ctx)
	_ = h.wait(t)
}

func TestSession_ControlCallsAfterEnd(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.startReady(t)
	ctx := context.Background()
	_ = h.sess.End(ctx)
	_ = h.wait(t)

	if err := h.sess.SetMuted(ctx, true); !errors.Is(err, session.ErrNotActive) {
		t.Errorf("SetMuted after end = %v", err)
	}
	if err := h.sess.SendText(ctx, "x"); !errors.Is(err, session.ErrNotActive) {
		t.Errorf("SendText after end = %v", err)
	}
	if err := h.sess.SubmitPhoto(ctx, testJPEG(t)); !errors.Is(err, session.ErrNotActive) {
		t.Errorf("SubmitPhoto after end = %v", err)
	}
	if err := h.sess.Run(ctx); err == nil {
		t.Error("second Run succeeded")
	}
}

func TestSession_VisualizerSeesBothPaths(t *testing.T) {
	h := newHarness(t, session.Config{}, nil)
	h.startReady(t)

	loud := make([]float32, 2048)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 0.8
		} else {
			loud[i] = -0.8
		}
	}
	h.mic.Push(audio.Frame{Samples: loud, SampleRate: 48000, Channels: 1})
	waitFor(t, "input level", func() bool { return h.sess.Visualizer().Input.Level() > 0.1 })

	pcm := make([]byte, 2*2048)
	for i := 0; i < len(pcm); i += 4 {
		pcm[i], pcm[i+1] = 0x00, 0x60
	}
	h.ch.Push(live.Event{Kind: live.EventAudio, Data: base64.StdEncoding.EncodeToString(pcm)})
	waitFor(t, "scheduled audio", func() bool { return len(h.spk.Calls()) == 1 })
	if lvl := h.sess.Visualizer().Output.Level(); lvl != 0 {
		t.Errorf("output level = %v before playback, want 0", lvl)
	}
	h.spk.Render(2048)
	if lvl := h.sess.Visualizer().Output.Level(); lvl <= 0.1 {
		t.Errorf("output level = %v after playback, want > 0.1", lvl)
	}

	_ = h.sess.End(context.Background())
	_ = h.wait(t)
}
