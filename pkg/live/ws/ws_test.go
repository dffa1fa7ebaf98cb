package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/fixline/pkg/live"
	"github.com/MrWong99/fixline/pkg/live/ws"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeRaw sends a text frame.
func writeRaw(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

// readMessage reads one frame and decodes it.
func readMessage(t *testing.T, conn *websocket.Conn) live.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readMessage: %v", err)
		return live.Message{}
	}
	var m live.Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("readMessage unmarshal: %v", err)
	}
	return m
}

// nextEvent waits for the next event on ch.
func nextEvent(t *testing.T, ch <-chan live.Event) live.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return live.Event{}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestDial_QueryParameters(t *testing.T) {
	t.Parallel()

	got := make(chan *http.Request, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- r
		<-conn.CloseRead(context.Background()).Done()
	})

	d := ws.NewDialer(wsURL(srv), ws.WithHeader("Authorization", "Bearer t0ken"))
	ch, err := d.Dial(context.Background(), live.Params{UserID: "u-42", Mode: live.ModeVideo})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	r := <-got
	if r.URL.Path != "/live" {
		t.Errorf("path = %q, want /live", r.URL.Path)
	}
	if q := r.URL.Query(); q.Get("userId") != "u-42" || q.Get("mode") != "video" {
		t.Errorf("query = %v, want userId=u-42 mode=video", q)
	}
	if h := r.Header.Get("Authorization"); h != "Bearer t0ken" {
		t.Errorf("Authorization = %q", h)
	}
}

func TestDial_Failure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := ws.NewDialer(wsURL(srv)).Dial(context.Background(), live.Params{})
	if err == nil {
		t.Fatal("expected dial error")
	}
}

func TestInboundMessages_BecomeEventsInOrder(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		for _, m := range []string{
			`{"type":"ready"}`,
			`{"type":"audio","data":"AAAA"}`,
			`not json`,
			`{"type":"somethingNew"}`,
			`{"type":"aiTranscript","data":"Let's check"}`,
			`{"type":"userTranscript","data":"my wifi is down"}`,
			`{"type":"turnComplete"}`,
			`{"type":"photoRequest","prompt":"show the router lights"}`,
			`{"type":"error","message":"quota exceeded"}`,
			`{"type":"endSession","summary":"router rebooted"}`,
			`{"type":"endSession"}`,
		} {
			writeRaw(t, conn, m)
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := ws.NewDialer(wsURL(srv)).Dial(context.Background(), live.Params{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	want := []live.Event{
		{Kind: live.EventReady},
		{Kind: live.EventAudio, Data: "AAAA"},
		{Kind: live.EventAITranscript, Data: "Let's check"},
		{Kind: live.EventUserTranscript, Data: "my wifi is down"},
		{Kind: live.EventTurnComplete},
		{Kind: live.EventPhotoRequest, Prompt: "show the router lights"},
		{Kind: live.EventError, Message: "quota exceeded"},
		{Kind: live.EventEndSession, Summary: "router rebooted", HasSummary: true},
		{Kind: live.EventEndSession},
	}
	for i, w := range want {
		ev := nextEvent(t, ch.Events())
		if ev.Kind != w.Kind || ev.Data != w.Data || ev.Prompt != w.Prompt ||
			ev.Message != w.Message || ev.Summary != w.Summary || ev.HasSummary != w.HasSummary {
			t.Errorf("event %d = %+v, want %+v", i, ev, w)
		}
		if ev.Received.IsZero() {
			t.Errorf("event %d has no arrival time", i)
		}
	}
}

func TestOutboundMessages(t *testing.T) {
	t.Parallel()

	got := make(chan []live.Message, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var msgs []live.Message
		for range 3 {
			msgs = append(msgs, readMessage(t, conn))
		}
		got <- msgs
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := ws.NewDialer(wsURL(srv)).Dial(context.Background(), live.Params{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	if err := ch.SendAudio("UENNMTY="); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := ch.SendImage("/9j/"); err != nil {
		t.Fatalf("SendImage: %v", err)
	}
	if err := ch.SendText("the light is orange"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	var msgs []live.Message
	select {
	case msgs = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive messages")
	}
	want := []live.Message{
		{Type: live.TypeAudio, Data: "UENNMTY="},
		{Type: live.TypeImage, Data: "/9j/"},
		{Type: live.TypeText, Data: "the light is orange"},
	}
	for i := range want {
		if msgs[i].Type != want[i].Type || msgs[i].Data != want[i].Data {
			t.Errorf("message %d = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestAbruptClose_EmitsClosedWithError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		writeRaw(t, conn, `{"type":"ready"}`)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	ch, err := ws.NewDialer(wsURL(srv)).Dial(context.Background(), live.Params{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	if ev := nextEvent(t, ch.Events()); ev.Kind != live.EventReady {
		t.Fatalf("first event = %v, want ready", ev.Kind)
	}
	ev := nextEvent(t, ch.Events())
	if ev.Kind != live.EventClosed || ev.Err == nil {
		t.Fatalf("event = %+v, want closed with error", ev)
	}
	if ch.Err() == nil {
		t.Error("Err() = nil after abrupt close")
	}

	// The event stream ends after the closed event.
	select {
	case _, ok := <-ch.Events():
		if ok {
			t.Error("unexpected event after closed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event channel was not closed")
	}
}

func TestNormalRemoteClose_EmitsClosedWithoutError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	ch, err := ws.NewDialer(wsURL(srv)).Dial(context.Background(), live.Params{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	ev := nextEvent(t, ch.Events())
	if ev.Kind != live.EventClosed || ev.Err != nil {
		t.Fatalf("event = %+v, want closed without error", ev)
	}
}

func TestClose_IdempotentAndRejectsSends(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := ws.NewDialer(wsURL(srv)).Dial(context.Background(), live.Params{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := ch.SendAudio("AAAA"); !errors.Is(err, live.ErrClosed) {
		t.Errorf("SendAudio after close = %v, want ErrClosed", err)
	}
	for range ch.Events() {
	}
}

func TestSend_Backpressure(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		// Do not read, so the client's writes eventually stall.
		<-release
	})

	ch, err := ws.NewDialer(wsURL(srv), ws.WithQueueSize(1)).Dial(context.Background(), live.Params{})
	if err != nil {
		close(release)
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()
	defer close(release) // runs first: the server drops the connection

	big := strings.Repeat("A", 1<<20)
	var sawBackpressure bool
	for range 256 {
		if err := ch.SendAudio(big); errors.Is(err, live.ErrBackpressure) {
			sawBackpressure = true
			break
		}
	}
	if !sawBackpressure {
		t.Error("expected ErrBackpressure with a stalled peer and a queue of 1")
	}
}
