package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/fixline/internal/observe"
)

// handleEvents streams hub events, plus spectrum frames while a session
// runs, to one WebSocket client. The first message is the current state.
// Messages sent by the client are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		observe.Logger(r.Context()).Debug("server: event stream upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(ctx)
	log.Debug("server: event stream opened", "subscribers", s.hub.Subscribers())

	if snap, ok := s.ctrl.Snapshot(); ok {
		if err := s.write(ctx, conn, Event{Type: EventState, Data: snap}); err != nil {
			return
		}
	}

	var tick <-chan time.Time
	if s.spectrumEvery > 0 {
		ticker := time.NewTicker(s.spectrumEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event stream closed")
				return
			}
			if err := s.write(ctx, conn, ev); err != nil {
				log.Debug("server: event stream write failed", "err", err)
				return
			}
		case <-tick:
			frame, ok := s.ctrl.Spectrum()
			if !ok {
				continue
			}
			if err := s.write(ctx, conn, Event{Type: EventSpectrum, Data: frame}); err != nil {
				log.Debug("server: event stream write failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
