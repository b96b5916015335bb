package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/parley/internal/events"
)

const (
	eventBuffer    = 64
	eventWriteWait = 10 * time.Second
	eventPongWait  = 60 * time.Second
	eventPingEvery = eventPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams bus events to a websocket client. The optional
// "source" query parameter filters by comma-separated event sources.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errUnavailable, "event bus is disabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	filter := sourceFilter(r.URL.Query().Get("source"))
	sub := s.opts.Bus.Subscribe(eventBuffer)
	defer s.opts.Bus.Unsubscribe(sub)

	s.logger.Debug("event subscriber connected", "remote", r.RemoteAddr, "subscribers", s.opts.Bus.SubscriberCount())

	// The read side only handles control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-sub:
			if !filter(ev) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event subscriber write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}

func sourceFilter(param string) func(events.Event) bool {
	if param == "" {
		return func(events.Event) bool { return true }
	}
	want := make(map[string]bool)
	for _, src := range strings.Split(param, ",") {
		if src = strings.TrimSpace(src); src != "" {
			want[src] = true
		}
	}
	return func(ev events.Event) bool { return want[ev.Source] }
}
