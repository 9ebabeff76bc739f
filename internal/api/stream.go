package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"convoflow/internal/bus"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer    = 64
	streamWriteWait = 10 * time.Second
	streamPing      = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // admin surface; bind the API to a private address
	},
}

// handleEventStream pushes live pipeline events to a websocket client as
// JSON frames. ?type= filters by event type ("*" by default). A client that
// cannot keep up loses events rather than stalling the emitter.
func (s *Server) handleEventStream(rw http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		eventType = "*"
	}

	// Subscribe before upgrading so nothing emitted after the handshake is missed.
	send := make(chan bus.Event, streamBuffer)
	var dropped atomic.Int64
	id := s.cfg.Events.On(eventType, func(e bus.Event) {
		select {
		case send <- e:
		default:
			dropped.Add(1)
		}
	})
	defer s.cfg.Events.Off(eventType, id)

	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	s.logger.Info("event stream client connected", "remote", r.RemoteAddr, "type", eventType)

	// Reads only drain control frames and notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("event stream read error", "err", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPing)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			s.logger.Info("event stream client disconnected", "remote", r.RemoteAddr, "dropped", dropped.Load())
			return
		case <-s.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case e := <-send:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
