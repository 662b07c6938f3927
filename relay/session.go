package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/InsulaLabs/quire/models"
	"github.com/gorilla/websocket"
)

// A session is one accepted websocket connection. It may be subscribed to any
// number of channels; membership lives in the registry.
type Session struct {
	id     string
	conn   *websocket.Conn
	relay  *Relay
	logger *slog.Logger

	// Buffered channel of outbound messages.
	send chan []byte

	mu     sync.Mutex // protects closed and the send channel close
	closed bool
}

var _ Subscriber = &Session{}

func newSession(id string, conn *websocket.Conn, r *Relay) *Session {
	return &Session{
		id:     id,
		conn:   conn,
		relay:  r,
		logger: r.logger.With("connection_id", id, "remote_addr", conn.RemoteAddr().String()),
		send:   make(chan []byte, r.cfg.Sessions.SendBufferSize),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Deliver(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which sends a close frame and tears the socket
// down; the read pump then exits and unregisters.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// handleFrame applies one inbound frame. A bad frame is logged and dropped;
// the connection stays up.
func (s *Session) handleFrame(raw []byte) {
	var frame models.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.logger.Warn("Dropping malformed frame", "error", err)
		return
	}
	if frame.Event == "" {
		s.logger.Warn("Dropping frame without event name")
		return
	}

	name, prefixed, isControl := models.ControlEvent(frame.Event)
	if !isControl {
		if frame.Channel == "" {
			s.logger.Warn("Dropping client event without channel", "event", frame.Event)
			return
		}
		delivered := s.relay.registry.Publish(frame.Channel, raw, s)
		s.logger.Debug("Relayed client event", "event", frame.Event, "channel", frame.Channel, "delivered", delivered)
		return
	}

	channel, err := models.ChannelFromData(frame.Data)
	if err != nil || channel == "" {
		channel = frame.Channel
	}
	if channel == "" {
		s.logger.Warn("Dropping control frame without channel", "event", frame.Event, "error", err)
		return
	}

	switch name {
	case models.EventSubscribe:
		ack, err := json.Marshal(models.Frame{Event: models.AckEvent(prefixed), Channel: channel})
		if err != nil {
			s.logger.Error("Could not encode subscription acknowledgement", "channel", channel, "error", err)
			return
		}
		if err := s.relay.registry.Subscribe(s, channel, ack); err != nil {
			s.logger.Warn("Subscribe failed, dropping connection", "channel", channel, "error", err)
			s.relay.registry.RemoveConnection(s)
			return
		}
		s.logger.Info("Subscribed", "channel", channel)
	case models.EventUnsubscribe:
		s.relay.registry.Unsubscribe(s, channel)
		s.logger.Info("Unsubscribed", "channel", channel)
	}
}

// readPump pumps messages from the websocket connection to the registry.
// The relay runs readPump in a per-connection goroutine, so there is at most
// one reader on a connection.
func (s *Session) readPump() {
	defer func() {
		s.relay.registry.RemoveConnection(s)
		s.conn.Close()
		s.relay.connectionClosed()
		s.logger.Info("WebSocket readPump finished, connection closed and unregistered")
	}()

	pongWait := s.relay.cfg.Sessions.PongWait
	s.conn.SetReadLimit(s.relay.cfg.Sessions.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error("WebSocket read error", "error", err)
			} else {
				s.logger.Info("WebSocket connection closed", "error", err)
			}
			return
		}
		s.handleFrame(message)
	}
}

// writePump pumps messages from the send channel to the websocket connection.
// It is the only writer on the connection.
func (s *Session) writePump() {
	writeWait := s.relay.cfg.Sessions.WriteWait
	ticker := time.NewTicker((s.relay.cfg.Sessions.PongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Error("WebSocket message write error", "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Error("WebSocket ping write error", "error", err)
				return
			}
		case <-s.relay.appCtx.Done():
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"))
			return
		}
	}
}
