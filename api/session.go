package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	defaultSendBuf = 64
)

// Session is one websocket connection. Inbound frames are processed one at a
// time by the read loop; outbound frames pass through a bounded buffer
// drained by the write loop.
type Session struct {
	id     string
	userID string
	conn   *websocket.Conn
	hub    *Hub
	logger *log.Entry

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// guarded by hub.mu
	joined bool
	name   string
}

func newSession(conn *websocket.Conn, hub *Hub, userID string, buffer int) *Session {
	if buffer <= 0 {
		buffer = defaultSendBuf
	}
	id := uuid.NewString()
	return &Session{
		id:     id,
		userID: userID,
		conn:   conn,
		hub:    hub,
		logger: hub.logger.WithFields(log.Fields{"session": id, "user": userID}),
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// UserID is the authenticated subject of the connection.
func (s *Session) UserID() string { return s.userID }

// Send queues a frame without blocking. It reports false when the frame was
// dropped because the session is closed or its buffer is full.
func (s *Session) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// SendEvent encodes and queues an event for this session only.
func (s *Session) SendEvent(ev domain.Event) {
	frame, err := ev.Encode()
	if err != nil {
		s.logger.WithError(err).Error("unable to encode event")
		return
	}
	if !s.Send(frame) {
		s.logger.WithField("event", ev.Name).Warn("session send buffer full, dropping frame")
	}
}

// close stops the session; the write loop says goodbye and closes the
// connection, which in turn ends the read loop.
func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// run serves the connection until the peer goes away or ctx ends.
func (s *Session) run(ctx context.Context, d *Dispatcher) {
	s.hub.register(s)
	defer func() {
		s.hub.unregister(s)
		s.close()
	}()

	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.close()
		case <-s.done:
		}
	}()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Info("websocket closed unexpectedly")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		d.HandleFrame(ctx, s, raw)
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.WithError(err).Debug("websocket write failed")
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}
