package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	writeWait         = 10 * time.Second
	reconnectInitial  = 500 * time.Millisecond
	reconnectMax      = 15 * time.Second
	maxInboundMessage = 1 << 20
)

// ErrNotConnected is returned by Send while no websocket is open.
var ErrNotConnected = errors.New("not connected")

// Conn is the client's websocket link to the board server. It implements
// Sender and feeds inbound events to a Reconciler.
type Conn struct {
	url    string
	token  string
	name   string
	dialer *websocket.Dialer
	logger *log.Logger

	mu sync.Mutex
	ws *websocket.Conn
}

// NewConn prepares a connection to the board websocket at url (ws:// or
// wss://). name is announced with joinBoard after every connect.
func NewConn(url, token, name string, logger *log.Logger) *Conn {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Conn{
		url:    url,
		token:  token,
		name:   name,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// Send writes one command frame.
func (c *Conn) Send(ctx context.Context, env domain.Envelope) error {
	frame, err := sonic.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Run keeps the connection up until ctx ends, reconnecting with backoff.
// Every successful connect switches r online; every loss switches it offline.
func (c *Conn) Run(ctx context.Context, r *Reconciler) {
	attempt := 0
	for {
		err := c.session(ctx, r)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			attempt++
		} else {
			attempt = 0
		}
		delay := reconnectDelay(attempt)
		c.logger.WithError(err).WithField("retry_in", delay).Warn("board connection lost")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session serves one websocket connection. It returns nil when an
// established connection ended, or the dial error.
func (c *Conn) session(ctx context.Context, r *Reconciler) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	ws, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}
	ws.SetReadLimit(maxInboundMessage)

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
		r.SetOffline()
	}()

	c.logger.WithField("url", c.url).Info("connected to board")
	if c.name != "" {
		if env, err := domain.NewEnvelope(domain.JoinBoard{Name: c.name}, ""); err == nil {
			if err := c.Send(ctx, env); err != nil {
				return nil
			}
		}
	}
	r.SetOnline(ctx)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				c.logger.WithError(err).Debug("websocket read failed")
			}
			return nil
		}
		ev, err := domain.DecodeEvent(raw)
		if err != nil {
			c.logger.WithError(err).Warn("ignoring undecodable event")
			continue
		}
		r.HandleEvent(ctx, ev)
	}
}

func reconnectDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return reconnectInitial
	}
	backoff := float64(reconnectInitial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(reconnectMax) {
		backoff = float64(reconnectMax)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

// WebsocketURL derives the board websocket endpoint from the server's HTTP
// base URL.
func WebsocketURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}
