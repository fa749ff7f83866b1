package api

import (
	"context"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Relay forwards encoded frames to other server instances.
type Relay interface {
	Publish(ctx context.Context, frame []byte) error
}

// Hub owns the sessions connected to this instance and fans events out to
// them. Delivery is at most once: a session whose buffer is full misses the
// frame and recovers through a resync.
type Hub struct {
	logger   *log.Logger
	relay    Relay
	exporter *Exporter

	mu       sync.RWMutex
	sessions map[*Session]struct{}
}

// NewHub creates a hub. relay and exporter are optional.
func NewHub(logger *log.Logger, relay Relay, exporter *Exporter) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		logger:   logger,
		relay:    relay,
		exporter: exporter,
		sessions: make(map[*Session]struct{}),
	}
}

// Publish delivers a committed event to every local session, other
// instances, and the exporter.
func (h *Hub) Publish(ctx context.Context, ev domain.Event) {
	frame, err := ev.Encode()
	if err != nil {
		h.logger.WithError(err).WithField("event", ev.Name).Error("unable to encode event")
		return
	}
	h.deliverLocal(frame)
	if h.relay != nil {
		if err := h.relay.Publish(ctx, frame); err != nil {
			h.logger.WithError(err).WithField("event", ev.Name).Warn("broadcast relay publish failed")
		}
	}
	if h.exporter != nil {
		h.exporter.Export(ev)
	}
}

// Deliver fans a frame received from another instance out to local sessions.
func (h *Hub) Deliver(frame []byte) {
	h.deliverLocal(frame)
}

func (h *Hub) deliverLocal(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if !s.Send(frame) {
			h.logger.WithFields(log.Fields{"session": s.id, "user": s.userID}).Warn("session send buffer full, dropping frame")
		}
	}
}

// SessionCount reports the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	h.logger.WithFields(log.Fields{"session": s.id, "user": s.userID}).Debug("session connected")
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	joined := s.joined
	h.mu.Unlock()
	if !ok {
		return
	}
	h.logger.WithFields(log.Fields{"session": s.id, "user": s.userID}).Debug("session disconnected")
	if joined {
		h.publishPresence()
	}
}

// join marks the session's user present under the given display name.
func (h *Hub) join(s *Session, name string) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	s.joined = true
	s.name = name
	h.mu.Unlock()
	h.publishPresence()
}

// Presence lists the users that joined the board on this instance, one entry
// per user, ordered by user id.
func (h *Hub) Presence() []domain.Presence {
	h.mu.RLock()
	byUser := make(map[string]domain.Presence)
	for s := range h.sessions {
		if !s.joined {
			continue
		}
		if p, ok := byUser[s.userID]; ok && p.Name != "" {
			continue
		}
		byUser[s.userID] = domain.Presence{UserID: s.userID, Name: s.name}
	}
	h.mu.RUnlock()

	users := make([]domain.Presence, 0, len(byUser))
	for _, p := range byUser {
		users = append(users, p)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// presence is per instance, so it is not relayed or exported
func (h *Hub) publishPresence() {
	frame, err := domain.PresenceEvent(h.Presence()).Encode()
	if err != nil {
		h.logger.WithError(err).Error("unable to encode presence")
		return
	}
	h.deliverLocal(frame)
}
