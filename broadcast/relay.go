// Package broadcast relays encoded board events between server instances
// over Redis pub/sub so every connected session sees every committed change.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const reconnectDelay = time.Second

type message struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Relay publishes frames for other instances and delivers theirs locally.
// Frames published by this instance are not delivered back to it.
type Relay struct {
	rc       *redis.Client
	channel  string
	instance string
	logger   *log.Logger
}

func NewRelay(rc *redis.Client, channel string, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{rc: rc, channel: channel, instance: uuid.NewString(), logger: logger}
}

// Publish sends one encoded event frame to the other instances.
func (r *Relay) Publish(ctx context.Context, frame []byte) error {
	payload, err := sonic.Marshal(message{Origin: r.instance, Frame: frame})
	if err != nil {
		return err
	}
	return r.rc.Publish(ctx, r.channel, payload).Err()
}

// Run subscribes to the channel until ctx is cancelled, resubscribing when
// the connection drops. ready, if not nil, is closed once the first
// subscription is confirmed.
func (r *Relay) Run(ctx context.Context, deliver func(frame []byte), ready chan<- struct{}) {
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			r.logger.WithError(err).Error("broadcast subscribe failed, retrying")
			if !sleep(ctx, reconnectDelay) {
				return
			}
			continue
		}
		if ready != nil {
			close(ready)
			ready = nil
		}
		r.consume(ctx, sub.Channel(), deliver)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("broadcast channel closed, reconnecting")
		if !sleep(ctx, reconnectDelay) {
			return
		}
	}
}

func (r *Relay) consume(ctx context.Context, ch <-chan *redis.Message, deliver func(frame []byte)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m message
			if err := sonic.UnmarshalString(msg.Payload, &m); err != nil {
				r.logger.WithError(err).Warn("unable to parse broadcast message")
				continue
			}
			if m.Origin == r.instance {
				continue
			}
			deliver(m.Frame)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
