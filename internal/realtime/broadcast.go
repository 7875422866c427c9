// SPDX-License-Identifier: MIT

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parkwell/spotd/internal/model"
)

// updatesChannel is the pub/sub channel carrying availability updates
// between instances while the cache is healthy.
const updatesChannel = "spotd:spot_updates"

// broadcastMessage is the wire form of an Update between instances.
type broadcastMessage struct {
	EventID   string `json:"event_id"`
	Origin    string `json:"origin"`
	SpotID    int64  `json:"spot_id"`
	LotID     int64  `json:"parking_lot_id"`
	Date      string `json:"booking_date"`
	Available bool   `json:"available"`
	Start     string `json:"start_time,omitempty"`
	End       string `json:"end_time,omitempty"`
}

// instanceID distinguishes this process on the broadcast channel.
var instanceID = uuid.NewString()

// EmitBroadcast delivers an update to local subscribers and publishes
// it for every other instance. Publish failures are non-fatal: the
// cross-instance poller covers the degraded case.
func (h *Hub) EmitBroadcast(ctx context.Context, up Update) {
	h.Emit(ctx, up)

	if !h.breaker.Healthy() {
		return
	}
	msg := broadcastMessage{
		EventID:   uuid.NewString(),
		Origin:    instanceID,
		SpotID:    up.SpotID,
		LotID:     up.LotID,
		Date:      up.Date,
		Available: up.Available,
	}
	if up.Window != nil {
		msg.Start = up.Window.Start.String()
		msg.End = up.Window.End.String()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := h.client.Publish(ctx, updatesChannel, raw).Err(); err != nil {
		h.logger.Warn().Err(err).Msg("update broadcast failed")
	}
}

// Dedup remembers recently seen event ids for a sliding window, so an
// update arriving on more than one propagation path is applied once.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

// NewDedup creates a dedup window of the given width.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{seen: make(map[string]time.Time), ttl: ttl}
}

// Observe records an id and reports whether it was seen before within
// the window.
func (d *Dedup) Observe(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := now.Add(-d.ttl)
	for k, t := range d.seen {
		if t.Before(cutoff) {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = now
	return false
}

// BroadcastListener applies updates published by other instances to
// the local hub.
type BroadcastListener struct {
	Hub    *Hub
	Logger zerolog.Logger

	dedup *Dedup
}

// Run subscribes to the updates channel until ctx ends or the
// subscription breaks. Like the expiry listener it returns on failure
// and is restarted by the recovery probe.
func (l *BroadcastListener) Run(ctx context.Context) error {
	if l.dedup == nil {
		l.dedup = NewDedup(time.Minute)
	}

	sub := l.Hub.client.Subscribe(ctx, updatesChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		l.Hub.breaker.Trip("connection_error")
		return err
	}
	l.Logger.Info().Str("channel", updatesChannel).Msg("broadcast listener started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				l.Hub.breaker.Trip("connection_error")
				return errors.New("realtime: broadcast subscription closed")
			}
			l.handle(ctx, msg.Payload)
		}
	}
}

func (l *BroadcastListener) handle(ctx context.Context, payload string) {
	var msg broadcastMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		l.Logger.Warn().Err(err).Msg("malformed broadcast message")
		return
	}
	if msg.Origin == instanceID {
		return
	}
	if l.dedup.Observe(msg.EventID, time.Now()) {
		return
	}

	up := Update{
		SpotID:    msg.SpotID,
		LotID:     msg.LotID,
		Date:      msg.Date,
		Available: msg.Available,
	}
	if msg.Start != "" && msg.End != "" {
		if w, err := model.ParseWindow(msg.Start, msg.End); err == nil {
			up.Window = &w
		}
	}
	l.Hub.Emit(ctx, up)
}
