// SPDX-License-Identifier: MIT

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/parkwell/spotd/internal/metrics"
	"github.com/parkwell/spotd/internal/model"
	"github.com/parkwell/spotd/internal/resilience"
)

// Redis keys backing the shared session registry.
const (
	hashConnections = "active_connections"
	roomKeyPrefix   = "active_rooms:"
)

func roomKey(room string) string { return roomKeyPrefix + room }

// Sender delivers one event to a single client connection.
type Sender interface {
	Send(event string, data any) error
}

// LeaseReleaser is the slice of the lease manager the hub needs on
// disconnect.
type LeaseReleaser interface {
	Metadata(ctx context.Context, reservationID string) (*model.LeaseMetadata, error)
	Release(ctx context.Context, spotID int64, date, reservationID string) (bool, error)
}

// ConnStore persists the DB shadow rows used when the cache is down.
type ConnStore interface {
	UpsertConnection(ctx context.Context, c model.ActiveConnection) error
	DeleteConnection(ctx context.Context, connectionID string) error
	ConnectionsForRoom(ctx context.Context, room string) ([]model.ActiveConnection, error)
}

// session is the local mirror of one connected client. The shared
// registry in Redis is authoritative across instances; the mirror lets
// this instance keep serving its own sockets through an outage.
type session struct {
	id            string
	userID        int64
	sender        Sender
	room          string
	date          string
	window        model.Window
	reservationID string
}

// sessionRecord is the JSON value stored per connection in the shared
// hash.
type sessionRecord struct {
	UserID        int64  `json:"user_id"`
	Room          string `json:"room"`
	Date          string `json:"booking_date"`
	Start         string `json:"start_time"`
	End           string `json:"end_time"`
	ReservationID string `json:"reservation_id,omitempty"`
	ConnectedAt   string `json:"connected_at"`
}

// Update is one availability change to fan out.
type Update struct {
	SpotID    int64
	LotID     int64
	Date      string
	Available bool

	// Window is the affected time range. Nil means the whole day;
	// "spot freed" updates are delivered to every room member anyway.
	Window *model.Window
}

// Hub tracks realtime sessions and routes availability updates to the
// subscribers whose requested window they affect.
type Hub struct {
	client      *redis.Client
	breaker     *resilience.Breaker
	store       ConnStore
	leases      LeaseReleaser
	fallbackTTL time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHub creates a hub. fallbackTTL bounds the lifetime of DB shadow
// rows so a crashed instance cannot leave permanent ghost subscribers.
func NewHub(client *redis.Client, breaker *resilience.Breaker, store ConnStore, leases LeaseReleaser, fallbackTTL time.Duration, logger zerolog.Logger) *Hub {
	return &Hub{
		client:      client,
		breaker:     breaker,
		store:       store,
		leases:      leases,
		fallbackTTL: fallbackTTL,
		logger:      logger,
		now:         time.Now,
		sessions:    make(map[string]*session),
	}
}

// Register adds a connected client before any subscription exists.
func (h *Hub) Register(id string, userID int64, sender Sender) {
	h.mu.Lock()
	h.sessions[id] = &session{id: id, userID: userID, sender: sender}
	n := len(h.sessions)
	h.mu.Unlock()
	metrics.SetConnections(n)
	h.logger.Debug().Str("connection_id", id).Int64("user_id", userID).Msg("client connected")
}

// Subscribe moves a client into the room for (lot, date) and records
// its requested window for emission filtering. A client is in at most
// one lot room at a time; re-subscribing leaves the previous room.
func (h *Hub) Subscribe(ctx context.Context, connID string, lotID int64, date string, w model.Window) error {
	if !model.ValidDate(date) {
		return fmt.Errorf("realtime: invalid booking date %q", date)
	}
	if !w.Valid() {
		return fmt.Errorf("realtime: invalid time window %s-%s", w.Start, w.End)
	}
	room := model.RoomName(lotID, date)

	h.mu.Lock()
	sess, ok := h.sessions[connID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("realtime: unknown connection %s", connID)
	}
	prevRoom := sess.room
	sess.room = room
	sess.date = date
	sess.window = w
	rec := h.recordLocked(sess)
	userID := sess.userID
	reservationID := sess.reservationID
	h.mu.Unlock()

	if h.breaker.Healthy() {
		if err := h.writeSubscription(ctx, connID, prevRoom, room, rec); err != nil {
			h.logger.Warn().Err(err).Str("connection_id", connID).
				Msg("shared registry write failed, session tracked locally")
		}
	}

	// Shadow row is written unconditionally so a later outage still has
	// a current fallback view of this room.
	err := h.store.UpsertConnection(ctx, model.ActiveConnection{
		ConnectionID:  connID,
		UserID:        userID,
		Room:          room,
		Date:          date,
		Window:        w,
		ReservationID: reservationID,
		ExpiresAt:     h.now().Add(h.fallbackTTL),
	})
	if err != nil {
		h.logger.Error().Err(err).Str("connection_id", connID).Msg("fallback row write failed")
	}

	h.logger.Debug().Str("connection_id", connID).Str("room", room).
		Str("window", fmt.Sprintf("%s-%s", w.Start, w.End)).Msg("subscribed")
	return nil
}

func (h *Hub) writeSubscription(ctx context.Context, connID, prevRoom, room string, rec sessionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := h.client.TxPipeline()
	if prevRoom != "" && prevRoom != room {
		pipe.SRem(ctx, roomKey(prevRoom), connID)
	}
	pipe.SAdd(ctx, roomKey(room), connID)
	pipe.HSet(ctx, hashConnections, connID, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		h.breaker.Trip("connection_error")
		return err
	}
	if prevRoom != "" && prevRoom != room {
		h.cleanupRoom(ctx, prevRoom)
	}
	return nil
}

// Disconnect tears a client down. A lease held for an unfinished
// booking is released so the spot frees immediately; a lease already in
// payment context is preserved for the checkout return.
func (h *Hub) Disconnect(ctx context.Context, connID string) {
	h.mu.Lock()
	sess, ok := h.sessions[connID]
	if ok {
		delete(h.sessions, connID)
	}
	n := len(h.sessions)
	h.mu.Unlock()
	metrics.SetConnections(n)
	if !ok {
		return
	}

	if sess.reservationID != "" {
		h.releaseAbandoned(ctx, sess)
	}

	if h.breaker.Healthy() {
		pipe := h.client.TxPipeline()
		if sess.room != "" {
			pipe.SRem(ctx, roomKey(sess.room), connID)
		}
		pipe.HDel(ctx, hashConnections, connID)
		if _, err := pipe.Exec(ctx); err != nil {
			h.breaker.Trip("connection_error")
			h.logger.Warn().Err(err).Str("connection_id", connID).Msg("registry cleanup failed")
		} else if sess.room != "" {
			h.cleanupRoom(ctx, sess.room)
		}
	}

	if err := h.store.DeleteConnection(ctx, connID); err != nil {
		h.logger.Warn().Err(err).Str("connection_id", connID).Msg("fallback row delete failed")
	}
	h.logger.Debug().Str("connection_id", connID).Msg("client disconnected")
}

func (h *Hub) releaseAbandoned(ctx context.Context, sess *session) {
	if !h.breaker.Healthy() {
		return
	}
	meta, err := h.leases.Metadata(ctx, sess.reservationID)
	if err != nil {
		h.logger.Warn().Err(err).Str("reservation_id", sess.reservationID).
			Msg("lease lookup on disconnect failed")
		return
	}
	if meta == nil || meta.PaymentContext {
		return // nothing held, or the user is mid-checkout
	}
	if _, err := h.leases.Release(ctx, meta.SpotID, meta.Date, sess.reservationID); err != nil {
		h.logger.Warn().Err(err).Str("reservation_id", sess.reservationID).
			Msg("lease release on disconnect failed")
	}
}

// cleanupRoom drops the room set once its last member leaves.
func (h *Hub) cleanupRoom(ctx context.Context, room string) {
	n, err := h.client.SCard(ctx, roomKey(room)).Result()
	if err == nil && n == 0 {
		h.client.Del(ctx, roomKey(room))
	}
}

// AttachReservation pins a lease reservation to the connection so a
// dropped socket can release it and a retried booking can reuse it.
func (h *Hub) AttachReservation(ctx context.Context, connID, reservationID string) {
	h.mu.Lock()
	sess, ok := h.sessions[connID]
	var rec sessionRecord
	var conn model.ActiveConnection
	if ok {
		sess.reservationID = reservationID
		rec = h.recordLocked(sess)
		conn = model.ActiveConnection{
			ConnectionID:  connID,
			UserID:        sess.userID,
			Room:          sess.room,
			Date:          sess.date,
			Window:        sess.window,
			ReservationID: reservationID,
			ExpiresAt:     h.now().Add(h.fallbackTTL),
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if h.breaker.Healthy() {
		if raw, err := json.Marshal(rec); err == nil {
			if err := h.client.HSet(ctx, hashConnections, connID, raw).Err(); err != nil {
				h.breaker.Trip("connection_error")
			}
		}
	}
	if conn.Room != "" {
		if err := h.store.UpsertConnection(ctx, conn); err != nil {
			h.logger.Warn().Err(err).Str("connection_id", connID).Msg("fallback row update failed")
		}
	}
}

// ReservationFor returns the reservation pinned to a connection, if any.
func (h *Hub) ReservationFor(connID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sess, ok := h.sessions[connID]; ok {
		return sess.reservationID
	}
	return ""
}

// SendTo delivers one event to one local connection.
func (h *Hub) SendTo(connID, event string, data any) {
	h.mu.RLock()
	sess, ok := h.sessions[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := sess.sender.Send(event, data); err != nil {
		h.logger.Warn().Err(err).Str("connection_id", connID).Str("event", event).Msg("send failed")
	}
}

// NotifyPaymentComplete tells every local session of a user that the
// checkout finished and detaches its reservation, so a later disconnect
// does not release the now-consumed lease.
func (h *Hub) NotifyPaymentComplete(userID int64) {
	h.mu.Lock()
	var targets []*session
	for _, sess := range h.sessions {
		if sess.userID == userID {
			sess.reservationID = ""
			targets = append(targets, sess)
		}
	}
	h.mu.Unlock()

	for _, sess := range targets {
		if err := sess.sender.Send(EventPaymentComplete, struct{}{}); err != nil {
			h.logger.Warn().Err(err).Str("connection_id", sess.id).Msg("payment_complete send failed")
		}
	}
}

// Emit fans an availability update out to the local members of the
// affected room. Updates that free a spot reach every member; updates
// that take a spot only reach members whose window overlaps.
func (h *Hub) Emit(ctx context.Context, up Update) {
	room := model.RoomName(up.LotID, up.Date)

	seen := make(map[string]bool)
	if h.breaker.Healthy() {
		if !h.emitFromRegistry(ctx, room, up, seen) {
			h.emitFromFallback(ctx, room, up, seen)
		}
	} else {
		h.emitFromFallback(ctx, room, up, seen)
	}
	// A local session can be missing from both registries: a
	// subscription taken while the breaker was open never reached
	// Redis, and the shadow row write can fail too. The in-memory
	// mirror is authoritative for this instance's own sockets.
	h.emitFromLocal(room, up, seen)
}

func (h *Hub) emitFromRegistry(ctx context.Context, room string, up Update, seen map[string]bool) bool {
	members, err := h.client.SMembers(ctx, roomKey(room)).Result()
	if err != nil {
		h.breaker.Trip("connection_error")
		h.logger.Warn().Err(err).Str("room", room).Msg("room read failed, using fallback")
		return false
	}
	if len(members) == 0 {
		return true
	}

	raws, err := h.client.HMGet(ctx, hashConnections, members...).Result()
	if err != nil {
		h.breaker.Trip("connection_error")
		return false
	}

	for i, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue // registry entry vanished between SMEMBERS and HMGET
		}
		var rec sessionRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		w, err := model.ParseWindow(rec.Start, rec.End)
		if err != nil {
			continue
		}
		seen[members[i]] = true
		if h.shouldDeliver(rec.Date, w, up) {
			h.deliver(members[i], up, "registry")
		}
	}
	return true
}

func (h *Hub) emitFromFallback(ctx context.Context, room string, up Update, seen map[string]bool) {
	conns, err := h.store.ConnectionsForRoom(ctx, room)
	if err != nil {
		h.logger.Error().Err(err).Str("room", room).Msg("fallback room read failed")
		return
	}
	for _, c := range conns {
		seen[c.ConnectionID] = true
		if h.shouldDeliver(c.Date, c.Window, up) {
			h.deliver(c.ConnectionID, up, "fallback")
		}
	}
}

// emitFromLocal serves this instance's own sockets from the in-memory
// mirror, skipping the ones a registry pass already decided on.
func (h *Hub) emitFromLocal(room string, up Update, seen map[string]bool) {
	h.mu.RLock()
	var targets []string
	for id, sess := range h.sessions {
		if seen[id] || sess.room != room {
			continue
		}
		if h.shouldDeliver(sess.date, sess.window, up) {
			targets = append(targets, id)
		}
	}
	h.mu.RUnlock()
	for _, id := range targets {
		h.deliver(id, up, "local")
	}
}

func (h *Hub) shouldDeliver(date string, w model.Window, up Update) bool {
	if date != up.Date {
		return false
	}
	if up.Available || up.Window == nil {
		return true
	}
	return w.Overlaps(*up.Window)
}

func (h *Hub) deliver(connID string, up Update, channel string) {
	h.mu.RLock()
	sess, ok := h.sessions[connID]
	h.mu.RUnlock()
	if !ok {
		return // subscriber lives on another instance
	}
	if err := sess.sender.Send(EventSpotUpdate, SpotUpdate{SpotID: up.SpotID, Available: up.Available}); err != nil {
		h.logger.Warn().Err(err).Str("connection_id", connID).Msg("spot_update send failed")
		return
	}
	metrics.RecordEmission(channel)
}

func (h *Hub) recordLocked(sess *session) sessionRecord {
	return sessionRecord{
		UserID:        sess.userID,
		Room:          sess.room,
		Date:          sess.date,
		Start:         sess.window.Start.String(),
		End:           sess.window.End.String(),
		ReservationID: sess.reservationID,
		ConnectedAt:   h.now().UTC().Format(time.RFC3339),
	}
}
