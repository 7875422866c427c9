// SPDX-License-Identifier: MIT

// Package booking drives a spot reservation from the first click to
// the confirmed row: lease (or pending booking) for the hold, checkout
// session for the money, locked insert for the truth.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parkwell/spotd/internal/lease"
	"github.com/parkwell/spotd/internal/metrics"
	"github.com/parkwell/spotd/internal/model"
	"github.com/parkwell/spotd/internal/payment"
	"github.com/parkwell/spotd/internal/realtime"
	"github.com/parkwell/spotd/internal/resilience"
	"github.com/parkwell/spotd/internal/store"
)

// Store is the persistence slice the coordinator mutates.
type Store interface {
	GetSpot(ctx context.Context, id int64) (*model.Spot, error)
	CreateBookingLocked(ctx context.Context, b model.Booking, precheck func(ctx context.Context) error) (int64, error)
	CreateDirectBookingLocked(ctx context.Context, b model.Booking, reservationID string) (int64, error)
	CreatePendingIfFree(ctx context.Context, p model.PendingBooking) error
	DeletePending(ctx context.Context, reservationID string) error
	GetIdempotency(ctx context.Context, key string) ([]byte, bool, error)
	PutIdempotency(ctx context.Context, key string, result []byte) error
}

// Leases is the lease manager slice the coordinator drives.
type Leases interface {
	Acquire(ctx context.Context, req lease.Request) (string, error)
	Release(ctx context.Context, spotID int64, date, reservationID string) (bool, error)
	Inspect(ctx context.Context, spotID int64, date string) (string, error)
	Metadata(ctx context.Context, reservationID string) (*model.LeaseMetadata, error)
	MarkPayment(ctx context.Context, reservationID, paymentSessionID string, paymentTTL time.Duration) error
}

// Realtime is the hub slice the coordinator talks to.
type Realtime interface {
	EmitBroadcast(ctx context.Context, up realtime.Update)
	ReservationFor(connID string) string
	AttachReservation(ctx context.Context, connID, reservationID string)
	NotifyPaymentComplete(userID int64)
}

// Config carries the coordinator's tunables.
type Config struct {
	BaseURL         string
	LeaseTTL        time.Duration
	PaymentLeaseTTL time.Duration
	PendingTTL      time.Duration
}

// Coordinator implements both booking paths and the payment
// confirmation handlers.
type Coordinator struct {
	store    Store
	leases   Leases
	hub      Realtime
	provider payment.Provider
	breaker  *resilience.Breaker
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// NewCoordinator wires a coordinator.
func NewCoordinator(st Store, leases Leases, hub Realtime, provider payment.Provider, breaker *resilience.Breaker, cfg Config, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:    st,
		leases:   leases,
		hub:      hub,
		provider: provider,
		breaker:  breaker,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Request is one booking attempt from a realtime client.
type Request struct {
	ConnID string
	UserID int64
	SpotID int64
	LotID  int64
	Date   string
	Window model.Window
}

// Outcome is what the client hears back.
type Outcome struct {
	RedirectURL string
	Reason      string // set when RedirectURL is empty
}

// Failed reports whether the attempt ended without a checkout session.
func (o Outcome) Failed() bool { return o.RedirectURL == "" }

// Book runs one booking attempt. While the cache is healthy the hold
// is a lease; degraded, it is a pending booking row. Either way the
// client ends up redirected to checkout or told why not.
func (c *Coordinator) Book(ctx context.Context, req Request) Outcome {
	if !model.ValidDate(req.Date) {
		return Outcome{Reason: "invalid booking date"}
	}
	if !req.Window.Valid() {
		return Outcome{Reason: "invalid time window"}
	}

	spot, err := c.store.GetSpot(ctx, req.SpotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Outcome{Reason: "unknown spot"}
		}
		c.logger.Error().Err(err).Int64("spot_id", req.SpotID).Msg("spot lookup failed")
		return Outcome{Reason: "booking temporarily unavailable"}
	}
	if spot.LotID != req.LotID {
		return Outcome{Reason: "spot does not belong to this lot"}
	}

	amount := priceCents(spot.PricePerHour, req.Window)

	if c.breaker.Healthy() {
		out, degraded := c.bookLeased(ctx, req, spot, amount)
		if !degraded {
			return out
		}
		// The cache died under this request; the direct path still works.
	}
	return c.bookDirect(ctx, req, spot, amount)
}

// bookLeased is the healthy path. The second return is true when the
// cache failed mid-flight and the caller should retry on the direct
// path.
func (c *Coordinator) bookLeased(ctx context.Context, req Request, spot *model.Spot, amount int64) (Outcome, bool) {
	reuse := c.reusableReservation(ctx, req)

	reservationID, err := c.leases.Acquire(ctx, lease.Request{
		SpotID:        req.SpotID,
		LotID:         req.LotID,
		UserID:        req.UserID,
		Date:          req.Date,
		Window:        req.Window,
		ReservationID: reuse,
		TTL:           c.cfg.LeaseTTL,
	})
	if errors.Is(err, lease.ErrHeld) {
		metrics.RecordBooking("leased", "held")
		return Outcome{Reason: "spot was just taken"}, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("lease acquire failed, degrading to direct path")
		return Outcome{}, true
	}

	c.hub.AttachReservation(ctx, req.ConnID, reservationID)
	c.emitTaken(ctx, req)

	sess, err := c.createSession(ctx, req, spot, amount, reservationID, false)
	if err != nil {
		c.logger.Error().Err(err).Str("reservation_id", reservationID).Msg("checkout session failed")
		if _, rerr := c.leases.Release(ctx, req.SpotID, req.Date, reservationID); rerr == nil {
			c.emitFreed(ctx, req)
		}
		metrics.RecordBooking("leased", "payment_error")
		return Outcome{Reason: "payment service unavailable"}, false
	}

	if err := c.leases.MarkPayment(ctx, reservationID, sess.ID, c.cfg.PaymentLeaseTTL); err != nil {
		c.logger.Warn().Err(err).Str("reservation_id", reservationID).Msg("payment context mark failed")
	}

	metrics.RecordBooking("leased", "redirect")
	return Outcome{RedirectURL: sess.URL}, false
}

// reusableReservation returns the connection's reservation when it
// already holds this very (spot, date), making the acquire idempotent.
// A hold on a different spot is released first: one click, one hold.
func (c *Coordinator) reusableReservation(ctx context.Context, req Request) string {
	existing := c.hub.ReservationFor(req.ConnID)
	if existing == "" {
		return ""
	}
	meta, err := c.leases.Metadata(ctx, existing)
	if err != nil || meta == nil || meta.PaymentContext {
		return ""
	}
	if meta.SpotID == req.SpotID && meta.Date == req.Date {
		return existing
	}
	if ok, _ := c.leases.Release(ctx, meta.SpotID, meta.Date, existing); ok {
		c.hub.EmitBroadcast(ctx, realtime.Update{
			SpotID:    meta.SpotID,
			LotID:     meta.LotID,
			Date:      meta.Date,
			Available: true,
			Window:    &meta.Window,
		})
	}
	return ""
}

// bookDirect is the degraded path: the hold is a pending booking row
// that expires on its own.
func (c *Coordinator) bookDirect(ctx context.Context, req Request, spot *model.Spot, amount int64) Outcome {
	reservationID := uuid.NewString()

	err := c.store.CreatePendingIfFree(ctx, model.PendingBooking{
		ReservationID: reservationID,
		UserID:        req.UserID,
		LotID:         req.LotID,
		SpotID:        req.SpotID,
		Date:          req.Date,
		Window:        req.Window,
		Amount:        amount,
		ExpiresAt:     c.now().Add(c.cfg.PendingTTL),
	})
	if errors.Is(err, store.ErrConflict) {
		metrics.RecordBooking("direct", "held")
		return Outcome{Reason: "spot was just taken"}
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("pending booking insert failed")
		return Outcome{Reason: "booking temporarily unavailable"}
	}

	c.emitTaken(ctx, req)

	sess, err := c.createSession(ctx, req, spot, amount, reservationID, true)
	if err != nil {
		c.logger.Error().Err(err).Str("reservation_id", reservationID).Msg("checkout session failed")
		if derr := c.store.DeletePending(ctx, reservationID); derr == nil {
			c.emitFreed(ctx, req)
		}
		metrics.RecordBooking("direct", "payment_error")
		return Outcome{Reason: "payment service unavailable"}
	}

	metrics.RecordBooking("direct", "redirect")
	return Outcome{RedirectURL: sess.URL}
}

func (c *Coordinator) createSession(ctx context.Context, req Request, spot *model.Spot, amount int64, reservationID string, direct bool) (*payment.Session, error) {
	successPath := "/payment_success"
	if direct {
		successPath = "/payment_success_direct"
	}
	return c.provider.CreateSession(ctx, payment.SessionParams{
		Meta: payment.Metadata{
			ReservationID: reservationID,
			SpotID:        req.SpotID,
			LotID:         req.LotID,
			UserID:        req.UserID,
			Date:          req.Date,
			Window:        req.Window,
			Direct:        direct,
		},
		SpotNumber:  spot.SpotNumber,
		AmountCents: amount,
		SuccessURL:  c.cfg.BaseURL + successPath + "?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   c.cfg.BaseURL + "/payment_cancelled",
	})
}

func (c *Coordinator) emitTaken(ctx context.Context, req Request) {
	w := req.Window
	c.hub.EmitBroadcast(ctx, realtime.Update{
		SpotID:    req.SpotID,
		LotID:     req.LotID,
		Date:      req.Date,
		Available: false,
		Window:    &w,
	})
}

func (c *Coordinator) emitFreed(ctx context.Context, req Request) {
	w := req.Window
	c.hub.EmitBroadcast(ctx, realtime.Update{
		SpotID:    req.SpotID,
		LotID:     req.LotID,
		Date:      req.Date,
		Available: true,
		Window:    &w,
	})
}

// priceCents converts a spot's hourly rate and a window into minor
// currency units.
func priceCents(pricePerHour float64, w model.Window) int64 {
	return int64(math.Round(w.Hours() * pricePerHour * 100))
}

// Confirmation is the recorded outcome of a payment return. It is
// memoized per checkout session, so refreshing the success page can
// never book twice.
type Confirmation struct {
	Status    string `json:"status"` // confirmed, failed, refunded, refund_failed
	BookingID int64  `json:"booking_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Confirmed reports a successfully recorded booking.
func (c Confirmation) Confirmed() bool { return c.Status == "confirmed" }

func idempotencyKey(sessionID string) string { return "stripe_" + sessionID }

// Confirm finalizes a leased-path checkout return. Exactly one of two
// things happens, atomically with respect to other confirmers of the
// same spot: the booking row is inserted, or the charge is refunded.
func (c *Coordinator) Confirm(ctx context.Context, sessionID string) (Confirmation, error) {
	return c.confirm(ctx, sessionID, false)
}

// ConfirmDirect finalizes a direct-path checkout return.
func (c *Coordinator) ConfirmDirect(ctx context.Context, sessionID string) (Confirmation, error) {
	return c.confirm(ctx, sessionID, true)
}

func (c *Coordinator) confirm(ctx context.Context, sessionID string, direct bool) (Confirmation, error) {
	key := idempotencyKey(sessionID)
	if raw, ok, err := c.store.GetIdempotency(ctx, key); err != nil {
		return Confirmation{}, err
	} else if ok {
		var memo Confirmation
		if err := json.Unmarshal(raw, &memo); err != nil {
			return Confirmation{}, fmt.Errorf("booking: corrupt idempotency record %s: %w", key, err)
		}
		return memo, nil
	}

	sess, err := c.provider.GetSession(ctx, sessionID)
	if err != nil {
		return Confirmation{}, err
	}
	if !sess.Paid {
		// Not memoized: the user may still complete the checkout.
		return Confirmation{Status: "failed", Reason: "payment not completed"}, nil
	}
	if sess.Meta.Direct != direct {
		return Confirmation{Status: "failed", Reason: "session confirmed on wrong endpoint"}, nil
	}

	b := model.Booking{
		UserID: sess.Meta.UserID,
		LotID:  sess.Meta.LotID,
		SpotID: sess.Meta.SpotID,
		Date:   sess.Meta.Date,
		Window: sess.Meta.Window,
		Amount: sess.AmountTotal,
	}

	var id int64
	if direct {
		id, err = c.store.CreateDirectBookingLocked(ctx, b, sess.Meta.ReservationID)
	} else {
		id, err = c.store.CreateBookingLocked(ctx, b, c.leasePrecheck(sess.Meta))
	}

	var result Confirmation
	switch {
	case err == nil:
		result = Confirmation{Status: "confirmed", BookingID: id}
		c.finishConfirmed(ctx, sess, direct)
	case errors.Is(err, store.ErrConflict):
		if direct {
			// The loser's own hold must not keep blocking the spot
			// until it expires on its own.
			if derr := c.store.DeletePending(ctx, sess.Meta.ReservationID); derr != nil {
				c.logger.Warn().Err(derr).Str("reservation_id", sess.Meta.ReservationID).
					Msg("pending cleanup after lost confirmation failed")
			}
		}
		result = c.refund(ctx, sess)
	default:
		return Confirmation{}, err
	}

	raw, merr := json.Marshal(result)
	if merr == nil {
		merr = c.store.PutIdempotency(ctx, key, raw)
	}
	if merr != nil {
		c.logger.Error().Err(merr).Str("session_id", sessionID).Msg("idempotency record write failed")
	}
	path := "leased"
	if direct {
		path = "direct"
	}
	metrics.RecordBooking(path, result.Status)
	return result, nil
}

// leasePrecheck runs under the spot row lock. A guard now owned by a
// different reservation means the lease expired mid-payment and was
// re-acquired: that confirmation must lose and be refunded. An absent
// guard is fine, the row conflict check decides. The lease metadata,
// when still resolvable, must agree with the session on user and spot.
func (c *Coordinator) leasePrecheck(meta payment.Metadata) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !c.breaker.Healthy() {
			return nil
		}
		owner, err := c.leases.Inspect(ctx, meta.SpotID, meta.Date)
		if err != nil {
			return nil // degraded mid-flight, row checks still protect us
		}
		if owner != "" && owner != meta.ReservationID {
			return store.ErrConflict
		}
		lm, err := c.leases.Metadata(ctx, meta.ReservationID)
		if err != nil || lm == nil {
			return nil
		}
		if lm.UserID != meta.UserID || lm.SpotID != meta.SpotID {
			return store.ErrConflict
		}
		return nil
	}
}

func (c *Coordinator) finishConfirmed(ctx context.Context, sess *payment.Session, direct bool) {
	if !direct && c.breaker.Healthy() {
		if _, err := c.leases.Release(ctx, sess.Meta.SpotID, sess.Meta.Date, sess.Meta.ReservationID); err != nil {
			c.logger.Warn().Err(err).Str("reservation_id", sess.Meta.ReservationID).
				Msg("lease release after confirmation failed")
		}
	}
	c.hub.NotifyPaymentComplete(sess.Meta.UserID)
}

// refund returns the charge after a lost confirmation race. A refund
// that itself fails is recorded so support can resolve it by hand; it
// is never retried automatically against a charge of unknown state.
func (c *Coordinator) refund(ctx context.Context, sess *payment.Session) Confirmation {
	c.logger.Warn().Str("session_id", sess.ID).Int64("spot_id", sess.Meta.SpotID).
		Str("date", sess.Meta.Date).Msg("confirmation lost the spot, refunding")

	if sess.PaymentIntent == "" {
		metrics.RecordRefund("missing_intent")
		return Confirmation{Status: "refund_failed", Reason: "spot no longer available; contact support for your refund"}
	}
	if err := c.provider.Refund(ctx, sess.PaymentIntent); err != nil {
		c.logger.Error().Err(err).Str("payment_intent", sess.PaymentIntent).Msg("refund failed")
		metrics.RecordRefund("error")
		return Confirmation{Status: "refund_failed", Reason: "spot no longer available; contact support for your refund"}
	}
	metrics.RecordRefund("ok")
	return Confirmation{Status: "refunded", Reason: "spot no longer available; payment refunded"}
}

// SuccessRedirect builds the browser redirect for a confirmation
// outcome.
func (c *Coordinator) SuccessRedirect(result Confirmation) string {
	if result.Confirmed() {
		return c.cfg.BaseURL + "/my_bookings?status=confirmed"
	}
	v := url.Values{"status": {result.Status}}
	if result.Reason != "" {
		v.Set("reason", result.Reason)
	}
	return c.cfg.BaseURL + "/my_bookings?" + v.Encode()
}
