// SPDX-License-Identifier: MIT

// Package lease implements short-lived exclusive holds on (spot, date)
// pairs on top of Redis conditional writes.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/parkwell/spotd/internal/metrics"
	"github.com/parkwell/spotd/internal/model"
	"github.com/parkwell/spotd/internal/resilience"
)

// ErrHeld is returned by Acquire when another reservation already
// holds the guard for the requested (spot, date).
var ErrHeld = errors.New("lease: spot already held")

// renewScript extends the guard TTL only for the current owner.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the guard and its metadata only for the
// current owner, as one atomic step.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  redis.call('DEL', KEYS[2])
  return 1
end
return 0
`)

// metadata hash fields; also the payment metadata key names on the wire.
const (
	fieldUserID     = "user_id"
	fieldSpotID     = "spot_id"
	fieldLotID      = "parking_lot_id"
	fieldDate       = "booking_date"
	fieldStart      = "start_time"
	fieldEnd        = "end_time"
	fieldCreatedAt  = "created_at"
	fieldPayContext = "payment_context"
	fieldPaySession = "stripe_session_id"
)

// metadata outlives the guard by this much so that expiry observers
// can still resolve the owner of a just-expired lease.
const metadataGrace = 60 * time.Second

const (
	acquireAttempts = 2
	backoffBase     = time.Second
	backoffCap      = 4 * time.Second
)

// Manager performs all lease mutations. Every mutation is owner-scoped
// compare-and-act; the manager never transfers a lease.
type Manager struct {
	client  *redis.Client
	breaker *resilience.Breaker
	ttl     time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewManager creates a lease manager with the given default guard TTL.
func NewManager(client *redis.Client, breaker *resilience.Breaker, ttl time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		client:  client,
		breaker: breaker,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// Request describes one acquisition attempt.
type Request struct {
	SpotID int64
	LotID  int64
	UserID int64
	Date   string
	Window model.Window

	// ReservationID, when set, makes the call idempotent: if the guard
	// already stores this value the acquisition succeeds without writes.
	ReservationID string

	// TTL overrides the manager default when positive.
	TTL time.Duration
}

// Acquire takes the (spot, date) guard for a new or provided
// reservation id. Metadata is written before the guard so that any
// observer seeing the guard can always resolve its owner; a failed
// guard write rolls the metadata back.
func (m *Manager) Acquire(ctx context.Context, req Request) (string, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	guard := GuardKey(req.SpotID, req.Date)

	if req.ReservationID != "" {
		current, err := m.get(ctx, guard)
		if err != nil {
			return "", m.fail("acquire", err)
		}
		if current == req.ReservationID {
			metrics.RecordLeaseOp("acquire", "idempotent")
			return req.ReservationID, nil
		}
	}

	reservationID := req.ReservationID
	if reservationID == "" {
		reservationID = uuid.NewString()
	}

	var lastErr error
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			if delay > backoffCap {
				delay = backoffCap
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		ok, err := m.tryAcquire(ctx, guard, reservationID, req, ttl)
		if err == nil {
			if !ok {
				metrics.RecordLeaseOp("acquire", "held")
				return "", ErrHeld
			}
			metrics.RecordLeaseOp("acquire", "ok")
			return reservationID, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		m.logger.Warn().Err(err).Int("attempt", attempt+1).
			Int64("spot_id", req.SpotID).Str("date", req.Date).
			Msg("lease acquire attempt failed")
	}

	return "", m.fail("acquire", lastErr)
}

func (m *Manager) tryAcquire(ctx context.Context, guard, reservationID string, req Request, ttl time.Duration) (bool, error) {
	meta := MetaKey(reservationID)

	// Metadata first, as an atomic group with its TTL.
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, meta, map[string]any{
		fieldUserID:    strconv.FormatInt(req.UserID, 10),
		fieldSpotID:    strconv.FormatInt(req.SpotID, 10),
		fieldLotID:     strconv.FormatInt(req.LotID, 10),
		fieldDate:      req.Date,
		fieldStart:     req.Window.Start.String(),
		fieldEnd:       req.Window.End.String(),
		fieldCreatedAt: m.now().UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, meta, ttl+metadataGrace)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("lease metadata write: %w", err)
	}

	ok, err := m.client.SetNX(ctx, guard, reservationID, ttl).Result()
	if err != nil {
		m.client.Del(context.WithoutCancel(ctx), meta)
		return false, fmt.Errorf("lease guard write: %w", err)
	}
	if !ok {
		m.client.Del(context.WithoutCancel(ctx), meta)
		return false, nil
	}
	return true, nil
}

// Renew extends the guard TTL if reservationID still owns it.
func (m *Manager) Renew(ctx context.Context, spotID int64, date, reservationID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	res, err := renewScript.Run(ctx, m.client,
		[]string{GuardKey(spotID, date)},
		reservationID, int(ttl.Seconds())).Int()
	if err != nil {
		return false, m.fail("renew", err)
	}
	metrics.RecordLeaseOp("renew", outcome(res == 1))
	return res == 1, nil
}

// Release deletes the guard and its metadata if reservationID owns the
// guard. Returns false without side effects for a non-owner.
func (m *Manager) Release(ctx context.Context, spotID int64, date, reservationID string) (bool, error) {
	res, err := releaseScript.Run(ctx, m.client,
		[]string{GuardKey(spotID, date), MetaKey(reservationID)},
		reservationID).Int()
	if err != nil {
		return false, m.fail("release", err)
	}
	metrics.RecordLeaseOp("release", outcome(res == 1))
	return res == 1, nil
}

// Inspect returns the reservation id holding (spot, date), or "" when
// the guard is absent.
func (m *Manager) Inspect(ctx context.Context, spotID int64, date string) (string, error) {
	v, err := m.get(ctx, GuardKey(spotID, date))
	if err != nil {
		return "", m.fail("inspect", err)
	}
	return v, nil
}

// Metadata fetches the metadata record for a reservation, or nil when
// it has expired or never existed.
func (m *Manager) Metadata(ctx context.Context, reservationID string) (*model.LeaseMetadata, error) {
	fields, err := m.client.HGetAll(ctx, MetaKey(reservationID)).Result()
	if err != nil {
		return nil, m.fail("metadata", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeMetadata(reservationID, fields)
}

// MarkPayment flags the lease as payment-in-progress and extends the
// metadata TTL to cover the checkout flow. The guard TTL is left
// untouched: expiry frees the spot regardless of an ongoing payment
// and confirmation handles the lease-lost race explicitly.
func (m *Manager) MarkPayment(ctx context.Context, reservationID, paymentSessionID string, paymentTTL time.Duration) error {
	meta := MetaKey(reservationID)
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, meta, fieldPayContext, "true", fieldPaySession, paymentSessionID)
	pipe.Expire(ctx, meta, paymentTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return m.fail("mark_payment", err)
	}
	return nil
}

// Held is one active lease found by ScanDate.
type Held struct {
	SpotID        int64
	ReservationID string
	Meta          *model.LeaseMetadata // nil when the metadata expired
}

// ScanDate walks all guards for one date and dereferences each to its
// metadata. The result is advisory: guards may expire mid-scan.
func (m *Manager) ScanDate(ctx context.Context, date string) ([]Held, error) {
	var held []Held
	iter := m.client.Scan(ctx, 0, ScanPattern(date), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		spotID, _, ok := ParseGuardKey(key)
		if !ok {
			continue
		}
		reservationID, err := m.get(ctx, key)
		if err != nil {
			return nil, m.fail("scan", err)
		}
		if reservationID == "" {
			continue // expired between SCAN and GET
		}
		meta, err := m.Metadata(ctx, reservationID)
		if err != nil {
			return nil, err
		}
		held = append(held, Held{SpotID: spotID, ReservationID: reservationID, Meta: meta})
	}
	if err := iter.Err(); err != nil {
		return nil, m.fail("scan", err)
	}
	return held, nil
}

func (m *Manager) get(ctx context.Context, key string) (string, error) {
	v, err := m.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// fail trips the breaker on cache errors so callers degrade to the
// direct path. All lease operations fail closed.
func (m *Manager) fail(op string, err error) error {
	metrics.RecordLeaseOp(op, "error")
	m.breaker.Trip("connection_error")
	return fmt.Errorf("lease %s: %w", op, err)
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "denied"
}

func decodeMetadata(reservationID string, fields map[string]string) (*model.LeaseMetadata, error) {
	userID, err := strconv.ParseInt(fields[fieldUserID], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lease metadata %s: bad user id: %w", reservationID, err)
	}
	spotID, err := strconv.ParseInt(fields[fieldSpotID], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lease metadata %s: bad spot id: %w", reservationID, err)
	}
	lotID, err := strconv.ParseInt(fields[fieldLotID], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lease metadata %s: bad lot id: %w", reservationID, err)
	}
	window, err := model.ParseWindow(fields[fieldStart], fields[fieldEnd])
	if err != nil {
		return nil, fmt.Errorf("lease metadata %s: %w", reservationID, err)
	}
	createdAt, _ := time.Parse(time.RFC3339, fields[fieldCreatedAt])

	return &model.LeaseMetadata{
		ReservationID:  reservationID,
		UserID:         userID,
		SpotID:         spotID,
		LotID:          lotID,
		Date:           fields[fieldDate],
		Window:         window,
		CreatedAt:      createdAt,
		PaymentContext: fields[fieldPayContext] == "true",
		PaymentSession: fields[fieldPaySession],
	}, nil
}
