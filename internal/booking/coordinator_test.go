// SPDX-License-Identifier: MIT

package booking

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkwell/spotd/internal/lease"
	"github.com/parkwell/spotd/internal/model"
	"github.com/parkwell/spotd/internal/payment"
	"github.com/parkwell/spotd/internal/realtime"
	"github.com/parkwell/spotd/internal/resilience"
	"github.com/parkwell/spotd/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	spots    map[int64]model.Spot
	bookings []model.Booking
	pendings map[string]model.PendingBooking
	memo     map[string][]byte
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		spots:    map[int64]model.Spot{},
		pendings: map[string]model.PendingBooking{},
		memo:     map[string][]byte{},
	}
}

func (f *fakeStore) GetSpot(_ context.Context, id int64) (*model.Spot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sp, ok := f.spots[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sp, nil
}

func (f *fakeStore) overlapsLocked(spotID int64, date string, w model.Window) bool {
	for _, b := range f.bookings {
		if b.SpotID == spotID && b.Date == date && b.Window.Overlaps(w) {
			return true
		}
	}
	return false
}

func (f *fakeStore) CreateBookingLocked(ctx context.Context, b model.Booking, precheck func(ctx context.Context) error) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if precheck != nil {
		if err := precheck(ctx); err != nil {
			return 0, err
		}
	}
	if f.overlapsLocked(b.SpotID, b.Date, b.Window) {
		return 0, store.ErrConflict
	}
	f.nextID++
	b.ID = f.nextID
	f.bookings = append(f.bookings, b)
	return b.ID, nil
}

func (f *fakeStore) CreateDirectBookingLocked(_ context.Context, b model.Booking, reservationID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.overlapsLocked(b.SpotID, b.Date, b.Window) {
		return 0, store.ErrConflict
	}
	for id, p := range f.pendings {
		if id != reservationID && p.SpotID == b.SpotID && p.Date == b.Date && p.Window.Overlaps(b.Window) {
			return 0, store.ErrConflict
		}
	}
	delete(f.pendings, reservationID)
	f.nextID++
	b.ID = f.nextID
	f.bookings = append(f.bookings, b)
	return b.ID, nil
}

func (f *fakeStore) CreatePendingIfFree(_ context.Context, p model.PendingBooking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.overlapsLocked(p.SpotID, p.Date, p.Window) {
		return store.ErrConflict
	}
	for _, other := range f.pendings {
		if other.SpotID == p.SpotID && other.Date == p.Date && other.Window.Overlaps(p.Window) {
			return store.ErrConflict
		}
	}
	f.pendings[p.ReservationID] = p
	return nil
}

func (f *fakeStore) DeletePending(_ context.Context, reservationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pendings, reservationID)
	return nil
}

func (f *fakeStore) GetIdempotency(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.memo[key]
	return raw, ok, nil
}

func (f *fakeStore) PutIdempotency(_ context.Context, key string, result []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.memo[key]; !ok {
		f.memo[key] = result
	}
	return nil
}

type fakeProvider struct {
	mu       sync.Mutex
	sessions map[string]*payment.Session
	refunds  []string
	next     int

	createErr error
	refundErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sessions: map[string]*payment.Session{}}
}

func (f *fakeProvider) CreateSession(_ context.Context, p payment.SessionParams) (*payment.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.next++
	amount := p.AmountCents
	if amount < payment.MinimumCharge {
		amount = payment.MinimumCharge
	}
	sess := &payment.Session{
		ID:            fmt.Sprintf("cs_%d", f.next),
		URL:           fmt.Sprintf("https://checkout.test/cs_%d", f.next),
		PaymentIntent: fmt.Sprintf("pi_%d", f.next),
		AmountTotal:   amount,
		Meta:          p.Meta,
	}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeProvider) GetSession(_ context.Context, id string) (*payment.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no such session %s", id)
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeProvider) Refund(_ context.Context, paymentIntent string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return f.refundErr
	}
	f.refunds = append(f.refunds, paymentIntent)
	return nil
}

func (f *fakeProvider) markPaid(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].Paid = true
}

type fakeHub struct {
	mu           sync.Mutex
	updates      []realtime.Update
	reservations map[string]string
	completed    []int64
}

func newFakeHub() *fakeHub {
	return &fakeHub{reservations: map[string]string{}}
}

func (f *fakeHub) EmitBroadcast(_ context.Context, up realtime.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, up)
}

func (f *fakeHub) ReservationFor(connID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reservations[connID]
}

func (f *fakeHub) AttachReservation(_ context.Context, connID, reservationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reservations[connID] = reservationID
}

func (f *fakeHub) NotifyPaymentComplete(userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, userID)
}

type fixture struct {
	coord    *Coordinator
	store    *fakeStore
	provider *fakeProvider
	hub      *fakeHub
	leases   *lease.Manager
	breaker  *resilience.Breaker
	redis    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	breaker := resilience.NewBreaker("cache", zerolog.Nop())
	leases := lease.NewManager(client, breaker, 4*time.Minute, zerolog.Nop())

	st := newFakeStore()
	st.spots[5] = model.Spot{ID: 5, LotID: 7, SpotNumber: 12, PricePerHour: 2.5}

	provider := newFakeProvider()
	hub := newFakeHub()

	coord := NewCoordinator(st, leases, hub, provider, breaker, Config{
		BaseURL:         "https://parkwell.test",
		LeaseTTL:        4 * time.Minute,
		PaymentLeaseTTL: 10 * time.Minute,
		PendingTTL:      4 * time.Minute,
	}, zerolog.Nop())

	return &fixture{coord: coord, store: st, provider: provider, hub: hub,
		leases: leases, breaker: breaker, redis: mr}
}

func mustWindow(t *testing.T, start, end string) model.Window {
	t.Helper()
	w, err := model.ParseWindow(start, end)
	require.NoError(t, err)
	return w
}

func bookReq(t *testing.T) Request {
	return Request{
		ConnID: "c1", UserID: 42, SpotID: 5, LotID: 7,
		Date: "2025-09-15", Window: mustWindow(t, "10:00", "12:00"),
	}
}

func TestBookLeasedPathRedirects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.coord.Book(ctx, bookReq(t))
	require.False(t, out.Failed(), out.Reason)
	assert.Contains(t, out.RedirectURL, "checkout.test")

	reservationID := f.hub.reservations["c1"]
	require.NotEmpty(t, reservationID)

	owner, err := f.leases.Inspect(ctx, 5, "2025-09-15")
	require.NoError(t, err)
	assert.Equal(t, reservationID, owner)

	// Lease flagged for the checkout flow.
	meta, err := f.leases.Metadata(ctx, reservationID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.True(t, meta.PaymentContext)

	require.Len(t, f.hub.updates, 1)
	assert.False(t, f.hub.updates[0].Available)
	assert.Equal(t, int64(5), f.hub.updates[0].SpotID)

	sess := f.provider.sessions["cs_1"]
	require.NotNil(t, sess)
	assert.Equal(t, int64(500), sess.AmountTotal) // 2h at 2.50/h
	assert.False(t, sess.Meta.Direct)
}

func TestBookLeasedPathLosesContention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.leases.Acquire(ctx, lease.Request{
		SpotID: 5, LotID: 7, UserID: 99, Date: "2025-09-15",
		Window: mustWindow(t, "09:00", "11:00"),
	})
	require.NoError(t, err)

	out := f.coord.Book(ctx, bookReq(t))
	assert.True(t, out.Failed())
	assert.Equal(t, "spot was just taken", out.Reason)
	assert.Empty(t, f.hub.updates)
}

func TestBookRetrySameSpotReusesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.coord.Book(ctx, bookReq(t))
	require.False(t, out.Failed(), out.Reason)
	first := f.hub.reservations["c1"]

	// Clear the payment flag so the retry is not treated as mid-checkout.
	f.redis.HSet("lease_data:"+first, "payment_context", "false")

	out = f.coord.Book(ctx, bookReq(t))
	require.False(t, out.Failed(), out.Reason)
	assert.Equal(t, first, f.hub.reservations["c1"])
}

func TestBookSwitchingSpotsReleasesPreviousHold(t *testing.T) {
	f := newFixture(t)
	f.store.spots[6] = model.Spot{ID: 6, LotID: 7, SpotNumber: 13, PricePerHour: 2.5}
	ctx := context.Background()

	out := f.coord.Book(ctx, bookReq(t))
	require.False(t, out.Failed(), out.Reason)
	first := f.hub.reservations["c1"]
	f.redis.HSet("lease_data:"+first, "payment_context", "false")

	req := bookReq(t)
	req.SpotID = 6
	out = f.coord.Book(ctx, req)
	require.False(t, out.Failed(), out.Reason)

	owner, err := f.leases.Inspect(ctx, 5, "2025-09-15")
	require.NoError(t, err)
	assert.Empty(t, owner, "previous hold must be released")

	var freedOld, tookNew bool
	for _, up := range f.hub.updates {
		if up.SpotID == 5 && up.Available {
			freedOld = true
		}
		if up.SpotID == 6 && !up.Available {
			tookNew = true
		}
	}
	assert.True(t, freedOld)
	assert.True(t, tookNew)
}

func TestBookDegradesToDirectPathMidFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Healthy breaker, dead cache: acquire fails and the request must
	// finish on the direct path.
	f.redis.Close()

	out := f.coord.Book(ctx, bookReq(t))
	require.False(t, out.Failed(), out.Reason)
	assert.False(t, f.breaker.Healthy())
	assert.Len(t, f.store.pendings, 1)

	sess := f.provider.sessions["cs_1"]
	require.NotNil(t, sess)
	assert.True(t, sess.Meta.Direct)
}

func TestBookDirectPathWhenDegraded(t *testing.T) {
	f := newFixture(t)
	f.breaker.Trip("test")
	ctx := context.Background()

	out := f.coord.Book(ctx, bookReq(t))
	require.False(t, out.Failed(), out.Reason)

	require.Len(t, f.store.pendings, 1)
	for _, p := range f.store.pendings {
		assert.Equal(t, int64(5), p.SpotID)
		assert.WithinDuration(t, time.Now().Add(4*time.Minute), p.ExpiresAt, 5*time.Second)
	}
	require.Len(t, f.hub.updates, 1)
	assert.False(t, f.hub.updates[0].Available)
}

func TestBookDirectPathConflict(t *testing.T) {
	f := newFixture(t)
	f.breaker.Trip("test")
	ctx := context.Background()

	require.NoError(t, f.store.CreatePendingIfFree(ctx, model.PendingBooking{
		ReservationID: "other", SpotID: 5, Date: "2025-09-15",
		Window: mustWindow(t, "11:00", "13:00"),
	}))

	out := f.coord.Book(ctx, bookReq(t))
	assert.True(t, out.Failed())
	assert.Equal(t, "spot was just taken", out.Reason)
}

func TestBookSessionFailureReleasesHold(t *testing.T) {
	f := newFixture(t)
	f.provider.createErr = fmt.Errorf("stripe down")
	ctx := context.Background()

	out := f.coord.Book(ctx, bookReq(t))
	assert.True(t, out.Failed())

	owner, err := f.leases.Inspect(ctx, 5, "2025-09-15")
	require.NoError(t, err)
	assert.Empty(t, owner)

	// Taken then freed again.
	require.Len(t, f.hub.updates, 2)
	assert.False(t, f.hub.updates[0].Available)
	assert.True(t, f.hub.updates[1].Available)
}

func TestBookRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := bookReq(t)
	req.Date = "15.09.2025"
	assert.True(t, f.coord.Book(ctx, req).Failed())

	req = bookReq(t)
	req.Window = model.Window{Start: 720, End: 600}
	assert.True(t, f.coord.Book(ctx, req).Failed())

	req = bookReq(t)
	req.SpotID = 404
	assert.Equal(t, "unknown spot", f.coord.Book(ctx, req).Reason)

	req = bookReq(t)
	req.LotID = 99
	assert.Equal(t, "spot does not belong to this lot", f.coord.Book(ctx, req).Reason)
}

func confirmFixture(t *testing.T, f *fixture) string {
	t.Helper()
	ctx := context.Background()
	out := f.coord.Book(ctx, bookReq(t))
	require.False(t, out.Failed(), out.Reason)
	f.provider.markPaid("cs_1")
	return "cs_1"
}

func TestConfirmRecordsBookingOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessID := confirmFixture(t, f)

	result, err := f.coord.Confirm(ctx, sessID)
	require.NoError(t, err)
	assert.True(t, result.Confirmed())
	require.Len(t, f.store.bookings, 1)
	assert.Equal(t, int64(500), f.store.bookings[0].Amount)

	// The consumed lease is gone and the buyer got payment_complete.
	owner, err := f.leases.Inspect(ctx, 5, "2025-09-15")
	require.NoError(t, err)
	assert.Empty(t, owner)
	assert.Equal(t, []int64{42}, f.hub.completed)

	// A refreshed success page replays the memoized outcome.
	again, err := f.coord.Confirm(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, result, again)
	assert.Len(t, f.store.bookings, 1)
}

func TestConfirmRefundsWhenRowConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessID := confirmFixture(t, f)

	f.store.bookings = append(f.store.bookings, model.Booking{
		ID: 999, SpotID: 5, Date: "2025-09-15", Window: mustWindow(t, "11:00", "13:00"),
	})

	result, err := f.coord.Confirm(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, "refunded", result.Status)
	assert.Equal(t, []string{"pi_1"}, f.provider.refunds)
	assert.Len(t, f.store.bookings, 1) // only the pre-existing row

	// The losing outcome is memoized too.
	again, err := f.coord.Confirm(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, result, again)
	assert.Len(t, f.provider.refunds, 1)
}

func TestConfirmRefundsWhenLeaseReacquired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessID := confirmFixture(t, f)

	// The lease expired mid-payment and someone else grabbed it.
	f.redis.FastForward(15 * time.Minute)
	_, err := f.leases.Acquire(ctx, lease.Request{
		SpotID: 5, LotID: 7, UserID: 99, Date: "2025-09-15",
		Window: mustWindow(t, "10:00", "12:00"),
	})
	require.NoError(t, err)

	result, err := f.coord.Confirm(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, "refunded", result.Status)
	assert.Empty(t, f.store.bookings)
}

func TestConfirmRefundsWhenLeaseMetadataMismatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessID := confirmFixture(t, f)
	reservationID := f.hub.reservations["c1"]

	// Lease metadata that disagrees with the session on the user must
	// not be trusted with the spot.
	f.redis.HSet("lease_data:"+reservationID, "user_id", "99")

	result, err := f.coord.Confirm(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, "refunded", result.Status)
	assert.Empty(t, f.store.bookings)
}

func TestConfirmAfterLeaseExpiryStillBooksFreeSpot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessID := confirmFixture(t, f)

	// Lease gone, spot untouched: the payment still wins the spot.
	f.redis.FastForward(15 * time.Minute)

	result, err := f.coord.Confirm(ctx, sessID)
	require.NoError(t, err)
	assert.True(t, result.Confirmed())
}

func TestConfirmRefundFailureAsksForSupport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessID := confirmFixture(t, f)

	f.store.bookings = append(f.store.bookings, model.Booking{
		ID: 999, SpotID: 5, Date: "2025-09-15", Window: mustWindow(t, "10:00", "12:00"),
	})
	f.provider.refundErr = fmt.Errorf("stripe down")

	result, err := f.coord.Confirm(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, "refund_failed", result.Status)
	assert.True(t, strings.Contains(result.Reason, "contact support"))
}

func TestConfirmUnpaidSessionIsNotMemoized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.coord.Book(ctx, bookReq(t))
	require.False(t, out.Failed(), out.Reason)

	result, err := f.coord.Confirm(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.Empty(t, f.store.memo)

	// Completing the payment afterwards must still work.
	f.provider.markPaid("cs_1")
	result, err = f.coord.Confirm(ctx, "cs_1")
	require.NoError(t, err)
	assert.True(t, result.Confirmed())
}

func TestConfirmDirectConsumesPending(t *testing.T) {
	f := newFixture(t)
	f.breaker.Trip("test")
	ctx := context.Background()

	out := f.coord.Book(ctx, bookReq(t))
	require.False(t, out.Failed(), out.Reason)
	f.provider.markPaid("cs_1")

	result, err := f.coord.ConfirmDirect(ctx, "cs_1")
	require.NoError(t, err)
	assert.True(t, result.Confirmed())
	assert.Empty(t, f.store.pendings, "own pending row consumed")
	assert.Len(t, f.store.bookings, 1)
}

func TestConfirmDirectRefundsWhenBeatenToTheSpot(t *testing.T) {
	f := newFixture(t)
	f.breaker.Trip("test")
	ctx := context.Background()

	out := f.coord.Book(ctx, bookReq(t))
	require.False(t, out.Failed(), out.Reason)
	f.provider.markPaid("cs_1")

	// Another confirmation won the spot while this payment was open.
	f.store.bookings = append(f.store.bookings, model.Booking{
		ID: 999, SpotID: 5, Date: "2025-09-15", Window: mustWindow(t, "11:00", "13:00"),
	})

	result, err := f.coord.ConfirmDirect(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "refunded", result.Status)
	assert.Equal(t, []string{"pi_1"}, f.provider.refunds)
	assert.Len(t, f.store.bookings, 1)

	// The refunded loser's hold must not keep blocking the spot.
	assert.Empty(t, f.store.pendings, "own pending row cleaned up on refund")
}

func TestConfirmDirectRejectsLeasedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessID := confirmFixture(t, f)

	result, err := f.coord.ConfirmDirect(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.Empty(t, f.store.bookings)
}

func TestPriceCents(t *testing.T) {
	assert.Equal(t, int64(500), priceCents(2.5, mustWindow(t, "10:00", "12:00")))
	assert.Equal(t, int64(125), priceCents(2.5, mustWindow(t, "10:00", "10:30")))
	assert.Equal(t, int64(25), priceCents(0.5, mustWindow(t, "10:00", "10:30")))
}

func TestSuccessRedirect(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "https://parkwell.test/my_bookings?status=confirmed",
		f.coord.SuccessRedirect(Confirmation{Status: "confirmed", BookingID: 1}))
	assert.Contains(t,
		f.coord.SuccessRedirect(Confirmation{Status: "refunded", Reason: "spot gone"}),
		"status=refunded")
}
