// SPDX-License-Identifier: MIT

package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkwell/spotd/internal/model"
	"github.com/parkwell/spotd/internal/resilience"
)

type fakeSender struct {
	mu     sync.Mutex
	events []sentEvent
}

type sentEvent struct {
	Event string
	Data  any
}

func (f *fakeSender) Send(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{Event: event, Data: data})
	return nil
}

func (f *fakeSender) updates() []SpotUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SpotUpdate
	for _, e := range f.events {
		if e.Event == EventSpotUpdate {
			out = append(out, e.Data.(SpotUpdate))
		}
	}
	return out
}

func (f *fakeSender) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

type fakeConnStore struct {
	mu   sync.Mutex
	rows map[string]model.ActiveConnection
}

func newFakeConnStore() *fakeConnStore {
	return &fakeConnStore{rows: make(map[string]model.ActiveConnection)}
}

func (f *fakeConnStore) UpsertConnection(_ context.Context, c model.ActiveConnection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[c.ConnectionID] = c
	return nil
}

func (f *fakeConnStore) DeleteConnection(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeConnStore) ConnectionsForRoom(_ context.Context, room string) ([]model.ActiveConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ActiveConnection
	for _, c := range f.rows {
		if c.Room == room {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeLeases struct {
	mu       sync.Mutex
	meta     map[string]*model.LeaseMetadata
	released []string
}

func newFakeLeases() *fakeLeases {
	return &fakeLeases{meta: make(map[string]*model.LeaseMetadata)}
}

func (f *fakeLeases) Metadata(_ context.Context, id string) (*model.LeaseMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta[id], nil
}

func (f *fakeLeases) Release(_ context.Context, _ int64, _, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return true, nil
}

func newTestHub(t *testing.T) (*Hub, *fakeConnStore, *fakeLeases, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newFakeConnStore()
	leases := newFakeLeases()
	breaker := resilience.NewBreaker("cache", zerolog.Nop())
	hub := NewHub(client, breaker, store, leases, 5*time.Minute, zerolog.Nop())
	return hub, store, leases, mr
}

func window(t *testing.T, start, end string) model.Window {
	t.Helper()
	w, err := model.ParseWindow(start, end)
	require.NoError(t, err)
	return w
}

func TestSubscribeRegistersRoomAndShadowRow(t *testing.T) {
	hub, store, _, mr := newTestHub(t)
	ctx := context.Background()

	sender := &fakeSender{}
	hub.Register("c1", 42, sender)
	require.NoError(t, hub.Subscribe(ctx, "c1", 7, "2025-09-15", window(t, "10:00", "12:00")))

	members, err := mr.SMembers("active_rooms:lot_7_2025-09-15")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, members)
	assert.True(t, mr.Exists("active_connections"))

	row, ok := store.rows["c1"]
	require.True(t, ok)
	assert.Equal(t, "lot_7_2025-09-15", row.Room)
	assert.Equal(t, int64(42), row.UserID)
}

func TestResubscribeLeavesPreviousRoom(t *testing.T) {
	hub, _, _, mr := newTestHub(t)
	ctx := context.Background()

	hub.Register("c1", 42, &fakeSender{})
	require.NoError(t, hub.Subscribe(ctx, "c1", 7, "2025-09-15", window(t, "10:00", "12:00")))
	require.NoError(t, hub.Subscribe(ctx, "c1", 8, "2025-09-15", window(t, "10:00", "12:00")))

	// The old room set is garbage collected once empty.
	assert.False(t, mr.Exists("active_rooms:lot_7_2025-09-15"))
	members, err := mr.SMembers("active_rooms:lot_8_2025-09-15")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, members)
}

func TestSubscribeRejectsBadInput(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	ctx := context.Background()
	hub.Register("c1", 42, &fakeSender{})

	assert.Error(t, hub.Subscribe(ctx, "c1", 7, "15-09-2025", window(t, "10:00", "12:00")))
	assert.Error(t, hub.Subscribe(ctx, "c1", 7, "2025-09-15", model.Window{Start: 720, End: 600}))
	assert.Error(t, hub.Subscribe(ctx, "missing", 7, "2025-09-15", window(t, "10:00", "12:00")))
}

func TestEmitFiltersByWindowOverlap(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	ctx := context.Background()

	overlapping := &fakeSender{}
	disjoint := &fakeSender{}
	otherDate := &fakeSender{}
	hub.Register("c1", 1, overlapping)
	hub.Register("c2", 2, disjoint)
	hub.Register("c3", 3, otherDate)
	require.NoError(t, hub.Subscribe(ctx, "c1", 7, "2025-09-15", window(t, "10:00", "12:00")))
	require.NoError(t, hub.Subscribe(ctx, "c2", 7, "2025-09-15", window(t, "14:00", "16:00")))
	require.NoError(t, hub.Subscribe(ctx, "c3", 7, "2025-09-16", window(t, "10:00", "12:00")))

	w := window(t, "11:00", "13:00")
	hub.Emit(ctx, Update{SpotID: 5, LotID: 7, Date: "2025-09-15", Available: false, Window: &w})

	assert.Equal(t, []SpotUpdate{{SpotID: 5, Available: false}}, overlapping.updates())
	assert.Empty(t, disjoint.updates())
	assert.Empty(t, otherDate.updates())
}

func TestEmitAvailableReachesEveryRoomMember(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	ctx := context.Background()

	a := &fakeSender{}
	b := &fakeSender{}
	hub.Register("c1", 1, a)
	hub.Register("c2", 2, b)
	require.NoError(t, hub.Subscribe(ctx, "c1", 7, "2025-09-15", window(t, "10:00", "12:00")))
	require.NoError(t, hub.Subscribe(ctx, "c2", 7, "2025-09-15", window(t, "14:00", "16:00")))

	// A freed spot is relevant to everyone regardless of window.
	w := window(t, "11:00", "13:00")
	hub.Emit(ctx, Update{SpotID: 5, LotID: 7, Date: "2025-09-15", Available: true, Window: &w})

	assert.Equal(t, []SpotUpdate{{SpotID: 5, Available: true}}, a.updates())
	assert.Equal(t, []SpotUpdate{{SpotID: 5, Available: true}}, b.updates())
}

func TestEmitTouchingWindowsDoNotCollide(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	ctx := context.Background()

	sender := &fakeSender{}
	hub.Register("c1", 1, sender)
	require.NoError(t, hub.Subscribe(ctx, "c1", 7, "2025-09-15", window(t, "12:00", "14:00")))

	w := window(t, "10:00", "12:00")
	hub.Emit(ctx, Update{SpotID: 5, LotID: 7, Date: "2025-09-15", Available: false, Window: &w})
	assert.Empty(t, sender.updates())
}

func TestEmitFallsBackToShadowRowsWhenDegraded(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	ctx := context.Background()

	sender := &fakeSender{}
	hub.Register("c1", 1, sender)
	require.NoError(t, hub.Subscribe(ctx, "c1", 7, "2025-09-15", window(t, "10:00", "12:00")))

	hub.breaker.Trip("test")

	w := window(t, "11:00", "13:00")
	hub.Emit(ctx, Update{SpotID: 5, LotID: 7, Date: "2025-09-15", Available: false, Window: &w})
	assert.Equal(t, []SpotUpdate{{SpotID: 5, Available: false}}, sender.updates())
}

func TestEmitReachesSubscriberJoinedDuringOutage(t *testing.T) {
	hub, _, _, mr := newTestHub(t)
	ctx := context.Background()

	sender := &fakeSender{}
	hub.Register("c1", 1, sender)

	// Subscribing while the breaker is open never reaches the Redis
	// registry; after recovery the room set is still empty.
	hub.breaker.Trip("test")
	require.NoError(t, hub.Subscribe(ctx, "c1", 7, "2025-09-15", window(t, "10:00", "12:00")))
	hub.breaker.Restore()
	assert.False(t, mr.Exists("active_rooms:lot_7_2025-09-15"))

	w := window(t, "11:00", "13:00")
	hub.Emit(ctx, Update{SpotID: 5, LotID: 7, Date: "2025-09-15", Available: false, Window: &w})
	assert.Equal(t, []SpotUpdate{{SpotID: 5, Available: false}}, sender.updates())
}

func TestEmitDeliversOncePerSubscriber(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	ctx := context.Background()

	sender := &fakeSender{}
	hub.Register("c1", 1, sender)
	require.NoError(t, hub.Subscribe(ctx, "c1", 7, "2025-09-15", window(t, "10:00", "12:00")))

	// c1 is in the Redis registry, the shadow rows and the local
	// mirror; the update must still arrive exactly once.
	w := window(t, "11:00", "13:00")
	hub.Emit(ctx, Update{SpotID: 5, LotID: 7, Date: "2025-09-15", Available: false, Window: &w})
	assert.Equal(t, 1, sender.count(EventSpotUpdate))
}

func TestDisconnectReleasesUnpaidLease(t *testing.T) {
	hub, store, leases, mr := newTestHub(t)
	ctx := context.Background()

	hub.Register("c1", 42, &fakeSender{})
	require.NoError(t, hub.Subscribe(ctx, "c1", 7, "2025-09-15", window(t, "10:00", "12:00")))
	hub.AttachReservation(ctx, "c1", "res-1")
	leases.meta["res-1"] = &model.LeaseMetadata{
		ReservationID: "res-1", SpotID: 5, Date: "2025-09-15",
	}

	hub.Disconnect(ctx, "c1")

	assert.Equal(t, []string{"res-1"}, leases.released)
	assert.False(t, mr.Exists("active_rooms:lot_7_2025-09-15"))
	_, ok := store.rows["c1"]
	assert.False(t, ok)
}

func TestDisconnectPreservesPaymentLease(t *testing.T) {
	hub, _, leases, _ := newTestHub(t)
	ctx := context.Background()

	hub.Register("c1", 42, &fakeSender{})
	require.NoError(t, hub.Subscribe(ctx, "c1", 7, "2025-09-15", window(t, "10:00", "12:00")))
	hub.AttachReservation(ctx, "c1", "res-1")
	leases.meta["res-1"] = &model.LeaseMetadata{
		ReservationID: "res-1", SpotID: 5, Date: "2025-09-15", PaymentContext: true,
	}

	hub.Disconnect(ctx, "c1")
	assert.Empty(t, leases.released)
}

func TestAttachReservationSurvivesInRegistry(t *testing.T) {
	hub, store, _, _ := newTestHub(t)
	ctx := context.Background()

	hub.Register("c1", 42, &fakeSender{})
	require.NoError(t, hub.Subscribe(ctx, "c1", 7, "2025-09-15", window(t, "10:00", "12:00")))
	hub.AttachReservation(ctx, "c1", "res-9")

	assert.Equal(t, "res-9", hub.ReservationFor("c1"))
	assert.Equal(t, "res-9", store.rows["c1"].ReservationID)
}

func TestNotifyPaymentCompleteDetachesReservation(t *testing.T) {
	hub, _, leases, _ := newTestHub(t)
	ctx := context.Background()

	sender := &fakeSender{}
	hub.Register("c1", 42, sender)
	require.NoError(t, hub.Subscribe(ctx, "c1", 7, "2025-09-15", window(t, "10:00", "12:00")))
	hub.AttachReservation(ctx, "c1", "res-1")
	leases.meta["res-1"] = &model.LeaseMetadata{ReservationID: "res-1", SpotID: 5, Date: "2025-09-15"}

	hub.NotifyPaymentComplete(42)
	assert.Equal(t, 1, sender.count(EventPaymentComplete))

	// The consumed lease must not be released by the disconnect that
	// follows the payment redirect.
	hub.Disconnect(ctx, "c1")
	assert.Empty(t, leases.released)
}

func TestDedupWindow(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Now()

	assert.False(t, d.Observe("e1", now))
	assert.True(t, d.Observe("e1", now.Add(time.Second)))
	assert.False(t, d.Observe("e1", now.Add(2*time.Minute)))
}
