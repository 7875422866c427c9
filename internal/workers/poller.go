// SPDX-License-Identifier: MIT

package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/parkwell/spotd/internal/model"
	"github.com/parkwell/spotd/internal/realtime"
)

// RecentStore is the store slice of the cross-instance poller.
type RecentStore interface {
	RecentPendings(ctx context.Context, since time.Time) ([]model.PendingBooking, error)
}

// Poller propagates direct-path holds between instances through the
// database. While the cache is healthy updates travel over pub/sub;
// this is the path that still works when it is not. Each poll reads a
// sliding lookback window and deduplicates on reservation id, so a row
// seen in overlapping windows is emitted once.
type Poller struct {
	Store    RecentStore
	Hub      Emitter
	Interval time.Duration
	Lookback time.Duration
	Logger   zerolog.Logger

	dedup *realtime.Dedup
	now   func() time.Time
}

// Run polls on the configured interval until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	if p.dedup == nil {
		p.dedup = realtime.NewDedup(2 * p.Lookback)
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}

	recent, err := p.Store.RecentPendings(ctx, now().Add(-p.Lookback))
	if err != nil {
		p.Logger.Error().Err(err).Msg("pending poll failed")
		return
	}
	for _, pending := range recent {
		if p.dedup.Observe(pending.ReservationID, now()) {
			continue
		}
		w := pending.Window
		p.Hub.Emit(ctx, realtime.Update{
			SpotID:    pending.SpotID,
			LotID:     pending.LotID,
			Date:      pending.Date,
			Available: false,
			Window:    &w,
		})
	}
}
