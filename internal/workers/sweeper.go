// SPDX-License-Identifier: MIT

// Package workers holds the daemon's periodic jobs: expiring stale
// holds, pruning dead fallback rows and polling for cross-instance
// updates while the cache is down.
package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/parkwell/spotd/internal/model"
	"github.com/parkwell/spotd/internal/realtime"
)

// Emitter is the hub slice the workers feed.
type Emitter interface {
	Emit(ctx context.Context, up realtime.Update)
}

// PendingStore is the store slice of the pending sweeper.
type PendingStore interface {
	ExpirePendings(ctx context.Context, now time.Time) ([]model.PendingBooking, error)
}

// PendingSweeper deletes pending bookings past their expiry. Expiry is
// the direct-path "payment never completed" case, so every reaped row
// becomes a "spot freed" update.
type PendingSweeper struct {
	Store    PendingStore
	Hub      Emitter
	Interval time.Duration
	Logger   zerolog.Logger

	now func() time.Time
}

// Run sweeps on the configured interval until ctx ends.
func (s *PendingSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *PendingSweeper) sweep(ctx context.Context) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	expired, err := s.Store.ExpirePendings(ctx, now())
	if err != nil {
		s.Logger.Error().Err(err).Msg("pending sweep failed")
		return
	}
	for _, p := range expired {
		w := p.Window
		s.Hub.Emit(ctx, realtime.Update{
			SpotID:    p.SpotID,
			LotID:     p.LotID,
			Date:      p.Date,
			Available: true,
			Window:    &w,
		})
	}
	if len(expired) > 0 {
		s.Logger.Info().Int("expired", len(expired)).Msg("pending bookings reaped")
	}
}

// ConnStore is the store slice of the connection sweeper.
type ConnStore interface {
	PruneConnections(ctx context.Context, now time.Time) (int64, error)
}

// ConnectionSweeper prunes expired realtime fallback rows so crashed
// instances cannot leave ghost subscribers behind.
type ConnectionSweeper struct {
	Store    ConnStore
	Interval time.Duration
	Logger   zerolog.Logger
}

// Run prunes on the configured interval until ctx ends.
func (s *ConnectionSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.Store.PruneConnections(ctx, time.Now())
			if err != nil {
				s.Logger.Error().Err(err).Msg("connection prune failed")
				continue
			}
			if n > 0 {
				s.Logger.Debug().Int64("pruned", n).Msg("stale fallback rows removed")
			}
		}
	}
}
