// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/parkwell/spotd/internal/model"
)

// CreatePendingIfFree inserts a direct-path pending booking unless a
// confirmed booking or any pending booking already overlaps. The two
// checks and the insert run in one transaction, so of two concurrent
// direct attempts the first inserter wins and the second sees its row.
func (s *Postgres) CreatePendingIfFree(ctx context.Context, p model.PendingBooking) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lockedID int64
	if err := tx.QueryRow(ctx,
		`SELECT id FROM parking_spots WHERE id = $1 FOR UPDATE`, p.SpotID).Scan(&lockedID); err != nil {
		return fmt.Errorf("store: lock spot %d: %w", p.SpotID, err)
	}

	var conflicts int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE spot_id = $1 AND booking_date = $2
		  AND start_minute < $3 AND end_minute > $4`,
		p.SpotID, p.Date, int(p.Window.End), int(p.Window.Start)).Scan(&conflicts); err != nil {
		return fmt.Errorf("store: conflict count: %w", err)
	}
	if conflicts > 0 {
		return ErrConflict
	}

	var pendingConflicts int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM pending_bookings
		WHERE spot_id = $1 AND booking_date = $2
		  AND start_minute < $3 AND end_minute > $4
		  AND expires_at > now()`,
		p.SpotID, p.Date, int(p.Window.End), int(p.Window.Start)).Scan(&pendingConflicts); err != nil {
		return fmt.Errorf("store: pending conflict count: %w", err)
	}
	if pendingConflicts > 0 {
		return ErrConflict
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO pending_bookings
			(reservation_id, user_id, lot_id, spot_id, booking_date, start_minute, end_minute, amount, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ReservationID, p.UserID, p.LotID, p.SpotID, p.Date,
		int(p.Window.Start), int(p.Window.End), p.Amount, p.ExpiresAt); err != nil {
		return fmt.Errorf("store: insert pending: %w", err)
	}

	return tx.Commit(ctx)
}

// DeletePending removes a pending booking by reservation id.
func (s *Postgres) DeletePending(ctx context.Context, reservationID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM pending_bookings WHERE reservation_id = $1`, reservationID)
	if err != nil {
		return fmt.Errorf("store: delete pending: %w", err)
	}
	return nil
}

// ExpirePendings deletes pending bookings past their expiry and returns
// them so the caller can emit "spot freed" updates.
func (s *Postgres) ExpirePendings(ctx context.Context, now time.Time) ([]model.PendingBooking, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM pending_bookings WHERE expires_at < $1
		RETURNING reservation_id, user_id, lot_id, spot_id, booking_date,
		          start_minute, end_minute, amount, created_at, expires_at`, now)
	if err != nil {
		return nil, fmt.Errorf("store: expire pendings: %w", err)
	}
	defer rows.Close()
	return scanPendings(rows)
}

// RecentPendings returns pending bookings created since the given
// moment, for the cross-instance poller.
func (s *Postgres) RecentPendings(ctx context.Context, since time.Time) ([]model.PendingBooking, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT reservation_id, user_id, lot_id, spot_id, booking_date,
		       start_minute, end_minute, amount, created_at, expires_at
		FROM pending_bookings WHERE created_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("store: recent pendings: %w", err)
	}
	defer rows.Close()
	return scanPendings(rows)
}

// PendingSpotIDs returns spot ids of the lot with a live pending
// booking overlapping the window on the given date.
func (s *Postgres) PendingSpotIDs(ctx context.Context, lotID int64, date string, w model.Window) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT spot_id FROM pending_bookings
		WHERE lot_id = $1 AND booking_date = $2
		  AND start_minute < $3 AND end_minute > $4
		  AND expires_at > now()`,
		lotID, date, int(w.End), int(w.Start))
	if err != nil {
		return nil, fmt.Errorf("store: pending spots: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: pending spots: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type pendingRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPendings(rows pendingRows) ([]model.PendingBooking, error) {
	var out []model.PendingBooking
	for rows.Next() {
		var p model.PendingBooking
		var start, end int
		if err := rows.Scan(&p.ReservationID, &p.UserID, &p.LotID, &p.SpotID, &p.Date,
			&start, &end, &p.Amount, &p.CreatedAt, &p.ExpiresAt); err != nil {
			return nil, fmt.Errorf("store: scan pending: %w", err)
		}
		p.Window = model.Window{Start: model.Minutes(start), End: model.Minutes(end)}
		out = append(out, p)
	}
	return out, rows.Err()
}
