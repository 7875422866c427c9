// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"

	"github.com/parkwell/spotd/internal/model"
)

// CreateBookingLocked inserts a confirmed booking after serializing on
// the spot row. The sequence inside one transaction is:
//
//  1. SELECT ... FOR UPDATE on the spot row — concurrent confirmations
//     for the same spot queue here and lose deterministically;
//  2. precheck (the caller reconciles its lease while holding the lock);
//  3. overlap count against confirmed bookings — non-zero is ErrConflict;
//  4. INSERT.
//
// Touching endpoints do not conflict: the overlap predicate is
// half-open.
func (s *Postgres) CreateBookingLocked(ctx context.Context, b model.Booking, precheck func(ctx context.Context) error) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lockedID int64
	if err := tx.QueryRow(ctx,
		`SELECT id FROM parking_spots WHERE id = $1 FOR UPDATE`, b.SpotID).Scan(&lockedID); err != nil {
		return 0, fmt.Errorf("store: lock spot %d: %w", b.SpotID, err)
	}

	if precheck != nil {
		if err := precheck(ctx); err != nil {
			return 0, err
		}
	}

	var conflicts int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE spot_id = $1 AND booking_date = $2
		  AND start_minute < $3 AND end_minute > $4`,
		b.SpotID, b.Date, int(b.Window.End), int(b.Window.Start)).Scan(&conflicts); err != nil {
		return 0, fmt.Errorf("store: conflict count: %w", err)
	}
	if conflicts > 0 {
		return 0, ErrConflict
	}

	var id int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO bookings (user_id, lot_id, spot_id, booking_date, start_minute, end_minute, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		b.UserID, b.LotID, b.SpotID, b.Date, int(b.Window.Start), int(b.Window.End), b.Amount).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: insert booking: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}

// CreateDirectBookingLocked is the direct-path confirmation: inside one
// transaction it re-checks confirmed bookings and pending bookings from
// other reservations, inserts the booking and deletes the caller's own
// pending row. The spot row lock serializes concurrent confirmers the
// same way the leased path does.
func (s *Postgres) CreateDirectBookingLocked(ctx context.Context, b model.Booking, reservationID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lockedID int64
	if err := tx.QueryRow(ctx,
		`SELECT id FROM parking_spots WHERE id = $1 FOR UPDATE`, b.SpotID).Scan(&lockedID); err != nil {
		return 0, fmt.Errorf("store: lock spot %d: %w", b.SpotID, err)
	}

	var conflicts int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE spot_id = $1 AND booking_date = $2
		  AND start_minute < $3 AND end_minute > $4`,
		b.SpotID, b.Date, int(b.Window.End), int(b.Window.Start)).Scan(&conflicts); err != nil {
		return 0, fmt.Errorf("store: conflict count: %w", err)
	}
	if conflicts > 0 {
		return 0, ErrConflict
	}

	var pendingConflicts int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM pending_bookings
		WHERE spot_id = $1 AND booking_date = $2
		  AND start_minute < $3 AND end_minute > $4
		  AND reservation_id <> $5`,
		b.SpotID, b.Date, int(b.Window.End), int(b.Window.Start), reservationID).Scan(&pendingConflicts); err != nil {
		return 0, fmt.Errorf("store: pending conflict count: %w", err)
	}
	if pendingConflicts > 0 {
		return 0, ErrConflict
	}

	var id int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO bookings (user_id, lot_id, spot_id, booking_date, start_minute, end_minute, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		b.UserID, b.LotID, b.SpotID, b.Date, int(b.Window.Start), int(b.Window.End), b.Amount).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: insert booking: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM pending_bookings WHERE reservation_id = $1`, reservationID); err != nil {
		return 0, fmt.Errorf("store: delete pending: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}

// BookedSpotIDs returns spot ids of the lot with a confirmed booking
// overlapping the window on the given date.
func (s *Postgres) BookedSpotIDs(ctx context.Context, lotID int64, date string, w model.Window) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT spot_id FROM bookings
		WHERE lot_id = $1 AND booking_date = $2
		  AND start_minute < $3 AND end_minute > $4`,
		lotID, date, int(w.End), int(w.Start))
	if err != nil {
		return nil, fmt.Errorf("store: booked spots: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: booked spots: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
