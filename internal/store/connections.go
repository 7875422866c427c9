// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/parkwell/spotd/internal/model"
)

// UpsertConnection writes the DB shadow row of a realtime session,
// refreshing its expiry on re-subscribe.
func (s *Postgres) UpsertConnection(ctx context.Context, c model.ActiveConnection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO active_connections
			(connection_id, user_id, room_name, booking_date, start_minute, end_minute, reservation_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (connection_id) DO UPDATE SET
			room_name      = excluded.room_name,
			booking_date   = excluded.booking_date,
			start_minute   = excluded.start_minute,
			end_minute     = excluded.end_minute,
			reservation_id = excluded.reservation_id,
			expires_at     = excluded.expires_at`,
		c.ConnectionID, c.UserID, c.Room, c.Date,
		int(c.Window.Start), int(c.Window.End), c.ReservationID, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: upsert connection: %w", err)
	}
	return nil
}

// DeleteConnection removes the shadow row on disconnect.
func (s *Postgres) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM active_connections WHERE connection_id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("store: delete connection: %w", err)
	}
	return nil
}

// ConnectionsForRoom lists live shadow rows for a room, pruning expired
// rows first so the fallback emitter never targets dead sockets.
func (s *Postgres) ConnectionsForRoom(ctx context.Context, room string) ([]model.ActiveConnection, error) {
	if _, err := s.PruneConnections(ctx, time.Now()); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT connection_id, user_id, room_name, booking_date, start_minute, end_minute, reservation_id, expires_at
		FROM active_connections WHERE room_name = $1`, room)
	if err != nil {
		return nil, fmt.Errorf("store: connections for room: %w", err)
	}
	defer rows.Close()

	var out []model.ActiveConnection
	for rows.Next() {
		var c model.ActiveConnection
		var start, end int
		if err := rows.Scan(&c.ConnectionID, &c.UserID, &c.Room, &c.Date,
			&start, &end, &c.ReservationID, &c.ExpiresAt); err != nil {
			return nil, fmt.Errorf("store: scan connection: %w", err)
		}
		c.Window = model.Window{Start: model.Minutes(start), End: model.Minutes(end)}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneConnections deletes expired shadow rows and returns the count.
func (s *Postgres) PruneConnections(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM active_connections WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("store: prune connections: %w", err)
	}
	return tag.RowsAffected(), nil
}
