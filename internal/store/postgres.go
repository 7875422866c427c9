// SPDX-License-Identifier: MIT

// Package store is the Postgres persistence layer: confirmed bookings,
// direct-path pending bookings, fallback connections and idempotency
// records.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrConflict is returned when a write would violate the no-double-sell
// invariant: an overlapping confirmed booking or a competing pending
// booking already exists.
var ErrConflict = errors.New("store: overlapping reservation exists")

// ErrNotFound is returned for lookups of absent rows.
var ErrNotFound = errors.New("store: not found")

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS cities (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS parking_lots (
	id             BIGSERIAL PRIMARY KEY,
	city_id        BIGINT NOT NULL REFERENCES cities(id),
	name           TEXT NOT NULL,
	lat            DOUBLE PRECISION NOT NULL DEFAULT 0,
	lng            DOUBLE PRECISION NOT NULL DEFAULT 0,
	address        TEXT NOT NULL DEFAULT '',
	image_filename TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_lots_city ON parking_lots(city_id);

CREATE TABLE IF NOT EXISTS parking_spots (
	id             BIGSERIAL PRIMARY KEY,
	lot_id         BIGINT NOT NULL REFERENCES parking_lots(id),
	spot_number    INT NOT NULL,
	svg_coords     TEXT NOT NULL DEFAULT '',
	price_per_hour DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_spots_lot ON parking_spots(lot_id);

CREATE TABLE IF NOT EXISTS bookings (
	id           BIGSERIAL PRIMARY KEY,
	user_id      BIGINT NOT NULL,
	lot_id       BIGINT NOT NULL,
	spot_id      BIGINT NOT NULL REFERENCES parking_spots(id),
	booking_date TEXT NOT NULL,
	start_minute INT NOT NULL,
	end_minute   INT NOT NULL,
	amount       BIGINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (start_minute < end_minute)
);

CREATE INDEX IF NOT EXISTS idx_bookings_lot_date ON bookings(lot_id, booking_date);
CREATE INDEX IF NOT EXISTS idx_bookings_spot_date ON bookings(spot_id, booking_date);

CREATE TABLE IF NOT EXISTS pending_bookings (
	id             BIGSERIAL PRIMARY KEY,
	reservation_id TEXT NOT NULL UNIQUE,
	user_id        BIGINT NOT NULL,
	lot_id         BIGINT NOT NULL,
	spot_id        BIGINT NOT NULL REFERENCES parking_spots(id),
	booking_date   TEXT NOT NULL,
	start_minute   INT NOT NULL,
	end_minute     INT NOT NULL,
	amount         BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at     TIMESTAMPTZ NOT NULL,
	CHECK (start_minute < end_minute)
);

CREATE INDEX IF NOT EXISTS idx_pending_lot_date ON pending_bookings(lot_id, booking_date);
CREATE INDEX IF NOT EXISTS idx_pending_expires ON pending_bookings(expires_at);
CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_bookings(created_at);

CREATE TABLE IF NOT EXISTS active_connections (
	connection_id  TEXT PRIMARY KEY,
	user_id        BIGINT NOT NULL,
	room_name      TEXT NOT NULL,
	booking_date   TEXT NOT NULL,
	start_minute   INT NOT NULL,
	end_minute     INT NOT NULL,
	reservation_id TEXT NOT NULL DEFAULT '',
	expires_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_connections_room ON active_connections(room_name);
CREATE INDEX IF NOT EXISTS idx_connections_expires ON active_connections(expires_at);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT PRIMARY KEY,
	result     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS schema_info (
	version INT NOT NULL
);
`

// Postgres is the concrete store backed by a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to Postgres and runs the schema migration.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Postgres{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	logger.Info().Msg("connected to Postgres")
	return s, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// Ping reports database reachability for health checks.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, schema); err != nil {
		return err
	}

	var current int
	err = tx.QueryRow(ctx, `SELECT version FROM schema_info LIMIT 1`).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx, `INSERT INTO schema_info (version) VALUES ($1)`, schemaVersion); err != nil {
			return err
		}
	case err != nil:
		return err
	case current > schemaVersion:
		return fmt.Errorf("database schema version %d newer than binary (%d)", current, schemaVersion)
	}

	return tx.Commit(ctx)
}
