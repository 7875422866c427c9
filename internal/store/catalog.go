// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/parkwell/spotd/internal/model"
)

// GetSpot fetches one spot by id.
func (s *Postgres) GetSpot(ctx context.Context, id int64) (*model.Spot, error) {
	var sp model.Spot
	err := s.pool.QueryRow(ctx, `
		SELECT id, lot_id, spot_number, svg_coords, price_per_hour
		FROM parking_spots WHERE id = $1`, id).
		Scan(&sp.ID, &sp.LotID, &sp.SpotNumber, &sp.SVGCoords, &sp.PricePerHour)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get spot %d: %w", id, err)
	}
	return &sp, nil
}

// GetLot fetches one lot by id.
func (s *Postgres) GetLot(ctx context.Context, id int64) (*model.Lot, error) {
	var l model.Lot
	err := s.pool.QueryRow(ctx, `
		SELECT id, city_id, name, lat, lng, address, image_filename
		FROM parking_lots WHERE id = $1`, id).
		Scan(&l.ID, &l.CityID, &l.Name, &l.Lat, &l.Lng, &l.Address, &l.ImageFilename)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get lot %d: %w", id, err)
	}
	return &l, nil
}

// ListSpots returns all spots of a lot ordered by spot number.
func (s *Postgres) ListSpots(ctx context.Context, lotID int64) ([]model.Spot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, lot_id, spot_number, svg_coords, price_per_hour
		FROM parking_spots WHERE lot_id = $1 ORDER BY spot_number`, lotID)
	if err != nil {
		return nil, fmt.Errorf("store: list spots: %w", err)
	}
	defer rows.Close()

	var spots []model.Spot
	for rows.Next() {
		var sp model.Spot
		if err := rows.Scan(&sp.ID, &sp.LotID, &sp.SpotNumber, &sp.SVGCoords, &sp.PricePerHour); err != nil {
			return nil, fmt.Errorf("store: list spots: %w", err)
		}
		spots = append(spots, sp)
	}
	return spots, rows.Err()
}

// ListLotsByCity returns the lots of a city for the lot picker.
func (s *Postgres) ListLotsByCity(ctx context.Context, cityID int64) ([]model.Lot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, city_id, name, lat, lng, address, image_filename
		FROM parking_lots WHERE city_id = $1 ORDER BY name`, cityID)
	if err != nil {
		return nil, fmt.Errorf("store: list lots: %w", err)
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		var l model.Lot
		if err := rows.Scan(&l.ID, &l.CityID, &l.Name, &l.Lat, &l.Lng, &l.Address, &l.ImageFilename); err != nil {
			return nil, fmt.Errorf("store: list lots: %w", err)
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}
