// SPDX-License-Identifier: MIT

// Package availability answers "which spots of this lot are free for
// this window" by subtracting confirmed bookings, active leases and
// live pending bookings from the lot's spot list.
package availability

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/parkwell/spotd/internal/lease"
	"github.com/parkwell/spotd/internal/model"
	"github.com/parkwell/spotd/internal/resilience"
)

// Store is the catalog and booking slice the service reads.
type Store interface {
	GetLot(ctx context.Context, id int64) (*model.Lot, error)
	ListSpots(ctx context.Context, lotID int64) ([]model.Spot, error)
	BookedSpotIDs(ctx context.Context, lotID int64, date string, w model.Window) ([]int64, error)
	PendingSpotIDs(ctx context.Context, lotID int64, date string, w model.Window) ([]int64, error)
}

// LeaseScanner is the slice of the lease manager the service reads.
type LeaseScanner interface {
	ScanDate(ctx context.Context, date string) ([]lease.Held, error)
}

// Request is one availability query.
type Request struct {
	LotID  int64
	Date   string
	Window model.Window
}

// SpotStatus is the per-spot answer. Field casing follows the client
// contract verbatim.
type SpotStatus struct {
	SpotID       int64   `json:"id"`
	SpotNumber   int     `json:"spotNumber"`
	SVGCoords    string  `json:"svgCoords"`
	PricePerHour float64 `json:"pricePerHour"`
	Available    bool    `json:"is_available"`
}

// Result is the full lot view for one query.
type Result struct {
	LotID          int64        `json:"parkingLotId"`
	LotName        string       `json:"lotName"`
	ImageFilename  string       `json:"image_filename"`
	Date           string       `json:"bookingDate"`
	Spots          []SpotStatus `json:"spots"`
	BookedCount    int          `json:"booked_count"`
	LeasedCount    int          `json:"leased_count"`
	CacheAvailable bool         `json:"redis_available"`
}

// Service combines the three subtractive masks into one lot view.
type Service struct {
	store   Store
	leases  LeaseScanner
	breaker *resilience.Breaker
	logger  zerolog.Logger
}

// NewService builds the availability service.
func NewService(store Store, leases LeaseScanner, breaker *resilience.Breaker, logger zerolog.Logger) *Service {
	return &Service{store: store, leases: leases, breaker: breaker, logger: logger}
}

// Check computes per-spot availability for a lot, date and window.
// While the cache is degraded the lease mask is empty: pending
// bookings carry the holds instead, so the view stays conservative
// without blocking on Redis.
func (s *Service) Check(ctx context.Context, req Request) (*Result, error) {
	if !model.ValidDate(req.Date) {
		return nil, fmt.Errorf("availability: invalid booking date %q", req.Date)
	}
	if !req.Window.Valid() {
		return nil, fmt.Errorf("availability: invalid time window %s-%s", req.Window.Start, req.Window.End)
	}

	lot, err := s.store.GetLot(ctx, req.LotID)
	if err != nil {
		return nil, err
	}
	spots, err := s.store.ListSpots(ctx, req.LotID)
	if err != nil {
		return nil, err
	}

	booked, err := s.store.BookedSpotIDs(ctx, req.LotID, req.Date, req.Window)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.PendingSpotIDs(ctx, req.LotID, req.Date, req.Window)
	if err != nil {
		return nil, err
	}

	leased := s.leasedSpots(ctx, req)

	taken := make(map[int64]bool, len(booked)+len(leased)+len(pending))
	for _, id := range booked {
		taken[id] = true
	}
	for _, id := range pending {
		taken[id] = true
	}
	for _, id := range leased {
		taken[id] = true
	}

	res := &Result{
		LotID:          lot.ID,
		LotName:        lot.Name,
		ImageFilename:  lot.ImageFilename,
		Date:           req.Date,
		Spots:          make([]SpotStatus, 0, len(spots)),
		BookedCount:    len(booked),
		LeasedCount:    len(leased),
		CacheAvailable: s.breaker.Healthy(),
	}
	for _, sp := range spots {
		res.Spots = append(res.Spots, SpotStatus{
			SpotID:       sp.ID,
			SpotNumber:   sp.SpotNumber,
			SVGCoords:    sp.SVGCoords,
			PricePerHour: sp.PricePerHour,
			Available:    !taken[sp.ID],
		})
	}
	return res, nil
}

// leasedSpots returns the lot's spots leased for an overlapping window.
// Leases whose metadata already expired are counted as taken for the
// whole day: the guard still blocks acquisition, so showing the spot
// free would only produce failed bookings.
func (s *Service) leasedSpots(ctx context.Context, req Request) []int64 {
	if !s.breaker.Healthy() {
		return nil
	}
	held, err := s.leases.ScanDate(ctx, req.Date)
	if err != nil {
		s.logger.Warn().Err(err).Str("date", req.Date).Msg("lease scan failed, mask empty")
		return nil
	}

	var ids []int64
	for _, h := range held {
		if h.Meta != nil {
			if h.Meta.LotID != req.LotID || !h.Meta.Window.Overlaps(req.Window) {
				continue
			}
		}
		ids = append(ids, h.SpotID)
	}
	return ids
}
