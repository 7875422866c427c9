// SPDX-License-Identifier: MIT

// Package model defines the domain entities shared by the booking
// coordinator, availability service and realtime hub.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// City groups parking lots for the lot picker.
type City struct {
	ID   int64
	Name string
}

// Lot is a parking lot. Immutable in this core.
type Lot struct {
	ID            int64
	CityID        int64
	Name          string
	Lat           float64
	Lng           float64
	Address       string
	ImageFilename string
}

// Spot is a numbered parking space inside a lot. Immutable in this core.
type Spot struct {
	ID           int64
	LotID        int64
	SpotNumber   int
	SVGCoords    string
	PricePerHour float64
}

// Booking is a confirmed, paid reservation. Never mutated after insert.
type Booking struct {
	ID        int64
	UserID    int64
	LotID     int64
	SpotID    int64
	Date      string // YYYY-MM-DD
	Window    Window
	Amount    int64 // minor currency units
	CreatedAt time.Time
}

// PendingBooking is the direct-path analog of a lease: a provisional
// hold persisted while the coordination cache is unavailable.
type PendingBooking struct {
	ReservationID string
	UserID        int64
	LotID         int64
	SpotID        int64
	Date          string
	Window        Window
	Amount        int64
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// LeaseMetadata resolves a lease guard back to its owner and window.
// Stored next to the guard key with a longer TTL so any observer that
// sees the guard can always dereference it.
type LeaseMetadata struct {
	ReservationID  string
	UserID         int64
	SpotID         int64
	LotID          int64
	Date           string
	Window         Window
	CreatedAt      time.Time
	PaymentContext bool
	PaymentSession string
}

// ActiveConnection is the DB fallback shadow of a realtime session.
// Written on every subscribe so emission keeps working through a cache
// outage; rows carry a short TTL and are swept when stale.
type ActiveConnection struct {
	ConnectionID  string
	UserID        int64
	Room          string
	Date          string
	Window        Window
	ReservationID string
	ExpiresAt     time.Time
}

// RoomName builds the subscription room key for a lot and date.
func RoomName(lotID int64, date string) string {
	return fmt.Sprintf("lot_%d_%s", lotID, date)
}

// ParseRoomName splits a room key back into lot id and date. Dates are
// validated YYYY-MM-DD, so splitting on the first two underscores is safe.
func ParseRoomName(room string) (lotID int64, date string, ok bool) {
	parts := strings.SplitN(room, "_", 3)
	if len(parts) != 3 || parts[0] != "lot" {
		return 0, "", false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || !ValidDate(parts[2]) {
		return 0, "", false
	}
	return id, parts[2], true
}
