// SPDX-License-Identifier: MIT

// Package realtime maintains per-connection sessions, subscription
// rooms and the fan-out of spot availability updates to exactly the
// interested subscribers, across all server instances.
package realtime

import "encoding/json"

// Event names on the client wire.
const (
	EventSpotUpdate        = "spot_update"
	EventBookingFailed     = "booking_failed"
	EventPaymentRedirect   = "payment_redirect"
	EventPaymentComplete   = "payment_complete"
	EventSubscriptionError = "subscription_error"

	eventSubscribe = "subscribe"
	eventBookSpot  = "book_spot"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SubscribeRequest is the inbound subscribe payload.
type SubscribeRequest struct {
	ParkingLotID int64  `json:"parkingLotId"`
	BookingDate  string `json:"bookingDate"`
	StartTime    string `json:"startTime"`
	EndTime      string `json:"endTime"`
}

// BookRequest is the inbound book_spot payload. Hour and minute arrive
// separately, exactly as the booking form submits them.
type BookRequest struct {
	SpotID       int64  `json:"spotId"`
	ParkingLotID int64  `json:"parkingLotId"`
	BookingDate  string `json:"bookingDate"`
	StartHour    int    `json:"startHour"`
	StartMinute  int    `json:"startMinute"`
	EndHour      int    `json:"endHour"`
	EndMinute    int    `json:"endMinute"`
}

// SpotUpdate is the outbound availability change.
type SpotUpdate struct {
	SpotID    int64 `json:"spotId"`
	Available bool  `json:"available"`
}

// Reason is the outbound failure payload.
type Reason struct {
	Reason string `json:"reason"`
}

// Redirect is the outbound payment redirect payload.
type Redirect struct {
	URL string `json:"url"`
}

// ErrorMessage is the outbound subscription_error payload.
type ErrorMessage struct {
	Message string `json:"message"`
}
