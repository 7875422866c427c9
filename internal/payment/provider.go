// SPDX-License-Identifier: MIT

// Package payment abstracts the checkout provider. Only the observable
// interface matters to the booking coordinator: create a session,
// retrieve it on return, refund a charge.
package payment

import (
	"context"
	"fmt"
	"strconv"

	"github.com/parkwell/spotd/internal/model"
)

// Metadata is the booking context carried through the provider and
// returned verbatim on the success callback. It is the only channel
// through which the confirmation handler learns what was bought.
type Metadata struct {
	ReservationID string
	SpotID        int64
	LotID         int64
	UserID        int64
	Date          string
	Window        model.Window
	Direct        bool // direct-path session, confirmed without a lease
}

// SessionParams describes one checkout session to create.
type SessionParams struct {
	Meta        Metadata
	SpotNumber  int
	AmountCents int64 // minor units, already floored at the provider minimum
	SuccessURL  string
	CancelURL   string
}

// Session is the provider-side view of a checkout.
type Session struct {
	ID            string
	URL           string
	PaymentIntent string
	Paid          bool
	AmountTotal   int64
	Meta          Metadata
}

// Provider is the external payment collaborator.
type Provider interface {
	CreateSession(ctx context.Context, p SessionParams) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	Refund(ctx context.Context, paymentIntent string) error
}

// metadata wire keys, fixed by the provider contract.
const (
	metaReservationID = "reservation_id"
	metaSpotID        = "spot_id"
	metaLotID         = "parking_lot_id"
	metaDate          = "booking_date"
	metaStart         = "start_time"
	metaEnd           = "end_time"
	metaUserID        = "user_id"
	metaDirect        = "direct_booking"
)

// EncodeMetadata flattens Metadata to the provider's string map.
func EncodeMetadata(m Metadata) map[string]string {
	out := map[string]string{
		metaReservationID: m.ReservationID,
		metaSpotID:        strconv.FormatInt(m.SpotID, 10),
		metaLotID:         strconv.FormatInt(m.LotID, 10),
		metaDate:          m.Date,
		metaStart:         m.Window.Start.String(),
		metaEnd:           m.Window.End.String(),
		metaUserID:        strconv.FormatInt(m.UserID, 10),
	}
	if m.Direct {
		out[metaDirect] = "true"
	}
	return out
}

// DecodeMetadata parses the provider's string map back. Every field is
// required; a session without complete metadata cannot be confirmed.
func DecodeMetadata(raw map[string]string) (Metadata, error) {
	var m Metadata
	m.ReservationID = raw[metaReservationID]
	m.Date = raw[metaDate]
	if m.ReservationID == "" {
		return m, fmt.Errorf("payment metadata: missing %s", metaReservationID)
	}
	if !model.ValidDate(m.Date) {
		return m, fmt.Errorf("payment metadata: bad %s %q", metaDate, raw[metaDate])
	}

	var err error
	if m.SpotID, err = strconv.ParseInt(raw[metaSpotID], 10, 64); err != nil {
		return m, fmt.Errorf("payment metadata: bad %s: %w", metaSpotID, err)
	}
	if m.LotID, err = strconv.ParseInt(raw[metaLotID], 10, 64); err != nil {
		return m, fmt.Errorf("payment metadata: bad %s: %w", metaLotID, err)
	}
	if m.UserID, err = strconv.ParseInt(raw[metaUserID], 10, 64); err != nil {
		return m, fmt.Errorf("payment metadata: bad %s: %w", metaUserID, err)
	}
	if m.Window, err = model.ParseWindow(raw[metaStart], raw[metaEnd]); err != nil {
		return m, fmt.Errorf("payment metadata: %w", err)
	}
	m.Direct = raw[metaDirect] == "true"
	return m, nil
}
