// SPDX-License-Identifier: MIT

package payment

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// MinimumCharge is the smallest amount the provider accepts, in minor
// units.
const MinimumCharge = 50

// StripeProvider implements Provider against the Stripe Checkout API.
type StripeProvider struct {
	api      *client.API
	currency string
}

// NewStripeProvider builds a provider with its own API client.
func NewStripeProvider(secretKey, currency string) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{api: api, currency: currency}
}

// CreateSession opens a checkout session carrying the booking context
// as metadata. The session URL is where the client gets redirected.
func (s *StripeProvider) CreateSession(ctx context.Context, p SessionParams) (*Session, error) {
	amount := p.AmountCents
	if amount < MinimumCharge {
		amount = MinimumCharge
	}

	params := &stripe.CheckoutSessionParams{
		Params:             stripe.Params{Context: ctx},
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(p.SuccessURL),
		CancelURL:          stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(s.currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("Parking Spot #%d", p.SpotNumber)),
					Description: stripe.String(fmt.Sprintf("%s %s-%s",
						p.Meta.Date, p.Meta.Window.Start, p.Meta.Window.End)),
				},
				UnitAmount: stripe.Int64(amount),
			},
			Quantity: stripe.Int64(1),
		}},
	}
	for k, v := range EncodeMetadata(p.Meta) {
		params.AddMetadata(k, v)
	}

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create session: %w", err)
	}
	return fromStripe(sess)
}

// GetSession retrieves a checkout session by id.
func (s *StripeProvider) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := s.api.CheckoutSessions.Get(id, &stripe.CheckoutSessionParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: get session %s: %w", id, err)
	}
	return fromStripe(sess)
}

// Refund returns the charge behind a payment intent.
func (s *StripeProvider) Refund(ctx context.Context, paymentIntent string) error {
	_, err := s.api.Refunds.New(&stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(paymentIntent),
	})
	if err != nil {
		return fmt.Errorf("stripe: refund %s: %w", paymentIntent, err)
	}
	return nil
}

func fromStripe(sess *stripe.CheckoutSession) (*Session, error) {
	meta, err := DecodeMetadata(sess.Metadata)
	if err != nil {
		return nil, err
	}
	out := &Session{
		ID:          sess.ID,
		URL:         sess.URL,
		Paid:        sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		AmountTotal: sess.AmountTotal,
		Meta:        meta,
	}
	if sess.PaymentIntent != nil {
		out.PaymentIntent = sess.PaymentIntent.ID
	}
	return out, nil
}
