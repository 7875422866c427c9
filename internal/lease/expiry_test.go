// SPDX-License-Identifier: MIT

package lease

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestExpiryListenerHandle(t *testing.T) {
	type expiredCall struct {
		spotID int64
		date   string
	}
	var calls []expiredCall

	l := &ExpiryListener{
		Logger: zerolog.Nop(),
		OnExpired: func(_ context.Context, spotID int64, date string) {
			calls = append(calls, expiredCall{spotID, date})
		},
	}

	ctx := context.Background()
	l.handle(ctx, "spot_lease:5_2025-09-15")
	l.handle(ctx, "lease_data:some-reservation") // other key class
	l.handle(ctx, "session:abc")                 // unrelated expiry
	l.handle(ctx, "spot_lease:not-a-spot_2025-09-15")

	assert.Equal(t, []expiredCall{{5, "2025-09-15"}}, calls)
}
