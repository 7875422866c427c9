// SPDX-License-Identifier: MIT

package lease

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/parkwell/spotd/internal/cache"
	"github.com/parkwell/spotd/internal/resilience"
)

// ExpiryListener subscribes to keyspace expiry notifications and
// reports expired lease guards. A TTL expiry is the "payment never
// completed" path: the spot becomes available again and subscribers
// must hear about it.
type ExpiryListener struct {
	Client  *redis.Client
	DB      int
	Breaker *resilience.Breaker
	Logger  zerolog.Logger

	// OnExpired is called for every expired guard key.
	OnExpired func(ctx context.Context, spotID int64, date string)
}

// Run blocks consuming expiry events until ctx is cancelled or the
// subscription fails. On failure it trips the breaker and returns; the
// recovery probe restarts the listener once the cache is back.
func (l *ExpiryListener) Run(ctx context.Context) error {
	sub := l.Client.PSubscribe(ctx, cache.ExpiredChannel(l.DB))
	defer func() { _ = sub.Close() }()

	// Force the subscription roundtrip so failures surface here
	// instead of as a silent empty channel.
	if _, err := sub.Receive(ctx); err != nil {
		l.Breaker.Trip("expiry_listener")
		return err
	}

	l.Logger.Info().Msg("lease expiry listener started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				l.Breaker.Trip("expiry_listener")
				l.Logger.Warn().Msg("lease expiry listener channel closed")
				return context.Canceled
			}
			l.handle(ctx, msg.Payload)
		}
	}
}

func (l *ExpiryListener) handle(ctx context.Context, expiredKey string) {
	spotID, date, ok := ParseGuardKey(expiredKey)
	if !ok {
		return // some other key class expired
	}
	l.Logger.Info().Int64("spot_id", spotID).Str("date", date).Msg("lease expired")
	if l.OnExpired != nil {
		l.OnExpired(ctx, spotID, date)
	}
}
