// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Probe periodically pings the cache. While the breaker is open a
// successful ping restores it and fires OnRestore (used to re-attach
// the lease expiry listener, which dies with the connection). While
// the breaker is closed a failed ping trips it, so a silently dropped
// connection is noticed within one interval even with no traffic.
type Probe struct {
	Breaker   *Breaker
	Ping      func(ctx context.Context) error
	Interval  time.Duration
	OnRestore func(ctx context.Context)
	Logger    zerolog.Logger
}

// Run blocks until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) {
	if p.Interval <= 0 {
		p.Interval = 30 * time.Second
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.Logger.Info().Dur("interval", p.Interval).Msg("cache recovery probe started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

func (p *Probe) probeOnce(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := p.Ping(pingCtx)
	cancel()

	switch {
	case err == nil && !p.Breaker.Healthy():
		p.Breaker.Restore()
		if p.OnRestore != nil {
			p.OnRestore(ctx)
		}
	case err != nil && p.Breaker.Healthy():
		p.Breaker.Trip("ping_failed")
	case err != nil:
		p.Logger.Debug().Err(err).Msg("cache still unreachable")
	}
}
