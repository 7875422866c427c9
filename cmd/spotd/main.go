// SPDX-License-Identifier: MIT

// Command spotd runs the parking spot reservation daemon: the HTTP and
// websocket API, the lease-backed booking coordinator and the
// background workers that keep both healthy.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parkwell/spotd/internal/api"
	"github.com/parkwell/spotd/internal/availability"
	"github.com/parkwell/spotd/internal/booking"
	"github.com/parkwell/spotd/internal/cache"
	"github.com/parkwell/spotd/internal/config"
	"github.com/parkwell/spotd/internal/lease"
	"github.com/parkwell/spotd/internal/log"
	"github.com/parkwell/spotd/internal/payment"
	"github.com/parkwell/spotd/internal/realtime"
	"github.com/parkwell/spotd/internal/resilience"
	"github.com/parkwell/spotd/internal/store"
	"github.com/parkwell/spotd/internal/workers"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		l := log.L()
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "spotd"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		l := log.L()
		l.Fatal().Err(err).Msg("daemon failed")
	}
	l := log.L()
	l.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("main")

	db, err := store.Open(ctx, cfg.PostgresDSN, log.WithComponent("store"))
	if err != nil {
		return err
	}
	defer db.Close()

	breaker := resilience.NewBreaker("cache", log.WithComponent("resilience"))

	client, err := cache.Connect(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log.WithComponent("cache"))
	if err != nil {
		// Degraded start: the direct booking path carries the load
		// until the recovery probe brings the cache back.
		logger.Warn().Err(err).Msg("starting degraded, cache unreachable")
		breaker.Trip("startup")
	} else {
		cache.EnableExpiryEvents(ctx, client, log.WithComponent("cache"))
	}
	defer func() { _ = client.Close() }()

	leases := lease.NewManager(client, breaker, cfg.LeaseTTL, log.WithComponent("lease"))
	hub := realtime.NewHub(client, breaker, db, leases, cfg.FallbackConnTTL, log.WithComponent("realtime"))

	var provider payment.Provider = payment.NewStripeProvider(cfg.StripeSecretKey, cfg.Currency)
	coord := booking.NewCoordinator(db, leases, hub, provider, breaker, booking.Config{
		BaseURL:         cfg.BaseURL,
		LeaseTTL:        cfg.LeaseTTL,
		PaymentLeaseTTL: cfg.PaymentLeaseTTL,
		PendingTTL:      cfg.PendingTTL,
	}, log.WithComponent("booking"))

	avail := availability.NewService(db, leases, breaker, log.WithComponent("availability"))

	ws := realtime.NewWSHandler(hub, api.NewBookHandler(hub, coord), realtime.QueryAuth, log.WithComponent("ws"))
	server := api.New(avail, coord, db, ws, breaker, log.WithComponent("api"))

	sup := &workers.Supervisor{Logger: log.WithComponent("supervisor")}
	sup.Add("lease-expiry", (&lease.ExpiryListener{
		Client:  client,
		DB:      cfg.RedisDB,
		Breaker: breaker,
		Logger:  log.WithComponent("lease"),
		OnExpired: func(ctx context.Context, spotID int64, date string) {
			spot, err := db.GetSpot(ctx, spotID)
			if err != nil {
				leaseLog := log.WithComponent("lease")
				leaseLog.Warn().Err(err).
					Int64("spot_id", spotID).Msg("expired lease spot lookup failed")
				return
			}
			hub.EmitBroadcast(ctx, realtime.Update{
				SpotID:    spotID,
				LotID:     spot.LotID,
				Date:      date,
				Available: true,
			})
		},
	}).Run)
	sup.Add("broadcast", (&realtime.BroadcastListener{
		Hub:    hub,
		Logger: log.WithComponent("realtime"),
	}).Run)

	probe := &resilience.Probe{
		Breaker:  breaker,
		Ping:     func(ctx context.Context) error { return client.Ping(ctx).Err() },
		Interval: cfg.RecoveryInterval,
		OnRestore: func(ctx context.Context) {
			cache.EnableExpiryEvents(ctx, client, log.WithComponent("cache"))
			sup.Kick()
		},
		Logger: log.WithComponent("resilience"),
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		probe.Run(ctx)
		return ctx.Err()
	})
	g.Go(func() error { return sup.Run(ctx) })
	pendingSweeper := &workers.PendingSweeper{
		Store:    db,
		Hub:      hub,
		Interval: cfg.SweepInterval,
		Logger:   log.WithComponent("workers"),
	}
	g.Go(func() error { return pendingSweeper.Run(ctx) })

	connSweeper := &workers.ConnectionSweeper{
		Store:    db,
		Interval: cfg.SweepInterval,
		Logger:   log.WithComponent("workers"),
	}
	g.Go(func() error { return connSweeper.Run(ctx) })

	poller := &workers.Poller{
		Store:    db,
		Hub:      hub,
		Interval: cfg.PollInterval,
		Lookback: cfg.PollLookback,
		Logger:   log.WithComponent("workers"),
	}
	g.Go(func() error { return poller.Run(ctx) })

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
