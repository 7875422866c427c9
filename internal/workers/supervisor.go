// SPDX-License-Identifier: MIT

package workers

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Listener is a long-running subscription that returns when it breaks.
type Listener struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor keeps pub/sub listeners alive across cache outages. A
// listener that returns stays down until Kick, which the recovery
// probe calls once the cache answers pings again. Restarting any
// earlier would just burn reconnect attempts against a dead server.
type Supervisor struct {
	Logger zerolog.Logger

	mu        sync.Mutex
	listeners []Listener
	waiters   []chan struct{}
}

// Add registers a listener. Must be called before Run.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, Listener{Name: name, Run: run})
}

// Kick restarts every listener currently waiting after a failure.
func (s *Supervisor) Kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run drives all listeners until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error { return s.supervise(ctx, l) })
	}
	return g.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, l Listener) error {
	kick := make(chan struct{}, 1)
	s.mu.Lock()
	s.waiters = append(s.waiters, kick)
	s.mu.Unlock()

	for {
		err := l.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Logger.Warn().Err(err).Str("listener", l.Name).
			Msg("listener down, waiting for cache recovery")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-kick:
			s.Logger.Info().Str("listener", l.Name).Msg("restarting listener")
		}
	}
}
