// Clubprint is a Hello Club attendee sheet printing agent.
// Copyright (C) 2025  The Clubprint Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package supervisor constructs the service's collaborators once and
// runs them until the context is cancelled. Nothing here holds global
// state; every component receives its dependencies explicitly.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"clubprint/internal/breaker"
	"clubprint/internal/cache"
	"clubprint/internal/health"
	"clubprint/internal/helloclub"
	"clubprint/internal/memmon"
	"clubprint/internal/metrics"
	"clubprint/internal/printsink"
	"clubprint/internal/scheduler"
	"clubprint/internal/store"
	"clubprint/internal/webhook"
	"clubprint/pkg/config"
	"clubprint/pkg/models"
)

const cleanupInterval = 24 * time.Hour

// Supervisor owns the lifecycle of every long-running component.
type Supervisor struct {
	cfg     config.Config
	secrets config.Secrets
	log     *slog.Logger
	clock   clockwork.Clock
}

// New returns a Supervisor ready to Run.
func New(cfg config.Config, secrets config.Secrets, log *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, secrets: secrets, log: log, clock: clockwork.NewRealClock()}
}

// Run builds the component graph and blocks until ctx is cancelled or a
// component fails fatally. On return the store has been checkpointed
// and every external resource closed.
func (s *Supervisor) Run(ctx context.Context) error {
	st, err := store.Open(ctx, s.cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		checkpointCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Checkpoint(checkpointCtx); err != nil {
			s.log.Warn("final store checkpoint failed", "error", err)
		}
		if err := st.Close(); err != nil {
			s.log.Warn("closing store failed", "error", err)
		}
	}()

	apiBreaker := breaker.New(breaker.Config{
		Name:  "api",
		Clock: s.clock,
		OnStateChange: func(from, to breaker.State) {
			s.log.Warn("api breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	rosterCache := cache.New(cache.DefaultCapacity, s.clock)
	client := helloclub.New(s.cfg.API, s.secrets.APIKey, apiBreaker, rosterCache, s.log)

	sink, err := printsink.New(s.cfg, s.secrets, s.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			s.log.Warn("closing print sink failed", "error", err)
		}
	}()

	notifier := webhook.New(s.cfg.Webhook, s.log)

	monitor, err := memmon.New(memmon.Options{Clock: s.clock}, s.log)
	if err != nil {
		return fmt.Errorf("starting memory monitor: %w", err)
	}

	reporter := health.New(health.Options{
		Path:     s.cfg.HealthFilePath,
		Clock:    s.clock,
		Store:    st,
		Breakers: breakerSnapshots(apiBreaker, sink),
		CacheLen: rosterCache.Len,
		CacheCap: cache.DefaultCapacity,
		Memory:   monitor,
	}, s.log)

	sched := scheduler.New(s.cfg, st, client, sink, notifier, s.clock, s.log)

	notifier.Notify(ctx, models.WebhookServiceStarted, map[string]any{
		"printMode":  s.cfg.PrintMode,
		"categories": s.cfg.Categories,
	})
	s.log.Info("service started",
		"printMode", s.cfg.PrintMode,
		"databasePath", s.cfg.DatabasePath,
		"discoveryInterval", s.cfg.DiscoveryInterval())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { reporter.Run(gctx); return nil })
	g.Go(func() error { monitor.Run(gctx); return nil })
	g.Go(func() error { s.runCleanup(gctx, st); return nil })
	if s.cfg.MetricsAddr != "" {
		g.Go(func() error { return s.serveHTTP(gctx, reporter) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.log.Info("service stopped")
	return nil
}

// runCleanup prunes terminal rows past the retention age once a day.
func (s *Supervisor) runCleanup(ctx context.Context, st *store.Store) {
	ticker := s.clock.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			cutoff := s.clock.Now().Add(-s.cfg.CleanupRetention())
			removed, err := st.CleanupOlderThan(ctx, cutoff)
			if err != nil {
				s.log.Warn("cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				s.log.Info("pruned terminal rows", "removed", removed, "olderThan", cutoff)
			}
		}
	}
}

// serveHTTP exposes the read-only query surface: Prometheus metrics and
// the latest health snapshot.
func (s *Supervisor) serveHTTP(ctx context.Context, reporter *health.Reporter) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := reporter.Latest()
		w.Header().Set("Content-Type", "application/json")
		if snap.Status == health.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snap)
	})

	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener: %w", err)
	}
}

// breakerSnapshots collects the state of every dependency breaker for
// health reporting. The sink breaker is reachable only through the
// guarded wrapper.
func breakerSnapshots(api *breaker.Breaker, sink printsink.Sink) func() []breaker.Snapshot {
	type breakered interface {
		Breaker() *breaker.Breaker
	}
	return func() []breaker.Snapshot {
		snaps := []breaker.Snapshot{api.Snapshot()}
		if b, ok := sink.(breakered); ok {
			snaps = append(snaps, b.Breaker().Snapshot())
		}
		return snaps
	}
}
