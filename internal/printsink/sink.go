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

// Package printsink delivers rendered attendee sheets to a printer.
// Sinks never retry; the scheduler owns the retry ladder.
package printsink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"clubprint/internal/breaker"
	"clubprint/internal/metrics"
	"clubprint/pkg/config"
	"clubprint/pkg/models"
)

// ErrDelivery wraps every sink failure so callers can classify without
// knowing the variant.
var ErrDelivery = errors.New("printsink: delivery failed")

// Job carries one rendered sheet to a sink.
type Job struct {
	Event    models.Event
	Filename string
	PDF      []byte
}

// Sink is a delivery endpoint for rendered sheets.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Deliver hands the sheet to the endpoint, returning once the
	// endpoint has accepted it.
	Deliver(ctx context.Context, job Job) error
	// Close releases any held resources.
	Close() error
}

// New builds the sink selected by cfg.PrintMode, gated by its own
// circuit breaker.
func New(cfg config.Config, secrets config.Secrets, log *slog.Logger) (Sink, error) {
	switch cfg.PrintMode {
	case config.PrintModeLocal:
		return newGuarded(newLocalSink(cfg.PrinterQueue, log)), nil
	case config.PrintModeEmail:
		return newGuarded(newEmailSink(secrets, log)), nil
	default:
		return nil, fmt.Errorf("printsink: unknown print mode %q", cfg.PrintMode)
	}
}

// guardedSink wraps a sink with a circuit breaker and delivery metrics.
type guardedSink struct {
	inner Sink
	br    *breaker.Breaker
}

func newGuarded(inner Sink) *guardedSink {
	return &guardedSink{
		inner: inner,
		br:    breaker.New(breaker.Config{Name: inner.Name()}),
	}
}

func (g *guardedSink) Name() string { return g.inner.Name() }

func (g *guardedSink) Deliver(ctx context.Context, job Job) error {
	err := g.br.Execute(func() error {
		return g.inner.Deliver(ctx, job)
	})
	if err != nil {
		metrics.IncDelivery(g.Name(), "failure")
		if errors.Is(err, breaker.ErrOpen) || errors.Is(err, ErrDelivery) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	metrics.IncDelivery(g.Name(), "success")
	return nil
}

func (g *guardedSink) Close() error { return g.inner.Close() }

// Breaker exposes the sink breaker for health reporting.
func (g *guardedSink) Breaker() *breaker.Breaker { return g.br }
