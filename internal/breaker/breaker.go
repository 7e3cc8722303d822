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

// Package breaker implements a per-dependency circuit breaker. Consecutive
// failures trip the breaker open; after a cooldown a single probe call is
// let through, and enough consecutive probe successes close it again.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"clubprint/internal/metrics"
)

// ErrOpen is returned by Execute while the breaker is rejecting calls.
var ErrOpen = errors.New("breaker: circuit open")

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config for a Breaker. Zero-valued fields take the defaults noted below.
type Config struct {
	// Name identifies the guarded dependency in metrics and callbacks.
	Name string
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker. Default 5.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before allowing a
	// probe. Default 60s.
	Cooldown time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close. Default 2.
	SuccessThreshold int
	// Clock is injectable for tests. Default the real clock.
	Clock clockwork.Clock
	// OnStateChange, if set, is invoked after every transition.
	OnStateChange func(from, to State)
}

// Breaker guards calls to one dependency.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

// Snapshot is a point-in-time view of breaker internals.
type Snapshot struct {
	Name     string
	State    State
	Failures int
}

// New returns a closed breaker for cfg.Name.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	b := &Breaker{cfg: cfg}
	metrics.SetBreakerState(cfg.Name, int(StateClosed))
	return b
}

// Execute runs fn under the breaker. When open it returns ErrOpen without
// calling fn; when half-open at most one caller at a time is admitted as
// a probe.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// Snapshot returns the current state for health reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return Snapshot{Name: b.cfg.Name, State: b.state, Failures: b.failures}
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.failures = 0
	b.successes = 0
	b.probing = false
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()

	switch b.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.probing
	b.probing = false

	if err != nil {
		b.successes = 0
		if b.state == StateHalfOpen && wasProbe {
			// Failed probe reopens immediately and restarts the
			// cooldown.
			b.openedAt = b.cfg.Clock.Now()
			b.transitionLocked(StateOpen)
			return
		}
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.cfg.Clock.Now()
			b.transitionLocked(StateOpen)
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.transitionLocked(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

// maybeHalfOpenLocked moves an open breaker to half-open once the cooldown
// has elapsed.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && b.cfg.Clock.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.successes = 0
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	metrics.SetBreakerState(b.cfg.Name, int(to))
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
