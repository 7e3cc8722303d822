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

// Package health periodically derives a service health snapshot and
// writes it to disk atomically. An out-of-process watchdog can watch
// the file's mtime to detect a frozen service.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/jonboulle/clockwork"

	"clubprint/internal/breaker"
	"clubprint/internal/memmon"
	"clubprint/pkg/models"
)

const (
	defaultInterval = 60 * time.Second
	// More failed jobs than this degrades the service status.
	defaultFailedJobThreshold = 10
)

// Overall service status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Check is one named probe result inside a snapshot.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Snapshot is the persisted health document.
type Snapshot struct {
	Status      string         `json:"status"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Checks      []Check        `json:"checks"`
	Jobs        map[string]int `json:"jobs"`
	Memory      *memmon.Sample `json:"memory,omitempty"`
}

// StoreChecker is the slice of the store the reporter needs.
type StoreChecker interface {
	Ping(ctx context.Context) error
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}

// Options wires the reporter's collaborators.
type Options struct {
	Path               string
	Interval           time.Duration
	FailedJobThreshold int
	Clock              clockwork.Clock

	Store    StoreChecker
	Breakers func() []breaker.Snapshot
	CacheLen func() int
	CacheCap int
	Memory   *memmon.Monitor
}

// Reporter derives and persists snapshots.
type Reporter struct {
	opts Options
	log  *slog.Logger

	mu     sync.RWMutex
	latest Snapshot
}

// New builds a Reporter.
func New(opts Options, log *slog.Logger) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.FailedJobThreshold <= 0 {
		opts.FailedJobThreshold = defaultFailedJobThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Reporter{opts: opts, log: log}
}

// Run writes snapshots until ctx is cancelled. The first snapshot is
// written immediately.
func (r *Reporter) Run(ctx context.Context) {
	ticker := r.opts.Clock.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.report(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.report(ctx)
		}
	}
}

// Latest returns the most recently derived snapshot.
func (r *Reporter) Latest() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

func (r *Reporter) report(ctx context.Context) {
	snap := r.derive(ctx)

	r.mu.Lock()
	r.latest = snap
	r.mu.Unlock()

	if r.opts.Path == "" {
		return
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		r.log.Error("marshalling health snapshot failed", "error", err)
		return
	}
	if err := renameio.WriteFile(r.opts.Path, append(data, '\n'), 0o644); err != nil {
		r.log.Error("writing health snapshot failed", "path", r.opts.Path, "error", err)
	}
}

// derive runs every probe and applies the status policy: a store
// failure is unhealthy; an open breaker, too many failed jobs or
// memory above the warn thresholds is degraded.
func (r *Reporter) derive(ctx context.Context) Snapshot {
	snap := Snapshot{
		Status:      StatusHealthy,
		GeneratedAt: r.opts.Clock.Now().UTC(),
	}
	degraded := false

	if r.opts.Store != nil {
		if err := r.opts.Store.Ping(ctx); err != nil {
			snap.Checks = append(snap.Checks, Check{Name: "store", Detail: err.Error()})
			snap.Status = StatusUnhealthy
		} else {
			snap.Checks = append(snap.Checks, Check{Name: "store", OK: true})
		}

		if counts, err := r.opts.Store.CountJobsByStatus(ctx); err == nil {
			snap.Jobs = make(map[string]int, len(counts))
			for status, n := range counts {
				snap.Jobs[status.String()] = n
			}
			if counts[models.JobStatusFailed] > r.opts.FailedJobThreshold {
				degraded = true
				snap.Checks = append(snap.Checks, Check{
					Name:   "jobs",
					Detail: fmt.Sprintf("%d failed jobs exceeds threshold %d", counts[models.JobStatusFailed], r.opts.FailedJobThreshold),
				})
			} else {
				snap.Checks = append(snap.Checks, Check{Name: "jobs", OK: true})
			}
		}
	}

	if r.opts.Breakers != nil {
		for _, bs := range r.opts.Breakers() {
			check := Check{Name: "breaker:" + bs.Name, OK: bs.State != breaker.StateOpen, Detail: bs.State.String()}
			if !check.OK {
				degraded = true
			}
			snap.Checks = append(snap.Checks, check)
		}
	}

	if r.opts.CacheLen != nil && r.opts.CacheCap > 0 {
		used := r.opts.CacheLen()
		snap.Checks = append(snap.Checks, Check{
			Name:   "cache",
			OK:     true,
			Detail: fmt.Sprintf("%d/%d entries", used, r.opts.CacheCap),
		})
	}

	if r.opts.Memory != nil {
		if s, ok := r.opts.Memory.Latest(); ok {
			snap.Memory = &s
			if r.opts.Memory.AboveThreshold() {
				degraded = true
				snap.Checks = append(snap.Checks, Check{Name: "memory", Detail: "usage above warn threshold"})
			} else {
				snap.Checks = append(snap.Checks, Check{Name: "memory", OK: true})
			}
		}
	}

	if snap.Status == StatusHealthy && degraded {
		snap.Status = StatusDegraded
	}
	return snap
}
