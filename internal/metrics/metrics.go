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

// Package metrics exposes Prometheus collectors for the scheduling and
// delivery engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	apiRequests        *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec
	jobOutcomes        *prometheus.CounterVec
	jobRetries         prometheus.Counter
	discoveryRuns      prometheus.Counter
	eventsDiscovered   prometheus.Counter
	deliveries         *prometheus.CounterVec
	webhookDeliveries  *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	cacheLookups       *prometheus.CounterVec
	cacheEntries       prometheus.Gauge
	armedTimers        prometheus.Gauge
)

// API operation labels.
const (
	OpListEvents   = "list_events"
	OpGetEvent     = "get_event"
	OpGetAttendees = "get_attendees"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveAPIRequest records a completed upstream API request.
// code should be the HTTP status code; use negative values to indicate errors.
func ObserveAPIRequest(op string, code int, duration time.Duration) {
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if apiRequests != nil {
		apiRequests.WithLabelValues(op, status).Inc()
	}
	if apiRequestDuration != nil {
		apiRequestDuration.WithLabelValues(op).Observe(duration.Seconds())
	}
}

// IncJobOutcome counts a terminal job outcome ("completed" or "failed").
func IncJobOutcome(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobOutcomes != nil {
		jobOutcomes.WithLabelValues(outcome).Inc()
	}
}

// IncJobRetry counts one scheduled retry.
func IncJobRetry() {
	mu.RLock()
	defer mu.RUnlock()
	if jobRetries != nil {
		jobRetries.Inc()
	}
}

// ObserveDiscovery records one discovery run and how many events it retained.
func ObserveDiscovery(events int) {
	mu.RLock()
	defer mu.RUnlock()
	if discoveryRuns != nil {
		discoveryRuns.Inc()
	}
	if eventsDiscovered != nil {
		eventsDiscovered.Add(float64(events))
	}
}

// IncDelivery counts a sink delivery attempt by sink name and result.
func IncDelivery(sink, result string) {
	mu.RLock()
	defer mu.RUnlock()
	if deliveries != nil {
		deliveries.WithLabelValues(sink, result).Inc()
	}
}

// IncWebhook counts a webhook notification by event kind and result.
func IncWebhook(event, result string) {
	mu.RLock()
	defer mu.RUnlock()
	if webhookDeliveries != nil {
		webhookDeliveries.WithLabelValues(event, result).Inc()
	}
}

// SetBreakerState records a breaker state as 0 (closed), 1 (half-open),
// or 2 (open).
func SetBreakerState(dependency string, state int) {
	mu.RLock()
	defer mu.RUnlock()
	if breakerState != nil {
		breakerState.WithLabelValues(dependency).Set(float64(state))
	}
}

// IncCacheLookup counts a cache lookup by result (fresh, stale, miss).
func IncCacheLookup(result string) {
	mu.RLock()
	defer mu.RUnlock()
	if cacheLookups != nil {
		cacheLookups.WithLabelValues(result).Inc()
	}
}

// SetCacheEntries records the current cache entry count.
func SetCacheEntries(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if cacheEntries != nil {
		cacheEntries.Set(float64(n))
	}
}

// SetArmedTimers records the current number of armed in-memory timers.
func SetArmedTimers(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if armedTimers != nil {
		armedTimers.Set(float64(n))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	apiReq := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clubprint",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total upstream API requests grouped by operation and status code.",
	}, []string{"op", "code"})

	apiDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clubprint",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Duration of upstream API requests by operation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"op"})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clubprint",
		Subsystem: "scheduler",
		Name:      "job_outcomes_total",
		Help:      "Terminal job outcomes by result.",
	}, []string{"outcome"})

	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clubprint",
		Subsystem: "scheduler",
		Name:      "job_retries_total",
		Help:      "Total scheduled job retries.",
	})

	discoveries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clubprint",
		Subsystem: "scheduler",
		Name:      "discovery_runs_total",
		Help:      "Total discovery loop runs.",
	})

	discovered := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clubprint",
		Subsystem: "scheduler",
		Name:      "events_discovered_total",
		Help:      "Total events retained by discovery after category filtering.",
	})

	deliv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clubprint",
		Subsystem: "sink",
		Name:      "deliveries_total",
		Help:      "Print sink delivery attempts by sink and result.",
	}, []string{"sink", "result"})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clubprint",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook notifications by event kind and result.",
	}, []string{"event", "result"})

	brState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "clubprint",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=half-open, 2=open).",
	}, []string{"dependency"})

	cacheLk := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clubprint",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by result.",
	}, []string{"result"})

	cacheSz := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clubprint",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Current number of cache entries.",
	})

	timers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clubprint",
		Subsystem: "scheduler",
		Name:      "armed_timers",
		Help:      "Current number of armed in-memory timers.",
	})

	registry.MustRegister(apiReq, apiDur, outcomes, retries, discoveries, discovered, deliv, webhooks, brState, cacheLk, cacheSz, timers)

	reg = registry
	apiRequests = apiReq
	apiRequestDuration = apiDur
	jobOutcomes = outcomes
	jobRetries = retries
	discoveryRuns = discoveries
	eventsDiscovered = discovered
	deliveries = deliv
	webhookDeliveries = webhooks
	breakerState = brState
	cacheLookups = cacheLk
	cacheEntries = cacheSz
	armedTimers = timers
}
