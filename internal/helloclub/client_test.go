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

package helloclub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"clubprint/internal/breaker"
	"clubprint/internal/cache"
	"clubprint/pkg/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clientEnv struct {
	client *Client
	clock  *clockwork.FakeClock
	calls  *atomic.Int64
}

func newTestClient(t *testing.T, handler http.HandlerFunc) clientEnv {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	clock := clockwork.NewFakeClock()
	cfg := config.APIConfig{
		BaseURL:           srv.URL,
		PaginationLimit:   2,
		PaginationDelayMs: 1,
		CacheFreshSeconds: 120,
		CacheStaleSeconds: 1800,
	}
	br := breaker.New(breaker.Config{Name: "api", FailureThreshold: 3, Clock: clock})
	c := New(cfg, "test-key", br, cache.New(10, clock), discardLogger())
	return clientEnv{client: c, clock: clock, calls: &calls}
}

func TestListUpcomingEventsParsesAndFilters(t *testing.T) {
	env := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("sort") != "startDate" || q.Get("fromDate") == "" || q.Get("toDate") == "" {
			t.Errorf("query = %v", q)
		}
		fmt.Fprint(w, `{"events":[
			{"id":"E1","name":"Practice","startDate":"2026-09-01T18:00:00Z","categories":[{"name":"Sports"}]},
			{"id":"","name":"no id","startDate":"2026-09-01T18:00:00Z"},
			{"id":"E3","name":"Bad date","startDate":"tomorrowish"}
		]}`)
	})

	events, err := env.client.ListUpcomingEvents(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("ListUpcomingEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 (invalid records dropped)", len(events))
	}
	ev := events[0]
	if ev.ID != "E1" || ev.Name != "Practice" || len(ev.Categories) != 1 || ev.Categories[0] != "Sports" {
		t.Errorf("event = %+v", ev)
	}
	if !ev.StartTime.Equal(time.Date(2026, 9, 1, 18, 0, 0, 0, time.UTC)) {
		t.Errorf("StartTime = %v", ev.StartTime)
	}
}

func TestListUpcomingEventsAllInvalid(t *testing.T) {
	env := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"events":[{"id":"","name":""}]}`)
	})
	if _, err := env.client.ListUpcomingEvents(context.Background(), time.Hour); err == nil {
		t.Fatal("want error when every record is invalid")
	}
}

func TestAuthFailureIsFatal(t *testing.T) {
	env := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := env.client.ListUpcomingEvents(context.Background(), time.Hour)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestGetAttendeesPaginates(t *testing.T) {
	pages := []string{
		`{"attendees":[
			{"firstName":"Ada","lastName":"Lovelace","phone":"111","hasFee":true,"isPaid":true,"rule":{"fee":5}},
			{"firstName":"Alan","lastName":"Turing","phone":"222","hasFee":true,"isPaid":false,"rule":{"fee":5}}
		],"meta":{"total":3}}`,
		`{"attendees":[
			{"firstName":"Grace","lastName":"Hopper","signUpDate":"2026-08-01T10:00:00Z"}
		],"meta":{"total":3}}`,
	}
	env := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/eventAttendee" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("event") != "E1" || q.Get("limit") != "2" {
			t.Errorf("query = %v", q)
		}
		switch q.Get("offset") {
		case "0":
			fmt.Fprint(w, pages[0])
		case "2":
			fmt.Fprint(w, pages[1])
		default:
			t.Errorf("unexpected offset %q", q.Get("offset"))
		}
	})

	attendees, err := env.client.GetAttendees(context.Background(), "E1", false)
	if err != nil {
		t.Fatalf("GetAttendees failed: %v", err)
	}
	if len(attendees) != 3 {
		t.Fatalf("attendees = %d, want 3 across two pages", len(attendees))
	}
	if attendees[2].FullName() != "Grace Hopper" {
		t.Errorf("attendees[2] = %+v", attendees[2])
	}
	if attendees[2].SignUpDate == nil {
		t.Error("SignUpDate not parsed")
	}
	if got := env.calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestGetAttendeesServedFromFreshCache(t *testing.T) {
	env := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"attendees":[{"firstName":"Ada","lastName":"Lovelace"}],"meta":{"total":1}}`)
	})

	for i := 0; i < 2; i++ {
		if _, err := env.client.GetAttendees(context.Background(), "E1", false); err != nil {
			t.Fatalf("GetAttendees %d failed: %v", i, err)
		}
	}
	if got := env.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (second served from cache)", got)
	}
}

func TestGetAttendeesStaleFallback(t *testing.T) {
	var failing atomic.Bool
	env := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"attendees":[{"firstName":"Ada","lastName":"Lovelace"}],"meta":{"total":1}}`)
	})

	if _, err := env.client.GetAttendees(context.Background(), "E1", false); err != nil {
		t.Fatalf("warmup failed: %v", err)
	}

	// Entry goes stale, upstream goes down.
	env.clock.Advance(5 * time.Minute)
	failing.Store(true)

	attendees, err := env.client.GetAttendees(context.Background(), "E1", true)
	if err != nil {
		t.Fatalf("GetAttendees with stale fallback failed: %v", err)
	}
	if len(attendees) != 1 {
		t.Fatalf("attendees = %d, want 1 from stale cache", len(attendees))
	}

	// Without acceptStale the failure surfaces.
	if _, err := env.client.GetAttendees(context.Background(), "E1", false); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("strict err = %v, want ErrUnavailable", err)
	}
}

func TestOpenBreakerFallsBackToStale(t *testing.T) {
	var failing atomic.Bool
	env := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"attendees":[{"firstName":"Ada","lastName":"Lovelace"}],"meta":{"total":1}}`)
	})

	if _, err := env.client.GetAttendees(context.Background(), "E1", false); err != nil {
		t.Fatalf("warmup failed: %v", err)
	}
	env.clock.Advance(5 * time.Minute)
	failing.Store(true)

	// Trip the breaker (threshold 3) on strict calls.
	for i := 0; i < 3; i++ {
		_, _ = env.client.GetAttendees(context.Background(), "E1", false)
	}
	if st := env.client.Breaker().Snapshot().State; st != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", st)
	}
	before := env.calls.Load()

	// The breaker rejects without touching the upstream; the stale
	// roster still serves the caller.
	attendees, err := env.client.GetAttendees(context.Background(), "E1", true)
	if err != nil {
		t.Fatalf("GetAttendees with open breaker failed: %v", err)
	}
	if len(attendees) != 1 {
		t.Fatalf("attendees = %d, want 1", len(attendees))
	}
	if got := env.calls.Load(); got != before {
		t.Errorf("upstream calls advanced from %d to %d while breaker open", before, got)
	}
}
