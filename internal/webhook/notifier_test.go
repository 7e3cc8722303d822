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

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"clubprint/pkg/config"
	"clubprint/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newLocalNotifier swaps in a plain HTTP client because the production
// transport refuses loopback targets, which is where httptest listens.
func newLocalNotifier(cfg config.WebhookConfig) *Notifier {
	n := New(cfg, discardLogger())
	n.http = &http.Client{Timeout: cfg.Timeout()}
	return n
}

func TestNotifyPostsPayload(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if r.Header.Get("X-Delivery-ID") == "" {
			t.Error("missing X-Delivery-ID header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
	}))
	defer srv.Close()

	n := newLocalNotifier(config.WebhookConfig{
		Enabled: true, URL: srv.URL, TimeoutMs: 2000, MaxRetries: 0,
	})
	n.Notify(context.Background(), models.WebhookEventProcessed, map[string]string{"eventId": "E1"})

	if got.Event != models.WebhookEventProcessed {
		t.Errorf("event = %q", got.Event)
	}
	if got.DeliveryID == "" || got.Timestamp.IsZero() {
		t.Errorf("payload incomplete: %+v", got)
	}
}

func TestNotifyRetriesThenGivesUp(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := newLocalNotifier(config.WebhookConfig{
		Enabled: true, URL: srv.URL, TimeoutMs: 2000, MaxRetries: 2, RetryDelayMs: 1,
	})
	// Must not panic or return; failures are swallowed.
	n.Notify(context.Background(), models.WebhookEventFailed, nil)

	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestNotifyRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := newLocalNotifier(config.WebhookConfig{
		Enabled: true, URL: srv.URL, TimeoutMs: 2000, MaxRetries: 2, RetryDelayMs: 1,
	})
	n.Notify(context.Background(), models.WebhookJobRetry, nil)

	if got := calls.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestNotifyDisabledIsNoOp(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := newLocalNotifier(config.WebhookConfig{Enabled: false, URL: srv.URL})
	n.Notify(context.Background(), models.WebhookEventProcessed, nil)

	if calls.Load() != 0 {
		t.Error("disabled notifier reached the target")
	}
}

func TestNotifyRefusesLoopbackTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("loopback target was reached")
	}))
	defer srv.Close()

	// Production transport, no override: the SSRF guard must refuse
	// the loopback dial and the failure must be swallowed.
	n := New(config.WebhookConfig{
		Enabled: true, URL: srv.URL, TimeoutMs: 2000, MaxRetries: 0,
	}, discardLogger())
	n.Notify(context.Background(), models.WebhookEventProcessed, nil)
}
