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

// Package webhook posts best-effort notifications about processing
// outcomes. Failures are logged and swallowed; notification delivery
// never affects an event's fate. Targets resolving to loopback or
// private ranges are refused at dial time.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"code.dny.dev/ssrf"
	retry "github.com/avast/retry-go"
	"github.com/google/uuid"

	"clubprint/internal/metrics"
	"clubprint/pkg/config"
	"clubprint/pkg/models"
)

// payload is the wire shape of every notification.
type payload struct {
	Event      models.WebhookEvent `json:"event"`
	Timestamp  time.Time           `json:"timestamp"`
	DeliveryID string              `json:"deliveryId"`
	Data       any                 `json:"data"`
}

// Notifier posts notifications to the configured target. The zero
// value of a disabled config yields a Notifier whose Notify is a no-op.
type Notifier struct {
	cfg  config.WebhookConfig
	http *http.Client
	log  *slog.Logger
}

// New builds a Notifier. The HTTP transport refuses connections to
// loopback, RFC 1918, RFC 4193 and link-local destinations.
func New(cfg config.WebhookConfig, log *slog.Logger) *Notifier {
	guardian := ssrf.New()
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: guardian.Safe,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        2,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		cfg:  cfg,
		http: &http.Client{Transport: transport, Timeout: timeout},
		log:  log,
	}
}

// Notify posts one notification. It blocks through the configured
// retries and never returns an error; the outcome is logged and counted.
func (n *Notifier) Notify(ctx context.Context, event models.WebhookEvent, data any) {
	if !n.cfg.Enabled {
		return
	}

	p := payload{
		Event:      event,
		Timestamp:  time.Now().UTC(),
		DeliveryID: uuid.NewString(),
		Data:       data,
	}
	body, err := json.Marshal(p)
	if err != nil {
		n.log.Warn("webhook payload marshal failed", "event", string(event), "error", err)
		metrics.IncWebhook(string(event), "failure")
		return
	}

	attempts := uint(n.cfg.MaxRetries + 1)
	if attempts < 1 {
		attempts = 1
	}

	err = retry.Do(
		func() error { return n.post(ctx, p.DeliveryID, body) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(n.cfg.RetryDelay()),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		n.log.Warn("webhook delivery failed",
			"event", string(event), "deliveryId", p.DeliveryID, "url", n.cfg.URL, "error", err)
		metrics.IncWebhook(string(event), "failure")
		return
	}
	n.log.Debug("webhook delivered", "event", string(event), "deliveryId", p.DeliveryID)
	metrics.IncWebhook(string(event), "success")
}

func (n *Notifier) post(ctx context.Context, deliveryID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", deliveryID)

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("target returned status %d", resp.StatusCode)
	}
	return nil
}
