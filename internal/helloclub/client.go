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

// Package helloclub is the client for the upstream Hello Club events API.
// All calls pass through a circuit breaker; attendee rosters are cached
// with a fresh/stale band so a flapping upstream can still be served from
// recent data.
package helloclub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"clubprint/internal/breaker"
	"clubprint/internal/cache"
	"clubprint/internal/metrics"
	"clubprint/pkg/config"
	"clubprint/pkg/models"
)

const (
	requestTimeout = 30 * time.Second
	maxPages       = 100
)

var (
	// ErrAuth means the API key was rejected. Fatal; never retried.
	ErrAuth = errors.New("helloclub: authentication rejected")
	// ErrUnavailable means the upstream could not be reached and no
	// usable cached value existed.
	ErrUnavailable = errors.New("helloclub: upstream unavailable")
)

// Client talks to the Hello Club API.
type Client struct {
	baseURL string
	apiKey  string
	cfg     config.APIConfig
	http    *http.Client
	br      *breaker.Breaker
	cache   *cache.Cache
	pages   *rate.Limiter
	log     *slog.Logger
}

// New builds a Client. br and c are owned by the client but injected so
// the supervisor can surface their state in health snapshots.
func New(cfg config.APIConfig, apiKey string, br *breaker.Breaker, c *cache.Cache, log *slog.Logger) *Client {
	delay := cfg.PaginationDelay()
	if delay <= 0 {
		delay = time.Second
	}
	// Drain the initial token so the first inter-page wait honours the
	// configured delay.
	limiter := rate.NewLimiter(rate.Every(delay), 1)
	limiter.Allow()
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  apiKey,
		cfg:     cfg,
		http:    &http.Client{Timeout: requestTimeout},
		br:      br,
		cache:   c,
		pages:   limiter,
		log:     log,
	}
}

// Breaker exposes the API breaker for health reporting.
func (c *Client) Breaker() *breaker.Breaker { return c.br }

// Wire shapes.

type wireCategory struct {
	Name string `json:"name"`
}

type wireEvent struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	StartDate  string         `json:"startDate"`
	Categories []wireCategory `json:"categories"`
}

type eventsResponse struct {
	Events []wireEvent `json:"events"`
}

type wireRule struct {
	Fee float64 `json:"fee"`
}

type wireAttendee struct {
	FirstName  string   `json:"firstName"`
	LastName   string   `json:"lastName"`
	Phone      string   `json:"phone"`
	SignUpDate string   `json:"signUpDate"`
	HasFee     bool     `json:"hasFee"`
	IsPaid     bool     `json:"isPaid"`
	Rule       wireRule `json:"rule"`
}

type attendeesResponse struct {
	Attendees []wireAttendee `json:"attendees"`
	Meta      struct {
		Total int `json:"total"`
	} `json:"meta"`
}

// ListUpcomingEvents returns events starting within window from now,
// sorted by start date. Invalid records are dropped with a warning; the
// call fails only when the upstream is unreachable or every record is
// invalid.
func (c *Client) ListUpcomingEvents(ctx context.Context, window time.Duration) ([]models.Event, error) {
	now := time.Now().UTC()
	q := url.Values{}
	q.Set("fromDate", now.Format(time.RFC3339))
	q.Set("toDate", now.Add(window).Format(time.RFC3339))
	q.Set("sort", "startDate")

	var resp eventsResponse
	if err := c.getJSON(ctx, metrics.OpListEvents, "/event", q, &resp); err != nil {
		return nil, err
	}

	events := make([]models.Event, 0, len(resp.Events))
	for _, we := range resp.Events {
		ev, err := we.toModel()
		if err != nil {
			c.log.Warn("dropping invalid event record", "eventId", we.ID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if len(resp.Events) > 0 && len(events) == 0 {
		return nil, fmt.Errorf("helloclub: all %d event records invalid", len(resp.Events))
	}
	return events, nil
}

// GetEvent fetches a single event by ID.
func (c *Client) GetEvent(ctx context.Context, id string) (models.Event, error) {
	var we wireEvent
	if err := c.getJSON(ctx, metrics.OpGetEvent, "/event/"+url.PathEscape(id), nil, &we); err != nil {
		return models.Event{}, err
	}
	return we.toModel()
}

// GetAttendees returns the full roster for an event, walking pagination
// with a delay between pages. Successful rosters are cached; when the
// upstream is down or the breaker is open and acceptStale is set, a
// stale cached roster is returned instead of an error.
func (c *Client) GetAttendees(ctx context.Context, eventID string, acceptStale bool) ([]models.Attendee, error) {
	key := "attendees:" + eventID

	if v, fr, ok := c.cache.Get(key, false); ok && fr == cache.Fresh {
		return v.([]models.Attendee), nil
	}

	attendees, err := c.fetchAttendees(ctx, eventID)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return nil, err
		}
		if acceptStale {
			if v, _, ok := c.cache.Get(key, true); ok {
				c.log.Warn("serving stale attendee roster, upstream unavailable",
					"eventId", eventID, "error", err)
				return v.([]models.Attendee), nil
			}
		}
		return nil, err
	}

	c.cache.Set(key, attendees, c.cfg.CacheFresh(), c.cfg.CacheStale())
	return attendees, nil
}

func (c *Client) fetchAttendees(ctx context.Context, eventID string) ([]models.Attendee, error) {
	limit := c.cfg.PaginationLimit
	if limit <= 0 {
		limit = 100
	}

	var all []models.Attendee
	dropped := 0
	total := -1

	for page := 0; page < maxPages; page++ {
		if page > 0 {
			if err := c.pages.Wait(ctx); err != nil {
				return nil, err
			}
		}

		q := url.Values{}
		q.Set("event", eventID)
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(page*limit))

		var resp attendeesResponse
		if err := c.getJSON(ctx, metrics.OpGetAttendees, "/eventAttendee", q, &resp); err != nil {
			return nil, err
		}
		total = resp.Meta.Total

		for _, wa := range resp.Attendees {
			a, err := wa.toModel()
			if err != nil {
				dropped++
				c.log.Warn("dropping invalid attendee record",
					"eventId", eventID, "error", err)
				continue
			}
			all = append(all, a)
		}

		if len(resp.Attendees) < limit || len(all)+dropped >= total {
			break
		}
	}

	if dropped > 0 && len(all) == 0 {
		return nil, fmt.Errorf("helloclub: all %d attendee records invalid for event %s", dropped, eventID)
	}
	return all, nil
}

// getJSON performs one breaker-gated GET and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, op, path string, q url.Values, out any) error {
	return c.br.Execute(func() error {
		start := time.Now()
		code, err := c.doGet(ctx, path, q, out)
		metrics.ObserveAPIRequest(op, code, time.Since(start))
		return err
	})
}

func (c *Client) doGet(ctx context.Context, path string, q url.Values, out any) (int, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return -1, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, ErrAuth
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return resp.StatusCode, nil
}

func (we wireEvent) toModel() (models.Event, error) {
	if we.ID == "" {
		return models.Event{}, errors.New("missing event id")
	}
	if we.Name == "" {
		return models.Event{}, errors.New("missing event name")
	}
	start, err := time.Parse(time.RFC3339, we.StartDate)
	if err != nil {
		return models.Event{}, fmt.Errorf("unparseable startDate %q", we.StartDate)
	}
	cats := make([]string, 0, len(we.Categories))
	for _, c := range we.Categories {
		if c.Name != "" {
			cats = append(cats, c.Name)
		}
	}
	return models.Event{
		ID:         we.ID,
		Name:       we.Name,
		StartTime:  start.UTC(),
		Categories: cats,
		Status:     models.EventStatusPending,
	}, nil
}

func (wa wireAttendee) toModel() (models.Attendee, error) {
	if wa.FirstName == "" && wa.LastName == "" {
		return models.Attendee{}, errors.New("attendee has no name")
	}
	a := models.Attendee{
		FirstName: wa.FirstName,
		LastName:  wa.LastName,
		Phone:     wa.Phone,
		HasFee:    wa.HasFee,
		IsPaid:    wa.IsPaid,
		Fee:       wa.Rule.Fee,
	}
	if wa.SignUpDate != "" {
		t, err := time.Parse(time.RFC3339, wa.SignUpDate)
		if err != nil {
			return models.Attendee{}, fmt.Errorf("unparseable signUpDate %q", wa.SignUpDate)
		}
		t = t.UTC()
		a.SignUpDate = &t
	}
	return a, nil
}
