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

// Package scheduler is the centre of the engine. It discovers upcoming
// events, arms one timer per event at startTime minus the pre-event
// lead, and at timer fire fetches the roster, renders the sheet and
// hands it to the print sink, walking a bounded retry ladder on
// failure. Persisted jobs survive restarts; recovery re-arms them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"clubprint/internal/helloclub"
	"clubprint/internal/metrics"
	"clubprint/internal/pdf"
	"clubprint/internal/printsink"
	"clubprint/internal/store"
	"clubprint/pkg/config"
	"clubprint/pkg/models"
)

const drainTimeout = 5 * time.Second

// missedReason is the terminal error recorded for events whose
// scheduled time passed beyond the grace window.
const missedReason = "missed scheduled time"

// EventsAPI is the slice of the Hello Club client the scheduler needs.
type EventsAPI interface {
	ListUpcomingEvents(ctx context.Context, window time.Duration) ([]models.Event, error)
	GetAttendees(ctx context.Context, eventID string, acceptStale bool) ([]models.Attendee, error)
}

// Notifier posts best-effort outcome notifications.
type Notifier interface {
	Notify(ctx context.Context, event models.WebhookEvent, data any)
}

// Scheduler owns the armed-timer map and the discovery loop.
type Scheduler struct {
	cfg      config.Config
	store    *store.Store
	api      EventsAPI
	sink     printsink.Sink
	notifier Notifier
	clock    clockwork.Clock
	log      *slog.Logger

	// jobsCtx outlives the run context so in-flight deliveries get a
	// drain window during shutdown.
	jobsCtx    context.Context
	jobsCancel context.CancelFunc

	mu       sync.Mutex
	timers   map[string]clockwork.Timer
	stopped  bool
	inflight sync.WaitGroup
}

// New wires a Scheduler. clock is injectable for tests.
func New(cfg config.Config, st *store.Store, api EventsAPI, sink printsink.Sink, notifier Notifier, clock clockwork.Clock, log *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	jobsCtx, jobsCancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		store:      st,
		api:        api,
		sink:       sink,
		notifier:   notifier,
		clock:      clock,
		log:        log,
		jobsCtx:    jobsCtx,
		jobsCancel: jobsCancel,
		timers:     make(map[string]clockwork.Timer),
	}
}

// Run recovers persisted jobs, then runs the discovery loop until ctx
// is cancelled, then drains in-flight work.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("scheduler: recovery: %w", err)
	}

	s.runDiscovery(ctx)

	ticker := s.clock.NewTicker(s.cfg.DiscoveryInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.Chan():
			s.runDiscovery(ctx)
		}
	}
}

// recover replays persisted non-terminal jobs into the in-memory timer
// map. Jobs past the grace window fail terminally; everything else is
// re-armed, bypassing the already-scheduled guard because the row
// legitimately exists without a timer.
func (s *Scheduler) recover(ctx context.Context) error {
	if repaired, err := s.store.ReconcileTerminalJobs(ctx); err != nil {
		s.log.Warn("reconciling terminal jobs failed", "error", err)
	} else if repaired > 0 {
		s.log.Info("reconciled events left behind by an interrupted shutdown", "count", repaired)
	}

	jobs, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	for _, job := range jobs {
		if job.ScheduledTime.Before(now.Add(-s.cfg.GraceWindow())) {
			s.log.Warn("recovered job missed its window", "eventId", job.EventID, "scheduledTime", job.ScheduledTime)
			s.failTerminal(job.EventID, job.EventName, missedReason, models.WebhookEventFailed)
			continue
		}

		ev, err := s.store.GetEvent(ctx, job.EventID)
		if err != nil {
			s.log.Error("recovered job has no event row", "eventId", job.EventID, "error", err)
			continue
		}
		delay := job.ScheduledTime.Sub(now)
		if delay < 0 {
			delay = 0
		}
		s.log.Info("re-armed recovered job", "eventId", job.EventID, "fireIn", delay)
		s.armTimer(job.EventID, delay, *ev)
	}
	return nil
}

// runDiscovery performs one discovery pass.
func (s *Scheduler) runDiscovery(ctx context.Context) {
	events, err := s.api.ListUpcomingEvents(ctx, s.cfg.FetchWindow())
	if err != nil {
		s.log.Warn("event discovery failed", "error", err)
		return
	}

	// Category filter first, then first-occurrence dedup.
	seen := make(map[string]bool, len(events))
	retained := events[:0]
	for _, ev := range events {
		if !ev.InCategories(s.cfg.Categories) || seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		retained = append(retained, ev)
	}
	metrics.ObserveDiscovery(len(retained))

	if len(retained) == 0 {
		s.log.Info("discovery found no matching events")
		return
	}

	inserted, err := s.store.UpsertEvents(ctx, retained)
	if err != nil {
		s.log.Error("persisting discovered events failed", "error", err)
		return
	}
	s.log.Info("discovery complete", "matched", len(retained), "new", inserted)

	for _, ev := range retained {
		stored, err := s.store.GetEvent(ctx, ev.ID)
		if err != nil {
			s.log.Error("reading stored event failed", "eventId", ev.ID, "error", err)
			continue
		}
		if stored.Status != models.EventStatusPending {
			continue
		}
		s.arm(ctx, *stored)
	}
}

// arm schedules one event. Past-due events inside the grace window fire
// immediately; beyond it they fail terminally without delivery.
func (s *Scheduler) arm(ctx context.Context, event models.Event) {
	now := s.clock.Now()
	scheduledTime := event.StartTime.Add(-s.cfg.PreEventLead())

	if scheduledTime.Before(now.Add(-s.cfg.GraceWindow())) {
		if err := s.store.ArmJob(ctx, event.ID, event.Name, scheduledTime); err != nil && !errors.Is(err, store.ErrAlreadyScheduled) {
			s.log.Error("recording missed job failed", "eventId", event.ID, "error", err)
			return
		}
		s.log.Warn("event already past its window, not scheduling", "eventId", event.ID, "scheduledTime", scheduledTime)
		s.failTerminal(event.ID, event.Name, missedReason, models.WebhookEventFailed)
		return
	}

	s.mu.Lock()
	_, armed := s.timers[event.ID]
	s.mu.Unlock()
	if armed {
		return
	}

	err := s.store.ArmJob(ctx, event.ID, event.Name, scheduledTime)
	switch {
	case errors.Is(err, store.ErrAlreadyScheduled):
		return
	case err != nil:
		// Do not lose the event over a storage hiccup; the timer
		// still fires and processing will surface persistent store
		// trouble on its own.
		s.log.Error("persisting job failed, arming in memory only", "eventId", event.ID, "error", err)
	}

	delay := scheduledTime.Sub(now)
	if delay < 0 {
		delay = 0
	}
	s.log.Info("armed event", "eventId", event.ID, "eventName", event.Name, "fireIn", delay)
	s.armTimer(event.ID, delay, event)
}

// armTimer installs the one-shot timer for event, keyed by eventID.
func (s *Scheduler) armTimer(eventID string, delay time.Duration, event models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, exists := s.timers[eventID]; exists {
		return
	}

	s.timers[eventID] = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, eventID)
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.inflight.Add(1)
		n := len(s.timers)
		s.mu.Unlock()
		metrics.SetArmedTimers(n)

		defer s.inflight.Done()
		s.process(s.jobsCtx, event)
	})
	metrics.SetArmedTimers(len(s.timers))
}

// process executes one delivery attempt end to end. Each run carries a
// correlation ID so interleaved jobs can be told apart in the logs.
func (s *Scheduler) process(ctx context.Context, event models.Event) {
	log := s.log.With("eventId", event.ID, "eventName", event.Name, "runId", uuid.NewString())

	if err := s.store.UpdateJobStatus(ctx, event.ID, models.JobStatusProcessing, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("marking job processing failed", "error", err)
	}

	err := s.deliver(ctx, event)
	if err == nil {
		if err := s.store.CompleteJob(ctx, event.ID); err != nil {
			log.Error("recording completed job failed", "error", err)
		}
		metrics.IncJobOutcome("completed")
		log.Info("attendee sheet delivered")
		s.notifier.Notify(ctx, models.WebhookEventProcessed, outcomeData(event, 0, ""))
		return
	}

	if errors.Is(err, helloclub.ErrAuth) {
		log.Error("authentication rejected by upstream, failing without retry", "error", err)
		s.failTerminal(event.ID, event.Name, err.Error(), models.WebhookJobPermanentFailure)
		return
	}

	job, jerr := s.store.GetJob(ctx, event.ID)
	if jerr != nil {
		log.Error("reading job for retry decision failed", "error", jerr)
		return
	}

	if job.RetryCount >= s.cfg.Retry.MaxAttempts {
		log.Error("retries exhausted, failing permanently", "retryCount", job.RetryCount, "error", err)
		s.failTerminal(event.ID, event.Name, err.Error(), models.WebhookJobPermanentFailure)
		return
	}

	// Backoff doubles per attempt from the configured base.
	delay := s.cfg.Retry.BaseDelay() * time.Duration(1<<job.RetryCount)
	newCount, ierr := s.store.IncrementJobRetry(ctx, event.ID)
	if ierr != nil {
		log.Error("incrementing retry count failed", "error", ierr)
		return
	}
	if uerr := s.store.UpdateJobStatus(ctx, event.ID, models.JobStatusRetrying, err.Error()); uerr != nil {
		log.Error("marking job retrying failed", "error", uerr)
	}
	metrics.IncJobRetry()
	log.Warn("delivery failed, retry scheduled", "retryCount", newCount, "retryIn", delay, "error", err)
	s.notifier.Notify(ctx, models.WebhookJobRetry, outcomeData(event, newCount, err.Error()))
	s.armTimer(event.ID, delay, event)
}

// deliver fetches the roster, renders the sheet and hands it to the
// sink. Stale cached rosters are acceptable when the upstream is down.
func (s *Scheduler) deliver(ctx context.Context, event models.Event) error {
	attendees, err := s.api.GetAttendees(ctx, event.ID, true)
	if err != nil {
		return fmt.Errorf("fetch attendees: %w", err)
	}

	sheet, err := pdf.Build(event, attendees, s.cfg.PDFLayout)
	if err != nil {
		return fmt.Errorf("render sheet: %w", err)
	}

	job := printsink.Job{
		Event:    event,
		Filename: pdf.Filename(s.cfg.OutputFilename, event),
		PDF:      sheet,
	}
	if err := s.sink.Deliver(ctx, job); err != nil {
		return fmt.Errorf("deliver sheet: %w", err)
	}
	return nil
}

// failTerminal marks job and event failed and notifies.
func (s *Scheduler) failTerminal(eventID, eventName, reason string, kind models.WebhookEvent) {
	if err := s.store.FailJob(s.jobsCtx, eventID, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error("recording failed job failed", "eventId", eventID, "error", err)
	}
	metrics.IncJobOutcome("failed")
	s.notifier.Notify(s.jobsCtx, kind, map[string]any{
		"eventId":   eventID,
		"eventName": eventName,
		"error":     reason,
	})
}

// ArmedCount reports how many timers are currently armed.
func (s *Scheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// shutdown cancels every armed timer and waits up to drainTimeout for
// in-flight deliveries before cutting their context.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	metrics.SetArmedTimers(0)

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.log.Warn("shutdown drain timed out, cancelling in-flight deliveries")
	}
	s.jobsCancel()
}

func outcomeData(event models.Event, retryCount int, errMsg string) map[string]any {
	data := map[string]any{
		"eventId":   event.ID,
		"eventName": event.Name,
		"startTime": event.StartTime,
	}
	if retryCount > 0 {
		data["retryCount"] = retryCount
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	return data
}
