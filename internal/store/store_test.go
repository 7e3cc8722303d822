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

// Tests for the store layer: migrations, insert-only event upserts, job
// lifecycle transitions, recovery queries, and cleanup.

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"clubprint/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(id string, start time.Time) models.Event {
	return models.Event{
		ID:         id,
		Name:       "Practice " + id,
		StartTime:  start,
		Categories: []string{"Sports"},
		Status:     models.EventStatusPending,
	}
}

func TestOpenTwiceIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if _, err := s1.UpsertEvents(ctx, []models.Event{testEvent("E1", time.Now().UTC())}); err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	if _, err := s2.GetEvent(ctx, "E1"); err != nil {
		t.Fatalf("event lost across reopen: %v", err)
	}
}

func TestUpsertEventsIsInsertOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 9, 1, 18, 0, 0, 0, time.UTC)
	n, err := s.UpsertEvents(ctx, []models.Event{testEvent("E1", start), testEvent("E2", start)})
	if err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted = %d, want 2", n)
	}

	// Re-upsert with a moved start time; the stored row must keep the
	// first-seen value.
	moved := testEvent("E1", start.Add(2*time.Hour))
	moved.Name = "Renamed"
	n, err = s.UpsertEvents(ctx, []models.Event{moved})
	if err != nil {
		t.Fatalf("UpsertEvents (again) failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("inserted = %d on duplicate, want 0", n)
	}

	got, err := s.GetEvent(ctx, "E1")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if !got.StartTime.Equal(start) {
		t.Errorf("StartTime = %v, want first-seen %v", got.StartTime, start)
	}
	if got.Name != "Practice E1" {
		t.Errorf("Name = %q, want first-seen name", got.Name)
	}
	if got.Status != models.EventStatusPending {
		t.Errorf("Status = %v, want pending", got.Status)
	}
}

func TestArmJobRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(time.Hour)
	if _, err := s.UpsertEvents(ctx, []models.Event{testEvent("E1", start)}); err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}

	if err := s.ArmJob(ctx, "E1", "Practice E1", start.Add(-5*time.Minute)); err != nil {
		t.Fatalf("ArmJob failed: %v", err)
	}

	err := s.ArmJob(ctx, "E1", "Practice E1", start.Add(-5*time.Minute))
	if !errors.Is(err, ErrAlreadyScheduled) {
		t.Fatalf("second ArmJob error = %v, want ErrAlreadyScheduled", err)
	}

	// Still rejected once the job is terminal: terminal events are
	// never re-scheduled.
	if err := s.CompleteJob(ctx, "E1"); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	err = s.ArmJob(ctx, "E1", "Practice E1", start.Add(-5*time.Minute))
	if !errors.Is(err, ErrAlreadyScheduled) {
		t.Fatalf("ArmJob after terminal error = %v, want ErrAlreadyScheduled", err)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(time.Hour)
	if _, err := s.UpsertEvents(ctx, []models.Event{testEvent("E1", start)}); err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}
	if err := s.ArmJob(ctx, "E1", "Practice E1", start.Add(-5*time.Minute)); err != nil {
		t.Fatalf("ArmJob failed: %v", err)
	}

	if err := s.UpdateJobStatus(ctx, "E1", models.JobStatusProcessing, ""); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}

	n, err := s.IncrementJobRetry(ctx, "E1")
	if err != nil {
		t.Fatalf("IncrementJobRetry failed: %v", err)
	}
	if n != 1 {
		t.Errorf("retry count = %d, want 1", n)
	}
	if err := s.UpdateJobStatus(ctx, "E1", models.JobStatusRetrying, "smtp: connection refused"); err != nil {
		t.Fatalf("UpdateJobStatus (retrying) failed: %v", err)
	}

	job, err := s.GetJob(ctx, "E1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != models.JobStatusRetrying || job.RetryCount != 1 {
		t.Errorf("job = %+v, want retrying with count 1", job)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != "smtp: connection refused" {
		t.Errorf("ErrorMessage = %v, want recorded reason", job.ErrorMessage)
	}
}

func TestCompleteJobPairsEventAndJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(time.Hour)
	if _, err := s.UpsertEvents(ctx, []models.Event{testEvent("E1", start)}); err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}
	if err := s.ArmJob(ctx, "E1", "Practice E1", start.Add(-5*time.Minute)); err != nil {
		t.Fatalf("ArmJob failed: %v", err)
	}

	if err := s.CompleteJob(ctx, "E1"); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	job, err := s.GetJob(ctx, "E1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	ev, err := s.GetEvent(ctx, "E1")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if job.Status != models.JobStatusCompleted || ev.Status != models.EventStatusProcessed {
		t.Errorf("job=%v event=%v, want completed/processed", job.Status, ev.Status)
	}

	// Terminal rows are not re-finishable.
	if err := s.FailJob(ctx, "E1", "late"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailJob on terminal job error = %v, want ErrNotFound", err)
	}
}

func TestFailJobRecordsReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(time.Hour)
	if _, err := s.UpsertEvents(ctx, []models.Event{testEvent("E1", start)}); err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}
	if err := s.ArmJob(ctx, "E1", "Practice E1", start.Add(-5*time.Minute)); err != nil {
		t.Fatalf("ArmJob failed: %v", err)
	}

	if err := s.FailJob(ctx, "E1", "missed scheduled time"); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}

	job, _ := s.GetJob(ctx, "E1")
	ev, _ := s.GetEvent(ctx, "E1")
	if job.Status != models.JobStatusFailed || ev.Status != models.EventStatusFailed {
		t.Errorf("job=%v event=%v, want failed/failed", job.Status, ev.Status)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != "missed scheduled time" {
		t.Errorf("ErrorMessage = %v, want reason", job.ErrorMessage)
	}
}

func TestListActiveJobsExcludesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(time.Hour)
	events := []models.Event{testEvent("E1", start), testEvent("E2", start), testEvent("E3", start)}
	if _, err := s.UpsertEvents(ctx, events); err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}
	for _, id := range []string{"E1", "E2", "E3"} {
		if err := s.ArmJob(ctx, id, "Practice "+id, start.Add(-5*time.Minute)); err != nil {
			t.Fatalf("ArmJob %s failed: %v", id, err)
		}
	}
	if err := s.CompleteJob(ctx, "E2"); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	if err := s.UpdateJobStatus(ctx, "E3", models.JobStatusRetrying, "boom"); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}

	active, err := s.ListActiveJobs(ctx)
	if err != nil {
		t.Fatalf("ListActiveJobs failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d jobs, want 2", len(active))
	}
	got := map[string]models.JobStatus{}
	for _, j := range active {
		got[j.EventID] = j.Status
	}
	if got["E1"] != models.JobStatusScheduled || got["E3"] != models.JobStatusRetrying {
		t.Errorf("active jobs = %v", got)
	}

	counts, err := s.CountJobsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountJobsByStatus failed: %v", err)
	}
	if counts[models.JobStatusCompleted] != 1 || counts[models.JobStatusScheduled] != 1 || counts[models.JobStatusRetrying] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(time.Hour)
	if _, err := s.UpsertEvents(ctx, []models.Event{testEvent("E1", start), testEvent("E2", start)}); err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}
	for _, id := range []string{"E1", "E2"} {
		if err := s.ArmJob(ctx, id, "Practice "+id, start.Add(-5*time.Minute)); err != nil {
			t.Fatalf("ArmJob failed: %v", err)
		}
	}
	if err := s.CompleteJob(ctx, "E1"); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	// Cutoff in the future: every terminal row qualifies; active rows
	// must survive.
	removed, err := s.CleanupOlderThan(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("CleanupOlderThan failed: %v", err)
	}
	if removed != 2 { // E1 job + E1 event
		t.Errorf("removed = %d, want 2", removed)
	}

	if _, err := s.GetJob(ctx, "E1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("terminal job survived cleanup: %v", err)
	}
	if _, err := s.GetJob(ctx, "E2"); err != nil {
		t.Errorf("active job removed by cleanup: %v", err)
	}
}

func TestReconcileTerminalJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(time.Hour)
	if _, err := s.UpsertEvents(ctx, []models.Event{testEvent("E1", start)}); err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}
	if err := s.ArmJob(ctx, "E1", "Practice E1", start.Add(-5*time.Minute)); err != nil {
		t.Fatalf("ArmJob failed: %v", err)
	}

	// Simulate a crash between the job and event writes: job terminal,
	// event still pending.
	if err := s.UpdateJobStatus(ctx, "E1", models.JobStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}

	repaired, err := s.ReconcileTerminalJobs(ctx)
	if err != nil {
		t.Fatalf("ReconcileTerminalJobs failed: %v", err)
	}
	if repaired != 1 {
		t.Errorf("repaired = %d, want 1", repaired)
	}

	ev, err := s.GetEvent(ctx, "E1")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if ev.Status != models.EventStatusProcessed {
		t.Errorf("event status = %v, want processed", ev.Status)
	}
}
