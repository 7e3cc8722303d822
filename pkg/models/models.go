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

// Package models contains the shared data types used by the store,
// scheduler, API client, and sinks. Status lifecycles are monotonic:
// events move pending → {processed|failed}, jobs move
// scheduled → processing → {retrying → processing ...} → {completed|failed}.
package models

import (
	"strings"
	"time"
)

// EventStatus is the lifecycle state of a discovered event.
type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusProcessed EventStatus = "processed"
	EventStatusFailed    EventStatus = "failed"
)

// Valid reports whether the status is one of the allowed states.
func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusPending, EventStatusProcessed, EventStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is processed or failed.
func (s EventStatus) IsTerminal() bool {
	return s == EventStatusProcessed || s == EventStatusFailed
}

// String returns the string value of the EventStatus.
func (s EventStatus) String() string { return string(s) }

// JobStatus is the lifecycle state of a scheduled print job.
type JobStatus string

const (
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusProcessing JobStatus = "processing"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusScheduled, JobStatusProcessing, JobStatusRetrying, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is completed or failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// Event is an upcoming club event as discovered from the upstream API.
// StartTime is immutable once stored; upstream edits after first
// discovery are ignored.
type Event struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	StartTime  time.Time   `json:"start_time"`
	Categories []string    `json:"categories"`
	Status     EventStatus `json:"status"`
}

// InCategories reports whether the event carries at least one of the
// allowed category names. An empty allow-list accepts every event.
func (e Event) InCategories(allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, want := range allowed {
		for _, have := range e.Categories {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// ScheduledJob is the persistent record of one print job for one event.
// EventID doubles as the primary key; an event never has more than one
// job row.
type ScheduledJob struct {
	EventID       string    `json:"event_id"`
	EventName     string    `json:"event_name"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Status        JobStatus `json:"status"`
	RetryCount    int       `json:"retry_count"`
	ErrorMessage  *string   `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FeeStatus is the rendered payment state of an attendee.
type FeeStatus string

const (
	FeeStatusPaid  FeeStatus = "Paid"
	FeeStatusOwing FeeStatus = "Owing"
	FeeStatusNoFee FeeStatus = "NoFee"
)

// Attendee is a person signed up for an event, reduced to the fields
// the attendee sheet renders.
type Attendee struct {
	FirstName  string     `json:"first_name"`
	LastName   string     `json:"last_name"`
	Phone      string     `json:"phone"`
	SignUpDate *time.Time `json:"sign_up_date,omitempty"`
	HasFee     bool       `json:"has_fee"`
	IsPaid     bool       `json:"is_paid"`
	Fee        float64    `json:"fee"`
}

// FullName joins first and last name, tolerating either being empty.
func (a Attendee) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// FeeStatus derives the payment state rendered on the sheet.
func (a Attendee) FeeStatus() FeeStatus {
	switch {
	case !a.HasFee:
		return FeeStatusNoFee
	case a.IsPaid:
		return FeeStatusPaid
	default:
		return FeeStatusOwing
	}
}

// WebhookEvent names an outbound notification kind.
type WebhookEvent string

const (
	WebhookEventProcessed      WebhookEvent = "event.processed"
	WebhookEventFailed         WebhookEvent = "event.failed"
	WebhookJobRetry            WebhookEvent = "job.retry"
	WebhookJobPermanentFailure WebhookEvent = "job.permanent_failure"
	WebhookServiceStarted      WebhookEvent = "service.started"
)

// String returns the string value of the WebhookEvent.
func (w WebhookEvent) String() string { return string(w) }
