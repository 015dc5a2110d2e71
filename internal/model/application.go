package model

import (
	"strings"
	"time"
)

// Status is an application's position in the hiring funnel. There is no
// enforced transition order: mail arrives out of order, so the record always
// reflects the latest-seen status.
type Status string

// Status vocabulary.
const (
	StatusApplied   Status = "applied"
	StatusScreening Status = "screening"
	StatusInterview Status = "interview"
	StatusOffer     Status = "offer"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

// AllStatuses lists the fixed status vocabulary.
func AllStatuses() []Status {
	return []Status{
		StatusApplied, StatusScreening, StatusInterview,
		StatusOffer, StatusRejected, StatusWithdrawn,
	}
}

// ParseStatus maps a free-form status string onto the vocabulary.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStatuses() {
		if st == known {
			return known, true
		}
	}
	return "", false
}

// Application is the durable business entity: one record per real-world job
// application, consolidated from every linked message. Deleted only by an
// explicit merge that absorbs it into another record.
type Application struct {
	ID              string    `json:"id" db:"id"`
	AccountID       string    `json:"account_id" db:"account_id"`
	Company         string    `json:"company" db:"company"`
	CompanyKey      string    `json:"company_key" db:"company_key"`
	Title           string    `json:"title" db:"title"`
	Status          Status    `json:"status" db:"status"`
	Location        string    `json:"location,omitempty" db:"location"`
	FirstContactAt  time.Time `json:"first_contact_at" db:"first_contact_at"`
	LastContactAt   time.Time `json:"last_contact_at" db:"last_contact_at"`
	MessageCount    int       `json:"message_count" db:"message_count"`
	PrimaryThreadID string    `json:"primary_thread_id" db:"primary_thread_id"`
	ThreadIDs       []string  `json:"thread_ids" db:"thread_ids"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// HasThread reports whether id is the primary thread or any absorbed thread.
func (a *Application) HasThread(id string) bool {
	if id == "" {
		return false
	}
	if a.PrimaryThreadID == id {
		return true
	}
	for _, t := range a.ThreadIDs {
		if t == id {
			return true
		}
	}
	return false
}

// StatusHistoryEntry is one append-only status change for an application.
type StatusHistoryEntry struct {
	ID            string    `json:"id" db:"id"`
	ApplicationID string    `json:"application_id" db:"application_id"`
	Status        Status    `json:"status" db:"status"`
	MessageID     string    `json:"message_id" db:"message_id"`
	OccurredAt    time.Time `json:"occurred_at" db:"occurred_at"`
}
