// Package models defines the core entities of the sequence engine:
// sequences, steps, contacts, per-pair progress rows, tracking records
// and the event log. All timestamps are stored in UTC.
package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Sequence statuses.
const (
	SequenceStatusDraft  = "draft"
	SequenceStatusActive = "active"
	SequenceStatusPaused = "paused"
)

// Step types and timing declarations.
const (
	StepTypeManualEmail    = "manual_email"
	StepTypeAutomatedEmail = "automated_email"
	StepTypeWait           = "wait"

	TimingImmediate = "immediate"
	TimingDelay     = "delay"

	DelayUnitMinutes = "minutes"
	DelayUnitHours   = "hours"
	DelayUnitDays    = "days"
)

// SequenceContact statuses. currentStep is 0-based throughout the engine.
const (
	ContactStatusNotSent   = "not_sent"
	ContactStatusPending   = "pending"
	ContactStatusScheduled = "scheduled"
	ContactStatusSent      = "sent"
	ContactStatusReplied   = "replied"
	ContactStatusBounced   = "bounced"
	ContactStatusCompleted = "completed"
	ContactStatusOptedOut  = "opted_out"
	ContactStatusFailed    = "failed"
)

// EmailTracking statuses.
const (
	TrackingStatusPending = "pending"
	TrackingStatusSent    = "sent"
	TrackingStatusBounced = "bounced"
)

// EmailEvent types.
const (
	EventSent    = "sent"
	EventOpened  = "opened"
	EventClicked = "clicked"
	EventReplied = "replied"
	EventBounced = "bounced"
	EventFailed  = "failed"
)

// SequenceHealth statuses.
const (
	HealthHealthy = "healthy"
	HealthWarning = "warning"
	HealthError   = "error"
)

// Sequence is an ordered series of email steps run against contacts.
type Sequence struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Name          string
	Status        string
	TestMode      bool
	Steps         []SequenceStep
	BusinessHours *BusinessHours
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SequenceStep is one stage in a sequence: an email or a wait.
// Order is 0-based and strictly increasing within a sequence.
type SequenceStep struct {
	ID             uuid.UUID
	SequenceID     uuid.UUID
	Order          int
	StepType       string
	Timing         string
	DelayAmount    sql.NullInt64
	DelayUnit      sql.NullString
	Subject        sql.NullString
	Content        sql.NullString
	ReplyToThread  bool
	PreviousStepID sql.NullString
}

// Contact is a recipient. Email is globally unique in the store.
type Contact struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Email     string
	FirstName sql.NullString
	LastName  sql.NullString
	Company   sql.NullString
	CreatedAt time.Time
}

// SequenceContact is the per-(sequence, contact) progress row. Exactly one
// row exists per pair; only the processor, sweeper, email worker and
// inbound pipeline mutate it.
type SequenceContact struct {
	ID              uuid.UUID
	SequenceID      uuid.UUID
	ContactID       uuid.UUID
	Status          string
	CurrentStep     int
	NextScheduledAt sql.NullTime
	ThreadID        sql.NullString
	Completed       bool
	StartedAt       sql.NullTime
	LastProcessedAt sql.NullTime
	CompletedAt     sql.NullTime
}

// BusinessHours is a weekly recurring send window with holidays, in a
// specific IANA timezone. Sequence-level hours override user-level.
type BusinessHours struct {
	Timezone       string
	WorkDays       []time.Weekday
	WorkHoursStart string      // wall-clock "HH:MM"
	WorkHoursEnd   string      // wall-clock "HH:MM"
	Holidays       []time.Time // date-level, midnight in Timezone
}

// WorksOn reports whether d is one of the configured work days.
func (b *BusinessHours) WorksOn(d time.Weekday) bool {
	for _, wd := range b.WorkDays {
		if wd == d {
			return true
		}
	}
	return false
}

// IsHoliday reports whether the given local date is a configured holiday.
func (b *BusinessHours) IsHoliday(t time.Time) bool {
	y, m, d := t.Date()
	for _, h := range b.Holidays {
		hy, hm, hd := h.Date()
		if y == hy && m == hm && d == hd {
			return true
		}
	}
	return false
}

// EmailTracking is one row per send attempt. Hash is the opaque id
// embedded in pixel and click URLs.
type EmailTracking struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Hash      string
	MessageID sql.NullString // RFC 5322 Message-ID issued by Gmail
	ThreadID  sql.NullString
	Status    string
	OpenCount int
	SentAt    sql.NullTime
	OpenedAt  sql.NullTime
	ClickedAt sql.NullTime
	Metadata  TrackingMetadata
}

// TrackingMetadata carries the back-references stored as JSON on a
// tracking row.
type TrackingMetadata struct {
	Email      string    `json:"email"`
	UserID     uuid.UUID `json:"userId"`
	SequenceID uuid.UUID `json:"sequenceId"`
	StepID     uuid.UUID `json:"stepId"`
	ContactID  uuid.UUID `json:"contactId"`
}

// TrackedLink is a rewritten outbound link inside a tracked email.
type TrackedLink struct {
	ID              uuid.UUID
	EmailTrackingID uuid.UUID
	OriginalURL     string
	ClickCount      int
}

// LinkClick is an append-only click record.
type LinkClick struct {
	ID            uuid.UUID
	TrackedLinkID uuid.UUID
	Timestamp     time.Time
}

// EmailEvent is the append-only event log per tracking row.
type EmailEvent struct {
	ID           uuid.UUID
	TrackingHash string
	Type         string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// EmailThread maps a Gmail thread back to its sequence and contact so
// later replies can be correlated.
type EmailThread struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	GmailThreadID  string
	SequenceID     uuid.UUID
	ContactID      uuid.UUID
	FirstMessageID string
	CreatedAt      time.Time
}

// SequenceStats holds aggregate counters per sequence. Mutated only by
// event ingestion and the tracking redirector.
type SequenceStats struct {
	SequenceID      uuid.UUID
	ContactID       uuid.NullUUID
	TotalEmails     int
	SentEmails      int
	OpenedEmails    int
	UniqueOpens     int
	ClickedEmails   int
	RepliedEmails   int
	BouncedEmails   int
	FailedEmails    int
	PeopleContacted int
	OpenRate        float64
	ClickRate       float64
	ReplyRate       float64
	BounceRate      float64
	UpdatedAt       time.Time
}

// SequenceHealth tracks delivery health per sequence.
type SequenceHealth struct {
	SequenceID uuid.UUID
	Status     string
	ErrorCount int
	LastError  sql.NullString
	LastCheck  time.Time
	Metrics    map[string]float64
}

// OAuthAccount stores a user's Gmail OAuth tokens and push-notification
// watermark. Mutated only by the Gmail client factory and the inbound
// pipeline.
type OAuthAccount struct {
	UserID       uuid.UUID
	Email        string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	HistoryID    uint64
	WatchExpiry  sql.NullTime
	UpdatedAt    time.Time
}
