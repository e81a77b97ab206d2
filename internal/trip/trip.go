// Package trip defines the trip entity shared by the local store, the
// action outbox, and the remote sync client.
package trip

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle stage of a trip.
type Status string

const (
	// StatusPlanning is the initial stage: dates and destination may change.
	StatusPlanning Status = "planning"
	// StatusUpcoming means the trip is booked and waiting to start.
	StatusUpcoming Status = "upcoming"
	// StatusInProgress means the trip is currently underway.
	StatusInProgress Status = "in_progress"
	// StatusCompleted means the trip has ended.
	StatusCompleted Status = "completed"
	// StatusCanceled means the trip was called off.
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is one of the known trip statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPlanning, StatusUpcoming, StatusInProgress, StatusCompleted, StatusCanceled:
		return true
	default:
		return false
	}
}

// String returns the status as a plain string.
func (s Status) String() string {
	return string(s)
}

// MaxTitleLen is the longest title accepted by Validate.
const MaxTitleLen = 200

// Trip is a single trip record. The same structure is persisted locally,
// sent over the wire to the remote store, and broadcast to the application.
// Fields are flat with last-write-wins semantics: the remote copy is
// authoritative on conflicts except while LocalOnly is true.
type Trip struct {
	// ===== Identity =====
	ID      string `json:"id"`
	OwnerID string `json:"owner_id,omitempty"`

	// ===== Content =====
	Title       string     `json:"title"`
	Destination string     `json:"destination,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	Status      Status     `json:"status"`

	// ===== Sync bookkeeping =====
	// LocalOnly is true until the remote create for this trip is confirmed.
	LocalOnly bool `json:"local_only,omitempty"`

	// ===== Timestamps (conflict resolution) =====
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

// New creates a trip with a fresh ID, planning status, and current timestamps.
// The caller decides OwnerID and LocalOnly based on the active session.
func New(title string) *Trip {
	now := time.Now().UTC()
	return &Trip{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    StatusPlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks that the trip has valid field values.
func (t *Trip) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > MaxTitleLen {
		return fmt.Errorf("title must be %d characters or less (got %d)", MaxTitleLen, len(t.Title))
	}
	if !t.Status.Valid() {
		return fmt.Errorf("unknown status %q", t.Status)
	}
	if t.StartDate != nil && t.EndDate != nil && t.EndDate.Before(*t.StartDate) {
		return fmt.Errorf("end_date %s is before start_date %s",
			t.EndDate.Format("2006-01-02"), t.StartDate.Format("2006-01-02"))
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Trip) SetDefaults() {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPlanning
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
}

// UpdateTimestamp sets UpdatedAt to the current time. Call after any
// field modification so last-write-wins comparisons see the change.
func (t *Trip) UpdateTimestamp() {
	t.UpdatedAt = time.Now().UTC()
}

// Touch records an access at the given time without counting as an edit:
// LastAccessedAt moves, UpdatedAt does not.
func (t *Trip) Touch(at time.Time) {
	at = at.UTC()
	t.LastAccessedAt = &at
}

// Clone returns a deep copy of the trip.
func (t *Trip) Clone() *Trip {
	c := *t
	if t.StartDate != nil {
		d := *t.StartDate
		c.StartDate = &d
	}
	if t.EndDate != nil {
		d := *t.EndDate
		c.EndDate = &d
	}
	if t.LastAccessedAt != nil {
		d := *t.LastAccessedAt
		c.LastAccessedAt = &d
	}
	return &c
}
