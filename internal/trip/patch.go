package trip

import (
	"fmt"
	"time"
)

// Patch is a partial update to a trip. Nil fields are left untouched;
// non-nil fields overwrite. It is the typed payload carried by update
// actions, so a malformed shape is caught at construction rather than
// at apply time.
type Patch struct {
	Title          *string    `json:"title,omitempty"`
	Destination    *string    `json:"destination,omitempty"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
	Status         *Status    `json:"status,omitempty"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p.Title == nil &&
		p.Destination == nil &&
		p.StartDate == nil &&
		p.EndDate == nil &&
		p.Notes == nil &&
		p.Status == nil &&
		p.LastAccessedAt == nil
}

// Validate checks the fields the patch does set.
func (p Patch) Validate() error {
	if p.IsZero() {
		return fmt.Errorf("patch is empty")
	}
	if p.Title != nil {
		if *p.Title == "" {
			return fmt.Errorf("title cannot be cleared")
		}
		if len(*p.Title) > MaxTitleLen {
			return fmt.Errorf("title must be %d characters or less (got %d)", MaxTitleLen, len(*p.Title))
		}
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("unknown status %q", *p.Status)
	}
	if p.StartDate != nil && p.EndDate != nil && p.EndDate.Before(*p.StartDate) {
		return fmt.Errorf("end_date %s is before start_date %s",
			p.EndDate.Format("2006-01-02"), p.StartDate.Format("2006-01-02"))
	}
	return nil
}

// Apply writes the set fields onto t. It does not bump UpdatedAt — the
// caller decides whether the change counts as an edit (see UpdateTimestamp).
func (p Patch) Apply(t *Trip) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Destination != nil {
		t.Destination = *p.Destination
	}
	if p.StartDate != nil {
		d := p.StartDate.UTC()
		t.StartDate = &d
	}
	if p.EndDate != nil {
		d := p.EndDate.UTC()
		t.EndDate = &d
	}
	if p.Notes != nil {
		t.Notes = *p.Notes
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.LastAccessedAt != nil {
		d := p.LastAccessedAt.UTC()
		t.LastAccessedAt = &d
	}
}
