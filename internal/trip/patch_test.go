package trip

import (
	"strings"
	"testing"
	"time"
)

func strp(s string) *string { return &s }

func statusp(s Status) *Status { return &s }

func timep(t time.Time) *time.Time { return &t }

func TestPatch_IsZero(t *testing.T) {
	if !(Patch{}).IsZero() {
		t.Error("empty Patch should be zero")
	}
	if (Patch{Title: strp("x")}).IsZero() {
		t.Error("Patch with a title should not be zero")
	}
}

func TestPatch_Validate(t *testing.T) {
	start := time.Now().UTC()
	end := start.Add(48 * time.Hour)

	tests := []struct {
		name    string
		patch   Patch
		wantErr bool
		errMsg  string
	}{
		{
			name:    "empty patch",
			patch:   Patch{},
			wantErr: true,
			errMsg:  "patch is empty",
		},
		{
			name:    "valid title change",
			patch:   Patch{Title: strp("New title")},
			wantErr: false,
		},
		{
			name:    "cleared title",
			patch:   Patch{Title: strp("")},
			wantErr: true,
			errMsg:  "title cannot be cleared",
		},
		{
			name:    "title too long",
			patch:   Patch{Title: strp(strings.Repeat("x", MaxTitleLen+1))},
			wantErr: true,
			errMsg:  "title must be 200 characters or less",
		},
		{
			name:    "unknown status",
			patch:   Patch{Status: statusp("someday")},
			wantErr: true,
			errMsg:  "unknown status",
		},
		{
			name:    "valid date range",
			patch:   Patch{StartDate: timep(start), EndDate: timep(end)},
			wantErr: false,
		},
		{
			name:    "backwards date range",
			patch:   Patch{StartDate: timep(end), EndDate: timep(start)},
			wantErr: true,
			errMsg:  "end_date",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.patch.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.errMsg)
					return
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate() error = %v, want error containing %q", err, tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestPatch_Apply(t *testing.T) {
	tr := New("Before")
	tr.Destination = "Lisbon"
	tr.Notes = "keep me"
	updatedBefore := tr.UpdatedAt

	start := time.Now().Add(24 * time.Hour)
	p := Patch{
		Title:     strp("After"),
		StartDate: timep(start),
		Status:    statusp(StatusUpcoming),
	}
	p.Apply(tr)

	if tr.Title != "After" {
		t.Errorf("Title = %q, want 'After'", tr.Title)
	}
	if tr.Destination != "Lisbon" {
		t.Errorf("Destination = %q, want unchanged 'Lisbon'", tr.Destination)
	}
	if tr.Notes != "keep me" {
		t.Errorf("Notes = %q, want unchanged", tr.Notes)
	}
	if tr.StartDate == nil || !tr.StartDate.Equal(start.UTC()) {
		t.Errorf("StartDate = %v, want %v", tr.StartDate, start.UTC())
	}
	if tr.Status != StatusUpcoming {
		t.Errorf("Status = %q, want %q", tr.Status, StatusUpcoming)
	}
	if !tr.UpdatedAt.Equal(updatedBefore) {
		t.Error("Apply() must not bump UpdatedAt; that is the caller's decision")
	}
}
