// Package migrate imports trips from the legacy JSONL export format
// into the local store. Imported trips are marked local-only, so the
// next sync session uploads them like any trip authored offline.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/roamline/tripd/internal/store"
	"github.com/roamline/tripd/internal/trip"
)

// dateLayout is the date-only format the legacy exporter used for
// travel dates.
const dateLayout = "2006-01-02"

// ExportedTrip represents one record of the legacy export format: one
// JSON object per line, date-only travel dates, and the old state names.
type ExportedTrip struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Destination string    `json:"destination,omitempty"`
	StartsOn    string    `json:"starts_on,omitempty"`
	EndsOn      string    `json:"ends_on,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	State       string    `json:"state,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Deleted     bool      `json:"deleted,omitempty"`
}

// Options contains configuration for the import
type Options struct {
	FromJSONL string // Input JSONL file path
	DryRun    bool   // Preview without writing
	Backup    bool   // Create backup of original
}

// Result contains statistics about the import
type Result struct {
	TripsImported int
	Skipped       int
	BackupCreated string
	Errors        []string
}

// FromJSONL reads a legacy export file and returns the parsed records
func FromJSONL(jsonlPath string) ([]*ExportedTrip, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(jsonlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	var records []*ExportedTrip
	decoder := json.NewDecoder(file)
	lineNum := 0

	for {
		var rec ExportedTrip
		if err := decoder.Decode(&rec); err != nil {
			if err.Error() == "EOF" {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		records = append(records, &rec)
	}

	return records, nil
}

// ExportedToTrip converts a legacy export record to a trip. The record
// must carry an id: the import is keyed on it, so re-running against
// the same export never duplicates trips.
func ExportedToTrip(rec *ExportedTrip) (*trip.Trip, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("record has no id")
	}

	t := &trip.Trip{
		ID:          rec.ID,
		Title:       rec.Name,
		Destination: rec.Destination,
		Notes:       rec.Notes,
		Status:      statusFromState(rec.State),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		// No confirmed remote copy; the next sync session uploads it.
		LocalOnly: true,
	}

	if rec.StartsOn != "" {
		d, err := time.Parse(dateLayout, rec.StartsOn)
		if err != nil {
			return nil, fmt.Errorf("invalid starts_on %q: %w", rec.StartsOn, err)
		}
		t.StartDate = &d
	}
	if rec.EndsOn != "" {
		d, err := time.Parse(dateLayout, rec.EndsOn)
		if err != nil {
			return nil, fmt.Errorf("invalid ends_on %q: %w", rec.EndsOn, err)
		}
		t.EndDate = &d
	}

	// Old exports may lack timestamps entirely
	t.SetDefaults()

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// statusFromState maps the legacy state names onto current statuses.
// Current status names pass through; anything unrecognized falls back
// to planning rather than failing the whole import.
func statusFromState(state string) trip.Status {
	switch state {
	case "", "draft":
		return trip.StatusPlanning
	case "booked":
		return trip.StatusUpcoming
	case "traveling":
		return trip.StatusInProgress
	case "done":
		return trip.StatusCompleted
	case "cancelled":
		return trip.StatusCanceled
	default:
		if s := trip.Status(state); s.Valid() {
			return s
		}
		return trip.StatusPlanning
	}
}

// Import performs the legacy JSONL to local store migration. Trips that
// already exist in the store are skipped, never overwritten: the local
// copy may carry edits newer than the export.
func Import(ctx context.Context, st *store.Store, opts Options) (*Result, error) {
	result := &Result{}

	// Validate input file exists
	if _, err := os.Stat(opts.FromJSONL); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	// Create backup if requested
	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.FromJSONL)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	// Read and parse JSONL
	records, err := FromJSONL(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	// Convert and store each record
	for _, rec := range records {
		// Skip tombstones - deleted trips are not worth resurrecting
		if rec.Deleted {
			result.Skipped++
			continue
		}

		t, err := ExportedToTrip(rec)
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("skipping trip %q: %v", rec.ID, err))
			result.Skipped++
			continue
		}

		// Existence check runs in dry-run too, so the preview counts
		// match what a real run would do.
		if _, err := st.GetTripContext(ctx, t.ID); err == nil {
			result.Skipped++
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to check trip %s: %w", t.ID, err)
		}

		if !opts.DryRun {
			if err := st.PutTripContext(ctx, t); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("failed to import trip %s: %v", t.ID, err))
				continue
			}
		}
		result.TripsImported++
	}

	return result, nil
}
