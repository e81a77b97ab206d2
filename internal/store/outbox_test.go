package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/roamline/tripd/internal/outbox"
	"github.com/roamline/tripd/internal/trip"
)

func testOutboxItem(t *testing.T, title string) *outbox.Item {
	t.Helper()

	tr := trip.New(title)
	tr.OwnerID = "user-1"

	item, err := outbox.NewItem(outbox.CreateTrip{Trip: tr}, 0)
	if err != nil {
		t.Fatalf("NewItem() error = %v", err)
	}
	return item
}

func TestPutOutboxItemRoundTrip(t *testing.T) {
	st := setupTestStore(t)

	item := testOutboxItem(t, "Round trip")
	if err := st.PutOutboxItem(item); err != nil {
		t.Fatalf("PutOutboxItem() error = %v", err)
	}

	got, err := st.GetOutboxItem(item.ID)
	if err != nil {
		t.Fatalf("GetOutboxItem() error = %v", err)
	}

	if got.Status != outbox.StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, outbox.StatusPending)
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}
	if got.MaxRetries != outbox.DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", got.MaxRetries, outbox.DefaultMaxRetries)
	}

	// The action must survive encode/decode with its payload intact.
	create, ok := got.Action.(outbox.CreateTrip)
	if !ok {
		t.Fatalf("Action type = %T, want outbox.CreateTrip", got.Action)
	}
	if create.Trip.Title != "Round trip" {
		t.Errorf("Trip.Title = %q, want %q", create.Trip.Title, "Round trip")
	}
	if got.TripID() != item.TripID() {
		t.Errorf("TripID() = %q, want %q", got.TripID(), item.TripID())
	}
}

func TestGetOutboxItemNotFound(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.GetOutboxItem("no-such-item")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOutboxItem() error = %v, want ErrNotFound", err)
	}
}

func TestListOutboxByStatusFIFO(t *testing.T) {
	st := setupTestStore(t)

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		item := testOutboxItem(t, fmt.Sprintf("Trip %d", i))
		item.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := st.PutOutboxItem(item); err != nil {
			t.Fatalf("PutOutboxItem() error = %v", err)
		}
		ids = append(ids, item.ID)
	}

	items, err := st.ListOutboxByStatus(outbox.StatusPending, 0)
	if err != nil {
		t.Fatalf("ListOutboxByStatus() error = %v", err)
	}

	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}

	// Oldest enqueued first: drains replay actions in the order the
	// user performed them.
	for i, item := range items {
		if item.ID != ids[i] {
			t.Errorf("items[%d].ID = %q, want %q", i, item.ID, ids[i])
		}
	}

	t.Run("limit", func(t *testing.T) {
		items, err := st.ListOutboxByStatus(outbox.StatusPending, 2)
		if err != nil {
			t.Fatalf("ListOutboxByStatus() error = %v", err)
		}
		if len(items) != 2 {
			t.Errorf("len(items) = %d, want 2", len(items))
		}
	})
}

func TestCountOutboxByStatus(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		item := testOutboxItem(t, fmt.Sprintf("Trip %d", i))
		if err := st.PutOutboxItem(item); err != nil {
			t.Fatalf("PutOutboxItem() error = %v", err)
		}
		if i == 0 {
			if err := st.MarkOutboxFailed(ctx, item.ID, 3, "gave up"); err != nil {
				t.Fatalf("MarkOutboxFailed() error = %v", err)
			}
		}
	}

	pending, err := st.CountOutboxByStatus(outbox.StatusPending)
	if err != nil {
		t.Fatalf("CountOutboxByStatus() error = %v", err)
	}
	if pending != 2 {
		t.Errorf("pending count = %d, want 2", pending)
	}

	failed, err := st.CountOutboxByStatus(outbox.StatusFailed)
	if err != nil {
		t.Fatalf("CountOutboxByStatus() error = %v", err)
	}
	if failed != 1 {
		t.Errorf("failed count = %d, want 1", failed)
	}
}

func TestMarkOutboxSyncing(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	item := testOutboxItem(t, "Claimed")
	if err := st.PutOutboxItem(item); err != nil {
		t.Fatalf("PutOutboxItem() error = %v", err)
	}

	now := time.Now().UTC()
	claimed, err := st.MarkOutboxSyncing(ctx, item.ID, now)
	if err != nil {
		t.Fatalf("MarkOutboxSyncing() error = %v", err)
	}
	if !claimed {
		t.Fatal("MarkOutboxSyncing() = false, want true for pending item")
	}

	// A second claim must lose: the item is no longer pending.
	claimed, err = st.MarkOutboxSyncing(ctx, item.ID, now)
	if err != nil {
		t.Fatalf("second MarkOutboxSyncing() error = %v", err)
	}
	if claimed {
		t.Error("MarkOutboxSyncing() = true for already-syncing item, want false")
	}

	got, err := st.GetOutboxItem(item.ID)
	if err != nil {
		t.Fatalf("GetOutboxItem() error = %v", err)
	}
	if got.Status != outbox.StatusSyncing {
		t.Errorf("Status = %q, want %q", got.Status, outbox.StatusSyncing)
	}
	if got.LastAttemptAt == nil {
		t.Error("LastAttemptAt = nil, want attempt time recorded")
	}
}

func TestMarkOutboxCompleted(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	item := testOutboxItem(t, "Done")
	if err := st.PutOutboxItem(item); err != nil {
		t.Fatalf("PutOutboxItem() error = %v", err)
	}

	now := time.Now().UTC()
	if _, err := st.MarkOutboxSyncing(ctx, item.ID, now); err != nil {
		t.Fatalf("MarkOutboxSyncing() error = %v", err)
	}
	if err := st.MarkOutboxCompleted(ctx, item.ID, now); err != nil {
		t.Fatalf("MarkOutboxCompleted() error = %v", err)
	}

	got, err := st.GetOutboxItem(item.ID)
	if err != nil {
		t.Fatalf("GetOutboxItem() error = %v", err)
	}
	if got.Status != outbox.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, outbox.StatusCompleted)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt = nil, want completion time recorded")
	}
}

func TestMarkOutboxRetry(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	item := testOutboxItem(t, "Retry me")
	if err := st.PutOutboxItem(item); err != nil {
		t.Fatalf("PutOutboxItem() error = %v", err)
	}

	if _, err := st.MarkOutboxSyncing(ctx, item.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkOutboxSyncing() error = %v", err)
	}
	if err := st.MarkOutboxRetry(ctx, item.ID, 1, "connection refused"); err != nil {
		t.Fatalf("MarkOutboxRetry() error = %v", err)
	}

	got, err := st.GetOutboxItem(item.ID)
	if err != nil {
		t.Fatalf("GetOutboxItem() error = %v", err)
	}
	if got.Status != outbox.StatusPending {
		t.Errorf("Status = %q, want %q (retry returns to queue)", got.Status, outbox.StatusPending)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if got.Error != "connection refused" {
		t.Errorf("Error = %q, want %q", got.Error, "connection refused")
	}
}

func TestMarkOutboxFailedForTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	tr := trip.New("Deleted remotely")
	tr.OwnerID = "user-1"

	// Two pending mutations against the same trip, one mid-flight.
	var pendingIDs []string
	for i := 0; i < 2; i++ {
		item, err := outbox.NewItem(outbox.TouchTrip{ID: tr.ID, AccessedAt: time.Now().UTC()}, 0)
		if err != nil {
			t.Fatalf("NewItem() error = %v", err)
		}
		if err := st.PutOutboxItem(item); err != nil {
			t.Fatalf("PutOutboxItem() error = %v", err)
		}
		pendingIDs = append(pendingIDs, item.ID)
	}

	inFlight, err := outbox.NewItem(outbox.DeleteTrip{ID: tr.ID}, 0)
	if err != nil {
		t.Fatalf("NewItem() error = %v", err)
	}
	if err := st.PutOutboxItem(inFlight); err != nil {
		t.Fatalf("PutOutboxItem() error = %v", err)
	}
	if _, err := st.MarkOutboxSyncing(ctx, inFlight.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkOutboxSyncing() error = %v", err)
	}

	// An unrelated trip's item must be untouched.
	other := testOutboxItem(t, "Unrelated")
	if err := st.PutOutboxItem(other); err != nil {
		t.Fatalf("PutOutboxItem() error = %v", err)
	}

	n, err := st.MarkOutboxFailedForTrip(ctx, tr.ID, "trip deleted remotely")
	if err != nil {
		t.Fatalf("MarkOutboxFailedForTrip() error = %v", err)
	}
	if n != 2 {
		t.Errorf("failed %d items, want 2 (pending only)", n)
	}

	for _, id := range pendingIDs {
		got, err := st.GetOutboxItem(id)
		if err != nil {
			t.Fatalf("GetOutboxItem() error = %v", err)
		}
		if got.Status != outbox.StatusFailed {
			t.Errorf("item %s status = %q, want %q", id, got.Status, outbox.StatusFailed)
		}
		if got.Error != "trip deleted remotely" {
			t.Errorf("item %s error = %q, want %q", id, got.Error, "trip deleted remotely")
		}
	}

	got, err := st.GetOutboxItem(inFlight.ID)
	if err != nil {
		t.Fatalf("GetOutboxItem() error = %v", err)
	}
	if got.Status != outbox.StatusSyncing {
		t.Errorf("in-flight item status = %q, want %q (left for its own attempt)", got.Status, outbox.StatusSyncing)
	}

	gotOther, err := st.GetOutboxItem(other.ID)
	if err != nil {
		t.Fatalf("GetOutboxItem() error = %v", err)
	}
	if gotOther.Status != outbox.StatusPending {
		t.Errorf("unrelated item status = %q, want %q", gotOther.Status, outbox.StatusPending)
	}
}

func TestRecoverOutboxSyncing(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	stuck := testOutboxItem(t, "Stuck")
	if err := st.PutOutboxItem(stuck); err != nil {
		t.Fatalf("PutOutboxItem() error = %v", err)
	}
	if _, err := st.MarkOutboxSyncing(ctx, stuck.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkOutboxSyncing() error = %v", err)
	}

	fine := testOutboxItem(t, "Fine")
	if err := st.PutOutboxItem(fine); err != nil {
		t.Fatalf("PutOutboxItem() error = %v", err)
	}

	n, err := st.RecoverOutboxSyncing(ctx)
	if err != nil {
		t.Fatalf("RecoverOutboxSyncing() error = %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d items, want 1", n)
	}

	got, err := st.GetOutboxItem(stuck.ID)
	if err != nil {
		t.Fatalf("GetOutboxItem() error = %v", err)
	}
	if got.Status != outbox.StatusPending {
		t.Errorf("Status = %q, want %q after recovery", got.Status, outbox.StatusPending)
	}
}

func TestResetOutboxFailed(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	item := testOutboxItem(t, "Failed")
	if err := st.PutOutboxItem(item); err != nil {
		t.Fatalf("PutOutboxItem() error = %v", err)
	}
	if err := st.MarkOutboxFailed(ctx, item.ID, 3, "gave up"); err != nil {
		t.Fatalf("MarkOutboxFailed() error = %v", err)
	}

	n, err := st.ResetOutboxFailed(ctx)
	if err != nil {
		t.Fatalf("ResetOutboxFailed() error = %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d items, want 1", n)
	}

	got, err := st.GetOutboxItem(item.ID)
	if err != nil {
		t.Fatalf("GetOutboxItem() error = %v", err)
	}
	if got.Status != outbox.StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, outbox.StatusPending)
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (fresh retry budget)", got.RetryCount)
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}
}

func TestDeleteOutboxByStatus(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	done := testOutboxItem(t, "Done")
	if err := st.PutOutboxItem(done); err != nil {
		t.Fatalf("PutOutboxItem() error = %v", err)
	}
	if _, err := st.MarkOutboxSyncing(ctx, done.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkOutboxSyncing() error = %v", err)
	}
	if err := st.MarkOutboxCompleted(ctx, done.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkOutboxCompleted() error = %v", err)
	}

	keep := testOutboxItem(t, "Keep")
	if err := st.PutOutboxItem(keep); err != nil {
		t.Fatalf("PutOutboxItem() error = %v", err)
	}

	n, err := st.DeleteOutboxByStatus(ctx, outbox.StatusCompleted)
	if err != nil {
		t.Fatalf("DeleteOutboxByStatus() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d items, want 1", n)
	}

	if _, err := st.GetOutboxItem(done.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("completed item still present, error = %v", err)
	}
	if _, err := st.GetOutboxItem(keep.ID); err != nil {
		t.Errorf("pending item was deleted: %v", err)
	}
}
