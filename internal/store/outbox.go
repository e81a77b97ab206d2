package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roamline/tripd/internal/outbox"
)

const outboxColumns = `id, kind, trip_id, payload, status, retry_count,
	       max_retries, error, created_at, last_attempt_at, completed_at`

// PutOutboxItem inserts or updates an outbox item.
func (s *Store) PutOutboxItem(item *outbox.Item) error {
	return s.PutOutboxItemContext(context.Background(), item)
}

// PutOutboxItemContext inserts or updates an outbox item with context support.
func (s *Store) PutOutboxItemContext(ctx context.Context, item *outbox.Item) error {
	return putOutboxItem(ctx, s.conn, item)
}

func putOutboxItem(ctx context.Context, q dbtx, item *outbox.Item) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid outbox item: %w", err)
	}

	kind, payload, err := outbox.EncodeAction(item.Action)
	if err != nil {
		return fmt.Errorf("failed to encode action for item %s: %w", item.ID, err)
	}

	query := `
	INSERT INTO outbox_items (
		id, kind, trip_id, payload, status, retry_count,
		max_retries, error, created_at, last_attempt_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		retry_count = excluded.retry_count,
		error = excluded.error,
		last_attempt_at = excluded.last_attempt_at,
		completed_at = excluded.completed_at
	`

	_, err = q.ExecContext(ctx, query,
		item.ID,
		string(kind),
		item.TripID(),
		string(payload),
		string(item.Status),
		item.RetryCount,
		item.MaxRetries,
		item.Error,
		item.CreatedAt.UTC().Format(timeLayout),
		timeToNullString(item.LastAttemptAt),
		timeToNullString(item.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert outbox item %s: %w", item.ID, err)
	}

	return nil
}

// GetOutboxItem retrieves a single outbox item by ID.
// Returns ErrNotFound if the item does not exist.
func (s *Store) GetOutboxItem(id string) (*outbox.Item, error) {
	return s.GetOutboxItemContext(context.Background(), id)
}

// GetOutboxItemContext retrieves a single outbox item with context support.
func (s *Store) GetOutboxItemContext(ctx context.Context, id string) (*outbox.Item, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_items WHERE id = ?`
	row := s.conn.QueryRowContext(ctx, query, id)

	item, err := scanOutboxItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("outbox item %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get outbox item %s: %w", id, err)
	}
	return item, nil
}

// ListOutboxByStatus retrieves outbox items with the given status in
// FIFO order (oldest created first). A limit of 0 means no limit.
func (s *Store) ListOutboxByStatus(status outbox.Status, limit int) ([]*outbox.Item, error) {
	return s.ListOutboxByStatusContext(context.Background(), status, limit)
}

// ListOutboxByStatusContext retrieves outbox items by status with context support.
func (s *Store) ListOutboxByStatusContext(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Item, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_items WHERE status = ? ORDER BY created_at ASC, id ASC`
	args := []interface{}{string(status)}

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox items with status %s: %w", status, err)
	}
	defer rows.Close()

	return scanOutboxItems(rows)
}

// ListOutboxItems retrieves every outbox item, newest first. Used by the
// CLI to show queue contents.
func (s *Store) ListOutboxItems() ([]*outbox.Item, error) {
	return s.ListOutboxItemsContext(context.Background())
}

// ListOutboxItemsContext retrieves every outbox item with context support.
func (s *Store) ListOutboxItemsContext(ctx context.Context) ([]*outbox.Item, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_items ORDER BY created_at DESC, id DESC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox items: %w", err)
	}
	defer rows.Close()

	return scanOutboxItems(rows)
}

// CountOutboxByStatus returns the number of outbox items with the given status.
func (s *Store) CountOutboxByStatus(status outbox.Status) (int, error) {
	return s.CountOutboxByStatusContext(context.Background(), status)
}

// CountOutboxByStatusContext counts outbox items by status with context support.
func (s *Store) CountOutboxByStatusContext(ctx context.Context, status outbox.Status) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM outbox_items WHERE status = ?", string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox items with status %s: %w", status, err)
	}
	return count, nil
}

// MarkOutboxSyncing transitions a pending item to syncing and stamps the
// attempt time. Returns false if the item was not pending, which means
// another drain pass already claimed it.
func (s *Store) MarkOutboxSyncing(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE outbox_items
		SET status = ?, last_attempt_at = ?
		WHERE id = ? AND status = ?`,
		string(outbox.StatusSyncing),
		at.UTC().Format(timeLayout),
		id,
		string(outbox.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark outbox item %s syncing: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check claim on outbox item %s: %w", id, err)
	}
	return n == 1, nil
}

// MarkOutboxCompleted transitions a syncing item to completed.
func (s *Store) MarkOutboxCompleted(ctx context.Context, id string, at time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE outbox_items
		SET status = ?, completed_at = ?, error = ''
		WHERE id = ? AND status = ?`,
		string(outbox.StatusCompleted),
		at.UTC().Format(timeLayout),
		id,
		string(outbox.StatusSyncing),
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox item %s completed: %w", id, err)
	}
	return nil
}

// MarkOutboxRetry returns a syncing item to pending after a retryable
// failure, recording the incremented retry count and the error message.
// The item becomes eligible for the NEXT drain pass, not the current one.
func (s *Store) MarkOutboxRetry(ctx context.Context, id string, retryCount int, errMsg string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE outbox_items
		SET status = ?, retry_count = ?, error = ?
		WHERE id = ? AND status = ?`,
		string(outbox.StatusPending),
		retryCount,
		errMsg,
		id,
		string(outbox.StatusSyncing),
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox item %s for retry: %w", id, err)
	}
	return nil
}

// MarkOutboxFailed transitions an item to failed with the given error,
// recording the final retry count.
func (s *Store) MarkOutboxFailed(ctx context.Context, id string, retryCount int, errMsg string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE outbox_items
		SET status = ?, retry_count = ?, error = ?
		WHERE id = ?`,
		string(outbox.StatusFailed),
		retryCount,
		errMsg,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox item %s failed: %w", id, err)
	}
	return nil
}

// MarkOutboxFailedForTrip fails every pending item targeting one trip.
// Used when the trip was deleted remotely and its queued mutations can
// never apply. Items mid-flight are left alone; they fail on their own
// when the remote rejects them. Returns the number of items failed.
func (s *Store) MarkOutboxFailedForTrip(ctx context.Context, tripID, errMsg string) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE outbox_items
		SET status = ?, error = ?
		WHERE trip_id = ? AND status = ?`,
		string(outbox.StatusFailed),
		errMsg,
		tripID,
		string(outbox.StatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail outbox items for trip %s: %w", tripID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count failed items for trip %s: %w", tripID, err)
	}
	return int(n), nil
}

// MarkOutboxCompletedForTrip completes every pending item of the given
// kind targeting one trip. Used when a merge applies the queued work
// itself, so replaying the item would be redundant. Returns the number
// of items completed.
func (s *Store) MarkOutboxCompletedForTrip(ctx context.Context, tripID string, kind outbox.Kind, at time.Time) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE outbox_items
		SET status = ?, completed_at = ?, error = ''
		WHERE trip_id = ? AND kind = ? AND status = ?`,
		string(outbox.StatusCompleted),
		at.UTC().Format(timeLayout),
		tripID,
		string(kind),
		string(outbox.StatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to complete outbox items for trip %s: %w", tripID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count completed items for trip %s: %w", tripID, err)
	}
	return int(n), nil
}

// RecoverOutboxSyncing returns every syncing item to pending. Called on
// startup so items stranded by a crash mid-drain become eligible again.
// Returns the number of items recovered.
func (s *Store) RecoverOutboxSyncing(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE outbox_items
		SET status = ?
		WHERE status = ?`,
		string(outbox.StatusPending),
		string(outbox.StatusSyncing),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stuck outbox items: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered outbox items: %w", err)
	}
	return int(n), nil
}

// ResetOutboxFailed returns every failed item to pending with a fresh
// retry budget. Returns the number of items reset.
func (s *Store) ResetOutboxFailed(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE outbox_items
		SET status = ?, retry_count = 0, error = ''
		WHERE status = ?`,
		string(outbox.StatusPending),
		string(outbox.StatusFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed outbox items: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset outbox items: %w", err)
	}
	return int(n), nil
}

// DeleteOutboxByStatus removes every item with the given status.
// Returns the number of items deleted.
func (s *Store) DeleteOutboxByStatus(ctx context.Context, status outbox.Status) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM outbox_items WHERE status = ?`, string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to delete outbox items with status %s: %w", status, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted outbox items: %w", err)
	}
	return int(n), nil
}

func scanOutboxItem(row rowScanner) (*outbox.Item, error) {
	var item outbox.Item
	var kind, tripID, payload, status string
	var createdAt string
	var lastAttemptAt, completedAt sql.NullString

	// trip_id is denormalized from the payload; the decoded action is
	// authoritative, so the column is read and discarded.
	err := row.Scan(
		&item.ID,
		&kind,
		&tripID,
		&payload,
		&status,
		&item.RetryCount,
		&item.MaxRetries,
		&item.Error,
		&createdAt,
		&lastAttemptAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	action, err := outbox.DecodeAction(outbox.Kind(kind), []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to decode action for item %s: %w", item.ID, err)
	}
	item.Action = action
	item.Status = outbox.Status(status)

	if ts, err := time.Parse(timeLayout, createdAt); err == nil {
		item.CreatedAt = ts
	}
	item.LastAttemptAt = nullStringToTime(lastAttemptAt)
	item.CompletedAt = nullStringToTime(completedAt)

	return &item, nil
}

// scanOutboxItems is a helper to scan multiple items from query results.
func scanOutboxItems(rows *sql.Rows) ([]*outbox.Item, error) {
	var items []*outbox.Item

	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox items: %w", err)
	}

	return items, nil
}
