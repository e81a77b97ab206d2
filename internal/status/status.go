// Package status aggregates engine state into one answer to "is my
// stuff synced?".
//
// The tracker owns no state of its own; it reads the outbox, the
// connectivity monitor, and the sync coordinator, so a snapshot is
// always current and two snapshots never disagree with the components
// they came from.
package status

import (
	"context"
	"fmt"
	"time"
)

// Queue is the outbox surface the tracker reads and drives.
// Implemented by *outbox.Outbox.
type Queue interface {
	PendingCount(ctx context.Context) (int, error)
	FailedCount(ctx context.Context) (int, error)
	Draining() bool
	LastDrainAt() time.Time
	RetryFailed(ctx context.Context) (int, error)
	ClearCompleted(ctx context.Context) (int, error)
}

// Connectivity reports the current network verdict.
// Implemented by *netmon.Monitor.
type Connectivity interface {
	Online() bool
}

// SyncState reports coordinator activity.
// Implemented by *syncer.Coordinator.
type SyncState interface {
	Reconciling() bool
	LastSyncAt() time.Time
}

// Snapshot is one consistent view of sync health.
type Snapshot struct {
	// Online reports remote reachability.
	Online bool `json:"online"`

	// Syncing is true while a drain pass or a reconciliation is
	// running.
	Syncing bool `json:"syncing"`

	// PendingActions is the number of queued, not yet synced actions.
	PendingActions int `json:"pending_actions"`

	// FailedActions is the number of actions that gave up.
	FailedActions int `json:"failed_actions"`

	// LastSyncAt is when a drain or reconciliation last finished.
	// Nil if neither has happened.
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// Tracker answers status questions for the CLI and the notify server.
type Tracker struct {
	queue Queue
	conn  Connectivity
	sync  SyncState
}

// New creates a tracker. queue is required; conn and sync may be nil
// when the engine is not running (signed out), in which case the
// snapshot reports offline and not reconciling.
func New(queue Queue, conn Connectivity, sync SyncState) (*Tracker, error) {
	if queue == nil {
		return nil, fmt.Errorf("status tracker: queue is required")
	}
	return &Tracker{queue: queue, conn: conn, sync: sync}, nil
}

// Snapshot reads the current state.
func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	pending, err := t.queue.PendingCount(ctx)
	if err != nil {
		return snap, fmt.Errorf("failed to count pending actions: %w", err)
	}
	failed, err := t.queue.FailedCount(ctx)
	if err != nil {
		return snap, fmt.Errorf("failed to count failed actions: %w", err)
	}

	snap.PendingActions = pending
	snap.FailedActions = failed
	snap.Syncing = t.queue.Draining()

	if t.conn != nil {
		snap.Online = t.conn.Online()
	}
	if t.sync != nil && t.sync.Reconciling() {
		snap.Syncing = true
	}

	if at := t.lastSyncAt(); !at.IsZero() {
		snap.LastSyncAt = &at
	}

	return snap, nil
}

// lastSyncAt is the most recent of the drain and reconciliation
// finish times.
func (t *Tracker) lastSyncAt() time.Time {
	at := t.queue.LastDrainAt()
	if t.sync != nil {
		if r := t.sync.LastSyncAt(); r.After(at) {
			at = r
		}
	}
	return at
}

// RetryFailedActions returns failed actions to the queue with a fresh
// retry budget. Returns how many were reset.
func (t *Tracker) RetryFailedActions(ctx context.Context) (int, error) {
	return t.queue.RetryFailed(ctx)
}

// ClearCompletedActions removes completed actions from the queue.
// Returns how many were removed.
func (t *Tracker) ClearCompletedActions(ctx context.Context) (int, error) {
	return t.queue.ClearCompleted(ctx)
}
