package outbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the queue state of an outbox item.
//
// Transitions are monotonic:
//
//	pending --(drain begins)--> syncing
//	syncing --(apply ok)--> completed                        [terminal]
//	syncing --(apply fails, retries left)--> pending
//	syncing --(apply fails, retries exhausted)--> failed     [until RetryFailed]
//	syncing --(process restart)--> pending                   [RecoverStuckItems]
//	failed  --(RetryFailed)--> pending                       [retry count reset]
//	completed --(ClearCompleted)--> removed
//
// An item never regresses from completed or failed into syncing.
type Status string

const (
	// StatusPending means the item is waiting for a drain pass.
	StatusPending Status = "pending"
	// StatusSyncing means a drain pass is applying the item right now.
	// It is not crash-safe: after a restart, syncing items are assumed
	// unapplied and demoted to pending.
	StatusSyncing Status = "syncing"
	// StatusCompleted means the remote store confirmed the mutation.
	StatusCompleted Status = "completed"
	// StatusFailed means retries were exhausted or the error was permanent.
	StatusFailed Status = "failed"
)

// Valid reports whether s is one of the known item statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// String returns the status as a plain string.
func (s Status) String() string {
	return string(s)
}

// DefaultMaxRetries bounds how many apply attempts an item gets before
// it is parked as failed.
const DefaultMaxRetries = 3

// Item is one durable queue entry: a typed action plus its retry
// bookkeeping. Items survive restarts; the queue is drained in FIFO
// creation order.
type Item struct {
	ID            string     `json:"id"`
	Action        Action     `json:"action"`
	Status        Status     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// NewItem builds a pending item for the given action.
// maxRetries <= 0 selects DefaultMaxRetries.
func NewItem(action Action, maxRetries int) (*Item, error) {
	if action == nil {
		return nil, fmt.Errorf("action is nil")
	}
	if err := action.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s action: %w", action.Kind(), err)
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Item{
		ID:         uuid.NewString(),
		Action:     action,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// TripID returns the trip the item's action refers to.
func (i *Item) TripID() string {
	if i.Action == nil {
		return ""
	}
	return i.Action.TripID()
}

// Validate checks the item's invariants.
func (i *Item) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if i.Action == nil {
		return fmt.Errorf("action is required")
	}
	if err := i.Action.Validate(); err != nil {
		return fmt.Errorf("invalid %s action: %w", i.Action.Kind(), err)
	}
	if !i.Status.Valid() {
		return fmt.Errorf("unknown status %q", i.Status)
	}
	if i.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive (got %d)", i.MaxRetries)
	}
	if i.RetryCount < 0 || i.RetryCount > i.MaxRetries {
		return fmt.Errorf("retry_count %d outside [0, %d]", i.RetryCount, i.MaxRetries)
	}
	if i.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}
