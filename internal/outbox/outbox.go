package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDrainInProgress is returned by Drain when another drain pass is
// already running. Callers normally ignore it: the running pass will
// pick up everything pending.
var ErrDrainInProgress = errors.New("drain already in progress")

// Storage is the durable queue surface the outbox drains. Implemented
// by *store.Store.
type Storage interface {
	PutOutboxItemContext(ctx context.Context, item *Item) error
	GetOutboxItemContext(ctx context.Context, id string) (*Item, error)
	ListOutboxByStatusContext(ctx context.Context, status Status, limit int) ([]*Item, error)
	CountOutboxByStatusContext(ctx context.Context, status Status) (int, error)
	MarkOutboxSyncing(ctx context.Context, id string, at time.Time) (bool, error)
	MarkOutboxCompleted(ctx context.Context, id string, at time.Time) error
	MarkOutboxRetry(ctx context.Context, id string, retryCount int, errMsg string) error
	MarkOutboxFailed(ctx context.Context, id string, retryCount int, errMsg string) error
	RecoverOutboxSyncing(ctx context.Context) (int, error)
	ResetOutboxFailed(ctx context.Context) (int, error)
	DeleteOutboxByStatus(ctx context.Context, status Status) (int, error)
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted int           `json:"attempted"`
	Completed int           `json:"completed"`
	Retried   int           `json:"retried"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Config holds the outbox dependencies. Store, Apply, and Online are
// required.
type Config struct {
	// Store persists queue items across restarts.
	Store Storage

	// Apply executes one action against the remote. It must be safe to
	// call again with the same action: a crash between the remote write
	// and the completed mark replays the item.
	Apply func(ctx context.Context, action Action) error

	// Online reports current connectivity. Drain stops claiming items
	// the moment it returns false.
	Online func() bool

	// Retryable classifies apply errors. Errors it rejects fail the
	// item immediately without consuming the retry budget. Nil retries
	// everything.
	Retryable func(err error) bool

	// OnDrainComplete is invoked after every finished drain pass, in
	// the drain goroutine. Optional.
	OnDrainComplete func(DrainResult)

	// MaxRetries is the attempt budget for newly enqueued items.
	// Zero means DefaultMaxRetries.
	MaxRetries int

	// DrainInterval is the periodic drain cadence for Run.
	// Zero means 30 seconds.
	DrainInterval time.Duration

	// Logger receives drain progress. Nil discards.
	Logger *log.Logger
}

// Outbox queues trip mutations while offline and replays them against
// the remote in FIFO order when connectivity allows.
type Outbox struct {
	store      Storage
	apply      func(ctx context.Context, action Action) error
	online     func() bool
	retryable  func(err error) bool
	onComplete func(DrainResult)
	maxRetries int
	interval   time.Duration
	logger     *log.Logger

	draining atomic.Bool
	kick     chan struct{}

	mu          sync.Mutex
	lastDrainAt time.Time
}

// New creates an outbox from the config.
func New(cfg Config) (*Outbox, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("outbox config: Store is required")
	}
	if cfg.Apply == nil {
		return nil, fmt.Errorf("outbox config: Apply is required")
	}
	if cfg.Online == nil {
		return nil, fmt.Errorf("outbox config: Online is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	retryable := cfg.Retryable
	if retryable == nil {
		retryable = func(error) bool { return true }
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	interval := cfg.DrainInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Outbox{
		store:      cfg.Store,
		apply:      cfg.Apply,
		online:     cfg.Online,
		retryable:  retryable,
		onComplete: cfg.OnDrainComplete,
		maxRetries: maxRetries,
		interval:   interval,
		logger:     logger,
		kick:       make(chan struct{}, 1),
	}, nil
}

// Enqueue validates the action, persists it as a pending item, and
// kicks an async drain when online. The item is durable before Enqueue
// returns; the drain is not awaited.
func (o *Outbox) Enqueue(ctx context.Context, action Action) (*Item, error) {
	item, err := NewItem(action, o.maxRetries)
	if err != nil {
		return nil, err
	}

	if err := o.store.PutOutboxItemContext(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", action.Kind(), err)
	}

	o.logger.Printf("enqueued %s for trip %s", action.Kind(), action.TripID())

	if o.online() {
		o.Kick()
	}

	return item, nil
}

// Kick signals the Run loop to start a drain pass. Non-blocking; a
// pending signal is not duplicated.
func (o *Outbox) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Drain replays pending items against the remote in FIFO order.
//
// Only one pass runs at a time; a concurrent call returns
// ErrDrainInProgress. The pass snapshots the pending queue once, so an
// item returned to pending by a retryable failure waits for the next
// pass. Items are isolated: one failure never blocks the rest of the
// queue.
func (o *Outbox) Drain(ctx context.Context) (DrainResult, error) {
	if !o.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer o.draining.Store(false)

	start := time.Now()
	var result DrainResult

	items, err := o.store.ListOutboxByStatusContext(ctx, StatusPending, 0)
	if err != nil {
		return result, fmt.Errorf("failed to snapshot pending items: %w", err)
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if !o.online() {
			o.logger.Printf("drain stopped: offline with %d items left pending", len(items)-result.Attempted)
			break
		}

		claimed, err := o.store.MarkOutboxSyncing(ctx, item.ID, time.Now().UTC())
		if err != nil {
			o.logger.Printf("failed to claim item %s: %v", item.ID, err)
			continue
		}
		if !claimed {
			// Someone else moved it since the snapshot.
			continue
		}

		result.Attempted++
		o.drainOne(ctx, item, &result)
	}

	result.Duration = time.Since(start)

	o.mu.Lock()
	o.lastDrainAt = time.Now().UTC()
	o.mu.Unlock()

	if result.Attempted > 0 {
		o.logger.Printf("drain finished: %d attempted, %d completed, %d retried, %d failed in %v",
			result.Attempted, result.Completed, result.Retried, result.Failed, result.Duration)
	}

	if o.onComplete != nil {
		o.onComplete(result)
	}

	return result, nil
}

// drainOne applies a single claimed item and records the outcome.
// Storage errors while recording are logged, not propagated: the item
// stays syncing and RecoverStuckItems returns it to the queue later.
func (o *Outbox) drainOne(ctx context.Context, item *Item, result *DrainResult) {
	err := o.apply(ctx, item.Action)
	if err == nil {
		if markErr := o.store.MarkOutboxCompleted(ctx, item.ID, time.Now().UTC()); markErr != nil {
			o.logger.Printf("failed to mark item %s completed: %v", item.ID, markErr)
			return
		}
		result.Completed++
		return
	}

	if !o.retryable(err) {
		if markErr := o.store.MarkOutboxFailed(ctx, item.ID, item.RetryCount, err.Error()); markErr != nil {
			o.logger.Printf("failed to mark item %s failed: %v", item.ID, markErr)
			return
		}
		o.logger.Printf("item %s (%s) failed permanently: %v", item.ID, item.Action.Kind(), err)
		result.Failed++
		return
	}

	retryCount := item.RetryCount + 1
	if retryCount >= item.MaxRetries {
		if markErr := o.store.MarkOutboxFailed(ctx, item.ID, retryCount, err.Error()); markErr != nil {
			o.logger.Printf("failed to mark item %s failed: %v", item.ID, markErr)
			return
		}
		o.logger.Printf("item %s (%s) failed after %d attempts: %v", item.ID, item.Action.Kind(), retryCount, err)
		result.Failed++
		return
	}

	if markErr := o.store.MarkOutboxRetry(ctx, item.ID, retryCount, err.Error()); markErr != nil {
		o.logger.Printf("failed to mark item %s for retry: %v", item.ID, markErr)
		return
	}
	o.logger.Printf("item %s (%s) attempt %d/%d failed, will retry: %v",
		item.ID, item.Action.Kind(), retryCount, item.MaxRetries, err)
	result.Retried++
}

// RecoverStuckItems returns items stranded in syncing to pending.
// Called on startup: a crash mid-drain leaves claimed items behind, and
// the remote apply is safe to repeat.
func (o *Outbox) RecoverStuckItems(ctx context.Context) (int, error) {
	n, err := o.store.RecoverOutboxSyncing(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Printf("recovered %d stuck items", n)
	}
	return n, nil
}

// RetryFailed returns failed items to pending with a fresh retry
// budget, then kicks a drain if online.
func (o *Outbox) RetryFailed(ctx context.Context) (int, error) {
	n, err := o.store.ResetOutboxFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Printf("reset %d failed items for retry", n)
		if o.online() {
			o.Kick()
		}
	}
	return n, nil
}

// ClearCompleted removes completed items from the queue.
func (o *Outbox) ClearCompleted(ctx context.Context) (int, error) {
	return o.store.DeleteOutboxByStatus(ctx, StatusCompleted)
}

// PendingCount returns the number of items waiting to sync.
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	return o.store.CountOutboxByStatusContext(ctx, StatusPending)
}

// FailedCount returns the number of items that exhausted their retries
// or hit a permanent error.
func (o *Outbox) FailedCount(ctx context.Context) (int, error) {
	return o.store.CountOutboxByStatusContext(ctx, StatusFailed)
}

// Draining reports whether a drain pass is currently running.
func (o *Outbox) Draining() bool {
	return o.draining.Load()
}

// LastDrainAt returns when the last drain pass finished, or the zero
// time if none has run.
func (o *Outbox) LastDrainAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastDrainAt
}

// Run drains on every Kick and on a periodic ticker until ctx is
// canceled. Blocks; callers run it in a goroutine.
func (o *Outbox) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.kick:
		case <-ticker.C:
			if !o.online() {
				continue
			}
		}

		if _, err := o.Drain(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
			o.logger.Printf("drain error: %v", err)
		}
	}
}
