package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roamline/tripd/internal/outbox"
	"github.com/roamline/tripd/internal/remote"
	"github.com/roamline/tripd/internal/store"
	"github.com/roamline/tripd/internal/trip"
)

// deletedRemotelyMsg marks outbox items whose trip no longer exists on
// the remote. Shown to the user by `tripd outbox`.
const deletedRemotelyMsg = "trip deleted remotely"

// eventApplyTimeout bounds applying one change-feed event to the store.
const eventApplyTimeout = 10 * time.Second

// Queue is the outbox surface the coordinator drives after a merge.
// Implemented by *outbox.Outbox.
type Queue interface {
	RecoverStuckItems(ctx context.Context) (int, error)
	Kick()
}

// Config holds the coordinator dependencies. Store, Remote, and Queue
// are required.
type Config struct {
	// Store is the local database both merge directions go through.
	Store *store.Store

	// Remote is the cloud API client.
	Remote remote.Client

	// Queue is kicked after a successful merge so queued offline work
	// drains promptly.
	Queue Queue

	// OnTripChanged, when set, is called after a change-feed event has
	// been applied to the store. Runs on the consumer goroutine.
	OnTripChanged func(tripID string)

	// Logger receives sync progress. Nil discards.
	Logger *log.Logger
}

// ForceResult summarizes one ForceSyncToCloud pass.
type ForceResult struct {
	// Created counts local trips that did not exist remotely.
	Created int
	// Pushed counts trips where the local copy was newer.
	Pushed int
	// Pulled counts trips where the remote copy was newer or missing
	// locally.
	Pulled int
	// Errors collects per-trip failures. The pass continues past them.
	Errors []error
}

// Coordinator reconciles local and remote state for one session.
type Coordinator struct {
	store         *store.Store
	remote        remote.Client
	queue         Queue
	onTripChanged func(tripID string)
	logger        *log.Logger

	reconciling atomic.Bool
	active      atomic.Bool

	// lifecycleMu serializes Initialize, Cleanup, and EnsureSubscribed so
	// a re-subscribe can never slip between a teardown's close and wait.
	lifecycleMu sync.Mutex

	mu         sync.Mutex
	sub        remote.Subscription
	consumerWG sync.WaitGroup
	lastSyncAt time.Time
}

// New creates a coordinator from the config.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("syncer config: Store is required")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("syncer config: Remote is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("syncer config: Queue is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Coordinator{
		store:         cfg.Store,
		remote:        cfg.Remote,
		queue:         cfg.Queue,
		onTripChanged: cfg.OnTripChanged,
		logger:        logger,
	}, nil
}

// Initialize brings the session up: tear down any previous
// subscription, merge remote state into the store, subscribe to live
// changes, then recover and kick the outbox.
//
// Safe to call again after a failure or a re-login; each call starts
// from the teardown step.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.teardownSubscription()

	if err := c.mergeFromRemote(ctx); err != nil {
		return fmt.Errorf("failed to merge remote state: %w", err)
	}

	if err := c.subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	if n, err := c.queue.RecoverStuckItems(ctx); err != nil {
		c.logger.Printf("failed to recover stuck items: %v", err)
	} else if n > 0 {
		c.logger.Printf("recovered %d stuck items during initialization", n)
	}
	c.queue.Kick()

	c.setLastSyncAt(time.Now().UTC())
	c.active.Store(true)
	c.logger.Printf("sync session initialized")

	return nil
}

// Cleanup ends the session: the subscription is closed and the
// consumer goroutine drained. Idempotent; local data and the outbox are
// untouched so queued work survives sign-out.
func (c *Coordinator) Cleanup() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.active.Store(false)
	c.teardownSubscription()
	c.logger.Printf("sync session cleaned up")
	return nil
}

// Active reports whether a session is initialized.
func (c *Coordinator) Active() bool {
	return c.active.Load()
}

// Reconciling reports whether a merge is in progress.
func (c *Coordinator) Reconciling() bool {
	return c.reconciling.Load()
}

// LastSyncAt returns when a merge or forced sync last finished, or the
// zero time if none has.
func (c *Coordinator) LastSyncAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSyncAt
}

func (c *Coordinator) setLastSyncAt(at time.Time) {
	c.mu.Lock()
	c.lastSyncAt = at
	c.mu.Unlock()
}

// mergeFromRemote pulls the remote trip list and makes the store match
// it, remote side winning. Local-only trips are uploaded; previously
// synced trips missing remotely are treated as deleted.
func (c *Coordinator) mergeFromRemote(ctx context.Context) error {
	c.reconciling.Store(true)
	defer c.reconciling.Store(false)

	remoteTrips, err := c.remote.ListTrips(ctx)
	if err != nil {
		return err
	}

	localTrips, err := c.store.ListTripsContext(ctx)
	if err != nil {
		return err
	}

	remoteByID := make(map[string]*trip.Trip, len(remoteTrips))
	for _, rt := range remoteTrips {
		remoteByID[rt.ID] = rt
	}

	var pulled, uploaded, removed int
	for _, rt := range remoteTrips {
		rt.LocalOnly = false
		if err := c.store.PutTripContext(ctx, rt); err != nil {
			return fmt.Errorf("failed to store remote trip %s: %w", rt.ID, err)
		}
		pulled++
	}

	for _, lt := range localTrips {
		if _, ok := remoteByID[lt.ID]; ok {
			continue
		}
		if lt.LocalOnly {
			// Authored offline or signed out; push it up now. On failure
			// it stays local-only and the next merge or its queued create
			// gets another chance.
			if err := c.uploadLocalTrip(ctx, lt); err != nil {
				c.logger.Printf("failed to upload local trip %s: %v", lt.ID, err)
				continue
			}
			uploaded++
			continue
		}

		// Synced before, gone now: the deletion wins.
		if err := c.store.DeleteTripContext(ctx, lt.ID); err != nil {
			return fmt.Errorf("failed to drop remotely deleted trip %s: %w", lt.ID, err)
		}
		if n, err := c.store.MarkOutboxFailedForTrip(ctx, lt.ID, deletedRemotelyMsg); err != nil {
			c.logger.Printf("failed to fail queued actions for deleted trip %s: %v", lt.ID, err)
		} else if n > 0 {
			c.logger.Printf("failed %d queued actions for remotely deleted trip %s", n, lt.ID)
		}
		removed++
	}

	c.logger.Printf("merge complete: %d pulled, %d uploaded, %d removed", pulled, uploaded, removed)
	return nil
}

// uploadLocalTrip creates one local-only trip remotely and claims the
// local copy. The queued create for the trip, if any, is completed so
// the drain does not repeat the work.
func (c *Coordinator) uploadLocalTrip(ctx context.Context, lt *trip.Trip) error {
	created, err := c.remote.CreateTrip(ctx, lt)
	if err != nil {
		return err
	}

	lt.OwnerID = created.OwnerID
	lt.LocalOnly = false
	if err := c.store.PutTripContext(ctx, lt); err != nil {
		return fmt.Errorf("failed to claim uploaded trip: %w", err)
	}

	if n, err := c.store.MarkOutboxCompletedForTrip(ctx, lt.ID, outbox.KindCreateTrip, time.Now().UTC()); err != nil {
		c.logger.Printf("failed to complete queued create for trip %s: %v", lt.ID, err)
	} else if n > 0 {
		c.logger.Printf("queued create for trip %s subsumed by merge upload", lt.ID)
	}
	return nil
}

// subscribe opens the change feed and starts its consumer.
func (c *Coordinator) subscribe(ctx context.Context) error {
	sub, err := c.remote.Subscribe(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sub = sub
	c.consumerWG.Add(1)
	c.mu.Unlock()

	go c.consume(sub)
	return nil
}

// EnsureSubscribed re-opens the change feed if the previous one ended,
// typically after connectivity returns. A live subscription is left
// alone.
func (c *Coordinator) EnsureSubscribed(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.active.Load() {
		return nil
	}

	c.mu.Lock()
	alive := c.sub != nil
	c.mu.Unlock()
	if alive {
		return nil
	}

	return c.subscribe(ctx)
}

func (c *Coordinator) teardownSubscription() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	c.consumerWG.Wait()
}

// consume applies change-feed events until the feed ends.
func (c *Coordinator) consume(sub remote.Subscription) {
	defer c.consumerWG.Done()

	for ev := range sub.Events() {
		ctx, cancel := context.WithTimeout(context.Background(), eventApplyTimeout)
		c.handleEvent(ctx, ev)
		cancel()
	}

	// Detach so EnsureSubscribed knows the feed is dead. A deliberate
	// teardown already cleared c.sub.
	c.mu.Lock()
	if c.sub == sub {
		c.sub = nil
	}
	c.mu.Unlock()

	if err := sub.Err(); err != nil {
		c.logger.Printf("subscription ended: %v", err)
	}
}

// handleEvent applies one remote change to the store.
func (c *Coordinator) handleEvent(ctx context.Context, ev remote.Event) {
	switch ev.Type {
	case remote.EventCreated, remote.EventUpdated:
		if ev.Trip == nil {
			c.logger.Printf("ignoring %s event without trip payload", ev.Type)
			return
		}
		t := ev.Trip.Clone()
		t.LocalOnly = false
		if err := c.store.PutTripContext(ctx, t); err != nil {
			c.logger.Printf("failed to apply %s event for trip %s: %v", ev.Type, t.ID, err)
			return
		}
		c.notifyTripChanged(t.ID)

	case remote.EventDeleted:
		if err := c.store.DeleteTripContext(ctx, ev.TripID); err != nil {
			c.logger.Printf("failed to apply delete event for trip %s: %v", ev.TripID, err)
			return
		}
		if n, err := c.store.MarkOutboxFailedForTrip(ctx, ev.TripID, deletedRemotelyMsg); err != nil {
			c.logger.Printf("failed to fail queued actions for deleted trip %s: %v", ev.TripID, err)
		} else if n > 0 {
			c.logger.Printf("failed %d queued actions for remotely deleted trip %s", n, ev.TripID)
		}
		c.notifyTripChanged(ev.TripID)

	default:
		c.logger.Printf("ignoring unknown event type %q", ev.Type)
	}
}

func (c *Coordinator) notifyTripChanged(tripID string) {
	if c.onTripChanged != nil {
		c.onTripChanged(tripID)
	}
}

// ApplyAction executes one outbox action against the remote and folds
// the result back into the store. Wired into the outbox as its Apply
// function.
func (c *Coordinator) ApplyAction(ctx context.Context, action outbox.Action) error {
	switch a := action.(type) {
	case outbox.CreateTrip:
		return c.applyCreate(ctx, a)
	case outbox.UpdateTrip:
		return c.applyUpdate(ctx, a)
	case outbox.DeleteTrip:
		return c.applyDelete(ctx, a)
	case outbox.TouchTrip:
		return c.applyTouch(ctx, a)
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind())
	}
}

func (c *Coordinator) applyCreate(ctx context.Context, a outbox.CreateTrip) error {
	created, err := c.remote.CreateTrip(ctx, a.Trip)
	if err != nil {
		return err
	}

	// Claim the local copy: it now exists remotely under the remote's
	// idea of ownership. Content is NOT overwritten; edits made while
	// the create was queued stay visible and push via their own items.
	local, err := c.store.GetTripContext(ctx, a.Trip.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted locally while the create was queued; the queued
		// delete will clean the remote up.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load trip %s after create: %w", a.Trip.ID, err)
	}

	local.OwnerID = created.OwnerID
	local.LocalOnly = false
	if err := c.store.PutTripContext(ctx, local); err != nil {
		return fmt.Errorf("failed to claim trip %s after create: %w", a.Trip.ID, err)
	}
	return nil
}

func (c *Coordinator) applyUpdate(ctx context.Context, a outbox.UpdateTrip) error {
	updated, err := c.remote.UpdateTrip(ctx, a.ID, a.Patch)
	if err != nil {
		return c.noteIfDeleted(ctx, a.ID, err)
	}

	updated.LocalOnly = false
	if err := c.store.PutTripContext(ctx, updated); err != nil {
		return fmt.Errorf("failed to store updated trip %s: %w", a.ID, err)
	}
	return nil
}

func (c *Coordinator) applyDelete(ctx context.Context, a outbox.DeleteTrip) error {
	if err := c.remote.DeleteTrip(ctx, a.ID); err != nil {
		return err
	}
	// The local row went away when the delete was enqueued; make sure.
	if err := c.store.DeleteTripContext(ctx, a.ID); err != nil {
		return fmt.Errorf("failed to drop trip %s after remote delete: %w", a.ID, err)
	}
	return nil
}

func (c *Coordinator) applyTouch(ctx context.Context, a outbox.TouchTrip) error {
	if err := c.remote.TouchTrip(ctx, a.ID, a.AccessedAt); err != nil {
		return c.noteIfDeleted(ctx, a.ID, err)
	}
	return nil
}

// noteIfDeleted handles the remote telling us a trip is gone while we
// still hold mutations for it: the deletion wins, so the local copy is
// purged and every still-pending action for the trip is failed. The
// original error is returned either way so the current item fails too.
func (c *Coordinator) noteIfDeleted(ctx context.Context, tripID string, err error) error {
	if !errors.Is(err, remote.ErrNotFound) {
		return err
	}

	// A draft the cloud never confirmed cannot have been deleted there.
	// Keep it; the failed action surfaces the real problem.
	if local, getErr := c.store.GetTripContext(ctx, tripID); getErr == nil && local.LocalOnly {
		return err
	}

	if delErr := c.store.DeleteTripContext(ctx, tripID); delErr != nil {
		c.logger.Printf("failed to drop remotely deleted trip %s: %v", tripID, delErr)
	}
	if n, markErr := c.store.MarkOutboxFailedForTrip(ctx, tripID, deletedRemotelyMsg); markErr != nil {
		c.logger.Printf("failed to fail queued actions for deleted trip %s: %v", tripID, markErr)
	} else if n > 0 {
		c.logger.Printf("failed %d queued actions for remotely deleted trip %s", n, tripID)
	}

	return fmt.Errorf("%s: %w", deletedRemotelyMsg, err)
}

// ForceSyncToCloud makes the two sides converge by last writer wins,
// comparing updated_at per trip. Local-only trips are created remotely,
// newer local copies are pushed, newer remote copies are pulled.
// Per-trip failures are collected and do not stop the pass.
func (c *Coordinator) ForceSyncToCloud(ctx context.Context) (ForceResult, error) {
	var result ForceResult

	c.reconciling.Store(true)
	defer c.reconciling.Store(false)

	remoteTrips, err := c.remote.ListTrips(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list remote trips: %w", err)
	}
	localTrips, err := c.store.ListTripsContext(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list local trips: %w", err)
	}

	remoteByID := make(map[string]*trip.Trip, len(remoteTrips))
	for _, rt := range remoteTrips {
		remoteByID[rt.ID] = rt
	}
	localByID := make(map[string]*trip.Trip, len(localTrips))
	for _, lt := range localTrips {
		localByID[lt.ID] = lt
	}

	for _, lt := range localTrips {
		rt, ok := remoteByID[lt.ID]
		switch {
		case !ok:
			created, err := c.remote.CreateTrip(ctx, lt)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("create %s: %w", lt.ID, err))
				continue
			}
			lt.OwnerID = created.OwnerID
			lt.LocalOnly = false
			if err := c.store.PutTripContext(ctx, lt); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("claim %s: %w", lt.ID, err))
				continue
			}
			result.Created++

		case lt.UpdatedAt.After(rt.UpdatedAt):
			updated, err := c.remote.UpdateTrip(ctx, lt.ID, fullPatch(lt))
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("push %s: %w", lt.ID, err))
				continue
			}
			updated.LocalOnly = false
			if err := c.store.PutTripContext(ctx, updated); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("store pushed %s: %w", lt.ID, err))
				continue
			}
			result.Pushed++

		case rt.UpdatedAt.After(lt.UpdatedAt):
			rt.LocalOnly = false
			if err := c.store.PutTripContext(ctx, rt); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("pull %s: %w", rt.ID, err))
				continue
			}
			result.Pulled++
		}
	}

	for _, rt := range remoteTrips {
		if _, ok := localByID[rt.ID]; ok {
			continue
		}
		rt.LocalOnly = false
		if err := c.store.PutTripContext(ctx, rt); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("pull %s: %w", rt.ID, err))
			continue
		}
		result.Pulled++
	}

	c.setLastSyncAt(time.Now().UTC())
	c.logger.Printf("force sync complete: %d created, %d pushed, %d pulled, %d errors",
		result.Created, result.Pushed, result.Pulled, len(result.Errors))

	return result, nil
}

// fullPatch captures every patchable field of a trip, for pushing the
// whole local copy during a forced sync.
func fullPatch(t *trip.Trip) trip.Patch {
	title := t.Title
	destination := t.Destination
	notes := t.Notes
	status := t.Status

	p := trip.Patch{
		Title:       &title,
		Destination: &destination,
		Notes:       &notes,
		Status:      &status,
	}
	if t.StartDate != nil {
		sd := *t.StartDate
		p.StartDate = &sd
	}
	if t.EndDate != nil {
		ed := *t.EndDate
		p.EndDate = &ed
	}
	if t.LastAccessedAt != nil {
		la := *t.LastAccessedAt
		p.LastAccessedAt = &la
	}
	return p
}
