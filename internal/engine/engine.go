// Package engine assembles the offline-first sync stack for a running
// process.
//
// The engine:
// 1. Loads the session and watches its file for sign-in and sign-out
// 2. Probes connectivity and reacts to online/offline edges
// 3. Drains the action outbox against the remote API
// 4. Keeps local state merged with the remote through the coordinator
// 5. Publishes trip and status changes to an optional notifier
//
// One engine runs per daemon process. CLI commands that need a single
// drain or a forced sync build the components directly instead.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/roamline/tripd/internal/netmon"
	"github.com/roamline/tripd/internal/outbox"
	"github.com/roamline/tripd/internal/remote"
	"github.com/roamline/tripd/internal/session"
	"github.com/roamline/tripd/internal/status"
	"github.com/roamline/tripd/internal/store"
	"github.com/roamline/tripd/internal/syncer"
)

// sessionInitTimeout bounds one Initialize attempt, which lists and
// merges every remote trip.
const sessionInitTimeout = 60 * time.Second

// statusTimeout bounds building one status snapshot.
const statusTimeout = 5 * time.Second

// Notifier receives engine happenings for broadcast to local clients.
// Implemented by *notify.Handler. All methods are called from engine
// goroutines and must not block.
type Notifier interface {
	// TripChanged announces that another device changed a trip.
	TripChanged(tripID string)
	// SyncStatus announces a fresh status snapshot.
	SyncStatus(snap status.Snapshot)
	// DrainCompleted announces a finished drain pass with work in it.
	DrainCompleted(result outbox.DrainResult)
}

// Config holds the engine dependencies. Store and SessionPath are
// required, plus either BaseURL or an injected Remote.
type Config struct {
	// Store is the open local database. The engine borrows it; the
	// caller closes it after Stop.
	Store *store.Store

	// SessionPath is the session file to load and watch.
	SessionPath string

	// BaseURL is the remote API root. Ignored when Remote is set.
	BaseURL string

	// UserAgent is sent with every API request.
	UserAgent string

	// Remote overrides the HTTP client, mainly for tests.
	Remote remote.Client

	// MaxRetries is the outbox attempt budget per item.
	// Zero means outbox.DefaultMaxRetries.
	MaxRetries int

	// DrainInterval is the periodic outbox drain cadence.
	DrainInterval time.Duration

	// ProbeInterval is the connectivity probe cadence.
	ProbeInterval time.Duration

	// ProbeTimeout bounds each connectivity probe.
	ProbeTimeout time.Duration

	// Notifier receives trip and status broadcasts. Optional.
	Notifier Notifier

	// Logger receives engine activity. Nil discards.
	Logger *log.Logger
}

// Engine owns the sync components and their shared lifecycle.
type Engine struct {
	store       *store.Store
	sessionPath string
	notifier    Notifier
	logger      *log.Logger

	client  remote.Client
	queue   *outbox.Outbox
	coord   *syncer.Coordinator
	monitor *netmon.Monitor
	tracker *status.Tracker
	watcher *session.Watcher

	sessMu  sync.RWMutex
	session *session.Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires up an engine from the config. Use Start to run it.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine config: Store is required")
	}
	if cfg.SessionPath == "" {
		return nil, fmt.Errorf("engine config: SessionPath is required")
	}
	if cfg.BaseURL == "" && cfg.Remote == nil {
		return nil, fmt.Errorf("engine config: BaseURL or Remote is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:       cfg.Store,
		sessionPath: cfg.SessionPath,
		notifier:    cfg.Notifier,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}

	client := cfg.Remote
	if client == nil {
		httpClient, err := remote.NewHTTPClient(remote.Config{
			BaseURL:   cfg.BaseURL,
			Token:     e.sessionToken,
			UserAgent: cfg.UserAgent,
			Logger:    logger,
		})
		if err != nil {
			cancel()
			return nil, err
		}
		client = httpClient
	}
	e.client = client

	monitor, err := netmon.New(netmon.Config{
		Probe:        client.Ping,
		OnOnline:     e.handleOnline,
		OnOffline:    e.handleOffline,
		Interval:     cfg.ProbeInterval,
		ProbeTimeout: cfg.ProbeTimeout,
		Logger:       logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	e.monitor = monitor

	// The queue's apply function closes over e.coord, assigned just
	// below; drains cannot start before Start anyway.
	queue, err := outbox.New(outbox.Config{
		Store: cfg.Store,
		Apply: func(ctx context.Context, action outbox.Action) error {
			return e.coord.ApplyAction(ctx, action)
		},
		// Draining needs both connectivity and an identity. Signed out,
		// queued work waits instead of burning its retry budget on auth
		// errors.
		Online: func() bool {
			return monitor.Online() && e.currentSession() != nil
		},
		Retryable:       remote.IsRetryable,
		OnDrainComplete: e.handleDrainComplete,
		MaxRetries:      cfg.MaxRetries,
		DrainInterval:   cfg.DrainInterval,
		Logger:          logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	e.queue = queue

	coord, err := syncer.New(syncer.Config{
		Store:         cfg.Store,
		Remote:        client,
		Queue:         queue,
		OnTripChanged: e.handleTripChanged,
		Logger:        logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	e.coord = coord

	tracker, err := status.New(queue, monitor, coord)
	if err != nil {
		cancel()
		return nil, err
	}
	e.tracker = tracker

	watcher, err := session.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create session watcher: %w", err)
	}
	e.watcher = watcher

	return e, nil
}

// Start runs the engine until ctx is cancelled, then stops it.
//
// Starting never requires connectivity: with no network the engine
// serves local data and queues mutations, and the first successful
// probe brings the sync session up.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Println("starting sync engine")

	sess, err := session.Load(e.sessionPath)
	if err != nil && !errors.Is(err, session.ErrSignedOut) {
		return fmt.Errorf("failed to load session: %w", err)
	}
	e.setSession(sess)
	if sess != nil {
		e.logger.Printf("signed in as %s", sess.Email)
	} else {
		e.logger.Println("no session; running local-only until sign-in")
	}

	if err := e.watcher.Start(e.sessionPath); err != nil {
		return fmt.Errorf("failed to watch session file: %w", err)
	}

	e.wg.Add(2)
	go e.watchSession()
	go e.runQueue()

	if err := e.monitor.Start(); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}

	select {
	case <-ctx.Done():
		e.logger.Println("shutdown signal received")
		return e.Stop()
	case <-e.ctx.Done():
		return nil
	}
}

// Stop shuts the engine down: probing stops, the session feed closes,
// and in-flight work is awaited. The store stays open for the caller.
func (e *Engine) Stop() error {
	e.logger.Println("stopping sync engine")

	e.cancel()

	if err := e.monitor.Stop(); err != nil {
		e.logger.Printf("error stopping connectivity monitor: %v", err)
	}
	if err := e.watcher.Stop(); err != nil {
		e.logger.Printf("error stopping session watcher: %v", err)
	}
	if err := e.coord.Cleanup(); err != nil {
		e.logger.Printf("error cleaning up sync session: %v", err)
	}

	e.wg.Wait()

	e.logger.Println("sync engine stopped")
	return nil
}

// Status returns a live health snapshot.
func (e *Engine) Status(ctx context.Context) (status.Snapshot, error) {
	return e.tracker.Snapshot(ctx)
}

// Queue returns the action outbox.
func (e *Engine) Queue() *outbox.Outbox { return e.queue }

// Coordinator returns the sync coordinator.
func (e *Engine) Coordinator() *syncer.Coordinator { return e.coord }

// Monitor returns the connectivity monitor.
func (e *Engine) Monitor() *netmon.Monitor { return e.monitor }

// Session returns the current session, or nil when signed out.
func (e *Engine) Session() *session.Session {
	return e.currentSession()
}

// sessionToken is the remote client's token source. It reads the live
// session so token rotation never requires rebuilding the client.
func (e *Engine) sessionToken(_ context.Context) (string, error) {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()

	if e.session == nil {
		return "", session.ErrSignedOut
	}
	if !e.session.Valid() {
		return "", fmt.Errorf("session expired: %w", session.ErrSignedOut)
	}
	return e.session.Token, nil
}

func (e *Engine) setSession(s *session.Session) {
	e.sessMu.Lock()
	e.session = s
	e.sessMu.Unlock()
}

func (e *Engine) currentSession() *session.Session {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	return e.session
}

func (e *Engine) runQueue() {
	defer e.wg.Done()
	e.queue.Run(e.ctx)
}

// watchSession reacts to sign-in, sign-out, and token changes.
func (e *Engine) watchSession() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return

		case ev, ok := <-e.watcher.Events():
			if !ok {
				return
			}
			e.handleSessionEvent(ev)

		case err, ok := <-e.watcher.Errors():
			if !ok {
				return
			}
			e.logger.Printf("session watcher error: %v", err)
		}
	}
}

func (e *Engine) handleSessionEvent(ev session.Event) {
	switch ev.Op {
	case session.OpRemove:
		e.signOut()
	case session.OpChange:
		e.reloadSession()
	}
}

// signOut ends the sync session. Local data and queued actions are
// kept: they belong to whoever signs in next with the same account,
// and the merge cleans up if it is someone else.
func (e *Engine) signOut() {
	prev := e.currentSession()
	e.setSession(nil)
	if prev == nil {
		return
	}

	e.logger.Println("signed out; queued work is kept for the next session")
	if err := e.coord.Cleanup(); err != nil {
		e.logger.Printf("error cleaning up sync session: %v", err)
	}
	e.notifySyncStatus()
}

func (e *Engine) reloadSession() {
	sess, err := session.Load(e.sessionPath)
	if errors.Is(err, session.ErrSignedOut) {
		e.signOut()
		return
	}
	if err != nil {
		e.logger.Printf("failed to reload session: %v", err)
		return
	}

	prev := e.currentSession()
	e.setSession(sess)

	switch {
	case prev == nil:
		e.logger.Printf("signed in as %s", sess.Email)
	case prev.UserID != sess.UserID:
		e.logger.Printf("account changed to %s", sess.Email)
	default:
		// Token refresh for the same account; requests pick up the new
		// token on their next call.
		return
	}

	if err := e.coord.Cleanup(); err != nil {
		e.logger.Printf("error cleaning up previous sync session: %v", err)
	}
	e.initializeSession()
}

// initializeSession brings the sync session up if connectivity allows.
// Offline, it leaves the work to the next online transition.
func (e *Engine) initializeSession() {
	if !e.monitor.Online() {
		e.logger.Println("offline; sync session will initialize when connectivity returns")
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, sessionInitTimeout)
	defer cancel()

	if err := e.coord.Initialize(ctx); err != nil {
		e.logger.Printf("failed to initialize sync session: %v", err)
		return
	}
	e.notifySyncStatus()
}

// handleOnline runs once per offline→online transition.
func (e *Engine) handleOnline() {
	if e.currentSession() == nil {
		return
	}

	if !e.coord.Active() {
		ctx, cancel := context.WithTimeout(e.ctx, sessionInitTimeout)
		defer cancel()

		if err := e.coord.Initialize(ctx); err != nil {
			e.logger.Printf("failed to initialize sync session: %v", err)
			return
		}
		e.notifySyncStatus()
		return
	}

	// Session already up: reclaim interrupted work, reopen the feed,
	// and let the queue drain.
	ctx, cancel := context.WithTimeout(e.ctx, sessionInitTimeout)
	defer cancel()

	if n, err := e.queue.RecoverStuckItems(ctx); err != nil {
		e.logger.Printf("failed to recover stuck items: %v", err)
	} else if n > 0 {
		e.logger.Printf("recovered %d stuck items", n)
	}
	if err := e.coord.EnsureSubscribed(ctx); err != nil {
		e.logger.Printf("failed to reopen change feed: %v", err)
	}
	e.queue.Kick()
	e.notifySyncStatus()
}

func (e *Engine) handleOffline() {
	e.notifySyncStatus()
}

func (e *Engine) handleDrainComplete(result outbox.DrainResult) {
	if result.Attempted == 0 {
		return
	}

	e.logger.Printf("drain finished: %d attempted, %d completed, %d retried, %d failed (%s)",
		result.Attempted, result.Completed, result.Retried, result.Failed,
		result.Duration.Round(time.Millisecond))

	if e.notifier != nil {
		e.notifier.DrainCompleted(result)
	}
	e.notifySyncStatus()
}

func (e *Engine) handleTripChanged(tripID string) {
	if e.notifier != nil {
		e.notifier.TripChanged(tripID)
	}
}

func (e *Engine) notifySyncStatus() {
	if e.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, statusTimeout)
	defer cancel()

	snap, err := e.tracker.Snapshot(ctx)
	if err != nil {
		e.logger.Printf("failed to build status snapshot: %v", err)
		return
	}
	e.notifier.SyncStatus(snap)
}
