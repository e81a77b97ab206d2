package session

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents what happened to the session file.
type EventOp int

const (
	// OpChange indicates the session file was written or replaced.
	OpChange EventOp = iota
	// OpRemove indicates the session file was deleted.
	OpRemove
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpChange:
		return "change"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event represents a debounced session file change.
type Event struct {
	// Path is the session file path.
	Path string
	// Op is what ultimately happened within the debounce window.
	Op EventOp
}

// defaultDebounce collapses the event bursts produced by atomic
// replaces (remove+create) and editors into a single notification.
const defaultDebounce = 200 * time.Millisecond

// Watcher watches the session file for changes.
// It uses fsnotify for cross-platform file system event monitoring.
//
// The session file's parent directory is watched rather than the file
// itself: atomic replaces swap the inode, which would silently detach a
// direct file watch.
type Watcher struct {
	watcher  *fsnotify.Watcher
	events   chan Event
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	path     string
	debounce time.Duration
}

// NewWatcher creates a new Watcher instance.
// The watcher must be started with Start() before it will emit events.
func NewWatcher() (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher:  watcher,
		events:   make(chan Event, 16),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
		debounce: defaultDebounce,
	}, nil
}

// Start begins watching the session file at path.
// The parent directory must exist.
func (w *Watcher) Start(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve session path: %w", err)
	}
	w.path = abs

	if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch session directory %s: %w", filepath.Dir(abs), err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	// Signal shutdown
	close(w.done)

	// Close the underlying watcher (this will unblock the event loop)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	// Wait for event processing to finish
	w.wg.Wait()

	// Close channels
	close(w.events)
	close(w.errors)

	return nil
}

// Events returns the channel that emits debounced session changes.
// This channel is closed when the watcher is stopped.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// processEvents is the main event loop. Raw fsnotify events for the
// session file arm a debounce timer; when the timer fires, one Event
// describing the final state is emitted.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
		lastOp EventOp
		armed  bool
	)

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			op, relevant := w.convertEvent(event)
			if !relevant {
				continue
			}

			lastOp = op
			armed = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			if !armed {
				continue
			}
			armed = false

			select {
			case w.events <- Event{Path: w.path, Op: lastOp}:
			case <-w.done:
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent filters directory events down to ones touching the
// session file and classifies them.
func (w *Watcher) convertEvent(event fsnotify.Event) (EventOp, bool) {
	abs, err := filepath.Abs(event.Name)
	if err != nil || abs != w.path {
		return 0, false
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		return OpChange, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename away is a removal; an atomic replace follows up
		// with a create that wins the debounce window.
		return OpRemove, true
	default:
		// Ignore chmod and other events
		return 0, false
	}
}
