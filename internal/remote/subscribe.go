package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// eventBuffer is the subscription channel capacity. Consumers that fall
// behind delay the read loop rather than dropping events; reconciliation
// depends on seeing every change.
const eventBuffer = 16

// wsSubscription streams change events from /v1/trips/watch.
type wsSubscription struct {
	conn   *websocket.Conn
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// Subscribe opens the trip change feed for the authenticated user.
func (c *HTTPClient) Subscribe(ctx context.Context) (Subscription, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: no session token", ErrAuthRequired)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("User-Agent", c.userAgent)

	wsURL := wsBaseURL(c.baseURL) + "/v1/trips/watch"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &wsSubscription{
		conn:   conn,
		events: make(chan Event, eventBuffer),
		ctx:    subCtx,
		cancel: cancel,
	}

	go sub.readLoop()
	return sub, nil
}

// Events returns the event channel. Closed when the subscription ends.
func (s *wsSubscription) Events() <-chan Event {
	return s.events
}

// Err returns the terminal error. Valid after Events is closed; nil
// after a clean Close.
func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the subscription down. Safe to call more than once.
func (s *wsSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (s *wsSubscription) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// A read failure after Close is the close itself.
			if !s.closed.Load() {
				s.setErr(fmt.Errorf("%w: %v", ErrSubscriptionClosed, err))
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			// One malformed frame doesn't end the feed.
			continue
		}

		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *wsSubscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// wsBaseURL rewrites an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
