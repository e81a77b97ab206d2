// Package notify exposes the sync engine's activity to local clients
// over WebSocket.
//
// The server broadcasts trip changes, status snapshots, and drain
// results to every connected client, so editor plugins and menu-bar
// style UIs can show sync state without polling the CLI.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/roamline/tripd/internal/status"
)

// MessageType defines the type of notification message.
type MessageType string

const (
	// MessageTypeTripUpdate indicates a trip was created, updated, or
	// deleted by another device.
	MessageTypeTripUpdate MessageType = "trip_update"

	// MessageTypeSyncStatus carries a fresh status snapshot.
	MessageTypeSyncStatus MessageType = "sync_status"

	// MessageTypeDrainComplete indicates a finished outbox drain pass.
	MessageTypeDrainComplete MessageType = "drain_complete"
)

// Message is one notification broadcast to all clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TripUpdateData describes a remotely changed trip.
type TripUpdateData struct {
	TripID string `json:"trip_id"`
	Action string `json:"action"` // updated, deleted
	Title  string `json:"title,omitempty"`
	Status string `json:"status,omitempty"`
}

// DefaultAddr binds to loopback only: the feed is for the local
// machine, not the network.
const DefaultAddr = "127.0.0.1:8787"

// Config holds server configuration.
type Config struct {
	// Addr to listen on. Empty means DefaultAddr; use ":0" style
	// addresses to pick a free port.
	Addr string

	// Status produces the snapshot served at /status and sent to every
	// client on connect. Optional.
	Status func(ctx context.Context) (status.Snapshot, error)

	// Logger for server activity. Nil means the default logger.
	Logger *log.Logger
}

// Server manages WebSocket connections and broadcasts notifications.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	statusFn func(ctx context.Context) (status.Snapshot, error)

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a notification server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	addr := config.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      addr,
		statusFn:  config.Status,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("notification server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("notification server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("stopping notification server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("notification server stopped")
	return nil
}

// Broadcast sends a message to all connected clients. Never blocks: a
// full channel drops the message.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop fans queued messages out to all clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the lock so a slow client cannot block
			// new connections.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // loopback server; origin is not a boundary here
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("client connected (total: %d)", clientCount)

	s.sendWelcome(conn)

	go s.readLoop(conn)
}

// sendWelcome pushes the current status snapshot to a new client so it
// can render immediately instead of waiting for the next change.
func (s *Server) sendWelcome(conn *websocket.Conn) {
	if s.statusFn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	snap, err := s.statusFn(ctx)
	if err != nil {
		s.logger.Printf("failed to build welcome snapshot: %v", err)
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Printf("failed to marshal welcome snapshot: %v", err)
		return
	}

	msg, err := json.Marshal(Message{
		Type:      MessageTypeSyncStatus,
		Timestamp: time.Now(),
		Data:      data,
	})
	if err != nil {
		s.logger.Printf("failed to marshal welcome message: %v", err)
		return
	}

	_ = conn.Write(ctx, websocket.MessageText, msg)
}

// readLoop keeps the connection alive and notices client disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		// Client messages are ignored; the feed is one-way.
	}
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleStatus serves the current sync snapshot as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.statusFn == nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}

	snap, err := s.statusFn(r.Context())
	if err != nil {
		s.logger.Printf("failed to build status snapshot: %v", err)
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// handleRoot returns basic server information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>tripd</title>
</head>
<body>
    <h1>tripd notification server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Sync status: <a href="/status">/status</a></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive trip and sync updates.</p>
</body>
</html>`, r.Host)
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
