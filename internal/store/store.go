// Package store provides the durable local database for tripd.
//
// This is the offline source of truth: trips and outbox items are written
// here first and survive process restarts; the sync engine reconciles the
// contents with the remote store when connectivity allows.
//
// The database is embedded SQLite (ncruces/go-sqlite3) with WAL mode for
// concurrent reads during writes.
//
// Layout:
//   - trips: one row per trip, indexed by owner, status, and updated_at
//   - outbox_items: the durable mutation queue, indexed for FIFO drains
//
// Trips and outbox items are disjoint key ranges: the sync coordinator
// owns trip rows, the outbox owns queue rows, and the only multi-range
// writes go through WithTx so a local mutation and its queued action
// commit or roll back together.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/roamline/tripd/internal/trip"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// MemoryPath opens a private in-memory database, used by tests.
const MemoryPath = ":memory:"

// timeLayout is the storage format for timestamps. Nanosecond precision
// matters: last-writer-wins compares updated_at values that can be
// milliseconds apart.
const timeLayout = time.RFC3339Nano

// Store wraps the SQLite connection with trip and outbox persistence.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The parent directory is created if missing, WAL mode and a busy
// timeout are configured, and the connection is verified. Pass
// MemoryPath for a private in-memory database (the pool is pinned to a
// single connection so every query sees the same database).
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dataDir, "tripd.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	memory := path == MemoryPath

	connStr := path
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if memory {
		// Each pooled connection would otherwise get its own empty database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	st := &Store{
		conn: conn,
		path: path,
	}

	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS trips (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		destination TEXT NOT NULL DEFAULT '',
		start_date TEXT,
		end_date TEXT,
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'planning',
		local_only INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_accessed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS outbox_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		trip_id TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON body for the action kind
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_attempt_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_trips_owner ON trips(owner_id);
	CREATE INDEX IF NOT EXISTS idx_trips_status ON trips(status);
	CREATE INDEX IF NOT EXISTS idx_trips_updated ON trips(updated_at);
	CREATE INDEX IF NOT EXISTS idx_trips_owner_updated ON trips(owner_id, updated_at);

	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_items(status);
	CREATE INDEX IF NOT EXISTS idx_outbox_trip ON outbox_items(trip_id);

	-- Composite index for FIFO drain scans
	CREATE INDEX IF NOT EXISTS idx_outbox_drain ON outbox_items(status, created_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so row operations can
// run standalone or inside WithTx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const tripColumns = `id, owner_id, title, destination, start_date, end_date,
	       notes, status, local_only, created_at, updated_at, last_accessed_at`

// PutTrip inserts or updates a trip.
func (s *Store) PutTrip(t *trip.Trip) error {
	return s.PutTripContext(context.Background(), t)
}

// PutTripContext inserts or updates a trip with context support.
func (s *Store) PutTripContext(ctx context.Context, t *trip.Trip) error {
	return putTrip(ctx, s.conn, t)
}

func putTrip(ctx context.Context, q dbtx, t *trip.Trip) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid trip: %w", err)
	}

	query := `
	INSERT INTO trips (
		id, owner_id, title, destination, start_date, end_date,
		notes, status, local_only, created_at, updated_at, last_accessed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		owner_id = excluded.owner_id,
		title = excluded.title,
		destination = excluded.destination,
		start_date = excluded.start_date,
		end_date = excluded.end_date,
		notes = excluded.notes,
		status = excluded.status,
		local_only = excluded.local_only,
		updated_at = excluded.updated_at,
		last_accessed_at = excluded.last_accessed_at
	`

	_, err := q.ExecContext(ctx, query,
		t.ID,
		t.OwnerID,
		t.Title,
		t.Destination,
		timeToNullString(t.StartDate),
		timeToNullString(t.EndDate),
		t.Notes,
		string(t.Status),
		boolToInt(t.LocalOnly),
		t.CreatedAt.UTC().Format(timeLayout),
		t.UpdatedAt.UTC().Format(timeLayout),
		timeToNullString(t.LastAccessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert trip %s: %w", t.ID, err)
	}

	return nil
}

// GetTrip retrieves a single trip by ID.
// Returns ErrNotFound if the trip does not exist.
func (s *Store) GetTrip(id string) (*trip.Trip, error) {
	return s.GetTripContext(context.Background(), id)
}

// GetTripContext retrieves a single trip by ID with context support.
func (s *Store) GetTripContext(ctx context.Context, id string) (*trip.Trip, error) {
	return getTrip(ctx, s.conn, id)
}

func getTrip(ctx context.Context, q dbtx, id string) (*trip.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE id = ?`
	row := q.QueryRowContext(ctx, query, id)

	t, err := scanTrip(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trip %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get trip %s: %w", id, err)
	}
	return t, nil
}

// ListTrips retrieves every trip, most recently updated first.
func (s *Store) ListTrips() ([]*trip.Trip, error) {
	return s.ListTripsContext(context.Background())
}

// ListTripsContext retrieves every trip with context support.
func (s *Store) ListTripsContext(ctx context.Context) ([]*trip.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips ORDER BY updated_at DESC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list trips: %w", err)
	}
	defer rows.Close()

	return scanTrips(rows)
}

// ListTripsByOwner retrieves all trips for one owner plus, when
// includeLocalOnly is set, trips authored before sign-in (empty owner,
// still local-only) that the next reconciliation will claim.
func (s *Store) ListTripsByOwner(ownerID string, includeLocalOnly bool) ([]*trip.Trip, error) {
	return s.ListTripsByOwnerContext(context.Background(), ownerID, includeLocalOnly)
}

// ListTripsByOwnerContext retrieves trips by owner with context support.
func (s *Store) ListTripsByOwnerContext(ctx context.Context, ownerID string, includeLocalOnly bool) ([]*trip.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE owner_id = ?`
	args := []interface{}{ownerID}

	if includeLocalOnly {
		query += ` OR (owner_id = '' AND local_only = 1)`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trips for owner %s: %w", ownerID, err)
	}
	defer rows.Close()

	return scanTrips(rows)
}

// ListTripsByStatus retrieves all trips with the given status.
func (s *Store) ListTripsByStatus(status trip.Status) ([]*trip.Trip, error) {
	return s.ListTripsByStatusContext(context.Background(), status)
}

// ListTripsByStatusContext retrieves trips by status with context support.
func (s *Store) ListTripsByStatusContext(ctx context.Context, status trip.Status) ([]*trip.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE status = ? ORDER BY updated_at DESC`

	rows, err := s.conn.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list trips with status %s: %w", status, err)
	}
	defer rows.Close()

	return scanTrips(rows)
}

// DeleteTrip removes a trip.
// Returns nil if the trip doesn't exist (idempotent).
func (s *Store) DeleteTrip(id string) error {
	return s.DeleteTripContext(context.Background(), id)
}

// DeleteTripContext removes a trip with context support.
func (s *Store) DeleteTripContext(ctx context.Context, id string) error {
	return deleteTrip(ctx, s.conn, id)
}

func deleteTrip(ctx context.Context, q dbtx, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM trips WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete trip %s: %w", id, err)
	}
	return nil
}

// CountTrips returns the total number of trips.
func (s *Store) CountTrips() (int, error) {
	return s.CountTripsContext(context.Background())
}

// CountTripsContext returns the total number of trips with context support.
func (s *Store) CountTripsContext(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM trips").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trips: %w", err)
	}
	return count, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrip(row rowScanner) (*trip.Trip, error) {
	var t trip.Trip
	var status string
	var localOnly int
	var createdAt, updatedAt string
	var startDate, endDate, lastAccessedAt sql.NullString

	err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&t.Title,
		&t.Destination,
		&startDate,
		&endDate,
		&t.Notes,
		&status,
		&localOnly,
		&createdAt,
		&updatedAt,
		&lastAccessedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = trip.Status(status)
	t.LocalOnly = localOnly != 0

	if ts, err := time.Parse(timeLayout, createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(timeLayout, updatedAt); err == nil {
		t.UpdatedAt = ts
	}

	t.StartDate = nullStringToTime(startDate)
	t.EndDate = nullStringToTime(endDate)
	t.LastAccessedAt = nullStringToTime(lastAccessedAt)

	return &t, nil
}

// scanTrips is a helper to scan multiple trips from query results.
func scanTrips(rows *sql.Rows) ([]*trip.Trip, error) {
	var trips []*trip.Trip

	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trip: %w", err)
		}
		trips = append(trips, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trips: %w", err)
	}

	return trips, nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
