// Package remote talks to the Roamline cloud API: trip CRUD over HTTPS
// and a WebSocket change feed. All operations require an identity and
// are scoped to the authenticated user's trips.
package remote

import (
	"context"
	"time"

	"github.com/roamline/tripd/internal/trip"
)

// EventType classifies a change-feed event.
type EventType string

const (
	// EventCreated announces a trip created on another device.
	EventCreated EventType = "created"
	// EventUpdated announces a trip updated on another device.
	EventUpdated EventType = "updated"
	// EventDeleted announces a trip deleted on another device.
	EventDeleted EventType = "deleted"
)

// Event is one change observed on the remote. Trip is populated for
// created/updated events; deleted events carry only the ID.
type Event struct {
	Type   EventType  `json:"type"`
	TripID string     `json:"trip_id"`
	Trip   *trip.Trip `json:"trip,omitempty"`
	At     time.Time  `json:"at"`
}

// Subscription is a live change feed for the authenticated user's
// trips.
type Subscription interface {
	// Events returns the event channel. It is closed when the
	// subscription ends, after which Err reports why.
	Events() <-chan Event

	// Err returns the terminal error, or nil after a clean Close.
	// Only valid after the Events channel is closed.
	Err() error

	// Close tears the subscription down. Safe to call more than once.
	Close() error
}

// Client is the remote API surface the sync engine drives.
//
// Implementations must be safe for concurrent use: the outbox drain,
// the sync coordinator, and the connectivity monitor all share one
// client.
//
// Every mutation is safe to repeat. The outbox replays actions after
// crashes, so creating an already-created trip or deleting an
// already-deleted one must succeed rather than error.
type Client interface {
	// CreateTrip creates a trip owned by the authenticated user.
	//
	// Creating a trip that already exists with the same owner is not an
	// error; the remote copy is returned. If it exists under a
	// different owner, ErrOwnership is returned.
	CreateTrip(ctx context.Context, t *trip.Trip) (*trip.Trip, error)

	// UpdateTrip applies a partial update to a remote trip and returns
	// the updated copy.
	//
	// Returns ErrNotFound if the trip does not exist remotely and
	// ErrOwnership if it belongs to another user.
	UpdateTrip(ctx context.Context, id string, p trip.Patch) (*trip.Trip, error)

	// GetTrip fetches one trip.
	GetTrip(ctx context.Context, id string) (*trip.Trip, error)

	// ListTrips fetches every trip owned by the authenticated user.
	ListTrips(ctx context.Context) ([]*trip.Trip, error)

	// DeleteTrip removes a remote trip.
	//
	// Deleting a trip that is already gone is not an error.
	DeleteTrip(ctx context.Context, id string) error

	// TouchTrip records an access time without counting as an edit.
	// Touches never participate in conflict resolution.
	TouchTrip(ctx context.Context, id string, accessedAt time.Time) error

	// Subscribe opens the change feed for the authenticated user.
	// The caller owns the subscription and must Close it.
	Subscribe(ctx context.Context) (Subscription, error)

	// Ping checks reachability without touching any trip. Used by the
	// connectivity monitor.
	Ping(ctx context.Context) error
}
