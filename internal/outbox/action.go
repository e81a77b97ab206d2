package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roamline/tripd/internal/trip"
)

// Kind identifies the type of mutation an outbox item carries.
type Kind string

const (
	// KindCreateTrip creates the trip remotely.
	KindCreateTrip Kind = "create_trip"
	// KindUpdateTrip applies a partial update to the remote trip.
	KindUpdateTrip Kind = "update_trip"
	// KindDeleteTrip deletes the remote trip.
	KindDeleteTrip Kind = "delete_trip"
	// KindTouchTrip records a trip access (moves last_accessed_at only).
	KindTouchTrip Kind = "touch_trip"
)

// Action is one queued mutation. It is a closed set of variants, one per
// kind, each carrying its own typed payload — a malformed payload fails
// at construction or decode, never midway through a drain.
type Action interface {
	// Kind returns the variant tag the action is persisted under.
	Kind() Kind
	// TripID returns the trip the action refers to.
	TripID() string
	// Validate checks the payload shape.
	Validate() error

	isAction()
}

// CreateTrip uploads a locally authored trip to the remote store.
type CreateTrip struct {
	Trip *trip.Trip `json:"trip"`
}

func (a CreateTrip) Kind() Kind { return KindCreateTrip }

func (a CreateTrip) TripID() string {
	if a.Trip == nil {
		return ""
	}
	return a.Trip.ID
}

func (a CreateTrip) Validate() error {
	if a.Trip == nil {
		return fmt.Errorf("create action has no trip")
	}
	return a.Trip.Validate()
}

func (CreateTrip) isAction() {}

// UpdateTrip applies a partial update to a remote trip.
type UpdateTrip struct {
	ID    string     `json:"trip_id"`
	Patch trip.Patch `json:"patch"`
}

func (a UpdateTrip) Kind() Kind     { return KindUpdateTrip }
func (a UpdateTrip) TripID() string { return a.ID }

func (a UpdateTrip) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("update action has no trip id")
	}
	return a.Patch.Validate()
}

func (UpdateTrip) isAction() {}

// DeleteTrip removes a trip from the remote store.
type DeleteTrip struct {
	ID string `json:"trip_id"`
}

func (a DeleteTrip) Kind() Kind     { return KindDeleteTrip }
func (a DeleteTrip) TripID() string { return a.ID }

func (a DeleteTrip) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("delete action has no trip id")
	}
	return nil
}

func (DeleteTrip) isAction() {}

// TouchTrip records when a trip was last opened.
type TouchTrip struct {
	ID         string    `json:"trip_id"`
	AccessedAt time.Time `json:"accessed_at"`
}

func (a TouchTrip) Kind() Kind     { return KindTouchTrip }
func (a TouchTrip) TripID() string { return a.ID }

func (a TouchTrip) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("touch action has no trip id")
	}
	if a.AccessedAt.IsZero() {
		return fmt.Errorf("touch action has no accessed_at")
	}
	return nil
}

func (TouchTrip) isAction() {}

// EncodeAction serializes an action into its kind tag and JSON payload,
// the form the local store persists.
func EncodeAction(a Action) (Kind, []byte, error) {
	if a == nil {
		return "", nil, fmt.Errorf("action is nil")
	}
	if err := a.Validate(); err != nil {
		return "", nil, fmt.Errorf("invalid %s action: %w", a.Kind(), err)
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s action: %w", a.Kind(), err)
	}
	return a.Kind(), payload, nil
}

// DecodeAction is the inverse of EncodeAction. Unknown kinds are an
// error: an item written by a newer version must not be silently
// misinterpreted.
func DecodeAction(kind Kind, payload []byte) (Action, error) {
	var a Action
	switch kind {
	case KindCreateTrip:
		var v CreateTrip
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
		}
		a = v
	case KindUpdateTrip:
		var v UpdateTrip
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
		}
		a = v
	case KindDeleteTrip:
		var v DeleteTrip
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
		}
		a = v
	case KindTouchTrip:
		var v TouchTrip
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
		}
		a = v
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}

	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	return a, nil
}
