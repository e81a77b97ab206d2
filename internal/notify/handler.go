package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/roamline/tripd/internal/outbox"
	"github.com/roamline/tripd/internal/status"
	"github.com/roamline/tripd/internal/store"
)

const lookupTimeout = 2 * time.Second

// Handler turns engine events into broadcast messages. It satisfies
// the engine's Notifier and never blocks the caller.
type Handler struct {
	server *Server
	store  *store.Store
	logger *log.Logger
}

// NewHandler creates an event handler for the given server. The store
// is used to enrich trip updates with title and status; nil disables
// enrichment.
func NewHandler(server *Server, st *store.Store, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		store:  st,
		logger: logger,
	}
}

// TripChanged broadcasts that a trip changed under a remote edit or
// deletion.
func (h *Handler) TripChanged(tripID string) {
	update := TripUpdateData{
		TripID: tripID,
		Action: "updated",
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		t, err := h.store.GetTripContext(ctx, tripID)
		cancel()

		switch {
		case errors.Is(err, store.ErrNotFound):
			update.Action = "deleted"
		case err != nil:
			h.logger.Printf("failed to look up changed trip %s: %v", tripID, err)
		default:
			update.Title = t.Title
			update.Status = string(t.Status)
		}
	}

	h.broadcast(MessageTypeTripUpdate, update)
}

// SyncStatus broadcasts a status snapshot.
func (h *Handler) SyncStatus(snap status.Snapshot) {
	h.broadcast(MessageTypeSyncStatus, snap)
}

// DrainCompleted broadcasts the result of a finished drain pass.
func (h *Handler) DrainCompleted(result outbox.DrainResult) {
	h.broadcast(MessageTypeDrainComplete, result)
}

func (h *Handler) broadcast(msgType MessageType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("failed to marshal %s payload: %v", msgType, err)
		return
	}

	h.server.Broadcast(Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	})
}
