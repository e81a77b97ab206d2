// Package syncer reconciles the local store with the remote.
//
// The coordinator owns the sync session for one signed-in user. It
// comes up when a session starts, tears down when the session ends, and
// in between keeps the two sides converged:
//
//	┌──────────┐   ApplyAction    ┌───────────┐
//	│  outbox   │ ───────────────► │           │
//	└──────────┘                  │  remote   │
//	┌──────────┐   change feed    │           │
//	│  store    │ ◄─────────────── │           │
//	└──────────┘                  └───────────┘
//
// # Initialization
//
// Initialize runs five steps in order: tear down any previous
// subscription, fetch both sides, merge with the remote winning,
// subscribe to the live change feed, and finally recover stuck outbox
// items and kick a drain. A failure leaves the engine offline-capable:
// the local store and outbox still work, and a later Initialize retries
// everything.
//
// # Conflict stance
//
// The remote is authoritative. During the initialize merge every remote
// trip overwrites its local counterpart, and a previously synced local
// trip that is gone remotely is deleted locally — its queued mutations
// are failed with "trip deleted remotely" rather than resurrecting the
// trip. Only local-only trips (created before sign-in or not yet
// pushed) are exempt; they stay until their queued create drains.
//
// ForceSyncToCloud is the one place the local side can win: it compares
// updated_at per trip and pushes the newer side, for users who want
// their current device state to become the truth.
package syncer
