// Package outbox implements the durable action queue that makes tripd
// usable offline.
//
// Every trip mutation is recorded here as an Item before it reaches the
// network. While offline the queue simply grows; when connectivity
// returns, a drain pass replays the queued actions against the remote
// in the order the user performed them.
//
// # Item Lifecycle
//
//	enqueue           drain claims          apply ok
//	   │                   │                    │
//	   ▼                   ▼                    ▼
//	pending ──────────► syncing ──────────► completed
//	   ▲                   │
//	   │     retries left  │  retries exhausted or
//	   └───────────────────┤  permanent error
//	                       ▼
//	                    failed ──(RetryFailed)──► pending
//
// A process crash can strand items in syncing; RecoverStuckItems
// returns them to pending on startup. Remote applies are safe to
// repeat, so a replay after a crash is harmless.
//
// # Drain Semantics
//
// Exactly one drain pass runs at a time. A pass snapshots the pending
// queue once and walks it FIFO; an item that fails with a retryable
// error goes back to pending and waits for the NEXT pass, so a flaky
// item cannot spin inside a single pass. Failures are isolated per
// item. Claiming is guarded in storage, so even two processes sharing a
// database cannot double-apply an item.
//
// # Usage
//
//	ob, err := outbox.New(outbox.Config{
//	    Store:     st,
//	    Apply:     applyAction,
//	    Online:    monitor.Online,
//	    Retryable: remote.IsRetryable,
//	})
//	if err != nil {
//	    return err
//	}
//	go ob.Run(ctx)
//
//	// Every local mutation enqueues; the drain happens in the background.
//	item, err := ob.Enqueue(ctx, outbox.CreateTrip{Trip: t})
package outbox
