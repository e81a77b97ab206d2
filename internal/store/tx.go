package store

import (
	"context"
	"fmt"

	"github.com/roamline/tripd/internal/outbox"
	"github.com/roamline/tripd/internal/trip"
)

// Tx exposes write operations inside a transaction. The canonical use
// is pairing a trip mutation with its outbox entry so both commit or
// neither does.
type Tx struct {
	tx dbtx
}

// PutTrip inserts or updates a trip within the transaction.
func (t *Tx) PutTrip(ctx context.Context, tr *trip.Trip) error {
	return putTrip(ctx, t.tx, tr)
}

// GetTrip retrieves a trip within the transaction.
func (t *Tx) GetTrip(ctx context.Context, id string) (*trip.Trip, error) {
	return getTrip(ctx, t.tx, id)
}

// DeleteTrip removes a trip within the transaction.
func (t *Tx) DeleteTrip(ctx context.Context, id string) error {
	return deleteTrip(ctx, t.tx, id)
}

// PutOutboxItem inserts or updates an outbox item within the transaction.
func (t *Tx) PutOutboxItem(ctx context.Context, item *outbox.Item) error {
	return putOutboxItem(ctx, t.tx, item)
}

// WithTx runs fn inside a single transaction. If fn returns an error or
// panics the transaction is rolled back, otherwise it is committed.
//
// Example:
//
//	err := st.WithTx(ctx, func(tx *store.Tx) error {
//	    if err := tx.PutTrip(ctx, t); err != nil {
//	        return err
//	    }
//	    return tx.PutOutboxItem(ctx, item)
//	})
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return nil
}
