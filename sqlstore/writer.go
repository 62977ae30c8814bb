package sqlstore

import (
	"context"
	"fmt"

	"github.com/oagudo/crunch"
)

// EventWriter stores events inside a transaction managed by Persistence.Write.
type EventWriter interface {
	// Store serializes event and inserts it as Pending.
	// The event becomes visible to relays when the enclosing transaction commits.
	Store(ctx context.Context, event crunch.Event) error
}

// WorkFunc is the user supplied callback for [Persistence.Write].
// It executes user defined queries and stores events within the same transaction.
type WorkFunc func(ctx context.Context, tx TxQueryer, events EventWriter) error

// Write executes fn in a new transaction and commits it if fn returns nil.
// It rolls back if fn returns an error or panics. Events stored through the
// EventWriter are committed atomically with the business changes, which is the
// point of the outbox.
//
//	err := store.Write(ctx, func(ctx context.Context, tx sqlstore.TxQueryer, events sqlstore.EventWriter) error {
//	    if _, err := tx.ExecContext(ctx, "INSERT INTO invoices (id, amount) VALUES ($1, $2)", inv.ID, inv.Amount); err != nil {
//	        return err
//	    }
//	    return events.Store(ctx, InvoiceCreated{ID: inv.ID, Amount: inv.Amount})
//	})
func (p *Persistence) Write(ctx context.Context, fn WorkFunc) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	err = fn(ctx, tx, &eventWriter{p: p, tx: tx})
	if err != nil {
		return err
	}

	err = tx.Commit()
	txCommitted = err == nil
	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Store inserts event using a transaction owned by the caller. It does not
// commit or roll back; the event exists only if the caller commits.
func (p *Persistence) Store(ctx context.Context, tx Queryer, event crunch.Event) error {
	info := event.EventInfo()

	content, err := event.Serialize()
	if err != nil {
		return &crunch.PublishError{
			Kind: crunch.PublishKindSerialize,
			Err:  &crunch.SerializationError{Info: info, Err: err},
		}
	}

	if _, err := p.insert(ctx, tx, info, content); err != nil {
		return &crunch.PublishError{Kind: crunch.PublishKindDB, Err: err}
	}
	return nil
}

type eventWriter struct {
	p  *Persistence
	tx TxQueryer
}

func (w *eventWriter) Store(ctx context.Context, event crunch.Event) error {
	return w.p.Store(ctx, w.tx, event)
}
