package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// Batch holds the locks of a set of orders so several fills can be applied,
// inspected and then either committed together or rolled back. Fills are
// staged in memory; nothing reaches the record store before Commit.
type Batch struct {
	book    *Book
	entries map[string]*entry
	locked  []*entry

	staged  map[string]domain.Order // pre-batch state of every touched order
	touched []string
	done    bool
}

// Acquire locks the given orders in ascending id order. Duplicate ids are
// locked once. Every id must exist.
func (b *Book) Acquire(ids []string) (*Batch, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	entries := make([]*entry, 0, len(sorted))
	for _, id := range sorted {
		e, err := b.lookup(id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	batch := &Batch{
		book:    b,
		entries: make(map[string]*entry, len(entries)),
		staged:  make(map[string]domain.Order),
	}
	for i, e := range entries {
		e.mu.Lock()
		batch.locked = append(batch.locked, e)
		if e.gone {
			batch.Release()
			return nil, notFound(sorted[i])
		}
		batch.entries[sorted[i]] = e
	}
	return batch, nil
}

// Order returns the current, possibly staged, state of a locked order.
func (bt *Batch) Order(id string) (domain.Order, bool) {
	e, ok := bt.entries[id]
	if !ok {
		return domain.Order{}, false
	}
	return e.order, true
}

// ApplyFill stages a fill on a locked order and returns the applied amount.
func (bt *Batch) ApplyFill(id string, qty decimal.Decimal) (decimal.Decimal, error) {
	e, ok := bt.entries[id]
	if !ok {
		return decimal.Zero, domain.Errorf(domain.KindInvalidArgument, "order %s is not part of the batch", id)
	}
	if err := bt.book.checkFillScale(&e.order, qty); err != nil {
		return decimal.Zero, err
	}

	prev := e.order
	applied, err := applyFill(&e.order, qty)
	if err != nil || !applied.IsPositive() {
		return decimal.Zero, err
	}
	if _, seen := bt.staged[id]; !seen {
		bt.staged[id] = prev
		bt.touched = append(bt.touched, id)
	}
	return applied, nil
}

// Rollback discards every staged fill.
func (bt *Batch) Rollback() {
	for _, id := range bt.touched {
		bt.entries[id].order = bt.staged[id]
	}
	bt.reset()
}

// Commit mirrors the staged fills in the order they were applied. When a
// mirror write fails the fills already written are reverted; a revert that
// also fails is reported as an integrity error.
func (bt *Batch) Commit(ctx context.Context) error {
	defer bt.reset()

	var committed []string
	for i, id := range bt.touched {
		e := bt.entries[id]
		prev := bt.staged[id]

		next := e.order
		next.Version = prev.Version + 1
		next.UpdatedAt = bt.book.now()
		err := bt.book.store.UpdateStatus(ctx, id, next.Status, next.FilledAmount, next.UpdatedAt, prev.Version)
		if err == nil {
			e.order = next
			committed = append(committed, id)
			continue
		}

		bt.book.logger.ErrorContext(ctx, "fill mirror write rejected",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		for _, rest := range bt.touched[i:] {
			bt.entries[rest].order = bt.staged[rest]
		}
		if cerr := bt.revert(ctx, committed); cerr != nil {
			return domain.WrapError(domain.KindIntegrity, "fill revert failed after mirror rejection",
				errors.Join(err, cerr))
		}
		return domain.WrapError(domain.KindDownstream, "order store update failed", err)
	}
	return nil
}

func (bt *Batch) revert(ctx context.Context, committed []string) error {
	var errs []error
	for _, id := range committed {
		e := bt.entries[id]
		prev := bt.staged[id]

		restored := prev
		restored.Version = e.order.Version + 1
		restored.UpdatedAt = bt.book.now()
		if err := bt.book.store.UpdateStatus(ctx, id, restored.Status, restored.FilledAmount, restored.UpdatedAt, e.order.Version); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", id, err))
			continue
		}
		e.order = restored
	}
	return errors.Join(errs...)
}

func (bt *Batch) reset() {
	bt.staged = make(map[string]domain.Order)
	bt.touched = nil
}

// Release rolls back anything still staged and unlocks every order in reverse
// acquisition order. It is safe to call more than once.
func (bt *Batch) Release() {
	if bt.done {
		return
	}
	bt.done = true
	bt.Rollback()
	for i := len(bt.locked) - 1; i >= 0; i-- {
		bt.locked[i].mu.Unlock()
	}
}
