package session

import (
	"context"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/pdv-movel/internal/domain/order"
)

//go:generate mockgen -source clear.go -destination=clear_mock_test.go -package=session

// Remover removes one line from an order and returns the fresh snapshot.
type Remover interface {
	RemoveItem(ctx context.Context, orderID, itemID string) (order.Snapshot, error)
}

// ClearResult describes how far a clear got.
type ClearResult struct {
	// Removed holds the ids removed, in request order.
	Removed []string
	// Remaining holds the ids not removed, the failed one first.
	Remaining []string
	// Last is the snapshot returned by the last successful removal.
	Last *order.Order
}

// Complete reports whether every requested item was removed.
func (r ClearResult) Complete() bool {
	return len(r.Remaining) == 0
}

// ClearSequencer removes items one at a time. The backend recomputes the
// whole order on each removal, so removals are never issued concurrently.
type ClearSequencer struct {
	remover Remover
	timeout time.Duration
}

// NewClearSequencer creates a sequencer. A positive timeout bounds each
// removal separately.
func NewClearSequencer(r Remover, timeout time.Duration) *ClearSequencer {
	return &ClearSequencer{remover: r, timeout: timeout}
}

// Run removes itemIDs from the order in the given order and stops at the
// first failure. Nothing is rolled back.
func (s *ClearSequencer) Run(ctx context.Context, orderID string, itemIDs []string) (ClearResult, error) {
	lg := zctx.From(ctx)
	res := ClearResult{Removed: make([]string, 0, len(itemIDs))}

	for i, id := range itemIDs {
		snap, err := s.remove(ctx, orderID, id)
		if err != nil {
			res.Remaining = append([]string(nil), itemIDs[i:]...)
			lg.Warn("Clear stopped",
				zap.String("order_id", orderID),
				zap.String("item_id", id),
				zap.Int("removed", len(res.Removed)),
				zap.Int("remaining", len(res.Remaining)),
				zap.Error(err),
			)
			return res, &ClearError{
				ItemID:    id,
				Removed:   len(res.Removed),
				Remaining: len(res.Remaining),
				Err:       err,
			}
		}
		o := order.FromSnapshot(snap)
		res.Last = &o
		res.Removed = append(res.Removed, id)
	}

	return res, nil
}

func (s *ClearSequencer) remove(ctx context.Context, orderID, itemID string) (order.Snapshot, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.remover.RemoveItem(ctx, orderID, itemID)
}
