package ledger

import (
	"context"
	"fmt"

	"github.com/tillworks/cashsync/internal/services/ledger/domain"
	"github.com/tillworks/cashsync/internal/services/ledger/storage"
)

// Aggregator computes read-only cash summaries from the transaction log.
//
// Reads are snapshot-consistent with respect to committing ledger
// writes; a partially applied append is never observed.
type Aggregator struct {
	store storage.TransactionStore
}

// NewAggregator builds an Aggregator over a transaction store.
func NewAggregator(store storage.TransactionStore) *Aggregator {
	return &Aggregator{store: store}
}

// DeviceSummary folds one device's transaction log into totals.
func (a *Aggregator) DeviceSummary(ctx context.Context, deviceID string) (domain.DeviceCashSummary, error) {
	if a == nil || a.store == nil {
		return domain.DeviceCashSummary{}, fmt.Errorf("aggregator is not configured")
	}
	return a.store.DeviceSummary(ctx, deviceID)
}

// OverallSummary folds the logs of all active devices.
func (a *Aggregator) OverallSummary(ctx context.Context) (domain.OverallCashSummary, error) {
	if a == nil || a.store == nil {
		return domain.OverallCashSummary{}, fmt.Errorf("aggregator is not configured")
	}
	return a.store.OverallSummary(ctx)
}
