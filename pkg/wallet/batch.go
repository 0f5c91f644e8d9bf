package wallet

import (
	"context"
	"errors"
	"fmt"
)

// BatchItemStatus tags the outcome of one batch item.
type BatchItemStatus string

const (
	BatchItemAccepted       BatchItemStatus = "accepted"
	BatchItemFraudRejected  BatchItemStatus = "fraud_rejected"
	BatchItemDuplicate      BatchItemStatus = "duplicate"
	BatchItemTransientFault BatchItemStatus = "transient_fault"
)

// BatchItemOutcome reports one item of a sync batch.
type BatchItemOutcome struct {
	Index         int
	Status        BatchItemStatus
	Reason        RejectionReason
	TransactionID string
}

// BatchResult summarizes a processed batch.
type BatchResult struct {
	Processed  int
	Failed     int
	NewBalance int64
	Items      []BatchItemOutcome
}

// SyncBatch replays an ordered batch of offline-collected events. Items are
// processed strictly in the supplied order; one item's failure never aborts
// the batch. Outcomes distinguish fraud rejections from duplicates and
// transient store faults so callers can tell a bad actor from a store blip.
func (service *Service) SyncBatch(ctx context.Context, userID UserID, events []CollectionEvent) (BatchResult, error) {
	if len(events) < minBatchSize || len(events) > maxBatchSize {
		return BatchResult{}, fmt.Errorf("%w: got %d events, want %d..%d", ErrInvalidBatchSize, len(events), minBatchSize, maxBatchSize)
	}
	result := BatchResult{Items: make([]BatchItemOutcome, 0, len(events))}
	balanceKnown := false
	for index, event := range events {
		event.UserID = userID
		submitResult, err := service.Submit(ctx, event)
		outcome := BatchItemOutcome{Index: index}
		switch {
		case err == nil:
			outcome.Status = BatchItemAccepted
			outcome.TransactionID = submitResult.TransactionID
			result.Processed++
			result.NewBalance = submitResult.NewBalance
			balanceKnown = true
		case errors.Is(err, ErrFraudRejected):
			outcome.Status = BatchItemFraudRejected
			var fraudError *FraudError
			if errors.As(err, &fraudError) {
				outcome.Reason = fraudError.Reason
			}
			result.Failed++
		case errors.Is(err, ErrDuplicateTransaction):
			outcome.Status = BatchItemDuplicate
			result.Failed++
		default:
			outcome.Status = BatchItemTransientFault
			result.Failed++
		}
		result.Items = append(result.Items, outcome)
	}
	if !balanceKnown {
		balance, err := service.Balance(ctx, userID)
		if err != nil {
			return result, err
		}
		result.NewBalance = balance.BalanceCoins
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationSyncBatch,
		UserID:    userID,
		Status:    operationStatusOK,
	})
	return result, nil
}
