package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/wanderbit/coinwallet/pkg/geo"
)

// Service contains the domain logic over a Store.
type Service struct {
	store     Store
	nowFn     func() int64
	validator *Validator
	logger    OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, validator: NewValidator()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// SubmitResult reports an accepted collection event.
type SubmitResult struct {
	TransactionID string
	NewBalance    int64
}

// Balance returns the wallet view, lazily creating the wallet on first read.
func (service *Service) Balance(ctx context.Context, userID UserID) (WalletBalance, error) {
	var balance WalletBalance
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		record, err := transactionStore.GetWalletForUpdate(ctx, userID.String())
		if err != nil {
			return err
		}
		pendingCoins, err := transactionStore.SumPendingRedemptions(ctx, userID.String())
		if err != nil {
			return err
		}
		balance = WalletBalance{
			BalanceCoins:           record.BalanceCoins,
			LifetimeEarnedCoins:    record.LifetimeEarnedCoins,
			LifetimeRedeemedCoins:  record.LifetimeRedeemedCoins,
			PendingRedemptionCoins: pendingCoins,
		}
		return nil
	})
	if err != nil {
		return WalletBalance{}, err
	}
	return balance, nil
}

// Submit validates one collection event against the user's recent history and,
// on acceptance, applies it as a single atomic unit: balance increment, ledger
// append, and daily-stats upsert all commit or none do. The wallet row is
// locked first, so concurrent submissions for the same user serialize and a
// pending event is always visible to a conflicting rate check.
func (service *Service) Submit(ctx context.Context, event CollectionEvent) (SubmitResult, error) {
	var result SubmitResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		record, err := transactionStore.GetWalletForUpdate(ctx, event.UserID.String())
		if err != nil {
			return err
		}
		// The window trails the event's own occurrence time so replayed
		// batches are judged against the history that actually surrounds
		// each event, not against whenever the rows were recorded.
		sinceUnixUTC := event.OccurredAtUnixUTC - service.validator.WindowSeconds()
		recent, err := transactionStore.ListRecentTransactions(ctx, event.UserID.String(), sinceUnixUTC, event.OccurredAtUnixUTC)
		if err != nil {
			return err
		}
		if err := service.validator.Check(event, recent); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		transaction := Transaction{
			TransactionID:     uuid.NewString(),
			UserID:            event.UserID.String(),
			Amount:            event.Amount.Int64(),
			Type:              event.Type,
			Lat:               event.Location.Lat(),
			Lng:               event.Location.Lng(),
			OccurredAtUnixUTC: event.OccurredAtUnixUTC,
			RecordedAtUnixUTC: nowUnixUTC,
			IdempotencyKey:    event.IdempotencyKey.String(),
			MetadataJSON:      event.Metadata.String(),
		}
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		record.BalanceCoins += event.Amount.Int64()
		record.LifetimeEarnedCoins += event.Amount.Int64()
		if err := transactionStore.SaveWallet(ctx, record); err != nil {
			return err
		}
		var distanceMeters float64
		if len(recent) > 0 {
			distanceMeters = geo.DistanceMeters(recent[0].Lat, recent[0].Lng, event.Location.Lat(), event.Location.Lng())
		}
		if err := transactionStore.UpsertDailyStats(ctx, event.UserID.String(), event.Day(), event.Amount.Int64(), 1, distanceMeters); err != nil {
			return err
		}
		result = SubmitResult{TransactionID: transaction.TransactionID, NewBalance: record.BalanceCoins}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationSubmit,
		UserID:         event.UserID,
		Amount:         event.Amount,
		IdempotencyKey: event.IdempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return SubmitResult{}, operationError
	}
	return result, nil
}

// History lists the user's transactions newest first with a total count.
// page starts at 1; limit defaults to 50 and is capped at 200; typeFilter is
// optional.
func (service *Service) History(ctx context.Context, userID UserID, page int, limit int, typeFilter string) ([]Transaction, int64, error) {
	if page <= 0 {
		return nil, 0, fmt.Errorf("%w: page must be positive", ErrInvalidPage)
	}
	if limit <= 0 {
		limit = defaultHistoryPageSize
	}
	if limit > maxHistoryPageSize {
		return nil, 0, fmt.Errorf("%w: limit exceeds maximum %d", ErrInvalidPage, maxHistoryPageSize)
	}
	if typeFilter != "" {
		parsed, err := ParseTransactionType(typeFilter)
		if err != nil {
			return nil, 0, err
		}
		typeFilter = parsed.String()
	}
	offset := (page - 1) * limit
	return service.store.ListTransactions(ctx, userID.String(), offset, limit, typeFilter)
}
