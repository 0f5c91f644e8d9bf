package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wanderbit/coinwallet/pkg/wallet"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionIdempotencyKey = "uniq_transaction_idem"
	defaultMetadataJSON                 = "{}"
	pgUniqueViolationCode               = "23505"
	sqliteConstraintCode                = 19
	dialectPostgres                     = "postgres"
	errorOperationStore                 = "store"
	errorSubjectWallet                  = "wallet"
	errorSubjectTransaction             = "transaction"
	errorSubjectStats                   = "stats"
	errorSubjectOption                  = "option"
	errorSubjectRedemption              = "redemption"
	errorCodeLookup                     = "lookup"
	errorCodeSave                       = "save"
	errorCodeInsert                     = "insert"
	errorCodeDuplicate                  = "duplicate"
	errorCodeList                       = "list"
	errorCodeCount                      = "count"
	errorCodeUpsert                     = "upsert"
	errorCodeGet                        = "get"
	errorCodeSumPending                 = "sum_pending"
)

// Store implements wallet.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetWalletForUpdate loads the wallet row, creating it lazily with zero
// balances. Under postgres the row is locked FOR UPDATE so balance mutations
// for the same user serialize; sqlite serializes writers on its own.
func (store *Store) GetWalletForUpdate(ctx context.Context, userID string) (wallet.WalletRecord, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Wallet
	err := query.FirstOrCreate(&row, Wallet{UserID: userID}).Error
	if err != nil {
		return wallet.WalletRecord{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	return wallet.WalletRecord{
		UserID:                row.UserID,
		BalanceCoins:          row.BalanceCoins,
		LifetimeEarnedCoins:   row.LifetimeEarnedCoins,
		LifetimeRedeemedCoins: row.LifetimeRedeemedCoins,
	}, nil
}

// SaveWallet persists updated balance columns for an existing wallet row.
func (store *Store) SaveWallet(ctx context.Context, record wallet.WalletRecord) error {
	err := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ?", record.UserID).
		Updates(map[string]interface{}{
			"balance_coins":           record.BalanceCoins,
			"lifetime_earned_coins":   record.LifetimeEarnedCoins,
			"lifetime_redeemed_coins": record.LifetimeRedeemedCoins,
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, err)
	}
	return nil
}

// InsertTransaction appends a ledger row. A per-user idempotency key conflict
// maps to wallet.ErrDuplicateTransaction.
func (store *Store) InsertTransaction(ctx context.Context, transaction wallet.Transaction) error {
	row := Transaction{
		TransactionID:  transaction.TransactionID,
		UserID:         transaction.UserID,
		Amount:         transaction.Amount,
		Type:           transaction.Type.String(),
		Lat:            transaction.Lat,
		Lng:            transaction.Lng,
		OccurredAt:     time.Unix(transaction.OccurredAtUnixUTC, 0).UTC(),
		RecordedAt:     time.Unix(transaction.RecordedAtUnixUTC, 0).UTC(),
		IdempotencyKey: transaction.IdempotencyKey,
		Metadata:       datatypesJSON(transaction.MetadataJSON),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, wallet.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

// ListRecentTransactions returns rows that occurred inside the inclusive
// [since, until] window, most recent first by occurrence time.
func (store *Store) ListRecentTransactions(ctx context.Context, userID string, sinceUnixUTC int64, untilUnixUTC int64) ([]wallet.Transaction, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	until := time.Unix(untilUnixUTC, 0).UTC()
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND occurred_at >= ? AND occurred_at <= ?", userID, since, until).
		Order("occurred_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows), nil
}

// ListTransactions returns a page of rows newest first plus the total count.
func (store *Store) ListTransactions(ctx context.Context, userID string, offset int, limit int, typeFilter string) ([]wallet.Transaction, int64, error) {
	base := store.db.WithContext(ctx).Model(&Transaction{}).Where("user_id = ?", userID)
	if typeFilter != "" {
		base = base.Where("type = ?", typeFilter)
	}
	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}
	var rows []Transaction
	err := base.
		Order("recorded_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows), total, nil
}

// UpsertDailyStats adds the deltas into the (user_id, date) rollup row.
func (store *Store) UpsertDailyStats(ctx context.Context, userID string, date string, coins int64, transactions int64, distanceMeters float64) error {
	row := DailyStat{
		UserID:           userID,
		Date:             date,
		CoinsCollected:   coins,
		TransactionCount: transactions,
		DistanceMeters:   distanceMeters,
		UpdatedAt:        time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"coins_collected":   gorm.Expr("daily_stats.coins_collected + ?", coins),
				"transaction_count": gorm.Expr("daily_stats.transaction_count + ?", transactions),
				"distance_meters":   gorm.Expr("daily_stats.distance_meters + ?", distanceMeters),
				"updated_at":        time.Now().UTC(),
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectStats, errorCodeUpsert, err)
	}
	return nil
}

// GetDailyStats returns the rollup row for one day, or a zero-valued row when
// the user has no accepted transactions on that day.
func (store *Store) GetDailyStats(ctx context.Context, userID string, date string) (wallet.DailyStats, error) {
	var row DailyStat
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", userID, date).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet.DailyStats{UserID: userID, Date: date}, nil
	}
	if err != nil {
		return wallet.DailyStats{}, wrapStoreError(errorSubjectStats, errorCodeGet, err)
	}
	return mapDailyStat(row), nil
}

// ListDailyStats returns rollup rows inside the inclusive date range.
func (store *Store) ListDailyStats(ctx context.Context, userID string, fromDate string, toDate string) ([]wallet.DailyStats, error) {
	var rows []DailyStat
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND date >= ? AND date <= ?", userID, fromDate, toDate).
		Order("date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectStats, errorCodeList, err)
	}
	stats := make([]wallet.DailyStats, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, mapDailyStat(row))
	}
	return stats, nil
}

// GetRedemptionOption loads one catalog entry.
func (store *Store) GetRedemptionOption(ctx context.Context, optionID string) (wallet.RedemptionOption, error) {
	var row RedemptionOption
	err := store.db.WithContext(ctx).
		Where("option_id = ?", optionID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet.RedemptionOption{}, wrapStoreError(errorSubjectOption, errorCodeGet, wallet.ErrUnknownOption)
	}
	if err != nil {
		return wallet.RedemptionOption{}, wrapStoreError(errorSubjectOption, errorCodeGet, err)
	}
	return mapRedemptionOption(row), nil
}

// ListRedemptionOptions returns the catalog ordered by minimum coins.
func (store *Store) ListRedemptionOptions(ctx context.Context) ([]wallet.RedemptionOption, error) {
	var rows []RedemptionOption
	err := store.db.WithContext(ctx).
		Order("min_coins ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectOption, errorCodeList, err)
	}
	options := make([]wallet.RedemptionOption, 0, len(rows))
	for _, row := range rows {
		options = append(options, mapRedemptionOption(row))
	}
	return options, nil
}

// InsertRedemption appends a redemption row.
func (store *Store) InsertRedemption(ctx context.Context, redemption wallet.Redemption) error {
	row := Redemption{
		RedemptionID:     redemption.RedemptionID,
		UserID:           redemption.UserID,
		OptionID:         redemption.OptionID,
		CoinAmount:       redemption.CoinAmount,
		Status:           string(redemption.Status),
		DollarValueCents: redemption.DollarValueCents,
		CreatedAt:        time.Unix(redemption.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectRedemption, errorCodeInsert, err)
	}
	return nil
}

// SumPendingRedemptions totals the user's pending redemption coins.
func (store *Store) SumPendingRedemptions(ctx context.Context, userID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Redemption{}).
		Select("coalesce(sum(coin_amount),0) as total").
		Where("user_id = ? AND status = ?", userID, string(wallet.RedemptionStatusPending)).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectRedemption, errorCodeSumPending, err)
	}
	return sum.Total, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapTransactions(rows []Transaction) []wallet.Transaction {
	transactions := make([]wallet.Transaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, wallet.Transaction{
			TransactionID:     row.TransactionID,
			UserID:            row.UserID,
			Amount:            row.Amount,
			Type:              wallet.TransactionType(row.Type),
			Lat:               row.Lat,
			Lng:               row.Lng,
			OccurredAtUnixUTC: row.OccurredAt.Unix(),
			RecordedAtUnixUTC: row.RecordedAt.Unix(),
			IdempotencyKey:    row.IdempotencyKey,
			MetadataJSON:      string(row.Metadata),
		})
	}
	return transactions
}

func mapDailyStat(row DailyStat) wallet.DailyStats {
	return wallet.DailyStats{
		UserID:           row.UserID,
		Date:             row.Date,
		CoinsCollected:   row.CoinsCollected,
		TransactionCount: row.TransactionCount,
		DistanceMeters:   row.DistanceMeters,
	}
}

func mapRedemptionOption(row RedemptionOption) wallet.RedemptionOption {
	return wallet.RedemptionOption{
		OptionID:     row.OptionID,
		Name:         row.Name,
		MinCoins:     row.MinCoins,
		CentsPerCoin: row.CentsPerCoin,
		Active:       row.Active,
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
