package wallet

import (
	"context"
	"sort"
	"testing"
)

// stubStore is an in-memory Store with injectable per-call failures. WithTx
// runs the callback directly; rollback behavior is covered by the gormstore
// tests against a real database.
type stubStore struct {
	wallets         map[string]WalletRecord
	transactions    []Transaction
	dailyStats      map[string]DailyStats
	options         map[string]RedemptionOption
	redemptions     []Redemption
	idempotencyKeys map[string]bool

	getWalletError               error
	saveWalletError              error
	insertTransactionError       error
	insertTransactionErrorAtCall int
	insertTransactionCalls       int
	listRecentError              error
	listTransactionsError        error
	upsertStatsError             error
	getStatsError                error
	listStatsError               error
	getOptionError               error
	listOptionsError             error
	insertRedemptionError        error
	sumPendingError              error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		wallets:         map[string]WalletRecord{},
		dailyStats:      map[string]DailyStats{},
		options:         map[string]RedemptionOption{},
		idempotencyKeys: map[string]bool{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetWalletForUpdate(_ context.Context, userID string) (WalletRecord, error) {
	if store.getWalletError != nil {
		return WalletRecord{}, store.getWalletError
	}
	record, ok := store.wallets[userID]
	if !ok {
		record = WalletRecord{UserID: userID}
		store.wallets[userID] = record
	}
	return record, nil
}

func (store *stubStore) SaveWallet(_ context.Context, record WalletRecord) error {
	if store.saveWalletError != nil {
		return store.saveWalletError
	}
	store.wallets[record.UserID] = record
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	store.insertTransactionCalls++
	if store.insertTransactionError != nil {
		if store.insertTransactionErrorAtCall == 0 || store.insertTransactionCalls == store.insertTransactionErrorAtCall {
			return store.insertTransactionError
		}
	}
	dedupeKey := transaction.UserID + "|" + transaction.IdempotencyKey
	if store.idempotencyKeys[dedupeKey] {
		return ErrDuplicateTransaction
	}
	store.idempotencyKeys[dedupeKey] = true
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) ListRecentTransactions(_ context.Context, userID string, sinceUnixUTC int64, untilUnixUTC int64) ([]Transaction, error) {
	if store.listRecentError != nil {
		return nil, store.listRecentError
	}
	var matched []Transaction
	for _, transaction := range store.transactions {
		if transaction.UserID == userID && transaction.OccurredAtUnixUTC >= sinceUnixUTC && transaction.OccurredAtUnixUTC <= untilUnixUTC {
			matched = append(matched, transaction)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].OccurredAtUnixUTC > matched[j].OccurredAtUnixUTC
	})
	return matched, nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID string, offset int, limit int, typeFilter string) ([]Transaction, int64, error) {
	if store.listTransactionsError != nil {
		return nil, 0, store.listTransactionsError
	}
	var matched []Transaction
	for _, transaction := range store.transactions {
		if transaction.UserID != userID {
			continue
		}
		if typeFilter != "" && transaction.Type.String() != typeFilter {
			continue
		}
		matched = append(matched, transaction)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].RecordedAtUnixUTC > matched[j].RecordedAtUnixUTC
	})
	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (store *stubStore) UpsertDailyStats(_ context.Context, userID string, date string, coins int64, transactions int64, distanceMeters float64) error {
	if store.upsertStatsError != nil {
		return store.upsertStatsError
	}
	key := userID + "|" + date
	row := store.dailyStats[key]
	row.UserID = userID
	row.Date = date
	row.CoinsCollected += coins
	row.TransactionCount += transactions
	row.DistanceMeters += distanceMeters
	store.dailyStats[key] = row
	return nil
}

func (store *stubStore) GetDailyStats(_ context.Context, userID string, date string) (DailyStats, error) {
	if store.getStatsError != nil {
		return DailyStats{}, store.getStatsError
	}
	row, ok := store.dailyStats[userID+"|"+date]
	if !ok {
		return DailyStats{UserID: userID, Date: date}, nil
	}
	return row, nil
}

func (store *stubStore) ListDailyStats(_ context.Context, userID string, fromDate string, toDate string) ([]DailyStats, error) {
	if store.listStatsError != nil {
		return nil, store.listStatsError
	}
	var matched []DailyStats
	for _, row := range store.dailyStats {
		if row.UserID == userID && row.Date >= fromDate && row.Date <= toDate {
			matched = append(matched, row)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Date < matched[j].Date })
	return matched, nil
}

func (store *stubStore) GetRedemptionOption(_ context.Context, optionID string) (RedemptionOption, error) {
	if store.getOptionError != nil {
		return RedemptionOption{}, store.getOptionError
	}
	option, ok := store.options[optionID]
	if !ok {
		return RedemptionOption{}, WrapError("store", "option", "get", ErrUnknownOption)
	}
	return option, nil
}

func (store *stubStore) ListRedemptionOptions(_ context.Context) ([]RedemptionOption, error) {
	if store.listOptionsError != nil {
		return nil, store.listOptionsError
	}
	var options []RedemptionOption
	for _, option := range store.options {
		options = append(options, option)
	}
	sort.SliceStable(options, func(i, j int) bool { return options[i].MinCoins < options[j].MinCoins })
	return options, nil
}

func (store *stubStore) InsertRedemption(_ context.Context, redemption Redemption) error {
	if store.insertRedemptionError != nil {
		return store.insertRedemptionError
	}
	store.redemptions = append(store.redemptions, redemption)
	return nil
}

func (store *stubStore) SumPendingRedemptions(_ context.Context, userID string) (int64, error) {
	if store.sumPendingError != nil {
		return 0, store.sumPendingError
	}
	var total int64
	for _, redemption := range store.redemptions {
		if redemption.UserID == userID && redemption.Status == RedemptionStatusPending {
			total += redemption.CoinAmount
		}
	}
	return total, nil
}

type fakeClock struct {
	now int64
}

func (clock *fakeClock) Now() int64 {
	return clock.now
}

func mustNewService(test *testing.T, store Store, clock *fakeClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustCoinAmount(test *testing.T, raw int64) CoinAmount {
	test.Helper()
	amount, err := NewCoinAmount(raw)
	if err != nil {
		test.Fatalf("coin amount %d: %v", raw, err)
	}
	return amount
}

func mustLocation(test *testing.T, lat float64, lng float64) Location {
	test.Helper()
	location, err := NewLocation(lat, lng)
	if err != nil {
		test.Fatalf("location %v,%v: %v", lat, lng, err)
	}
	return location
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func mustEvent(test *testing.T, userID UserID, amount int64, occurredAtUnixUTC int64, lat float64, lng float64, idempotencyKey string) CollectionEvent {
	test.Helper()
	event, err := NewCollectionEvent(
		userID,
		mustCoinAmount(test, amount),
		TransactionCollect,
		occurredAtUnixUTC,
		mustLocation(test, lat, lng),
		mustIdempotencyKey(test, idempotencyKey),
		mustMetadata(test, "{}"),
	)
	if err != nil {
		test.Fatalf("event: %v", err)
	}
	return event
}
