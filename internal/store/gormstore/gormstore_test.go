package gormstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/wanderbit/coinwallet/pkg/wallet"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "wallet.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	// Single connection: concurrent transactions queue instead of failing
	// with a busy database error.
	sqlDB.SetMaxOpenConns(1)
	return New(db)
}

func newTestService(test *testing.T, store *Store, clock func() int64) *wallet.Service {
	test.Helper()
	service, err := wallet.NewService(store, clock)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) wallet.UserID {
	test.Helper()
	userID, err := wallet.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func buildEvent(test *testing.T, userID wallet.UserID, amount int64, occurredAtUnixUTC int64, lat float64, lng float64, idempotencyKey string) wallet.CollectionEvent {
	test.Helper()
	coinAmount, err := wallet.NewCoinAmount(amount)
	if err != nil {
		test.Fatalf("coin amount: %v", err)
	}
	location, err := wallet.NewLocation(lat, lng)
	if err != nil {
		test.Fatalf("location: %v", err)
	}
	key, err := wallet.NewIdempotencyKey(idempotencyKey)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	metadata, err := wallet.NewMetadataJSON(`{"coin_id":"c-42"}`)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	event, err := wallet.NewCollectionEvent(userID, coinAmount, wallet.TransactionCollect, occurredAtUnixUTC, location, key, metadata)
	if err != nil {
		test.Fatalf("event: %v", err)
	}
	return event
}

func TestStoreSubmitFlow(test *testing.T) {
	test.Parallel()

	store := newTestStore(test)
	now := int64(1_700_000_000)
	service := newTestService(test, store, func() int64 { return now })
	userID := mustUserID(test, "user-1")
	ctx := context.Background()

	result, err := service.Submit(ctx, buildEvent(test, userID, 10, now, 37.0, -122.0, "key-1"))
	if err != nil {
		test.Fatalf("submit: %v", err)
	}
	if result.NewBalance != 10 {
		test.Fatalf("expected balance 10, got %d", result.NewBalance)
	}

	balance, err := service.Balance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.BalanceCoins != 10 || balance.LifetimeEarnedCoins != 10 {
		test.Fatalf("unexpected balance view %+v", balance)
	}

	history, total, err := service.History(ctx, userID, 1, 10, "")
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if total != 1 || len(history) != 1 {
		test.Fatalf("expected single ledger row, got %d (total %d)", len(history), total)
	}
	row := history[0]
	if row.TransactionID != result.TransactionID {
		test.Fatalf("expected transaction %q, got %q", result.TransactionID, row.TransactionID)
	}
	if row.MetadataJSON != `{"coin_id":"c-42"}` {
		test.Fatalf("unexpected metadata %q", row.MetadataJSON)
	}
	if row.RecordedAtUnixUTC != now {
		test.Fatalf("expected recorded_at %d, got %d", now, row.RecordedAtUnixUTC)
	}

	stats, err := service.DailyStats(ctx, userID, "2023-11-14")
	if err != nil {
		test.Fatalf("daily stats: %v", err)
	}
	if stats.CoinsCollected != 10 || stats.TransactionCount != 1 {
		test.Fatalf("unexpected stats %+v", stats)
	}
}

func TestStoreDuplicateIdempotencyKey(test *testing.T) {
	test.Parallel()

	store := newTestStore(test)
	ctx := context.Background()
	transaction := wallet.Transaction{
		TransactionID:     "11111111-1111-1111-1111-111111111111",
		UserID:            "user-1",
		Amount:            10,
		Type:              wallet.TransactionCollect,
		OccurredAtUnixUTC: 1_700_000_000,
		RecordedAtUnixUTC: 1_700_000_000,
		IdempotencyKey:    "key-1",
		MetadataJSON:      "{}",
	}
	if err := store.InsertTransaction(ctx, transaction); err != nil {
		test.Fatalf("first insert: %v", err)
	}

	replay := transaction
	replay.TransactionID = "22222222-2222-2222-2222-222222222222"
	if err := store.InsertTransaction(ctx, replay); !errors.Is(err, wallet.ErrDuplicateTransaction) {
		test.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}

	// The key is scoped per user: another user may reuse it.
	otherUser := transaction
	otherUser.TransactionID = "33333333-3333-3333-3333-333333333333"
	otherUser.UserID = "user-2"
	if err := store.InsertTransaction(ctx, otherUser); err != nil {
		test.Fatalf("cross-user insert: %v", err)
	}
}

func TestStoreListRecentTransactionsWindowsByOccurrence(test *testing.T) {
	test.Parallel()

	store := newTestStore(test)
	ctx := context.Background()
	recordedAt := int64(1_700_000_000)
	for index, occurredAt := range []int64{1_699_990_000, 1_699_990_100, 1_699_990_200} {
		transaction := wallet.Transaction{
			TransactionID:     fmt.Sprintf("00000000-0000-0000-0000-00000000000%d", index),
			UserID:            "user-1",
			Amount:            10,
			Type:              wallet.TransactionCollect,
			OccurredAtUnixUTC: occurredAt,
			RecordedAtUnixUTC: recordedAt,
			IdempotencyKey:    fmt.Sprintf("key-%d", index),
			MetadataJSON:      "{}",
		}
		if err := store.InsertTransaction(ctx, transaction); err != nil {
			test.Fatalf("insert %d: %v", index, err)
		}
	}

	// Rows recorded later than the window still qualify only by when they
	// occurred; both window bounds are inclusive.
	rows, err := store.ListRecentTransactions(ctx, "user-1", 1_699_990_040, 1_699_990_100)
	if err != nil {
		test.Fatalf("list window: %v", err)
	}
	if len(rows) != 1 || rows[0].OccurredAtUnixUTC != 1_699_990_100 {
		test.Fatalf("expected the single in-window row, got %+v", rows)
	}

	rows, err = store.ListRecentTransactions(ctx, "user-1", 1_699_989_000, 1_699_991_000)
	if err != nil {
		test.Fatalf("list full range: %v", err)
	}
	if len(rows) != 3 || rows[0].OccurredAtUnixUTC != 1_699_990_200 || rows[2].OccurredAtUnixUTC != 1_699_990_000 {
		test.Fatalf("expected 3 rows newest occurrence first, got %+v", rows)
	}
}

func TestStoreUpsertDailyStatsAccumulates(test *testing.T) {
	test.Parallel()

	store := newTestStore(test)
	ctx := context.Background()

	if err := store.UpsertDailyStats(ctx, "user-1", "2026-08-29", 10, 1, 120.5); err != nil {
		test.Fatalf("first upsert: %v", err)
	}
	if err := store.UpsertDailyStats(ctx, "user-1", "2026-08-29", 5, 1, 79.5); err != nil {
		test.Fatalf("second upsert: %v", err)
	}

	stats, err := store.GetDailyStats(ctx, "user-1", "2026-08-29")
	if err != nil {
		test.Fatalf("get stats: %v", err)
	}
	if stats.CoinsCollected != 15 || stats.TransactionCount != 2 || stats.DistanceMeters != 200 {
		test.Fatalf("unexpected accumulated stats %+v", stats)
	}

	missing, err := store.GetDailyStats(ctx, "user-1", "2026-08-30")
	if err != nil {
		test.Fatalf("get missing stats: %v", err)
	}
	if missing.CoinsCollected != 0 || missing.TransactionCount != 0 {
		test.Fatalf("expected zero row for empty day, got %+v", missing)
	}
}

func TestStoreListDailyStatsRange(test *testing.T) {
	test.Parallel()

	store := newTestStore(test)
	ctx := context.Background()
	for _, day := range []string{"2026-08-01", "2026-08-15", "2026-09-01"} {
		if err := store.UpsertDailyStats(ctx, "user-1", day, 10, 1, 100); err != nil {
			test.Fatalf("upsert %s: %v", day, err)
		}
	}

	rows, err := store.ListDailyStats(ctx, "user-1", "2026-08-01", "2026-08-31")
	if err != nil {
		test.Fatalf("list stats: %v", err)
	}
	if len(rows) != 2 {
		test.Fatalf("expected 2 rows in range, got %d", len(rows))
	}
	if rows[0].Date != "2026-08-01" || rows[1].Date != "2026-08-15" {
		test.Fatalf("expected ascending dates, got %+v", rows)
	}
}

func TestStoreWalletLazyCreateAndSave(test *testing.T) {
	test.Parallel()

	store := newTestStore(test)
	ctx := context.Background()

	record, err := store.GetWalletForUpdate(ctx, "user-1")
	if err != nil {
		test.Fatalf("lazy create: %v", err)
	}
	if record.BalanceCoins != 0 {
		test.Fatalf("expected zero balance, got %+v", record)
	}

	record.BalanceCoins = 25
	record.LifetimeEarnedCoins = 25
	if err := store.SaveWallet(ctx, record); err != nil {
		test.Fatalf("save: %v", err)
	}

	reloaded, err := store.GetWalletForUpdate(ctx, "user-1")
	if err != nil {
		test.Fatalf("reload: %v", err)
	}
	if reloaded.BalanceCoins != 25 || reloaded.LifetimeEarnedCoins != 25 {
		test.Fatalf("unexpected reloaded record %+v", reloaded)
	}
}

func TestStoreRedemptionCatalogAndPendingSum(test *testing.T) {
	test.Parallel()

	store := newTestStore(test)
	ctx := context.Background()
	if err := store.db.Create(&RedemptionOption{OptionID: "giftcard-5", Name: "$5 Gift Card", MinCoins: 500, CentsPerCoin: 1, Active: true}).Error; err != nil {
		test.Fatalf("seed option: %v", err)
	}

	option, err := store.GetRedemptionOption(ctx, "giftcard-5")
	if err != nil {
		test.Fatalf("get option: %v", err)
	}
	if option.MinCoins != 500 || !option.Active {
		test.Fatalf("unexpected option %+v", option)
	}

	if _, err := store.GetRedemptionOption(ctx, "no-such-option"); !errors.Is(err, wallet.ErrUnknownOption) {
		test.Fatalf("expected ErrUnknownOption, got %v", err)
	}

	redemptions := []wallet.Redemption{
		{RedemptionID: "11111111-1111-1111-1111-111111111111", UserID: "user-1", OptionID: "giftcard-5", CoinAmount: 500, Status: wallet.RedemptionStatusPending, DollarValueCents: 500, CreatedUnixUTC: 1_700_000_000},
		{RedemptionID: "22222222-2222-2222-2222-222222222222", UserID: "user-1", OptionID: "giftcard-5", CoinAmount: 600, Status: wallet.RedemptionStatusFulfilled, DollarValueCents: 600, CreatedUnixUTC: 1_700_000_100},
		{RedemptionID: "33333333-3333-3333-3333-333333333333", UserID: "user-2", OptionID: "giftcard-5", CoinAmount: 700, Status: wallet.RedemptionStatusPending, DollarValueCents: 700, CreatedUnixUTC: 1_700_000_200},
	}
	for _, redemption := range redemptions {
		if err := store.InsertRedemption(ctx, redemption); err != nil {
			test.Fatalf("insert redemption: %v", err)
		}
	}

	pending, err := store.SumPendingRedemptions(ctx, "user-1")
	if err != nil {
		test.Fatalf("sum pending: %v", err)
	}
	if pending != 500 {
		test.Fatalf("expected 500 pending coins, got %d", pending)
	}
}

func TestStoreWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()

	store := newTestStore(test)
	ctx := context.Background()
	rollbackTrigger := errors.New("rollback trigger")

	err := store.WithTx(ctx, func(ctx context.Context, txStore wallet.Store) error {
		transaction := wallet.Transaction{
			TransactionID:     "11111111-1111-1111-1111-111111111111",
			UserID:            "user-1",
			Amount:            10,
			Type:              wallet.TransactionCollect,
			OccurredAtUnixUTC: 1_700_000_000,
			RecordedAtUnixUTC: 1_700_000_000,
			IdempotencyKey:    "key-1",
			MetadataJSON:      "{}",
		}
		if err := txStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		return rollbackTrigger
	})
	if !errors.Is(err, rollbackTrigger) {
		test.Fatalf("expected rollback trigger, got %v", err)
	}

	rows, err := store.ListRecentTransactions(ctx, "user-1", 0, 2_000_000_000)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		test.Fatalf("expected rolled back insert, got %d rows", len(rows))
	}
}

func TestStoreSequentialRedeemDrain(test *testing.T) {
	test.Parallel()

	store := newTestStore(test)
	now := int64(1_700_000_000)
	service := newTestService(test, store, func() int64 { return now })
	userID := mustUserID(test, "user-1")
	ctx := context.Background()

	if err := store.db.Create(&RedemptionOption{OptionID: "giftcard-5", Name: "$5 Gift Card", MinCoins: 500, CentsPerCoin: 1, Active: true}).Error; err != nil {
		test.Fatalf("seed option: %v", err)
	}

	// Earn 700 coins across a spread of submissions.
	for index := 0; index < 7; index++ {
		now += 120
		event := buildEvent(test, userID, 100, now, 37.0+float64(index)*0.01, -122.0, "key-"+string(rune('a'+index)))
		if _, err := service.Submit(ctx, event); err != nil {
			test.Fatalf("submit %d: %v", index, err)
		}
	}

	first, err := service.Redeem(ctx, userID, "giftcard-5", mustCoinAmount(test, 500))
	if err != nil {
		test.Fatalf("first redeem: %v", err)
	}
	if first.NewBalance != 200 {
		test.Fatalf("expected balance 200, got %d", first.NewBalance)
	}

	if _, err := service.Redeem(ctx, userID, "giftcard-5", mustCoinAmount(test, 500)); !errors.Is(err, wallet.ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	balance, err := service.Balance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.BalanceCoins != 200 || balance.LifetimeRedeemedCoins != 500 || balance.PendingRedemptionCoins != 500 {
		test.Fatalf("unexpected balance view %+v", balance)
	}
	if balance.BalanceCoins != balance.LifetimeEarnedCoins-balance.LifetimeRedeemedCoins {
		test.Fatalf("balance accounting identity violated: %+v", balance)
	}
}

func TestStoreConcurrentFullBalanceRedemptions(test *testing.T) {
	test.Parallel()

	store := newTestStore(test)
	now := int64(1_700_000_000)
	service := newTestService(test, store, func() int64 { return now })
	userID := mustUserID(test, "user-1")
	ctx := context.Background()

	if err := store.db.Create(&RedemptionOption{OptionID: "giftcard-5", Name: "$5 Gift Card", MinCoins: 500, CentsPerCoin: 1, Active: true}).Error; err != nil {
		test.Fatalf("seed option: %v", err)
	}
	record, err := store.GetWalletForUpdate(ctx, userID.String())
	if err != nil {
		test.Fatalf("wallet create: %v", err)
	}
	record.BalanceCoins = 500
	record.LifetimeEarnedCoins = 500
	if err := store.SaveWallet(ctx, record); err != nil {
		test.Fatalf("wallet seed: %v", err)
	}

	fullBalance := mustCoinAmount(test, 500)
	results := make(chan error, 2)
	var waitGroup sync.WaitGroup
	for attempt := 0; attempt < 2; attempt++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Redeem(ctx, userID, "giftcard-5", fullBalance)
			results <- err
		}()
	}
	waitGroup.Wait()
	close(results)

	var succeeded, insufficient int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, wallet.ErrInsufficientBalance):
			insufficient++
		default:
			test.Fatalf("unexpected redeem error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		test.Fatalf("expected exactly one success and one insufficient balance, got %d/%d", succeeded, insufficient)
	}

	balance, err := service.Balance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.BalanceCoins != 0 {
		test.Fatalf("expected drained balance, got %+v", balance)
	}
	if balance.LifetimeRedeemedCoins != 500 || balance.PendingRedemptionCoins != 500 {
		test.Fatalf("expected a single 500 coin redemption, got %+v", balance)
	}

	pending, err := store.SumPendingRedemptions(ctx, userID.String())
	if err != nil {
		test.Fatalf("sum pending: %v", err)
	}
	if pending != 500 {
		test.Fatalf("expected one pending redemption row, got %d coins", pending)
	}
}

func mustCoinAmount(test *testing.T, raw int64) wallet.CoinAmount {
	test.Helper()
	amount, err := wallet.NewCoinAmount(raw)
	if err != nil {
		test.Fatalf("coin amount %d: %v", raw, err)
	}
	return amount
}
