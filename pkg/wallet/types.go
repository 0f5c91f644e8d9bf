package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// CoinAmount is an integer amount in the smallest currency unit ("coin").
type CoinAmount int64

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for a submitted event.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary client-supplied event metadata.
type MetadataJSON struct {
	value string
}

// TransactionType enumerates how coins were earned.
type TransactionType string

const (
	TransactionCollect  TransactionType = "collect"
	TransactionBonus    TransactionType = "bonus"
	TransactionReferral TransactionType = "referral"
)

// RedemptionStatus defines the redemption lifecycle.
type RedemptionStatus string

const (
	RedemptionStatusPending   RedemptionStatus = "pending"
	RedemptionStatusFulfilled RedemptionStatus = "fulfilled"
	RedemptionStatusFailed    RedemptionStatus = "failed"
)

// dateLayout is the calendar-day key used by daily stats.
const dateLayout = "2006-01-02"

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCoinAmount validates an amount and ensures it is strictly positive.
func NewCoinAmount(raw int64) (CoinAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return CoinAmount(raw), nil
}

// Int64 returns the raw coin count.
func (amount CoinAmount) Int64() int64 {
	return int64(amount)
}

// ParseTransactionType validates a transaction type string.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.ToLower(strings.TrimSpace(raw))) {
	case TransactionCollect:
		return TransactionCollect, nil
	case TransactionBonus:
		return TransactionBonus, nil
	case TransactionReferral:
		return TransactionReferral, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the type name.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Location is a validated WGS84 coordinate pair.
type Location struct {
	lat float64
	lng float64
}

// NewLocation validates coordinate ranges (lat in [-90,90], lng in [-180,180]).
// Non-finite values are rejected; NaN compares false against every bound and
// would otherwise poison the distance math downstream.
func NewLocation(lat float64, lng float64) (Location, error) {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return Location{}, fmt.Errorf("%w: latitude %v out of range", ErrInvalidLocation, lat)
	}
	if math.IsNaN(lng) || math.IsInf(lng, 0) || lng < -180 || lng > 180 {
		return Location{}, fmt.Errorf("%w: longitude %v out of range", ErrInvalidLocation, lng)
	}
	return Location{lat: lat, lng: lng}, nil
}

// ParseLocation parses a "lat,lng" pair.
func ParseLocation(raw string) (Location, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 2 {
		return Location{}, fmt.Errorf("%w: expected \"lat,lng\", got %q", ErrInvalidLocation, raw)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Location{}, fmt.Errorf("%w: latitude %q", ErrInvalidLocation, parts[0])
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Location{}, fmt.Errorf("%w: longitude %q", ErrInvalidLocation, parts[1])
	}
	return NewLocation(lat, lng)
}

// Lat returns the latitude in degrees.
func (location Location) Lat() float64 {
	return location.lat
}

// Lng returns the longitude in degrees.
func (location Location) Lng() float64 {
	return location.lng
}

// String renders the coordinate as "lat,lng".
func (location Location) String() string {
	return strconv.FormatFloat(location.lat, 'f', -1, 64) + "," + strconv.FormatFloat(location.lng, 'f', -1, 64)
}

// CollectionEvent is a candidate coin collection submitted by a client.
type CollectionEvent struct {
	UserID            UserID
	Amount            CoinAmount
	Type              TransactionType
	OccurredAtUnixUTC int64
	Location          Location
	IdempotencyKey    IdempotencyKey
	Metadata          MetadataJSON
}

// NewCollectionEvent assembles and validates a candidate event.
func NewCollectionEvent(userID UserID, amount CoinAmount, transactionType TransactionType, occurredAtUnixUTC int64, location Location, idempotencyKey IdempotencyKey, metadata MetadataJSON) (CollectionEvent, error) {
	if occurredAtUnixUTC <= 0 {
		return CollectionEvent{}, fmt.Errorf("%w: occurred_at must be set", ErrInvalidTimestamp)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return CollectionEvent{}, err
	}
	return CollectionEvent{
		UserID:            userID,
		Amount:            amount,
		Type:              transactionType,
		OccurredAtUnixUTC: occurredAtUnixUTC,
		Location:          location,
		IdempotencyKey:    idempotencyKey,
		Metadata:          metadata,
	}, nil
}

// Day returns the event's calendar day key in UTC.
func (event CollectionEvent) Day() string {
	return time.Unix(event.OccurredAtUnixUTC, 0).UTC().Format(dateLayout)
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	TransactionID     string
	UserID            string
	Amount            int64
	Type              TransactionType
	Lat               float64
	Lng               float64
	OccurredAtUnixUTC int64
	RecordedAtUnixUTC int64
	IdempotencyKey    string
	MetadataJSON      string
}

// WalletRecord is the authoritative per-user balance row.
type WalletRecord struct {
	UserID                string
	BalanceCoins          int64
	LifetimeEarnedCoins   int64
	LifetimeRedeemedCoins int64
}

// WalletBalance is the balance view returned to callers.
type WalletBalance struct {
	BalanceCoins           int64
	LifetimeEarnedCoins    int64
	LifetimeRedeemedCoins  int64
	PendingRedemptionCoins int64
}

// RedemptionOption is a catalog entry owned by an external collaborator.
type RedemptionOption struct {
	OptionID     string
	Name         string
	MinCoins     int64
	CentsPerCoin int64
	Active       bool
}

// Redemption records one redemption attempt.
type Redemption struct {
	RedemptionID     string
	UserID           string
	OptionID         string
	CoinAmount       int64
	Status           RedemptionStatus
	DollarValueCents int64
	CreatedUnixUTC   int64
}

// DailyStats is the per-user, per-day rollup derived from the ledger.
type DailyStats struct {
	UserID           string
	Date             string
	CoinsCollected   int64
	TransactionCount int64
	DistanceMeters   float64
}

// EarningsSummary aggregates daily stats over an inclusive date range.
type EarningsSummary struct {
	FromDate         string
	ToDate           string
	CoinsCollected   int64
	TransactionCount int64
	DistanceMeters   float64
	ActiveDays       int
}

// ParseDate validates a calendar-day key.
func ParseDate(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if _, err := time.Parse(dateLayout, trimmed); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return trimmed, nil
}

// Store is the persistence contract used by Service.
// (gormstore implements this already.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetWalletForUpdate(ctx context.Context, userID string) (WalletRecord, error)
	SaveWallet(ctx context.Context, wallet WalletRecord) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListRecentTransactions(ctx context.Context, userID string, sinceUnixUTC int64, untilUnixUTC int64) ([]Transaction, error)
	ListTransactions(ctx context.Context, userID string, offset int, limit int, typeFilter string) ([]Transaction, int64, error)
	UpsertDailyStats(ctx context.Context, userID string, date string, coins int64, transactions int64, distanceMeters float64) error
	GetDailyStats(ctx context.Context, userID string, date string) (DailyStats, error)
	ListDailyStats(ctx context.Context, userID string, fromDate string, toDate string) ([]DailyStats, error)
	GetRedemptionOption(ctx context.Context, optionID string) (RedemptionOption, error)
	ListRedemptionOptions(ctx context.Context) ([]RedemptionOption, error)
	InsertRedemption(ctx context.Context, redemption Redemption) error
	SumPendingRedemptions(ctx context.Context, userID string) (int64, error)
}
