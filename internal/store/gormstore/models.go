package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet represents the wallets table. One row per user, never deleted.
type Wallet struct {
	UserID                string    `gorm:"primaryKey"`
	BalanceCoins          int64     `gorm:"not null"`
	LifetimeEarnedCoins   int64     `gorm:"not null"`
	LifetimeRedeemedCoins int64     `gorm:"not null"`
	CreatedAt             time.Time `gorm:"not null"`
	UpdatedAt             time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// Transaction mirrors the transactions table. Rows are append-only.
type Transaction struct {
	TransactionID  string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_transactions_user_occurred,priority:1;index:uniq_transaction_idem,unique,priority:1"`
	Amount         int64          `gorm:"not null"`
	Type           string         `gorm:"not null"`
	Lat            float64        `gorm:"not null"`
	Lng            float64        `gorm:"not null"`
	OccurredAt     time.Time      `gorm:"not null;index:idx_transactions_user_occurred,priority:2"`
	RecordedAt     time.Time      `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;index:uniq_transaction_idem,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"not null"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// DailyStat mirrors the daily_stats table, keyed by (user_id, date).
type DailyStat struct {
	UserID           string    `gorm:"primaryKey"`
	Date             string    `gorm:"primaryKey"`
	CoinsCollected   int64     `gorm:"not null"`
	TransactionCount int64     `gorm:"not null"`
	DistanceMeters   float64   `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// RedemptionOption mirrors the redemption_options catalog table.
type RedemptionOption struct {
	OptionID     string `gorm:"primaryKey"`
	Name         string `gorm:"not null"`
	MinCoins     int64  `gorm:"not null"`
	CentsPerCoin int64  `gorm:"not null"`
	Active       bool   `gorm:"not null"`
}

func (RedemptionOption) TableName() string { return "redemption_options" }

// Redemption mirrors the redemptions table.
type Redemption struct {
	RedemptionID     string    `gorm:"type:uuid;primaryKey"`
	UserID           string    `gorm:"not null;index:idx_redemptions_user_status,priority:1"`
	OptionID         string    `gorm:"not null"`
	CoinAmount       int64     `gorm:"not null"`
	Status           string    `gorm:"not null;index:idx_redemptions_user_status,priority:2"`
	DollarValueCents int64     `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
}

func (Redemption) TableName() string { return "redemptions" }

func (redemption *Redemption) BeforeCreate(tx *gorm.DB) error {
	if redemption.RedemptionID == "" {
		redemption.RedemptionID = uuid.NewString()
	}
	return nil
}

// Migrate creates or updates the schema for all store tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Wallet{}, &Transaction{}, &DailyStat{}, &RedemptionOption{}, &Redemption{})
}
