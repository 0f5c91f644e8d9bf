package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/wanderbit/coinwallet/pkg/geo"
)

// RejectionReason is a machine-readable fraud rejection code.
type RejectionReason string

const (
	ReasonInvalidAmount           RejectionReason = "invalid_amount"
	ReasonTransactionRateExceeded RejectionReason = "transaction_rate_exceeded"
	ReasonCoinRateExceeded        RejectionReason = "coin_rate_exceeded"
	ReasonInvalidMovement         RejectionReason = "invalid_movement"
	ReasonMovementRequired        RejectionReason = "movement_required"
)

// ErrFraudRejected is the family root for all fraud rejections.
var ErrFraudRejected = errors.New("fraud rejected")

// FraudError reports a rejected event with its reason.
type FraudError struct {
	Reason RejectionReason
}

// Error returns the formatted rejection message.
func (fraudError *FraudError) Error() string {
	return fmt.Sprintf("fraud rejected: %s", fraudError.Reason)
}

// Unwrap ties every rejection to ErrFraudRejected for errors.Is matching.
func (fraudError *FraudError) Unwrap() error {
	return ErrFraudRejected
}

// Validator evaluates fraud rules against a candidate event and the user's
// recent history. Stateless; thresholds bound plausible on-foot play.
type Validator struct {
	HistoryWindow            time.Duration
	MaxTransactionsPerWindow int
	MaxCoinsPerWindow        int64
	MaxSpeedMetersPerSecond  float64
	MinMovementMeters        float64
	FarmingTransactionLimit  int
	MaxEventAmount           int64
}

// NewValidator returns a Validator with production thresholds.
func NewValidator() *Validator {
	return &Validator{
		HistoryWindow:            60 * time.Second,
		MaxTransactionsPerWindow: 20,
		MaxCoinsPerWindow:        500,
		MaxSpeedMetersPerSecond:  15,
		MinMovementMeters:        1,
		FarmingTransactionLimit:  5,
		MaxEventAmount:           100,
	}
}

// Check returns nil on accept or a *FraudError on reject. recent must hold the
// user's transactions occurring within the event's trailing history window,
// ordered most-recent-first. Rules run cheapest-first; the first failing rule wins.
func (validator *Validator) Check(event CollectionEvent, recent []Transaction) error {
	if event.Amount.Int64() <= 0 || event.Amount.Int64() > validator.MaxEventAmount {
		return &FraudError{Reason: ReasonInvalidAmount}
	}
	if len(recent) >= validator.MaxTransactionsPerWindow {
		return &FraudError{Reason: ReasonTransactionRateExceeded}
	}
	var windowCoins int64
	for _, transaction := range recent {
		windowCoins += transaction.Amount
	}
	if windowCoins+event.Amount.Int64() > validator.MaxCoinsPerWindow {
		return &FraudError{Reason: ReasonCoinRateExceeded}
	}
	if len(recent) == 0 {
		return nil
	}
	// Speed check compares only the single most recent prior transaction.
	last := recent[0]
	distanceMeters := geo.DistanceMeters(last.Lat, last.Lng, event.Location.Lat(), event.Location.Lng())
	timeDiffSeconds := event.OccurredAtUnixUTC - last.RecordedAtUnixUTC
	if timeDiffSeconds > 0 && distanceMeters/float64(timeDiffSeconds) > validator.MaxSpeedMetersPerSecond {
		return &FraudError{Reason: ReasonInvalidMovement}
	}
	if distanceMeters < validator.MinMovementMeters && len(recent) > validator.FarmingTransactionLimit {
		return &FraudError{Reason: ReasonMovementRequired}
	}
	return nil
}

// WindowSeconds returns the history window in whole seconds.
func (validator *Validator) WindowSeconds() int64 {
	return int64(validator.HistoryWindow / time.Second)
}
