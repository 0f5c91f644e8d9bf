package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RedeemResult reports a created redemption.
type RedeemResult struct {
	RedemptionID string
	NewBalance   int64
}

// Redeem converts balance into a pending reward claim. Preconditions run in
// order: option exists, option active, amount meets the option minimum,
// balance covers the amount. The balance check and the decrement share one
// locked unit of work, so two concurrent redemptions of the same balance
// cannot both succeed.
func (service *Service) Redeem(ctx context.Context, userID UserID, optionID string, amount CoinAmount) (RedeemResult, error) {
	if optionID == "" {
		return RedeemResult{}, fmt.Errorf("%w: empty option id", ErrUnknownOption)
	}
	var result RedeemResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		option, err := transactionStore.GetRedemptionOption(ctx, optionID)
		if err != nil {
			return err
		}
		if !option.Active {
			return ErrOptionUnavailable
		}
		if amount.Int64() < option.MinCoins {
			return fmt.Errorf("%w: %d coins, option minimum %d", ErrBelowMinimum, amount.Int64(), option.MinCoins)
		}
		record, err := transactionStore.GetWalletForUpdate(ctx, userID.String())
		if err != nil {
			return err
		}
		if record.BalanceCoins < amount.Int64() {
			return ErrInsufficientBalance
		}
		record.BalanceCoins -= amount.Int64()
		record.LifetimeRedeemedCoins += amount.Int64()
		if err := transactionStore.SaveWallet(ctx, record); err != nil {
			return err
		}
		redemption := Redemption{
			RedemptionID:     uuid.NewString(),
			UserID:           userID.String(),
			OptionID:         option.OptionID,
			CoinAmount:       amount.Int64(),
			Status:           RedemptionStatusPending,
			DollarValueCents: amount.Int64() * option.CentsPerCoin,
			CreatedUnixUTC:   service.nowFn(),
		}
		if err := transactionStore.InsertRedemption(ctx, redemption); err != nil {
			return err
		}
		result = RedeemResult{RedemptionID: redemption.RedemptionID, NewBalance: record.BalanceCoins}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRedeem,
		UserID:    userID,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return RedeemResult{}, operationError
	}
	return result, nil
}

// ListRedemptionOptions returns the reward catalog.
func (service *Service) ListRedemptionOptions(ctx context.Context) ([]RedemptionOption, error) {
	return service.store.ListRedemptionOptions(ctx)
}
