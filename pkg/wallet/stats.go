package wallet

import (
	"context"
	"fmt"
)

// DailyStats returns the rollup for one calendar day. A day with no accepted
// transactions yields a zero-valued row, not an error.
func (service *Service) DailyStats(ctx context.Context, userID UserID, date string) (DailyStats, error) {
	day, err := ParseDate(date)
	if err != nil {
		return DailyStats{}, err
	}
	stats, err := service.store.GetDailyStats(ctx, userID.String(), day)
	if err != nil {
		return DailyStats{}, err
	}
	return stats, nil
}

// EarningsSummary aggregates daily rollups over an inclusive date range.
func (service *Service) EarningsSummary(ctx context.Context, userID UserID, fromDate string, toDate string) (EarningsSummary, error) {
	from, err := ParseDate(fromDate)
	if err != nil {
		return EarningsSummary{}, err
	}
	to, err := ParseDate(toDate)
	if err != nil {
		return EarningsSummary{}, err
	}
	if from > to {
		return EarningsSummary{}, fmt.Errorf("%w: range %s..%s is inverted", ErrInvalidDate, from, to)
	}
	rows, err := service.store.ListDailyStats(ctx, userID.String(), from, to)
	if err != nil {
		return EarningsSummary{}, err
	}
	summary := EarningsSummary{FromDate: from, ToDate: to}
	for _, row := range rows {
		summary.CoinsCollected += row.CoinsCollected
		summary.TransactionCount += row.TransactionCount
		summary.DistanceMeters += row.DistanceMeters
		summary.ActiveDays++
	}
	return summary, nil
}
