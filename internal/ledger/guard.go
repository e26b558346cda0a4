package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/0x0shephard/t4-bot/internal/errors"
)

// DefaultMaxDeviation bounds how far a new index price may move from the previous one
var DefaultMaxDeviation = decimal.RequireFromString("0.20")

// DeviationGuard rejects index prices that jump too far from the previous snapshot
type DeviationGuard struct {
	MaxDeviation decimal.Decimal
}

// Bounds returns the accepted [lower, upper] range around previous
func (g DeviationGuard) Bounds(previous decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	one := decimal.NewFromInt(1)
	return previous.Mul(one.Sub(g.MaxDeviation)), previous.Mul(one.Add(g.MaxDeviation))
}

// Check validates next against previous. A nil previous (first snapshot) or a
// non-positive MaxDeviation always passes.
func (g DeviationGuard) Check(previous *IndexSnapshot, next decimal.Decimal) error {
	if previous == nil || !g.MaxDeviation.IsPositive() {
		return nil
	}

	lower, upper := g.Bounds(previous.IndexPrice)
	if next.LessThan(lower) || next.GreaterThan(upper) {
		return errors.NewAppErrorWithDetails(errors.ErrCodePriceDeviation,
			"index price outside allowed range of previous snapshot",
			"allowed "+lower.StringFixed(PriceScale)+" - "+upper.StringFixed(PriceScale)+", got "+next.String(),
			nil).
			WithContext("previous_id", previous.ID.String()).
			WithContext("previous_price", previous.IndexPrice.String()).
			WithContext("max_deviation", g.MaxDeviation.String())
	}
	return nil
}
