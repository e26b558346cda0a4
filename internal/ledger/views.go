package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// HistoryWindow is the trailing window of the price-history view
const HistoryWindow = DefaultHistoryDays * 24 * time.Hour

// ComputeLatestPrices projects, per provider name, the row with the greatest timestamp.
// On an exact timestamp tie the first row seen wins. Results are ordered by provider name.
func ComputeLatestPrices(rows []ProviderPrice) []LatestPrice {
	latest := make(map[string]ProviderPrice, len(rows))
	for _, row := range rows {
		cur, ok := latest[row.ProviderName]
		if !ok || row.Timestamp.After(cur.Timestamp) {
			latest[row.ProviderName] = row
		}
	}

	out := make([]LatestPrice, 0, len(latest))
	for _, row := range latest {
		out = append(out, LatestPrice{
			ProviderName:         row.ProviderName,
			ProviderType:         row.ProviderType,
			OriginalPrice:        row.OriginalPrice,
			EffectivePrice:       row.EffectivePrice,
			DiscountRate:         row.DiscountRate,
			WeightedContribution: row.WeightedContribution,
			Timestamp:            row.Timestamp,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderName < out[j].ProviderName })
	return out
}

type historyKey struct {
	provider string
	date     time.Time
}

// ComputePriceHistory averages effective prices per provider and UTC calendar date over the rows whose
// timestamp falls within window of now. Results are ordered by provider, then date descending.
func ComputePriceHistory(rows []ProviderPrice, now time.Time, window time.Duration) []PriceHistoryPoint {
	cutoff := now.Add(-window)

	sums := make(map[historyKey]decimal.Decimal)
	counts := make(map[historyKey]int64)
	for _, row := range rows {
		if row.Timestamp.Before(cutoff) {
			continue
		}
		ts := row.Timestamp.UTC()
		key := historyKey{
			provider: row.ProviderName,
			date:     time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
		}
		sums[key] = sums[key].Add(row.EffectivePrice)
		counts[key]++
	}

	out := make([]PriceHistoryPoint, 0, len(sums))
	for key, sum := range sums {
		n := counts[key]
		out = append(out, PriceHistoryPoint{
			ProviderName: key.provider,
			Date:         key.date,
			AvgPrice:     sum.Div(decimal.NewFromInt(n)),
			DataPoints:   n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderName != out[j].ProviderName {
			return out[i].ProviderName < out[j].ProviderName
		}
		return out[i].Date.After(out[j].Date)
	})
	return out
}
