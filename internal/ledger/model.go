package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Table names as they exist in Postgres
const (
	IndexTable         = "t4_index_prices"
	ProviderTable      = "t4_provider_prices"
	LatestPricesView   = "t4_latest_provider_prices"
	PriceHistoryView   = "t4_provider_price_history"
	DefaultHistoryDays = 30
)

// Column scales of the NUMERIC columns. The in-memory store rounds to the same scale Postgres keeps.
const (
	PriceScale       int32 = 4
	WeightScale      int32 = 6
	NumericPrecision int32 = 10
)

// ProviderType is the category a provider contributes to
type ProviderType string

const (
	ProviderTypeHyperscaler ProviderType = "hyperscaler"
	ProviderTypeNeocloud    ProviderType = "neocloud"
)

// Valid reports whether t is one of the two allowed categories
func (t ProviderType) Valid() bool {
	return t == ProviderTypeHyperscaler || t == ProviderTypeNeocloud
}

// ParseProviderType normalizes a category name
func ParseProviderType(s string) (ProviderType, error) {
	t := ProviderType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("invalid provider type %q", s)
	}
	return t, nil
}

// IndexSnapshot is one row of t4_index_prices
type IndexSnapshot struct {
	ID                   uuid.UUID           `json:"id"`
	Timestamp            time.Time           `json:"timestamp"`
	CreatedAt            time.Time           `json:"created_at"`
	IndexPrice           decimal.Decimal     `json:"index_price"`
	HyperscalerComponent decimal.NullDecimal `json:"hyperscaler_component"`
	NeocloudComponent    decimal.NullDecimal `json:"neocloud_component"`
	HyperscalerCount     *int                `json:"hyperscaler_count"`
	NeocloudCount        *int                `json:"neocloud_count"`
	Metadata             json.RawMessage     `json:"metadata,omitempty"`
}

// ProviderPrice is one row of t4_provider_prices
type ProviderPrice struct {
	ID                   int64               `json:"id"`
	IndexID              *uuid.UUID          `json:"index_id"`
	Timestamp            time.Time           `json:"timestamp"`
	ProviderName         string              `json:"provider_name"`
	ProviderType         ProviderType        `json:"provider_type"`
	OriginalPrice        decimal.Decimal     `json:"original_price"`
	EffectivePrice       decimal.Decimal     `json:"effective_price"`
	DiscountRate         decimal.NullDecimal `json:"discount_rate"`
	RelativeWeight       decimal.Decimal     `json:"relative_weight"`
	AbsoluteWeight       decimal.Decimal     `json:"absolute_weight"`
	WeightedContribution decimal.Decimal     `json:"weighted_contribution"`
	CreatedAt            time.Time           `json:"created_at"`
}

// LatestPrice is one row of the latest-prices view
type LatestPrice struct {
	ProviderName         string              `json:"provider_name"`
	ProviderType         ProviderType        `json:"provider_type"`
	OriginalPrice        decimal.Decimal     `json:"original_price"`
	EffectivePrice       decimal.Decimal     `json:"effective_price"`
	DiscountRate         decimal.NullDecimal `json:"discount_rate"`
	WeightedContribution decimal.Decimal     `json:"weighted_contribution"`
	Timestamp            time.Time           `json:"timestamp"`
}

// PriceHistoryPoint is one row of the price-history view
type PriceHistoryPoint struct {
	ProviderName string          `json:"provider_name"`
	Date         time.Time       `json:"date"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	DataPoints   int64           `json:"data_points"`
}

// SnapshotQuery filters index snapshots. Zero values mean no filter.
type SnapshotQuery struct {
	Since time.Time
	Until time.Time
	Limit int
}

// ProviderQuery filters provider rows. Zero values mean no filter.
type ProviderQuery struct {
	IndexID      *uuid.UUID
	ProviderName string
	Limit        int
}

// IntPtr is a small helper for the optional count columns
func IntPtr(v int) *int {
	return &v
}

// NullDecimal wraps d as a present optional value
func NullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
