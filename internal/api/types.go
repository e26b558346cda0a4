package api

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/0x0shephard/t4-bot/internal/errors"
	"github.com/0x0shephard/t4-bot/internal/ledger"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Count   *int        `json:"count,omitempty"`
	Message string      `json:"message,omitempty"`
}

func ok(data interface{}) Response {
	return Response{Success: true, Data: data}
}

func okList[T any](rows []T) Response {
	if rows == nil {
		rows = []T{}
	}
	n := len(rows)
	return Response{Success: true, Data: rows, Count: &n}
}

// SnapshotRequest is the body of POST /api/v1/index. Providers are recorded with the snapshot
// in one transaction.
type SnapshotRequest struct {
	ID                   *uuid.UUID          `json:"id"`
	Timestamp            *time.Time          `json:"timestamp"`
	IndexPrice           *decimal.Decimal    `json:"index_price"`
	HyperscalerComponent decimal.NullDecimal `json:"hyperscaler_component"`
	NeocloudComponent    decimal.NullDecimal `json:"neocloud_component"`
	HyperscalerCount     *int                `json:"hyperscaler_count"`
	NeocloudCount        *int                `json:"neocloud_count"`
	Metadata             json.RawMessage     `json:"metadata"`
	Providers            []ProviderRequest   `json:"providers"`
}

// ProviderRequest is one provider row in a request body
type ProviderRequest struct {
	IndexID              *uuid.UUID          `json:"index_id"`
	Timestamp            *time.Time          `json:"timestamp"`
	ProviderName         string              `json:"provider_name"`
	ProviderType         string              `json:"provider_type"`
	OriginalPrice        *decimal.Decimal    `json:"original_price"`
	EffectivePrice       *decimal.Decimal    `json:"effective_price"`
	DiscountRate         decimal.NullDecimal `json:"discount_rate"`
	RelativeWeight       *decimal.Decimal    `json:"relative_weight"`
	AbsoluteWeight       *decimal.Decimal    `json:"absolute_weight"`
	WeightedContribution *decimal.Decimal    `json:"weighted_contribution"`
}

// RecordResponse is returned by POST /api/v1/index
type RecordResponse struct {
	Snapshot  *ledger.IndexSnapshot  `json:"snapshot"`
	Providers []ledger.ProviderPrice `json:"providers,omitempty"`
	Audit     *ledger.AuditReport    `json:"audit,omitempty"`
}

// DeleteResponse reports a cascading snapshot delete
type DeleteResponse struct {
	ID               string `json:"id"`
	ProvidersRemoved int64  `json:"providers_removed"`
}

func missing(field string) error {
	return errors.NewAppErrorWithDetails(errors.ErrCodeInvalidInput, "invalid request body",
		field+" is required", nil)
}

func (r *SnapshotRequest) toSnapshot() (*ledger.IndexSnapshot, error) {
	if r.IndexPrice == nil {
		return nil, missing("index_price")
	}
	snap := &ledger.IndexSnapshot{
		IndexPrice:           *r.IndexPrice,
		HyperscalerComponent: r.HyperscalerComponent,
		NeocloudComponent:    r.NeocloudComponent,
		HyperscalerCount:     r.HyperscalerCount,
		NeocloudCount:        r.NeocloudCount,
	}
	if r.ID != nil {
		snap.ID = *r.ID
	}
	if r.Timestamp != nil {
		snap.Timestamp = r.Timestamp.UTC()
	}
	if len(r.Metadata) > 0 && string(r.Metadata) != "null" {
		snap.Metadata = r.Metadata
	}
	return snap, nil
}

func (r *ProviderRequest) toProvider() (*ledger.ProviderPrice, error) {
	required := []struct {
		name  string
		value *decimal.Decimal
	}{
		{"original_price", r.OriginalPrice},
		{"effective_price", r.EffectivePrice},
		{"relative_weight", r.RelativeWeight},
		{"absolute_weight", r.AbsoluteWeight},
		{"weighted_contribution", r.WeightedContribution},
	}
	if r.ProviderName == "" {
		return nil, missing("provider_name")
	}
	if r.ProviderType == "" {
		return nil, missing("provider_type")
	}
	for _, f := range required {
		if f.value == nil {
			return nil, missing(f.name)
		}
	}

	// provider_type is passed through so an unknown value fails the check constraint
	p := &ledger.ProviderPrice{
		IndexID:              r.IndexID,
		ProviderName:         r.ProviderName,
		ProviderType:         ledger.ProviderType(r.ProviderType),
		OriginalPrice:        *r.OriginalPrice,
		EffectivePrice:       *r.EffectivePrice,
		DiscountRate:         r.DiscountRate,
		RelativeWeight:       *r.RelativeWeight,
		AbsoluteWeight:       *r.AbsoluteWeight,
		WeightedContribution: *r.WeightedContribution,
	}
	if r.Timestamp != nil {
		p.Timestamp = r.Timestamp.UTC()
	}
	return p, nil
}

func providersFrom(reqs []ProviderRequest) ([]*ledger.ProviderPrice, error) {
	rows := make([]*ledger.ProviderPrice, 0, len(reqs))
	for i := range reqs {
		p, err := reqs[i].toProvider()
		if err != nil {
			if appErr := errors.GetAppError(err); appErr != nil {
				return nil, appErr.WithContext("providers_index", i)
			}
			return nil, err
		}
		rows = append(rows, p)
	}
	return rows, nil
}

func derefRows(rows []*ledger.ProviderPrice) []ledger.ProviderPrice {
	out := make([]ledger.ProviderPrice, len(rows))
	for i, row := range rows {
		out[i] = *row
	}
	return out
}

func bindJSON(c *gin.Context, target interface{}) error {
	if err := c.ShouldBindJSON(target); err != nil {
		return errors.NewAppErrorWithDetails(errors.ErrCodeInvalidInput, "invalid request body", err.Error(), err)
	}
	return nil
}

func invalidParam(name string, err error) error {
	return errors.NewAppErrorWithDetails(errors.ErrCodeInvalidInput, "invalid query parameter", name, err)
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, errors.NewAppErrorWithDetails(errors.ErrCodeDBInvalidFormat, "invalid uuid", c.Param(name), err)
	}
	return id, nil
}

func int64Param(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewAppErrorWithDetails(errors.ErrCodeInvalidInput, "invalid id", c.Param(name), err)
	}
	return id, nil
}

func limitQuery(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, invalidParam("limit", err)
	}
	return n, nil
}

func timeQuery(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, invalidParam(name, err)
	}
	return t, nil
}
