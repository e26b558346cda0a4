package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/0x0shephard/t4-bot/internal/errors"
)

// MemoryStore is an in-memory Store with the same observable rules as the Postgres schema.
// It backs tests and the offline mode of the API server.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[uuid.UUID]*IndexSnapshot
	order     []uuid.UUID // insertion order, breaks created_at ties
	providers []*ProviderPrice
	nextID    int64
	now       func() time.Time
}

// NewMemoryStore creates an empty store using the wall clock
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates an empty store whose defaults and views use now
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[uuid.UUID]*IndexSnapshot),
		nextID:    1,
		now:       now,
	}
}

// InsertSnapshot stores s and fills its generated fields
func (m *MemoryStore) InsertSnapshot(ctx context.Context, s *IndexSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertSnapshotLocked(s)
}

// InsertProviders stores all rows or none
func (m *MemoryStore) InsertProviders(ctx context.Context, rows []*ProviderPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertProvidersLocked(rows)
}

// RecordSnapshot stores the snapshot and its providers atomically
func (m *MemoryStore) RecordSnapshot(ctx context.Context, s *IndexSnapshot, rows []*ProviderPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.insertSnapshotLocked(s); err != nil {
		return err
	}
	for _, row := range rows {
		id := s.ID
		row.IndexID = &id
	}
	if err := m.insertProvidersLocked(rows); err != nil {
		// roll back the snapshot
		delete(m.snapshots, s.ID)
		m.order = m.order[:len(m.order)-1]
		return err
	}
	return nil
}

func (m *MemoryStore) insertSnapshotLocked(s *IndexSnapshot) error {
	if err := checkSnapshotNumerics(s); err != nil {
		return err
	}

	now := m.now()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if _, exists := m.snapshots[s.ID]; exists {
		return errors.NewAppErrorWithDetails(errors.ErrCodeDBUnique,
			"duplicate key value violates unique constraint", IndexTable+"_pkey", nil).
			WithContext("id", s.ID.String())
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}
	s.CreatedAt = now
	s.IndexPrice = s.IndexPrice.Round(PriceScale)
	if s.HyperscalerComponent.Valid {
		s.HyperscalerComponent.Decimal = s.HyperscalerComponent.Decimal.Round(PriceScale)
	}
	if s.NeocloudComponent.Valid {
		s.NeocloudComponent.Decimal = s.NeocloudComponent.Decimal.Round(PriceScale)
	}

	stored := cloneSnapshot(s)
	m.snapshots[s.ID] = &stored
	m.order = append(m.order, s.ID)
	return nil
}

func (m *MemoryStore) insertProvidersLocked(rows []*ProviderPrice) error {
	for _, row := range rows {
		if err := m.checkProviderLocked(row); err != nil {
			return err
		}
	}

	now := m.now()
	for _, row := range rows {
		row.ID = m.nextID
		m.nextID++
		if row.Timestamp.IsZero() {
			row.Timestamp = now
		}
		row.CreatedAt = now
		roundProvider(row)

		stored := cloneProvider(row)
		m.providers = append(m.providers, &stored)
	}
	return nil
}

// checkProviderLocked applies the provider_type check, the index_id foreign key and the column precision
func (m *MemoryStore) checkProviderLocked(row *ProviderPrice) error {
	if !row.ProviderType.Valid() {
		return errors.NewAppErrorWithDetails(errors.ErrCodeDBConstraint,
			"new row violates check constraint", ProviderTable+"_provider_type_check", nil).
			WithContext("provider_type", string(row.ProviderType))
	}
	if row.IndexID != nil {
		if _, ok := m.snapshots[*row.IndexID]; !ok {
			return errors.NewAppErrorWithDetails(errors.ErrCodeDBForeignKey,
				"insert or update violates foreign key constraint", ProviderTable+"_index_id_fkey", nil).
				WithContext("index_id", row.IndexID.String())
		}
	}
	return checkProviderNumerics(row)
}

// UpdateProvider replaces the mutable columns of an existing provider row
func (m *MemoryStore) UpdateProvider(ctx context.Context, p *ProviderPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, stored := range m.providers {
		if stored.ID != p.ID {
			continue
		}
		if err := m.checkProviderLocked(p); err != nil {
			return err
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = stored.Timestamp
		}
		p.CreatedAt = stored.CreatedAt
		roundProvider(p)
		*stored = cloneProvider(p)
		return nil
	}
	return errors.NewAppError(errors.ErrCodeNotFound, "provider price not found", nil).WithContext("id", p.ID)
}

// DeleteProvider removes one provider row
func (m *MemoryStore) DeleteProvider(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, stored := range m.providers {
		if stored.ID == id {
			m.providers = append(m.providers[:i], m.providers[i+1:]...)
			return nil
		}
	}
	return errors.NewAppError(errors.ErrCodeNotFound, "provider price not found", nil).WithContext("id", id)
}

// DeleteSnapshot removes a snapshot and cascades to its provider rows
func (m *MemoryStore) DeleteSnapshot(ctx context.Context, id uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snapshots[id]; !ok {
		return 0, errors.NewAppError(errors.ErrCodeNotFound, "index snapshot not found", nil).
			WithContext("id", id.String())
	}
	delete(m.snapshots, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	kept := m.providers[:0]
	var removed int64
	for _, p := range m.providers {
		if p.IndexID != nil && *p.IndexID == id {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	m.providers = kept
	return removed, nil
}

// GetSnapshot returns a snapshot by id
func (m *MemoryStore) GetSnapshot(ctx context.Context, id uuid.UUID) (*IndexSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[id]
	if !ok {
		return nil, errors.NewAppError(errors.ErrCodeNotFound, "index snapshot not found", nil).
			WithContext("id", id.String())
	}
	out := cloneSnapshot(s)
	return &out, nil
}

// LatestSnapshot returns the most recently created snapshot
func (m *MemoryStore) LatestSnapshot(ctx context.Context) (*IndexSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *IndexSnapshot
	for _, id := range m.order {
		s := m.snapshots[id]
		if latest == nil || !s.CreatedAt.Before(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, errors.NewAppError(errors.ErrCodeNotFound, "no index snapshots recorded", nil)
	}
	out := cloneSnapshot(latest)
	return &out, nil
}

// ListSnapshots returns snapshots ordered by timestamp descending
func (m *MemoryStore) ListSnapshots(ctx context.Context, q SnapshotQuery) ([]IndexSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]IndexSnapshot, 0, len(m.snapshots))
	for _, id := range m.order {
		s := m.snapshots[id]
		if !q.Since.IsZero() && s.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && !s.Timestamp.Before(q.Until) {
			continue
		}
		out = append(out, cloneSnapshot(s))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ListProviders returns provider rows ordered by timestamp descending, then id
func (m *MemoryStore) ListProviders(ctx context.Context, q ProviderQuery) ([]ProviderPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ProviderPrice, 0, len(m.providers))
	for _, p := range m.providers {
		if q.IndexID != nil && (p.IndexID == nil || *p.IndexID != *q.IndexID) {
			continue
		}
		if q.ProviderName != "" && p.ProviderName != q.ProviderName {
			continue
		}
		out = append(out, cloneProvider(p))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// LatestPrices evaluates the latest-prices view
func (m *MemoryStore) LatestPrices(ctx context.Context) ([]LatestPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ComputeLatestPrices(m.rowsLocked()), nil
}

// PriceHistory evaluates the price-history view at the store clock
func (m *MemoryStore) PriceHistory(ctx context.Context) ([]PriceHistoryPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ComputePriceHistory(m.rowsLocked(), m.now(), HistoryWindow), nil
}

// Ping always succeeds
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) rowsLocked() []ProviderPrice {
	rows := make([]ProviderPrice, len(m.providers))
	for i, p := range m.providers {
		rows[i] = *p
	}
	return rows
}

// checkNumeric rejects values that overflow NUMERIC(NumericPrecision, scale) once rounded
func checkNumeric(column string, v decimal.Decimal, scale int32) error {
	limit := decimal.New(1, NumericPrecision-scale)
	if v.Round(scale).Abs().LessThan(limit) {
		return nil
	}
	return errors.NewAppErrorWithDetails(errors.ErrCodeDBInvalidFormat,
		"numeric field overflow", column, nil).
		WithContext("value", v.String())
}

func checkSnapshotNumerics(s *IndexSnapshot) error {
	if err := checkNumeric("index_price", s.IndexPrice, PriceScale); err != nil {
		return err
	}
	if s.HyperscalerComponent.Valid {
		if err := checkNumeric("hyperscaler_component", s.HyperscalerComponent.Decimal, PriceScale); err != nil {
			return err
		}
	}
	if s.NeocloudComponent.Valid {
		return checkNumeric("neocloud_component", s.NeocloudComponent.Decimal, PriceScale)
	}
	return nil
}

type numericColumn struct {
	name  string
	value decimal.Decimal
	scale int32
}

func checkProviderNumerics(p *ProviderPrice) error {
	columns := []numericColumn{
		{"original_price", p.OriginalPrice, PriceScale},
		{"effective_price", p.EffectivePrice, PriceScale},
		{"relative_weight", p.RelativeWeight, WeightScale},
		{"absolute_weight", p.AbsoluteWeight, WeightScale},
		{"weighted_contribution", p.WeightedContribution, WeightScale},
	}
	if p.DiscountRate.Valid {
		columns = append(columns, numericColumn{"discount_rate", p.DiscountRate.Decimal, WeightScale})
	}
	for _, col := range columns {
		if err := checkNumeric(col.name, col.value, col.scale); err != nil {
			return err
		}
	}
	return nil
}

func roundProvider(p *ProviderPrice) {
	p.OriginalPrice = p.OriginalPrice.Round(PriceScale)
	p.EffectivePrice = p.EffectivePrice.Round(PriceScale)
	if p.DiscountRate.Valid {
		p.DiscountRate.Decimal = p.DiscountRate.Decimal.Round(WeightScale)
	}
	p.RelativeWeight = p.RelativeWeight.Round(WeightScale)
	p.AbsoluteWeight = p.AbsoluteWeight.Round(WeightScale)
	p.WeightedContribution = p.WeightedContribution.Round(WeightScale)
}

func cloneSnapshot(s *IndexSnapshot) IndexSnapshot {
	out := *s
	if s.HyperscalerCount != nil {
		out.HyperscalerCount = IntPtr(*s.HyperscalerCount)
	}
	if s.NeocloudCount != nil {
		out.NeocloudCount = IntPtr(*s.NeocloudCount)
	}
	if s.Metadata != nil {
		out.Metadata = append([]byte(nil), s.Metadata...)
	}
	return out
}

func cloneProvider(p *ProviderPrice) ProviderPrice {
	out := *p
	if p.IndexID != nil {
		id := *p.IndexID
		out.IndexID = &id
	}
	return out
}
