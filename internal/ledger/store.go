package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Store persists the pricing ledger. Implementations enforce the schema-level rules only:
// the provider_type check, the index_id foreign key and its cascade, and generated keys.
// Access policy, validation and advisory invariants live in Service.
type Store interface {
	// InsertSnapshot stores s and fills its generated fields (id when nil, timestamp when zero, created_at).
	InsertSnapshot(ctx context.Context, s *IndexSnapshot) error
	// InsertProviders stores all rows or none and fills their id and created_at.
	InsertProviders(ctx context.Context, rows []*ProviderPrice) error
	// RecordSnapshot stores a snapshot and its providers in one transaction.
	RecordSnapshot(ctx context.Context, s *IndexSnapshot, rows []*ProviderPrice) error
	UpdateProvider(ctx context.Context, p *ProviderPrice) error
	DeleteProvider(ctx context.Context, id int64) error
	// DeleteSnapshot removes the snapshot and returns how many provider rows the cascade removed.
	DeleteSnapshot(ctx context.Context, id uuid.UUID) (int64, error)

	GetSnapshot(ctx context.Context, id uuid.UUID) (*IndexSnapshot, error)
	// LatestSnapshot returns the most recently created snapshot.
	LatestSnapshot(ctx context.Context) (*IndexSnapshot, error)
	ListSnapshots(ctx context.Context, q SnapshotQuery) ([]IndexSnapshot, error)
	ListProviders(ctx context.Context, q ProviderQuery) ([]ProviderPrice, error)
	LatestPrices(ctx context.Context) ([]LatestPrice, error)
	PriceHistory(ctx context.Context) ([]PriceHistoryPoint, error)

	Ping(ctx context.Context) error
}
