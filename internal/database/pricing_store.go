package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/0x0shephard/t4-bot/internal/errors"
	"github.com/0x0shephard/t4-bot/internal/ledger"
	"github.com/0x0shephard/t4-bot/internal/logging"
)

const snapshotColumns = `id, timestamp, index_price, hyperscaler_component, neocloud_component,
	hyperscaler_count, neocloud_count, metadata, created_at`

const providerColumns = `id, index_id, timestamp, provider_name, provider_type, original_price,
	effective_price, discount_rate, relative_weight, absolute_weight, weighted_contribution, created_at`

// PricingStore is the Postgres implementation of ledger.Store.
//
// With impersonation enabled every transaction switches to the caller role from the context
// (SET LOCAL ROLE plus request.jwt.claims), so the row-level security policies of the schema decide
// access exactly as they would for a Supabase client.
type PricingStore struct {
	db          *DB
	impersonate bool
	logger      *logging.Logger
}

// NewPricingStore creates a store over db
func NewPricingStore(db *DB, impersonate bool) *PricingStore {
	return &PricingStore{
		db:          db,
		impersonate: impersonate,
		logger:      logging.GetGlobalLogger().WithField("component", "pricing_store"),
	}
}

var _ ledger.Store = (*PricingStore)(nil)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// withTx runs fn in a transaction under the caller role
func (s *PricingStore) withTx(ctx context.Context, op string, readOnly bool, fn func(q queryer) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return errors.NewAppError(errors.ErrCodeDBTransaction, "failed to begin transaction", err).
			WithContext("operation", op)
	}

	if err := s.assumeRole(ctx, tx); err != nil {
		tx.Rollback()
		return TranslateError(err, op)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.WithError(rbErr).WithField("operation", op).Warn("Rollback failed")
		}
		return TranslateError(err, op)
	}

	if err := tx.Commit(); err != nil {
		return TranslateError(err, op)
	}
	return nil
}

func (s *PricingStore) assumeRole(ctx context.Context, tx *sql.Tx) error {
	if !s.impersonate {
		return nil
	}
	role := ledger.RoleFromContext(ctx)
	claims, err := json.Marshal(map[string]string{"role": string(role)})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT set_config('request.jwt.claims', $1, true)", string(claims)); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "SET LOCAL ROLE "+pq.QuoteIdentifier(string(role)))
	return err
}

// InsertSnapshot stores s and reads back the generated and rounded columns
func (s *PricingStore) InsertSnapshot(ctx context.Context, snap *ledger.IndexSnapshot) error {
	return s.withTx(ctx, "insert_snapshot", false, func(q queryer) error {
		return insertSnapshot(ctx, q, snap)
	})
}

// InsertProviders stores all rows in one transaction
func (s *PricingStore) InsertProviders(ctx context.Context, rows []*ledger.ProviderPrice) error {
	return s.withTx(ctx, "insert_providers", false, func(q queryer) error {
		for _, row := range rows {
			if err := insertProvider(ctx, q, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordSnapshot stores the snapshot and its providers in one transaction
func (s *PricingStore) RecordSnapshot(ctx context.Context, snap *ledger.IndexSnapshot, rows []*ledger.ProviderPrice) error {
	return s.withTx(ctx, "record_snapshot", false, func(q queryer) error {
		if err := insertSnapshot(ctx, q, snap); err != nil {
			return err
		}
		for _, row := range rows {
			id := snap.ID
			row.IndexID = &id
			if err := insertProvider(ctx, q, row); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertSnapshot(ctx context.Context, q queryer, snap *ledger.IndexSnapshot) error {
	query := `INSERT INTO ` + ledger.IndexTable + ` (id, timestamp, index_price, hyperscaler_component,
		neocloud_component, hyperscaler_count, neocloud_count, metadata)
		VALUES (COALESCE($1::uuid, gen_random_uuid()), COALESCE($2::timestamptz, NOW()), $3, $4, $5, $6, $7, $8::jsonb)
		RETURNING ` + snapshotColumns

	var id interface{}
	if snap.ID != uuid.Nil {
		id = snap.ID
	}

	row := q.QueryRowContext(ctx, query,
		id,
		nullTime(snap.Timestamp),
		snap.IndexPrice,
		snap.HyperscalerComponent,
		snap.NeocloudComponent,
		nullInt(snap.HyperscalerCount),
		nullInt(snap.NeocloudCount),
		nullJSON(snap.Metadata),
	)
	return scanSnapshot(row, snap)
}

func insertProvider(ctx context.Context, q queryer, p *ledger.ProviderPrice) error {
	query := `INSERT INTO ` + ledger.ProviderTable + ` (index_id, timestamp, provider_name, provider_type,
		original_price, effective_price, discount_rate, relative_weight, absolute_weight, weighted_contribution)
		VALUES ($1, COALESCE($2::timestamptz, NOW()), $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + providerColumns

	row := q.QueryRowContext(ctx, query,
		nullUUID(p.IndexID),
		nullTime(p.Timestamp),
		p.ProviderName,
		string(p.ProviderType),
		p.OriginalPrice,
		p.EffectivePrice,
		p.DiscountRate,
		p.RelativeWeight,
		p.AbsoluteWeight,
		p.WeightedContribution,
	)
	return scanProvider(row, p)
}

// UpdateProvider replaces the mutable columns of an existing provider row
func (s *PricingStore) UpdateProvider(ctx context.Context, p *ledger.ProviderPrice) error {
	return s.withTx(ctx, "update_provider", false, func(q queryer) error {
		query := `UPDATE ` + ledger.ProviderTable + ` SET
			index_id = $2,
			timestamp = COALESCE($3::timestamptz, timestamp),
			provider_name = $4,
			provider_type = $5,
			original_price = $6,
			effective_price = $7,
			discount_rate = $8,
			relative_weight = $9,
			absolute_weight = $10,
			weighted_contribution = $11
			WHERE id = $1
			RETURNING ` + providerColumns

		row := q.QueryRowContext(ctx, query,
			p.ID,
			nullUUID(p.IndexID),
			nullTime(p.Timestamp),
			p.ProviderName,
			string(p.ProviderType),
			p.OriginalPrice,
			p.EffectivePrice,
			p.DiscountRate,
			p.RelativeWeight,
			p.AbsoluteWeight,
			p.WeightedContribution,
		)
		err := scanProvider(row, p)
		if err == sql.ErrNoRows {
			return errors.NewAppError(errors.ErrCodeNotFound, "provider price not found", err).WithContext("id", p.ID)
		}
		return err
	})
}

// DeleteProvider removes one provider row
func (s *PricingStore) DeleteProvider(ctx context.Context, id int64) error {
	return s.withTx(ctx, "delete_provider", false, func(q queryer) error {
		res, err := q.ExecContext(ctx, `DELETE FROM `+ledger.ProviderTable+` WHERE id = $1`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.NewAppError(errors.ErrCodeNotFound, "provider price not found", nil).WithContext("id", id)
		}
		return nil
	})
}

// DeleteSnapshot removes a snapshot, the foreign key cascade removes its providers
func (s *PricingStore) DeleteSnapshot(ctx context.Context, id uuid.UUID) (int64, error) {
	var removed int64
	err := s.withTx(ctx, "delete_snapshot", false, func(q queryer) error {
		err := q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+ledger.ProviderTable+` WHERE index_id = $1`, id).Scan(&removed)
		if err != nil {
			return err
		}

		res, err := q.ExecContext(ctx, `DELETE FROM `+ledger.IndexTable+` WHERE id = $1`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.NewAppError(errors.ErrCodeNotFound, "index snapshot not found", nil).
				WithContext("id", id.String())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// GetSnapshot returns a snapshot by id
func (s *PricingStore) GetSnapshot(ctx context.Context, id uuid.UUID) (*ledger.IndexSnapshot, error) {
	var snap ledger.IndexSnapshot
	err := s.withTx(ctx, "get_snapshot", true, func(q queryer) error {
		row := q.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM `+ledger.IndexTable+` WHERE id = $1`, id)
		err := scanSnapshot(row, &snap)
		if err == sql.ErrNoRows {
			return errors.NewAppError(errors.ErrCodeNotFound, "index snapshot not found", err).
				WithContext("id", id.String())
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// LatestSnapshot returns the most recently created snapshot
func (s *PricingStore) LatestSnapshot(ctx context.Context) (*ledger.IndexSnapshot, error) {
	var snap ledger.IndexSnapshot
	err := s.withTx(ctx, "latest_snapshot", true, func(q queryer) error {
		row := q.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM `+ledger.IndexTable+
			` ORDER BY created_at DESC LIMIT 1`)
		err := scanSnapshot(row, &snap)
		if err == sql.ErrNoRows {
			return errors.NewAppError(errors.ErrCodeNotFound, "no index snapshots recorded", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns snapshots ordered by timestamp descending
func (s *PricingStore) ListSnapshots(ctx context.Context, sf ledger.SnapshotQuery) ([]ledger.IndexSnapshot, error) {
	where := &whereBuilder{}
	if !sf.Since.IsZero() {
		where.add("timestamp >= ?", sf.Since)
	}
	if !sf.Until.IsZero() {
		where.add("timestamp < ?", sf.Until)
	}
	query := `SELECT ` + snapshotColumns + ` FROM ` + ledger.IndexTable + where.sql() +
		` ORDER BY timestamp DESC` + limitClause(sf.Limit)

	var out []ledger.IndexSnapshot
	err := s.withTx(ctx, "list_snapshots", true, func(q queryer) error {
		rows, err := q.QueryContext(ctx, query, where.args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var snap ledger.IndexSnapshot
			if err := scanSnapshot(rows, &snap); err != nil {
				return err
			}
			out = append(out, snap)
		}
		return rows.Err()
	})
	return out, err
}

// ListProviders returns provider rows ordered by timestamp descending, then id
func (s *PricingStore) ListProviders(ctx context.Context, pf ledger.ProviderQuery) ([]ledger.ProviderPrice, error) {
	where := &whereBuilder{}
	if pf.IndexID != nil {
		where.add("index_id = ?", *pf.IndexID)
	}
	if pf.ProviderName != "" {
		where.add("provider_name = ?", pf.ProviderName)
	}
	query := `SELECT ` + providerColumns + ` FROM ` + ledger.ProviderTable + where.sql() +
		` ORDER BY timestamp DESC, id` + limitClause(pf.Limit)

	var out []ledger.ProviderPrice
	err := s.withTx(ctx, "list_providers", true, func(q queryer) error {
		rows, err := q.QueryContext(ctx, query, where.args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var p ledger.ProviderPrice
			if err := scanProvider(rows, &p); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// LatestPrices reads the latest-prices view
func (s *PricingStore) LatestPrices(ctx context.Context) ([]ledger.LatestPrice, error) {
	query := `SELECT provider_name, provider_type, original_price, effective_price, discount_rate,
		weighted_contribution, timestamp FROM ` + ledger.LatestPricesView

	var out []ledger.LatestPrice
	err := s.withTx(ctx, "latest_prices", true, func(q queryer) error {
		rows, err := q.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var lp ledger.LatestPrice
			var typ string
			if err := rows.Scan(&lp.ProviderName, &typ, &lp.OriginalPrice, &lp.EffectivePrice,
				&lp.DiscountRate, &lp.WeightedContribution, &lp.Timestamp); err != nil {
				return err
			}
			lp.ProviderType = ledger.ProviderType(typ)
			out = append(out, lp)
		}
		return rows.Err()
	})
	return out, err
}

// PriceHistory reads the price-history view
func (s *PricingStore) PriceHistory(ctx context.Context) ([]ledger.PriceHistoryPoint, error) {
	query := `SELECT provider_name, date, avg_price, data_points FROM ` + ledger.PriceHistoryView

	var out []ledger.PriceHistoryPoint
	err := s.withTx(ctx, "price_history", true, func(q queryer) error {
		rows, err := q.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var p ledger.PriceHistoryPoint
			if err := rows.Scan(&p.ProviderName, &p.Date, &p.AvgPrice, &p.DataPoints); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// Ping checks connectivity
func (s *PricingStore) Ping(ctx context.Context) error {
	return TranslateError(s.db.PingContext(ctx), "ping")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row scanner, snap *ledger.IndexSnapshot) error {
	var hsCount, ncCount sql.NullInt64
	var metadata []byte
	err := row.Scan(
		&snap.ID,
		&snap.Timestamp,
		&snap.IndexPrice,
		&snap.HyperscalerComponent,
		&snap.NeocloudComponent,
		&hsCount,
		&ncCount,
		&metadata,
		&snap.CreatedAt,
	)
	if err != nil {
		return err
	}

	snap.HyperscalerCount = intPtr(hsCount)
	snap.NeocloudCount = intPtr(ncCount)
	snap.Metadata = nil
	if metadata != nil {
		snap.Metadata = json.RawMessage(metadata)
	}
	return nil
}

func scanProvider(row scanner, p *ledger.ProviderPrice) error {
	var indexID uuid.NullUUID
	var typ string
	err := row.Scan(
		&p.ID,
		&indexID,
		&p.Timestamp,
		&p.ProviderName,
		&typ,
		&p.OriginalPrice,
		&p.EffectivePrice,
		&p.DiscountRate,
		&p.RelativeWeight,
		&p.AbsoluteWeight,
		&p.WeightedContribution,
		&p.CreatedAt,
	)
	if err != nil {
		return err
	}

	p.ProviderType = ledger.ProviderType(typ)
	p.IndexID = nil
	if indexID.Valid {
		id := indexID.UUID
		p.IndexID = &id
	}
	return nil
}

// whereBuilder numbers ? placeholders as $n
type whereBuilder struct {
	clauses []string
	args    []interface{}
}

func (w *whereBuilder) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1))
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

// nullJSON passes JSONB as text, lib/pq would send []byte as bytea
func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
