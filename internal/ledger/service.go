package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/0x0shephard/t4-bot/internal/errors"
	"github.com/0x0shephard/t4-bot/internal/logging"
)

// Observer receives operation outcomes, typically Prometheus metrics
type Observer interface {
	ObserveOperation(op string, code errors.ErrorCode, elapsed time.Duration)
	ObserveAudit(report *AuditReport)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, errors.ErrorCode, time.Duration) {}
func (nopObserver) ObserveAudit(*AuditReport)                                 {}

// Options configures a Service
type Options struct {
	Policy           *Policy
	Guard            DeviationGuard
	Tolerance        decimal.NullDecimal // unset means DefaultTolerance
	StrictInvariants bool
	Logger           *logging.Logger
	Observer         Observer
	Now              func() time.Time
}

// Service applies the access policy, input validation, the deviation guard and the
// advisory audit in front of a Store. The caller role is read from the context.
type Service struct {
	store     Store
	policy    *Policy
	guard     DeviationGuard
	tolerance decimal.Decimal
	strict    bool
	logger    *logging.Logger
	observer  Observer
	now       func() time.Time
}

// NewService creates a ledger service
func NewService(store Store, opts Options) *Service {
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy(false)
	}
	if !opts.Tolerance.Valid {
		opts.Tolerance = decimal.NewNullDecimal(DefaultTolerance)
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		store:     store,
		policy:    opts.Policy,
		guard:     opts.Guard,
		tolerance: opts.Tolerance.Decimal,
		strict:    opts.StrictInvariants,
		logger:    opts.Logger.WithField("component", "ledger"),
		observer:  opts.Observer,
		now:       opts.Now,
	}
}

// Store returns the underlying store
func (s *Service) Store() Store {
	return s.store
}

func (s *Service) authorize(ctx context.Context, table string, action Action) error {
	role := RoleFromContext(ctx)
	if s.policy.Allows(role, table, action) {
		return nil
	}
	return errors.NewAppErrorWithDetails(errors.ErrCodeForbidden,
		"permission denied by row-level security policy",
		string(action)+" on "+table+" as "+string(role), nil)
}

// observe is deferred with a pointer to the named error result
func (s *Service) observe(op string, start time.Time, err *error) {
	code := errors.ErrorCode("OK")
	if *err != nil {
		code = errors.CodeOf(*err)
	}
	s.observer.ObserveOperation(op, code, time.Since(start))
}

// InsertSnapshot stores one index snapshot
func (s *Service) InsertSnapshot(ctx context.Context, snap *IndexSnapshot) (err error) {
	defer s.observe("insert_snapshot", time.Now(), &err)

	if err = s.authorize(ctx, IndexTable, ActionInsert); err != nil {
		return err
	}
	if err = validateSnapshot(snap); err != nil {
		return err
	}
	if err = s.checkDeviation(ctx, snap.IndexPrice); err != nil {
		return err
	}
	if err = s.store.InsertSnapshot(ctx, snap); err != nil {
		return err
	}

	s.logger.WithContext(ctx).WithFields(logrus.Fields{
		"index_id":    snap.ID.String(),
		"index_price": snap.IndexPrice.String(),
	}).Info("Index snapshot recorded")
	return nil
}

// InsertProviders stores provider rows, all or nothing
func (s *Service) InsertProviders(ctx context.Context, rows []*ProviderPrice) (err error) {
	defer s.observe("insert_providers", time.Now(), &err)

	if err = s.authorize(ctx, ProviderTable, ActionInsert); err != nil {
		return err
	}
	for _, row := range rows {
		if err = validateProvider(row); err != nil {
			return err
		}
	}
	if err = s.store.InsertProviders(ctx, rows); err != nil {
		return err
	}

	s.logger.WithContext(ctx).WithField("rows", len(rows)).Info("Provider prices recorded")
	return nil
}

// RecordSnapshot stores a snapshot with its providers in one transaction. Provider timestamps and
// index ids are aligned to the snapshot and missing category counts are derived from the rows.
func (s *Service) RecordSnapshot(ctx context.Context, snap *IndexSnapshot, rows []*ProviderPrice) (report *AuditReport, err error) {
	defer s.observe("record_snapshot", time.Now(), &err)

	if err = s.authorize(ctx, IndexTable, ActionInsert); err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		if err = s.authorize(ctx, ProviderTable, ActionInsert); err != nil {
			return nil, err
		}
	}
	if err = validateSnapshot(snap); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err = validateProvider(row); err != nil {
			return nil, err
		}
	}
	if err = s.checkDeviation(ctx, snap.IndexPrice); err != nil {
		return nil, err
	}

	// the caller's values only change once the write succeeds
	work := cloneSnapshot(snap)
	workRows := make([]*ProviderPrice, len(rows))
	if work.Timestamp.IsZero() {
		work.Timestamp = s.now()
	}
	counts := map[ProviderType]int{}
	for i, row := range rows {
		p := cloneProvider(row)
		p.Timestamp = work.Timestamp
		workRows[i] = &p
		counts[p.ProviderType]++
	}
	if work.HyperscalerCount == nil {
		work.HyperscalerCount = IntPtr(counts[ProviderTypeHyperscaler])
	}
	if work.NeocloudCount == nil {
		work.NeocloudCount = IntPtr(counts[ProviderTypeNeocloud])
	}

	report = Audit(&work, derefProviders(workRows), s.tolerance)
	if !report.OK() {
		if s.strict {
			err = errors.NewAppErrorWithDetails(errors.ErrCodeInvariantViolation,
				"snapshot violates pricing invariants", report.Summary(), nil)
			return report, err
		}
		s.logger.WithContext(ctx).WithField("findings", report.Summary()).Warn("Snapshot recorded with invariant findings")
	}

	if err = s.store.RecordSnapshot(ctx, &work, workRows); err != nil {
		return nil, err
	}
	*snap = work
	for i, row := range workRows {
		*rows[i] = *row
	}
	report.SnapshotID = snap.ID
	s.observer.ObserveAudit(report)

	s.logger.WithContext(ctx).WithFields(logrus.Fields{
		"index_id":    snap.ID.String(),
		"index_price": snap.IndexPrice.String(),
		"providers":   len(rows),
	}).Info("Index snapshot recorded with providers")
	return report, nil
}

// UpdateProvider replaces a provider row
func (s *Service) UpdateProvider(ctx context.Context, p *ProviderPrice) (err error) {
	defer s.observe("update_provider", time.Now(), &err)

	if err = s.authorize(ctx, ProviderTable, ActionUpdate); err != nil {
		return err
	}
	if err = validateProvider(p); err != nil {
		return err
	}
	return s.store.UpdateProvider(ctx, p)
}

// DeleteProvider removes a provider row
func (s *Service) DeleteProvider(ctx context.Context, id int64) (err error) {
	defer s.observe("delete_provider", time.Now(), &err)

	if err = s.authorize(ctx, ProviderTable, ActionDelete); err != nil {
		return err
	}
	return s.store.DeleteProvider(ctx, id)
}

// DeleteSnapshot removes a snapshot and, through the cascade, its providers
func (s *Service) DeleteSnapshot(ctx context.Context, id uuid.UUID) (removed int64, err error) {
	defer s.observe("delete_snapshot", time.Now(), &err)

	if err = s.authorize(ctx, IndexTable, ActionDelete); err != nil {
		return 0, err
	}
	removed, err = s.store.DeleteSnapshot(ctx, id)
	if err != nil {
		return 0, err
	}

	s.logger.WithContext(ctx).WithFields(logrus.Fields{
		"index_id":          id.String(),
		"providers_removed": removed,
	}).Warn("Index snapshot deleted")
	return removed, nil
}

// GetSnapshot returns one snapshot
func (s *Service) GetSnapshot(ctx context.Context, id uuid.UUID) (*IndexSnapshot, error) {
	if err := s.authorize(ctx, IndexTable, ActionSelect); err != nil {
		return nil, err
	}
	return s.store.GetSnapshot(ctx, id)
}

// LatestSnapshot returns the most recently created snapshot
func (s *Service) LatestSnapshot(ctx context.Context) (*IndexSnapshot, error) {
	if err := s.authorize(ctx, IndexTable, ActionSelect); err != nil {
		return nil, err
	}
	return s.store.LatestSnapshot(ctx)
}

// ListSnapshots lists snapshots newest first
func (s *Service) ListSnapshots(ctx context.Context, q SnapshotQuery) ([]IndexSnapshot, error) {
	if err := s.authorize(ctx, IndexTable, ActionSelect); err != nil {
		return nil, err
	}
	return s.store.ListSnapshots(ctx, q)
}

// ListProviders lists provider rows newest first
func (s *Service) ListProviders(ctx context.Context, q ProviderQuery) ([]ProviderPrice, error) {
	if err := s.authorize(ctx, ProviderTable, ActionSelect); err != nil {
		return nil, err
	}
	return s.store.ListProviders(ctx, q)
}

// LatestPrices reads the latest-prices view
func (s *Service) LatestPrices(ctx context.Context) ([]LatestPrice, error) {
	if err := s.authorize(ctx, ProviderTable, ActionSelect); err != nil {
		return nil, err
	}
	return s.store.LatestPrices(ctx)
}

// PriceHistory reads the price-history view
func (s *Service) PriceHistory(ctx context.Context) ([]PriceHistoryPoint, error) {
	if err := s.authorize(ctx, ProviderTable, ActionSelect); err != nil {
		return nil, err
	}
	return s.store.PriceHistory(ctx)
}

// AuditSnapshot checks the advisory invariants of a stored snapshot
func (s *Service) AuditSnapshot(ctx context.Context, id uuid.UUID) (*AuditReport, error) {
	snap, err := s.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	providers, err := s.ListProviders(ctx, ProviderQuery{IndexID: &snap.ID})
	if err != nil {
		return nil, err
	}
	return Audit(snap, providers, s.tolerance), nil
}

// AuditRecent audits every snapshot whose timestamp falls within lookback
func (s *Service) AuditRecent(ctx context.Context, lookback time.Duration) ([]*AuditReport, error) {
	snaps, err := s.ListSnapshots(ctx, SnapshotQuery{Since: s.now().Add(-lookback)})
	if err != nil {
		return nil, err
	}

	reports := make([]*AuditReport, 0, len(snaps))
	for i := range snaps {
		report, err := s.AuditSnapshot(ctx, snaps[i].ID)
		if err != nil {
			return reports, err
		}
		s.observer.ObserveAudit(report)
		if !report.OK() {
			s.logger.WithFields(logrus.Fields{
				"index_id": report.SnapshotID.String(),
				"findings": report.Summary(),
			}).Warn("Advisory invariant violation")
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Ping checks the store
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) checkDeviation(ctx context.Context, next decimal.Decimal) error {
	if !s.guard.MaxDeviation.IsPositive() {
		return nil
	}
	previous, err := s.store.LatestSnapshot(ctx)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			return nil
		}
		return err
	}
	return s.guard.Check(previous, next)
}

func validateSnapshot(snap *IndexSnapshot) error {
	if snap.IndexPrice.IsNegative() {
		return errors.NewAppErrorWithDetails(errors.ErrCodeInvalidInput, "invalid index snapshot",
			"index_price must not be negative", nil)
	}
	if snap.HyperscalerCount != nil && *snap.HyperscalerCount < 0 ||
		snap.NeocloudCount != nil && *snap.NeocloudCount < 0 {
		return errors.NewAppErrorWithDetails(errors.ErrCodeInvalidInput, "invalid index snapshot",
			"provider counts must not be negative", nil)
	}
	if len(snap.Metadata) > 0 && !json.Valid(snap.Metadata) {
		return errors.NewAppErrorWithDetails(errors.ErrCodeDBInvalidFormat, "invalid index snapshot",
			"metadata is not a valid JSON document", nil)
	}
	return nil
}

func validateProvider(p *ProviderPrice) error {
	if p.ProviderName == "" {
		return errors.NewAppErrorWithDetails(errors.ErrCodeInvalidInput, "invalid provider price",
			"provider_name is required", nil)
	}
	if p.OriginalPrice.IsNegative() || p.EffectivePrice.IsNegative() {
		return errors.NewAppErrorWithDetails(errors.ErrCodeInvalidInput, "invalid provider price",
			"prices must not be negative", nil).WithContext("provider_name", p.ProviderName)
	}
	return nil
}

func derefProviders(rows []*ProviderPrice) []ProviderPrice {
	out := make([]ProviderPrice, len(rows))
	for i, row := range rows {
		out[i] = *row
	}
	return out
}
