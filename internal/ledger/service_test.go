package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x0shephard/t4-bot/internal/errors"
)

type recordingObserver struct {
	ops    map[string][]errors.ErrorCode
	audits int
}

func (o *recordingObserver) ObserveOperation(op string, code errors.ErrorCode, _ time.Duration) {
	if o.ops == nil {
		o.ops = make(map[string][]errors.ErrorCode)
	}
	o.ops[op] = append(o.ops[op], code)
}

func (o *recordingObserver) ObserveAudit(*AuditReport) {
	o.audits++
}

func newTestService(opts Options) (*Service, *MemoryStore) {
	store := NewMemoryStoreWithClock(fixedClock(testNow))
	if opts.Now == nil {
		opts.Now = fixedClock(testNow)
	}
	return NewService(store, opts), store
}

func serviceCtx() context.Context {
	return WithRole(context.Background(), RoleService)
}

func TestServiceScenario(t *testing.T) {
	svc, _ := newTestService(Options{})
	ctx := serviceCtx()

	snap := &IndexSnapshot{IndexPrice: d("1.2500")}
	require.NoError(t, svc.InsertSnapshot(ctx, snap))

	hs := provider(&snap.ID, "AWS", ProviderTypeHyperscaler, snap.Timestamp, "1.50")
	nc := provider(&snap.ID, "Vast.ai", ProviderTypeNeocloud, snap.Timestamp, "1.00")
	require.NoError(t, svc.InsertProviders(ctx, []*ProviderPrice{hs, nc}))

	latest, err := svc.LatestPrices(context.Background())
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "AWS", latest[0].ProviderName)
	assert.Equal(t, "Vast.ai", latest[1].ProviderName)

	t.Run("invalid provider type leaves state unchanged", func(t *testing.T) {
		bad := provider(&snap.ID, "Other", "cloud", snap.Timestamp, "1.00")
		err := svc.InsertProviders(ctx, []*ProviderPrice{bad})
		assert.True(t, errors.HasCode(err, errors.ErrCodeDBConstraint))

		rows, err := svc.ListProviders(ctx, ProviderQuery{})
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("deleting the snapshot removes its providers", func(t *testing.T) {
		removed, err := svc.DeleteSnapshot(ctx, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		rows, err := svc.ListProviders(ctx, ProviderQuery{})
		require.NoError(t, err)
		assert.Empty(t, rows)

		latest, err := svc.LatestPrices(ctx)
		require.NoError(t, err)
		assert.Empty(t, latest)
	})
}

func TestServiceAccessPolicy(t *testing.T) {
	svc, store := newTestService(Options{})
	anon := context.Background()
	authenticated := WithRole(context.Background(), RoleAuthenticated)

	err := svc.InsertSnapshot(anon, &IndexSnapshot{IndexPrice: d("1")})
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden), "index insert is restricted to the service role")

	err = svc.InsertProviders(authenticated, []*ProviderPrice{provider(nil, "AWS", ProviderTypeHyperscaler, testNow, "1")})
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden))

	snap := &IndexSnapshot{IndexPrice: d("1")}
	require.NoError(t, store.InsertSnapshot(context.Background(), snap))

	_, err = svc.DeleteSnapshot(authenticated, snap.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden))

	assert.True(t, errors.HasCode(svc.DeleteProvider(anon, 1), errors.ErrCodeForbidden))

	got, err := svc.GetSnapshot(anon, snap.ID)
	require.NoError(t, err, "reads are public")
	assert.Equal(t, snap.ID, got.ID)
}

func TestServicePublicIndexInsert(t *testing.T) {
	svc, _ := newTestService(Options{Policy: DefaultPolicy(true)})

	require.NoError(t, svc.InsertSnapshot(context.Background(), &IndexSnapshot{IndexPrice: d("1")}))

	err := svc.InsertProviders(context.Background(), []*ProviderPrice{provider(nil, "AWS", ProviderTypeHyperscaler, testNow, "1")})
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden), "provider writes stay privileged")
}

func TestServiceRecordSnapshot(t *testing.T) {
	observer := &recordingObserver{}
	svc, _ := newTestService(Options{Observer: observer})
	ctx := serviceCtx()

	snap, values := balancedSnapshot()
	snap.Timestamp = time.Time{}
	snap.HyperscalerCount = nil
	snap.NeocloudCount = nil
	rows := make([]*ProviderPrice, len(values))
	for i := range values {
		rows[i] = &values[i]
		rows[i].Timestamp = testNow.Add(-time.Minute)
	}

	report, err := svc.RecordSnapshot(ctx, snap, rows)
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Summary())
	assert.Equal(t, snap.ID, report.SnapshotID)

	assert.True(t, snap.Timestamp.Equal(testNow))
	require.NotNil(t, snap.HyperscalerCount)
	assert.Equal(t, 1, *snap.HyperscalerCount)
	assert.Equal(t, 1, *snap.NeocloudCount)

	stored, err := svc.ListProviders(ctx, ProviderQuery{IndexID: &snap.ID})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, row := range stored {
		assert.True(t, row.Timestamp.Equal(snap.Timestamp), "provider timestamps follow the snapshot")
	}

	audit, err := svc.AuditSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.True(t, audit.OK(), audit.Summary())

	assert.Equal(t, []errors.ErrorCode{"OK"}, observer.ops["record_snapshot"])
	assert.Equal(t, 1, observer.audits)
}

func TestServiceStrictInvariants(t *testing.T) {
	svc, store := newTestService(Options{StrictInvariants: true})
	ctx := serviceCtx()

	snap, values := balancedSnapshot()
	snap.IndexPrice = d("9.99")
	snap.HyperscalerComponent.Valid = false
	rows := []*ProviderPrice{&values[0], &values[1]}

	report, err := svc.RecordSnapshot(ctx, snap, rows)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvariantViolation))
	require.NotNil(t, report)
	assert.False(t, report.OK())

	snaps, err := store.ListSnapshots(ctx, SnapshotQuery{})
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestServiceRecordSnapshotFailureKeepsInput(t *testing.T) {
	svc, store := newTestService(Options{})
	ctx := serviceCtx()

	snap, values := balancedSnapshot()
	snap.Timestamp = time.Time{}
	snap.HyperscalerCount = nil
	snap.NeocloudCount = nil
	values[1].RelativeWeight = d("10000") // overflows NUMERIC(10,6)
	earlier := testNow.Add(-time.Hour)
	rows := []*ProviderPrice{&values[0], &values[1]}
	for _, row := range rows {
		row.Timestamp = earlier
	}

	_, err := svc.RecordSnapshot(ctx, snap, rows)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDBInvalidFormat))

	assert.Equal(t, uuid.Nil, snap.ID)
	assert.True(t, snap.Timestamp.IsZero())
	assert.Nil(t, snap.HyperscalerCount)
	assert.Nil(t, snap.NeocloudCount)
	for _, row := range rows {
		assert.True(t, row.Timestamp.Equal(earlier))
		assert.Nil(t, row.IndexID)
		assert.Zero(t, row.ID)
	}

	snaps, err := store.ListSnapshots(ctx, SnapshotQuery{})
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestServiceZeroTolerance(t *testing.T) {
	snap, values := balancedSnapshot()
	snap.IndexPrice = d("1.2550")
	snap.HyperscalerComponent.Valid = false

	lenient, _ := newTestService(Options{})
	report, err := lenient.RecordSnapshot(serviceCtx(), snap, []*ProviderPrice{&values[0], &values[1]})
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Summary())

	snap, values = balancedSnapshot()
	snap.IndexPrice = d("1.2550")
	snap.HyperscalerComponent.Valid = false

	exact, _ := newTestService(Options{Tolerance: NullDecimal(decimal.Zero)})
	report, err = exact.RecordSnapshot(serviceCtx(), snap, []*ProviderPrice{&values[0], &values[1]})
	require.NoError(t, err)
	assert.False(t, report.OK(), "an explicit zero tolerance is not replaced by the default")
}

func TestServiceDeviationGuard(t *testing.T) {
	svc, _ := newTestService(Options{Guard: DeviationGuard{MaxDeviation: DefaultMaxDeviation}})
	ctx := serviceCtx()

	require.NoError(t, svc.InsertSnapshot(ctx, &IndexSnapshot{IndexPrice: d("0.50")}), "first snapshot always passes")
	require.NoError(t, svc.InsertSnapshot(ctx, &IndexSnapshot{IndexPrice: d("0.55")}))

	err := svc.InsertSnapshot(ctx, &IndexSnapshot{IndexPrice: d("0.90")})
	assert.True(t, errors.HasCode(err, errors.ErrCodePriceDeviation))

	_, err = svc.RecordSnapshot(ctx, &IndexSnapshot{IndexPrice: d("0.10")}, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodePriceDeviation))
}

func TestServiceValidation(t *testing.T) {
	svc, _ := newTestService(Options{})
	ctx := serviceCtx()

	err := svc.InsertSnapshot(ctx, &IndexSnapshot{IndexPrice: d("-1")})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	err = svc.InsertSnapshot(ctx, &IndexSnapshot{IndexPrice: d("1"), Metadata: []byte("{not json")})
	assert.True(t, errors.HasCode(err, errors.ErrCodeDBInvalidFormat))

	err = svc.InsertProviders(ctx, []*ProviderPrice{provider(nil, "", ProviderTypeNeocloud, testNow, "1")})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestServiceAuditRecent(t *testing.T) {
	observer := &recordingObserver{}
	svc, store := newTestService(Options{Observer: observer})
	ctx := serviceCtx()

	good, values := balancedSnapshot()
	rows := []*ProviderPrice{&values[0], &values[1]}
	_, err := svc.RecordSnapshot(ctx, good, rows)
	require.NoError(t, err)

	bad := &IndexSnapshot{Timestamp: testNow.Add(-time.Hour), IndexPrice: d("5")}
	require.NoError(t, store.InsertSnapshot(ctx, bad))
	id := bad.ID
	require.NoError(t, store.InsertProviders(ctx, []*ProviderPrice{provider(&id, "GCP", ProviderTypeHyperscaler, bad.Timestamp, "1")}))

	old := &IndexSnapshot{Timestamp: testNow.Add(-72 * time.Hour), IndexPrice: d("5")}
	require.NoError(t, store.InsertSnapshot(ctx, old))

	reports, err := svc.AuditRecent(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	byID := map[uuid.UUID]*AuditReport{}
	for _, r := range reports {
		byID[r.SnapshotID] = r
	}
	assert.True(t, byID[good.ID].OK())
	assert.False(t, byID[bad.ID].OK())
}
