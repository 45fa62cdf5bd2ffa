package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type gaugeRecorder struct {
	tenantID int64
	value    float64
	calls    int
}

func (g *gaugeRecorder) SetDivergence(tenantID int64, value float64) {
	g.tenantID = tenantID
	g.value = value
	g.calls++
}

func TestReconcileCleanLedgerHasZeroDivergence(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, ServiceDeps{})
	ctx := context.Background()

	seedTwoLots(t, svc, 1, 100)
	record, err := svc.Allocate(ctx, AllocateInput{TenantID: 1, ProductID: 100, Quantity: 12})
	require.NoError(t, err)
	_, err = svc.Reverse(ctx, ReverseInput{TenantID: 1, AllocationID: record.ID, Quantity: 5})
	require.NoError(t, err)

	gauge := &gaugeRecorder{}
	audit := &memoryAudit{}
	reconciler := NewReconciler(repo, audit, gauge, nil, money("0.01"))

	report, err := reconciler.Reconcile(ctx, 1, nil)
	require.NoError(t, err)
	require.False(t, report.Diverged)
	require.True(t, report.Divergence.IsZero(), "divergence %s", report.Divergence)
	require.True(t, report.ReceivedTotal.Equal(money("90.00")))
	require.True(t, report.SoldCostFromLots.Equal(report.SoldCostFromAllocations))

	require.Equal(t, 1, gauge.calls)
	require.Equal(t, float64(0), gauge.value)
	require.Empty(t, audit.logs)
}

func TestReconcileDetectsTamperedLot(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, ServiceDeps{})
	ctx := context.Background()

	lotA, _ := seedTwoLots(t, svc, 1, 100)
	_, err := svc.Allocate(ctx, AllocateInput{TenantID: 1, ProductID: 100, Quantity: 12})
	require.NoError(t, err)

	// Out-of-band row surgery: the lot claims two more units on hand than
	// the allocation trail accounts for.
	repo.mu.Lock()
	repo.lots[lotA.ID].QuantityRemaining += 2
	repo.mu.Unlock()

	gauge := &gaugeRecorder{}
	audit := &memoryAudit{}
	reconciler := NewReconciler(repo, audit, gauge, nil, money("0.01"))

	report, err := reconciler.Reconcile(ctx, 1, nil)
	require.NoError(t, err)
	require.True(t, report.Diverged)
	require.True(t, report.Divergence.Equal(money("-10.00")), "divergence %s", report.Divergence)

	require.Equal(t, int64(1), gauge.tenantID)
	require.Equal(t, float64(-10), gauge.value)

	require.Len(t, audit.logs, 1)
	require.Equal(t, "ledger:reconcile_divergence", audit.logs[0].Action)
	require.Equal(t, "-10", audit.logs[0].Meta["divergence"])

	// Read-only: the reconciler reports and alerts, it never repairs.
	require.Equal(t, int64(2), repo.lots[lotA.ID].QuantityRemaining)
}

func TestReconcileEpsilonAbsorbsRoundingNoise(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, ServiceDeps{})
	ctx := context.Background()

	lotA, _ := seedTwoLots(t, svc, 1, 100)
	_, err := svc.Allocate(ctx, AllocateInput{TenantID: 1, ProductID: 100, Quantity: 10})
	require.NoError(t, err)

	// Nudge the frozen cost by a sub-epsilon amount per unit.
	repo.mu.Lock()
	repo.lots[lotA.ID].UnitCost = money("5.0001")
	repo.mu.Unlock()

	reconciler := NewReconciler(repo, nil, nil, nil, money("0.01"))
	report, err := reconciler.Reconcile(ctx, 1, nil)
	require.NoError(t, err)
	require.False(t, report.Diverged)
	require.False(t, report.Divergence.IsZero())
}

func TestReconcileScopedToProduct(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, ServiceDeps{})
	ctx := context.Background()

	seedTwoLots(t, svc, 1, 100)
	other, err := svc.RecordBatch(ctx, BatchInput{
		TenantID: 1,
		Lines:    []BatchLine{{ProductID: 200, QuantityReceived: 4, UnitCost: money("3.00")}},
	})
	require.NoError(t, err)

	// Corrupt the other product only.
	repo.mu.Lock()
	repo.lots[other.Lots[0].ID].QuantityRemaining = 1
	repo.mu.Unlock()

	reconciler := NewReconciler(repo, nil, nil, nil, money("0.01"))

	productID := int64(100)
	report, err := reconciler.Reconcile(ctx, 1, &productID)
	require.NoError(t, err)
	require.False(t, report.Diverged)

	productID = 200
	report, err = reconciler.Reconcile(ctx, 1, &productID)
	require.NoError(t, err)
	require.True(t, report.Diverged)
}
