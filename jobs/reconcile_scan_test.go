package jobs

import (
	"context"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/lotledger/lotledger/internal/ledger"
)

type fakeReconciler struct {
	mu       sync.Mutex
	seen     []int64
	products []*int64
	diverged map[int64]bool
}

func (f *fakeReconciler) Reconcile(ctx context.Context, tenantID int64, productID *int64) (ledger.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, tenantID)
	f.products = append(f.products, productID)
	return ledger.Report{
		TenantID:   tenantID,
		Divergence: decimal.Zero,
		Diverged:   f.diverged[tenantID],
	}, nil
}

type fakeTenantLister struct {
	tenants []int64
}

func (f *fakeTenantLister) TenantIDs(ctx context.Context) ([]int64, error) {
	return f.tenants, nil
}

func TestReconcileScanFansOutOverAllTenants(t *testing.T) {
	reconciler := &fakeReconciler{diverged: map[int64]bool{2: true}}
	job := NewReconcileScanJob(reconciler, &fakeTenantLister{tenants: []int64{1, 2, 3}}, nil)

	task, err := NewReconcileScanTask(ReconcileScanPayload{Parallelism: 2})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.ElementsMatch(t, []int64{1, 2, 3}, reconciler.seen)
	for _, p := range reconciler.products {
		require.Nil(t, p)
	}
}

func TestReconcileScanHonoursExplicitScope(t *testing.T) {
	reconciler := &fakeReconciler{}
	job := NewReconcileScanJob(reconciler, nil, nil)

	task, err := NewReconcileScanTask(ReconcileScanPayload{TenantID: 7, ProductID: 100})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []int64{7}, reconciler.seen)
	require.Len(t, reconciler.products, 1)
	require.NotNil(t, reconciler.products[0])
	require.Equal(t, int64(100), *reconciler.products[0])
}

func TestReconcileScanSkipsRetryOnMalformedPayload(t *testing.T) {
	job := NewReconcileScanJob(&fakeReconciler{}, &fakeTenantLister{}, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskReconcileScan, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeRebuilder struct {
	scope  ledger.RebuildScope
	deltas []ledger.RebuildDelta
}

func (f *fakeRebuilder) Rebuild(ctx context.Context, scope ledger.RebuildScope) ([]ledger.RebuildDelta, error) {
	f.scope = scope
	return f.deltas, nil
}

func TestProjectionRebuildPassesScopeThrough(t *testing.T) {
	rebuilder := &fakeRebuilder{deltas: []ledger.RebuildDelta{{TenantID: 1, ProductID: 100, New: 15, Created: true}}}
	job := NewProjectionRebuildJob(rebuilder, nil)

	task, err := NewProjectionRebuildTask(ProjectionRebuildPayload{TenantID: 1, ProductID: 100})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, ledger.RebuildScope{TenantID: 1, ProductID: 100}, rebuilder.scope)
}
