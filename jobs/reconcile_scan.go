package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/lotledger/lotledger/internal/ledger"
)

const defaultScanParallelism = 4

// ReconcilerPort is the slice of the reconciler the scan job needs.
type ReconcilerPort interface {
	Reconcile(ctx context.Context, tenantID int64, productID *int64) (ledger.Report, error)
}

// TenantLister enumerates tenants holding stock lots.
type TenantLister interface {
	TenantIDs(ctx context.Context) ([]int64, error)
}

// ReconcileScanJob walks tenants and cross-checks their cost figures. Alerting
// on divergence happens inside the reconciler; the job only fans out and
// summarises.
type ReconcileScanJob struct {
	Reconciler ReconcilerPort
	Tenants    TenantLister
	Logger     *slog.Logger
	clock      func() time.Time
}

// NewReconcileScanJob initialises the scan handler.
func NewReconcileScanJob(reconciler ReconcilerPort, tenants TenantLister, logger *slog.Logger) *ReconcileScanJob {
	return &ReconcileScanJob{
		Reconciler: reconciler,
		Tenants:    tenants,
		Logger:     logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the reconciliation scan.
func (j *ReconcileScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("reconcile scan: handler not configured")
	}
	var payload ReconcileScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Parallelism <= 0 {
		payload.Parallelism = defaultScanParallelism
	}

	start := j.now()
	logger := j.logger()
	logger.Info("starting reconciliation scan",
		slog.Int64("tenant_id", payload.TenantID),
		slog.Int64("product_id", payload.ProductID),
	)

	tenants, err := j.scopeTenants(ctx, payload)
	if err != nil {
		logger.Error("scan failed", slog.Any("error", err))
		return err
	}

	var productID *int64
	if payload.ProductID != 0 {
		productID = &payload.ProductID
	}

	var diverged atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(payload.Parallelism)
	for _, tenantID := range tenants {
		group.Go(func() error {
			report, err := j.Reconciler.Reconcile(groupCtx, tenantID, productID)
			if err != nil {
				return err
			}
			if report.Diverged {
				diverged.Add(1)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		logger.Error("scan failed", slog.Any("error", err))
		return err
	}

	logger.Info("completed reconciliation scan",
		slog.Int("tenants", len(tenants)),
		slog.Int64("diverged", diverged.Load()),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *ReconcileScanJob) scopeTenants(ctx context.Context, payload ReconcileScanPayload) ([]int64, error) {
	if payload.TenantID != 0 {
		return []int64{payload.TenantID}, nil
	}
	if j.Tenants == nil {
		return nil, errors.New("reconcile scan: tenant lister not configured")
	}
	return j.Tenants.TenantIDs(ctx)
}

func (j *ReconcileScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReconcileScan))
	}
	return slog.Default().With(slog.String("job", TaskReconcileScan))
}

func (j *ReconcileScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
