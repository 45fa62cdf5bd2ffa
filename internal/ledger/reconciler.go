package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// Report carries the two independent cost-of-goods-sold derivations for a
// reconciliation scope and their divergence.
type Report struct {
	TenantID                int64
	ProductID               *int64
	ReceivedTotal           decimal.Decimal
	RemainingCost           decimal.Decimal
	SoldCostFromLots        decimal.Decimal
	SoldCostFromAllocations decimal.Decimal
	Divergence              decimal.Decimal
	Diverged                bool
	CheckedAt               time.Time
}

// Reconciler cross-checks cost figures between the lots and the allocation
// records. It is read-only and side-effect-free on ledger state; a divergence
// beyond the rounding epsilon is surfaced as an auditable alert, never
// silently corrected.
type Reconciler struct {
	repo    RepositoryPort
	audit   AuditPort
	metrics divergenceRecorder
	logger  *slog.Logger
	epsilon decimal.Decimal
	clock   func() time.Time
}

type divergenceRecorder interface {
	SetDivergence(tenantID int64, value float64)
}

// NewReconciler builds Reconciler. Epsilon tolerates fixed-point rounding;
// anything beyond it is a data-integrity defect.
func NewReconciler(repo RepositoryPort, audit AuditPort, metrics divergenceRecorder, logger *slog.Logger, epsilon decimal.Decimal) *Reconciler {
	return &Reconciler{
		repo:    repo,
		audit:   audit,
		metrics: metrics,
		logger:  logger,
		epsilon: epsilon,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Reconcile compares money received, money remaining, and money sold across
// two independent derivations for a tenant, optionally narrowed to a product.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID int64, productID *int64) (Report, error) {
	var lotTotals CostTotals
	var allocTotals AllocationTotals
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if lotTotals, err = tx.LotCostTotals(ctx, tenantID, productID); err != nil {
			return err
		}
		allocTotals, err = tx.AllocationCostTotals(ctx, tenantID, productID)
		return err
	})
	if err != nil {
		return Report{}, err
	}

	soldFromLots := lotTotals.ReceivedTotal.Sub(lotTotals.RemainingCost)
	soldFromAllocations := allocTotals.AllocatedCost.Sub(allocTotals.RefundedCost)
	divergence := soldFromLots.Sub(soldFromAllocations)

	report := Report{
		TenantID:                tenantID,
		ProductID:               productID,
		ReceivedTotal:           lotTotals.ReceivedTotal,
		RemainingCost:           lotTotals.RemainingCost,
		SoldCostFromLots:        soldFromLots,
		SoldCostFromAllocations: soldFromAllocations,
		Divergence:              divergence,
		Diverged:                divergence.Abs().GreaterThan(r.epsilon),
		CheckedAt:               r.clock(),
	}

	if report.Diverged {
		r.alert(ctx, report)
	} else if r.metrics != nil {
		r.metrics.SetDivergence(tenantID, 0)
	}
	return report, nil
}

func (r *Reconciler) alert(ctx context.Context, report Report) {
	if r.metrics != nil {
		value, _ := report.Divergence.Float64()
		r.metrics.SetDivergence(report.TenantID, value)
	}
	if r.logger != nil {
		attrs := []any{
			slog.Int64("tenant_id", report.TenantID),
			slog.String("divergence", report.Divergence.String()),
			slog.String("sold_from_lots", report.SoldCostFromLots.String()),
			slog.String("sold_from_allocations", report.SoldCostFromAllocations.String()),
		}
		if report.ProductID != nil {
			attrs = append(attrs, slog.Int64("product_id", *report.ProductID))
		}
		r.logger.WarnContext(ctx, "cost reconciliation divergence", attrs...)
	}
	if r.audit != nil {
		meta := map[string]any{
			"divergence":            report.Divergence.String(),
			"received_total":        report.ReceivedTotal.String(),
			"remaining_cost":        report.RemainingCost.String(),
			"sold_from_lots":        report.SoldCostFromLots.String(),
			"sold_from_allocations": report.SoldCostFromAllocations.String(),
		}
		if report.ProductID != nil {
			meta["product_id"] = *report.ProductID
		}
		_ = r.audit.Record(ctx, auditEntry(0, "ledger:reconcile_divergence", "tenant", report.TenantID, meta))
	}
}
