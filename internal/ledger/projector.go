package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/lotledger/lotledger/internal/observability"
)

// Projector rebuilds the on-hand projections from lot state. It is the single
// sanctioned repair mechanism when the incremental updates are suspected to
// have drifted: no direct row surgery exists.
type Projector struct {
	repo    RepositoryPort
	cache   *OnHandCache
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewProjector builds Projector.
func NewProjector(repo RepositoryPort, cache *OnHandCache, metrics *observability.Metrics, logger *slog.Logger) *Projector {
	return &Projector{repo: repo, cache: cache, metrics: metrics, logger: logger}
}

// Rebuild recomputes the projection for every (tenant, product) key in scope
// inside one snapshot transaction, creating missing rows, overwriting drifted
// ones, and zeroing rows whose active lots have vanished. Only corrected rows
// are reported, so a second run with no intervening mutation yields no deltas.
func (p *Projector) Rebuild(ctx context.Context, scope RebuildScope) ([]RebuildDelta, error) {
	start := time.Now()
	var deltas []RebuildDelta
	err := p.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rows, err := tx.RebuildRows(ctx, scope)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.HasProjection && row.ProjectionQuantity == row.LotQuantity {
				continue
			}
			err := tx.SetProjection(ctx, Projection{
				TenantID:  row.TenantID,
				ProductID: row.ProductID,
				Quantity:  row.LotQuantity,
			})
			if err != nil {
				return err
			}
			deltas = append(deltas, RebuildDelta{
				TenantID:  row.TenantID,
				ProductID: row.ProductID,
				Previous:  row.ProjectionQuantity,
				New:       row.LotQuantity,
				Created:   !row.HasProjection,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	_ = p.cache.Bump(ctx)
	p.metrics.AddRebuildDeltas(len(deltas))
	if p.logger != nil {
		p.logger.InfoContext(ctx, "projection rebuild completed",
			slog.Int64("tenant_id", scope.TenantID),
			slog.Int64("product_id", scope.ProductID),
			slog.Int("deltas", len(deltas)),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return deltas, nil
}
