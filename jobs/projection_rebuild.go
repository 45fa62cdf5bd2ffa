package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lotledger/lotledger/internal/ledger"
)

// RebuilderPort is the slice of the projector the rebuild job needs.
type RebuilderPort interface {
	Rebuild(ctx context.Context, scope ledger.RebuildScope) ([]ledger.RebuildDelta, error)
}

// ProjectionRebuildJob recomputes on-hand projections from lot state.
type ProjectionRebuildJob struct {
	Projector RebuilderPort
	Logger    *slog.Logger
	clock     func() time.Time
}

// NewProjectionRebuildJob initialises the rebuild handler.
func NewProjectionRebuildJob(projector RebuilderPort, logger *slog.Logger) *ProjectionRebuildJob {
	return &ProjectionRebuildJob{
		Projector: projector,
		Logger:    logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the projection rebuild.
func (j *ProjectionRebuildJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Projector == nil {
		return errors.New("projection rebuild: handler not configured")
	}
	var payload ProjectionRebuildPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start := j.now()
	logger := j.logger()
	logger.Info("starting projection rebuild",
		slog.Int64("tenant_id", payload.TenantID),
		slog.Int64("product_id", payload.ProductID),
	)

	deltas, err := j.Projector.Rebuild(ctx, ledger.RebuildScope{
		TenantID:  payload.TenantID,
		ProductID: payload.ProductID,
	})
	if err != nil {
		logger.Error("rebuild failed", slog.Any("error", err))
		return err
	}

	for _, delta := range deltas {
		logger.Warn("projection corrected",
			slog.Int64("tenant_id", delta.TenantID),
			slog.Int64("product_id", delta.ProductID),
			slog.Int64("previous", delta.Previous),
			slog.Int64("new", delta.New),
			slog.Bool("created", delta.Created),
		)
	}

	logger.Info("completed projection rebuild",
		slog.Int("deltas", len(deltas)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *ProjectionRebuildJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskProjectionRebuild))
	}
	return slog.Default().With(slog.String("job", TaskProjectionRebuild))
}

func (j *ProjectionRebuildJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
