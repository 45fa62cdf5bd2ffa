package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// AllocationPostedEvent notifies collaborators that a sale line item has been
// costed against the lot ledger.
type AllocationPostedEvent struct {
	AllocationID int64
	TenantID     int64
	ProductID    int64
	Quantity     int64
	TotalCost    decimal.Decimal
	AllocatedAt  time.Time
}

// ReturnPostedEvent notifies collaborators that a return has been credited
// back to its originating lots.
type ReturnPostedEvent struct {
	ReturnID     int64
	AllocationID int64
	TenantID     int64
	ProductID    int64
	Quantity     int64
	RefundCost   decimal.Decimal
	ReturnedAt   time.Time
}

// IntegrationHandler receives ledger events for downstream posting.
type IntegrationHandler interface {
	HandleAllocationPosted(ctx context.Context, evt AllocationPostedEvent) error
	HandleReturnPosted(ctx context.Context, evt ReturnPostedEvent) error
}

// postAllocationEvent notifies the wired integration after the transaction has
// committed. A delivery failure is logged, never returned: the allocation is
// already durable and the caller must see it as such.
func (s *Service) postAllocationEvent(ctx context.Context, record AllocationRecord) {
	if s.integration == nil {
		return
	}
	err := s.integration.HandleAllocationPosted(ctx, AllocationPostedEvent{
		AllocationID: record.ID,
		TenantID:     record.TenantID,
		ProductID:    record.ProductID,
		Quantity:     record.Quantity,
		TotalCost:    record.TotalCost,
		AllocatedAt:  record.AllocatedAt,
	})
	if err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "allocation event delivery failed",
			slog.Int64("allocation_id", record.ID),
			slog.Any("error", err),
		)
	}
}

// postReturnEvent mirrors postAllocationEvent for returns.
func (s *Service) postReturnEvent(ctx context.Context, record ReturnRecord) {
	if s.integration == nil {
		return
	}
	err := s.integration.HandleReturnPosted(ctx, ReturnPostedEvent{
		ReturnID:     record.ID,
		AllocationID: record.AllocationID,
		TenantID:     record.TenantID,
		ProductID:    record.ProductID,
		Quantity:     record.Quantity,
		RefundCost:   record.RefundCost,
		ReturnedAt:   record.ReturnedAt,
	})
	if err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "return event delivery failed",
			slog.Int64("return_id", record.ID),
			slog.Any("error", err),
		)
	}
}
