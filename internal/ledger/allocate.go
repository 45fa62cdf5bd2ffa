package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/observability"
)

// Allocate consumes lots in strict (received_at, lot_id) order to cover a sold
// quantity and returns the resulting cost basis. The operation either fully
// satisfies the request or mutates nothing: insufficient stock aborts the
// transaction and reports the shortfall.
func (s *Service) Allocate(ctx context.Context, input AllocateInput) (AllocationRecord, error) {
	if input.TenantID == 0 || input.ProductID == 0 {
		return AllocationRecord{}, errors.New("ledger: tenant and product required")
	}
	if input.Quantity <= 0 {
		return AllocationRecord{}, ErrInvalidQuantity
	}
	if input.RefID != "" {
		if _, err := uuid.Parse(input.RefID); err != nil {
			return AllocationRecord{}, fmt.Errorf("ledger: invalid ref id: %w", err)
		}
	}

	var record AllocationRecord
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lots, err := tx.SelectLotsForUpdate(ctx, input.TenantID, input.ProductID)
		if err != nil {
			return err
		}

		needed := input.Quantity
		lines := make([]AllocationLine, 0, len(lots))
		total := decimal.Zero
		for _, lot := range lots {
			if needed == 0 {
				break
			}
			take := min(needed, lot.QuantityRemaining)
			lineCost := lot.UnitCost.Mul(decimal.NewFromInt(take))
			lines = append(lines, AllocationLine{
				LotID:         lot.ID,
				QuantityTaken: take,
				UnitCost:      lot.UnitCost,
				LineCost:      lineCost,
			})
			total = total.Add(lineCost)
			needed -= take
		}
		if needed > 0 {
			return &InsufficientStockError{
				TenantID:  input.TenantID,
				ProductID: input.ProductID,
				Requested: input.Quantity,
				Shortfall: needed,
			}
		}

		for _, line := range lines {
			if err := tx.TakeFromLot(ctx, line.LotID, line.QuantityTaken); err != nil {
				return err
			}
		}

		record = AllocationRecord{
			TenantID:    input.TenantID,
			ProductID:   input.ProductID,
			Quantity:    input.Quantity,
			TotalCost:   total,
			RefModule:   input.RefModule,
			RefID:       input.RefID,
			AllocatedAt: s.now(),
			Lines:       lines,
		}
		id, err := tx.InsertAllocation(ctx, record)
		if err != nil {
			return err
		}
		record.ID = id

		return tx.AdjustProjection(ctx, input.TenantID, input.ProductID, -input.Quantity)
	})
	if err != nil {
		s.metrics.ObserveAllocation(allocationResult(err))
		return AllocationRecord{}, err
	}
	s.metrics.ObserveAllocation(observability.ResultOK)

	_ = s.cache.Invalidate(ctx, input.TenantID, input.ProductID)
	s.auditAllocation(ctx, input, record)

	s.postAllocationEvent(ctx, record)
	return record, nil
}

func (s *Service) auditAllocation(ctx context.Context, input AllocateInput, record AllocationRecord) {
	s.recordAudit(ctx, auditEntry(input.ActorID, "ledger:allocate", "allocation", record.ID, map[string]any{
		"tenant_id":  record.TenantID,
		"product_id": record.ProductID,
		"quantity":   record.Quantity,
		"total_cost": record.TotalCost.String(),
		"lots":       len(record.Lines),
	}))
}

func allocationResult(err error) string {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		return observability.ResultInsufficient
	case errors.Is(err, ErrLotContention):
		return observability.ResultContention
	default:
		return observability.ResultError
	}
}
