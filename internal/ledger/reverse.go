package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/observability"
)

// Reverse credits a returned quantity back to the lots a prior allocation
// consumed, replaying the allocation's lines in their original consumption
// order. A full reversal therefore restores the exact pre-sale state of every
// touched lot. Cumulative returns against one allocation never exceed the
// quantity originally taken.
func (s *Service) Reverse(ctx context.Context, input ReverseInput) (ReturnRecord, error) {
	if input.TenantID == 0 || input.AllocationID == 0 {
		return ReturnRecord{}, errors.New("ledger: tenant and allocation required")
	}
	if input.Quantity <= 0 {
		return ReturnRecord{}, ErrInvalidQuantity
	}
	if input.RefID != "" {
		if _, err := uuid.Parse(input.RefID); err != nil {
			return ReturnRecord{}, fmt.Errorf("ledger: invalid ref id: %w", err)
		}
	}

	var record ReturnRecord
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		allocation, err := tx.GetAllocationForUpdate(ctx, input.AllocationID)
		if err != nil {
			return err
		}
		if allocation.TenantID != input.TenantID {
			return s.isolationViolation(ctx, input.TenantID, "allocation", input.AllocationID)
		}

		returned, err := tx.ReturnedByLot(ctx, input.AllocationID)
		if err != nil {
			return err
		}
		var alreadyReturned int64
		for _, qty := range returned {
			alreadyReturned += qty
		}
		returnable := allocation.Quantity - alreadyReturned
		if input.Quantity > returnable {
			return &InvalidReturnError{
				AllocationID: input.AllocationID,
				Reason:       fmt.Sprintf("requested %d exceeds returnable %d", input.Quantity, returnable),
			}
		}

		// Lock the touched lots in the same ascending order allocations use,
		// so concurrent allocate and reverse on overlapping lot sets cannot
		// deadlock.
		lotIDs := make([]int64, 0, len(allocation.Lines))
		for _, line := range allocation.Lines {
			lotIDs = append(lotIDs, line.LotID)
		}
		lots, err := tx.LotsForUpdate(ctx, input.TenantID, lotIDs)
		if err != nil {
			return err
		}
		if len(lots) != len(lotIDs) {
			return s.isolationViolation(ctx, input.TenantID, "allocation", input.AllocationID)
		}

		remaining := input.Quantity
		lines := make([]ReturnLine, 0, len(allocation.Lines))
		refund := decimal.Zero
		for _, line := range allocation.Lines {
			if remaining == 0 {
				break
			}
			give := min(remaining, line.QuantityTaken-returned[line.LotID])
			if give <= 0 {
				continue
			}
			if err := tx.CreditLot(ctx, line.LotID, give); err != nil {
				return err
			}
			lineRefund := line.UnitCost.Mul(decimal.NewFromInt(give))
			lines = append(lines, ReturnLine{
				LotID:            line.LotID,
				QuantityReturned: give,
				UnitCost:         line.UnitCost,
				RefundCost:       lineRefund,
			})
			refund = refund.Add(lineRefund)
			remaining -= give
		}
		if remaining > 0 {
			return &InvalidReturnError{
				AllocationID: input.AllocationID,
				Reason:       fmt.Sprintf("could not distribute %d of %d returned units", remaining, input.Quantity),
			}
		}

		record = ReturnRecord{
			AllocationID: input.AllocationID,
			TenantID:     input.TenantID,
			ProductID:    allocation.ProductID,
			Quantity:     input.Quantity,
			RefundCost:   refund,
			RefModule:    input.RefModule,
			RefID:        input.RefID,
			ReturnedAt:   s.now(),
			Lines:        lines,
		}
		id, err := tx.InsertReturn(ctx, record)
		if err != nil {
			return err
		}
		record.ID = id

		return tx.AdjustProjection(ctx, input.TenantID, allocation.ProductID, input.Quantity)
	})
	if err != nil {
		s.metrics.ObserveReturn(returnResult(err))
		return ReturnRecord{}, err
	}
	s.metrics.ObserveReturn(observability.ResultOK)

	_ = s.cache.Invalidate(ctx, input.TenantID, record.ProductID)
	s.recordAudit(ctx, auditEntry(input.ActorID, "ledger:reverse", "return", record.ID, map[string]any{
		"tenant_id":     record.TenantID,
		"product_id":    record.ProductID,
		"allocation_id": record.AllocationID,
		"quantity":      record.Quantity,
		"refund_cost":   record.RefundCost.String(),
	}))

	s.postReturnEvent(ctx, record)
	return record, nil
}

func returnResult(err error) string {
	var invalid *InvalidReturnError
	switch {
	case errors.As(err, &invalid):
		return observability.ResultInvalid
	case errors.Is(err, ErrLotContention):
		return observability.ResultContention
	default:
		return observability.ResultError
	}
}
