package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/shared"
)

// memoryRepo implements RepositoryPort/TxRepository against maps. WithTx
// serialises callers the way row locks do and restores a snapshot on error, so
// the abort semantics of a failed operation are observable in tests.
type memoryRepo struct {
	mu           sync.Mutex
	lots         map[int64]*StockLot
	entries      map[int64]*StockEntry
	allocations  map[int64]*AllocationRecord
	returns      map[int64]*ReturnRecord
	projections  map[string]*Projection
	nextLotID    int64
	nextEntryID  int64
	nextAllocID  int64
	nextReturnID int64
	txErr        error
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		lots:        make(map[int64]*StockLot),
		entries:     make(map[int64]*StockEntry),
		allocations: make(map[int64]*AllocationRecord),
		returns:     make(map[int64]*ReturnRecord),
		projections: make(map[string]*Projection),
	}
}

func projectionKey(tenantID, productID int64) string {
	return fmt.Sprintf("%d:%d", tenantID, productID)
}

// memoryIdempotency mirrors the key store semantics: first insert wins,
// duplicates conflict, Delete releases the key for a later retry.
type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: make(map[string]string)}
}

func (s *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = module
	return nil
}

func (s *memoryIdempotency) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.txErr != nil {
		err := r.txErr
		r.txErr = nil
		return err
	}
	snapshot := r.clone()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.restore(snapshot)
		return err
	}
	return nil
}

func (r *memoryRepo) clone() *memoryRepo {
	c := newMemoryRepo()
	c.nextLotID, c.nextEntryID, c.nextAllocID, c.nextReturnID = r.nextLotID, r.nextEntryID, r.nextAllocID, r.nextReturnID
	for id, lot := range r.lots {
		dup := *lot
		c.lots[id] = &dup
	}
	for id, entry := range r.entries {
		dup := *entry
		c.entries[id] = &dup
	}
	for id, alloc := range r.allocations {
		dup := *alloc
		dup.Lines = append([]AllocationLine(nil), alloc.Lines...)
		c.allocations[id] = &dup
	}
	for id, ret := range r.returns {
		dup := *ret
		dup.Lines = append([]ReturnLine(nil), ret.Lines...)
		c.returns[id] = &dup
	}
	for key, p := range r.projections {
		dup := *p
		c.projections[key] = &dup
	}
	return c
}

func (r *memoryRepo) restore(snapshot *memoryRepo) {
	r.lots = snapshot.lots
	r.entries = snapshot.entries
	r.allocations = snapshot.allocations
	r.returns = snapshot.returns
	r.projections = snapshot.projections
	r.nextLotID, r.nextEntryID, r.nextAllocID, r.nextReturnID = snapshot.nextLotID, snapshot.nextEntryID, snapshot.nextAllocID, snapshot.nextReturnID
}

func (r *memoryRepo) sortedLots(match func(StockLot) bool) []StockLot {
	var lots []StockLot
	for _, lot := range r.lots {
		if match(*lot) {
			lots = append(lots, *lot)
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].ReceivedAt.Equal(lots[j].ReceivedAt) {
			return lots[i].ReceivedAt.Before(lots[j].ReceivedAt)
		}
		return lots[i].ID < lots[j].ID
	})
	return lots
}

func (r *memoryRepo) ListLots(ctx context.Context, filter LotFilter) ([]StockLot, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lots := r.sortedLots(func(l StockLot) bool {
		return l.TenantID == filter.TenantID && l.ProductID == filter.ProductID && l.Active &&
			(filter.IncludeDepleted || l.QuantityRemaining > 0)
	})
	return lots, len(lots), nil
}

func (r *memoryRepo) GetProjection(ctx context.Context, tenantID, productID int64) (Projection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.projections[projectionKey(tenantID, productID)]; ok {
		return *p, nil
	}
	return Projection{TenantID: tenantID, ProductID: productID}, shared.ErrNotFound
}

func (r *memoryRepo) SumRemaining(ctx context.Context, tenantID, productID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, lot := range r.lots {
		if lot.TenantID == tenantID && lot.ProductID == productID && lot.Active {
			sum += lot.QuantityRemaining
		}
	}
	return sum, nil
}

func (r *memoryRepo) TenantIDs(ctx context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[int64]bool)
	var ids []int64
	for _, lot := range r.lots {
		if !seen[lot.TenantID] {
			seen[lot.TenantID] = true
			ids = append(ids, lot.TenantID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (tx *memoryTx) InsertEntry(ctx context.Context, entry StockEntry) (int64, error) {
	tx.repo.nextEntryID++
	entry.ID = tx.repo.nextEntryID
	tx.repo.entries[entry.ID] = &entry
	return entry.ID, nil
}

func (tx *memoryTx) InsertLots(ctx context.Context, lots []StockLot) ([]StockLot, error) {
	out := make([]StockLot, 0, len(lots))
	for _, lot := range lots {
		tx.repo.nextLotID++
		lot.ID = tx.repo.nextLotID
		lot.Active = true
		stored := lot
		tx.repo.lots[lot.ID] = &stored
		out = append(out, lot)
	}
	return out, nil
}

func (tx *memoryTx) SelectLotsForUpdate(ctx context.Context, tenantID, productID int64) ([]StockLot, error) {
	return tx.repo.sortedLots(func(l StockLot) bool {
		return l.TenantID == tenantID && l.ProductID == productID && l.Active && l.QuantityRemaining > 0
	}), nil
}

func (tx *memoryTx) LotsForUpdate(ctx context.Context, tenantID int64, lotIDs []int64) ([]StockLot, error) {
	wanted := make(map[int64]bool, len(lotIDs))
	for _, id := range lotIDs {
		wanted[id] = true
	}
	return tx.repo.sortedLots(func(l StockLot) bool {
		return wanted[l.ID] && l.TenantID == tenantID
	}), nil
}

func (tx *memoryTx) GetLotForUpdate(ctx context.Context, lotID int64) (StockLot, error) {
	if lot, ok := tx.repo.lots[lotID]; ok {
		return *lot, nil
	}
	return StockLot{}, ErrLotNotFound
}

func (tx *memoryTx) TakeFromLot(ctx context.Context, lotID, quantity int64) error {
	lot, ok := tx.repo.lots[lotID]
	if !ok || lot.QuantityRemaining-quantity < 0 {
		return &InvariantError{LotID: lotID, Op: "take"}
	}
	lot.QuantityRemaining -= quantity
	return nil
}

func (tx *memoryTx) CreditLot(ctx context.Context, lotID, quantity int64) error {
	lot, ok := tx.repo.lots[lotID]
	if !ok || lot.QuantityRemaining+quantity > lot.QuantityReceived {
		return &InvariantError{LotID: lotID, Op: "credit"}
	}
	lot.QuantityRemaining += quantity
	return nil
}

func (tx *memoryTx) InsertAllocation(ctx context.Context, record AllocationRecord) (int64, error) {
	tx.repo.nextAllocID++
	record.ID = tx.repo.nextAllocID
	record.Lines = append([]AllocationLine(nil), record.Lines...)
	tx.repo.allocations[record.ID] = &record
	return record.ID, nil
}

func (tx *memoryTx) GetAllocationForUpdate(ctx context.Context, allocationID int64) (AllocationRecord, error) {
	alloc, ok := tx.repo.allocations[allocationID]
	if !ok {
		return AllocationRecord{}, ErrAllocationNotFound
	}
	dup := *alloc
	dup.Lines = append([]AllocationLine(nil), alloc.Lines...)
	return dup, nil
}

func (tx *memoryTx) ReturnedByLot(ctx context.Context, allocationID int64) (map[int64]int64, error) {
	returned := make(map[int64]int64)
	for _, ret := range tx.repo.returns {
		if ret.AllocationID != allocationID {
			continue
		}
		for _, line := range ret.Lines {
			returned[line.LotID] += line.QuantityReturned
		}
	}
	return returned, nil
}

func (tx *memoryTx) InsertReturn(ctx context.Context, record ReturnRecord) (int64, error) {
	tx.repo.nextReturnID++
	record.ID = tx.repo.nextReturnID
	record.Lines = append([]ReturnLine(nil), record.Lines...)
	tx.repo.returns[record.ID] = &record
	return record.ID, nil
}

func (tx *memoryTx) AdjustProjection(ctx context.Context, tenantID, productID, delta int64) error {
	key := projectionKey(tenantID, productID)
	if p, ok := tx.repo.projections[key]; ok {
		p.Quantity += delta
		return nil
	}
	tx.repo.projections[key] = &Projection{TenantID: tenantID, ProductID: productID, Quantity: delta}
	return nil
}

func (tx *memoryTx) SetProjection(ctx context.Context, projection Projection) error {
	tx.repo.projections[projectionKey(projection.TenantID, projection.ProductID)] = &projection
	return nil
}

func (tx *memoryTx) EntryLotsForUpdate(ctx context.Context, tenantID, entryID int64) ([]StockLot, error) {
	return tx.repo.sortedLots(func(l StockLot) bool {
		return l.TenantID == tenantID && l.EntryID == entryID && l.Active
	}), nil
}

func (tx *memoryTx) DeactivateEntry(ctx context.Context, tenantID, entryID int64) error {
	entry, ok := tx.repo.entries[entryID]
	if !ok || entry.TenantID != tenantID || !entry.Active {
		return ErrEntryNotFound
	}
	entry.Active = false
	for _, lot := range tx.repo.lots {
		if lot.TenantID == tenantID && lot.EntryID == entryID {
			lot.Active = false
		}
	}
	return nil
}

func (tx *memoryTx) UpdateLotUnitCost(ctx context.Context, lotID int64, unitCost decimal.Decimal) error {
	lot, ok := tx.repo.lots[lotID]
	if !ok {
		return ErrLotNotFound
	}
	lot.UnitCost = unitCost
	return nil
}

func (tx *memoryTx) RecomputeEntryCost(ctx context.Context, entryID int64) (decimal.Decimal, error) {
	entry, ok := tx.repo.entries[entryID]
	if !ok {
		return decimal.Zero, ErrEntryNotFound
	}
	total := decimal.Zero
	for _, lot := range tx.repo.lots {
		if lot.EntryID == entryID {
			total = total.Add(lot.UnitCost.Mul(decimal.NewFromInt(lot.QuantityReceived)))
		}
	}
	entry.TotalCost = total
	return total, nil
}

func (tx *memoryTx) RebuildRows(ctx context.Context, scope RebuildScope) ([]RebuildRow, error) {
	sums := make(map[string]*RebuildRow)
	key := func(tenantID, productID int64) *RebuildRow {
		k := projectionKey(tenantID, productID)
		if row, ok := sums[k]; ok {
			return row
		}
		row := &RebuildRow{TenantID: tenantID, ProductID: productID}
		sums[k] = row
		return row
	}
	inScope := func(tenantID, productID int64) bool {
		if scope.TenantID != 0 && tenantID != scope.TenantID {
			return false
		}
		if scope.ProductID != 0 && productID != scope.ProductID {
			return false
		}
		return true
	}
	for _, lot := range tx.repo.lots {
		if lot.Active && inScope(lot.TenantID, lot.ProductID) {
			key(lot.TenantID, lot.ProductID).LotQuantity += lot.QuantityRemaining
		}
	}
	for _, p := range tx.repo.projections {
		if inScope(p.TenantID, p.ProductID) {
			row := key(p.TenantID, p.ProductID)
			row.ProjectionQuantity = p.Quantity
			row.HasProjection = true
		}
	}
	var rows []RebuildRow
	for _, row := range sums {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TenantID != rows[j].TenantID {
			return rows[i].TenantID < rows[j].TenantID
		}
		return rows[i].ProductID < rows[j].ProductID
	})
	return rows, nil
}

func (tx *memoryTx) LotCostTotals(ctx context.Context, tenantID int64, productID *int64) (CostTotals, error) {
	totals := CostTotals{ReceivedTotal: decimal.Zero, RemainingCost: decimal.Zero}
	for _, lot := range tx.repo.lots {
		if lot.TenantID != tenantID {
			continue
		}
		if productID != nil && lot.ProductID != *productID {
			continue
		}
		totals.ReceivedTotal = totals.ReceivedTotal.Add(lot.UnitCost.Mul(decimal.NewFromInt(lot.QuantityReceived)))
		totals.RemainingCost = totals.RemainingCost.Add(lot.UnitCost.Mul(decimal.NewFromInt(lot.QuantityRemaining)))
	}
	return totals, nil
}

func (tx *memoryTx) AllocationCostTotals(ctx context.Context, tenantID int64, productID *int64) (AllocationTotals, error) {
	totals := AllocationTotals{AllocatedCost: decimal.Zero, RefundedCost: decimal.Zero}
	for _, alloc := range tx.repo.allocations {
		if alloc.TenantID != tenantID {
			continue
		}
		if productID != nil && alloc.ProductID != *productID {
			continue
		}
		totals.AllocatedCost = totals.AllocatedCost.Add(alloc.TotalCost)
	}
	for _, ret := range tx.repo.returns {
		if ret.TenantID != tenantID {
			continue
		}
		if productID != nil && ret.ProductID != *productID {
			continue
		}
		totals.RefundedCost = totals.RefundedCost.Add(ret.RefundCost)
	}
	return totals, nil
}
