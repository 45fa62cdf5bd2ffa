package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/platform/db"
	"github.com/lotledger/lotledger/internal/shared"
)

// Repository persists the lot ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the engine. Lot-locking
// methods acquire row locks in (received_at, id) order with NOWAIT; a lock held
// by a concurrent operation surfaces as ErrLotContention.
type TxRepository interface {
	InsertEntry(ctx context.Context, entry StockEntry) (int64, error)
	InsertLots(ctx context.Context, lots []StockLot) ([]StockLot, error)
	SelectLotsForUpdate(ctx context.Context, tenantID, productID int64) ([]StockLot, error)
	LotsForUpdate(ctx context.Context, tenantID int64, lotIDs []int64) ([]StockLot, error)
	GetLotForUpdate(ctx context.Context, lotID int64) (StockLot, error)
	TakeFromLot(ctx context.Context, lotID, quantity int64) error
	CreditLot(ctx context.Context, lotID, quantity int64) error
	InsertAllocation(ctx context.Context, record AllocationRecord) (int64, error)
	GetAllocationForUpdate(ctx context.Context, allocationID int64) (AllocationRecord, error)
	ReturnedByLot(ctx context.Context, allocationID int64) (map[int64]int64, error)
	InsertReturn(ctx context.Context, record ReturnRecord) (int64, error)
	AdjustProjection(ctx context.Context, tenantID, productID, delta int64) error
	SetProjection(ctx context.Context, projection Projection) error
	EntryLotsForUpdate(ctx context.Context, tenantID, entryID int64) ([]StockLot, error)
	DeactivateEntry(ctx context.Context, tenantID, entryID int64) error
	UpdateLotUnitCost(ctx context.Context, lotID int64, unitCost decimal.Decimal) error
	RecomputeEntryCost(ctx context.Context, entryID int64) (decimal.Decimal, error)
	RebuildRows(ctx context.Context, scope RebuildScope) ([]RebuildRow, error)
	LotCostTotals(ctx context.Context, tenantID int64, productID *int64) (CostTotals, error)
	AllocationCostTotals(ctx context.Context, tenantID int64, productID *int64) (AllocationTotals, error)
}

// RebuildRow pairs the authoritative lot sum with the stored projection for a key.
type RebuildRow struct {
	TenantID           int64
	ProductID          int64
	LotQuantity        int64
	ProjectionQuantity int64
	HasProjection      bool
}

// CostTotals carries the lot-derived money figures for a reconciliation scope.
type CostTotals struct {
	ReceivedTotal decimal.Decimal
	RemainingCost decimal.Decimal
}

// AllocationTotals carries the record-derived money figures for a reconciliation scope.
type AllocationTotals struct {
	AllocatedCost decimal.Decimal
	RefundedCost  decimal.Decimal
}

// ErrLotNotFound indicates a missing or inactive lot.
var ErrLotNotFound = errors.New("ledger: lot not found")

// ErrAllocationNotFound indicates a missing allocation record.
var ErrAllocationNotFound = errors.New("ledger: allocation not found")

// ErrEntryNotFound indicates a missing stock entry.
var ErrEntryNotFound = errors.New("ledger: entry not found")

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	return contention(err)
}

// ListLots returns lots in FIFO order together with the total match count.
func (r *Repository) ListLots(ctx context.Context, filter LotFilter) ([]StockLot, int, error) {
	if r == nil {
		return nil, 0, errors.New("ledger repository not initialised")
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_lots
WHERE tenant_id=$1 AND product_id=$2 AND active AND (quantity_remaining > 0 OR $3)`,
		filter.TenantID, filter.ProductID, filter.IncludeDepleted).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, entry_id, tenant_id, product_id, quantity_received, quantity_remaining, unit_cost, received_at, active
FROM stock_lots
WHERE tenant_id=$1 AND product_id=$2 AND active AND (quantity_remaining > 0 OR $3)
ORDER BY received_at ASC, id ASC
LIMIT $4 OFFSET $5`, filter.TenantID, filter.ProductID, filter.IncludeDepleted, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	lots, err := scanLots(rows)
	if err != nil {
		return nil, 0, err
	}
	return lots, total, nil
}

// GetProjection reads the stored on-hand projection for the key.
func (r *Repository) GetProjection(ctx context.Context, tenantID, productID int64) (Projection, error) {
	if r == nil {
		return Projection{}, errors.New("ledger repository not initialised")
	}
	var p Projection
	err := r.pool.QueryRow(ctx, `SELECT tenant_id, product_id, quantity, updated_at FROM inventory_projections WHERE tenant_id=$1 AND product_id=$2`,
		tenantID, productID).Scan(&p.TenantID, &p.ProductID, &p.Quantity, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Projection{TenantID: tenantID, ProductID: productID}, shared.ErrNotFound
		}
		return Projection{}, err
	}
	return p, nil
}

// SumRemaining derives the on-hand quantity straight from the active lots.
func (r *Repository) SumRemaining(ctx context.Context, tenantID, productID int64) (int64, error) {
	if r == nil {
		return 0, errors.New("ledger repository not initialised")
	}
	var sum int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity_remaining), 0) FROM stock_lots WHERE tenant_id=$1 AND product_id=$2 AND active`,
		tenantID, productID).Scan(&sum)
	return sum, err
}

// TenantIDs lists every tenant holding lots, for audit fan-out.
func (r *Repository) TenantIDs(ctx context.Context) ([]int64, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM stock_lots ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *txRepository) InsertEntry(ctx context.Context, entry StockEntry) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_entries (tenant_id, code, total_cost, note, received_at, active, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,TRUE,$6,NOW()) RETURNING id`,
		entry.TenantID, entry.Code, entry.TotalCost, entry.Note, entry.ReceivedAt, nullInt(entry.CreatedBy)).Scan(&id)
	return id, err
}

func (r *txRepository) InsertLots(ctx context.Context, lots []StockLot) ([]StockLot, error) {
	out := make([]StockLot, 0, len(lots))
	for _, lot := range lots {
		var id int64
		err := r.tx.QueryRow(ctx, `INSERT INTO stock_lots (entry_id, tenant_id, product_id, quantity_received, quantity_remaining, unit_cost, received_at, active)
VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE) RETURNING id`,
			lot.EntryID, lot.TenantID, lot.ProductID, lot.QuantityReceived, lot.QuantityRemaining, lot.UnitCost, lot.ReceivedAt).Scan(&id)
		if err != nil {
			return nil, err
		}
		lot.ID = id
		lot.Active = true
		out = append(out, lot)
	}
	return out, nil
}

func (r *txRepository) SelectLotsForUpdate(ctx context.Context, tenantID, productID int64) ([]StockLot, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, entry_id, tenant_id, product_id, quantity_received, quantity_remaining, unit_cost, received_at, active
FROM stock_lots
WHERE tenant_id=$1 AND product_id=$2 AND active AND quantity_remaining > 0
ORDER BY received_at ASC, id ASC
FOR UPDATE NOWAIT`, tenantID, productID)
	if err != nil {
		return nil, contention(err)
	}
	defer rows.Close()
	lots, err := scanLots(rows)
	if err != nil {
		return nil, contention(err)
	}
	return lots, nil
}

func (r *txRepository) LotsForUpdate(ctx context.Context, tenantID int64, lotIDs []int64) ([]StockLot, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, entry_id, tenant_id, product_id, quantity_received, quantity_remaining, unit_cost, received_at, active
FROM stock_lots
WHERE tenant_id=$1 AND id = ANY($2)
ORDER BY received_at ASC, id ASC
FOR UPDATE NOWAIT`, tenantID, lotIDs)
	if err != nil {
		return nil, contention(err)
	}
	defer rows.Close()
	lots, err := scanLots(rows)
	if err != nil {
		return nil, contention(err)
	}
	return lots, nil
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, lotID int64) (StockLot, error) {
	var lot StockLot
	err := r.tx.QueryRow(ctx, `SELECT id, entry_id, tenant_id, product_id, quantity_received, quantity_remaining, unit_cost, received_at, active
FROM stock_lots WHERE id=$1 FOR UPDATE NOWAIT`, lotID).
		Scan(&lot.ID, &lot.EntryID, &lot.TenantID, &lot.ProductID, &lot.QuantityReceived, &lot.QuantityRemaining, &lot.UnitCost, &lot.ReceivedAt, &lot.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockLot{}, ErrLotNotFound
		}
		return StockLot{}, contention(err)
	}
	return lot, nil
}

// TakeFromLot decrements quantity_remaining. The WHERE guard backs the
// invariant check already performed on the locked row.
func (r *txRepository) TakeFromLot(ctx context.Context, lotID, quantity int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_lots SET quantity_remaining = quantity_remaining - $2
WHERE id=$1 AND quantity_remaining - $2 >= 0`, lotID, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &InvariantError{LotID: lotID, Op: "take"}
	}
	return nil
}

// CreditLot increments quantity_remaining, capped at quantity_received.
func (r *txRepository) CreditLot(ctx context.Context, lotID, quantity int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_lots SET quantity_remaining = quantity_remaining + $2
WHERE id=$1 AND quantity_remaining + $2 <= quantity_received`, lotID, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &InvariantError{LotID: lotID, Op: "credit"}
	}
	return nil
}

func (r *txRepository) InsertAllocation(ctx context.Context, record AllocationRecord) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO allocations (tenant_id, product_id, quantity, total_cost, ref_module, ref_id, allocated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		record.TenantID, record.ProductID, record.Quantity, record.TotalCost, record.RefModule, nullUUID(record.RefID), record.AllocatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	for pos, line := range record.Lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO allocation_lines (allocation_id, lot_id, quantity_taken, unit_cost, line_cost, position)
VALUES ($1,$2,$3,$4,$5,$6)`, id, line.LotID, line.QuantityTaken, line.UnitCost, line.LineCost, pos); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (r *txRepository) GetAllocationForUpdate(ctx context.Context, allocationID int64) (AllocationRecord, error) {
	var record AllocationRecord
	err := r.tx.QueryRow(ctx, `SELECT id, tenant_id, product_id, quantity, total_cost, ref_module, COALESCE(ref_id::text, ''), allocated_at
FROM allocations WHERE id=$1 FOR UPDATE NOWAIT`, allocationID).
		Scan(&record.ID, &record.TenantID, &record.ProductID, &record.Quantity, &record.TotalCost, &record.RefModule, &record.RefID, &record.AllocatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AllocationRecord{}, ErrAllocationNotFound
		}
		return AllocationRecord{}, contention(err)
	}
	rows, err := r.tx.Query(ctx, `SELECT lot_id, quantity_taken, unit_cost, line_cost
FROM allocation_lines WHERE allocation_id=$1 ORDER BY position ASC`, allocationID)
	if err != nil {
		return AllocationRecord{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line AllocationLine
		if err := rows.Scan(&line.LotID, &line.QuantityTaken, &line.UnitCost, &line.LineCost); err != nil {
			return AllocationRecord{}, err
		}
		record.Lines = append(record.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return AllocationRecord{}, err
	}
	return record, nil
}

func (r *txRepository) ReturnedByLot(ctx context.Context, allocationID int64) (map[int64]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT rl.lot_id, COALESCE(SUM(rl.quantity_returned), 0)
FROM return_lines rl
JOIN returns rt ON rt.id = rl.return_id
WHERE rt.allocation_id=$1
GROUP BY rl.lot_id`, allocationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	returned := make(map[int64]int64)
	for rows.Next() {
		var lotID, qty int64
		if err := rows.Scan(&lotID, &qty); err != nil {
			return nil, err
		}
		returned[lotID] = qty
	}
	return returned, rows.Err()
}

func (r *txRepository) InsertReturn(ctx context.Context, record ReturnRecord) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO returns (allocation_id, tenant_id, product_id, quantity, refund_cost, ref_module, ref_id, returned_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		record.AllocationID, record.TenantID, record.ProductID, record.Quantity, record.RefundCost, record.RefModule, nullUUID(record.RefID), record.ReturnedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	for pos, line := range record.Lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO return_lines (return_id, lot_id, quantity_returned, unit_cost, refund_cost, position)
VALUES ($1,$2,$3,$4,$5,$6)`, id, line.LotID, line.QuantityReturned, line.UnitCost, line.RefundCost, pos); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (r *txRepository) AdjustProjection(ctx context.Context, tenantID, productID, delta int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_projections (tenant_id, product_id, quantity, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (tenant_id, product_id) DO UPDATE SET quantity = inventory_projections.quantity + EXCLUDED.quantity, updated_at = NOW()`,
		tenantID, productID, delta)
	return err
}

func (r *txRepository) SetProjection(ctx context.Context, projection Projection) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_projections (tenant_id, product_id, quantity, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (tenant_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = NOW()`,
		projection.TenantID, projection.ProductID, projection.Quantity)
	return err
}

func (r *txRepository) EntryLotsForUpdate(ctx context.Context, tenantID, entryID int64) ([]StockLot, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, entry_id, tenant_id, product_id, quantity_received, quantity_remaining, unit_cost, received_at, active
FROM stock_lots
WHERE tenant_id=$1 AND entry_id=$2 AND active
ORDER BY received_at ASC, id ASC
FOR UPDATE NOWAIT`, tenantID, entryID)
	if err != nil {
		return nil, contention(err)
	}
	defer rows.Close()
	lots, err := scanLots(rows)
	if err != nil {
		return nil, contention(err)
	}
	return lots, nil
}

func (r *txRepository) DeactivateEntry(ctx context.Context, tenantID, entryID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_entries SET active = FALSE WHERE tenant_id=$1 AND id=$2 AND active`, tenantID, entryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	_, err = r.tx.Exec(ctx, `UPDATE stock_lots SET active = FALSE WHERE tenant_id=$1 AND entry_id=$2`, tenantID, entryID)
	return err
}

func (r *txRepository) UpdateLotUnitCost(ctx context.Context, lotID int64, unitCost decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_lots SET unit_cost=$2 WHERE id=$1`, lotID, unitCost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *txRepository) RecomputeEntryCost(ctx context.Context, entryID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.tx.QueryRow(ctx, `UPDATE stock_entries SET total_cost = (
SELECT COALESCE(SUM(quantity_received * unit_cost), 0) FROM stock_lots WHERE entry_id=$1
) WHERE id=$1 RETURNING total_cost`, entryID).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrEntryNotFound
		}
		return decimal.Zero, err
	}
	return total, nil
}

func (r *txRepository) RebuildRows(ctx context.Context, scope RebuildScope) ([]RebuildRow, error) {
	rows, err := r.tx.Query(ctx, `SELECT
COALESCE(l.tenant_id, p.tenant_id),
COALESCE(l.product_id, p.product_id),
COALESCE(l.qty, 0),
COALESCE(p.quantity, 0),
p.tenant_id IS NOT NULL
FROM (
	SELECT tenant_id, product_id, SUM(quantity_remaining) AS qty
	FROM stock_lots WHERE active GROUP BY tenant_id, product_id
) l
FULL OUTER JOIN inventory_projections p USING (tenant_id, product_id)
WHERE ($1 = 0 OR COALESCE(l.tenant_id, p.tenant_id) = $1)
  AND ($2 = 0 OR COALESCE(l.product_id, p.product_id) = $2)
ORDER BY 1, 2`, scope.TenantID, scope.ProductID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RebuildRow
	for rows.Next() {
		var row RebuildRow
		if err := rows.Scan(&row.TenantID, &row.ProductID, &row.LotQuantity, &row.ProjectionQuantity, &row.HasProjection); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *txRepository) LotCostTotals(ctx context.Context, tenantID int64, productID *int64) (CostTotals, error) {
	var t CostTotals
	err := r.tx.QueryRow(ctx, `SELECT
COALESCE(SUM(quantity_received * unit_cost), 0),
COALESCE(SUM(quantity_remaining * unit_cost), 0)
FROM stock_lots
WHERE tenant_id=$1 AND ($2::bigint IS NULL OR product_id=$2)`, tenantID, productID).
		Scan(&t.ReceivedTotal, &t.RemainingCost)
	return t, err
}

func (r *txRepository) AllocationCostTotals(ctx context.Context, tenantID int64, productID *int64) (AllocationTotals, error) {
	var t AllocationTotals
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(total_cost), 0)
FROM allocations WHERE tenant_id=$1 AND ($2::bigint IS NULL OR product_id=$2)`, tenantID, productID).Scan(&t.AllocatedCost)
	if err != nil {
		return AllocationTotals{}, err
	}
	err = r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(refund_cost), 0)
FROM returns WHERE tenant_id=$1 AND ($2::bigint IS NULL OR product_id=$2)`, tenantID, productID).Scan(&t.RefundedCost)
	if err != nil {
		return AllocationTotals{}, err
	}
	return t, nil
}

func scanLots(rows pgx.Rows) ([]StockLot, error) {
	var lots []StockLot
	for rows.Next() {
		var lot StockLot
		if err := rows.Scan(&lot.ID, &lot.EntryID, &lot.TenantID, &lot.ProductID, &lot.QuantityReceived, &lot.QuantityRemaining, &lot.UnitCost, &lot.ReceivedAt, &lot.Active); err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lots, nil
}

// contention rewrites lock-wait and serialization failures into the retryable
// ErrLotContention.
func contention(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 55P03 lock_not_available (NOWAIT), 40001 serialization_failure.
		if pgErr.Code == "55P03" || pgErr.Code == "40001" {
			return fmt.Errorf("%w: %s", ErrLotContention, pgErr.Message)
		}
	}
	return err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullUUID(value string) any {
	if value == "" {
		return nil
	}
	return value
}
