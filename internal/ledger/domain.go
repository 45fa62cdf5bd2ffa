package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StockEntry is a batch header grouping the lots received together.
// TotalCost is denormalised and always recomputed from the lots.
type StockEntry struct {
	ID         int64
	TenantID   int64
	Code       string
	TotalCost  decimal.Decimal
	Note       string
	ReceivedAt time.Time
	Active     bool
	CreatedBy  int64
	CreatedAt  time.Time

	Lots []StockLot
}

// StockLot is one purchase batch slice for one product. UnitCost is frozen at
// receipt time and never follows later catalog cost changes.
type StockLot struct {
	ID                int64
	EntryID           int64
	TenantID          int64
	ProductID         int64
	QuantityReceived  int64
	QuantityRemaining int64
	UnitCost          decimal.Decimal
	ReceivedAt        time.Time
	Active            bool
}

// Untouched reports whether the lot has never been consumed.
func (l StockLot) Untouched() bool {
	return l.QuantityRemaining == l.QuantityReceived
}

// AllocationLine records the quantity taken from a single lot.
type AllocationLine struct {
	LotID         int64
	QuantityTaken int64
	UnitCost      decimal.Decimal
	LineCost      decimal.Decimal
}

// AllocationRecord is the cost basis of one sold line item. Lines are ordered
// by consumption order and immutable once written.
type AllocationRecord struct {
	ID          int64
	TenantID    int64
	ProductID   int64
	Quantity    int64
	TotalCost   decimal.Decimal
	RefModule   string
	RefID       string
	AllocatedAt time.Time
	Lines       []AllocationLine
}

// ReturnLine records the quantity credited back to a single lot.
type ReturnLine struct {
	LotID            int64
	QuantityReturned int64
	UnitCost         decimal.Decimal
	RefundCost       decimal.Decimal
}

// ReturnRecord is the replay of a prior allocation produced by a return.
type ReturnRecord struct {
	ID           int64
	AllocationID int64
	TenantID     int64
	ProductID    int64
	Quantity     int64
	RefundCost   decimal.Decimal
	RefModule    string
	RefID        string
	ReturnedAt   time.Time
	Lines        []ReturnLine
}

// Projection is the derived on-hand quantity per (tenant, product). It carries
// no information the lots do not already contain and is rebuildable at any time.
type Projection struct {
	TenantID  int64
	ProductID int64
	Quantity  int64
	UpdatedAt time.Time
}

// BatchLine describes one product slice of a purchase batch.
type BatchLine struct {
	ProductID        int64           `validate:"required,gt=0"`
	QuantityReceived int64           `validate:"required,gt=0"`
	UnitCost         decimal.Decimal `validate:"-"`
}

// BatchInput describes a purchase batch supplied by the intake collaborator.
type BatchInput struct {
	TenantID   int64  `validate:"required,gt=0"`
	Code       string `validate:"omitempty,max=64"`
	Note       string
	ReceivedAt time.Time
	ActorID    int64
	Lines      []BatchLine `validate:"required,min=1,dive"`
}

// AllocateInput describes a sale line item to cost.
type AllocateInput struct {
	TenantID  int64
	ProductID int64
	Quantity  int64
	RefModule string
	RefID     string
	ActorID   int64
}

// ReverseInput describes a return against a prior allocation.
type ReverseInput struct {
	TenantID     int64
	AllocationID int64
	Quantity     int64
	RefModule    string
	RefID        string
	ActorID      int64
}

// OverrideInput describes a deliberate, audited unit cost correction.
type OverrideInput struct {
	TenantID int64
	LotID    int64
	UnitCost decimal.Decimal
	Reason   string
	ActorID  int64
}

// LotFilter filters lot listings. Lots are always returned in FIFO order.
type LotFilter struct {
	TenantID        int64
	ProductID       int64
	IncludeDepleted bool
	Page            int
	PerPage         int
}

// RebuildScope narrows a projection rebuild to a tenant or a single product.
// The zero value rebuilds every projection.
type RebuildScope struct {
	TenantID  int64
	ProductID int64
}

// RebuildDelta reports one projection row corrected by a rebuild.
type RebuildDelta struct {
	TenantID  int64
	ProductID int64
	Previous  int64
	New       int64
	Created   bool
}

// ErrInvalidQuantity indicates a non-positive quantity.
var ErrInvalidQuantity = errors.New("ledger: quantity must be positive")

// ErrInvalidUnitCost indicates a negative unit cost.
var ErrInvalidUnitCost = errors.New("ledger: unit cost must be >= 0")

// ErrLotContention is returned when the lots needed by an operation are locked
// by a concurrent allocation or reversal. Callers may retry.
var ErrLotContention = errors.New("ledger: lots locked by concurrent operation")

// ErrEntryInUse indicates a batch with at least one consumed lot; such batches
// are deletion-protected.
var ErrEntryInUse = errors.New("ledger: entry has consumed lots and cannot be deactivated")

// ErrOverrideReasonRequired indicates a cost override without a reason.
var ErrOverrideReasonRequired = errors.New("ledger: cost override requires a reason")

// InsufficientStockError is the recoverable business condition for a sale that
// cannot be fully covered by the active lots. No partial state is left behind.
type InsufficientStockError struct {
	TenantID  int64
	ProductID int64
	Requested int64
	Shortfall int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("ledger: insufficient stock for product %d: requested %d, short %d", e.ProductID, e.Requested, e.Shortfall)
}

// InvalidReturnError is the recoverable condition for a return exceeding what
// remains returnable on its allocation.
type InvalidReturnError struct {
	AllocationID int64
	Reason       string
}

func (e *InvalidReturnError) Error() string {
	return fmt.Sprintf("ledger: invalid return against allocation %d: %s", e.AllocationID, e.Reason)
}

// TenantIsolationError indicates a referenced record belongs to another tenant.
// Always a programming or authorization defect, never silently corrected.
type TenantIsolationError struct {
	TenantID int64
	Entity   string
	EntityID int64
}

func (e *TenantIsolationError) Error() string {
	return fmt.Sprintf("ledger: %s %d does not belong to tenant %d", e.Entity, e.EntityID, e.TenantID)
}

// InvariantError indicates a lot mutation that would leave quantity_remaining
// outside [0, quantity_received]. Fatal: the transaction is aborted and the
// violation must never reach persisted state.
type InvariantError struct {
	LotID int64
	Op    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger: invariant violation on lot %d during %s: quantity_remaining out of [0, quantity_received]", e.LotID, e.Op)
}
