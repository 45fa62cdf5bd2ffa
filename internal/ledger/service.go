package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/observability"
	"github.com/lotledger/lotledger/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListLots(ctx context.Context, filter LotFilter) ([]StockLot, int, error)
	GetProjection(ctx context.Context, tenantID, productID int64) (Projection, error)
	SumRemaining(ctx context.Context, tenantID, productID int64) (int64, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards batch codes against replays. *shared.IdempotencyStore
// satisfies it.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ServiceDeps groups the collaborators a Service may be wired with. Every
// field is optional; a nil dependency is skipped.
type ServiceDeps struct {
	Audit       AuditPort
	Idempotency IdempotencyPort
	Cache       *OnHandCache
	Metrics     *observability.Metrics
	Integration IntegrationHandler
	Logger      *slog.Logger
}

// Service coordinates lot ledger operations.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	cache       *OnHandCache
	metrics     *observability.Metrics
	integration IntegrationHandler
	logger      *slog.Logger
	validate    *validator.Validate
	clock       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, deps ServiceDeps) *Service {
	return &Service{
		repo:        repo,
		audit:       deps.Audit,
		idempotency: deps.Idempotency,
		cache:       deps.Cache,
		metrics:     deps.Metrics,
		integration: deps.Integration,
		logger:      deps.Logger,
		validate:    validator.New(),
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// RecordBatch creates the stock entry and lots for a purchase batch supplied by
// the intake collaborator. The entry's total cost is recomputed from the lots,
// never taken from the input, and each lot's unit cost is frozen as given.
func (s *Service) RecordBatch(ctx context.Context, input BatchInput) (StockEntry, error) {
	if err := s.validate.Struct(input); err != nil {
		return StockEntry{}, fmt.Errorf("ledger: invalid batch: %w", err)
	}
	for _, line := range input.Lines {
		if line.UnitCost.IsNegative() {
			return StockEntry{}, ErrInvalidUnitCost
		}
	}
	now := s.now()
	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	code := input.Code
	if code == "" {
		code = fmt.Sprintf("BATCH-%d", now.UnixNano())
	}

	key := fmt.Sprintf("batch:%d:%s", input.TenantID, code)
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "ledger"); err != nil {
			return StockEntry{}, err
		}
		insertedKey = true
	}

	var entry StockEntry
	byProduct := make(map[int64]int64)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		total := decimal.Zero
		for _, line := range input.Lines {
			total = total.Add(line.UnitCost.Mul(decimal.NewFromInt(line.QuantityReceived)))
		}
		entry = StockEntry{
			TenantID:   input.TenantID,
			Code:       code,
			TotalCost:  total,
			Note:       input.Note,
			ReceivedAt: receivedAt,
			Active:     true,
			CreatedBy:  input.ActorID,
			CreatedAt:  now,
		}
		entryID, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return err
		}
		entry.ID = entryID

		lots := make([]StockLot, 0, len(input.Lines))
		for _, line := range input.Lines {
			lots = append(lots, StockLot{
				EntryID:           entryID,
				TenantID:          input.TenantID,
				ProductID:         line.ProductID,
				QuantityReceived:  line.QuantityReceived,
				QuantityRemaining: line.QuantityReceived,
				UnitCost:          line.UnitCost,
				ReceivedAt:        receivedAt,
			})
			byProduct[line.ProductID] += line.QuantityReceived
		}
		stored, err := tx.InsertLots(ctx, lots)
		if err != nil {
			return err
		}
		entry.Lots = stored

		for productID, qty := range byProduct {
			if err := tx.AdjustProjection(ctx, input.TenantID, productID, qty); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return StockEntry{}, err
	}

	for productID := range byProduct {
		_ = s.cache.Invalidate(ctx, input.TenantID, productID)
	}
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "ledger:batch",
		Entity:   "stock_entry",
		EntityID: fmt.Sprintf("%d", entry.ID),
		Meta: map[string]any{
			"tenant_id":  input.TenantID,
			"code":       code,
			"lots":       len(entry.Lots),
			"total_cost": entry.TotalCost.String(),
		},
	})
	return entry, nil
}

// OnHand reads the derived on-hand quantity for a (tenant, product) key,
// serving from the cache when possible. A missing projection row falls back to
// the lots themselves.
func (s *Service) OnHand(ctx context.Context, tenantID, productID int64) (int64, error) {
	if qty, ok, err := s.cache.Get(ctx, tenantID, productID); err == nil && ok {
		return qty, nil
	}
	projection, err := s.repo.GetProjection(ctx, tenantID, productID)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			return 0, err
		}
		qty, err := s.repo.SumRemaining(ctx, tenantID, productID)
		if err != nil {
			return 0, err
		}
		_ = s.cache.Set(ctx, tenantID, productID, qty)
		return qty, nil
	}
	_ = s.cache.Set(ctx, tenantID, productID, projection.Quantity)
	return projection.Quantity, nil
}

// ListLots lists a product's lots in FIFO order for reporting.
func (s *Service) ListLots(ctx context.Context, filter LotFilter) ([]StockLot, shared.Pagination, error) {
	if filter.TenantID == 0 || filter.ProductID == 0 {
		return nil, shared.Pagination{}, errors.New("ledger: tenant and product required")
	}
	lots, total, err := s.repo.ListLots(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return lots, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// DeactivateEntry soft-deletes an untouched batch. A batch containing even one
// consumed lot is deletion-protected.
func (s *Service) DeactivateEntry(ctx context.Context, tenantID, entryID, actorID int64) error {
	if tenantID == 0 || entryID == 0 {
		return errors.New("ledger: tenant and entry required")
	}
	byProduct := make(map[int64]int64)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lots, err := tx.EntryLotsForUpdate(ctx, tenantID, entryID)
		if err != nil {
			return err
		}
		for _, lot := range lots {
			if !lot.Untouched() {
				return ErrEntryInUse
			}
			byProduct[lot.ProductID] += lot.QuantityRemaining
		}
		if err := tx.DeactivateEntry(ctx, tenantID, entryID); err != nil {
			return err
		}
		for productID, qty := range byProduct {
			if err := tx.AdjustProjection(ctx, tenantID, productID, -qty); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for productID := range byProduct {
		_ = s.cache.Invalidate(ctx, tenantID, productID)
	}
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "ledger:entry_deactivate",
		Entity:   "stock_entry",
		EntityID: fmt.Sprintf("%d", entryID),
		Meta:     map[string]any{"tenant_id": tenantID},
	})
	return nil
}

// OverrideUnitCost corrects a lot's frozen unit cost. This is a deliberate,
// audited override, never part of catalog cost maintenance: it demands a reason
// and an actor, and the owning entry's total cost is recomputed.
func (s *Service) OverrideUnitCost(ctx context.Context, input OverrideInput) error {
	if input.Reason == "" {
		return ErrOverrideReasonRequired
	}
	if input.UnitCost.IsNegative() {
		return ErrInvalidUnitCost
	}
	var previous decimal.Decimal
	var productID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lot, err := tx.GetLotForUpdate(ctx, input.LotID)
		if err != nil {
			return err
		}
		if lot.TenantID != input.TenantID {
			return s.isolationViolation(ctx, input.TenantID, "lot", input.LotID)
		}
		previous = lot.UnitCost
		productID = lot.ProductID
		if err := tx.UpdateLotUnitCost(ctx, input.LotID, input.UnitCost); err != nil {
			return err
		}
		_, err = tx.RecomputeEntryCost(ctx, lot.EntryID)
		return err
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "ledger:cost_override",
		Entity:   "stock_lot",
		EntityID: fmt.Sprintf("%d", input.LotID),
		Meta: map[string]any{
			"tenant_id":     input.TenantID,
			"product_id":    productID,
			"previous_cost": previous.String(),
			"new_cost":      input.UnitCost.String(),
			"reason":        input.Reason,
		},
	})
	return nil
}

// isolationViolation builds the tenant isolation error and logs it as critical.
func (s *Service) isolationViolation(ctx context.Context, tenantID int64, entity string, entityID int64) error {
	err := &TenantIsolationError{TenantID: tenantID, Entity: entity, EntityID: entityID}
	if s.logger != nil {
		s.logger.ErrorContext(ctx, "tenant isolation violation",
			slog.Int64("tenant_id", tenantID),
			slog.String("entity", entity),
			slog.Int64("entity_id", entityID),
		)
	}
	return err
}

func (s *Service) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}

func auditEntry(actorID int64, action, entity string, entityID int64, meta map[string]any) shared.AuditLog {
	return shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	}
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}
