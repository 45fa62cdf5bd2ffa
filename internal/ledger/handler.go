package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lotledger/lotledger/internal/platform/httpx"
)

// Handler exposes read-only operator endpoints over the ledger.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the operator HTTP handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes attaches ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/onhand", h.onHand)
	r.Get("/lots", h.lots)
}

func (h *Handler) onHand(w http.ResponseWriter, r *http.Request) {
	tenantID, productID, ok := scopeParams(w, r)
	if !ok {
		return
	}
	quantity, err := h.service.OnHand(r.Context(), tenantID, productID)
	if err != nil {
		h.logger.Error("onhand lookup", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "on-hand lookup failed", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"tenant_id":  tenantID,
		"product_id": productID,
		"on_hand":    quantity,
	})
}

func (h *Handler) lots(w http.ResponseWriter, r *http.Request) {
	tenantID, productID, ok := scopeParams(w, r)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	includeDepleted := r.URL.Query().Get("include_depleted") == "true"

	lots, pagination, err := h.service.ListLots(r.Context(), LotFilter{
		TenantID:        tenantID,
		ProductID:       productID,
		IncludeDepleted: includeDepleted,
		Page:            page,
		PerPage:         perPage,
	})
	if err != nil {
		h.logger.Error("list lots", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "lot listing failed", "")
		return
	}

	items := make([]map[string]any, 0, len(lots))
	for _, lot := range lots {
		items = append(items, map[string]any{
			"lot_id":             lot.ID,
			"entry_id":           lot.EntryID,
			"quantity_received":  lot.QuantityReceived,
			"quantity_remaining": lot.QuantityRemaining,
			"unit_cost":          lot.UnitCost.String(),
			"received_at":        lot.ReceivedAt,
			"active":             lot.Active,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"page":        pagination.Page,
		"per_page":    pagination.PerPage,
		"total":       pagination.Total,
		"total_pages": pagination.TotalPages,
	})
}

func scopeParams(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	tenantID, err := strconv.ParseInt(r.URL.Query().Get("tenant_id"), 10, 64)
	if err != nil || tenantID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "invalid tenant_id", "tenant_id must be a positive integer")
		return 0, 0, false
	}
	productID, err := strconv.ParseInt(r.URL.Query().Get("product_id"), 10, 64)
	if err != nil || productID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "invalid product_id", "product_id must be a positive integer")
		return 0, 0, false
	}
	return tenantID, productID, true
}
