package app

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/lotledger/lotledger/internal/ledger"
	"github.com/lotledger/lotledger/internal/observability"
	"github.com/lotledger/lotledger/internal/platform/httpx"
	"github.com/lotledger/lotledger/jobs"
)

// RouterParams groups dependencies for building the operator HTTP router.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	Metrics       *observability.Metrics
	LedgerHandler *ledger.Handler
	JobHandler    *jobs.Handler
	JobClient     *jobs.Client
}

// NewRouter constructs the chi.Router for the ops surface: health, metrics,
// ledger reads, and manual triggers for the two maintenance jobs.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	if params.Metrics != nil {
		r.Use(params.Metrics.Middleware)
	}
	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/ops", func(r chi.Router) {
		if params.LedgerHandler != nil {
			params.LedgerHandler.MountRoutes(r)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				params.JobHandler.MountRoutes(r)
			})
		}
		if params.JobClient != nil {
			r.Post("/reconcile", triggerReconcile(params))
			r.Post("/rebuild", triggerRebuild(params))
		}
	})

	return r
}

func triggerReconcile(params RouterParams) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload jobs.ReconcileScanPayload
		if err := httpx.DecodeJSON(r, &payload); err != nil && !errors.Is(err, io.EOF) {
			httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
			return
		}
		info, err := params.JobClient.EnqueueReconcileScan(r.Context(), payload)
		if err != nil {
			params.Logger.Error("enqueue reconcile scan", slog.Any("error", err))
			httpx.Problem(w, http.StatusServiceUnavailable, "enqueue failed", "")
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"task_id": info.ID, "queue": info.Queue})
	}
}

func triggerRebuild(params RouterParams) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload jobs.ProjectionRebuildPayload
		if err := httpx.DecodeJSON(r, &payload); err != nil && !errors.Is(err, io.EOF) {
			httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
			return
		}
		info, err := params.JobClient.EnqueueProjectionRebuild(r.Context(), payload)
		if err != nil {
			params.Logger.Error("enqueue projection rebuild", slog.Any("error", err))
			httpx.Problem(w, http.StatusServiceUnavailable, "enqueue failed", "")
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"task_id": info.ID, "queue": info.Queue})
	}
}
