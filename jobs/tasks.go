package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcileScan cross-checks lot costs against allocation costs.
	TaskReconcileScan = "ledger:reconcile_scan"
	// TaskProjectionRebuild recomputes on-hand projections from lot state.
	TaskProjectionRebuild = "ledger:projection_rebuild"
)

// ReconcileScanPayload narrows a reconciliation scan. A zero TenantID scans
// every tenant; a zero ProductID covers all products of a tenant.
type ReconcileScanPayload struct {
	TenantID    int64 `json:"tenant_id,omitempty"`
	ProductID   int64 `json:"product_id,omitempty"`
	Parallelism int   `json:"parallelism,omitempty"`
}

// NewReconcileScanTask constructs an Asynq task for a reconciliation scan.
func NewReconcileScanTask(payload ReconcileScanPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileScan, body, asynq.Queue(QueueDefault)), nil
}

// ProjectionRebuildPayload scopes a projection rebuild. Zero fields widen the
// scope the same way ReconcileScanPayload does.
type ProjectionRebuildPayload struct {
	TenantID  int64 `json:"tenant_id,omitempty"`
	ProductID int64 `json:"product_id,omitempty"`
}

// NewProjectionRebuildTask constructs an Asynq task for a projection rebuild.
func NewProjectionRebuildTask(payload ProjectionRebuildPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProjectionRebuild, body, asynq.Queue(QueueDefault)), nil
}
