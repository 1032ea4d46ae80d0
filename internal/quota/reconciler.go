package quota

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cloudfabric/provision-core/internal/model"
)

// Reconciler periodically compares the fast-path quota rows against the
// resource-usage projection and logs drift. It never blocks or mutates the
// synchronous admission path; the quota row stays authoritative for
// admission, the projection is authoritative for drift reporting.
type Reconciler struct {
	db       *gorm.DB
	log      *zap.SugaredLogger
	interval time.Duration
}

func NewReconciler(db *gorm.DB, interval time.Duration, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{db: db, log: log, interval: interval}
}

// Run loops until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.CheckOnce(ctx); err != nil {
				r.log.Errorw("quota reconcile failed", "err", err)
			} else if n > 0 {
				r.log.Warnw("quota drift detected", "rows", n)
			}
		}
	}
}

// CheckOnce scans all quota rows, returning how many drifted from the
// projection. Reconciliation is cross-tenant operational work and reads both
// tables directly rather than through a tenant scope.
func (r *Reconciler) CheckOnce(ctx context.Context) (int, error) {
	var rows []model.QuotaRow
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return 0, err
	}
	drifted := 0
	for _, row := range rows {
		var usage model.ResourceUsage
		err := r.db.WithContext(ctx).
			Where("project_id = ? AND tenant_id = ?", row.ProjectID, row.TenantID).
			First(&usage).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// projection has not caught up yet; only report when the fast
			// path already carries usage
			if row.UsedCPU.IsZero() && row.UsedMemoryGB.IsZero() &&
				row.UsedStorageGB.IsZero() && row.UsedInstances.IsZero() {
				continue
			}
			usage = model.ResourceUsage{ProjectID: row.ProjectID, TenantID: row.TenantID}
		} else if err != nil {
			return drifted, err
		}
		if !row.UsedCPU.Equal(usage.UsedCPU) ||
			!row.UsedMemoryGB.Equal(usage.UsedMemoryGB) ||
			!row.UsedStorageGB.Equal(usage.UsedStorageGB) ||
			!row.UsedInstances.Equal(usage.UsedInstances) {
			drifted++
			r.log.Warnw("quota row drifts from usage projection",
				"project", row.ProjectID,
				"tenant", row.TenantID,
				"fast_cpu", row.UsedCPU, "actual_cpu", usage.UsedCPU,
				"fast_mem", row.UsedMemoryGB, "actual_mem", usage.UsedMemoryGB,
				"fast_storage", row.UsedStorageGB, "actual_storage", usage.UsedStorageGB,
				"fast_instances", row.UsedInstances, "actual_instances", usage.UsedInstances)
		}
	}
	return drifted, nil
}
