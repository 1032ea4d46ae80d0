package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cloudfabric/provision-core/internal/domain"
	"github.com/cloudfabric/provision-core/internal/model"
	"github.com/cloudfabric/provision-core/internal/tenant"
)

var (
	// ErrQuotaNotProvisioned means no quota row exists for the project.
	ErrQuotaNotProvisioned = errors.New("quota not provisioned for project")
	// errStaleRow is the internal optimistic-lock miss, retried inside Reserve.
	errStaleRow = errors.New("stale quota row")
)

// QuotaExceededError is the business rejection carrying the dimension and the
// current/max figures for the caller.
type QuotaExceededError struct {
	Dimension string
	Current   string
	Max       string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded on %s: current=%s max=%s", e.Dimension, e.Current, e.Max)
}

// Reservation is an accepted fast-path admission. The caller releases it if
// the subsequent aggregate append fails terminally.
type Reservation struct {
	ID        string
	ProjectID string
	TenantID  string
	Amounts   domain.Amounts
}

// Guard performs synchronous command-time quota admission against the quota
// projection row, using the row's version counter for optimistic locking.
type Guard struct {
	db         *gorm.DB
	log        *zap.SugaredLogger
	maxRetries int
}

func NewGuard(db *gorm.DB, maxRetries int, log *zap.SugaredLogger) *Guard {
	return &Guard{db: db, log: log, maxRetries: maxRetries}
}

// Provision creates the quota row for a project with the given limits.
func (g *Guard) Provision(ctx context.Context, projectID string, limits domain.Amounts) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	row := &model.QuotaRow{
		ProjectID:      projectID,
		TenantID:       tenantID,
		LimitCPU:       limits.CPU,
		LimitMemoryGB:  limits.MemoryGB,
		LimitStorageGB: limits.StorageGB,
		LimitInstances: limits.Instances,
	}
	// idempotent: a command retry after a failed append must not error here
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error
}

// Reserve admits the requested amounts against the project quota. A stale
// read (concurrent writer bumped the version) is retried up to the bound;
// an over-limit request fails with *QuotaExceededError and is never retried.
func (g *Guard) Reserve(ctx context.Context, projectID string, requested domain.Amounts) (*Reservation, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		res, err := g.tryReserve(ctx, projectID, tenantID, requested)
		if errors.Is(err, errStaleRow) {
			continue
		}
		return res, err
	}
	return nil, ErrConcurrentUpdate
}

// ErrConcurrentUpdate means the quota row kept changing under us past the
// retry bound.
var ErrConcurrentUpdate = errors.New("quota row concurrently updated, retries exhausted")

func (g *Guard) tryReserve(ctx context.Context, projectID, tenantID string, requested domain.Amounts) (*Reservation, error) {
	row, err := g.load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	used := domain.Amounts{
		CPU:       row.UsedCPU,
		MemoryGB:  row.UsedMemoryGB,
		StorageGB: row.UsedStorageGB,
		Instances: row.UsedInstances,
	}
	limits := domain.Amounts{
		CPU:       row.LimitCPU,
		MemoryGB:  row.LimitMemoryGB,
		StorageGB: row.LimitStorageGB,
		Instances: row.LimitInstances,
	}
	next := used.Add(requested)
	if dim, over := next.ExceedsAny(limits); over {
		cur, max := dimOf(used, dim), dimOf(limits, dim)
		return nil, &QuotaExceededError{Dimension: dim, Current: cur, Max: max}
	}
	if err := g.writeUsed(ctx, projectID, next, row.Version); err != nil {
		return nil, err
	}
	return &Reservation{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		TenantID:  tenantID,
		Amounts:   requested,
	}, nil
}

// Release compensates an accepted reservation whose command failed after
// admission. Retried on staleness like Reserve; floor at zero guards against
// double release.
func (g *Guard) Release(ctx context.Context, res *Reservation) error {
	return g.Adjust(ctx, res.ProjectID, res.Amounts.Neg())
}

// Adjust applies a signed delta to the used amounts under optimistic locking.
func (g *Guard) Adjust(ctx context.Context, projectID string, delta domain.Amounts) error {
	if _, err := tenant.FromContext(ctx); err != nil {
		return err
	}
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		row, err := g.load(ctx, projectID)
		if err != nil {
			return err
		}
		used := domain.Amounts{
			CPU:       row.UsedCPU,
			MemoryGB:  row.UsedMemoryGB,
			StorageGB: row.UsedStorageGB,
			Instances: row.UsedInstances,
		}
		next := used.Add(delta)
		if next.IsNegative() {
			next = clampZero(next)
		}
		err = g.writeUsed(ctx, projectID, next, row.Version)
		if errors.Is(err, errStaleRow) {
			continue
		}
		return err
	}
	return ErrConcurrentUpdate
}

// Row returns the current quota row, tenant-scoped.
func (g *Guard) Row(ctx context.Context, projectID string) (*model.QuotaRow, error) {
	return g.load(ctx, projectID)
}

func (g *Guard) load(ctx context.Context, projectID string) (*model.QuotaRow, error) {
	var row model.QuotaRow
	err := g.db.WithContext(ctx).
		Scopes(tenant.Scope(ctx)).
		Where("project_id = ?", projectID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrQuotaNotProvisioned
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (g *Guard) writeUsed(ctx context.Context, projectID string, used domain.Amounts, oldVersion uint64) error {
	res := g.db.WithContext(ctx).
		Model(&model.QuotaRow{}).
		Scopes(tenant.Scope(ctx)).
		Where("project_id = ? AND version = ?", projectID, oldVersion).
		Updates(map[string]interface{}{
			"used_cpu":        used.CPU,
			"used_memory_gb":  used.MemoryGB,
			"used_storage_gb": used.StorageGB,
			"used_instances":  used.Instances,
			"version":         oldVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errStaleRow
	}
	return nil
}

func dimOf(a domain.Amounts, dim string) string {
	switch dim {
	case "cpu":
		return a.CPU.String()
	case "memory_gb":
		return a.MemoryGB.String()
	case "storage_gb":
		return a.StorageGB.String()
	case "instances":
		return a.Instances.String()
	}
	return ""
}

func clampZero(a domain.Amounts) domain.Amounts {
	z := domain.ZeroAmounts()
	if a.CPU.IsNegative() {
		a.CPU = z.CPU
	}
	if a.MemoryGB.IsNegative() {
		a.MemoryGB = z.MemoryGB
	}
	if a.StorageGB.IsNegative() {
		a.StorageGB = z.StorageGB
	}
	if a.Instances.IsNegative() {
		a.Instances = z.Instances
	}
	return a
}
