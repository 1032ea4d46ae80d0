package projection

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/cloudfabric/provision-core/internal/domain"
	"github.com/cloudfabric/provision-core/internal/model"
	"github.com/cloudfabric/provision-core/internal/outbox"
)

// ResourceUsageProjection recomputes authoritative per-project usage from the
// allocation stream. It blocks on failure: a gap here would let quota
// reconciliation report false drift, so order is preserved at the cost of
// halting the aggregate's stream until replay.
type ResourceUsageProjection struct{}

func NewResourceUsageProjection() *ResourceUsageProjection { return &ResourceUsageProjection{} }

func (ResourceUsageProjection) Name() string         { return "resource_usage" }
func (ResourceUsageProjection) BlockOnFailure() bool { return true }

func (ResourceUsageProjection) Apply(ctx context.Context, tx *gorm.DB, env outbox.Envelope) error {
	if env.AggregateType != domain.AggregateTypeProject {
		return nil
	}
	switch env.EventType {
	case domain.EventProjectProvisioned:
		row := &model.ResourceUsage{ProjectID: env.AggregateID, TenantID: env.TenantID}
		if err := tx.Create(row).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
		return nil
	case domain.EventResourcesAllocated:
		decoded, err := domain.DecodePayload(env.EventType, env.Payload)
		if err != nil {
			return err
		}
		return adjustUsage(tx, env, decoded.(*domain.ResourcesAllocated).Requested)
	case domain.EventResourcesReleased:
		decoded, err := domain.DecodePayload(env.EventType, env.Payload)
		if err != nil {
			return err
		}
		return adjustUsage(tx, env, decoded.(*domain.ResourcesReleased).Released.Neg())
	}
	return nil
}

func adjustUsage(tx *gorm.DB, env outbox.Envelope, delta domain.Amounts) error {
	var row model.ResourceUsage
	err := tx.Where("project_id = ? AND tenant_id = ?", env.AggregateID, env.TenantID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = model.ResourceUsage{ProjectID: env.AggregateID, TenantID: env.TenantID}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	next := domain.Amounts{
		CPU:       row.UsedCPU,
		MemoryGB:  row.UsedMemoryGB,
		StorageGB: row.UsedStorageGB,
		Instances: row.UsedInstances,
	}.Add(delta)
	return tx.Model(&model.ResourceUsage{}).
		Where("project_id = ? AND tenant_id = ?", env.AggregateID, env.TenantID).
		Updates(map[string]interface{}{
			"used_cpu":        next.CPU,
			"used_memory_gb":  next.MemoryGB,
			"used_storage_gb": next.StorageGB,
			"used_instances":  next.Instances,
		}).Error
}
