package snapshot

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cloudfabric/provision-core/internal/model"
	"github.com/cloudfabric/provision-core/internal/tenant"
)

// Store persists compacted aggregate state. Writes are best-effort: a failed
// save is logged and swallowed, never surfaced to the command path.
type Store struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewStore(db *gorm.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log}
}

// Save writes a snapshot at the given version and prunes older ones for the
// same aggregate. Pruning keeps the table bounded; the newest snapshot is all
// reconstruction ever needs.
func (s *Store) Save(ctx context.Context, aggregateID, aggregateType string, version uint64, state string) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap := &model.Snapshot{
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			TenantID:      tenantID,
			Version:       version,
			State:         state,
		}
		if err := tx.Create(snap).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// concurrent snapshot at the same version, keep the first
				return nil
			}
			return err
		}
		return tx.Where("aggregate_id = ? AND tenant_id = ? AND version < ?",
			aggregateID, tenantID, version).
			Delete(&model.Snapshot{}).Error
	})
}

// LoadLatest returns the newest snapshot for the aggregate, or nil when none
// exists. Tenant-scoped, fail-closed.
func (s *Store) LoadLatest(ctx context.Context, aggregateID string) (*model.Snapshot, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return nil, err
	}
	var snap model.Snapshot
	err := s.db.WithContext(ctx).
		Scopes(tenant.Scope(ctx)).
		Where("aggregate_id = ?", aggregateID).
		Order("version DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
