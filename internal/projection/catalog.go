package projection

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cloudfabric/provision-core/internal/domain"
	"github.com/cloudfabric/provision-core/internal/model"
	"github.com/cloudfabric/provision-core/internal/outbox"
)

// CatalogProjection maintains the denormalized project listing. Upserts are
// naturally idempotent and a missed event only staled the listing, so the
// policy here is skip-and-alert rather than blocking the stream.
type CatalogProjection struct{}

func NewCatalogProjection() *CatalogProjection { return &CatalogProjection{} }

func (CatalogProjection) Name() string         { return "project_catalog" }
func (CatalogProjection) BlockOnFailure() bool { return false }

func (CatalogProjection) Apply(ctx context.Context, tx *gorm.DB, env outbox.Envelope) error {
	if env.AggregateType != domain.AggregateTypeProject {
		return nil
	}
	switch env.EventType {
	case domain.EventProjectProvisioned:
		decoded, err := domain.DecodePayload(env.EventType, env.Payload)
		if err != nil {
			return err
		}
		p := decoded.(*domain.ProjectProvisioned)
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "state"}),
		}).Create(&model.CatalogEntry{
			ProjectID: env.AggregateID,
			TenantID:  env.TenantID,
			Name:      p.Name,
			State:     domain.StateActive,
		}).Error
	case domain.EventProjectSubmitted:
		res := tx.Model(&model.CatalogEntry{}).
			Where("project_id = ? AND tenant_id = ?", env.AggregateID, env.TenantID).
			Update("state", domain.StateSubmitted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// the provision event has not landed; fail so the miss parks
			// instead of vanishing into a zero-row update
			return fmt.Errorf("no catalog entry for project %s", env.AggregateID)
		}
		return nil
	}
	return nil
}
