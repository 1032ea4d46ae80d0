package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProjectionCursor is the durable resume position for one projection.
type ProjectionCursor struct {
	Projection  string    `gorm:"primaryKey;size:64"`
	LastEventID string    `gorm:"size:36"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (ProjectionCursor) TableName() string { return "projection_cursor" }

// ProcessedEvent is the per-projection dedupe ledger: one row per applied
// event. Insert conflict means redelivery and the apply is a no-op.
type ProcessedEvent struct {
	Projection  string    `gorm:"primaryKey;size:64"`
	EventID     string    `gorm:"primaryKey;size:36"`
	AggregateID string    `gorm:"size:64;not null"`
	Sequence    uint64    `gorm:"not null"`
	AppliedAt   time.Time `gorm:"autoCreateTime"`
}

func (ProcessedEvent) TableName() string { return "projection_processed" }

// ParkedEvent records an event whose apply kept failing past the retry bound.
// Parked events are never retried automatically.
type ParkedEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Projection  string    `gorm:"size:64;not null;index"`
	EventID     string    `gorm:"size:36;not null"`
	AggregateID string    `gorm:"size:64;not null"`
	TenantID    string    `gorm:"size:64;not null"`
	Attempts    int       `gorm:"not null"`
	LastError   string    `gorm:"type:text"`
	ParkedAt    time.Time `gorm:"autoCreateTime"`
}

func (ParkedEvent) TableName() string { return "projection_parked" }

// BlockedAggregate marks an aggregate whose stream a blocking projection has
// stopped consuming after a park, preserving per-aggregate order. Cleared by
// administrative replay.
type BlockedAggregate struct {
	Projection  string    `gorm:"primaryKey;size:64"`
	AggregateID string    `gorm:"primaryKey;size:64"`
	BlockedAt   time.Time `gorm:"autoCreateTime"`
}

func (BlockedAggregate) TableName() string { return "projection_blocked" }

// ResourceUsage is the authoritative per-project usage recomputed from
// allocation events; the reconciler compares it against the quota fast path.
type ResourceUsage struct {
	ProjectID     string          `gorm:"primaryKey;size:64"`
	TenantID      string          `gorm:"size:64;not null;index"`
	UsedCPU       decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	UsedMemoryGB  decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	UsedStorageGB decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	UsedInstances decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime"`
}

func (ResourceUsage) TableName() string { return "resource_usage" }

// CatalogEntry is the denormalized project listing read model.
type CatalogEntry struct {
	ProjectID string    `gorm:"primaryKey;size:64"`
	TenantID  string    `gorm:"size:64;not null;index"`
	Name      string    `gorm:"size:128;not null"`
	State     string    `gorm:"size:32;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (CatalogEntry) TableName() string { return "project_catalog" }
