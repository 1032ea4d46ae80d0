package model

import "time"

// Snapshot is compacted aggregate state at a given version. Snapshots are an
// optimization only; the event log wins on any conflict.
type Snapshot struct {
	ID            uint64    `gorm:"primaryKey"`
	AggregateID   string    `gorm:"size:64;not null;uniqueIndex:idx_snapshot_version,priority:1"`
	AggregateType string    `gorm:"size:64;not null"`
	TenantID      string    `gorm:"size:64;not null"`
	Version       uint64    `gorm:"not null;uniqueIndex:idx_snapshot_version,priority:2"`
	State         string    `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (Snapshot) TableName() string { return "aggregate_snapshot" }
