package model

import "time"

// Event is one committed fact about an aggregate. Rows are append-only:
// nothing in the codebase updates or deletes them.
type Event struct {
	ID            uint64    `gorm:"primaryKey"`
	EventID       string    `gorm:"size:36;uniqueIndex;not null"`
	AggregateID   string    `gorm:"size:64;not null;uniqueIndex:idx_aggregate_seq,priority:1;index:idx_aggregate_tenant"`
	AggregateType string    `gorm:"size:64;not null"`
	TenantID      string    `gorm:"size:64;not null;index:idx_aggregate_tenant"`
	Sequence      uint64    `gorm:"not null;uniqueIndex:idx_aggregate_seq,priority:2"`
	EventType     string    `gorm:"size:64;not null"`
	Payload       string    `gorm:"type:jsonb;not null"`
	CorrelationID string    `gorm:"size:64"`
	ActorID       string    `gorm:"size:64"`
	OccurredAt    time.Time `gorm:"not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (Event) TableName() string { return "event_store" }
