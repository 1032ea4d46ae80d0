package model

import "time"

// OutboxEntry is the delivery intent for one event. Created in the same
// transaction as the event row; mutated only by the publisher; never deleted
// (it doubles as the delivery audit trail).
type OutboxEntry struct {
	ID           uint64     `gorm:"primaryKey"`
	EventID      string     `gorm:"size:36;uniqueIndex;not null"`
	AggregateID  string     `gorm:"size:64;not null"`
	TenantID     string     `gorm:"size:64;not null"`
	Published    bool       `gorm:"not null;default:false;index:idx_outbox_pending"`
	PublishedAt  *time.Time
	RetryCount   int        `gorm:"not null;default:0"`
	MaxRetries   int        `gorm:"not null;default:3"`
	LastError    string     `gorm:"type:text"`
	NextRetryAt  time.Time  `gorm:"not null;index:idx_outbox_pending"`
	DeadLetter   bool       `gorm:"not null;default:false;index:idx_outbox_pending"`
	DeadLetterAt *time.Time
	CreatedAt    time.Time  `gorm:"autoCreateTime"`
}

func (OutboxEntry) TableName() string { return "event_outbox" }
