package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuotaRow is the denormalized fast-path resource accounting for one project.
// used <= limit holds per dimension after every successful reservation; the
// version counter backs optimistic-concurrency retries.
type QuotaRow struct {
	ProjectID string `gorm:"primaryKey;size:64"`
	TenantID  string `gorm:"size:64;not null;index"`

	LimitCPU       decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	LimitMemoryGB  decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	LimitStorageGB decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	LimitInstances decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`

	UsedCPU       decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	UsedMemoryGB  decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	UsedStorageGB decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	UsedInstances decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`

	Version   uint64    `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (QuotaRow) TableName() string { return "quota_projection" }
