package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type scopedRow struct {
	ID       uint64 `gorm:"primaryKey"`
	TenantID string `gorm:"size:64"`
	Name     string
}

func TestFromContext(t *testing.T) {
	_, err := FromContext(context.Background())
	assert.ErrorIs(t, err, ErrMissingTenant)

	id, err := FromContext(WithTenant(context.Background(), "t1"))
	assert.NoError(t, err)
	assert.Equal(t, "t1", id)

	// empty id is as bad as no id
	_, err = FromContext(WithTenant(context.Background(), ""))
	assert.ErrorIs(t, err, ErrMissingTenant)
}

func TestScopeFiltersByTenant(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:tenant_scope?mode=memory&cache=shared"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&scopedRow{}))
	db.Create(&scopedRow{TenantID: "t1", Name: "a"})
	db.Create(&scopedRow{TenantID: "t2", Name: "b"})

	var rows []scopedRow
	err = db.Scopes(Scope(WithTenant(context.Background(), "t1"))).Find(&rows).Error
	assert.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].Name)
}

func TestScopeFailsClosedWithoutTenant(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:tenant_closed?mode=memory&cache=shared"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&scopedRow{}))
	db.Create(&scopedRow{TenantID: "t1", Name: "a"})

	// no tenant bound: an error and, regardless, zero rows
	var rows []scopedRow
	err = db.Scopes(Scope(context.Background())).Find(&rows).Error
	assert.ErrorIs(t, err, ErrMissingTenant)
	assert.Empty(t, rows)
}
