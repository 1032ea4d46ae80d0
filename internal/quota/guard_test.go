package quota

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cloudfabric/provision-core/internal/domain"
	"github.com/cloudfabric/provision-core/internal/logger"
	"github.com/cloudfabric/provision-core/internal/model"
	"github.com/cloudfabric/provision-core/internal/tenant"
)

func newTestGuard(t *testing.T) (*Guard, *gorm.DB) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.QuotaRow{}, &model.ResourceUsage{}))
	return NewGuard(db, 3, logger.NewNop()), db
}

func tenantCtx(id string) context.Context {
	return tenant.WithTenant(context.Background(), id)
}

func cpuOnly(n int64) domain.Amounts {
	a := domain.ZeroAmounts()
	a.CPU = decimal.NewFromInt(n)
	return a
}

func TestReserveWithinLimit(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := tenantCtx("t1")
	assert.NoError(t, g.Provision(ctx, "p1", cpuOnly(10)))

	res, err := g.Reserve(ctx, "p1", cpuOnly(4))
	assert.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "t1", res.TenantID)

	row, err := g.Row(ctx, "p1")
	assert.NoError(t, err)
	assert.True(t, row.UsedCPU.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, uint64(1), row.Version)
}

func TestReserveExceeded(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := tenantCtx("t1")
	assert.NoError(t, g.Provision(ctx, "p1", cpuOnly(10)))

	_, err := g.Reserve(ctx, "p1", cpuOnly(10))
	assert.NoError(t, err)

	// 10 of 10 used: the next request reports current and max
	_, err = g.Reserve(ctx, "p1", cpuOnly(10))
	var exceeded *QuotaExceededError
	assert.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "cpu", exceeded.Dimension)
	assert.Equal(t, "10", exceeded.Current)
	assert.Equal(t, "10", exceeded.Max)

	// rejection did not consume anything
	row, err := g.Row(ctx, "p1")
	assert.NoError(t, err)
	assert.True(t, row.UsedCPU.Equal(decimal.NewFromInt(10)))
}

func TestReserveConcurrent_NeverExceedsLimit(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := tenantCtx("t1")
	assert.NoError(t, g.Provision(ctx, "p1", cpuOnly(10)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Reserve(ctx, "p1", cpuOnly(10)); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// the version counter admits exactly one of the competing reservations
	assert.Equal(t, 1, successes)
	row, err := g.Row(ctx, "p1")
	assert.NoError(t, err)
	assert.True(t, row.UsedCPU.LessThanOrEqual(decimal.NewFromInt(10)),
		"used must never exceed limit, got %s", row.UsedCPU)
}

func TestStaleWriteDetected(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := tenantCtx("t1")
	assert.NoError(t, g.Provision(ctx, "p1", cpuOnly(10)))

	_, err := g.Reserve(ctx, "p1", cpuOnly(2)) // bumps version to 1
	assert.NoError(t, err)

	// a write against the stale version 0 must not land
	err = g.writeUsed(ctx, "p1", cpuOnly(9), 0)
	assert.ErrorIs(t, err, errStaleRow)

	row, err := g.Row(ctx, "p1")
	assert.NoError(t, err)
	assert.True(t, row.UsedCPU.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, uint64(1), row.Version)
}

func TestReleaseCompensates(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := tenantCtx("t1")
	assert.NoError(t, g.Provision(ctx, "p1", cpuOnly(10)))

	res, err := g.Reserve(ctx, "p1", cpuOnly(6))
	assert.NoError(t, err)
	assert.NoError(t, g.Release(ctx, res))

	row, err := g.Row(ctx, "p1")
	assert.NoError(t, err)
	assert.True(t, row.UsedCPU.IsZero())

	// double release clamps at zero instead of going negative
	assert.NoError(t, g.Release(ctx, res))
	row, err = g.Row(ctx, "p1")
	assert.NoError(t, err)
	assert.True(t, row.UsedCPU.IsZero())
}

func TestGuardIsTenantScoped(t *testing.T) {
	g, _ := newTestGuard(t)
	assert.NoError(t, g.Provision(tenantCtx("t1"), "p1", cpuOnly(10)))

	_, err := g.Reserve(tenantCtx("t2"), "p1", cpuOnly(1))
	assert.ErrorIs(t, err, ErrQuotaNotProvisioned)

	_, err = g.Reserve(context.Background(), "p1", cpuOnly(1))
	assert.ErrorIs(t, err, tenant.ErrMissingTenant)
}

func TestReconcilerDetectsDrift(t *testing.T) {
	g, db := newTestGuard(t)
	ctx := tenantCtx("t1")
	assert.NoError(t, g.Provision(ctx, "p1", cpuOnly(10)))
	_, err := g.Reserve(ctx, "p1", cpuOnly(5))
	assert.NoError(t, err)

	r := NewReconciler(db, time.Minute, logger.NewNop())

	// no usage row yet but the fast path carries usage: drift
	n, err := r.CheckOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	// projection catches up: no drift
	assert.NoError(t, db.Create(&model.ResourceUsage{
		ProjectID: "p1", TenantID: "t1",
		UsedCPU:       decimal.NewFromInt(5),
		UsedMemoryGB:  decimal.Zero,
		UsedStorageGB: decimal.Zero,
		UsedInstances: decimal.Zero,
	}).Error)
	n, err = r.CheckOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}
