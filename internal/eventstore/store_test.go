package eventstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cloudfabric/provision-core/internal/logger"
	"github.com/cloudfabric/provision-core/internal/model"
	"github.com/cloudfabric/provision-core/internal/tenant"
)

func newTestStore(t *testing.T) *Store {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Event{}, &model.OutboxEntry{}))
	return NewStore(db, 3, logger.NewNop())
}

func tenantCtx(id string) context.Context {
	return tenant.WithTenant(context.Background(), id)
}

func draft(eventType string) EventDraft {
	return EventDraft{EventType: eventType, Payload: map[string]string{"k": "v"}}
}

func TestAppendAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := tenantCtx("t1")

	v, err := store.Append(ctx, "agg-1", "Project", 0, []EventDraft{draft("Created"), draft("Submitted")})
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	events, err := store.Load(ctx, "agg-1", 0)
	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(2), events[1].Sequence)
	assert.Equal(t, "Created", events[0].EventType)
	assert.NotEmpty(t, events[0].EventID)

	// partial load from a version
	tail, err := store.Load(ctx, "agg-1", 1)
	assert.NoError(t, err)
	assert.Len(t, tail, 1)
	assert.Equal(t, "Submitted", tail[0].EventType)
}

func TestAppendWritesOutboxAtomically(t *testing.T) {
	store := newTestStore(t)
	ctx := tenantCtx("t1")

	_, err := store.Append(ctx, "agg-1", "Project", 0, []EventDraft{draft("Created"), draft("Submitted")})
	assert.NoError(t, err)

	var entries []model.OutboxEntry
	assert.NoError(t, store.db.Find(&entries).Error)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.False(t, e.Published)
		assert.False(t, e.DeadLetter)
		assert.Equal(t, 3, e.MaxRetries)
		assert.Equal(t, "t1", e.TenantID)
	}
}

func TestAppendConcurrencyConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := tenantCtx("t1")

	_, err := store.Append(ctx, "agg-1", "Project", 0, []EventDraft{draft("Created")})
	assert.NoError(t, err)

	// stale expectedVersion: the head already moved to 1
	_, err = store.Append(ctx, "agg-1", "Project", 0, []EventDraft{draft("Submitted")})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	// a failed append leaves no gap and no extra rows
	events, err := store.Load(ctx, "agg-1", 0)
	assert.NoError(t, err)
	assert.Len(t, events, 1)

	v, err := store.Append(ctx, "agg-1", "Project", 1, []EventDraft{draft("Submitted")})
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}

func TestAppendConcurrent_OneWins(t *testing.T) {
	store := newTestStore(t)
	ctx := tenantCtx("t1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Append(ctx, "agg-1", "Project", 0, []EventDraft{draft("Created")}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	events, err := store.Load(ctx, "agg-1", 0)
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Sequence)
}

func TestTenantMismatch(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append(tenantCtx("t1"), "agg-1", "Project", 0, []EventDraft{draft("Created")})
	assert.NoError(t, err)

	_, err = store.Append(tenantCtx("t2"), "agg-1", "Project", 1, []EventDraft{draft("Submitted")})
	assert.ErrorIs(t, err, ErrTenantMismatch)
}

func TestLoadIsTenantScoped(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append(tenantCtx("t1"), "agg-1", "Project", 0, []EventDraft{draft("Created"), draft("Submitted")})
	assert.NoError(t, err)

	// another tenant sees nothing, not t1's events
	events, err := store.Load(tenantCtx("t2"), "agg-1", 0)
	assert.NoError(t, err)
	assert.Empty(t, events)
}

func TestLoadFailsClosedWithoutTenant(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append(tenantCtx("t1"), "agg-1", "Project", 0, []EventDraft{draft("Created")})
	assert.NoError(t, err)

	_, err = store.Load(context.Background(), "agg-1", 0)
	assert.ErrorIs(t, err, tenant.ErrMissingTenant)

	_, err = store.Append(context.Background(), "agg-1", "Project", 1, []EventDraft{draft("Submitted")})
	assert.ErrorIs(t, err, tenant.ErrMissingTenant)
}

func TestAppendEmptyBatch(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Append(tenantCtx("t1"), "agg-1", "Project", 0, nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestCurrentVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := tenantCtx("t1")

	v, err := store.CurrentVersion(ctx, "agg-1")
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), v)

	_, err = store.Append(ctx, "agg-1", "Project", 0, []EventDraft{draft("Created"), draft("Submitted")})
	assert.NoError(t, err)

	v, err = store.CurrentVersion(ctx, "agg-1")
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}
