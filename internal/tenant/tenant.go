// Package tenant carries the verified tenant identifier through call chains.
// The id is bound explicitly on a context.Context at the system boundary and
// read back wherever tenant-scoped data is touched; there is no ambient or
// process-global fallback.
package tenant

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrMissingTenant is returned when a tenant-scoped operation runs without a
// bound tenant context. Fail-closed: callers must treat this as fatal, never
// as "all tenants".
var ErrMissingTenant = errors.New("missing tenant context")

type ctxKey struct{}

// WithTenant binds a tenant id to the context for the duration of one logical
// operation. The value is never cached across operations.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// FromContext extracts the bound tenant id, failing closed when absent.
func FromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(ctxKey{}).(string)
	if !ok || id == "" {
		return "", ErrMissingTenant
	}
	return id, nil
}

// Scope returns a gorm scope restricting every query to the context's tenant.
// With no tenant bound the statement is poisoned: the error surfaces on
// execution and the predicate guarantees zero rows even if the error is
// ignored.
func Scope(ctx context.Context) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		id, err := FromContext(ctx)
		if err != nil {
			_ = db.AddError(ErrMissingTenant)
			return db.Where("1 = 0")
		}
		return db.Where("tenant_id = ?", id)
	}
}

// BindSession sets the session-level tenant attribute used by the database
// row-visibility policies. Only Postgres understands SET LOCAL; on other
// dialects (the sqlite test harness) query-level scoping alone applies.
func BindSession(ctx context.Context, tx *gorm.DB) error {
	id, err := FromContext(ctx)
	if err != nil {
		return err
	}
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	// set_config with is_local=true scopes the attribute to the transaction
	return tx.Exec("SELECT set_config('app.current_tenant', ?, true)", id).Error
}
