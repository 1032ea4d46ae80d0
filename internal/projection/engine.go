package projection

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cloudfabric/provision-core/internal/model"
	"github.com/cloudfabric/provision-core/internal/outbox"
)

// Handler is one registered projection. Apply runs inside the engine's
// transaction together with the dedupe-ledger insert, so an event's effect
// and its processed marker commit atomically. Apply must be safe to call with
// the raw envelope payload of any event type it does not care about (return
// nil).
//
// BlockOnFailure is the documented gap policy: a blocking handler stops
// consuming an aggregate's stream after a park (order preserved, admin replay
// required); a non-blocking one skips the failed event and alerts.
type Handler interface {
	Name() string
	Apply(ctx context.Context, tx *gorm.DB, env outbox.Envelope) error
	BlockOnFailure() bool
}

// errSequenceGap means an envelope arrived ahead of an unapplied earlier
// sequence of its aggregate. Retrying cannot fill the gap, so the event is
// parked immediately.
var errSequenceGap = errors.New("event sequence gap, earlier event not applied")

// Engine fans delivered envelopes out to all registered handlers with
// at-least-once tolerance: redelivery of an applied event is a no-op keyed by
// event id. For blocking handlers the dedupe ledger doubles as a sequence
// watermark, so an out-of-order envelope parks instead of applying.
type Engine struct {
	db         *gorm.DB
	log        *zap.SugaredLogger
	handlers   []Handler
	maxRetries int
}

func NewEngine(db *gorm.DB, maxRetries int, log *zap.SugaredLogger, handlers ...Handler) *Engine {
	return &Engine{db: db, log: log, handlers: handlers, maxRetries: maxRetries}
}

// Dispatch applies one envelope to every handler. Handler failures are
// contained per handler, with parked events as the durable record of what
// still needs attention. A non-nil return means that record could not be
// written; the caller must hold the envelope for redelivery instead of
// acknowledging it upstream.
func (e *Engine) Dispatch(ctx context.Context, env outbox.Envelope) error {
	var firstErr error
	for _, h := range e.handlers {
		if err := e.applyOne(ctx, h, env); err != nil {
			e.log.Errorw("projection failure not recorded",
				"projection", h.Name(), "event_id", env.EventID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) applyOne(ctx context.Context, h Handler, env outbox.Envelope) error {
	blocked, err := e.isBlocked(ctx, h.Name(), env.AggregateID)
	if err != nil {
		return err
	}
	if blocked {
		// stream halted by an earlier park; park this one too so replay can
		// restore order
		return e.park(ctx, h, env, 0, errors.New("aggregate stream blocked"))
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		applied, err := e.tryApply(ctx, h, env)
		if err == nil {
			if !applied {
				e.log.Debugw("duplicate delivery ignored",
					"projection", h.Name(), "event_id", env.EventID)
			}
			return nil
		}
		if errors.Is(err, errSequenceGap) {
			return e.park(ctx, h, env, 0, err)
		}
		lastErr = err
		e.log.Warnw("projection apply failed",
			"projection", h.Name(), "event_id", env.EventID,
			"attempt", attempt, "err", err)
	}
	return e.park(ctx, h, env, e.maxRetries, lastErr)
}

// tryApply returns (false, nil) on duplicate delivery.
func (e *Engine) tryApply(ctx context.Context, h Handler, env outbox.Envelope) (bool, error) {
	applied := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// a blocking handler applies the stream strictly in sequence; the
		// ledger's high-water mark detects envelopes that overtook an earlier
		// one. Skip-and-alert handlers tolerate gaps by policy and dedupe by
		// event id alone.
		if h.BlockOnFailure() {
			var maxSeq uint64
			if err := tx.Model(&model.ProcessedEvent{}).
				Where("projection = ? AND aggregate_id = ?", h.Name(), env.AggregateID).
				Select("COALESCE(MAX(sequence), 0)").
				Scan(&maxSeq).Error; err != nil {
				return err
			}
			if env.Sequence <= maxSeq {
				return nil
			}
			if env.Sequence > maxSeq+1 {
				return errSequenceGap
			}
		}
		marker := &model.ProcessedEvent{
			Projection:  h.Name(),
			EventID:     env.EventID,
			AggregateID: env.AggregateID,
			Sequence:    env.Sequence,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(marker)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// already applied, redelivery is a no-op
			return nil
		}
		if err := h.Apply(ctx, tx, env); err != nil {
			return err
		}
		applied = true
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "projection"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_event_id"}),
		}).Create(&model.ProjectionCursor{
			Projection:  h.Name(),
			LastEventID: env.EventID,
		}).Error
	})
	return applied, err
}

func (e *Engine) park(ctx context.Context, h Handler, env outbox.Envelope, attempts int, cause error) error {
	parked := &model.ParkedEvent{
		Projection:  h.Name(),
		EventID:     env.EventID,
		AggregateID: env.AggregateID,
		TenantID:    env.TenantID,
		Attempts:    attempts,
		LastError:   cause.Error(),
	}
	if err := e.db.WithContext(ctx).Create(parked).Error; err != nil {
		return err
	}
	e.log.Errorw("event parked",
		"projection", h.Name(), "event_id", env.EventID,
		"aggregate_id", env.AggregateID, "err", cause)
	if h.BlockOnFailure() {
		return e.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.BlockedAggregate{
				Projection:  h.Name(),
				AggregateID: env.AggregateID,
			}).Error
	}
	return nil
}

func (e *Engine) isBlocked(ctx context.Context, projection, aggregateID string) (bool, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(&model.BlockedAggregate{}).
		Where("projection = ? AND aggregate_id = ?", projection, aggregateID).
		Count(&count).Error
	return count > 0, err
}

// Lag reports, per projection, how many committed events its dedupe ledger
// has not seen yet. Operational read used by the admin surface.
func (e *Engine) Lag(ctx context.Context) (map[string]int64, error) {
	var total int64
	if err := e.db.WithContext(ctx).Model(&model.Event{}).Count(&total).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(e.handlers))
	for _, h := range e.handlers {
		var processed int64
		if err := e.db.WithContext(ctx).Model(&model.ProcessedEvent{}).
			Where("projection = ?", h.Name()).
			Count(&processed).Error; err != nil {
			return nil, err
		}
		out[h.Name()] = total - processed
	}
	return out, nil
}
