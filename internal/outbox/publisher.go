package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/cloudfabric/provision-core/internal/model"
)

// ErrNotDeadLettered rejects administrative replay of a live entry.
var ErrNotDeadLettered = errors.New("outbox entry is not dead-lettered")

// Leader gates polling to a single elected instance.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
}

// alwaysLeader is used for single-instance deployments and tests.
type alwaysLeader struct{}

func (alwaysLeader) TryAcquire(context.Context) (bool, error) { return true, nil }

// AlwaysLeader returns a Leader that always holds the lease.
func AlwaysLeader() Leader { return alwaysLeader{} }

// Publisher drains the outbox: unpublished, non-dead-lettered entries due for
// retry, in creation order. An aggregate's newer entries are held back while
// an older one is still undelivered, so per-aggregate order survives retries
// and dead-letters. Delivery is at-least-once; a crash between publish and
// mark yields a redelivery that downstream consumers absorb by event-id
// dedupe.
type Publisher struct {
	db          *gorm.DB
	bus         Bus
	leader      Leader
	log         *zap.SugaredLogger
	limiter     *rate.Limiter
	batchSize   int
	backoffBase time.Duration
	backoffCap  time.Duration
	clock       func() time.Time
}

type PublisherOptions struct {
	BatchSize   int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	PublishRPS  int
}

func NewPublisher(db *gorm.DB, bus Bus, leader Leader, opts PublisherOptions, log *zap.SugaredLogger) *Publisher {
	return &Publisher{
		db:          db,
		bus:         bus,
		leader:      leader,
		log:         log,
		limiter:     rate.NewLimiter(rate.Limit(opts.PublishRPS), opts.PublishRPS),
		batchSize:   opts.BatchSize,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
		clock:       time.Now,
	}
}

// Run polls on the given interval until the context is cancelled.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			isLeader, err := p.leader.TryAcquire(ctx)
			if err != nil {
				p.log.Errorw("leader check failed", "err", err)
				continue
			}
			if !isLeader {
				continue
			}
			if _, err := p.ProcessBatch(ctx); err != nil {
				p.log.Errorw("outbox batch failed", "err", err)
			}
		}
	}
}

// ProcessBatch publishes one batch and returns how many entries were
// delivered.
func (p *Publisher) ProcessBatch(ctx context.Context) (int, error) {
	now := p.clock()
	var entries []model.OutboxEntry
	err := p.db.WithContext(ctx).
		Where("published = ? AND dead_letter = ? AND next_retry_at <= ?", false, false, now).
		Order("created_at, id").
		Limit(p.batchSize).
		Find(&entries).Error
	if err != nil {
		return 0, err
	}

	delivered := 0
	held := make(map[string]bool)
	for _, entry := range entries {
		if held[entry.AggregateID] {
			continue
		}
		older, err := p.olderPending(ctx, entry)
		if err != nil {
			return delivered, err
		}
		if older {
			// an earlier entry of this aggregate is still undelivered
			// (backing off or dead-lettered); publishing this one would
			// reorder the stream
			held[entry.AggregateID] = true
			continue
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return delivered, err
		}
		if err := p.deliver(ctx, entry); err != nil {
			p.fail(ctx, entry, err)
			held[entry.AggregateID] = true
			continue
		}
		if err := p.markPublished(ctx, entry.ID); err != nil {
			p.log.Errorw("mark published failed", "outbox_id", entry.ID, "err", err)
			held[entry.AggregateID] = true
			continue
		}
		delivered++
	}
	return delivered, nil
}

// olderPending reports whether an earlier entry of the same aggregate is
// still unpublished. Dead-lettered entries count until an operator retries or
// discards them.
func (p *Publisher) olderPending(ctx context.Context, entry model.OutboxEntry) (bool, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Where("aggregate_id = ? AND id < ? AND published = ?", entry.AggregateID, entry.ID, false).
		Count(&n).Error
	return n > 0, err
}

func (p *Publisher) deliver(ctx context.Context, entry model.OutboxEntry) error {
	var evt model.Event
	err := p.db.WithContext(ctx).Where("event_id = ?", entry.EventID).First(&evt).Error
	if err != nil {
		return err
	}
	env := Envelope{
		EventID:       evt.EventID,
		AggregateID:   evt.AggregateID,
		AggregateType: evt.AggregateType,
		TenantID:      evt.TenantID,
		Sequence:      evt.Sequence,
		EventType:     evt.EventType,
		Payload:       json.RawMessage(evt.Payload),
		OccurredAt:    evt.OccurredAt,
	}
	return p.bus.Publish(ctx, env)
}

func (p *Publisher) markPublished(ctx context.Context, id uint64) error {
	now := p.clock()
	return p.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"published": true, "published_at": &now}).Error
}

// fail records a delivery failure: bump retry count, schedule the next
// attempt with jittered exponential backoff, dead-letter past the bound.
func (p *Publisher) fail(ctx context.Context, entry model.OutboxEntry, cause error) {
	retries := entry.RetryCount + 1
	updates := map[string]interface{}{
		"retry_count": retries,
		"last_error":  cause.Error(),
	}
	if retries > entry.MaxRetries {
		now := p.clock()
		updates["dead_letter"] = true
		updates["dead_letter_at"] = &now
		p.log.Errorw("outbox entry dead-lettered",
			"outbox_id", entry.ID, "event_id", entry.EventID,
			"retries", retries, "err", cause)
	} else {
		updates["next_retry_at"] = p.clock().Add(p.backoff(retries))
		p.log.Warnw("outbox delivery failed",
			"outbox_id", entry.ID, "event_id", entry.EventID,
			"attempt", retries, "err", cause)
	}
	if err := p.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
		p.log.Errorw("record outbox failure", "outbox_id", entry.ID, "err", err)
	}
}

// backoff doubles per attempt from the base, capped, with up to 50% jitter.
func (p *Publisher) backoff(attempt int) time.Duration {
	d := p.backoffBase << uint(attempt-1)
	if d > p.backoffCap || d <= 0 {
		d = p.backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}

// DeadLetters lists dead-lettered entries for operational tooling.
func (p *Publisher) DeadLetters(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	var entries []model.OutboxEntry
	err := p.db.WithContext(ctx).
		Where("dead_letter = ?", true).
		Order("dead_letter_at").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Retry resets a dead-lettered entry so the next batch picks it up again.
func (p *Publisher) Retry(ctx context.Context, outboxID uint64) error {
	return p.requeue(ctx, outboxID, map[string]interface{}{
		"dead_letter":    false,
		"dead_letter_at": nil,
		"retry_count":    0,
		"last_error":     "",
		"next_retry_at":  p.clock(),
	})
}

// Discard marks a dead-lettered entry published without delivery. The row is
// kept: the audit trail records the discard timestamp.
func (p *Publisher) Discard(ctx context.Context, outboxID uint64) error {
	now := p.clock()
	return p.requeue(ctx, outboxID, map[string]interface{}{
		"published":    true,
		"published_at": &now,
	})
}

func (p *Publisher) requeue(ctx context.Context, outboxID uint64, updates map[string]interface{}) error {
	res := p.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Where("id = ? AND dead_letter = ?", outboxID, true).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotDeadLettered
	}
	return nil
}
