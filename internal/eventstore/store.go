package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cloudfabric/provision-core/internal/model"
	"github.com/cloudfabric/provision-core/internal/tenant"
)

var (
	// ErrConcurrencyConflict means the aggregate moved past expectedVersion.
	// Retryable: reload the aggregate and decide again.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrTenantMismatch means the caller's tenant does not own the aggregate.
	// Fatal: indicates a defect upstream, never retried.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrEmptyBatch rejects an append with no events.
	ErrEmptyBatch = errors.New("empty event batch")
)

// EventDraft is one uncommitted event handed to Append.
type EventDraft struct {
	EventType     string
	Payload       interface{}
	CorrelationID string
	ActorID       string
}

// Store is the append-only, tenant-scoped event log. Every append also writes
// the matching outbox entries in the same transaction.
type Store struct {
	db               *gorm.DB
	log              *zap.SugaredLogger
	outboxMaxRetries int
}

// NewStore constructs the store. outboxMaxRetries seeds new outbox entries.
func NewStore(db *gorm.DB, outboxMaxRetries int, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log, outboxMaxRetries: outboxMaxRetries}
}

// Append commits a batch of events for one aggregate, all or nothing.
// expectedVersion is the caller's view of the aggregate head; a stale view
// fails with ErrConcurrencyConflict. An existing stream owned by a different
// tenant fails with ErrTenantMismatch.
func (s *Store) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion uint64, drafts []EventDraft) (uint64, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return 0, err
	}
	if len(drafts) == 0 {
		return 0, ErrEmptyBatch
	}

	newVersion := expectedVersion + uint64(len(drafts))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tenant.BindSession(ctx, tx); err != nil {
			return err
		}

		var head struct {
			MaxSeq   uint64
			TenantID string
		}
		row := tx.Model(&model.Event{}).
			Select("COALESCE(MAX(sequence), 0) AS max_seq, COALESCE(MAX(tenant_id), '') AS tenant_id").
			Where("aggregate_id = ?", aggregateID).
			Scan(&head)
		if row.Error != nil {
			return row.Error
		}
		if head.MaxSeq > 0 && head.TenantID != tenantID {
			return ErrTenantMismatch
		}
		if head.MaxSeq != expectedVersion {
			return ErrConcurrencyConflict
		}

		now := time.Now().UTC()
		for i, d := range drafts {
			payload, err := json.Marshal(d.Payload)
			if err != nil {
				return err
			}
			evt := &model.Event{
				EventID:       uuid.NewString(),
				AggregateID:   aggregateID,
				AggregateType: aggregateType,
				TenantID:      tenantID,
				Sequence:      expectedVersion + uint64(i) + 1,
				EventType:     d.EventType,
				Payload:       string(payload),
				CorrelationID: d.CorrelationID,
				ActorID:       d.ActorID,
				OccurredAt:    now,
			}
			if err := tx.Create(evt).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					// another writer claimed the sequence between our head
					// read and this insert
					return ErrConcurrencyConflict
				}
				return err
			}
			entry := &model.OutboxEntry{
				EventID:     evt.EventID,
				AggregateID: aggregateID,
				TenantID:    tenantID,
				MaxRetries:  s.outboxMaxRetries,
				NextRetryAt: now,
			}
			if err := tx.Create(entry).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// Load returns the aggregate's events with sequence > fromVersion, ordered by
// sequence. Tenant-scoped and fail-closed: no bound tenant yields an error,
// never another tenant's rows.
func (s *Store) Load(ctx context.Context, aggregateID string, fromVersion uint64) ([]model.Event, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return nil, err
	}
	var events []model.Event
	err := s.db.WithContext(ctx).
		Scopes(tenant.Scope(ctx)).
		Where("aggregate_id = ? AND sequence > ?", aggregateID, fromVersion).
		Order("sequence").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// CurrentVersion returns the aggregate head (0 when the stream is empty).
func (s *Store) CurrentVersion(ctx context.Context, aggregateID string) (uint64, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return 0, err
	}
	var max uint64
	err := s.db.WithContext(ctx).Model(&model.Event{}).
		Scopes(tenant.Scope(ctx)).
		Where("aggregate_id = ?", aggregateID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&max).Error
	return max, err
}
