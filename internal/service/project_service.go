package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/cloudfabric/provision-core/internal/domain"
	"github.com/cloudfabric/provision-core/internal/eventstore"
	"github.com/cloudfabric/provision-core/internal/quota"
	"github.com/cloudfabric/provision-core/internal/snapshot"
)

// ErrTooManyConflicts means the reload-retry loop hit its bound; the caller
// may retry the whole command.
var ErrTooManyConflicts = errors.New("append retries exhausted")

// Command carries the boundary attributes every operation needs. TenantID is
// bound on the context by the transport before the service runs; ActorID and
// CorrelationID travel into event metadata.
type Command struct {
	ProjectID     string
	ActorID       string
	CorrelationID string
}

// ProjectService drives the command side: quota admission, aggregate
// decision, atomic append+outbox, snapshot trigger.
type ProjectService struct {
	store       *eventstore.Store
	snapshots   *snapshot.Store
	guard       *quota.Guard
	log         *zap.SugaredLogger
	snapEvery   uint64
	maxAttempts int
}

func NewProjectService(store *eventstore.Store, snapshots *snapshot.Store, guard *quota.Guard, snapEvery int, log *zap.SugaredLogger) *ProjectService {
	return &ProjectService{
		store:       store,
		snapshots:   snapshots,
		guard:       guard,
		log:         log,
		snapEvery:   uint64(snapEvery),
		maxAttempts: 3,
	}
}

// Provision creates the project: quota row first, then the first event. A
// duplicate provision fails in the aggregate decision.
func (s *ProjectService) Provision(ctx context.Context, cmd Command, name string, limits domain.Amounts) error {
	return s.execute(ctx, cmd, func(p *domain.Project) (string, interface{}, error) {
		ev, err := p.Provision(name, limits)
		if err != nil {
			return "", nil, err
		}
		if err := s.guard.Provision(ctx, cmd.ProjectID, limits); err != nil {
			return "", nil, err
		}
		return domain.EventProjectProvisioned, ev, nil
	})
}

// Allocate admits the request through the quota guard, then appends the
// event. A terminal append failure releases the reservation so admitted
// capacity is never leaked; a quota rejection never reaches the event store.
func (s *ProjectService) Allocate(ctx context.Context, cmd Command, requested domain.Amounts) error {
	res, err := s.guard.Reserve(ctx, cmd.ProjectID, requested)
	if err != nil {
		return err
	}
	err = s.execute(ctx, cmd, func(p *domain.Project) (string, interface{}, error) {
		ev, err := p.Allocate(requested, res.ID)
		if err != nil {
			return "", nil, err
		}
		return domain.EventResourcesAllocated, ev, nil
	})
	if err != nil {
		if relErr := s.guard.Release(ctx, res); relErr != nil {
			s.log.Errorw("reservation release failed",
				"project", cmd.ProjectID, "reservation", res.ID, "err", relErr)
		}
		return err
	}
	return nil
}

// Release appends the release event and then returns the capacity to the
// quota fast path. The order matters: quota only shrinks once the event is
// durable.
func (s *ProjectService) Release(ctx context.Context, cmd Command, released domain.Amounts) error {
	err := s.execute(ctx, cmd, func(p *domain.Project) (string, interface{}, error) {
		ev, err := p.Release(released)
		if err != nil {
			return "", nil, err
		}
		return domain.EventResourcesReleased, ev, nil
	})
	if err != nil {
		return err
	}
	if err := s.guard.Adjust(ctx, cmd.ProjectID, released.Neg()); err != nil {
		// the usage projection and reconciler surface this as drift
		s.log.Errorw("quota release adjust failed", "project", cmd.ProjectID, "err", err)
	}
	return nil
}

// Submit finalizes the project.
func (s *ProjectService) Submit(ctx context.Context, cmd Command) error {
	return s.execute(ctx, cmd, func(p *domain.Project) (string, interface{}, error) {
		ev, err := p.Submit(cmd.ActorID)
		if err != nil {
			return "", nil, err
		}
		return domain.EventProjectSubmitted, ev, nil
	})
}

// Load reconstructs the aggregate: newest snapshot plus replay of the events
// past it, full replay when no snapshot exists.
func (s *ProjectService) Load(ctx context.Context, projectID string) (*domain.Project, error) {
	p := domain.NewProject(projectID, "")
	from := uint64(0)
	if snap, err := s.snapshots.LoadLatest(ctx, projectID); err != nil {
		return nil, err
	} else if snap != nil {
		if err := p.UnmarshalState(snap.State); err != nil {
			return nil, err
		}
		from = snap.Version
	}
	events, err := s.store.Load(ctx, projectID, from)
	if err != nil {
		return nil, err
	}
	for _, evt := range events {
		if p.TenantID == "" {
			p.TenantID = evt.TenantID
		}
		if err := p.Apply(evt.EventType, evt.Sequence, []byte(evt.Payload)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// CurrentVersion returns the aggregate head without replaying state. Clients
// retrying on conflict use it to refresh their expected version cheaply.
func (s *ProjectService) CurrentVersion(ctx context.Context, projectID string) (uint64, error) {
	return s.store.CurrentVersion(ctx, projectID)
}

// TriggerSnapshot compacts an aggregate on demand (administrative op).
// Returns the snapshotted version.
func (s *ProjectService) TriggerSnapshot(ctx context.Context, projectID string) (uint64, error) {
	p, err := s.Load(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if p.Version == 0 {
		return 0, domain.ErrNotProvisioned
	}
	state, err := p.MarshalState()
	if err != nil {
		return 0, err
	}
	if err := s.snapshots.Save(ctx, projectID, domain.AggregateTypeProject, p.Version, state); err != nil {
		return 0, err
	}
	return p.Version, nil
}

// decide produces one event from the loaded aggregate, or a terminal error.
type decide func(p *domain.Project) (eventType string, payload interface{}, err error)

// execute runs the reload-decide-append loop with bounded retries on
// concurrency conflicts.
func (s *ProjectService) execute(ctx context.Context, cmd Command, fn decide) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		p, err := s.Load(ctx, cmd.ProjectID)
		if err != nil {
			return err
		}
		eventType, payload, err := fn(p)
		if err != nil {
			return err
		}
		newVersion, err := s.store.Append(ctx, cmd.ProjectID, domain.AggregateTypeProject, p.Version, []eventstore.EventDraft{{
			EventType:     eventType,
			Payload:       payload,
			CorrelationID: cmd.CorrelationID,
			ActorID:       cmd.ActorID,
		}})
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return err
		}
		s.maybeSnapshot(ctx, cmd.ProjectID, newVersion)
		return nil
	}
	return ErrTooManyConflicts
}

// maybeSnapshot saves compacted state when the stream crossed a snapshot
// boundary. Best-effort: failures are logged, never returned.
func (s *ProjectService) maybeSnapshot(ctx context.Context, projectID string, newVersion uint64) {
	if s.snapEvery == 0 || newVersion%s.snapEvery != 0 {
		return
	}
	p, err := s.Load(ctx, projectID)
	if err != nil {
		s.log.Warnw("snapshot reload failed", "project", projectID, "err", err)
		return
	}
	state, err := p.MarshalState()
	if err != nil {
		s.log.Warnw("snapshot marshal failed", "project", projectID, "err", err)
		return
	}
	if err := s.snapshots.Save(ctx, projectID, domain.AggregateTypeProject, p.Version, state); err != nil {
		s.log.Warnw("snapshot save failed", "project", projectID, "err", err)
	}
}
