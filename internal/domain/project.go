package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Project states.
const (
	StateActive    = "ACTIVE"
	StateSubmitted = "SUBMITTED"
)

var (
	// ErrNotProvisioned means a command addressed an aggregate with no events.
	ErrNotProvisioned = errors.New("project not provisioned")
	// ErrAlreadyProvisioned rejects a second ProvisionProject command.
	ErrAlreadyProvisioned = errors.New("project already provisioned")
	// ErrAlreadySubmitted rejects mutation of a submitted project.
	ErrAlreadySubmitted = errors.New("project already submitted")
	// ErrReleaseExceedsAllocation rejects releasing more than is allocated.
	ErrReleaseExceedsAllocation = errors.New("release exceeds allocated amount")
)

// Project is the aggregate: state is derived entirely from its ordered event
// stream, never mutated outside Apply.
type Project struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	Name      string  `json:"name"`
	State     string  `json:"state"`
	Limits    Amounts `json:"limits"`
	Allocated Amounts `json:"allocated"`
	Version   uint64  `json:"version"`
}

// NewProject returns the zero aggregate for an id (version 0, no events).
func NewProject(id, tenantID string) *Project {
	return &Project{
		ID:        id,
		TenantID:  tenantID,
		Limits:    ZeroAmounts(),
		Allocated: ZeroAmounts(),
	}
}

// Apply advances the aggregate by one event. The sequence must be the next
// contiguous version; the caller (the repository replaying the stream)
// guarantees ordering.
func (p *Project) Apply(eventType string, sequence uint64, payload []byte) error {
	decoded, err := DecodePayload(eventType, payload)
	if err != nil {
		return err
	}
	switch ev := decoded.(type) {
	case *ProjectProvisioned:
		p.Name = ev.Name
		p.Limits = ev.Limits
		p.State = StateActive
	case *ResourcesAllocated:
		p.Allocated = p.Allocated.Add(ev.Requested)
	case *ResourcesReleased:
		p.Allocated = p.Allocated.Sub(ev.Released)
	case *ProjectSubmitted:
		p.State = StateSubmitted
	default:
		return fmt.Errorf("unhandled event type %q", eventType)
	}
	p.Version = sequence
	return nil
}

// Provision decides the ProjectProvisioned event.
func (p *Project) Provision(name string, limits Amounts) (*ProjectProvisioned, error) {
	if p.Version > 0 {
		return nil, ErrAlreadyProvisioned
	}
	return &ProjectProvisioned{Name: name, Limits: limits}, nil
}

// Allocate decides a ResourcesAllocated event. Quota admission happens
// upstream in the quota guard; the aggregate only enforces lifecycle rules.
func (p *Project) Allocate(requested Amounts, reservationID string) (*ResourcesAllocated, error) {
	if p.Version == 0 {
		return nil, ErrNotProvisioned
	}
	if p.State == StateSubmitted {
		return nil, ErrAlreadySubmitted
	}
	return &ResourcesAllocated{Requested: requested, ReservationID: reservationID}, nil
}

// Release decides a ResourcesReleased event.
func (p *Project) Release(released Amounts) (*ResourcesReleased, error) {
	if p.Version == 0 {
		return nil, ErrNotProvisioned
	}
	if p.State == StateSubmitted {
		return nil, ErrAlreadySubmitted
	}
	if p.Allocated.Sub(released).IsNegative() {
		return nil, ErrReleaseExceedsAllocation
	}
	return &ResourcesReleased{Released: released}, nil
}

// Submit decides a ProjectSubmitted event.
func (p *Project) Submit(actorID string) (*ProjectSubmitted, error) {
	if p.Version == 0 {
		return nil, ErrNotProvisioned
	}
	if p.State == StateSubmitted {
		return nil, ErrAlreadySubmitted
	}
	return &ProjectSubmitted{SubmittedBy: actorID}, nil
}

// MarshalState serializes the aggregate for snapshotting.
func (p *Project) MarshalState() (string, error) {
	b, err := json.Marshal(p)
	return string(b), err
}

// UnmarshalState restores the aggregate from a snapshot body.
func (p *Project) UnmarshalState(state string) error {
	return json.Unmarshal([]byte(state), p)
}
