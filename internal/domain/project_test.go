package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func cpu(n int64) Amounts {
	a := ZeroAmounts()
	a.CPU = decimal.NewFromInt(n)
	return a
}

func mustJSON(t *testing.T, v interface{}) []byte {
	b, err := json.Marshal(v)
	assert.NoError(t, err)
	return b
}

func TestProjectLifecycle(t *testing.T) {
	p := NewProject("p1", "t1")

	ev, err := p.Provision("demo", cpu(10))
	assert.NoError(t, err)
	assert.NoError(t, p.Apply(EventProjectProvisioned, 1, mustJSON(t, ev)))
	assert.Equal(t, StateActive, p.State)
	assert.Equal(t, uint64(1), p.Version)

	alloc, err := p.Allocate(cpu(4), "r1")
	assert.NoError(t, err)
	assert.NoError(t, p.Apply(EventResourcesAllocated, 2, mustJSON(t, alloc)))
	assert.True(t, p.Allocated.CPU.Equal(decimal.NewFromInt(4)))

	rel, err := p.Release(cpu(1))
	assert.NoError(t, err)
	assert.NoError(t, p.Apply(EventResourcesReleased, 3, mustJSON(t, rel)))
	assert.True(t, p.Allocated.CPU.Equal(decimal.NewFromInt(3)))

	sub, err := p.Submit("u1")
	assert.NoError(t, err)
	assert.NoError(t, p.Apply(EventProjectSubmitted, 4, mustJSON(t, sub)))
	assert.Equal(t, StateSubmitted, p.State)

	// submitted projects are frozen
	_, err = p.Allocate(cpu(1), "r2")
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
	_, err = p.Submit("u1")
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestDecisionsOnEmptyAggregate(t *testing.T) {
	p := NewProject("p1", "t1")

	_, err := p.Allocate(cpu(1), "r1")
	assert.ErrorIs(t, err, ErrNotProvisioned)
	_, err = p.Release(cpu(1))
	assert.ErrorIs(t, err, ErrNotProvisioned)
	_, err = p.Submit("u1")
	assert.ErrorIs(t, err, ErrNotProvisioned)
}

func TestReleaseBounded(t *testing.T) {
	p := NewProject("p1", "t1")
	ev, _ := p.Provision("demo", cpu(10))
	assert.NoError(t, p.Apply(EventProjectProvisioned, 1, mustJSON(t, ev)))

	_, err := p.Release(cpu(1))
	assert.ErrorIs(t, err, ErrReleaseExceedsAllocation)
}

func TestDecodePayloadUnknownType(t *testing.T) {
	_, err := DecodePayload("Bogus", []byte(`{}`))
	assert.Error(t, err)
}

func TestSnapshotStateRoundTrip(t *testing.T) {
	p := NewProject("p1", "t1")
	ev, _ := p.Provision("demo", cpu(10))
	assert.NoError(t, p.Apply(EventProjectProvisioned, 1, mustJSON(t, ev)))
	alloc, _ := p.Allocate(cpu(4), "r1")
	assert.NoError(t, p.Apply(EventResourcesAllocated, 2, mustJSON(t, alloc)))

	state, err := p.MarshalState()
	assert.NoError(t, err)

	restored := NewProject("p1", "t1")
	assert.NoError(t, restored.UnmarshalState(state))
	assert.Equal(t, p.Version, restored.Version)
	assert.Equal(t, p.State, restored.State)
	assert.True(t, p.Allocated.CPU.Equal(restored.Allocated.CPU))
}
