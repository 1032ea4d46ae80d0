package domain

import (
	"encoding/json"
	"fmt"
)

// Event type tags. The set is closed: Project.apply switches exhaustively
// over these and rejects anything else.
const (
	EventProjectProvisioned = "ProjectProvisioned"
	EventResourcesAllocated = "ResourcesAllocated"
	EventResourcesReleased  = "ResourcesReleased"
	EventProjectSubmitted   = "ProjectSubmitted"
)

// AggregateTypeProject tags events of the Project stream.
const AggregateTypeProject = "Project"

type ProjectProvisioned struct {
	Name   string  `json:"name"`
	Limits Amounts `json:"limits"`
}

type ResourcesAllocated struct {
	Requested     Amounts `json:"requested"`
	ReservationID string  `json:"reservation_id"`
}

type ResourcesReleased struct {
	Released Amounts `json:"released"`
}

type ProjectSubmitted struct {
	SubmittedBy string `json:"submitted_by"`
}

// DecodePayload unmarshals a raw event payload into its typed form keyed by
// the event-type tag.
func DecodePayload(eventType string, payload []byte) (interface{}, error) {
	switch eventType {
	case EventProjectProvisioned:
		var p ProjectProvisioned
		return &p, json.Unmarshal(payload, &p)
	case EventResourcesAllocated:
		var p ResourcesAllocated
		return &p, json.Unmarshal(payload, &p)
	case EventResourcesReleased:
		var p ResourcesReleased
		return &p, json.Unmarshal(payload, &p)
	case EventProjectSubmitted:
		var p ProjectSubmitted
		return &p, json.Unmarshal(payload, &p)
	}
	return nil, fmt.Errorf("unknown event type %q", eventType)
}
