package models

import "time"

// Actor identifies who performed a mutation. Source is the client address
// the request arrived from, when known.
type Actor struct {
	ID     string `json:"id"`
	Source string `json:"source,omitempty"`
}

const (
	ActionTicketIssued        = "TICKET_ISSUED"
	ActionPatientCalled       = "PATIENT_CALLED"
	ActionTicketStatusUpdated = "TICKET_STATUS_UPDATED"

	EntityTicket = "TICKET"
)

type Event struct {
	EventID    string                 `json:"event_id"`
	Action     string                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Detail     map[string]interface{} `json:"detail"`
	ActorID    string                 `json:"actor_id"`
	Source     string                 `json:"source,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}
