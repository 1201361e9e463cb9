package models

import (
	"fmt"
	"strings"
	"time"
)

type Ticket struct {
	TicketID      string     `json:"ticket_id"`
	Code          string     `json:"code"`
	ServiceDay    time.Time  `json:"service_day"`
	Priority      Priority   `json:"priority"`
	Status        Status     `json:"status"`
	Symptoms      string     `json:"symptoms"`
	PatientID     string     `json:"patient_id"`
	IssuedBy      string     `json:"issued_by,omitempty"`
	IssuedAt      time.Time  `json:"issued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	QueuePosition int        `json:"queue_position,omitempty"`
}

type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusCalling   Status = "CALLING"
	StatusInService Status = "IN_SERVICE"
	StatusServed    Status = "SERVED"
	StatusCancelled Status = "CANCELLED"
	StatusNoShow    Status = "NO_SHOW"
)

var allStatuses = []Status{
	StatusWaiting,
	StatusCalling,
	StatusInService,
	StatusServed,
	StatusCancelled,
	StatusNoShow,
}

// ActiveStatuses occupy a slot for the patient: at most one ticket per
// patient may be in one of them.
var ActiveStatuses = []Status{StatusWaiting, StatusCalling, StatusInService}

// QueuedStatuses are the statuses that receive a queue position.
var QueuedStatuses = []Status{StatusWaiting, StatusCalling}

func ParseStatus(raw string) (Status, error) {
	value := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !value.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return value, nil
}

func (s Status) Valid() bool {
	return s.in(allStatuses)
}

func (s Status) IsActive() bool {
	return s.in(ActiveStatuses)
}

func (s Status) IsQueued() bool {
	return s.in(QueuedStatuses)
}

func (s Status) IsTerminal() bool {
	return s == StatusServed || s == StatusCancelled || s == StatusNoShow
}

func (s Status) String() string {
	return string(s)
}

func (s Status) in(set []Status) bool {
	for _, status := range set {
		if status == s {
			return true
		}
	}
	return false
}

// QueueLess reports whether a is ahead of b in queue order: lower priority
// rank first, then earlier issue time, then ticket id.
func QueueLess(a, b Ticket) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.IssuedAt.Equal(b.IssuedAt) {
		return a.IssuedAt.Before(b.IssuedAt)
	}
	return a.TicketID < b.TicketID
}
