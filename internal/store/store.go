package store

import (
	"context"
	"time"

	"qms/triage-service/internal/models"
)

// Store is the ticket table. Every mutation goes through WithTx; the
// callback's Tx is discarded once it returns.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListActive(ctx context.Context) ([]models.Ticket, error)
}

type Tx interface {
	// LockCodeSpace serializes code generation for one prefix on one
	// service day until the transaction ends.
	LockCodeSpace(ctx context.Context, prefix string, serviceDay time.Time) error
	// LockPatient serializes admissions for one patient until the
	// transaction ends.
	LockPatient(ctx context.Context, patientID string) error
	// LockQueue serializes reflows.
	LockQueue(ctx context.Context) error

	HasActiveTicket(ctx context.Context, patientID string) (bool, error)
	ListCodes(ctx context.Context, prefix string, serviceDay time.Time) ([]string, error)
	CodeExists(ctx context.Context, serviceDay time.Time, code string) (bool, error)
	CountQueued(ctx context.Context) (map[models.Priority]int, error)

	// InsertTicket returns ErrCodeConflict or ErrDuplicateActiveTicket when a
	// unique constraint rejects the row; the transaction stays usable.
	InsertTicket(ctx context.Context, ticket models.Ticket) error
	GetTicketForUpdate(ctx context.Context, ticketID string) (models.Ticket, error)
	// NextWaitingForUpdate locks the head of the WAITING set or returns
	// ErrEmptyQueue.
	NextWaitingForUpdate(ctx context.Context) (models.Ticket, error)
	UpdateTicketStatus(ctx context.Context, ticket models.Ticket) error

	ListQueued(ctx context.Context) ([]models.Ticket, error)
	SetQueuePositions(ctx context.Context, updates []PositionUpdate) error
	// ClearStalePositions drops the position of every ticket that left the
	// WAITING/CALLING set.
	ClearStalePositions(ctx context.Context) (int, error)
}

type PositionUpdate struct {
	TicketID string
	Position int
}

// PatientDirectory is the read side of the patient registry.
type PatientDirectory interface {
	PatientActive(ctx context.Context, patientID string) (bool, error)
}
