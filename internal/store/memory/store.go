// Package memory keeps tickets in process. A transaction holds the store
// mutex for its whole lifetime, which makes every transaction serializable;
// staged writes are applied only when the callback succeeds.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"qms/triage-service/internal/models"
	"qms/triage-service/internal/store"
)

type Store struct {
	mu      sync.Mutex
	tickets map[string]models.Ticket
}

func NewStore() *Store {
	return &Store{tickets: make(map[string]models.Ticket)}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{base: s.tickets, staged: make(map[string]models.Ticket)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for id, ticket := range tx.staged {
		s.tickets[id] = ticket
	}
	return nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *Store) ListActive(ctx context.Context) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.Status.IsActive() {
			tickets = append(tickets, ticket)
		}
	}
	sortQueue(tickets)
	return tickets, nil
}

type memTx struct {
	base   map[string]models.Ticket
	staged map[string]models.Ticket
}

func (tx *memTx) LockCodeSpace(ctx context.Context, prefix string, serviceDay time.Time) error {
	return ctx.Err()
}

func (tx *memTx) LockPatient(ctx context.Context, patientID string) error {
	return ctx.Err()
}

func (tx *memTx) LockQueue(ctx context.Context) error {
	return ctx.Err()
}

func (tx *memTx) HasActiveTicket(ctx context.Context, patientID string) (bool, error) {
	for _, ticket := range tx.all() {
		if ticket.PatientID == patientID && ticket.Status.IsActive() {
			return true, nil
		}
	}
	return false, ctx.Err()
}

func (tx *memTx) ListCodes(ctx context.Context, prefix string, serviceDay time.Time) ([]string, error) {
	var codes []string
	for _, ticket := range tx.all() {
		if sameDay(ticket.ServiceDay, serviceDay) && strings.HasPrefix(ticket.Code, prefix) {
			codes = append(codes, ticket.Code)
		}
	}
	return codes, ctx.Err()
}

func (tx *memTx) CodeExists(ctx context.Context, serviceDay time.Time, code string) (bool, error) {
	for _, ticket := range tx.all() {
		if sameDay(ticket.ServiceDay, serviceDay) && ticket.Code == code {
			return true, nil
		}
	}
	return false, ctx.Err()
}

func (tx *memTx) CountQueued(ctx context.Context) (map[models.Priority]int, error) {
	counts := make(map[models.Priority]int, len(models.Priorities))
	for _, ticket := range tx.all() {
		if ticket.Status.IsQueued() {
			counts[ticket.Priority]++
		}
	}
	return counts, ctx.Err()
}

func (tx *memTx) InsertTicket(ctx context.Context, ticket models.Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, existing := range tx.all() {
		if sameDay(existing.ServiceDay, ticket.ServiceDay) && existing.Code == ticket.Code {
			return store.ErrCodeConflict
		}
		if ticket.Status.IsActive() && existing.PatientID == ticket.PatientID && existing.Status.IsActive() {
			return store.ErrDuplicateActiveTicket
		}
	}
	tx.staged[ticket.TicketID] = ticket
	return nil
}

func (tx *memTx) GetTicketForUpdate(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, ok := tx.get(ticketID)
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, ctx.Err()
}

func (tx *memTx) NextWaitingForUpdate(ctx context.Context) (models.Ticket, error) {
	var waiting []models.Ticket
	for _, ticket := range tx.all() {
		if ticket.Status == models.StatusWaiting {
			waiting = append(waiting, ticket)
		}
	}
	if len(waiting) == 0 {
		return models.Ticket{}, store.ErrEmptyQueue
	}
	sortQueue(waiting)
	return waiting[0], ctx.Err()
}

func (tx *memTx) UpdateTicketStatus(ctx context.Context, ticket models.Ticket) error {
	current, ok := tx.get(ticket.TicketID)
	if !ok {
		return store.ErrTicketNotFound
	}
	if ticket.Status.IsActive() && !current.Status.IsActive() {
		for _, existing := range tx.all() {
			if existing.TicketID != ticket.TicketID && existing.PatientID == ticket.PatientID && existing.Status.IsActive() {
				return store.ErrDuplicateActiveTicket
			}
		}
	}
	current.Status = ticket.Status
	current.StartedAt = ticket.StartedAt
	current.FinishedAt = ticket.FinishedAt
	tx.staged[current.TicketID] = current
	return ctx.Err()
}

func (tx *memTx) ListQueued(ctx context.Context) ([]models.Ticket, error) {
	var queued []models.Ticket
	for _, ticket := range tx.all() {
		if ticket.Status.IsQueued() {
			queued = append(queued, ticket)
		}
	}
	sortQueue(queued)
	return queued, ctx.Err()
}

func (tx *memTx) SetQueuePositions(ctx context.Context, updates []store.PositionUpdate) error {
	for _, update := range updates {
		ticket, ok := tx.get(update.TicketID)
		if !ok {
			return store.ErrTicketNotFound
		}
		ticket.QueuePosition = update.Position
		tx.staged[ticket.TicketID] = ticket
	}
	return ctx.Err()
}

func (tx *memTx) ClearStalePositions(ctx context.Context) (int, error) {
	cleared := 0
	for _, ticket := range tx.all() {
		if !ticket.Status.IsQueued() && ticket.QueuePosition != 0 {
			ticket.QueuePosition = 0
			tx.staged[ticket.TicketID] = ticket
			cleared++
		}
	}
	return cleared, ctx.Err()
}

func (tx *memTx) get(ticketID string) (models.Ticket, bool) {
	if ticket, ok := tx.staged[ticketID]; ok {
		return ticket, true
	}
	ticket, ok := tx.base[ticketID]
	return ticket, ok
}

func (tx *memTx) all() []models.Ticket {
	tickets := make([]models.Ticket, 0, len(tx.base)+len(tx.staged))
	for id, ticket := range tx.base {
		if staged, ok := tx.staged[id]; ok {
			ticket = staged
		}
		tickets = append(tickets, ticket)
	}
	for id, ticket := range tx.staged {
		if _, ok := tx.base[id]; !ok {
			tickets = append(tickets, ticket)
		}
	}
	return tickets
}

func sortQueue(tickets []models.Ticket) {
	sort.Slice(tickets, func(i, j int) bool {
		return models.QueueLess(tickets[i], tickets[j])
	})
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
