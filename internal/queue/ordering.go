package queue

import (
	"context"
	"sort"

	"qms/triage-service/internal/models"
	"qms/triage-service/internal/store"
)

// InsertionPosition is the slot a new ticket of the given priority takes
// before any reflow: behind every queued ticket of equal or higher urgency.
func InsertionPosition(counts map[models.Priority]int, priority models.Priority) int {
	position := 1
	rank := priority.Rank()
	for p, count := range counts {
		if r := p.Rank(); r >= 0 && r <= rank {
			position += count
		}
	}
	return position
}

// Order sorts tickets into queue order in place.
func Order(tickets []models.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		return models.QueueLess(tickets[i], tickets[j])
	})
}

// Positions returns the updates needed to give the ordered queue the
// contiguous positions 1..N. Tickets already in place are left out.
func Positions(ordered []models.Ticket) []store.PositionUpdate {
	var updates []store.PositionUpdate
	for i, ticket := range ordered {
		if ticket.QueuePosition != i+1 {
			updates = append(updates, store.PositionUpdate{TicketID: ticket.TicketID, Position: i + 1})
		}
	}
	return updates
}

func computeInsertionPosition(ctx context.Context, tx store.Tx, priority models.Priority) (int, error) {
	counts, err := tx.CountQueued(ctx)
	if err != nil {
		return 0, err
	}
	return InsertionPosition(counts, priority), nil
}

// reflow recomputes every queue position under the queue lock and returns
// the queue in its new order.
func reflow(ctx context.Context, tx store.Tx) ([]models.Ticket, error) {
	if err := tx.LockQueue(ctx); err != nil {
		return nil, err
	}
	queued, err := tx.ListQueued(ctx)
	if err != nil {
		return nil, err
	}
	Order(queued)
	if err := tx.SetQueuePositions(ctx, Positions(queued)); err != nil {
		return nil, err
	}
	if _, err := tx.ClearStalePositions(ctx); err != nil {
		return nil, err
	}
	for i := range queued {
		queued[i].QueuePosition = i + 1
	}
	return queued, nil
}
