package queue

import (
	"fmt"
	"time"

	"qms/triage-service/internal/models"
	"qms/triage-service/internal/store"
)

// Transition moves ticket to status and stamps its timestamps. It reports
// whether the move changed membership of the WAITING/CALLING set.
func Transition(table store.TransitionTable, ticket models.Ticket, to models.Status, now time.Time) (models.Ticket, bool, error) {
	from := ticket.Status
	if from.IsTerminal() || !table.Allows(from, to) {
		return models.Ticket{}, false, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, from, to)
	}

	ticket.Status = to
	switch {
	case to == models.StatusCalling || to == models.StatusInService:
		if ticket.StartedAt == nil {
			stamp := now
			ticket.StartedAt = &stamp
		}
	case to.IsTerminal():
		stamp := now
		ticket.FinishedAt = &stamp
	}
	return ticket, from.IsQueued() != to.IsQueued(), nil
}
