package store

import "qms/triage-service/internal/models"

var transitionMap = map[models.Status][]models.Status{
	models.StatusWaiting:   {models.StatusCalling, models.StatusInService, models.StatusCancelled, models.StatusNoShow},
	models.StatusCalling:   {models.StatusInService, models.StatusCancelled, models.StatusNoShow},
	models.StatusInService: {models.StatusServed, models.StatusCancelled, models.StatusNoShow},
}

// TransitionTable holds the allowed (from, to) status pairs. Terminal
// statuses have no entry and therefore allow nothing.
type TransitionTable struct {
	allowed map[models.Status][]models.Status
}

func NewTransitionTable(allowRequeue bool) TransitionTable {
	allowed := make(map[models.Status][]models.Status, len(transitionMap))
	for from, targets := range transitionMap {
		allowed[from] = append([]models.Status(nil), targets...)
	}
	if allowRequeue {
		allowed[models.StatusCalling] = append(allowed[models.StatusCalling], models.StatusWaiting)
	}
	return TransitionTable{allowed: allowed}
}

func (t TransitionTable) Allows(from, to models.Status) bool {
	for _, status := range t.allowed[from] {
		if status == to {
			return true
		}
	}
	return false
}
