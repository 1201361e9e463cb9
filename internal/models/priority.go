package models

type Priority string

const (
	PriorityVeryUrgent Priority = "VERY_URGENT"
	PriorityUrgent     Priority = "URGENT"
	PriorityLowUrgency Priority = "LOW_URGENCY"
)

// Priorities lists every priority from most to least urgent.
var Priorities = []Priority{PriorityVeryUrgent, PriorityUrgent, PriorityLowUrgency}

func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// Rank gives the total order of priorities; lower is more urgent. Unknown
// priorities rank -1.
func (p Priority) Rank() int {
	switch p {
	case PriorityVeryUrgent:
		return 0
	case PriorityUrgent:
		return 1
	case PriorityLowUrgency:
		return 2
	default:
		return -1
	}
}

func (p Priority) String() string {
	return string(p)
}
