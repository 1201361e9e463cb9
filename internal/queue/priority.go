package queue

import (
	"fmt"

	"qms/triage-service/internal/models"
)

// Prefixes maps each priority to the single-character namespace of its
// ticket codes.
type Prefixes map[models.Priority]string

func DefaultPrefixes() Prefixes {
	return Prefixes{
		models.PriorityVeryUrgent: "A",
		models.PriorityUrgent:     "B",
		models.PriorityLowUrgency: "C",
	}
}

func (p Prefixes) Prefix(priority models.Priority) string {
	return p[priority]
}

// Validate rejects missing, multi-character and shared prefixes.
func (p Prefixes) Validate() error {
	seen := make(map[string]models.Priority, len(p))
	for _, priority := range models.Priorities {
		prefix, ok := p[priority]
		if !ok || len(prefix) != 1 || prefix[0] < 'A' || prefix[0] > 'Z' {
			return fmt.Errorf("priority %s needs a single uppercase prefix, got %q", priority, prefix)
		}
		if other, dup := seen[prefix]; dup {
			return fmt.Errorf("prefix %q shared by %s and %s", prefix, other, priority)
		}
		seen[prefix] = priority
	}
	return nil
}
