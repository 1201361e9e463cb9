package memory

import (
	"context"
	"sync"
)

type Patients struct {
	mu     sync.RWMutex
	active map[string]bool
}

func NewPatients() *Patients {
	return &Patients{active: make(map[string]bool)}
}

func (p *Patients) Put(patientID string, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[patientID] = active
}

func (p *Patients) PatientActive(ctx context.Context, patientID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active[patientID], nil
}
