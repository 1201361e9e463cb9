package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Patients reads the patient registry table owned by the records service.
type Patients struct {
	pool *pgxpool.Pool
}

func NewPatients(pool *pgxpool.Pool) *Patients {
	return &Patients{pool: pool}
}

func (p *Patients) PatientActive(ctx context.Context, patientID string) (bool, error) {
	var active bool
	row := p.pool.QueryRow(ctx, `SELECT active FROM patients WHERE patient_id = $1`, patientID)
	if err := row.Scan(&active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return active, nil
}
