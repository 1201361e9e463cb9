package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qms/triage-service/internal/models"
	"qms/triage-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation = "23505"

	codePerDayConstraint    = "tickets_code_per_day_key"
	activePatientConstraint = "tickets_one_active_per_patient_key"

	ticketColumns = `ticket_id, code, service_day, priority, status, symptoms, patient_id, issued_by,
		issued_at, started_at, finished_at, queue_position`
	queueOrder = `ORDER BY priority_rank ASC, issued_at ASC, ticket_id ASC`
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	err = tx.Commit(ctx)
	return err
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListActive(ctx context.Context) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status IN ('WAITING', 'CALLING', 'IN_SERVICE')
		`+queueOrder)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockCodeSpace(ctx context.Context, prefix string, serviceDay time.Time) error {
	return t.advisoryLock(ctx, fmt.Sprintf("ticket-code:%s:%s", prefix, serviceDay.Format("2006-01-02")))
}

func (t *pgTx) LockPatient(ctx context.Context, patientID string) error {
	return t.advisoryLock(ctx, "patient:"+patientID)
}

func (t *pgTx) LockQueue(ctx context.Context) error {
	return t.advisoryLock(ctx, "queue:reflow")
}

func (t *pgTx) advisoryLock(ctx context.Context, key string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

func (t *pgTx) HasActiveTicket(ctx context.Context, patientID string) (bool, error) {
	var exists bool
	row := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM tickets
			WHERE patient_id = $1 AND status IN ('WAITING', 'CALLING', 'IN_SERVICE')
		)
	`, patientID)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (t *pgTx) ListCodes(ctx context.Context, prefix string, serviceDay time.Time) ([]string, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT code
		FROM tickets
		WHERE service_day = $1 AND left(code, length($2)) = $2
	`, dayParam(serviceDay), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return codes, nil
}

func (t *pgTx) CodeExists(ctx context.Context, serviceDay time.Time, code string) (bool, error) {
	var exists bool
	row := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM tickets WHERE service_day = $1 AND code = $2)
	`, dayParam(serviceDay), code)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (t *pgTx) CountQueued(ctx context.Context) (map[models.Priority]int, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT priority, COUNT(*)
		FROM tickets
		WHERE status IN ('WAITING', 'CALLING')
		GROUP BY priority
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.Priority]int, len(models.Priorities))
	for rows.Next() {
		var priority string
		var count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, err
		}
		counts[models.Priority(priority)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// InsertTicket runs inside a savepoint so a unique violation leaves the
// outer transaction usable for another attempt.
func (t *pgTx) InsertTicket(ctx context.Context, ticket models.Ticket) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	_, err = sp.Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, code, service_day, priority, priority_rank, status, symptoms, patient_id,
			issued_by, issued_at, queue_position
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, ticket.TicketID, ticket.Code, dayParam(ticket.ServiceDay), string(ticket.Priority), ticket.Priority.Rank(),
		string(ticket.Status), ticket.Symptoms, ticket.PatientID, nullIfEmpty(ticket.IssuedBy), ticket.IssuedAt,
		nullIfZero(ticket.QueuePosition))
	if err != nil {
		_ = sp.Rollback(ctx)
		return mapConstraintError(err)
	}
	return sp.Commit(ctx)
}

func (t *pgTx) GetTicketForUpdate(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 FOR UPDATE`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (t *pgTx) NextWaitingForUpdate(ctx context.Context) (models.Ticket, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'WAITING'
		`+queueOrder+`
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrEmptyQueue
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (t *pgTx) UpdateTicketStatus(ctx context.Context, ticket models.Ticket) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	tag, err := sp.Exec(ctx, `
		UPDATE tickets
		SET status = $1,
			started_at = $2,
			finished_at = $3
		WHERE ticket_id = $4
	`, string(ticket.Status), ticket.StartedAt, ticket.FinishedAt, ticket.TicketID)
	if err != nil {
		_ = sp.Rollback(ctx)
		return mapConstraintError(err)
	}
	if tag.RowsAffected() == 0 {
		_ = sp.Rollback(ctx)
		return store.ErrTicketNotFound
	}
	return sp.Commit(ctx)
}

func (t *pgTx) ListQueued(ctx context.Context) ([]models.Ticket, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status IN ('WAITING', 'CALLING')
		`+queueOrder)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func (t *pgTx) SetQueuePositions(ctx context.Context, updates []store.PositionUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, update := range updates {
		batch.Queue(`UPDATE tickets SET queue_position = $1 WHERE ticket_id = $2`, update.Position, update.TicketID)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *pgTx) ClearStalePositions(ctx context.Context) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE tickets
		SET queue_position = NULL
		WHERE queue_position IS NOT NULL AND status NOT IN ('WAITING', 'CALLING')
	`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func mapConstraintError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case codePerDayConstraint:
		return store.ErrCodeConflict
	case activePatientConstraint:
		return store.ErrDuplicateActiveTicket
	default:
		return err
	}
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var priority string
	var status string
	var issuedByNull sql.NullString
	var startedAtNull sql.NullTime
	var finishedAtNull sql.NullTime
	var positionNull sql.NullInt32
	if err := row.Scan(&ticket.TicketID, &ticket.Code, &ticket.ServiceDay, &priority, &status, &ticket.Symptoms,
		&ticket.PatientID, &issuedByNull, &ticket.IssuedAt, &startedAtNull, &finishedAtNull, &positionNull); err != nil {
		return models.Ticket{}, err
	}
	ticket.Priority = models.Priority(priority)
	ticket.Status = models.Status(status)
	if issuedByNull.Valid {
		ticket.IssuedBy = issuedByNull.String
	}
	ticket.StartedAt = nullTimePtr(startedAtNull)
	ticket.FinishedAt = nullTimePtr(finishedAtNull)
	if positionNull.Valid {
		ticket.QueuePosition = int(positionNull.Int32)
	}
	return ticket, nil
}

func collectTickets(rows pgx.Rows) ([]models.Ticket, error) {
	defer rows.Close()
	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

// dayParam pins a service day to a zone-less calendar date.
func dayParam(day time.Time) string {
	return day.Format("2006-01-02")
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullIfZero(value int) interface{} {
	if value == 0 {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
