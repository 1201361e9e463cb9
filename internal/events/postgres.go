package events

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/triage-service/internal/models"

	"github.com/jackc/pgx/v5"
)

// Beginner is satisfied by *pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresSink appends events to system_logs. Entries for one entity form a
// hash chain: each row carries the hash of the previous one.
type PostgresSink struct {
	db Beginner
}

func NewPostgresSink(db Beginner) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Write(ctx context.Context, event models.Event) (err error) {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("encode event detail: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "audit:"+event.EntityType+":"+event.EntityID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT entity_seq, hash
		FROM system_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY entity_seq DESC
		LIMIT 1
	`, event.EntityType, event.EntityID)
	if scanErr := row.Scan(&lastSeq, &prevHash); scanErr != nil && !errors.Is(scanErr, pgx.ErrNoRows) {
		err = scanErr
		return err
	}
	seq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	hash := ComputeEventHash(prev, event, detail, seq)

	_, err = tx.Exec(ctx, `
		INSERT INTO system_logs (event_id, entity_seq, action, entity_type, entity_id, detail, actor_id, source, occurred_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, seq, event.Action, event.EntityType, event.EntityID, detail, event.ActorID, nullString(event.Source), event.OccurredAt.UTC(), prev, hash)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ComputeEventHash chains an entry to its predecessor.
func ComputeEventHash(prevHash string, event models.Event, detail []byte, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%d|%s",
		prevHash,
		event.EventID,
		event.EntityType,
		event.EntityID,
		event.Action,
		event.ActorID,
		event.OccurredAt.UTC().Format(time.RFC3339Nano),
		seq,
		detail,
	)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
