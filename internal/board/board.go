// Package board projects the queue into Redis for waiting-room displays.
// Postgres stays the source of truth; the projection is rewritten whole
// after every reflow.
package board

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"qms/triage-service/internal/models"

	"github.com/redis/go-redis/v9"
)

const DefaultKey = "triage:queue"

// Entry is what a display shows for one queued ticket. Symptoms and patient
// ids never leave the service.
type Entry struct {
	Position int             `json:"position"`
	TicketID string          `json:"ticket_id"`
	Code     string          `json:"code"`
	Priority models.Priority `json:"priority"`
	Status   models.Status   `json:"status"`
}

// Entries converts an ordered queue into display entries, skipping tickets
// that have no position.
func Entries(ordered []models.Ticket) []Entry {
	entries := make([]Entry, 0, len(ordered))
	for _, ticket := range ordered {
		if !ticket.Status.IsQueued() || ticket.QueuePosition <= 0 {
			continue
		}
		entries = append(entries, Entry{
			Position: ticket.QueuePosition,
			TicketID: ticket.TicketID,
			Code:     ticket.Code,
			Priority: ticket.Priority,
			Status:   ticket.Status,
		})
	}
	return entries
}

// Connect initializes a Redis client from a redis:// URL or host:port.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisBoard keeps a sorted set of ticket ids scored by position and a hash
// of ticket id to encoded Entry.
type RedisBoard struct {
	client redis.Cmdable
	key    string
}

func NewRedisBoard(client redis.Cmdable, key string) *RedisBoard {
	if key == "" {
		key = DefaultKey
	}
	return &RedisBoard{client: client, key: key}
}

func (b *RedisBoard) entriesKey() string {
	return b.key + ":entries"
}

// QueueChanged replaces the projection atomically.
func (b *RedisBoard) QueueChanged(ctx context.Context, ordered []models.Ticket) error {
	entries := Entries(ordered)
	members := make([]redis.Z, 0, len(entries))
	fields := make([]interface{}, 0, 2*len(entries))
	for _, entry := range entries {
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		members = append(members, redis.Z{Score: float64(entry.Position), Member: entry.TicketID})
		fields = append(fields, entry.TicketID, raw)
	}

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.key, b.entriesKey())
		if len(members) > 0 {
			pipe.ZAdd(ctx, b.key, members...)
			pipe.HSet(ctx, b.entriesKey(), fields...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish queue board: %w", err)
	}
	return nil
}

// Snapshot reads the projection back in position order.
func (b *RedisBoard) Snapshot(ctx context.Context) ([]Entry, error) {
	ids, err := b.client.ZRange(ctx, b.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue board: %w", err)
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}
	values, err := b.client.HMGet(ctx, b.entriesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue board entries: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode queue board entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
