// Package realtime pushes queue changes to connected display clients.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"qms/triage-service/internal/board"
	"qms/triage-service/internal/models"

	"github.com/rs/zerolog"
)

const MessageQueueChanged = "queue.changed"

// Subscription narrows what a client receives. An empty priority set means
// every queued ticket.
type Subscription struct {
	Priorities map[models.Priority]bool
}

func (s Subscription) match(entry board.Entry) bool {
	if len(s.Priorities) == 0 {
		return true
	}
	return s.Priorities[entry.Priority]
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Message struct {
	Type    string        `json:"type"`
	Entries []board.Entry `json:"entries"`
	SentAt  time.Time     `json:"sent_at"`
}

type SubscribeMessage struct {
	Action     string   `json:"action"`
	Priorities []string `json:"priorities"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	last    []board.Entry
	logger  zerolog.Logger
	now     func() time.Time
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
		now:     time.Now,
	}
}

// Register adds the client and queues the latest known queue for it.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	if h.last != nil {
		h.deliver(client, h.last)
	}
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

// UpdateSubscription swaps the client's filter and resends the latest queue
// through it.
func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
	if h.last != nil {
		h.deliver(client, h.last)
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// QueueChanged broadcasts the new queue. A client whose buffer is full
// misses this update and catches up on the next one.
func (h *Hub) QueueChanged(ctx context.Context, ordered []models.Ticket) error {
	entries := board.Entries(ordered)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = entries
	for _, client := range h.clients {
		h.deliver(client, entries)
	}
	return nil
}

// deliver must be called with h.mu held.
func (h *Hub) deliver(client *Client, entries []board.Entry) {
	filtered := make([]board.Entry, 0, len(entries))
	for _, entry := range entries {
		if client.Subscription.match(entry) {
			filtered = append(filtered, entry)
		}
	}
	payload, err := json.Marshal(Message{Type: MessageQueueChanged, Entries: filtered, SentAt: h.now().UTC()})
	if err != nil {
		h.logger.Error().Err(err).Msg("encode queue message")
		return
	}
	select {
	case client.Send <- payload:
	default:
		h.logger.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
	}
}

// ParseSubscribe reads a subscribe/unsubscribe frame. Unknown priorities
// are rejected.
func ParseSubscribe(data []byte) (Subscription, error) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Subscription{}, fmt.Errorf("decode subscribe: %w", err)
	}
	switch msg.Action {
	case "unsubscribe":
		return Subscription{}, nil
	case "subscribe":
	default:
		return Subscription{}, fmt.Errorf("unknown action %q", msg.Action)
	}
	sub := Subscription{Priorities: make(map[models.Priority]bool, len(msg.Priorities))}
	for _, raw := range msg.Priorities {
		priority := models.Priority(strings.ToUpper(strings.TrimSpace(raw)))
		if !priority.Valid() {
			return Subscription{}, fmt.Errorf("unknown priority %q", raw)
		}
		sub.Priorities[priority] = true
	}
	return sub, nil
}
