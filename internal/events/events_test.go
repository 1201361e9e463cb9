package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/triage-service/internal/models"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type memorySink struct {
	mu     sync.Mutex
	events []models.Event
	block  chan struct{}
	err    error
}

func (s *memorySink) Write(ctx context.Context, event models.Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *memorySink) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.events))
	for _, event := range s.events {
		ids = append(ids, event.EventID)
	}
	return ids
}

func sampleEvent(id string) models.Event {
	return models.Event{
		EventID:    id,
		Action:     models.ActionTicketIssued,
		EntityType: models.EntityTicket,
		EntityID:   "ticket-1",
		Detail:     map[string]interface{}{"code": "A001"},
		ActorID:    "nurse-1",
		OccurredAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &memorySink{}
	d := NewDispatcher(sink, 8, zerolog.Nop())

	for _, id := range []string{"e1", "e2", "e3"} {
		if err := d.Emit(context.Background(), sampleEvent(id)); err != nil {
			t.Fatalf("Emit(%s): %v", id, err)
		}
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := strings.Join(sink.IDs(), ","); got != "e1,e2,e3" {
		t.Fatalf("delivered %s, want e1,e2,e3", got)
	}
	if err := d.Emit(context.Background(), sampleEvent("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	d := NewDispatcher(sink, 1, zerolog.Nop())

	// The first event may already be held by the writer goroutine, so keep
	// emitting until the buffer overflows.
	var overflow error
	for i := 0; i < 10 && overflow == nil; i++ {
		overflow = d.Emit(context.Background(), sampleEvent("e"))
	}
	if !errors.Is(overflow, ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", overflow)
	}
	if d.Dropped() == 0 {
		t.Fatalf("dropped counter not incremented")
	}

	close(sink.block)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDispatcherCountsSinkFailures(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	var buf bytes.Buffer
	d := NewDispatcher(sink, 4, zerolog.New(&buf))

	if err := d.Emit(context.Background(), sampleEvent("e1")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if d.Failed() != 1 {
		t.Fatalf("failed=%d, want 1", d.Failed())
	}
	if !strings.Contains(buf.String(), "disk full") {
		t.Fatalf("sink failure not logged: %s", buf.String())
	}
}

func TestDispatcherReportLogsNewFailuresOnce(t *testing.T) {
	sink := &memorySink{err: errors.New("broker unreachable")}
	d := NewDispatcher(sink, 4, zerolog.Nop())
	for _, id := range []string{"e1", "e2"} {
		if err := d.Emit(context.Background(), sampleEvent(id)); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var buf bytes.Buffer
	dropped, failed := d.Report(zerolog.New(&buf))
	if dropped != 0 || failed != 2 {
		t.Fatalf("report dropped=%d failed=%d, want 0 and 2", dropped, failed)
	}
	if !strings.Contains(buf.String(), `"failed_events":2`) {
		t.Fatalf("failures not logged: %s", buf.String())
	}

	buf.Reset()
	if dropped, failed := d.Report(zerolog.New(&buf)); dropped != 0 || failed != 0 {
		t.Fatalf("second report dropped=%d failed=%d, want nothing new", dropped, failed)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no log line without new failures, got %s", buf.String())
	}
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	ok := &memorySink{}
	broken := &memorySink{err: errors.New("broker down")}
	sink := MultiSink{broken, ok}

	err := sink.Write(context.Background(), sampleEvent("e1"))
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.IDs()) != 1 {
		t.Fatalf("healthy sink should still receive the event")
	}
}

func TestLogSinkWritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))
	if err := sink.Write(context.Background(), sampleEvent("e1")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log entry is not json: %v", err)
	}
	if entry["action"] != models.ActionTicketIssued || entry["entity_id"] != "ticket-1" || entry["actor_id"] != "nurse-1" {
		t.Fatalf("unexpected log entry %v", entry)
	}
}

func TestComputeEventHashChains(t *testing.T) {
	event := sampleEvent("e1")
	detail := []byte(`{"code":"A001"}`)

	first := ComputeEventHash("", event, detail, 1)
	if first != ComputeEventHash("", event, detail, 1) {
		t.Fatalf("hash is not deterministic")
	}
	if len(first) != 64 {
		t.Fatalf("expected hex sha256, got %q", first)
	}
	if ComputeEventHash(first, event, detail, 2) == ComputeEventHash("tampered", event, detail, 2) {
		t.Fatalf("hash ignores previous link")
	}
	if first == ComputeEventHash("", event, []byte(`{"code":"A002"}`), 1) {
		t.Fatalf("hash ignores detail")
	}
}

type recordingWriter struct {
	messages []kafka.Message
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaSinkKeysByTicket(t *testing.T) {
	if _, err := NewKafkaSink(nil, "triage.events"); err == nil {
		t.Fatalf("expected error without brokers")
	}

	writer := &recordingWriter{}
	sink := &KafkaSink{writer: writer, topic: "triage.events"}
	if err := sink.Write(context.Background(), sampleEvent("e1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(writer.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(writer.messages))
	}
	msg := writer.messages[0]
	if msg.Topic != "triage.events" || string(msg.Key) != "ticket-1" {
		t.Fatalf("unexpected message routing topic=%s key=%s", msg.Topic, msg.Key)
	}

	var decoded models.Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.EventID != "e1" || decoded.Action != models.ActionTicketIssued {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}
