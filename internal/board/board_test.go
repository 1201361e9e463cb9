package board

import (
	"context"
	"os"
	"testing"
	"time"

	"qms/triage-service/internal/models"
)

func sampleQueue() []models.Ticket {
	issued := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	return []models.Ticket{
		{TicketID: "t1", Code: "A001", Priority: models.PriorityVeryUrgent, Status: models.StatusCalling, QueuePosition: 1, PatientID: "P1", Symptoms: "chest pain", IssuedAt: issued},
		{TicketID: "t2", Code: "A002", Priority: models.PriorityVeryUrgent, Status: models.StatusWaiting, QueuePosition: 2, PatientID: "P2", IssuedAt: issued},
		{TicketID: "t3", Code: "B001", Priority: models.PriorityUrgent, Status: models.StatusInService, PatientID: "P3", IssuedAt: issued},
		{TicketID: "t4", Code: "C001", Priority: models.PriorityLowUrgency, Status: models.StatusWaiting, QueuePosition: 3, PatientID: "P4", IssuedAt: issued},
	}
}

func TestEntriesSkipsUnqueuedTickets(t *testing.T) {
	entries := Entries(sampleQueue())
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []string{"A001", "A002", "C001"}
	for i, entry := range entries {
		if entry.Code != want[i] || entry.Position != i+1 {
			t.Fatalf("entry %d = %+v, want %s at %d", i, entry, want[i], i+1)
		}
	}
}

func TestRedisBoardRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	key := "test:triage:" + time.Now().Format("150405.000000000")
	defer client.Del(ctx, key, key+":entries")

	board := NewRedisBoard(client, key)
	if err := board.QueueChanged(ctx, sampleQueue()); err != nil {
		t.Fatalf("QueueChanged: %v", err)
	}
	entries, err := board.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(entries) != 3 || entries[0].Code != "A001" || entries[2].Code != "C001" {
		t.Fatalf("unexpected snapshot %+v", entries)
	}

	if err := board.QueueChanged(ctx, nil); err != nil {
		t.Fatalf("QueueChanged(empty): %v", err)
	}
	entries, err = board.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty board, got %+v", entries)
	}
}
