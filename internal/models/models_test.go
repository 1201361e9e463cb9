package models

import (
	"testing"
	"time"
)

func TestParseStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want Status
		ok   bool
	}{
		{"WAITING", StatusWaiting, true},
		{" in_service ", StatusInService, true},
		{"no_show", StatusNoShow, true},
		{"DONE", "", false},
		{"", "", false},
	}
	for _, tt := range cases {
		got, err := ParseStatus(tt.raw)
		if (err == nil) != tt.ok || got != tt.want {
			t.Fatalf("ParseStatus(%q)=(%q, %v), want %q ok=%v", tt.raw, got, err, tt.want, tt.ok)
		}
	}
}

func TestStatusSets(t *testing.T) {
	cases := []struct {
		status   Status
		active   bool
		queued   bool
		terminal bool
	}{
		{StatusWaiting, true, true, false},
		{StatusCalling, true, true, false},
		{StatusInService, true, false, false},
		{StatusServed, false, false, true},
		{StatusCancelled, false, false, true},
		{StatusNoShow, false, false, true},
	}
	for _, tt := range cases {
		if tt.status.IsActive() != tt.active || tt.status.IsQueued() != tt.queued || tt.status.IsTerminal() != tt.terminal {
			t.Fatalf("%s: active=%v queued=%v terminal=%v", tt.status, tt.status.IsActive(), tt.status.IsQueued(), tt.status.IsTerminal())
		}
	}
}

func TestPriorityRank(t *testing.T) {
	if !(PriorityVeryUrgent.Rank() < PriorityUrgent.Rank() && PriorityUrgent.Rank() < PriorityLowUrgency.Rank()) {
		t.Fatalf("priorities out of order")
	}
	if Priority("CRITICAL").Valid() || Priority("").Valid() {
		t.Fatalf("unknown priority reported valid")
	}
}

func TestQueueLess(t *testing.T) {
	early := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)

	urgentLate := Ticket{TicketID: "b", Priority: PriorityVeryUrgent, IssuedAt: late}
	lowEarly := Ticket{TicketID: "a", Priority: PriorityLowUrgency, IssuedAt: early}
	if !QueueLess(urgentLate, lowEarly) {
		t.Fatalf("priority must dominate arrival time")
	}

	urgentEarly := Ticket{TicketID: "z", Priority: PriorityVeryUrgent, IssuedAt: early}
	if !QueueLess(urgentEarly, urgentLate) {
		t.Fatalf("earlier arrival should go first within a priority")
	}

	tie := Ticket{TicketID: "a", Priority: PriorityVeryUrgent, IssuedAt: late}
	if !QueueLess(tie, urgentLate) || QueueLess(urgentLate, tie) {
		t.Fatalf("ticket id should break exact ties")
	}
}
