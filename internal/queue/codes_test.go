package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"qms/triage-service/internal/models"
	"qms/triage-service/internal/store"
)

// codeTx answers the code generator's reads from fixed data. Calling any
// other Tx method panics on the nil embedded interface.
type codeTx struct {
	store.Tx
	codes   []string
	taken   map[string]bool
	lookups int
	locked  []string
}

func (tx *codeTx) LockCodeSpace(ctx context.Context, prefix string, serviceDay time.Time) error {
	tx.locked = append(tx.locked, prefix+"@"+serviceDay.Format("2006-01-02"))
	return nil
}

func (tx *codeTx) ListCodes(ctx context.Context, prefix string, serviceDay time.Time) ([]string, error) {
	return tx.codes, nil
}

func (tx *codeTx) CodeExists(ctx context.Context, serviceDay time.Time, code string) (bool, error) {
	tx.lookups++
	return tx.taken[code], nil
}

var testDay = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func TestCodeGeneratorNext(t *testing.T) {
	gen := NewCodeGenerator(DefaultPrefixes(), time.UTC, 10)
	ctx := context.Background()

	tx := &codeTx{}
	code, err := gen.Next(ctx, tx, models.PriorityVeryUrgent, testDay, nil)
	if err != nil || code != "A001" {
		t.Fatalf("first code=%q err=%v, want A001", code, err)
	}
	if len(tx.locked) != 0 {
		t.Fatalf("Next must not take locks itself, got %v", tx.locked)
	}

	tx = &codeTx{codes: []string{"B001", "B007", "B003", "junk"}}
	code, err = gen.Next(ctx, tx, models.PriorityUrgent, testDay, nil)
	if err != nil || code != "B008" {
		t.Fatalf("code=%q err=%v, want B008", code, err)
	}

	tx = &codeTx{codes: []string{"C001"}, taken: map[string]bool{"C002": true}}
	code, err = gen.Next(ctx, tx, models.PriorityLowUrgency, testDay, map[string]bool{"C003": true})
	if err != nil || code != "C004" {
		t.Fatalf("code=%q err=%v, want C004", code, err)
	}
}

// sequenceClock returns its times in order and repeats the last one.
func sequenceClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		now := times[i]
		if i < len(times)-1 {
			i++
		}
		return now
	}
}

func TestCodeGeneratorStampReadsTimeUnderLock(t *testing.T) {
	gen := NewCodeGenerator(DefaultPrefixes(), time.UTC, 10)
	ctx := context.Background()

	beforeLock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	afterLock := beforeLock.Add(3 * time.Second)
	tx := &codeTx{}
	issuedAt, day, err := gen.Stamp(ctx, tx, models.PriorityVeryUrgent, sequenceClock(beforeLock, afterLock))
	if err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if !issuedAt.Equal(afterLock) || !day.Equal(testDay) {
		t.Fatalf("issuedAt=%s day=%s, want %s on %s", issuedAt, day, afterLock, testDay)
	}
	if len(tx.locked) != 1 || tx.locked[0] != "A@2026-03-02" {
		t.Fatalf("expected code space lock, got %v", tx.locked)
	}
}

func TestCodeGeneratorStampAcrossMidnight(t *testing.T) {
	gen := NewCodeGenerator(DefaultPrefixes(), time.UTC, 10)

	lateEvening := time.Date(2026, 3, 2, 23, 59, 59, 0, time.UTC)
	nextMorning := time.Date(2026, 3, 3, 0, 0, 1, 0, time.UTC)
	tx := &codeTx{}
	issuedAt, day, err := gen.Stamp(context.Background(), tx, models.PriorityUrgent, sequenceClock(lateEvening, nextMorning))
	if err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if !issuedAt.Equal(nextMorning) || !day.Equal(testDay.AddDate(0, 0, 1)) {
		t.Fatalf("issuedAt=%s day=%s, want the next service day", issuedAt, day)
	}
	if len(tx.locked) != 2 || tx.locked[1] != "B@2026-03-03" {
		t.Fatalf("expected the new day to be locked, got %v", tx.locked)
	}
}

func TestCodeGeneratorExhaustion(t *testing.T) {
	ctx := context.Background()

	gen := NewCodeGenerator(DefaultPrefixes(), time.UTC, 10)
	_, err := gen.Next(ctx, &codeTx{codes: []string{"A999"}}, models.PriorityVeryUrgent, testDay, nil)
	if !errors.Is(err, store.ErrCodeGenerationExhausted) {
		t.Fatalf("expected exhaustion past 999, got %v", err)
	}

	taken := make(map[string]bool)
	for i := 1; i <= 50; i++ {
		taken[FormatCode("B", i)] = true
	}
	tx := &codeTx{taken: taken}
	gen = NewCodeGenerator(DefaultPrefixes(), time.UTC, 5)
	_, err = gen.Next(ctx, tx, models.PriorityUrgent, testDay, nil)
	if !errors.Is(err, store.ErrCodeGenerationExhausted) {
		t.Fatalf("expected exhaustion after bounded attempts, got %v", err)
	}
	if tx.lookups != 5 {
		t.Fatalf("lookups=%d, want 5", tx.lookups)
	}
}

func TestServiceDayUsesQueueTimezone(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*60*60)
	gen := NewCodeGenerator(DefaultPrefixes(), jakarta, 0)

	// 18:30 UTC on the 1st is already the 2nd in UTC+7.
	day := gen.ServiceDay(time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC))
	if !day.Equal(testDay) {
		t.Fatalf("service day=%s, want %s", day, testDay)
	}
}

func TestFormatAndParseCode(t *testing.T) {
	if got := FormatCode("A", 7); got != "A007" {
		t.Fatalf("FormatCode=%q", got)
	}
	if got := FormatCode("C", 999); got != "C999" {
		t.Fatalf("FormatCode=%q", got)
	}

	cases := []struct {
		code string
		n    int
		ok   bool
	}{
		{"A001", 1, true},
		{"A120", 120, true},
		{"B001", 0, false},
		{"A01", 0, false},
		{"A0001", 0, false},
		{"Axyz", 0, false},
	}
	for _, tt := range cases {
		n, ok := ParseCode("A", tt.code)
		if n != tt.n || ok != tt.ok {
			t.Fatalf("ParseCode(A, %q)=(%d, %v), want (%d, %v)", tt.code, n, ok, tt.n, tt.ok)
		}
	}
}

func TestPrefixesValidate(t *testing.T) {
	if err := DefaultPrefixes().Validate(); err != nil {
		t.Fatalf("default prefixes: %v", err)
	}

	bad := []Prefixes{
		{models.PriorityVeryUrgent: "A", models.PriorityUrgent: "B"},
		{models.PriorityVeryUrgent: "A", models.PriorityUrgent: "BB", models.PriorityLowUrgency: "C"},
		{models.PriorityVeryUrgent: "a", models.PriorityUrgent: "B", models.PriorityLowUrgency: "C"},
		{models.PriorityVeryUrgent: "A", models.PriorityUrgent: "C", models.PriorityLowUrgency: "C"},
	}
	for _, prefixes := range bad {
		if err := prefixes.Validate(); err == nil {
			t.Fatalf("expected %v to be rejected", prefixes)
		}
	}
}
