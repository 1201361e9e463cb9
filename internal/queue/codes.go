package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"qms/triage-service/internal/models"
	"qms/triage-service/internal/store"
)

const (
	codeDigits     = 3
	maxCodeNumber  = 999
	defaultAttempt = 10
)

// CodeGenerator hands out daily sequential codes such as A007. It must be
// called inside a store transaction: Stamp takes the code-space lock and
// Next reads under it.
type CodeGenerator struct {
	prefixes    Prefixes
	location    *time.Location
	maxAttempts int
}

func NewCodeGenerator(prefixes Prefixes, location *time.Location, maxAttempts int) *CodeGenerator {
	if location == nil {
		location = time.Local
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultAttempt
	}
	return &CodeGenerator{prefixes: prefixes, location: location, maxAttempts: maxAttempts}
}

// ServiceDay returns the calendar day asOf falls on in the queue's time
// zone, as a UTC midnight.
func (g *CodeGenerator) ServiceDay(asOf time.Time) time.Time {
	y, m, d := asOf.In(g.location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Stamp locks the code space of the priority's prefix for the current
// service day and reads the issue time while holding the lock, so issue
// times follow code order. If the day rolls over while waiting, the new day
// is locked as well.
func (g *CodeGenerator) Stamp(ctx context.Context, tx store.Tx, priority models.Priority, now func() time.Time) (issuedAt, serviceDay time.Time, err error) {
	prefix, err := g.prefix(priority)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	serviceDay = g.ServiceDay(now())
	for {
		if err := tx.LockCodeSpace(ctx, prefix, serviceDay); err != nil {
			return time.Time{}, time.Time{}, err
		}
		issuedAt = now().UTC()
		day := g.ServiceDay(issuedAt)
		if day.Equal(serviceDay) {
			return issuedAt, serviceDay, nil
		}
		serviceDay = day
	}
}

// Next returns the first free code after the highest one issued on
// serviceDay. The caller holds the lock taken by Stamp. skip lists codes
// that lost an insert race earlier in the same transaction.
func (g *CodeGenerator) Next(ctx context.Context, tx store.Tx, priority models.Priority, serviceDay time.Time, skip map[string]bool) (string, error) {
	prefix, err := g.prefix(priority)
	if err != nil {
		return "", err
	}

	codes, err := tx.ListCodes(ctx, prefix, serviceDay)
	if err != nil {
		return "", err
	}
	next := 1
	for _, code := range codes {
		if n, ok := ParseCode(prefix, code); ok && n >= next {
			next = n + 1
		}
	}

	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if next > maxCodeNumber {
			return "", fmt.Errorf("%w: prefix %s reached %d codes", store.ErrCodeGenerationExhausted, prefix, maxCodeNumber)
		}
		code := FormatCode(prefix, next)
		next++
		if skip[code] {
			continue
		}
		exists, err := tx.CodeExists(ctx, serviceDay, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: %d attempts for prefix %s", store.ErrCodeGenerationExhausted, g.maxAttempts, prefix)
}

func (g *CodeGenerator) prefix(priority models.Priority) (string, error) {
	prefix := g.prefixes.Prefix(priority)
	if prefix == "" {
		return "", &store.ValidationError{Field: "priority", Reason: "no code prefix configured"}
	}
	return prefix, nil
}

func FormatCode(prefix string, n int) string {
	return fmt.Sprintf("%s%0*d", prefix, codeDigits, n)
}

// ParseCode extracts the numeric suffix of a code carrying prefix.
func ParseCode(prefix, code string) (int, bool) {
	if !strings.HasPrefix(code, prefix) {
		return 0, false
	}
	digits := code[len(prefix):]
	if len(digits) != codeDigits {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
