package queue

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"qms/triage-service/internal/models"
	"qms/triage-service/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultTxTimeout = 10 * time.Second

// EventSink receives one record per mutation. Delivery is best effort.
type EventSink interface {
	Emit(ctx context.Context, event models.Event) error
}

// QueueObserver is told the queue order after every successful reflow.
type QueueObserver interface {
	QueueChanged(ctx context.Context, ordered []models.Ticket) error
}

// Observers notifies every observer in turn and joins their errors.
type Observers []QueueObserver

func (o Observers) QueueChanged(ctx context.Context, ordered []models.Ticket) error {
	var errs []error
	for _, observer := range o {
		if err := observer.QueueChanged(ctx, ordered); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Options struct {
	Prefixes        Prefixes
	Location        *time.Location
	MaxCodeAttempts int
	TxTimeout       time.Duration
	AllowRequeue    bool
	Observer        QueueObserver
	Logger          zerolog.Logger
	Now             func() time.Time
}

type Service struct {
	store       store.Store
	patients    store.PatientDirectory
	sink        EventSink
	observer    QueueObserver
	codes       *CodeGenerator
	transitions store.TransitionTable
	maxAttempts int
	txTimeout   time.Duration
	validate    *validator.Validate
	tracer      trace.Tracer
	logger      zerolog.Logger
	now         func() time.Time

	reflowSeq atomic.Uint64
	publishMu sync.Mutex
	published uint64
}

type AdmitInput struct {
	PatientID string          `json:"patient_id" validate:"required"`
	Symptoms  string          `json:"symptoms" validate:"required"`
	Priority  models.Priority `json:"priority" validate:"required,priority"`
	Actor     models.Actor    `json:"-"`
}

func NewService(st store.Store, patients store.PatientDirectory, sink EventSink, options Options) (*Service, error) {
	prefixes := options.Prefixes
	if prefixes == nil {
		prefixes = DefaultPrefixes()
	}
	if err := prefixes.Validate(); err != nil {
		return nil, err
	}
	maxAttempts := options.MaxCodeAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultAttempt
	}
	txTimeout := options.TxTimeout
	if txTimeout <= 0 {
		txTimeout = defaultTxTimeout
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
		return models.Priority(fl.Field().String()).Valid()
	}); err != nil {
		return nil, err
	}

	return &Service{
		store:       st,
		patients:    patients,
		sink:        sink,
		observer:    options.Observer,
		codes:       NewCodeGenerator(prefixes, options.Location, maxAttempts),
		transitions: store.NewTransitionTable(options.AllowRequeue),
		maxAttempts: maxAttempts,
		txTimeout:   txTimeout,
		validate:    validate,
		tracer:      otel.Tracer("qms/triage-service/queue"),
		logger:      options.Logger,
		now:         now,
	}, nil
}

// Admit issues a WAITING ticket for the patient. Creation is all or
// nothing: when code generation or either uniqueness rule fails no row is
// written.
func (s *Service) Admit(ctx context.Context, input AdmitInput) (models.Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "queue.Admit")
	defer span.End()

	input.PatientID = strings.TrimSpace(input.PatientID)
	input.Symptoms = strings.TrimSpace(input.Symptoms)
	if err := s.validateAdmit(input); err != nil {
		return models.Ticket{}, err
	}
	span.SetAttributes(attribute.String("ticket.priority", string(input.Priority)))

	active, err := s.patients.PatientActive(ctx, input.PatientID)
	if err != nil {
		span.RecordError(err)
		return models.Ticket{}, fmt.Errorf("patient lookup: %w", err)
	}
	if !active {
		return models.Ticket{}, store.ErrPatientNotFound
	}

	ticket := models.Ticket{
		TicketID:  uuid.NewString(),
		Priority:  input.Priority,
		Status:    models.StatusWaiting,
		Symptoms:  input.Symptoms,
		PatientID: input.PatientID,
		IssuedBy:  input.Actor.ID,
	}

	err = s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.LockPatient(ctx, ticket.PatientID); err != nil {
			return err
		}
		exists, err := tx.HasActiveTicket(ctx, ticket.PatientID)
		if err != nil {
			return err
		}
		if exists {
			return store.ErrDuplicateActiveTicket
		}

		// Issue time is read under the code-space lock so that queue order
		// within a priority matches code order.
		ticket.IssuedAt, ticket.ServiceDay, err = s.codes.Stamp(ctx, tx, ticket.Priority, s.now)
		if err != nil {
			return err
		}

		position, err := computeInsertionPosition(ctx, tx, ticket.Priority)
		if err != nil {
			return err
		}
		ticket.QueuePosition = position

		lost := make(map[string]bool)
		for attempt := 0; attempt < s.maxAttempts; attempt++ {
			code, err := s.codes.Next(ctx, tx, ticket.Priority, ticket.ServiceDay, lost)
			if err != nil {
				return err
			}
			ticket.Code = code
			err = tx.InsertTicket(ctx, ticket)
			if errors.Is(err, store.ErrCodeConflict) {
				lost[code] = true
				continue
			}
			return err
		}
		return fmt.Errorf("%w: insert kept colliding", store.ErrCodeGenerationExhausted)
	})
	if err != nil {
		span.RecordError(err)
		return models.Ticket{}, err
	}
	span.SetAttributes(attribute.String("ticket.code", ticket.Code))

	ordered, reflowErr := s.Reflow(ctx)
	if reflowErr == nil {
		ticket.QueuePosition = positionOf(ordered, ticket.TicketID)
	}

	s.emit(ctx, input.Actor, models.ActionTicketIssued, ticket.TicketID, map[string]interface{}{
		"code":       ticket.Code,
		"patient_id": ticket.PatientID,
		"priority":   ticket.Priority,
		"symptoms":   ticket.Symptoms,
	})

	if reflowErr != nil {
		return ticket, fmt.Errorf("%w after admission of %s: %w", store.ErrReflowFailed, ticket.Code, reflowErr)
	}
	return ticket, nil
}

// CallNext moves the most urgent, longest-waiting WAITING ticket to CALLING.
func (s *Service) CallNext(ctx context.Context, actor models.Actor) (models.Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "queue.CallNext")
	defer span.End()

	if err := requireActor(actor); err != nil {
		return models.Ticket{}, err
	}

	var called models.Ticket
	var queueChanged bool
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		head, err := tx.NextWaitingForUpdate(ctx)
		if err != nil {
			return err
		}
		called, queueChanged, err = Transition(s.transitions, head, models.StatusCalling, s.now().UTC())
		if err != nil {
			return err
		}
		return tx.UpdateTicketStatus(ctx, called)
	})
	if err != nil {
		if !errors.Is(err, store.ErrEmptyQueue) {
			span.RecordError(err)
		}
		return models.Ticket{}, err
	}
	span.SetAttributes(attribute.String("ticket.code", called.Code))

	var reflowErr error
	if queueChanged {
		var ordered []models.Ticket
		if ordered, reflowErr = s.Reflow(ctx); reflowErr == nil {
			called.QueuePosition = positionOf(ordered, called.TicketID)
		}
	}

	s.emit(ctx, actor, models.ActionPatientCalled, called.TicketID, map[string]interface{}{
		"code":       called.Code,
		"patient_id": called.PatientID,
		"priority":   called.Priority,
	})

	if reflowErr != nil {
		return called, fmt.Errorf("%w after calling %s: %w", store.ErrReflowFailed, called.Code, reflowErr)
	}
	return called, nil
}

// UpdateStatus applies one transition from the status table.
func (s *Service) UpdateStatus(ctx context.Context, ticketID string, status models.Status, actor models.Actor) (models.Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "queue.UpdateStatus")
	defer span.End()

	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return models.Ticket{}, &store.ValidationError{Field: "ticket_id", Reason: "is required"}
	}
	if !status.Valid() {
		return models.Ticket{}, &store.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	if err := requireActor(actor); err != nil {
		return models.Ticket{}, err
	}
	span.SetAttributes(attribute.String("ticket.id", ticketID), attribute.String("ticket.status", string(status)))

	var updated models.Ticket
	var previous models.Status
	var queueChanged bool
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.GetTicketForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		previous = current.Status
		updated, queueChanged, err = Transition(s.transitions, current, status, s.now().UTC())
		if err != nil {
			return err
		}
		return tx.UpdateTicketStatus(ctx, updated)
	})
	if err != nil {
		span.RecordError(err)
		return models.Ticket{}, err
	}

	var reflowErr error
	if queueChanged {
		var ordered []models.Ticket
		if ordered, reflowErr = s.Reflow(ctx); reflowErr == nil {
			updated.QueuePosition = positionOf(ordered, updated.TicketID)
		}
	}

	s.emit(ctx, actor, models.ActionTicketStatusUpdated, updated.TicketID, map[string]interface{}{
		"code":            updated.Code,
		"patient_id":      updated.PatientID,
		"previous_status": previous,
		"new_status":      updated.Status,
	})

	if reflowErr != nil {
		return updated, fmt.Errorf("%w after %s -> %s: %w", store.ErrReflowFailed, previous, updated.Status, reflowErr)
	}
	return updated, nil
}

// Reflow renumbers the WAITING/CALLING queue 1..N. Calls serialize on the
// queue lock, so the last one to finish sees every committed mutation.
func (s *Service) Reflow(ctx context.Context) ([]models.Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "queue.Reflow")
	defer span.End()

	var (
		ordered []models.Ticket
		seq     uint64
	)
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if ordered, err = reflow(ctx, tx); err != nil {
			return err
		}
		// Taken under the queue lock, so sequence order is commit order.
		seq = s.reflowSeq.Add(1)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("queue.length", len(ordered)))

	s.publish(ctx, seq, ordered)
	return ordered, nil
}

// publish hands a reflow result to the observer unless a later reflow has
// already been published.
func (s *Service) publish(ctx context.Context, seq uint64, ordered []models.Ticket) {
	if s.observer == nil {
		return
	}
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if seq <= s.published {
		s.logger.Debug().Uint64("seq", seq).Uint64("published", s.published).Msg("stale queue snapshot skipped")
		return
	}
	s.published = seq
	if err := s.observer.QueueChanged(ctx, ordered); err != nil {
		s.logger.Warn().Err(err).Int("queue_length", len(ordered)).Msg("queue observer failed")
	}
}

// ListActiveQueue returns WAITING, CALLING and IN_SERVICE tickets in queue
// order.
func (s *Service) ListActiveQueue(ctx context.Context) ([]models.Ticket, error) {
	tickets, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	Order(tickets)
	return tickets, nil
}

func (s *Service) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return models.Ticket{}, &store.ValidationError{Field: "ticket_id", Reason: "is required"}
	}
	return s.store.GetTicket(ctx, ticketID)
}

func (s *Service) transact(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	err := s.store.WithTx(txCtx, func(tx store.Tx) error {
		return fn(txCtx, tx)
	})
	if err != nil && ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || txCtx.Err() == context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", store.ErrTransactionTimeout, s.txTimeout, err)
	}
	return err
}

func (s *Service) validateAdmit(input AdmitInput) error {
	if err := s.validate.Struct(input); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			reason := "is required"
			if fe.Tag() == "priority" {
				reason = fmt.Sprintf("unknown priority %q", fe.Value())
			}
			return &store.ValidationError{Field: fe.Field(), Reason: reason}
		}
		return err
	}
	return requireActor(input.Actor)
}

func (s *Service) emit(ctx context.Context, actor models.Actor, action, ticketID string, detail map[string]interface{}) {
	if s.sink == nil {
		return
	}
	event := models.Event{
		EventID:    uuid.NewString(),
		Action:     action,
		EntityType: models.EntityTicket,
		EntityID:   ticketID,
		Detail:     detail,
		ActorID:    actor.ID,
		Source:     actor.Source,
		OccurredAt: s.now().UTC(),
	}
	if err := s.sink.Emit(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("ticket_id", ticketID).Msg("event not recorded")
	}
}

func requireActor(actor models.Actor) error {
	if strings.TrimSpace(actor.ID) == "" {
		return &store.ValidationError{Field: "actor", Reason: "is required"}
	}
	return nil
}

func positionOf(ordered []models.Ticket, ticketID string) int {
	for _, ticket := range ordered {
		if ticket.TicketID == ticketID {
			return ticket.QueuePosition
		}
	}
	return 0
}
