package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strings"

	"qms/triage-service/internal/board"
	"qms/triage-service/internal/models"
	"qms/triage-service/internal/queue"
	"qms/triage-service/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type QueueService interface {
	Admit(ctx context.Context, input queue.AdmitInput) (models.Ticket, error)
	ListActiveQueue(ctx context.Context) ([]models.Ticket, error)
	CallNext(ctx context.Context, actor models.Actor) (models.Ticket, error)
	UpdateStatus(ctx context.Context, ticketID string, status models.Status, actor models.Actor) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
}

type BoardReader interface {
	Snapshot(ctx context.Context) ([]board.Entry, error)
}

type Handler struct {
	service QueueService
	board   BoardReader
	logger  zerolog.Logger
}

type admitRequest struct {
	PatientID string `json:"patient_id"`
	Symptoms  string `json:"symptoms"`
	Priority  string `json:"priority"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Options struct {
	// Board serves GET /api/queue/board. When nil the board is computed
	// from the live queue.
	Board BoardReader

	// Realtime is mounted under /realtime/ when set.
	Realtime http.Handler

	JWTSecret string
	RateLimit RateLimitConfig

	// Limiter overrides RateLimit, letting the caller sweep idle buckets.
	Limiter *RateLimiter
	Logger  zerolog.Logger
}

func NewHandler(service QueueService, options Options) *Handler {
	return &Handler{
		service: service,
		board:   options.Board,
		logger:  options.Logger,
	}
}

// NewRouter mounts the queue routes. Mutating routes require an actor.
func NewRouter(handler *Handler, options Options) http.Handler {
	limiter := options.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(options.RateLimit)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(options.Logger))
	r.Use(limiter.Middleware)

	r.Get("/healthz", handler.handleHealth)
	r.Handle("/metrics", expvar.Handler())
	if options.Realtime != nil {
		r.Handle("/realtime/*", options.Realtime)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", handler.handleListQueue)
		r.Get("/queue/board", handler.handleBoard)
		r.Get("/tickets/{ticketID}", handler.handleGetTicket)

		r.Group(func(r chi.Router) {
			r.Use(ActorMiddleware(options.JWTSecret))
			r.Use(limiter.ActorMiddleware)
			r.Post("/tickets", handler.handleAdmit)
			r.Post("/queue/call-next", handler.handleCallNext)
			r.Put("/tickets/{ticketID}/status", handler.handleUpdateStatus)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleAdmit(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing actor")
		return
	}

	var req admitRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	ticket, err := h.service.Admit(r.Context(), queue.AdmitInput{
		PatientID: req.PatientID,
		Symptoms:  req.Symptoms,
		Priority:  models.Priority(strings.ToUpper(strings.TrimSpace(req.Priority))),
		Actor:     actor,
	})
	if err != nil && !h.committedDespite(r, err) {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.service.ListActiveQueue(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleBoard(w http.ResponseWriter, r *http.Request) {
	if h.board != nil {
		entries, err := h.board.Snapshot(r.Context())
		if err == nil {
			writeJSON(w, http.StatusOK, entries)
			return
		}
		h.logger.Warn().Err(err).Msg("queue board unavailable, using live queue")
	}

	tickets, err := h.service.ListActiveQueue(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board.Entries(tickets))
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, middleware.GetReqID(r.Context()), http.StatusUnauthorized, "unauthorized", "missing actor")
		return
	}
	ticket, err := h.service.CallNext(r.Context(), actor)
	if err != nil && !h.committedDespite(r, err) {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.service.GetTicket(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing actor")
		return
	}

	var req updateStatusRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	status, err := models.ParseStatus(req.Status)
	if err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ticket, err := h.service.UpdateStatus(r.Context(), chi.URLParam(r, "ticketID"), status, actor)
	if err != nil && !h.committedDespite(r, err) {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// committedDespite reports whether err only says the queue positions lag
// behind a committed mutation. The ticket is still returned and the
// reconcile job repairs the positions.
func (h *Handler) committedDespite(r *http.Request, err error) bool {
	if !errors.Is(err, store.ErrReflowFailed) {
		return false
	}
	h.logger.Warn().Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Msg("mutation committed, queue positions pending reconcile")
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, middleware.GetReqID(r.Context()), status, code, message)
}

func mapError(err error) (int, string, string) {
	var validation *store.ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_request", validation.Error()
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid_request", "invalid request"
	case errors.Is(err, store.ErrPatientNotFound):
		return http.StatusNotFound, "patient_not_found", "patient not found"
	case errors.Is(err, store.ErrDuplicateActiveTicket):
		return http.StatusConflict, "duplicate_active_ticket", "patient already has an active ticket"
	case errors.Is(err, store.ErrCodeGenerationExhausted):
		return http.StatusServiceUnavailable, "code_generation_exhausted", "no ticket code available, retry later"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "ticket status does not allow this change"
	case errors.Is(err, store.ErrEmptyQueue):
		return http.StatusNotFound, "queue_empty", "no waiting tickets"
	case errors.Is(err, store.ErrTransactionTimeout):
		return http.StatusServiceUnavailable, "transaction_timeout", "storage did not respond in time"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
