package store

import "errors"

var (
	ErrPatientNotFound         = errors.New("patient not found")
	ErrDuplicateActiveTicket   = errors.New("patient already has an active ticket")
	ErrCodeGenerationExhausted = errors.New("ticket code generation exhausted")
	ErrTicketNotFound          = errors.New("ticket not found")
	ErrInvalidTransition       = errors.New("invalid ticket status transition")
	ErrEmptyQueue              = errors.New("no waiting tickets")
	ErrTransactionTimeout      = errors.New("transaction timed out")
	ErrValidation              = errors.New("validation failed")

	// ErrCodeConflict is returned by Tx.InsertTicket when the code is already
	// taken for the service day. The admission loop retries on it.
	ErrCodeConflict = errors.New("ticket code already issued")

	// ErrReflowFailed means the mutation committed but queue positions were
	// not recomputed. The operation still returns the committed ticket.
	ErrReflowFailed = errors.New("queue positions not refreshed")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
