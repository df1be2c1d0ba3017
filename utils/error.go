package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorCategory classifies engine failures for callers. VALIDATION and
// NOT_FOUND are rejected before any write; CONFLICT is retryable or
// user-actionable with no partial state persisted; INVARIANT_VIOLATION always
// rolls back the whole unit of work and requires operator attention.
type ErrorCategory string

const (
	CategoryValidation         ErrorCategory = "VALIDATION"
	CategoryConflict           ErrorCategory = "CONFLICT"
	CategoryInvariantViolation ErrorCategory = "INVARIANT_VIOLATION"
	CategoryNotFound           ErrorCategory = "NOT_FOUND"
)

// Stable error codes exposed to callers.
const (
	CodePostedImmutable          = "POSTED_IMMUTABLE"
	CodeInvalidTransition        = "INVALID_TRANSITION"
	CodeWarehouseResolutionCycle = "WAREHOUSE_RESOLUTION_CYCLE"
	CodeStockInsufficient        = "STOCK_INSUFFICIENT"
	CodeIdempotencyConflict      = "IDEMPOTENCY_CONFLICT"
	CodeCascadeTooLarge          = "CASCADE_TOO_LARGE"
	CodeLockContention           = "LOCK_CONTENTION"
	CodeUnbalancedTransfer       = "UNBALANCED_TRANSFER"
	CodeCostConservation         = "COST_CONSERVATION"
	CodeLayerVoided              = "LAYER_VOIDED"
	CodeOverFulfillment          = "OVER_FULFILLMENT"
	CodeAlreadyReversed          = "ALREADY_REVERSED"
	CodeAvailabilityDrift        = "AVAILABILITY_RECONCILIATION"
)

type EngineError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Err      error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *EngineError) Unwrap() error { return e.Err }

func NewValidationError(format string, args ...any) *EngineError {
	return &EngineError{Category: CategoryValidation, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(format string, args ...any) *EngineError {
	return &EngineError{Category: CategoryNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewConflictError(code string, format string, args ...any) *EngineError {
	return &EngineError{Category: CategoryConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewInvariantError(code string, format string, args ...any) *EngineError {
	return &EngineError{Category: CategoryInvariantViolation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// CategoryOf returns the category of err, defaulting to INVARIANT_VIOLATION
// for unclassified errors so nothing unexpected is reported as retryable.
func CategoryOf(err error) ErrorCategory {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category
	}
	if errors.Is(err, ErrorRecordNotFound) {
		return CategoryNotFound
	}
	return CategoryInvariantViolation
}

func CodeOf(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

func IsConflict(err error) bool {
	return CategoryOf(err) == CategoryConflict
}
