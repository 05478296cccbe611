// Package apperr defines the error kinds shared by the settlement services.
// Services return these sentinels (usually wrapped with context) and callers
// classify them with errors.Is or Kind.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrValidation                   = errors.New("validation failed")
	ErrInsufficientFunds            = errors.New("insufficient funds")
	ErrInsufficientAvailableBalance = errors.New("insufficient available balance")
	ErrNotFound                     = errors.New("not found")
	ErrAlreadyResolved              = errors.New("already resolved")
	ErrAlreadyProcessed             = errors.New("already processed")
	ErrGateway                      = errors.New("payment gateway error")
	ErrReconciliationGap            = errors.New("local record missing, reconstructed from gateway")
	ErrForbidden                    = errors.New("forbidden")
	ErrInvalidState                 = errors.New("invalid state")
)

// KindOf values.
const (
	KindInternal     = "internal"
	KindValidation   = "validation"
	KindFunds        = "insufficient_funds"
	KindNotFound     = "not_found"
	KindIdempotent   = "already_processed"
	KindGateway      = "gateway"
	KindForbidden    = "forbidden"
	KindInvalidState = "invalid_state"
)

// Kind classifies err into one of the Kind* values. Unknown errors are internal.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientAvailableBalance):
		return KindFunds
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrAlreadyProcessed):
		return KindIdempotent
	case errors.Is(err, ErrGateway):
		return KindGateway
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	default:
		return KindInternal
	}
}

// IsIdempotent reports whether err only signals that the work was already done.
// Such errors are reported to clients as success with a note.
func IsIdempotent(err error) bool {
	return Kind(err) == KindIdempotent
}

// HTTPStatus maps err to the response code used by the HTTP handlers.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case "":
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindFunds:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindIdempotent:
		return http.StatusOK
	case KindGateway:
		return http.StatusBadGateway
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
