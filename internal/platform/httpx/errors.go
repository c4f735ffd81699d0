// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/harvest/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807. The problem type
// carries the error class so clients can tell input errors from retryable ones.
func RespondError(w http.ResponseWriter, err error) {
	class := string(shared.ClassOf(err))
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		Problem(w, http.StatusBadRequest, string(shared.ClassInput), "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, class, "Not Found", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, class, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, class, "Invalid Transition", err.Error())
	case errors.Is(err, shared.ErrAlreadyFinalized):
		Problem(w, http.StatusConflict, class, "Already Finalized", err.Error())
	case errors.Is(err, shared.ErrInsufficientStock):
		Problem(w, http.StatusUnprocessableEntity, class, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrAmountMismatch):
		Problem(w, http.StatusUnprocessableEntity, class, "Amount Mismatch", err.Error())
	case errors.Is(err, shared.ErrCapacityExceeded):
		Problem(w, http.StatusUnprocessableEntity, class, "Capacity Exceeded", err.Error())
	case errors.Is(err, shared.ErrInsufficientFunds):
		Problem(w, http.StatusUnprocessableEntity, class, "Insufficient Funds", err.Error())
	case errors.Is(err, shared.ErrConcurrencyConflict):
		w.Header().Set("Retry-After", "1")
		Problem(w, http.StatusServiceUnavailable, class, "Concurrency Conflict", shared.UserSafeMessage(err))
	default:
		Problem(w, http.StatusInternalServerError, string(shared.ClassSupport), "Internal Error", shared.UserSafeMessage(err))
	}
}
