// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

// ErrValidation marks malformed request input.
var ErrValidation = errors.New("validation failed")

// RespondError maps authorization errors to RFC7807 responses. Unknown errors
// are reported without detail.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrSessionUnavailable):
		Problem(w, http.StatusUnauthorized, "Unauthorized", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrDenied), errors.Is(err, shared.ErrUnresolved):
		Problem(w, http.StatusForbidden, "Forbidden", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrInvalidHierarchy):
		Problem(w, http.StatusConflict, "Invalid Hierarchy", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrLookupFailure):
		w.Header().Set("Retry-After", "5")
		Problem(w, http.StatusServiceUnavailable, "Lookup Failed", shared.UserSafeMessage(err))
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
