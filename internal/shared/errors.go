package shared

import "errors"

// Authorization failure taxonomy. Every one of these is treated as "denied".
var (
	// ErrSessionUnavailable indicates no principal is signed in.
	ErrSessionUnavailable = errors.New("authz: session unavailable")
	// ErrLookupFailure indicates the remote store errored or timed out.
	ErrLookupFailure = errors.New("authz: lookup failure")
	// ErrDenied indicates an authoritative check answered false.
	ErrDenied = errors.New("authz: denied")
	// ErrUnresolved indicates the local cache has not been populated yet.
	ErrUnresolved = errors.New("authz: unresolved")
	// ErrInvalidHierarchy indicates a branch chain that violates tree invariants.
	ErrInvalidHierarchy = errors.New("authz: invalid branch hierarchy")
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

// IsLookupFailure reports whether err stems from an unreachable store.
func IsLookupFailure(err error) bool {
	return errors.Is(err, ErrLookupFailure)
}

// UserSafeMessage maps internal errors to text that can be shown in a banner.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionUnavailable):
		return "Please sign in to continue."
	case errors.Is(err, ErrLookupFailure):
		return "We could not verify your access right now. Please try again."
	case errors.Is(err, ErrDenied), errors.Is(err, ErrUnresolved):
		return "You do not have access to this resource."
	case errors.Is(err, ErrInvalidHierarchy):
		return "The organisation structure could not be loaded."
	case errors.Is(err, ErrNotFound):
		return "The requested resource was not found."
	default:
		return "Something went wrong."
	}
}
