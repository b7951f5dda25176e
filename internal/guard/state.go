// Package guard decides, per navigation, whether to render a route or send
// the principal elsewhere.
package guard

// State is the outcome of evaluating a route for the current principal.
type State int

const (
	Loading State = iota
	Unauthenticated
	ForcePasswordChange
	// LookupFailed means role resolution errored. It is retryable and never
	// redirects, so an outage is not mistaken for "pending approval".
	LookupFailed
	RoleMismatch
	Unapproved
	Authorized
)

var stateNames = [...]string{
	Loading:             "loading",
	Unauthenticated:     "unauthenticated",
	ForcePasswordChange: "force_password_change",
	LookupFailed:        "lookup_failed",
	RoleMismatch:        "role_mismatch",
	Unapproved:          "unapproved",
	Authorized:          "authorized",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
