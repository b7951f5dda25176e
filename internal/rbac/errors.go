package rbac

import "errors"

// ErrInvalidGrant indicates a grant request that failed validation.
var ErrInvalidGrant = errors.New("rbac: invalid grant")

// ErrOutOfScope indicates a grant operation outside the actor's authority.
// It is always wrapped together with shared.ErrDenied.
var ErrOutOfScope = errors.New("rbac: outside actor scope")
