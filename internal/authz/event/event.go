// Package event defines the notifications exchanged between the session
// provider, the resolvers and the route gate.
package event

import (
	"github.com/odyssey-erp/odyssey-crm/internal/branches"
	"github.com/odyssey-erp/odyssey-crm/internal/rbac"
	"github.com/odyssey-erp/odyssey-crm/internal/roles"
	"github.com/odyssey-erp/odyssey-crm/internal/session"
)

// Event is one notification on a Bus. Generation identifies the principal
// epoch that produced it; consumers ignore events older than what they hold.
type Event interface {
	Generation() uint64
}

// SessionChanged announces a new principal, or sign-out when Principal is nil.
type SessionChanged struct {
	Gen       uint64
	Principal *session.Principal
}

// RolesResolved carries the outcome of role resolution. Err is non-nil when
// the lookup failed, which is distinct from an empty Roles set.
type RolesResolved struct {
	Gen       uint64
	Principal *session.Principal
	Roles     roles.Set
	Err       error
}

// PermissionsResolved carries the principal's flattened grants.
type PermissionsResolved struct {
	Gen         uint64
	PrincipalID string
	Permissions []rbac.Permission
	Err         error
}

// BranchesResolved carries the principal's accessible branches.
type BranchesResolved struct {
	Gen         uint64
	PrincipalID string
	Branches    []branches.Branch
	Err         error
}

func (e SessionChanged) Generation() uint64      { return e.Gen }
func (e RolesResolved) Generation() uint64       { return e.Gen }
func (e PermissionsResolved) Generation() uint64 { return e.Gen }
func (e BranchesResolved) Generation() uint64    { return e.Gen }
