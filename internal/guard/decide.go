package guard

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-crm/internal/roles"
	"github.com/odyssey-erp/odyssey-crm/internal/session"
)

var validate = validator.New()

// Rule is the per-route configuration surface.
type Rule struct {
	RequiredRole    roles.Role `json:"required_role,omitempty" validate:"omitempty,oneof=admin agent user"`
	AllowUnapproved bool       `json:"allow_unapproved,omitempty"`
}

// Validate rejects rules naming an unknown role.
func (r Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("guard: invalid rule: %w", err)
	}
	return nil
}

// Routes are the redirect targets.
type Routes struct {
	SignIn          string `validate:"required,startswith=/"`
	PasswordChange  string `validate:"required,startswith=/"`
	Landing         string `validate:"required,startswith=/"`
	PendingApproval string `validate:"required,startswith=/"`
}

// DefaultRoutes mirrors the application defaults.
func DefaultRoutes() Routes {
	return Routes{
		SignIn:          "/auth/login",
		PasswordChange:  "/auth/password",
		Landing:         "/",
		PendingApproval: "/pending-approval",
	}
}

// Validate checks every target is an absolute path.
func (r Routes) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("guard: invalid routes: %w", err)
	}
	return nil
}

// Input is everything Decide looks at.
type Input struct {
	// Loading is true until role resolution for Principal completes.
	Loading   bool
	Principal *session.Principal
	Roles     roles.Set
	// RolesErr is the role lookup failure, if any.
	RolesErr error
	Path     string
	Rule     Rule
}

// Decision is the pure result of Decide. Redirect is empty when the state
// renders in place or the principal is already on the target.
type Decision struct {
	State    State  `json:"state"`
	Redirect string `json:"redirect,omitempty"`
	Path     string `json:"path"`
}

// Retryable reports whether the caller should try again shortly.
func (d Decision) Retryable() bool {
	return d.State == Loading || d.State == LookupFailed
}

// Decide evaluates the route rules in fixed priority order.
func Decide(in Input, routes Routes) Decision {
	path := normalizePath(in.Path)
	d := Decision{Path: path}
	switch {
	case in.Loading:
		d.State = Loading
	case !in.Principal.Valid():
		d.State, d.Redirect = Unauthenticated, routes.SignIn
	case in.Principal.RequiresPasswordChange && !samePath(path, routes.PasswordChange):
		d.State, d.Redirect = ForcePasswordChange, routes.PasswordChange
	case in.RolesErr != nil:
		d.State = LookupFailed
	case in.Rule.RequiredRole != "" && !satisfies(in.Roles, in.Rule.RequiredRole):
		d.State, d.Redirect = RoleMismatch, routes.Landing
	case in.Rule.RequiredRole == "" && !in.Rule.AllowUnapproved && in.Roles.Empty():
		d.State, d.Redirect = Unapproved, routes.PendingApproval
	default:
		d.State = Authorized
	}
	if d.Redirect != "" && samePath(path, d.Redirect) {
		d.Redirect = ""
	}
	return d
}

// satisfies tests admin against the global scope only; HasRole already
// encodes that asymmetry.
func satisfies(set roles.Set, required roles.Role) bool {
	return set.HasRole(required)
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if p = strings.TrimRight(p, "/"); p == "" {
		return "/"
	}
	return p
}

func samePath(a, b string) bool {
	return normalizePath(a) == normalizePath(b)
}
