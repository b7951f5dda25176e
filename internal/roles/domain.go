package roles

import (
	"encoding/json"
	"strings"
)

// Role is a coarse grant held by a principal.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
	RoleUser  Role = "user"
)

// ParseRole normalises raw input into a known role.
func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	return r, r.Valid()
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleAgent, RoleUser:
		return true
	}
	return false
}

// Assignment is a (role, scope) pair. A nil CompanyID means global scope.
type Assignment struct {
	Role      Role    `json:"role"`
	CompanyID *string `json:"company_id,omitempty"`
}

// Global reports whether the assignment is not scoped to a company.
func (a Assignment) Global() bool {
	return a.CompanyID == nil
}

// Set is the resolved, immutable list of assignments for one principal.
// The zero value is an empty set and denies everything.
type Set struct {
	assignments []Assignment
}

// NewSet builds a Set from assignments, normalising role names and dropping
// unknown roles.
func NewSet(assignments []Assignment) Set {
	out := make([]Assignment, 0, len(assignments))
	for _, a := range assignments {
		r, ok := ParseRole(string(a.Role))
		if !ok {
			continue
		}
		a.Role = r
		if a.CompanyID != nil {
			id := *a.CompanyID
			a.CompanyID = &id
		}
		out = append(out, a)
	}
	return Set{assignments: out}
}

// Assignments returns a copy of the resolved assignments.
func (s Set) Assignments() []Assignment {
	out := make([]Assignment, len(s.assignments))
	copy(out, s.assignments)
	return out
}

// Empty reports whether the principal holds no role at all. For a successful
// resolution this is the "pending approval" state.
func (s Set) Empty() bool {
	return len(s.assignments) == 0
}

// IsSuperAdmin reports an admin assignment with global scope.
//
// Global scope is inferred from a missing company, so a principal that has no
// company for unrelated reasons and holds admin is classified as super-admin.
// Kept for compatibility with existing grant data.
func (s Set) IsSuperAdmin() bool {
	for _, a := range s.assignments {
		if a.Role == RoleAdmin && a.Global() {
			return true
		}
	}
	return false
}

// IsCompanyAdmin reports an admin assignment scoped to some company.
func (s Set) IsCompanyAdmin() bool {
	for _, a := range s.assignments {
		if a.Role == RoleAdmin && !a.Global() {
			return true
		}
	}
	return false
}

// AdminCompanies lists the companies the principal administers.
func (s Set) AdminCompanies() []string {
	var ids []string
	for _, a := range s.assignments {
		if a.Role == RoleAdmin && !a.Global() {
			ids = append(ids, *a.CompanyID)
		}
	}
	return ids
}

// HasRole reports whether the principal holds r. Admin is satisfied only by
// a global admin assignment; company admins do not pass a generic admin check.
func (s Set) HasRole(r Role) bool {
	if r == RoleAdmin {
		return s.IsSuperAdmin()
	}
	for _, a := range s.assignments {
		if a.Role == r {
			return true
		}
	}
	return false
}

type setJSON struct {
	Assignments    []Assignment `json:"assignments"`
	IsSuperAdmin   bool         `json:"is_super_admin"`
	IsCompanyAdmin bool         `json:"is_company_admin"`
}

// MarshalJSON renders the set with its derived flags.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(setJSON{
		Assignments:    s.Assignments(),
		IsSuperAdmin:   s.IsSuperAdmin(),
		IsCompanyAdmin: s.IsCompanyAdmin(),
	})
}
