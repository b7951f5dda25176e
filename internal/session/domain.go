// Package session models the authenticated principal and the stream of
// sign-in/sign-out notifications emitted by the identity provider.
package session

import "strings"

// Principal is the authenticated identity driving every authorization decision.
type Principal struct {
	ID                     string  `json:"id"`
	Email                  string  `json:"email"`
	FullName               string  `json:"full_name,omitempty"`
	CompanyID              *string `json:"company_id,omitempty"`
	BranchID               *string `json:"branch_id,omitempty"`
	RequiresPasswordChange bool    `json:"requires_password_change"`
}

// Valid reports whether the principal carries a usable identifier.
func (p *Principal) Valid() bool {
	return p != nil && strings.TrimSpace(p.ID) != ""
}

// SameIdentity reports whether a and b refer to the same principal id.
// Two absent principals are considered the same.
func SameIdentity(a, b *Principal) bool {
	if !a.Valid() || !b.Valid() {
		return !a.Valid() && !b.Valid()
	}
	return a.ID == b.ID
}

// Clone returns a deep copy of p, or nil.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	cp := *p
	if p.CompanyID != nil {
		v := *p.CompanyID
		cp.CompanyID = &v
	}
	if p.BranchID != nil {
		v := *p.BranchID
		cp.BranchID = &v
	}
	return &cp
}

// Equal reports whether a and b carry identical profile data.
func Equal(a, b *Principal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID &&
		a.Email == b.Email &&
		a.FullName == b.FullName &&
		a.RequiresPasswordChange == b.RequiresPasswordChange &&
		equalPtr(a.CompanyID, b.CompanyID) &&
		equalPtr(a.BranchID, b.BranchID)
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Changed is emitted whenever the signed-in principal changes. A nil
// Principal means the user signed out.
type Changed struct {
	Principal *Principal
}
