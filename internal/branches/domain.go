// Package branches answers which organisational units a principal may see.
// Scope and subtree membership are always computed by the store.
package branches

// Type classifies a branch within its company tree.
type Type string

const (
	TypeHeadquarters Type = "headquarters"
	TypeRegional     Type = "regional"
	TypeBranch       Type = "branch"
	TypeSubBranch    Type = "sub_branch"
)

// Branch is one node of a per-company tree. Branches are deactivated, never
// deleted.
type Branch struct {
	ID             string  `json:"id" validate:"required"`
	CompanyID      string  `json:"company_id" validate:"required"`
	ParentBranchID *string `json:"parent_branch_id,omitempty" validate:"omitempty,min=1"`
	Name           string  `json:"name" validate:"required,max=255"`
	Code           string  `json:"code" validate:"required,max=64"`
	Type           Type    `json:"branch_type" validate:"required,oneof=headquarters regional branch sub_branch"`
	Level          int     `json:"level" validate:"min=0"`
	ManagerID      *string `json:"manager_id,omitempty"`
	IsActive       bool    `json:"is_active"`
}

// IsRoot reports whether the branch has no parent.
func (b Branch) IsRoot() bool {
	return b.ParentBranchID == nil
}

// Direction selects which part of the tree GetBranchHierarchy returns.
type Direction string

const (
	// Ancestors returns the chain from the company root down to the branch.
	Ancestors Direction = "ancestors"
	// Subtree returns the branch followed by every descendant.
	Subtree Direction = "subtree"
)

// ParseDirection maps query input to a Direction, defaulting to Ancestors.
func ParseDirection(raw string) (Direction, bool) {
	switch Direction(raw) {
	case "", Ancestors:
		return Ancestors, true
	case Subtree:
		return Subtree, true
	}
	return "", false
}
