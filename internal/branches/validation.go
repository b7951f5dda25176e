package branches

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

var validate = validator.New()

// Validate checks the field-level constraints of a single branch.
func Validate(b Branch) error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("branch %q: %w", b.ID, err)
	}
	return nil
}

// ValidateTree checks the structural invariants of a set of branches: every
// parent exists in the same company with a strictly lower level, each company
// has exactly one root, and every branch is reachable from that root.
func ValidateTree(all []Branch) error {
	byID := make(map[string]Branch, len(all))
	for _, b := range all {
		if err := Validate(b); err != nil {
			return err
		}
		if _, dup := byID[b.ID]; dup {
			return fmt.Errorf("%w: duplicate branch %q", shared.ErrInvalidHierarchy, b.ID)
		}
		byID[b.ID] = b
	}

	roots := make(map[string]string)
	children := make(map[string][]string)
	for _, b := range all {
		if b.IsRoot() {
			if other, ok := roots[b.CompanyID]; ok {
				return fmt.Errorf("%w: company %q has roots %q and %q", shared.ErrInvalidHierarchy, b.CompanyID, other, b.ID)
			}
			roots[b.CompanyID] = b.ID
			continue
		}
		parent, ok := byID[*b.ParentBranchID]
		if !ok {
			return fmt.Errorf("%w: branch %q references missing parent %q", shared.ErrInvalidHierarchy, b.ID, *b.ParentBranchID)
		}
		if err := checkEdge(parent, b); err != nil {
			return err
		}
		children[parent.ID] = append(children[parent.ID], b.ID)
	}

	reached := make(map[string]bool, len(all))
	for _, root := range roots {
		queue := []string{root}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if reached[id] {
				continue
			}
			reached[id] = true
			queue = append(queue, children[id]...)
		}
	}
	for _, b := range all {
		if !reached[b.ID] {
			if _, ok := roots[b.CompanyID]; !ok {
				return fmt.Errorf("%w: company %q has no root", shared.ErrInvalidHierarchy, b.CompanyID)
			}
			return fmt.Errorf("%w: branch %q is not reachable from its root", shared.ErrInvalidHierarchy, b.ID)
		}
	}
	return nil
}

// ValidateChain checks a GetBranchHierarchy result for branchID.
func ValidateChain(chain []Branch, branchID string, dir Direction) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty hierarchy for %q", shared.ErrInvalidHierarchy, branchID)
	}
	switch dir {
	case Ancestors:
		if !chain[0].IsRoot() {
			return fmt.Errorf("%w: chain does not start at a root", shared.ErrInvalidHierarchy)
		}
		if last := chain[len(chain)-1]; last.ID != branchID {
			return fmt.Errorf("%w: chain ends at %q, want %q", shared.ErrInvalidHierarchy, last.ID, branchID)
		}
		for i := 1; i < len(chain); i++ {
			child := chain[i]
			if child.IsRoot() || *child.ParentBranchID != chain[i-1].ID {
				return fmt.Errorf("%w: %q is not a child of %q", shared.ErrInvalidHierarchy, child.ID, chain[i-1].ID)
			}
			if err := checkEdge(chain[i-1], child); err != nil {
				return err
			}
		}
	case Subtree:
		if chain[0].ID != branchID {
			return fmt.Errorf("%w: subtree starts at %q, want %q", shared.ErrInvalidHierarchy, chain[0].ID, branchID)
		}
		seen := map[string]Branch{chain[0].ID: chain[0]}
		for _, child := range chain[1:] {
			if child.IsRoot() {
				return fmt.Errorf("%w: root %q inside subtree", shared.ErrInvalidHierarchy, child.ID)
			}
			parent, ok := seen[*child.ParentBranchID]
			if !ok {
				return fmt.Errorf("%w: %q listed before its parent", shared.ErrInvalidHierarchy, child.ID)
			}
			if err := checkEdge(parent, child); err != nil {
				return err
			}
			seen[child.ID] = child
		}
	default:
		return fmt.Errorf("branches: unknown direction %q", dir)
	}
	return nil
}

func checkEdge(parent, child Branch) error {
	if parent.CompanyID != child.CompanyID {
		return fmt.Errorf("%w: %q and parent %q belong to different companies", shared.ErrInvalidHierarchy, child.ID, parent.ID)
	}
	if parent.Level >= child.Level {
		return fmt.Errorf("%w: %q level %d not below parent %q level %d", shared.ErrInvalidHierarchy, child.ID, child.Level, parent.ID, parent.Level)
	}
	return nil
}
