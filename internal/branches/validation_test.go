package branches

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

func ptr(s string) *string { return &s }

func node(id, company, parent string, level int) Branch {
	b := Branch{ID: id, CompanyID: company, Name: id, Code: id, Type: TypeBranch, Level: level, IsActive: true}
	if parent != "" {
		b.ParentBranchID = ptr(parent)
	} else {
		b.Type = TypeHeadquarters
	}
	return b
}

// sampleTree:
//
//	hq
//	├── north
//	│   ├── n1
//	│   └── n2
//	└── south
//	    └── s1
func sampleTree() []Branch {
	return []Branch{
		node("hq", "c1", "", 0),
		node("north", "c1", "hq", 1),
		node("south", "c1", "hq", 1),
		node("n1", "c1", "north", 2),
		node("n2", "c1", "north", 2),
		node("s1", "c1", "south", 2),
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	b := node("x", "c1", "", 0)
	require.NoError(t, Validate(b))

	b.Type = "kiosk"
	assert.Error(t, Validate(b))

	b = node("x", "c1", "", -1)
	assert.Error(t, Validate(b))

	b = node("x", "", "", 0)
	assert.Error(t, Validate(b))
}

func TestValidateTree(t *testing.T) {
	require.NoError(t, ValidateTree(sampleTree()))

	cases := map[string][]Branch{
		"two roots":       append(sampleTree(), node("hq2", "c1", "", 0)),
		"missing parent":  append(sampleTree(), node("x", "c1", "ghost", 3)),
		"cross company":   append(sampleTree(), node("x", "c2", "north", 2)),
		"level not lower": append(sampleTree(), node("x", "c1", "north", 1)),
		"duplicate":       append(sampleTree(), node("n1", "c1", "north", 2)),
	}
	for name, tree := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateTree(tree), shared.ErrInvalidHierarchy)
		})
	}
}

func TestValidateTreeAllowsSeveralCompanies(t *testing.T) {
	tree := append(sampleTree(), node("hq-b", "c2", "", 0), node("b1", "c2", "hq-b", 1))
	assert.NoError(t, ValidateTree(tree))
}

func TestValidateChainAncestors(t *testing.T) {
	chain := []Branch{node("hq", "c1", "", 0), node("north", "c1", "hq", 1), node("n1", "c1", "north", 2)}
	require.NoError(t, ValidateChain(chain, "n1", Ancestors))

	assert.ErrorIs(t, ValidateChain(chain[1:], "n1", Ancestors), shared.ErrInvalidHierarchy, "must start at root")
	assert.ErrorIs(t, ValidateChain(chain[:2], "n1", Ancestors), shared.ErrInvalidHierarchy, "must end at branch")

	broken := []Branch{node("hq", "c1", "", 0), node("n1", "c1", "north", 2)}
	assert.ErrorIs(t, ValidateChain(broken, "n1", Ancestors), shared.ErrInvalidHierarchy)
}

func TestValidateChainSubtree(t *testing.T) {
	chain := []Branch{node("north", "c1", "hq", 1), node("n1", "c1", "north", 2), node("n2", "c1", "north", 2)}
	require.NoError(t, ValidateChain(chain, "north", Subtree))

	assert.ErrorIs(t, ValidateChain(chain, "n1", Subtree), shared.ErrInvalidHierarchy, "must start at branch")

	withSibling := append(chain, node("s1", "c1", "south", 2))
	assert.ErrorIs(t, ValidateChain(withSibling, "north", Subtree), shared.ErrInvalidHierarchy)

	assert.ErrorIs(t, ValidateChain(nil, "north", Subtree), shared.ErrInvalidHierarchy)
}

func TestParseDirection(t *testing.T) {
	d, ok := ParseDirection("")
	assert.True(t, ok)
	assert.Equal(t, Ancestors, d)

	d, ok = ParseDirection("subtree")
	assert.True(t, ok)
	assert.Equal(t, Subtree, d)

	_, ok = ParseDirection("sideways")
	assert.False(t, ok)
}
