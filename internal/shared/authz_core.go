package shared

// Permissions owned by the authorization core itself.
const (
	PermGrantsView  = "authz.grants.view"
	PermGrantsWrite = "authz.grants.write"

	PermBranchesView = "branches.view"
)
