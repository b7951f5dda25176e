package authz

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/odyssey-erp/odyssey-crm/internal/branches"
	"github.com/odyssey-erp/odyssey-crm/internal/rbac"
	"github.com/odyssey-erp/odyssey-crm/internal/roles"
)

type fakeStore struct {
	mu       sync.Mutex
	roles    map[string][]roles.Assignment
	perms    map[string][]rbac.Permission
	branches map[string][]branches.Branch
	rolesErr error
	roleGate chan struct{}
	permGate chan struct{}

	roleCalls    atomic.Int32
	permCalls    atomic.Int32
	permReturned atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roles:    map[string][]roles.Assignment{},
		perms:    map[string][]rbac.Permission{},
		branches: map[string][]branches.Branch{},
	}
}

func (s *fakeStore) setRoles(id string, a ...roles.Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[id] = a
}

func (s *fakeStore) setPerms(id string, keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perms := make([]rbac.Permission, 0, len(keys))
	for _, k := range keys {
		perms = append(perms, rbac.Permission{Key: k, Name: k, Source: rbac.SourceRole})
	}
	s.perms[id] = perms
}

func (s *fakeStore) setBranches(id string, list ...branches.Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[id] = list
}

func (s *fakeStore) gatePermissions() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permGate = make(chan struct{})
	return s.permGate
}

func (s *fakeStore) gateRoles() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roleGate = make(chan struct{})
	return s.roleGate
}

func (s *fakeStore) ListRoleAssignments(_ context.Context, id string) ([]roles.Assignment, error) {
	s.roleCalls.Add(1)
	s.mu.Lock()
	gate := s.roleGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rolesErr != nil {
		return nil, s.rolesErr
	}
	return append([]roles.Assignment(nil), s.roles[id]...), nil
}

func (s *fakeStore) ListPermissions(_ context.Context, id string) ([]rbac.Permission, error) {
	s.permCalls.Add(1)
	defer s.permReturned.Add(1)
	s.mu.Lock()
	gate := s.permGate
	perms := append([]rbac.Permission(nil), s.perms[id]...)
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return perms, nil
}

func (s *fakeStore) CheckPermission(_ context.Context, id, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.perms[id] {
		if p.Key == key {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) ListAccessibleBranches(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, b := range s.branches[id] {
		ids = append(ids, b.ID)
	}
	return ids, nil
}

func (s *fakeStore) GetBranches(_ context.Context, ids []string) ([]branches.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []branches.Branch
	seen := map[string]bool{}
	for _, list := range s.branches {
		for _, b := range list {
			if want[b.ID] && !seen[b.ID] {
				seen[b.ID] = true
				out = append(out, b)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) CheckBranchAccess(ctx context.Context, id, branchID string) (bool, error) {
	ids, _ := s.ListAccessibleBranches(ctx, id)
	for _, b := range ids {
		if b == branchID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) GetBranchHierarchy(_ context.Context, branchID string, _ branches.Direction) ([]branches.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.branches {
		for _, b := range list {
			if b.ID == branchID {
				return []branches.Branch{b}, nil
			}
		}
	}
	return nil, nil
}

type harness struct {
	store *fakeStore
	perms *rbac.Resolver
	deps  Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newFakeStore()
	perms := rbac.NewResolver(store, rbac.ResolverConfig{})
	return &harness{
		store: store,
		perms: perms,
		deps: Deps{
			Roles:       roles.NewResolver(store, roles.ResolverConfig{}),
			Permissions: perms,
			Branches:    branches.NewController(store, branches.ControllerConfig{}),
		},
	}
}

func strPtr(s string) *string { return &s }

func rootBranch(id, company string) branches.Branch {
	return branches.Branch{ID: id, CompanyID: company, Name: id, Code: id, Type: branches.TypeHeadquarters, IsActive: true}
}
