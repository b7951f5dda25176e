package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-crm/internal/authz/event"
	"github.com/odyssey-erp/odyssey-crm/internal/guard"
	"github.com/odyssey-erp/odyssey-crm/internal/roles"
	"github.com/odyssey-erp/odyssey-crm/internal/session"
	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

func waitSettled(t *testing.T, c *Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func TestContextResolvesOnSignIn(t *testing.T) {
	h := newHarness(t)
	h.store.setRoles("u1", roles.Assignment{Role: roles.RoleAgent, CompanyID: strPtr("c1")})
	h.store.setPerms("u1", "tickets.reply")
	h.store.setBranches("u1", rootBranch("hq", "c1"))

	hub := session.NewHub(4)
	c := New(h.deps, Config{})
	defer c.Close()
	c.Watch(hub)

	assert.Nil(t, c.Principal())
	hub.SignIn(session.Principal{ID: "u1"})
	require.Eventually(t, func() bool { return c.Principal().Valid() }, time.Second, 5*time.Millisecond)
	waitSettled(t, c)

	assert.False(t, c.Loading())
	assert.True(t, c.HasRole(roles.RoleAgent))
	assert.False(t, c.HasRole(roles.RoleAdmin))
	assert.True(t, c.HasPermission("tickets.reply"))
	assert.False(t, c.HasPermission("tickets.delete"))
	assert.True(t, c.HasAnyPermission("tickets.delete", "tickets.reply"))
	assert.False(t, c.HasAllPermissions("tickets.delete", "tickets.reply"))
	require.Len(t, c.AccessibleBranches(), 1)

	ok, err := c.CanAccessBranch(context.Background(), "hq")
	require.NoError(t, err)
	assert.True(t, ok)

	hub.SignOut()
	require.Eventually(t, func() bool { return c.Principal() == nil }, time.Second, 5*time.Millisecond)
	assert.False(t, c.HasPermission("tickets.reply"))
	assert.Empty(t, c.AccessibleBranches())
	_, cached := h.perms.Cached("u1")
	assert.False(t, cached, "sign-out forgets cached grants")
}

func TestContextDeniesWhileLoading(t *testing.T) {
	h := newHarness(t)
	h.store.setRoles("u1", roles.Assignment{Role: roles.RoleUser, CompanyID: strPtr("c1")})
	h.store.setPerms("u1", "tickets.reply")
	gate := h.store.gatePermissions()

	c := New(h.deps, Config{})
	defer c.Close()
	c.SetPrincipal(&session.Principal{ID: "u1"})

	require.Eventually(t, func() bool { return h.store.permCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, c.HasPermission("tickets.reply"), "unresolved permissions deny")
	assert.True(t, c.HasRole(roles.RoleUser))

	close(gate)
	waitSettled(t, c)
	assert.True(t, c.HasPermission("tickets.reply"))
}

func TestContextDiscardsStaleFetchAfterSignOut(t *testing.T) {
	h := newHarness(t)
	h.store.setRoles("u1", roles.Assignment{Role: roles.RoleUser, CompanyID: strPtr("c1")})
	h.store.setPerms("u1", "tickets.reply")
	gate := h.store.gatePermissions()

	c := New(h.deps, Config{})
	defer c.Close()
	c.SetPrincipal(&session.Principal{ID: "u1"})
	require.Eventually(t, func() bool { return h.store.permCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	c.SetPrincipal(nil)
	close(gate)
	require.Eventually(t, func() bool { return h.store.permReturned.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, cached := h.perms.Cached("u1")
	assert.False(t, cached, "a fetch started before sign-out must not populate the cache")
	snap := c.Snapshot()
	assert.Nil(t, snap.Principal)
	assert.Empty(t, snap.Permissions)
}

func TestContextSwitchingPrincipalNeverLeaksState(t *testing.T) {
	h := newHarness(t)
	h.store.setRoles("u1", roles.Assignment{Role: roles.RoleAdmin})
	h.store.setRoles("u2", roles.Assignment{Role: roles.RoleUser, CompanyID: strPtr("c1")})
	h.store.setPerms("u2", "tickets.read")

	c := New(h.deps, Config{})
	defer c.Close()
	c.SetPrincipal(&session.Principal{ID: "u1"})
	waitSettled(t, c)
	assert.True(t, c.HasPermission("anything"), "super admin passes every check")

	c.SetPrincipal(&session.Principal{ID: "u2"})
	waitSettled(t, c)
	assert.False(t, c.HasPermission("anything"))
	assert.True(t, c.HasPermission("tickets.read"))
	assert.False(t, c.HasRole(roles.RoleAdmin))
}

func TestContextRoleLookupFailureFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.store.rolesErr = errors.New("db down")

	c := New(h.deps, Config{})
	defer c.Close()
	c.SetPrincipal(&session.Principal{ID: "u1"})
	waitSettled(t, c)

	assert.False(t, c.HasRole(roles.RoleUser))
	in := c.GuardInput()
	assert.ErrorIs(t, in.RolesErr, shared.ErrLookupFailure)
	in.Path = "/dashboard"
	assert.Equal(t, guard.LookupFailed, guard.Decide(in, guard.DefaultRoutes()).State)
}

func TestContextRefreshObservesNewGrants(t *testing.T) {
	h := newHarness(t)
	h.store.setRoles("u1", roles.Assignment{Role: roles.RoleUser, CompanyID: strPtr("c1")})

	c := New(h.deps, Config{})
	defer c.Close()
	c.SetPrincipal(&session.Principal{ID: "u1"})
	waitSettled(t, c)
	assert.False(t, c.HasPermission("tickets.close"))

	h.store.setPerms("u1", "tickets.close")
	assert.False(t, c.HasPermission("tickets.close"), "cached denial until invalidated")

	c.Refresh()
	waitSettled(t, c)
	assert.True(t, c.HasPermission("tickets.close"))
}

func TestContextProfileUpdateKeepsResolution(t *testing.T) {
	h := newHarness(t)
	h.store.setRoles("u1", roles.Assignment{Role: roles.RoleUser, CompanyID: strPtr("c1")})

	c := New(h.deps, Config{})
	defer c.Close()
	c.SetPrincipal(&session.Principal{ID: "u1"})
	waitSettled(t, c)
	before := h.store.permCalls.Load()

	c.SetPrincipal(&session.Principal{ID: "u1", RequiresPasswordChange: true})
	assert.False(t, c.Loading())
	assert.True(t, c.Principal().RequiresPasswordChange)
	assert.Equal(t, before, h.store.permCalls.Load())
}

func TestContextProfileUpdateDuringRoleLookupReachesGate(t *testing.T) {
	h := newHarness(t)
	h.store.setRoles("u1", roles.Assignment{Role: roles.RoleUser, CompanyID: strPtr("c1")})
	gate := h.store.gateRoles()

	c := New(h.deps, Config{})
	defer c.Close()
	c.SetPrincipal(&session.Principal{ID: "u1"})
	require.Eventually(t, func() bool { return h.store.roleCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	c.SetPrincipal(&session.Principal{ID: "u1", RequiresPasswordChange: true})
	close(gate)
	waitSettled(t, c)

	require.True(t, c.Principal().RequiresPasswordChange)
	d, err := c.Gate().Navigate("/dashboard", guard.Rule{})
	require.NoError(t, err)
	assert.Equal(t, guard.ForcePasswordChange, d.State)
	assert.Equal(t, guard.ForcePasswordChange, guard.Decide(c.GuardInput(), guard.DefaultRoutes()).State)
}

func TestContextEmitsEvents(t *testing.T) {
	h := newHarness(t)
	h.store.setRoles("u1", roles.Assignment{Role: roles.RoleUser, CompanyID: strPtr("c1")})

	c := New(h.deps, Config{})
	defer c.Close()
	events, unsubscribe := c.Bus().Subscribe()
	defer unsubscribe()

	c.SetPrincipal(&session.Principal{ID: "u1"})
	waitSettled(t, c)

	seen := map[string]bool{}
	timeout := time.After(time.Second)
	for len(seen) < 4 {
		select {
		case e := <-events:
			switch e.(type) {
			case event.SessionChanged:
				seen["session"] = true
			case event.RolesResolved:
				seen["roles"] = true
			case event.PermissionsResolved:
				seen["permissions"] = true
			case event.BranchesResolved:
				seen["branches"] = true
			}
		case <-timeout:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}

func TestContextGateFollowsResolution(t *testing.T) {
	h := newHarness(t)
	c := New(h.deps, Config{})
	defer c.Close()

	d, err := c.Gate().Navigate("/dashboard", guard.Rule{})
	require.NoError(t, err)
	assert.Equal(t, guard.Unauthenticated, d.State)

	c.SetPrincipal(&session.Principal{ID: "u1"})
	waitSettled(t, c)
	require.Eventually(t, func() bool {
		return c.Gate().Current().State == guard.Unapproved
	}, time.Second, 5*time.Millisecond)

	h.store.setRoles("u1", roles.Assignment{Role: roles.RoleUser, CompanyID: strPtr("c1")})
	c.Refresh()
	waitSettled(t, c)
	require.Eventually(t, func() bool {
		return c.Gate().Current().State == guard.Authorized
	}, time.Second, 5*time.Millisecond)
}

func TestContextCloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.store.setPerms("u1", "tickets.read")
	c := New(h.deps, Config{})
	c.SetPrincipal(&session.Principal{ID: "u1"})
	waitSettled(t, c)

	c.Close()
	c.Close()
	assert.Nil(t, c.Principal())
	_, cached := h.perms.Cached("u1")
	assert.False(t, cached)

	c.SetPrincipal(&session.Principal{ID: "u1"})
	assert.Nil(t, c.Principal(), "a closed context ignores new principals")
}
