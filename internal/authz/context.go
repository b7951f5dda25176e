// Package authz binds the role, permission and branch resolvers to one
// signed-in session and keeps the route gate informed as they resolve.
package authz

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-crm/internal/authz/event"
	"github.com/odyssey-erp/odyssey-crm/internal/branches"
	"github.com/odyssey-erp/odyssey-crm/internal/guard"
	"github.com/odyssey-erp/odyssey-crm/internal/rbac"
	"github.com/odyssey-erp/odyssey-crm/internal/roles"
	"github.com/odyssey-erp/odyssey-crm/internal/session"
	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

// RoleResolver is satisfied by *roles.Resolver.
type RoleResolver interface {
	Resolve(ctx context.Context, principalID string) (roles.Set, error)
}

// PermissionResolver is satisfied by *rbac.Resolver.
type PermissionResolver interface {
	GetPermissions(ctx context.Context, principalID string) ([]rbac.Permission, error)
	Cached(principalID string) ([]rbac.Permission, bool)
	HasPermission(sub rbac.Subject, key string) bool
	HasAnyPermission(sub rbac.Subject, keys ...string) bool
	HasAllPermissions(sub rbac.Subject, keys ...string) bool
	CheckPermission(ctx context.Context, sub rbac.Subject, key string) (bool, error)
	Invalidate(principalID string)
	Forget(principalID string)
}

// BranchController is satisfied by *branches.Controller.
type BranchController interface {
	GetAccessibleBranches(ctx context.Context, principalID string) ([]branches.Branch, error)
	CanAccessBranch(ctx context.Context, principalID, branchID string) (bool, error)
	GetBranchHierarchy(ctx context.Context, branchID string, dir branches.Direction) ([]branches.Branch, error)
}

// Deps are the shared resolvers a Context reads through.
type Deps struct {
	Roles       RoleResolver
	Permissions PermissionResolver
	Branches    BranchController
}

// Config tunes a Context.
type Config struct {
	Logger    *slog.Logger
	Observer  shared.Observer
	Routes    guard.Routes
	Navigator guard.Navigator
}

type state struct {
	principal    *session.Principal
	roles        roles.Set
	rolesErr     error
	rolesDone    bool
	perms        []rbac.Permission
	permsErr     error
	permsDone    bool
	branches     []branches.Branch
	branchesErr  error
	branchesDone bool
}

// Context is the authorization state of one session. It is created empty,
// follows the principal through SetPrincipal or Watch, and is torn down by
// Close. Every query fails closed while data is missing.
type Context struct {
	deps     Deps
	logger   *slog.Logger
	observer shared.Observer
	bus      *event.Bus
	gate     *guard.Gate

	refilling atomic.Bool

	mu      sync.RWMutex
	gen     uint64
	cancel  context.CancelFunc
	settled chan struct{}
	state   state
	closed  bool
	unwatch func()
}

// New constructs a Context with no principal.
func New(deps Deps, cfg Config) *Context {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Context{
		deps:     deps,
		logger:   cfg.Logger,
		observer: shared.ObserverOrNop(cfg.Observer),
		bus:      event.NewBus(0),
		settled:  closedChan(),
	}
	c.gate = guard.NewGate(guard.GateConfig{
		Routes:    cfg.Routes,
		Navigator: cfg.Navigator,
		Observer:  cfg.Observer,
		Logger:    cfg.Logger,
	})
	c.gate.Handle(event.SessionChanged{Gen: 0})
	return c
}

// emit hands e to the gate before any other subscriber so that decisions
// read right after a state change already reflect it.
func (c *Context) emit(e event.Event) {
	c.gate.Handle(e)
	c.bus.Publish(e)
}

// Bus exposes the event stream for additional consumers.
func (c *Context) Bus() *event.Bus { return c.bus }

// Gate returns the session's route gate.
func (c *Context) Gate() *guard.Gate { return c.gate }

// Watch follows provider until Close. The current principal is applied
// before Watch returns.
func (c *Context) Watch(provider session.Provider) {
	changes, unsubscribe := provider.Subscribe()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsubscribe()
		return
	}
	if c.unwatch != nil {
		c.unwatch()
	}
	c.unwatch = unsubscribe
	c.mu.Unlock()

	c.SetPrincipal(provider.Current())
	go func() {
		for change := range changes {
			c.SetPrincipal(change.Principal)
		}
	}()
}

// SetPrincipal moves the context to p. A different identity discards all
// state and in-flight work; the same identity only refreshes profile flags.
func (c *Context) SetPrincipal(p *session.Principal) {
	if !p.Valid() {
		p = nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	current := c.state.principal
	if session.SameIdentity(current, p) {
		if session.Equal(current, p) {
			c.mu.Unlock()
			return
		}
		c.state.principal = p.Clone()
		gen := c.gen
		c.mu.Unlock()
		c.emit(event.SessionChanged{Gen: gen, Principal: p.Clone()})
		return
	}
	if current.Valid() {
		c.deps.Permissions.Forget(current.ID)
	}
	c.restartLocked(p)
}

// Refresh drops cached grants for the current principal and resolves
// everything again.
func (c *Context) Refresh() {
	c.mu.Lock()
	if c.closed || !c.state.principal.Valid() {
		c.mu.Unlock()
		return
	}
	p := c.state.principal
	c.deps.Permissions.Invalidate(p.ID)
	c.restartLocked(p)
}

// restartLocked starts a new generation for p and releases c.mu.
func (c *Context) restartLocked(p *session.Principal) {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	gen := c.gen
	c.state = state{principal: p.Clone()}

	var (
		runCtx  context.Context
		settled chan struct{}
	)
	if p.Valid() {
		runCtx, c.cancel = context.WithCancel(context.Background())
		settled = make(chan struct{})
	} else {
		settled = closedChan()
	}
	c.settled = settled
	c.mu.Unlock()

	c.emit(event.SessionChanged{Gen: gen, Principal: p.Clone()})
	if p.Valid() {
		go c.resolve(runCtx, gen, p.Clone(), settled)
	}
}

func (c *Context) resolve(ctx context.Context, gen uint64, p *session.Principal, settled chan struct{}) {
	defer close(settled)

	set, err := c.deps.Roles.Resolve(ctx, p.ID)
	var current *session.Principal
	if !c.update(gen, func(s *state) {
		s.roles, s.rolesErr, s.rolesDone = set, err, true
		// Profile flags may have changed while roles were loading.
		current = s.principal.Clone()
	}) {
		return
	}
	c.emit(event.RolesResolved{Gen: gen, Principal: current, Roles: set, Err: err})

	var g errgroup.Group
	g.Go(func() error {
		c.loadPermissions(ctx, gen, p.ID)
		return nil
	})
	g.Go(func() error {
		list, err := c.deps.Branches.GetAccessibleBranches(ctx, p.ID)
		if c.update(gen, func(s *state) {
			s.branches, s.branchesErr, s.branchesDone = list, err, true
		}) {
			c.emit(event.BranchesResolved{Gen: gen, PrincipalID: p.ID, Branches: cloneBranches(list), Err: err})
		}
		return nil
	})
	_ = g.Wait()
}

func (c *Context) loadPermissions(ctx context.Context, gen uint64, principalID string) {
	perms, err := c.deps.Permissions.GetPermissions(ctx, principalID)
	if c.update(gen, func(s *state) {
		s.perms, s.permsErr, s.permsDone = perms, err, true
	}) {
		c.emit(event.PermissionsResolved{Gen: gen, PrincipalID: principalID, Permissions: clonePermissions(perms), Err: err})
	}
}

// update applies fn when gen is still current. Results for an older
// principal epoch are dropped.
func (c *Context) update(gen uint64, fn func(*state)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gen != gen {
		return false
	}
	fn(&c.state)
	return true
}

// Wait blocks until the current generation has finished resolving.
func (c *Context) Wait(ctx context.Context) error {
	c.mu.RLock()
	settled := c.settled
	c.mu.RUnlock()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels in-flight work, forgets the principal's cached grants and
// closes the event bus. It is idempotent.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	p := c.state.principal
	c.state = state{}
	unwatch := c.unwatch
	c.unwatch = nil
	c.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if p.Valid() {
		c.deps.Permissions.Forget(p.ID)
	}
	c.bus.Close()
}

// Principal returns a copy of the signed-in principal or nil.
func (c *Context) Principal() *session.Principal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.principal.Clone()
}

// Loading reports whether role resolution is still pending.
func (c *Context) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.principal.Valid() && !c.state.rolesDone
}

// HasRole reports whether the resolved role set satisfies role. It is false
// while loading or after a failed lookup.
func (c *Context) HasRole(role roles.Role) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.state.rolesDone || c.state.rolesErr != nil {
		return false
	}
	return c.state.roles.HasRole(role)
}

func (c *Context) subject() (rbac.Subject, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.state.principal
	if !p.Valid() {
		return rbac.Subject{}, false, false
	}
	sub := rbac.Subject{
		PrincipalID: p.ID,
		SuperAdmin:  c.state.rolesDone && c.state.rolesErr == nil && c.state.roles.IsSuperAdmin(),
	}
	return sub, c.state.permsDone, true
}

// HasPermission reads the shared permission cache. A super-admin passes
// without a lookup. When the cache entry has expired the answer is false and
// a background refetch is started.
func (c *Context) HasPermission(key string) bool {
	sub, done, ok := c.subject()
	if !ok {
		return false
	}
	c.refillIfExpired(sub, done)
	return c.deps.Permissions.HasPermission(sub, key)
}

// HasAnyPermission is false without a principal or keys.
func (c *Context) HasAnyPermission(keys ...string) bool {
	sub, done, ok := c.subject()
	if !ok {
		return false
	}
	c.refillIfExpired(sub, done)
	return c.deps.Permissions.HasAnyPermission(sub, keys...)
}

// HasAllPermissions is false without a principal.
func (c *Context) HasAllPermissions(keys ...string) bool {
	sub, done, ok := c.subject()
	if !ok {
		return false
	}
	c.refillIfExpired(sub, done)
	return c.deps.Permissions.HasAllPermissions(sub, keys...)
}

// CheckPermission asks the store directly.
func (c *Context) CheckPermission(ctx context.Context, key string) (bool, error) {
	sub, _, ok := c.subject()
	if !ok {
		return false, shared.ErrSessionUnavailable
	}
	return c.deps.Permissions.CheckPermission(ctx, sub, key)
}

func (c *Context) refillIfExpired(sub rbac.Subject, done bool) {
	if sub.SuperAdmin || !done {
		return
	}
	if _, cached := c.deps.Permissions.Cached(sub.PrincipalID); cached {
		return
	}
	if !c.refilling.CompareAndSwap(false, true) {
		return
	}
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()
	go func() {
		defer c.refilling.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.loadPermissions(ctx, gen, sub.PrincipalID)
	}()
}

// AccessibleBranches returns the resolved branch list. It is empty, never
// nil, until resolution succeeds.
func (c *Context) AccessibleBranches() []branches.Branch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.branchesErr != nil {
		return []branches.Branch{}
	}
	return cloneBranches(c.state.branches)
}

// CanAccessBranch is an authoritative point query.
func (c *Context) CanAccessBranch(ctx context.Context, branchID string) (bool, error) {
	p := c.Principal()
	if !p.Valid() {
		return false, shared.ErrSessionUnavailable
	}
	return c.deps.Branches.CanAccessBranch(ctx, p.ID, branchID)
}

// BranchHierarchy returns the chain for a branch the principal can access.
func (c *Context) BranchHierarchy(ctx context.Context, branchID string, dir branches.Direction) ([]branches.Branch, error) {
	ok, err := c.CanAccessBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, shared.ErrDenied
	}
	return c.deps.Branches.GetBranchHierarchy(ctx, branchID, dir)
}

// GuardInput is the gate's view of the current state.
func (c *Context) GuardInput() guard.Input {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.state.principal
	return guard.Input{
		Loading:   p.Valid() && !c.state.rolesDone,
		Principal: p.Clone(),
		Roles:     c.state.roles,
		RolesErr:  c.state.rolesErr,
	}
}

// Snapshot is a consistent copy of the context state.
type Snapshot struct {
	Generation     uint64
	Principal      *session.Principal
	Loading        bool
	Roles          roles.Set
	RolesErr       error
	Permissions    []rbac.Permission
	PermissionsErr error
	PermissionsSet bool
	Branches       []branches.Branch
	BranchesErr    error
}

// Snapshot copies the current state.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state
	return Snapshot{
		Generation:     c.gen,
		Principal:      s.principal.Clone(),
		Loading:        s.principal.Valid() && !s.rolesDone,
		Roles:          s.roles,
		RolesErr:       s.rolesErr,
		Permissions:    clonePermissions(s.perms),
		PermissionsErr: s.permsErr,
		PermissionsSet: s.permsDone && s.permsErr == nil,
		Branches:       cloneBranches(s.branches),
		BranchesErr:    s.branchesErr,
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func clonePermissions(in []rbac.Permission) []rbac.Permission {
	out := make([]rbac.Permission, len(in))
	copy(out, in)
	return out
}

func cloneBranches(in []branches.Branch) []branches.Branch {
	out := make([]branches.Branch, len(in))
	copy(out, in)
	return out
}
