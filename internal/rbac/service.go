package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

const component = "permissions"

// Store is the remote permission surface.
type Store interface {
	ListPermissions(ctx context.Context, principalID string) ([]Permission, error)
	CheckPermission(ctx context.Context, principalID, key string) (bool, error)
}

// ResolverConfig tunes a Resolver. Zero values fall back to defaults.
type ResolverConfig struct {
	Logger    *slog.Logger
	Observer  shared.Observer
	TTL       time.Duration
	CacheSize int
	Timeout   time.Duration
}

// Resolver answers permission questions from a TTL cache and, when asked,
// from the store directly. Every answer is deny-by-default.
type Resolver struct {
	store    Store
	cache    *permissionCache
	logger   *slog.Logger
	observer shared.Observer
	timeout  time.Duration
	group    singleflight.Group
}

// NewResolver constructs a Resolver.
func NewResolver(store Store, cfg ResolverConfig) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Resolver{
		store:    store,
		cache:    newPermissionCache(cfg.CacheSize, cfg.TTL),
		logger:   cfg.Logger,
		observer: shared.ObserverOrNop(cfg.Observer),
		timeout:  cfg.Timeout,
	}
}

// GetPermissions returns the flattened grant set, serving from cache when
// possible. A failed fetch leaves the cache untouched.
func (r *Resolver) GetPermissions(ctx context.Context, principalID string) ([]Permission, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, shared.ErrSessionUnavailable
	}
	if e, ok := r.cache.get(principalID); ok {
		r.observer.CacheResult(component, true)
		return clonePermissions(e.perms), nil
	}
	r.observer.CacheResult(component, false)

	gen := r.cache.generation(principalID)
	flightKey := principalID + "#" + strconv.FormatUint(gen, 10)
	ch := r.group.DoChan(flightKey, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		perms, err := r.store.ListPermissions(lookupCtx, principalID)
		if err != nil {
			return nil, err
		}
		perms = flatten(perms)
		if !r.cache.storeIf(principalID, gen, newCacheEntry(perms)) {
			r.logger.Debug("discarded stale permission fetch", slog.String("principal", principalID))
		}
		return perms, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: permissions: %v", shared.ErrLookupFailure, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			r.observer.LookupFailed(component)
			r.logger.Warn("fetch permissions", slog.String("principal", principalID), slog.Any("error", res.Err))
			return nil, fmt.Errorf("%w: permissions: %v", shared.ErrLookupFailure, res.Err)
		}
		perms, _ := res.Val.([]Permission)
		return clonePermissions(perms), nil
	}
}

// Cached returns the cached grant set without any I/O.
func (r *Resolver) Cached(principalID string) ([]Permission, bool) {
	e, ok := r.cache.get(strings.TrimSpace(principalID))
	if !ok {
		return nil, false
	}
	return clonePermissions(e.perms), true
}

// HasPermission reads the cache synchronously. Super-admins pass without a
// lookup; an unpopulated cache denies.
func (r *Resolver) HasPermission(sub Subject, key string) bool {
	if sub.SuperAdmin {
		return true
	}
	e, ok := r.cache.get(strings.TrimSpace(sub.PrincipalID))
	if !ok {
		return false
	}
	_, granted := e.keys[NormalizeKey(key)]
	return granted
}

// HasAnyPermission stops at the first granted key. No keys means false.
func (r *Resolver) HasAnyPermission(sub Subject, keys ...string) bool {
	for _, key := range keys {
		if r.HasPermission(sub, key) {
			return true
		}
	}
	return false
}

// HasAllPermissions stops at the first denied key. No keys means true.
func (r *Resolver) HasAllPermissions(sub Subject, keys ...string) bool {
	for _, key := range keys {
		if !r.HasPermission(sub, key) {
			return false
		}
	}
	return true
}

// CheckPermission asks the store directly, bypassing the cache.
func (r *Resolver) CheckPermission(ctx context.Context, sub Subject, key string) (bool, error) {
	if sub.SuperAdmin {
		return true, nil
	}
	principalID := strings.TrimSpace(sub.PrincipalID)
	if principalID == "" {
		return false, shared.ErrSessionUnavailable
	}
	key = NormalizeKey(key)
	if key == "" {
		return false, nil
	}
	ch := r.group.DoChan("check:"+principalID+":"+key, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.store.CheckPermission(lookupCtx, principalID, key)
	})
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%w: check permission: %v", shared.ErrLookupFailure, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			r.observer.LookupFailed(component)
			r.logger.Warn("check permission", slog.String("principal", principalID), slog.String("key", key), slog.Any("error", res.Err))
			return false, fmt.Errorf("%w: check permission: %v", shared.ErrLookupFailure, res.Err)
		}
		granted, _ := res.Val.(bool)
		return granted, nil
	}
}

// Invalidate forces the next GetPermissions to refetch. Fetches already in
// flight complete for their callers but are not cached.
func (r *Resolver) Invalidate(principalID string) {
	r.cache.invalidate(strings.TrimSpace(principalID))
}

// Forget drops everything known about a principal on sign-out.
func (r *Resolver) Forget(principalID string) {
	r.cache.forget(strings.TrimSpace(principalID))
}

func clonePermissions(perms []Permission) []Permission {
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}
