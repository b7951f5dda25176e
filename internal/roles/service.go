package roles

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

const component = "roles"

// Store is the remote listRoleAssignments call.
type Store interface {
	ListRoleAssignments(ctx context.Context, principalID string) ([]Assignment, error)
}

// ResolverConfig tunes a Resolver. Zero values fall back to defaults.
type ResolverConfig struct {
	Logger   *slog.Logger
	Observer shared.Observer
	Timeout  time.Duration
}

// Resolver turns a principal id into its role Set.
type Resolver struct {
	store    Store
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
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Resolver{
		store:    store,
		logger:   cfg.Logger,
		observer: shared.ObserverOrNop(cfg.Observer),
		timeout:  cfg.Timeout,
	}
}

// Resolve fetches the principal's assignments. It never returns a partial
// set: on failure the Set is empty and the error wraps shared.ErrLookupFailure,
// which callers must keep distinct from a successful empty result.
func (r *Resolver) Resolve(ctx context.Context, principalID string) (Set, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return Set{}, shared.ErrSessionUnavailable
	}

	ch := r.group.DoChan(principalID, func() (interface{}, error) {
		// Detached so one caller giving up does not fail the others.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.store.ListRoleAssignments(lookupCtx, principalID)
	})

	select {
	case <-ctx.Done():
		return Set{}, fmt.Errorf("%w: roles: %v", shared.ErrLookupFailure, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			r.observer.LookupFailed(component)
			r.logger.Warn("resolve roles", slog.String("principal", principalID), slog.Any("error", res.Err))
			return Set{}, fmt.Errorf("%w: roles: %v", shared.ErrLookupFailure, res.Err)
		}
		raw, _ := res.Val.([]Assignment)
		set := NewSet(raw)
		if dropped := len(raw) - len(set.assignments); dropped > 0 {
			r.logger.Warn("dropped unknown role assignments", slog.String("principal", principalID), slog.Int("count", dropped))
		}
		return set, nil
	}
}
