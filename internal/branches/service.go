package branches

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

const component = "branches"

// Store is the remote branch surface. Scope is computed server side.
type Store interface {
	ListAccessibleBranches(ctx context.Context, principalID string) ([]string, error)
	GetBranches(ctx context.Context, ids []string) ([]Branch, error)
	CheckBranchAccess(ctx context.Context, principalID, branchID string) (bool, error)
	GetBranchHierarchy(ctx context.Context, branchID string, dir Direction) ([]Branch, error)
}

// ControllerConfig tunes a Controller. Zero values fall back to defaults.
type ControllerConfig struct {
	Logger   *slog.Logger
	Observer shared.Observer
	Timeout  time.Duration
}

// Controller answers branch scope questions for principals.
type Controller struct {
	store    Store
	logger   *slog.Logger
	observer shared.Observer
	timeout  time.Duration
	group    singleflight.Group
}

// NewController constructs a Controller.
func NewController(store Store, cfg ControllerConfig) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Controller{
		store:    store,
		logger:   cfg.Logger,
		observer: shared.ObserverOrNop(cfg.Observer),
		timeout:  cfg.Timeout,
	}
}

// GetAccessibleBranches returns every branch the principal may see. On
// failure the slice is empty, never nil, and the error wraps
// shared.ErrLookupFailure.
func (c *Controller) GetAccessibleBranches(ctx context.Context, principalID string) ([]Branch, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return []Branch{}, shared.ErrSessionUnavailable
	}

	ch := c.group.DoChan("list:"+principalID, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		ids, err := c.store.ListAccessibleBranches(lookupCtx, principalID)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return []Branch{}, nil
		}
		records, err := c.store.GetBranches(lookupCtx, ids)
		if err != nil {
			return nil, err
		}
		return restrictTo(records, ids), nil
	})

	select {
	case <-ctx.Done():
		return []Branch{}, fmt.Errorf("%w: branches: %v", shared.ErrLookupFailure, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			c.observer.LookupFailed(component)
			c.logger.Warn("list accessible branches", slog.String("principal", principalID), slog.Any("error", res.Err))
			return []Branch{}, fmt.Errorf("%w: branches: %v", shared.ErrLookupFailure, res.Err)
		}
		list, _ := res.Val.([]Branch)
		out := make([]Branch, len(list))
		copy(out, list)
		return out, nil
	}
}

// CanAccessBranch asks the store for a single branch. The answer is never
// cached and any failure denies.
func (c *Controller) CanAccessBranch(ctx context.Context, principalID, branchID string) (bool, error) {
	principalID = strings.TrimSpace(principalID)
	branchID = strings.TrimSpace(branchID)
	if principalID == "" {
		return false, shared.ErrSessionUnavailable
	}
	if branchID == "" {
		return false, nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ok, err := c.store.CheckBranchAccess(lookupCtx, principalID, branchID)
	if err != nil {
		c.observer.LookupFailed(component)
		c.logger.Warn("check branch access", slog.String("principal", principalID), slog.String("branch", branchID), slog.Any("error", err))
		return false, fmt.Errorf("%w: branch access: %v", shared.ErrLookupFailure, err)
	}
	return ok, nil
}

// GetBranchHierarchy returns the ancestor chain (root first) or the subtree
// (branch first). Results that break tree invariants are rejected.
func (c *Controller) GetBranchHierarchy(ctx context.Context, branchID string, dir Direction) ([]Branch, error) {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return nil, shared.ErrNotFound
	}
	if dir != Ancestors && dir != Subtree {
		return nil, fmt.Errorf("branches: unknown direction %q", dir)
	}
	ch := c.group.DoChan("tree:"+string(dir)+":"+branchID, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.store.GetBranchHierarchy(lookupCtx, branchID, dir)
	})

	var chain []Branch
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: hierarchy: %v", shared.ErrLookupFailure, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			c.observer.LookupFailed(component)
			c.logger.Warn("load branch hierarchy", slog.String("branch", branchID), slog.Any("error", res.Err))
			return nil, fmt.Errorf("%w: hierarchy: %v", shared.ErrLookupFailure, res.Err)
		}
		chain, _ = res.Val.([]Branch)
	}
	if len(chain) == 0 {
		return nil, shared.ErrNotFound
	}
	if err := ValidateChain(chain, branchID, dir); err != nil {
		c.logger.Error("rejected branch hierarchy", slog.String("branch", branchID), slog.String("direction", string(dir)), slog.Any("error", err))
		return nil, err
	}
	out := make([]Branch, len(chain))
	copy(out, chain)
	return out, nil
}

// restrictTo keeps only records whose id the server listed, in record order.
func restrictTo(records []Branch, ids []string) []Branch {
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	out := make([]Branch, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, b := range records {
		if _, ok := allowed[b.ID]; !ok {
			continue
		}
		if _, dup := seen[b.ID]; dup {
			continue
		}
		seen[b.ID] = struct{}{}
		out = append(out, b)
	}
	return out
}
