package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-crm/internal/roles"
	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

// GrantWriter mutates grant rows inside one transaction.
type GrantWriter interface {
	InsertRole(ctx context.Context, principalID string, role roles.Role, companyID *string) error
	DeleteRole(ctx context.Context, principalID string, role roles.Role, companyID *string) (int64, error)
	InsertPermission(ctx context.Context, principalID, key string) error
	DeletePermission(ctx context.Context, principalID, key string) (int64, error)
	// PrincipalCompanies lists the companies principalID belongs to, through
	// its profile or a company-scoped role.
	PrincipalCompanies(ctx context.Context, principalID string) ([]string, error)
}

// GrantStore opens grant transactions.
type GrantStore interface {
	WithTx(ctx context.Context, fn func(GrantWriter) error) error
}

// Notifier fans an invalidation out to other processes.
type Notifier interface {
	Publish(ctx context.Context, principalID string) error
}

// Enqueuer schedules a durable retry when fan-out fails.
type Enqueuer interface {
	EnqueueInvalidation(ctx context.Context, principalID string) error
}

// RoleGrant describes a role assignment change.
type RoleGrant struct {
	PrincipalID string     `json:"principal_id" validate:"required,max=128"`
	Role        roles.Role `json:"role" validate:"required,oneof=admin agent user"`
	CompanyID   *string    `json:"company_id,omitempty" validate:"omitempty,min=1,max=128"`
}

// PermissionGrant describes a direct permission change.
type PermissionGrant struct {
	PrincipalID string `json:"principal_id" validate:"required,max=128"`
	Key         string `json:"key" validate:"required,max=128"`
}

// Actor is the principal performing a grant operation.
type Actor struct {
	PrincipalID string
	Roles       roles.Set
	// Holds reports whether the actor itself has key. A nil Holds holds nothing.
	Holds func(key string) bool
}

func (a Actor) administers(companyID string) bool {
	for _, id := range a.Roles.AdminCompanies() {
		if id == companyID {
			return true
		}
	}
	return false
}

func (a Actor) holds(key string) bool {
	return a.Holds != nil && a.Holds(key)
}

func denied(reason string) error {
	return fmt.Errorf("%w: %w: %s", shared.ErrDenied, ErrOutOfScope, reason)
}

// GrantService is the mutation path for grants. Global admins may change any
// grant; company admins only grants inside the companies they administer.
// Every successful write invalidates the local cache and notifies peers.
type GrantService struct {
	store     GrantStore
	resolver  *Resolver
	notifier  Notifier
	enqueuer  Enqueuer
	logger    *slog.Logger
	validator *validator.Validate
}

// NewGrantService constructs a GrantService. notifier and enqueuer may be nil.
func NewGrantService(store GrantStore, resolver *Resolver, notifier Notifier, enqueuer Enqueuer, logger *slog.Logger) *GrantService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GrantService{
		store:     store,
		resolver:  resolver,
		notifier:  notifier,
		enqueuer:  enqueuer,
		logger:    logger,
		validator: validator.New(),
	}
}

// AssignRole grants a role. Assigning an existing role is a no-op.
func (s *GrantService) AssignRole(ctx context.Context, actor Actor, g RoleGrant) error {
	g.normalize()
	if err := s.validate(g); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(w GrantWriter) error {
		if err := authorizeRole(ctx, w, actor, g); err != nil {
			return err
		}
		return w.InsertRole(ctx, g.PrincipalID, g.Role, g.CompanyID)
	})
	if err != nil {
		return fmt.Errorf("rbac: assign role: %w", err)
	}
	s.invalidate(ctx, g.PrincipalID)
	return nil
}

// RevokeRole removes a role assignment.
func (s *GrantService) RevokeRole(ctx context.Context, actor Actor, g RoleGrant) error {
	g.normalize()
	if err := s.validate(g); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(w GrantWriter) error {
		if err := authorizeRole(ctx, w, actor, g); err != nil {
			return err
		}
		n, err := w.DeleteRole(ctx, g.PrincipalID, g.Role, g.CompanyID)
		if err != nil {
			return err
		}
		if n == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rbac: revoke role: %w", err)
	}
	s.invalidate(ctx, g.PrincipalID)
	return nil
}

// GrantPermission adds a direct permission.
func (s *GrantService) GrantPermission(ctx context.Context, actor Actor, g PermissionGrant) error {
	g.normalize()
	if err := s.validate(g); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(w GrantWriter) error {
		if err := authorizePermission(ctx, w, actor, g); err != nil {
			return err
		}
		return w.InsertPermission(ctx, g.PrincipalID, g.Key)
	})
	if err != nil {
		return fmt.Errorf("rbac: grant permission: %w", err)
	}
	s.invalidate(ctx, g.PrincipalID)
	return nil
}

// RevokePermission removes a direct permission.
func (s *GrantService) RevokePermission(ctx context.Context, actor Actor, g PermissionGrant) error {
	g.normalize()
	if err := s.validate(g); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(w GrantWriter) error {
		if err := authorizePermission(ctx, w, actor, g); err != nil {
			return err
		}
		n, err := w.DeletePermission(ctx, g.PrincipalID, g.Key)
		if err != nil {
			return err
		}
		if n == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rbac: revoke permission: %w", err)
	}
	s.invalidate(ctx, g.PrincipalID)
	return nil
}

// PrincipalPermissions returns principalID's effective permissions. Actors
// may always read their own; otherwise the target must share a company the
// actor administers.
func (s *GrantService) PrincipalPermissions(ctx context.Context, actor Actor, principalID string) ([]Permission, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, fmt.Errorf("%w: principal required", ErrInvalidGrant)
	}
	if s.resolver == nil {
		return nil, shared.ErrLookupFailure
	}
	if principalID != actor.PrincipalID && !actor.Roles.IsSuperAdmin() {
		err := s.store.WithTx(ctx, func(w GrantWriter) error {
			companies, err := w.PrincipalCompanies(ctx, principalID)
			if err != nil {
				return err
			}
			for _, id := range companies {
				if actor.administers(id) {
					return nil
				}
			}
			return denied("principal outside administered companies")
		})
		if err != nil {
			return nil, fmt.Errorf("rbac: principal permissions: %w", err)
		}
	}
	return s.resolver.GetPermissions(ctx, principalID)
}

// authorizeRole allows global assignments only for global admins. Company
// admins may change roles in companies they administer, for principals that
// belong to that company.
func authorizeRole(ctx context.Context, w GrantWriter, actor Actor, g RoleGrant) error {
	if actor.Roles.IsSuperAdmin() {
		return nil
	}
	if g.CompanyID == nil {
		return denied("global assignments require a global admin")
	}
	if !actor.administers(*g.CompanyID) {
		return denied("company not administered by actor")
	}
	companies, err := w.PrincipalCompanies(ctx, g.PrincipalID)
	if err != nil {
		return err
	}
	for _, id := range companies {
		if id == *g.CompanyID {
			return nil
		}
	}
	return denied("principal outside company")
}

// authorizePermission lets company admins hand out only keys they hold, to
// principals whose every company they administer. Direct permissions are
// not company scoped.
func authorizePermission(ctx context.Context, w GrantWriter, actor Actor, g PermissionGrant) error {
	if actor.Roles.IsSuperAdmin() {
		return nil
	}
	if !actor.holds(g.Key) {
		return denied("actor does not hold permission")
	}
	companies, err := w.PrincipalCompanies(ctx, g.PrincipalID)
	if err != nil {
		return err
	}
	if len(companies) == 0 {
		return denied("principal has no company")
	}
	for _, id := range companies {
		if !actor.administers(id) {
			return denied("principal belongs to a company not administered by actor")
		}
	}
	return nil
}

func (s *GrantService) validate(v any) error {
	if err := s.validator.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	return nil
}

func (s *GrantService) invalidate(ctx context.Context, principalID string) {
	if s.resolver != nil {
		s.resolver.Invalidate(principalID)
	}
	if s.notifier == nil {
		return
	}
	err := s.notifier.Publish(ctx, principalID)
	if err == nil {
		return
	}
	s.logger.Warn("publish invalidation", slog.String("principal", principalID), slog.Any("error", err))
	if s.enqueuer == nil {
		return
	}
	if err := s.enqueuer.EnqueueInvalidation(ctx, principalID); err != nil {
		// Peers converge when their cache entry expires.
		s.logger.Error("enqueue invalidation", slog.String("principal", principalID), slog.Any("error", err))
	}
}

func (g *RoleGrant) normalize() {
	g.PrincipalID = strings.TrimSpace(g.PrincipalID)
	if r, ok := roles.ParseRole(string(g.Role)); ok {
		g.Role = r
	}
	if g.CompanyID != nil {
		id := strings.TrimSpace(*g.CompanyID)
		g.CompanyID = &id
	}
}

func (g *PermissionGrant) normalize() {
	g.PrincipalID = strings.TrimSpace(g.PrincipalID)
	g.Key = NormalizeKey(g.Key)
}
