package authz

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-crm/internal/branches"
	"github.com/odyssey-erp/odyssey-crm/internal/guard"
	"github.com/odyssey-erp/odyssey-crm/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-crm/internal/rbac"
	"github.com/odyssey-erp/odyssey-crm/internal/roles"
	"github.com/odyssey-erp/odyssey-crm/internal/session"
	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

// GrantMutator is satisfied by *rbac.GrantService.
type GrantMutator interface {
	AssignRole(ctx context.Context, actor rbac.Actor, g rbac.RoleGrant) error
	RevokeRole(ctx context.Context, actor rbac.Actor, g rbac.RoleGrant) error
	GrantPermission(ctx context.Context, actor rbac.Actor, g rbac.PermissionGrant) error
	RevokePermission(ctx context.Context, actor rbac.Actor, g rbac.PermissionGrant) error
	PrincipalPermissions(ctx context.Context, actor rbac.Actor, principalID string) ([]rbac.Permission, error)
}

// Handler serves the authorization API.
type Handler struct {
	logger *slog.Logger
	grants GrantMutator
	rbac   rbac.Middleware
	wait   time.Duration
}

// NewHandler builds a Handler. wait bounds how long /me/refresh blocks for
// resolution to settle.
func NewHandler(logger *slog.Logger, grants GrantMutator, mw rbac.Middleware, wait time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, grants: grants, rbac: mw, wait: wait}
}

// MountRoutes registers the authz routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/me", h.me)
	r.Get("/me/permissions", h.myPermissions)
	r.Post("/me/permissions/check", h.checkPermission)
	r.Get("/me/branches", h.myBranches)
	r.Get("/me/decision", h.currentDecision)
	r.Post("/me/refresh", h.refresh)
	r.Post("/decide", h.decide)
	r.Get("/branches/{id}/access", h.branchAccess)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermBranchesView))
		r.Get("/branches/{id}/hierarchy", h.branchHierarchy)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermGrantsView, shared.PermGrantsWrite))
		r.Get("/grants/{principalID}/permissions", h.principalPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermGrantsWrite))
		r.Post("/grants/roles", h.assignRole)
		r.Delete("/grants/roles", h.revokeRole)
		r.Post("/grants/permissions", h.grantPermission)
		r.Delete("/grants/permissions", h.revokePermission)
	})
}

type meResponse struct {
	Principal      *session.Principal `json:"principal"`
	Loading        bool               `json:"loading"`
	Roles          roles.Set          `json:"roles"`
	SuperAdmin     bool               `json:"super_admin"`
	CompanyAdmin   bool               `json:"company_admin"`
	AdminCompanies []string           `json:"admin_companies,omitempty"`
	Error          string             `json:"error,omitempty"`
	Decision       guard.Decision     `json:"decision"`
}

func (h *Handler) context(w http.ResponseWriter, r *http.Request) (*Context, bool) {
	c, ok := FromContext(r.Context())
	if !ok || !c.Principal().Valid() {
		httpx.RespondError(w, shared.ErrSessionUnavailable)
		return nil, false
	}
	return c, true
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	c, ok := h.context(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, buildMe(c))
}

func buildMe(c *Context) meResponse {
	snap := c.Snapshot()
	resp := meResponse{
		Principal: snap.Principal,
		Loading:   snap.Loading,
		Roles:     snap.Roles,
		Decision:  c.Gate().Current(),
	}
	if snap.RolesErr != nil {
		resp.Error = shared.UserSafeMessage(snap.RolesErr)
	} else {
		resp.SuperAdmin = snap.Roles.IsSuperAdmin()
		resp.CompanyAdmin = snap.Roles.IsCompanyAdmin()
		resp.AdminCompanies = snap.Roles.AdminCompanies()
	}
	return resp
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	c, ok := h.context(w, r)
	if !ok {
		return
	}
	snap := c.Snapshot()
	if snap.PermissionsErr != nil {
		httpx.RespondError(w, snap.PermissionsErr)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"permissions": snap.Permissions,
		"resolved":    snap.PermissionsSet,
	})
}

type checkRequest struct {
	Key string `json:"key"`
}

func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request) {
	c, ok := h.context(w, r)
	if !ok {
		return
	}
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := rbac.NormalizeKey(req.Key)
	if key == "" {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	granted, err := c.CheckPermission(r.Context(), key)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"key": key, "granted": granted})
}

func (h *Handler) myBranches(w http.ResponseWriter, r *http.Request) {
	c, ok := h.context(w, r)
	if !ok {
		return
	}
	snap := c.Snapshot()
	if snap.BranchesErr != nil {
		httpx.RespondError(w, snap.BranchesErr)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"branches": c.AccessibleBranches()})
}

func (h *Handler) currentDecision(w http.ResponseWriter, r *http.Request) {
	c, ok := h.context(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, c.Gate().Current())
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	c, ok := h.context(w, r)
	if !ok {
		return
	}
	c.Refresh()
	if h.wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), h.wait)
		defer cancel()
		if err := c.Wait(ctx); err != nil {
			h.logger.Warn("refresh did not settle", slog.Any("error", err))
		}
	}
	httpx.JSON(w, http.StatusOK, buildMe(c))
}

type decideRequest struct {
	Path string     `json:"path"`
	Rule guard.Rule `json:"rule"`
}

// decide evaluates a client-side route change against the session gate.
// Navigation is recorded so later role changes re-evaluate the same route.
func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	c, ok := FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrSessionUnavailable)
		return
	}
	var req decideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if strings.TrimSpace(req.Path) == "" || !strings.HasPrefix(req.Path, "/") {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	d, err := c.Gate().Navigate(req.Path, req.Rule)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) branchAccess(w http.ResponseWriter, r *http.Request) {
	c, ok := h.context(w, r)
	if !ok {
		return
	}
	branchID := chi.URLParam(r, "id")
	allowed, err := c.CanAccessBranch(r.Context(), branchID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"branch_id": branchID, "allowed": allowed})
}

func (h *Handler) branchHierarchy(w http.ResponseWriter, r *http.Request) {
	c, ok := h.context(w, r)
	if !ok {
		return
	}
	dir, valid := branches.ParseDirection(r.URL.Query().Get("direction"))
	if !valid {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	chain, err := c.BranchHierarchy(r.Context(), chi.URLParam(r, "id"), dir)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"direction": dir, "branches": chain})
}

func (h *Handler) principalPermissions(w http.ResponseWriter, r *http.Request) {
	c, ok := h.context(w, r)
	if !ok {
		return
	}
	perms, err := h.grants.PrincipalPermissions(r.Context(), actorOf(c), chi.URLParam(r, "principalID"))
	if err != nil {
		h.respondGrantError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

// actorOf describes the signed-in principal for grant checks. Roles that
// are still loading or failed to resolve leave the actor without authority.
func actorOf(c *Context) rbac.Actor {
	snap := c.Snapshot()
	actor := rbac.Actor{Holds: c.HasPermission}
	if snap.Principal != nil {
		actor.PrincipalID = snap.Principal.ID
	}
	if !snap.Loading && snap.RolesErr == nil {
		actor.Roles = snap.Roles
	}
	return actor
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	h.mutateRole(w, r, h.grants.AssignRole, http.StatusCreated)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	h.mutateRole(w, r, h.grants.RevokeRole, http.StatusNoContent)
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	h.mutatePermission(w, r, h.grants.GrantPermission, http.StatusCreated)
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	h.mutatePermission(w, r, h.grants.RevokePermission, http.StatusNoContent)
}

func (h *Handler) mutateRole(w http.ResponseWriter, r *http.Request, fn func(context.Context, rbac.Actor, rbac.RoleGrant) error, status int) {
	c, ok := h.context(w, r)
	if !ok {
		return
	}
	var g rbac.RoleGrant
	if err := httpx.DecodeJSON(r, &g); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := fn(r.Context(), actorOf(c), g); err != nil {
		h.respondGrantError(w, r, err)
		return
	}
	h.logger.Info("role grant changed", slog.String("principal", g.PrincipalID), slog.String("role", string(g.Role)), slog.String("method", r.Method))
	h.respondGrant(w, status, g)
}

func (h *Handler) mutatePermission(w http.ResponseWriter, r *http.Request, fn func(context.Context, rbac.Actor, rbac.PermissionGrant) error, status int) {
	c, ok := h.context(w, r)
	if !ok {
		return
	}
	var g rbac.PermissionGrant
	if err := httpx.DecodeJSON(r, &g); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := fn(r.Context(), actorOf(c), g); err != nil {
		h.respondGrantError(w, r, err)
		return
	}
	h.logger.Info("permission grant changed", slog.String("principal", g.PrincipalID), slog.String("key", g.Key), slog.String("method", r.Method))
	h.respondGrant(w, status, g)
}

func (h *Handler) respondGrant(w http.ResponseWriter, status int, body any) {
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	httpx.JSON(w, status, body)
}

func (h *Handler) respondGrantError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, rbac.ErrInvalidGrant) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if errors.Is(err, rbac.ErrOutOfScope) {
		h.logger.Warn("grant outside actor scope", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if !errors.Is(err, shared.ErrNotFound) {
		h.logger.Error("grant mutation failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
