package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-crm/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

// Checker answers permission questions for the principal behind a request.
type Checker interface {
	HasAnyPermission(keys ...string) bool
	HasAllPermissions(keys ...string) bool
}

// CheckerFunc extracts the request's Checker. It returns false when no
// principal is signed in.
type CheckerFunc func(r *http.Request) (Checker, bool)

// Middleware wires permission guards for HTTP handlers.
type Middleware struct {
	Checker CheckerFunc
	Logger  *slog.Logger
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.require("any", normalized, func(c Checker) bool {
		return c.HasAnyPermission(normalized...)
	})
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.require("all", normalized, func(c Checker) bool {
		return c.HasAllPermissions(normalized...)
	})
}

func (m Middleware) require(mode string, normalized []string, allowed func(Checker) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			var (
				checker Checker
				ok      bool
			)
			if m.Checker != nil {
				checker, ok = m.Checker(r)
			}
			if !ok || checker == nil {
				httpx.RespondError(w, shared.ErrSessionUnavailable)
				return
			}
			if allowed(checker) {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Info("rbac require "+mode+" denied", slog.String("path", r.URL.Path), slog.Any("permissions", normalized))
			}
			httpx.RespondError(w, shared.ErrDenied)
		})
	}
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = NormalizeKey(p)
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

// ParsePermissionList splits a comma separated permission list.
func ParsePermissionList(raw string) []string {
	return normalizePermissions(strings.Split(raw, ","))
}
