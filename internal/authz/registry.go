package authz

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/odyssey-erp/odyssey-crm/internal/guard"
	"github.com/odyssey-erp/odyssey-crm/internal/rbac"
	"github.com/odyssey-erp/odyssey-crm/internal/session"
	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

// Listener delivers principal ids whose grants changed elsewhere.
type Listener interface {
	Listen(ctx context.Context, fn func(principalID string)) error
}

// RegistryConfig tunes a Registry. Zero values fall back to defaults.
type RegistryConfig struct {
	Size   int
	TTL    time.Duration
	Logger *slog.Logger
}

// Registry owns one Context per session. Entries idle longer than TTL, or
// pushed out by Size, are closed.
type Registry struct {
	mu         sync.Mutex
	contexts   *lru.LRU[string, *Context]
	newContext func() *Context
	perms      PermissionResolver
	logger     *slog.Logger
}

// NewRegistry constructs a Registry that builds contexts from deps and cfg.
func NewRegistry(deps Deps, ctxCfg Config, cfg RegistryConfig) *Registry {
	if cfg.Size <= 0 {
		cfg.Size = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if ctxCfg.Logger == nil {
		ctxCfg.Logger = cfg.Logger
	}
	r := &Registry{
		newContext: func() *Context { return New(deps, ctxCfg) },
		perms:      deps.Permissions,
		logger:     cfg.Logger,
	}
	r.contexts = lru.NewLRU[string, *Context](cfg.Size, func(_ string, c *Context) {
		c.Close()
	}, cfg.TTL)
	return r
}

// Bind returns the session's Context, creating it on first use, and moves it
// to p. Every call extends the entry's lifetime.
func (r *Registry) Bind(sessionID string, p *session.Principal) *Context {
	r.mu.Lock()
	c, ok := r.contexts.Get(sessionID)
	if !ok {
		c = r.newContext()
	}
	r.contexts.Add(sessionID, c)
	r.mu.Unlock()

	c.SetPrincipal(p)
	return c
}

// Lookup returns the session's Context without creating one.
func (r *Registry) Lookup(sessionID string) (*Context, bool) {
	return r.contexts.Peek(sessionID)
}

// Remove tears down the session's Context on sign-out.
func (r *Registry) Remove(sessionID string) {
	r.contexts.Remove(sessionID)
}

// Len reports the number of live contexts.
func (r *Registry) Len() int {
	return r.contexts.Len()
}

// RefreshPrincipal invalidates principalID's cached grants and re-resolves
// every context bound to it. It returns the number of contexts refreshed.
func (r *Registry) RefreshPrincipal(principalID string) int {
	if r.perms != nil {
		r.perms.Invalidate(principalID)
	}
	n := 0
	for _, c := range r.contexts.Values() {
		if p := c.Principal(); p.Valid() && p.ID == principalID {
			c.Refresh()
			n++
		}
	}
	return n
}

// Listen refreshes affected contexts for every invalidation l delivers.
func (r *Registry) Listen(ctx context.Context, l Listener) error {
	return l.Listen(ctx, func(principalID string) {
		n := r.RefreshPrincipal(principalID)
		r.logger.Debug("authz invalidation", slog.String("principal", principalID), slog.Int("contexts", n))
	})
}

// Close tears down every context.
func (r *Registry) Close() {
	r.contexts.Purge()
}

// Middleware binds the request's session to a Context and stores it on the
// request context. Requests without a session pass through untouched.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sess := shared.SessionFromContext(req.Context())
		if sess == nil {
			next.ServeHTTP(w, req)
			return
		}
		p := sess.Principal()
		if !p.Valid() {
			// Signed out since the last request.
			if _, ok := r.Lookup(sess.ID); ok {
				r.Remove(sess.ID)
			}
			next.ServeHTTP(w, req)
			return
		}
		c := r.Bind(sess.ID, p)
		next.ServeHTTP(w, req.WithContext(WithContext(req.Context(), c)))
	})
}

// GuardInput adapts the request's Context for guard.Middleware. A request
// that is still loading waits up to wait for role resolution first.
func GuardInput(wait time.Duration) guard.InputFunc {
	return func(req *http.Request) guard.Input {
		c, ok := FromContext(req.Context())
		if !ok {
			return guard.Input{}
		}
		if wait > 0 && c.Loading() {
			ctx, cancel := context.WithTimeout(req.Context(), wait)
			defer cancel()
			_ = c.Wait(ctx)
		}
		return c.GuardInput()
	}
}

// Checker adapts the request's Context for rbac.Middleware.
func Checker(req *http.Request) (rbac.Checker, bool) {
	c, ok := FromContext(req.Context())
	if !ok || !c.Principal().Valid() {
		return nil, false
	}
	return c, true
}
