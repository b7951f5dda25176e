package guard

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-crm/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

// InputFunc extracts the authorization state behind a request. Path and Rule
// are filled in by the middleware.
type InputFunc func(r *http.Request) Input

// Middleware protects HTTP routes with Decide.
type Middleware struct {
	Routes   Routes
	Input    InputFunc
	Observer shared.Observer
	Logger   *slog.Logger
	// RetryAfter is advertised on Loading and LookupFailed responses.
	RetryAfter time.Duration
}

// Require guards next with rule. An invalid rule panics at route
// registration time.
func (m Middleware) Require(rule Rule) func(http.Handler) http.Handler {
	if err := rule.Validate(); err != nil {
		panic(err)
	}
	routes := m.Routes
	if routes == (Routes{}) {
		routes = DefaultRoutes()
	}
	observer := shared.ObserverOrNop(m.Observer)
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var in Input
			if m.Input != nil {
				in = m.Input(r)
			}
			in.Path = r.URL.Path
			in.Rule = rule
			d := Decide(in, routes)
			observer.Decision(d.State.String())
			if d.State == Authorized {
				next.ServeHTTP(w, r)
				return
			}
			if d.State == LookupFailed {
				logger.Warn("route guard lookup failed", slog.String("path", r.URL.Path), slog.Any("error", in.RolesErr))
			}
			HTTPNavigator{W: w, R: r, RetryAfter: m.RetryAfter}.Apply(d)
		})
	}
}

// HTTPNavigator applies a decision to an HTTP response.
type HTTPNavigator struct {
	W          http.ResponseWriter
	R          *http.Request
	RetryAfter time.Duration
}

// Apply writes the redirect, placeholder or error for d. Authorized is a
// no-op; the caller renders the content.
func (n HTTPNavigator) Apply(d Decision) {
	retry := n.RetryAfter
	if retry <= 0 {
		retry = time.Second
	}
	switch {
	case d.State == Authorized:
		return
	case d.State == Loading:
		n.W.Header().Set("Cache-Control", "no-store")
		n.W.Header().Set("Refresh", strconv.Itoa(seconds(retry)))
		httpx.JSON(n.W, http.StatusAccepted, map[string]any{"state": d.State, "path": d.Path})
	case d.State == LookupFailed:
		n.W.Header().Set("Retry-After", strconv.Itoa(seconds(retry)))
		httpx.Problem(n.W, http.StatusServiceUnavailable, "Service Unavailable", shared.UserSafeMessage(shared.ErrLookupFailure))
	case d.Redirect != "":
		target := d.Redirect
		if d.State == Unauthenticated {
			target = withNext(target, n.R.URL.RequestURI())
		}
		http.Redirect(n.W, n.R, target, http.StatusSeeOther)
	case d.State == Unauthenticated:
		httpx.RespondError(n.W, shared.ErrSessionUnavailable)
	default:
		httpx.RespondError(n.W, shared.ErrDenied)
	}
}

func withNext(target, next string) string {
	u, err := url.Parse(target)
	if err != nil || next == "" || next == "/" {
		return target
	}
	q := u.Query()
	q.Set("next", next)
	u.RawQuery = q.Encode()
	return u.String()
}

func seconds(d time.Duration) int {
	if s := int(d / time.Second); s > 0 {
		return s
	}
	return 1
}
