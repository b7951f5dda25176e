package guard

import (
	"context"
	"log/slog"
	"sync"

	"github.com/odyssey-erp/odyssey-crm/internal/authz/event"
	"github.com/odyssey-erp/odyssey-crm/internal/roles"
	"github.com/odyssey-erp/odyssey-crm/internal/session"
	"github.com/odyssey-erp/odyssey-crm/internal/shared"
)

// Navigator performs the effect of a decision: a redirect, a placeholder or
// the requested content.
type Navigator interface {
	Apply(Decision)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(Decision)

// Apply calls f(d).
func (f NavigatorFunc) Apply(d Decision) { f(d) }

// GateConfig wires a Gate. Navigator may be nil when callers poll Current.
type GateConfig struct {
	Routes    Routes
	Navigator Navigator
	Observer  shared.Observer
	Logger    *slog.Logger
}

// Gate is the long-lived route guard for one session. It re-evaluates the
// current route whenever the session, the role set or the route changes and
// hands every new decision to its Navigator in order.
type Gate struct {
	routes   Routes
	nav      Navigator
	observer shared.Observer
	logger   *slog.Logger

	mu      sync.Mutex
	navMu   sync.Mutex
	gen     uint64
	input   Input
	current Decision
}

// NewGate constructs a Gate in the Loading state.
func NewGate(cfg GateConfig) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Routes == (Routes{}) {
		cfg.Routes = DefaultRoutes()
	}
	g := &Gate{
		routes:   cfg.Routes,
		nav:      cfg.Navigator,
		observer: shared.ObserverOrNop(cfg.Observer),
		logger:   cfg.Logger,
		input:    Input{Loading: true, Path: "/"},
	}
	g.current = Decide(g.input, g.routes)
	return g
}

// Current returns the latest decision.
func (g *Gate) Current() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Navigate records the requested route and evaluates it.
func (g *Gate) Navigate(path string, rule Rule) (Decision, error) {
	if err := rule.Validate(); err != nil {
		return Decision{}, err
	}
	g.mu.Lock()
	g.input.Path = path
	g.input.Rule = rule
	return g.evaluateLocked(true), nil
}

// Handle applies one event and returns the resulting decision. Events from
// an older generation are ignored.
func (g *Gate) Handle(e event.Event) Decision {
	g.mu.Lock()
	if e.Generation() < g.gen {
		d := g.current
		g.mu.Unlock()
		return d
	}
	switch ev := e.(type) {
	case event.SessionChanged:
		if ev.Gen == g.gen && session.SameIdentity(g.input.Principal, ev.Principal) && !g.input.Loading {
			// Same epoch, refreshed profile flags only.
			g.input.Principal = ev.Principal
			break
		}
		g.input.Principal = ev.Principal
		g.input.Roles = roles.Set{}
		g.input.RolesErr = nil
		g.input.Loading = ev.Principal.Valid()
	case event.RolesResolved:
		if !session.SameIdentity(g.input.Principal, ev.Principal) {
			g.input.Principal = ev.Principal
		}
		g.input.Roles = ev.Roles
		g.input.RolesErr = ev.Err
		g.input.Loading = false
	default:
		d := g.current
		g.mu.Unlock()
		return d
	}
	g.gen = e.Generation()
	return g.evaluateLocked(false)
}

// Run consumes events until ctx is done or the channel closes.
func (g *Gate) Run(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			g.Handle(e)
		}
	}
}

// evaluateLocked must be entered with g.mu held; it releases it. Navigator
// calls are serialised in decision order.
func (g *Gate) evaluateLocked(force bool) Decision {
	d := Decide(g.input, g.routes)
	changed := d != g.current
	g.current = d
	if !changed && !force {
		g.mu.Unlock()
		return d
	}
	g.navMu.Lock()
	g.mu.Unlock()
	defer g.navMu.Unlock()

	g.observer.Decision(d.State.String())
	g.logger.Debug("gate decision", slog.String("state", d.State.String()), slog.String("path", d.Path), slog.String("redirect", d.Redirect))
	if g.nav != nil {
		g.nav.Apply(d)
	}
	return d
}
