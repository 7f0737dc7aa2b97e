// Package guard gates protected views on the current identity.
//
// A Guard is a synchronous predicate over a Provider snapshot. It never
// waits on the network; an identity that has not been determined yet yields
// Pending rather than a redirect, so a signed-in user is never bounced to the
// entry point while the first probe is still in flight.
package guard

import (
	"context"
	"log/slog"

	authsession "github.com/chimerakang/authsession-go"
	"github.com/chimerakang/authsession-go/metrics"
)

// Default entry points per execution context.
const (
	DefaultBrowserEntry  = "/signin"
	DefaultEmbeddedEntry = "/app/signin"
)

// Kind is the outcome of a guard check.
type Kind int

const (
	Allow Kind = iota
	Redirect
	Pending
	Deny // authenticated but lacking the required role
)

func (k Kind) String() string {
	switch k {
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	case Deny:
		return "deny"
	default:
		return "pending"
	}
}

// Decision is a guard result. To is set for Redirect.
type Decision struct {
	Kind Kind
	To   string
}

// Redirector performs navigation to the entry point.
type Redirector interface {
	Redirect(to string)
}

// RedirectFunc adapts a function to Redirector.
type RedirectFunc func(to string)

func (f RedirectFunc) Redirect(to string) { f(to) }

// Option configures a Guard.
type Option func(*Guard)

// WithEntryPoints overrides the sign-in locations. Empty values keep the
// defaults.
func WithEntryPoints(browser, embedded string) Option {
	return func(g *Guard) {
		if browser != "" {
			g.entries[authsession.ContextBrowser] = browser
		}
		if embedded != "" {
			g.entries[authsession.ContextEmbedded] = embedded
		}
	}
}

// WithRedirector sets how redirects are carried out. Default: no-op.
func WithRedirector(r Redirector) Option {
	return func(g *Guard) { g.redirector = r }
}

// WithMetrics counts decisions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// Guard decides whether a protected action may run.
type Guard struct {
	src        authsession.SnapshotSource
	ec         authsession.ExecutionContext
	entries    map[authsession.ExecutionContext]string
	redirector Redirector
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a guard reading from src.
func New(src authsession.SnapshotSource, ec authsession.ExecutionContext, opts ...Option) *Guard {
	if !ec.Valid() {
		ec = authsession.ContextBrowser
	}
	g := &Guard{
		src: src,
		ec:  ec,
		entries: map[authsession.ExecutionContext]string{
			authsession.ContextBrowser:  DefaultBrowserEntry,
			authsession.ContextEmbedded: DefaultEmbeddedEntry,
		},
		redirector: RedirectFunc(func(string) {}),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// EntryPoint returns the sign-in location for the guard's context.
func (g *Guard) EntryPoint() string { return g.entries[g.ec] }

// Check evaluates the current snapshot.
func (g *Guard) Check() Decision {
	d, _ := g.Evaluate()
	return d
}

// CheckAdmin is Check plus the admin flag.
func (g *Guard) CheckAdmin() Decision {
	d, _ := g.EvaluateAdmin()
	return d
}

// Evaluate returns the decision together with the snapshot it was based on.
func (g *Guard) Evaluate() (Decision, authsession.Snapshot) {
	s := g.src.Snapshot()
	return g.decide(s, false), s
}

// EvaluateAdmin is Evaluate plus the admin flag.
func (g *Guard) EvaluateAdmin() (Decision, authsession.Snapshot) {
	s := g.src.Snapshot()
	return g.decide(s, true), s
}

func (g *Guard) decide(s authsession.Snapshot, admin bool) Decision {
	var d Decision
	switch {
	case s.Authenticated() && admin && !s.Identity.IsAdmin:
		d = Decision{Kind: Deny}
	case s.Authenticated():
		d = Decision{Kind: Allow}
	case s.Status == authsession.StatusAnonymous:
		d = Decision{Kind: Redirect, To: g.EntryPoint()}
	default:
		d = Decision{Kind: Pending}
	}
	g.metrics.RecordGuardDecision(d.Kind.String())
	return d
}

// RequireAuth runs action when signed in and reports whether it ran. An
// anonymous user is redirected to the entry point; an undetermined identity
// does nothing.
func (g *Guard) RequireAuth(action func()) bool {
	return g.apply(g.Check(), action)
}

// RequireAdmin is RequireAuth for admin-only actions.
func (g *Guard) RequireAdmin(action func()) bool {
	return g.apply(g.CheckAdmin(), action)
}

// Await resolves an undetermined identity with one probe, then applies
// RequireAuth. The snapshot is decided again only when prober ran.
func (g *Guard) Await(ctx context.Context, prober authsession.Prober, action func()) bool {
	d := g.Check()
	if d.Kind == Pending && prober != nil {
		d = g.decide(prober.Current(ctx), false)
	}
	return g.apply(d, action)
}

func (g *Guard) apply(d Decision, action func()) bool {
	switch d.Kind {
	case Allow:
		if action != nil {
			action()
		}
		return true
	case Redirect:
		g.logger.Debug("redirecting to entry point", "to", d.To)
		g.redirector.Redirect(d.To)
	case Deny:
		g.logger.Debug("admin action denied")
	}
	return false
}
