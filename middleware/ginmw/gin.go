// Package ginmw provides Gin middleware for gating locally served views.
//
// The middleware reads the Provider through a guard.Guard, so views served by
// an embedded wrapper's local UI server follow the same allow, redirect and
// pending rules as in-process route guards.
package ginmw

import (
	"net/http"
	"net/url"
	"strings"

	authsession "github.com/chimerakang/authsession-go"
	"github.com/chimerakang/authsession-go/guard"
	"github.com/gin-gonic/gin"
)

// KeyIdentity is the gin.Context key holding the *authsession.Identity.
const KeyIdentity = "authsession_identity"

// Option configures the middleware.
type Option func(*config)

type config struct {
	excludedPaths map[string]bool
	returnParam   string
}

// WithExcludedPaths sets paths that skip the guard (e.g. the entry point itself).
func WithExcludedPaths(paths ...string) Option {
	return func(cfg *config) {
		for _, p := range paths {
			cfg.excludedPaths[p] = true
		}
	}
}

// WithReturnParam appends the original request path to redirects under name,
// e.g. /signin?next=%2Fsettings.
func WithReturnParam(name string) Option {
	return func(cfg *config) { cfg.returnParam = name }
}

// RequireAuth returns Gin middleware that admits signed-in users. An
// undetermined identity triggers one probe through prober. Anonymous browser
// requests get a 302 to the entry point; JSON requests get 401.
func RequireAuth(g *guard.Guard, prober authsession.Prober, opts ...Option) gin.HandlerFunc {
	return handler(g, prober, false, opts)
}

// RequireAdmin is RequireAuth for admin-only views. Signed-in non-admins get 403.
func RequireAdmin(g *guard.Guard, prober authsession.Prober, opts ...Option) gin.HandlerFunc {
	return handler(g, prober, true, opts)
}

func handler(g *guard.Guard, prober authsession.Prober, admin bool, opts []Option) gin.HandlerFunc {
	cfg := &config{excludedPaths: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}
	evaluate := g.Evaluate
	if admin {
		evaluate = g.EvaluateAdmin
	}

	return func(c *gin.Context) {
		if cfg.excludedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		d, snap := evaluate()
		if d.Kind == guard.Pending && prober != nil {
			prober.Current(c.Request.Context())
			d, snap = evaluate()
		}

		switch d.Kind {
		case guard.Allow:
			c.Set(KeyIdentity, snap.Identity)
			c.Request = c.Request.WithContext(authsession.WithIdentity(c.Request.Context(), snap.Identity))
			c.Next()
		case guard.Redirect:
			if wantsJSON(c.Request) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "signin": d.To})
				return
			}
			c.Redirect(http.StatusFound, redirectTarget(d.To, cfg.returnParam, c.Request.URL))
			c.Abort()
		case guard.Deny:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
		default:
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "identity not yet determined"})
		}
	}
}

// CurrentIdentity returns the identity stored by RequireAuth, or nil.
func CurrentIdentity(c *gin.Context) *authsession.Identity {
	v, _ := c.Get(KeyIdentity)
	id, _ := v.(*authsession.Identity)
	return id
}

func redirectTarget(entry, param string, original *url.URL) string {
	if param == "" {
		return entry
	}
	u, err := url.Parse(entry)
	if err != nil {
		return entry
	}
	q := u.Query()
	q.Set(param, original.RequestURI())
	u.RawQuery = q.Encode()
	return u.String()
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}
