// Package session provides the two ways a session artifact travels with
// requests: an automatic cookie jar for same-origin execution, and an
// explicit header for cross-origin (embedded) execution.
//
// Both implement authsession.Attacher, so the credential transport never
// branches on the execution context:
//
//	attacher := session.ForContext(authsession.ContextEmbedded, session.NewFileStore(path))
//	transport := credential.New(baseURL, credential.WithAttacher(attacher))
package session

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	authsession "github.com/chimerakang/authsession-go"
	"golang.org/x/net/publicsuffix"
)

// DefaultHeader is the header carrying the artifact in cross-origin mode.
const DefaultHeader = "X-Session-ID"

// DefaultTimeout bounds every identity request.
const DefaultTimeout = 10 * time.Second

// ForContext selects the attacher for an execution context. store is only
// used by the embedded context; a nil store falls back to memory.
func ForContext(ec authsession.ExecutionContext, store TokenStore) authsession.Attacher {
	if ec == authsession.ContextEmbedded {
		if store == nil {
			store = NewMemoryStore()
		}
		return NewHeaderAttacher(store)
	}
	return NewCookieAttacher()
}

// --- cookie ---

// CookieAttacher relies on a cookie jar to carry the session, as a browser
// does for same-origin requests.
type CookieAttacher struct {
	jar    *resettableJar
	client *http.Client
}

var _ authsession.Attacher = (*CookieAttacher)(nil)

// NewCookieAttacher creates an attacher with an empty public-suffix-aware jar.
func NewCookieAttacher() *CookieAttacher {
	jar := &resettableJar{}
	jar.reset()
	return &CookieAttacher{
		jar:    jar,
		client: &http.Client{Timeout: DefaultTimeout, Jar: jar},
	}
}

// Prepare is a no-op: the jar attaches cookies when the client sends the request.
func (c *CookieAttacher) Prepare(*http.Request) error { return nil }

// Capture is a no-op: Set-Cookie headers are stored by the jar.
func (c *CookieAttacher) Capture(*http.Response, *authsession.Artifact) error { return nil }

// Clear drops every cookie.
func (c *CookieAttacher) Clear() error {
	c.jar.reset()
	return nil
}

func (c *CookieAttacher) Client() *http.Client { return c.client }

// Cookies returns the cookies the jar would send to u.
func (c *CookieAttacher) Cookies(u *url.URL) []*http.Cookie { return c.jar.Cookies(u) }

// resettableJar lets Clear swap the underlying jar without racing requests
// that are reading http.Client.Jar.
type resettableJar struct {
	mu    sync.RWMutex
	inner *cookiejar.Jar
}

func (j *resettableJar) reset() {
	// cookiejar.New never returns a non-nil error.
	inner, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	j.mu.Lock()
	j.inner = inner
	j.mu.Unlock()
}

func (j *resettableJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.inner.SetCookies(u, cookies)
}

func (j *resettableJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.inner.Cookies(u)
}

// --- header ---

// HeaderAttacher sends the artifact explicitly on every request. Without a
// stored artifact requests go out anonymous.
type HeaderAttacher struct {
	store  TokenStore
	header string
	client *http.Client
}

var (
	_ authsession.Attacher    = (*HeaderAttacher)(nil)
	_ authsession.TokenSource = (*HeaderAttacher)(nil)
)

// HeaderOption configures a HeaderAttacher.
type HeaderOption func(*HeaderAttacher)

// WithHeaderName overrides DefaultHeader.
func WithHeaderName(name string) HeaderOption {
	return func(h *HeaderAttacher) { h.header = name }
}

// WithHTTPClient sets the client used for requests. Its Jar is ignored.
func WithHTTPClient(c *http.Client) HeaderOption {
	return func(h *HeaderAttacher) { h.client = c }
}

// NewHeaderAttacher creates a header attacher backed by store.
func NewHeaderAttacher(store TokenStore, opts ...HeaderOption) *HeaderAttacher {
	h := &HeaderAttacher{
		store:  store,
		header: DefaultHeader,
		client: &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *HeaderAttacher) Prepare(req *http.Request) error {
	token, ok := h.Token()
	if !ok {
		req.Header.Del(h.header)
		return nil
	}
	req.Header.Set(h.header, token)
	return nil
}

// Capture persists the artifact from the body, falling back to the response header.
func (h *HeaderAttacher) Capture(resp *http.Response, artifact *authsession.Artifact) error {
	a := authsession.Artifact{}
	if artifact != nil {
		a = *artifact
	}
	if a.Value == "" && resp != nil {
		a.Value = strings.TrimSpace(resp.Header.Get(h.header))
	}
	if a.Value == "" {
		return nil
	}
	if err := h.store.Save(a); err != nil {
		return fmt.Errorf("authsession/session: %w", err)
	}
	return nil
}

func (h *HeaderAttacher) Clear() error {
	if err := h.store.Delete(); err != nil {
		return fmt.Errorf("authsession/session: %w", err)
	}
	return nil
}

func (h *HeaderAttacher) Client() *http.Client { return h.client }

// Token returns the stored artifact value. Read errors are treated as no token.
func (h *HeaderAttacher) Token() (string, bool) {
	a, ok, err := h.store.Load()
	if err != nil || !ok {
		return "", false
	}
	return a.Value, true
}

// HeaderName returns the header the artifact is sent in.
func (h *HeaderAttacher) HeaderName() string { return h.header }
