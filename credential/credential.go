// Package credential implements authsession.Transport over HTTP.
//
// It talks to four identity endpoints:
//
//	POST {base}/identity/login
//	POST {base}/identity/register
//	POST {base}/identity/logout
//	GET  {base}/identity/current
//
// Session propagation is delegated to an authsession.Attacher (cookie jar or
// explicit header), so this package never branches on execution context.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	authsession "github.com/chimerakang/authsession-go"
	"github.com/chimerakang/authsession-go/session"
)

// Endpoint paths, relative to the base URL.
const (
	PathLogin    = "/identity/login"
	PathRegister = "/identity/register"
	PathLogout   = "/identity/logout"
	PathCurrent  = "/identity/current"
)

const maxBodySize = 1 << 20

// Transport implements authsession.Transport using the identity HTTP endpoints.
type Transport struct {
	baseURL   string
	attacher  authsession.Attacher
	verifier  authsession.ArtifactVerifier
	logger    *slog.Logger
	userAgent string
}

// compile-time check
var _ authsession.Transport = (*Transport)(nil)

// Option configures the Transport.
type Option func(*Transport)

// WithAttacher sets how the session artifact is propagated. Default: cookie jar.
func WithAttacher(a authsession.Attacher) Option {
	return func(t *Transport) { t.attacher = a }
}

// WithArtifactVerifier verifies JWT-shaped artifacts and records their expiry.
func WithArtifactVerifier(v authsession.ArtifactVerifier) Option {
	return func(t *Transport) { t.verifier = v }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(t *Transport) { t.userAgent = ua }
}

// New creates a transport for the identity endpoint rooted at baseURL.
func New(baseURL string, opts ...Option) *Transport {
	t := &Transport{
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    slog.Default(),
		userAgent: "authsession-go",
	}
	for _, o := range opts {
		o(t)
	}
	if t.attacher == nil {
		t.attacher = session.NewCookieAttacher()
	}
	return t
}

// Attacher returns the attacher in use.
func (t *Transport) Attacher() authsession.Attacher { return t.attacher }

// identityEnvelope is the JSON body returned by login, register and current.
type identityEnvelope struct {
	User      *authsession.Identity `json:"user"`
	SessionID string                `json:"sessionId,omitempty"`
	ExpiresAt *time.Time            `json:"expiresAt,omitempty"`
}

// Login sends the credential. A 401 maps to ErrInvalidCredentials; any other
// non-2xx status is a *TransportError.
func (t *Transport) Login(ctx context.Context, cred authsession.Credential) (*authsession.Identity, *authsession.Artifact, error) {
	resp, body, err := t.do(ctx, "login", http.MethodPost, PathLogin, cred)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case success(resp.StatusCode):
		return t.establish(ctx, "login", resp, body)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, nil, fmt.Errorf("authsession/credential: %w", authsession.ErrInvalidCredentials)
	default:
		return nil, nil, statusError("login", resp.StatusCode, body)
	}
}

// Register validates reg locally and fails fast before any request when it
// is invalid. Server-side 4xx rejections are surfaced as *ValidationError.
func (t *Transport) Register(ctx context.Context, reg authsession.Registration) (*authsession.Identity, *authsession.Artifact, error) {
	reg, err := authsession.CheckRegistration(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("authsession/credential: %w", err)
	}

	resp, body, err := t.do(ctx, "register", http.MethodPost, PathRegister, reg)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case success(resp.StatusCode):
		return t.establish(ctx, "register", resp, body)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusUnauthorized:
		return nil, nil, fmt.Errorf("authsession/credential: %w", &authsession.ValidationError{Message: serverMessage(body)})
	default:
		return nil, nil, statusError("register", resp.StatusCode, body)
	}
}

// Logout asks the server to end the session. The local artifact is dropped
// whatever the outcome; a returned error wraps ErrLogoutFailed and is never
// meant to block the caller.
func (t *Transport) Logout(ctx context.Context) (err error) {
	defer func() {
		if cerr := t.attacher.Clear(); cerr != nil {
			t.logger.WarnContext(ctx, "failed to clear local session artifact", "error", cerr)
		}
	}()

	resp, body, err := t.do(ctx, "logout", http.MethodPost, PathLogout, nil)
	if err != nil {
		return fmt.Errorf("authsession/credential: %w: %w", authsession.ErrLogoutFailed, err)
	}
	if success(resp.StatusCode) || resp.StatusCode == http.StatusUnauthorized {
		return nil
	}
	return fmt.Errorf("authsession/credential: %w: %w", authsession.ErrLogoutFailed, statusError("logout", resp.StatusCode, body))
}

// FetchCurrent probes the current identity. Being anonymous (401/403 or a
// null user) is not an error.
func (t *Transport) FetchCurrent(ctx context.Context) (*authsession.Identity, error) {
	resp, body, err := t.do(ctx, "current", http.MethodGet, PathCurrent, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nil
	case !success(resp.StatusCode):
		return nil, statusError("current", resp.StatusCode, body)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var env identityEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("authsession/credential: current: %w: %v", authsession.ErrMalformedResponse, err)
	}
	if env.User == nil {
		return nil, nil
	}
	if env.User.ID == "" {
		return nil, fmt.Errorf("authsession/credential: current: %w: missing user id", authsession.ErrMalformedResponse)
	}
	return env.User, nil
}

// establish decodes a successful login/register body and captures the artifact.
func (t *Transport) establish(ctx context.Context, op string, resp *http.Response, body []byte) (*authsession.Identity, *authsession.Artifact, error) {
	var env identityEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("authsession/credential: %s: %w: %v", op, authsession.ErrMalformedResponse, err)
	}
	if env.User == nil || env.User.ID == "" {
		return nil, nil, fmt.Errorf("authsession/credential: %s: %w: missing user", op, authsession.ErrMalformedResponse)
	}

	sessionID := env.SessionID
	if sessionID == "" {
		sessionID = strings.TrimSpace(resp.Header.Get(session.DefaultHeader))
	}

	var artifact *authsession.Artifact
	if sessionID != "" {
		artifact = &authsession.Artifact{Value: sessionID}
		if env.ExpiresAt != nil {
			artifact.ExpiresAt = *env.ExpiresAt
		}
	}

	if artifact != nil && t.verifier != nil && looksLikeJWT(artifact.Value) {
		claims, err := t.verifier.Verify(ctx, artifact.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("authsession/credential: %s: %w: artifact: %v", op, authsession.ErrMalformedResponse, err)
		}
		if claims.Subject != "" && claims.Subject != env.User.ID {
			return nil, nil, fmt.Errorf("authsession/credential: %s: %w: artifact subject %q does not match user %q",
				op, authsession.ErrMalformedResponse, claims.Subject, env.User.ID)
		}
		if !claims.ExpiresAt.IsZero() {
			artifact.ExpiresAt = claims.ExpiresAt
		}
	}

	if err := t.attacher.Capture(resp, artifact); err != nil {
		return nil, nil, &authsession.TransportError{Op: op, Err: err}
	}

	t.logger.DebugContext(ctx, "identity established", "op", op, "user_id", env.User.ID, "artifact", artifact != nil)
	return env.User, artifact, nil
}

// do performs a JSON request through the attacher and reads the whole body.
func (t *Transport) do(ctx context.Context, op, method, path string, payload any) (*http.Response, []byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("authsession/credential: %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("authsession/credential: %s: create request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if err := t.attacher.Prepare(req); err != nil {
		return nil, nil, &authsession.TransportError{Op: op, Err: err}
	}

	resp, err := t.attacher.Client().Do(req)
	if err != nil {
		return nil, nil, &authsession.TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, nil, &authsession.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	t.logger.DebugContext(ctx, "identity request", "op", op, "status", resp.StatusCode)
	return resp, body, nil
}

func success(code int) bool { return code >= 200 && code < 300 }

func statusError(op string, code int, body []byte) error {
	return &authsession.TransportError{Op: op, StatusCode: code, Err: errors.New(serverMessage(body))}
}

// serverMessage extracts {"error": ...} or {"message": ...}, else the raw text.
func serverMessage(body []byte) string {
	var m struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &m); err == nil {
		if m.Message != "" {
			return m.Message
		}
		if m.Error != "" {
			return m.Error
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response"
	}
	return s
}

func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}
