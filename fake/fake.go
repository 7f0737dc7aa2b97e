// Package fake provides in-memory identity backends for testing.
//
// Transport implements authsession.Transport without any network. Server is
// an http.Handler speaking the identity endpoint protocol, for exercising the
// credential package and the CLI end to end.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	authsession "github.com/chimerakang/authsession-go"
)

// Op names a backend operation for call counting and failure injection.
type Op string

const (
	OpLogin    Op = "login"
	OpRegister Op = "register"
	OpLogout   Op = "logout"
	OpCurrent  Op = "current"
)

// Option configures the fake backend.
type Option func(*state)

type account struct {
	identity authsession.Identity
	password string
	phone    string
}

type state struct {
	mu       sync.Mutex
	accounts map[string]*account // userID → account
	nextID   int
	latency  time.Duration
	lag      int
	failures map[Op]error
	calls    map[Op]int
}

func newState(opts []Option) *state {
	s := &state{
		accounts: make(map[string]*account),
		failures: make(map[Op]error),
		calls:    make(map[Op]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// WithUser adds an account that can log in with password.
func WithUser(id authsession.Identity, password string) Option {
	return func(s *state) {
		s.accounts[id.ID] = &account{identity: id, password: password}
	}
}

// WithLatency delays every operation by d.
func WithLatency(d time.Duration) Option {
	return func(s *state) { s.latency = d }
}

// WithPropagationLag makes the identity probe report anonymous for the first
// n calls after each login or register.
func WithPropagationLag(n int) Option {
	return func(s *state) { s.lag = n }
}

// WithFailure makes every call to op fail with err.
func WithFailure(op Op, err error) Option {
	return func(s *state) { s.failures[op] = err }
}

// find resolves a username or email to an account.
func (s *state) find(usernameOrEmail string) *account {
	for _, a := range s.accounts {
		if strings.EqualFold(a.identity.Username, usernameOrEmail) ||
			(a.identity.Email != "" && strings.EqualFold(a.identity.Email, usernameOrEmail)) {
			return a
		}
	}
	return nil
}

func (s *state) taken(username string) bool {
	return s.find(username) != nil
}

func (s *state) create(reg authsession.Registration) *account {
	id := ""
	for id == "" || s.accounts[id] != nil {
		s.nextID++
		id = fmt.Sprintf("u%d", s.nextID)
	}
	a := &account{
		identity: authsession.Identity{
			ID:          id,
			Username:    reg.Username,
			Email:       reg.Email,
			DisplayName: reg.DisplayName,
		},
		password: reg.Password,
		phone:    reg.Phone,
	}
	s.accounts[a.identity.ID] = a
	return a
}

// enter counts a call and reports any injected failure.
func (s *state) enter(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.failures[op]
}

func (s *state) wait(ctx context.Context) error {
	s.mu.Lock()
	d := s.latency
	s.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transport is an in-memory authsession.Transport with a single signed-in
// session.
type Transport struct {
	s         *state
	signedIn  string // userID, empty when anonymous
	remaining int    // anonymous probes left before the session is visible
	nextToken int
}

// compile-time check
var _ authsession.Transport = (*Transport)(nil)

// NewTransport creates a fake transport.
func NewTransport(opts ...Option) *Transport {
	return &Transport{s: newState(opts)}
}

// Calls returns how many times op was invoked.
func (t *Transport) Calls(op Op) int {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.calls[op]
}

// Fail injects err for op; a nil err clears the failure.
func (t *Transport) Fail(op Op, err error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err == nil {
		delete(t.s.failures, op)
		return
	}
	t.s.failures[op] = err
}

// SetLatency changes the per-call delay.
func (t *Transport) SetLatency(d time.Duration) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.latency = d
}

// SignedIn returns the user ID of the server-side session, if any.
func (t *Transport) SignedIn() string {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.signedIn
}

// Expire drops the server-side session as if it timed out.
func (t *Transport) Expire() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.signedIn = ""
}

func (t *Transport) Login(ctx context.Context, cred authsession.Credential) (*authsession.Identity, *authsession.Artifact, error) {
	if err := t.s.enter(OpLogin); err != nil {
		return nil, nil, err
	}
	if err := t.s.wait(ctx); err != nil {
		return nil, nil, &authsession.TransportError{Op: "login", Err: err}
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	a := t.s.find(cred.UsernameOrEmail)
	if a == nil || a.password != cred.Password {
		return nil, nil, fmt.Errorf("authsession/fake: %w", authsession.ErrInvalidCredentials)
	}
	return t.signInLocked(a)
}

func (t *Transport) Register(ctx context.Context, reg authsession.Registration) (*authsession.Identity, *authsession.Artifact, error) {
	if err := t.s.enter(OpRegister); err != nil {
		return nil, nil, err
	}
	if err := t.s.wait(ctx); err != nil {
		return nil, nil, &authsession.TransportError{Op: "register", Err: err}
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.s.taken(reg.Username) {
		return nil, nil, fmt.Errorf("authsession/fake: %w", &authsession.ValidationError{Message: "username already taken"})
	}
	return t.signInLocked(t.s.create(reg))
}

func (t *Transport) signInLocked(a *account) (*authsession.Identity, *authsession.Artifact, error) {
	t.signedIn = a.identity.ID
	t.remaining = t.s.lag
	t.nextToken++
	id := a.identity
	return &id, &authsession.Artifact{Value: fmt.Sprintf("fake-session-%d", t.nextToken)}, nil
}

// Logout drops the session before reporting any injected failure, the same
// way the HTTP transport drops its local artifact.
func (t *Transport) Logout(ctx context.Context) error {
	t.s.mu.Lock()
	t.signedIn = ""
	t.s.mu.Unlock()

	if err := t.s.enter(OpLogout); err != nil {
		return fmt.Errorf("authsession/fake: %w: %w", authsession.ErrLogoutFailed, err)
	}
	return t.s.wait(ctx)
}

func (t *Transport) FetchCurrent(ctx context.Context) (*authsession.Identity, error) {
	if err := t.s.enter(OpCurrent); err != nil {
		return nil, err
	}
	if err := t.s.wait(ctx); err != nil {
		return nil, &authsession.TransportError{Op: "current", Err: err}
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.signedIn == "" {
		return nil, nil
	}
	if t.remaining > 0 {
		t.remaining--
		return nil, nil
	}
	a, ok := t.s.accounts[t.signedIn]
	if !ok {
		return nil, nil
	}
	id := a.identity
	return &id, nil
}
