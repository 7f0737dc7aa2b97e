// Package authsession manages the signed-in identity of a client application.
//
// A Provider owns the process-wide session cache and is its only writer. It
// exposes login, register and logout mutations, passive identity probes, and
// a non-blocking Snapshot that route guards read. Session propagation (cookie
// or X-Session-ID header) lives behind the Transport, so nothing here branches
// on the execution context except the confirmation delays.
//
// Example usage with the HTTP transport:
//
//	t := credential.New("https://id.example.com",
//	    credential.WithAttacher(session.ForContext(authsession.ContextEmbedded, store)))
//	p, err := authsession.New(authsession.Config{Context: authsession.ContextEmbedded}, t)
//	id, err := p.Login(ctx, authsession.Credential{UsernameOrEmail: "alice", Password: "..."})
package authsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chimerakang/authsession-go/cache"
	"github.com/chimerakang/authsession-go/metrics"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Delays are the confirmation delays applied after a successful mutation.
type Delays struct {
	Login    time.Duration
	Register time.Duration
}

// Config holds Provider behaviour configuration.
type Config struct {
	// Context selects cookie (browser) or header (embedded) propagation
	// defaults. Default: ContextBrowser.
	Context ExecutionContext

	// CacheTTL controls how long a probed identity is trusted before the
	// next read re-probes. Default: 5 minutes.
	CacheTTL time.Duration

	// Delays overrides DefaultDelays per execution context.
	Delays map[ExecutionContext]Delays

	// ConfirmAttempts is how many delayed probes may report anonymous before
	// an optimistic identity is withdrawn. Default: 3.
	ConfirmAttempts int

	// ProbeInterval is the minimum spacing between passive probes.
	// Default: 1 second.
	ProbeInterval time.Duration

	// ConfirmTimeout bounds each confirmation probe. Default: 10 seconds.
	ConfirmTimeout time.Duration
}

const (
	// DefaultCacheTTL is the default identity freshness window.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultConfirmAttempts is the default number of confirmation probes.
	DefaultConfirmAttempts = 3

	// DefaultProbeInterval is the default passive probe spacing.
	DefaultProbeInterval = time.Second

	// DefaultConfirmTimeout is the default per-probe confirmation timeout.
	DefaultConfirmTimeout = 10 * time.Second
)

// DefaultDelays are the confirmation delays per execution context.
var DefaultDelays = map[ExecutionContext]Delays{
	ContextBrowser:  {Login: 300 * time.Millisecond, Register: 100 * time.Millisecond},
	ContextEmbedded: {Login: 1500 * time.Millisecond, Register: 500 * time.Millisecond},
}

// RegistrationCheck validates and normalises a registration before any
// transport call.
type RegistrationCheck func(Registration) (Registration, error)

// Option configures the Provider.
type Option func(*Provider)

// WithLogger sets a structured logger for the provider.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithMetrics sets the metrics sink. Default: disabled.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// WithAuditor records lifecycle events.
func WithAuditor(a Auditor) Option {
	return func(p *Provider) { p.auditor = a }
}

// WithCache injects the session cache, e.g. one driven by a fake clock.
func WithCache(c *cache.Store[Identity]) Option {
	return func(p *Provider) { p.cache = c }
}

// WithRegistrationCheck replaces the client-side registration validator.
// Default: CheckRegistration.
func WithRegistrationCheck(fn RegistrationCheck) Option {
	return func(p *Provider) { p.checkRegistration = fn }
}

// Provider is the single owner of the session cache.
type Provider struct {
	cfg               Config
	transport         Transport
	logger            *slog.Logger
	metrics           *metrics.Metrics
	auditor           Auditor
	cache             *cache.Store[Identity]
	checkRegistration RegistrationCheck

	probes  singleflight.Group
	limiter *rate.Limiter

	mu         sync.Mutex
	phase      Phase
	lastErr    error
	mutating   bool
	probing    int
	loggingOut int
	logoutGen  uint64
	confirm    *confirmation
	subs       map[int]chan Snapshot
	nextSub    int
	closed     bool
}

// confirmation is one pending post-mutation re-validation.
type confirmation struct {
	op       string
	expected string
	delay    time.Duration
	attempts int
	timer    *time.Timer
	done     chan struct{}
	err      error // valid once done is closed
}

// New creates a Provider over transport.
func New(cfg Config, transport Transport, opts ...Option) (*Provider, error) {
	if transport == nil {
		return nil, fmt.Errorf("authsession: transport is required")
	}
	if cfg.Context == "" {
		cfg.Context = ContextBrowser
	}
	if !cfg.Context.Valid() {
		return nil, fmt.Errorf("authsession: unknown execution context %q", cfg.Context)
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = DefaultConfirmAttempts
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	delays := make(map[ExecutionContext]Delays, len(DefaultDelays))
	for ec, d := range DefaultDelays {
		delays[ec] = d
	}
	for ec, d := range cfg.Delays {
		if d.Login < 0 || d.Register < 0 {
			return nil, fmt.Errorf("authsession: negative confirmation delay for %s", ec)
		}
		delays[ec] = d
	}
	cfg.Delays = delays

	p := &Provider{
		cfg:       cfg,
		transport: transport,
		logger:    slog.Default(),
		limiter:   rate.NewLimiter(rate.Every(cfg.ProbeInterval), 1),
		subs:      make(map[int]chan Snapshot),
	}
	for _, o := range opts {
		o(p)
	}
	if p.cache == nil {
		p.cache = cache.New[Identity](cfg.CacheTTL)
	}
	if p.metrics == nil {
		p.metrics = metrics.New(false)
	}
	if p.checkRegistration == nil {
		p.checkRegistration = CheckRegistration
	}
	p.logger = p.logger.With("component", "authsession", "context", string(cfg.Context))
	return p, nil
}

// Config returns the effective configuration.
func (p *Provider) Config() Config { return p.cfg }

// Snapshot returns the current state without blocking on the network.
func (p *Provider) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Provider) snapshotLocked() Snapshot {
	v, state, _ := p.cache.Get()
	s := Snapshot{
		Loading:   p.mutating || p.probing > 0 || p.loggingOut > 0,
		Phase:     p.phase,
		FetchedAt: p.cache.FetchedAt(),
		Err:       p.lastErr,
	}
	switch state {
	case cache.Present:
		id := *v
		s.Status = StatusAuthenticated
		s.Identity = &id
	case cache.Absent:
		s.Status = StatusAnonymous
	default:
		s.Status = StatusUnknown
	}
	return s
}

// Current returns the cached identity when fresh and otherwise runs a passive
// probe. Probe failures are logged and the last known identity is kept.
func (p *Provider) Current(ctx context.Context) Snapshot {
	if _, _, fresh := p.cache.Get(); fresh {
		p.metrics.RecordCacheHit()
		return p.Snapshot()
	}
	p.metrics.RecordCacheMiss()

	if !p.limiter.Allow() {
		p.metrics.RecordProbe("throttled")
		return p.Snapshot()
	}
	if _, err := p.probe(ctx); err != nil {
		p.logger.WarnContext(ctx, "passive identity probe failed", "error", err)
	}
	return p.Snapshot()
}

// Refresh probes the identity endpoint regardless of freshness and returns
// any transport error.
func (p *Provider) Refresh(ctx context.Context) (Snapshot, error) {
	_, err := p.probe(ctx)
	return p.Snapshot(), err
}

// probe fetches the current identity. Concurrent callers share one request.
func (p *Provider) probe(ctx context.Context) (*Identity, error) {
	v, err, shared := p.probes.Do("current", func() (any, error) {
		p.adjustProbing(1)
		defer p.adjustProbing(-1)

		epoch := p.cache.Epoch()
		id, err := p.transport.FetchCurrent(ctx)
		if err != nil {
			p.metrics.RecordProbe("error")
			return nil, err
		}

		p.mu.Lock()
		// While a sign-in awaits confirmation only the confirmation may
		// withdraw the optimistic identity.
		held := id == nil && p.confirm != nil
		written := p.loggingOut == 0 && !held && p.cache.SetIf(epoch, id)
		if written {
			p.notifyLocked()
		}
		p.mu.Unlock()

		switch {
		case held:
			p.logger.DebugContext(ctx, "ignored anonymous read while sign-in awaits confirmation")
		case !written:
			p.logger.DebugContext(ctx, "discarded identity probe superseded by a newer write")
		}
		if id == nil {
			p.metrics.RecordProbe("anonymous")
		} else {
			p.metrics.RecordProbe("identity")
		}
		return id, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		p.logger.DebugContext(ctx, "identity probe shared with a concurrent caller")
	}
	id, _ := v.(*Identity)
	return id, nil
}

func (p *Provider) adjustProbing(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probing += delta
	p.notifyLocked()
}

// Login authenticates cred. The returned identity is optimistic until the
// delayed confirmation settles (see AwaitConfirmation).
func (p *Provider) Login(ctx context.Context, cred Credential) (*Identity, error) {
	if err := checkCredential(cred); err != nil {
		p.metrics.RecordMutation("login", "validation", 0)
		return nil, err
	}
	return p.mutate(ctx, "login", func(ctx context.Context) (*Identity, error) {
		id, _, err := p.transport.Login(ctx, cred)
		return id, err
	})
}

// Register creates an account and signs it in. Client-side checks run first
// and a failing registration never reaches the transport.
func (p *Provider) Register(ctx context.Context, reg Registration) (*Identity, error) {
	reg, err := p.checkRegistration(reg)
	if err != nil {
		p.metrics.RecordMutation("register", "validation", 0)
		return nil, err
	}
	return p.mutate(ctx, "register", func(ctx context.Context) (*Identity, error) {
		id, _, err := p.transport.Register(ctx, reg)
		return id, err
	})
}

func checkCredential(cred Credential) error {
	fields := make(map[string]string)
	if strings.TrimSpace(cred.UsernameOrEmail) == "" {
		fields["usernameOrEmail"] = "is required"
	}
	if cred.Password == "" {
		fields["password"] = "is required"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// mutate runs a login or register call inside the single mutation slot.
func (p *Provider) mutate(ctx context.Context, op string, call func(context.Context) (*Identity, error)) (*Identity, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.mutating || p.loggingOut > 0 {
		p.mu.Unlock()
		p.metrics.RecordMutation(op, "rejected", 0)
		return nil, ErrMutationInFlight
	}
	p.mutating = true
	p.cancelConfirmLocked(ErrSuperseded)
	p.phase = PhasePending
	p.lastErr = nil
	gen := p.logoutGen
	p.notifyLocked()
	p.mu.Unlock()

	start := time.Now()
	id, err := call(ctx)
	elapsed := time.Since(start).Seconds()
	if err == nil && id == nil {
		err = fmt.Errorf("authsession: %s: %w: no identity returned", op, ErrMalformedResponse)
	}

	p.mu.Lock()
	p.mutating = false

	if err != nil {
		p.phase = PhaseFailed
		p.lastErr = err
		p.notifyLocked()
		p.mu.Unlock()

		p.metrics.RecordMutation(op, resultLabel(err), elapsed)
		p.logger.InfoContext(ctx, op+" failed", "error", err)
		p.audit(op, "failure", "", err)
		return nil, err
	}

	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.logoutGen != gen {
		p.phase = PhaseIdle
		p.notifyLocked()
		p.mu.Unlock()

		p.metrics.RecordMutation(op, "superseded", elapsed)
		p.logger.InfoContext(ctx, op+" finished after logout, discarding session", "user_id", id.ID)
		if lerr := p.transport.Logout(ctx); lerr != nil {
			p.logger.WarnContext(ctx, "failed to end superseded session", "error", lerr)
		}
		return nil, ErrSuperseded
	}

	p.cache.Set(id)
	p.phase = PhaseOptimistic
	p.startConfirmLocked(op, id)
	p.notifyLocked()
	p.mu.Unlock()

	p.metrics.RecordMutation(op, "success", elapsed)
	p.logger.InfoContext(ctx, op+" succeeded", "user_id", id.ID)
	p.audit(op, "success", id.ID, nil)

	out := *id
	return &out, nil
}

func (p *Provider) delayFor(op string) time.Duration {
	d := p.cfg.Delays[p.cfg.Context]
	if op == "register" {
		return d.Register
	}
	return d.Login
}

func (p *Provider) startConfirmLocked(op string, id *Identity) {
	c := &confirmation{
		op:       op,
		expected: id.ID,
		delay:    p.delayFor(op),
		done:     make(chan struct{}),
	}
	p.confirm = c
	c.timer = time.AfterFunc(c.delay, func() { p.runConfirm(c) })
}

// runConfirm is one timer-driven re-validation of an optimistic identity.
func (p *Provider) runConfirm(c *confirmation) {
	p.mu.Lock()
	if p.confirm != c {
		p.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConfirmTimeout)
	defer cancel()

	epoch := p.cache.Epoch()
	id, err := p.transport.FetchCurrent(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.confirm != c {
		return
	}

	retry := attempt < p.cfg.ConfirmAttempts
	switch {
	case err != nil:
		p.logger.Warn("confirmation probe failed", "op", c.op, "attempt", attempt, "error", err)
		if retry {
			c.timer = time.AfterFunc(c.delay, func() { p.runConfirm(c) })
			return
		}
		// the optimistic identity stands; a blip must not sign the user out
		p.settleLocked(c, "unverified", fmt.Errorf("authsession: confirm %s: %w", c.op, err))

	case id == nil:
		if retry {
			p.logger.Debug("session not yet visible to the server", "op", c.op, "attempt", attempt)
			c.timer = time.AfterFunc(c.delay, func() { p.runConfirm(c) })
			return
		}
		p.cache.SetIf(epoch, nil)
		p.phase = PhaseFailed
		p.lastErr = ErrSessionNotPropagated
		p.settleLocked(c, "not_propagated", ErrSessionNotPropagated)
		p.audit("confirm", "failure", c.expected, ErrSessionNotPropagated)

	default:
		outcome := "confirmed"
		if id.ID != c.expected {
			outcome = "replaced"
			p.logger.Warn("server reports a different identity than the mutation returned",
				"op", c.op, "expected", c.expected, "actual", id.ID)
		}
		p.cache.SetIf(epoch, id)
		p.phase = PhaseConfirmed
		p.settleLocked(c, outcome, nil)
		p.audit("confirm", "success", id.ID, nil)
	}
	p.notifyLocked()
}

func (p *Provider) settleLocked(c *confirmation, outcome string, err error) {
	c.err = err
	close(c.done)
	p.confirm = nil
	p.metrics.RecordConfirmation(c.op, outcome)
}

func (p *Provider) cancelConfirmLocked(reason error) {
	c := p.confirm
	if c == nil {
		return
	}
	c.timer.Stop()
	p.settleLocked(c, "cancelled", reason)
}

// AwaitConfirmation blocks until the pending confirmation settles or ctx is
// done. Without a pending confirmation it returns immediately; the error is
// then the last mutation failure, if any.
func (p *Provider) AwaitConfirmation(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	c := p.confirm
	if c == nil {
		s := p.snapshotLocked()
		p.mu.Unlock()
		if s.Phase == PhaseFailed {
			return s, s.Err
		}
		return s, nil
	}
	p.mu.Unlock()

	select {
	case <-c.done:
		return p.Snapshot(), c.err
	case <-ctx.Done():
		return p.Snapshot(), ctx.Err()
	}
}

// Logout clears the local session and asks the server to end it. The cache
// always ends up explicitly anonymous; a transport failure is logged and
// never returned.
func (p *Provider) Logout(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	userID := ""
	if v, state, _ := p.cache.Get(); state == cache.Present {
		userID = v.ID
	}
	p.logoutGen++
	p.loggingOut++
	p.cancelConfirmLocked(ErrSuperseded)
	p.cache.Set(nil)
	p.phase = PhaseIdle
	p.lastErr = nil
	p.notifyLocked()
	p.mu.Unlock()

	start := time.Now()
	err := p.transport.Logout(ctx)
	elapsed := time.Since(start).Seconds()

	p.mu.Lock()
	p.loggingOut--
	p.notifyLocked()
	p.mu.Unlock()

	if err != nil {
		p.metrics.RecordMutation("logout", "failure", elapsed)
		p.logger.WarnContext(ctx, "logout request failed, local session cleared anyway", "error", err)
		p.audit("logout", "failure", userID, err)
		return nil
	}
	p.metrics.RecordMutation("logout", "success", elapsed)
	p.logger.InfoContext(ctx, "logged out", "user_id", userID)
	p.audit("logout", "success", userID, nil)
	return nil
}

// Expire drops the cached identity after some request was rejected as
// unauthenticated. No transport call is made.
func (p *Provider) Expire(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	userID := ""
	if v, state, _ := p.cache.Get(); state == cache.Present {
		userID = v.ID
	}
	p.cancelConfirmLocked(ErrSuperseded)
	p.cache.Set(nil)
	p.phase = PhaseIdle
	p.notifyLocked()
	p.mu.Unlock()

	if userID != "" {
		p.logger.InfoContext(ctx, "session rejected by server", "user_id", userID)
		p.audit("expire", "success", userID, nil)
	}
}

// Subscribe returns a channel that receives the latest Snapshot after every
// state change, starting with the current one. Slow readers only miss
// intermediate snapshots. The returned func unsubscribes.
func (p *Provider) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return ch, func() {}
	}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	ch <- p.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if sub, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(sub)
			}
		})
	}
}

func (p *Provider) notifyLocked() {
	s := p.snapshotLocked()
	p.metrics.SetIdentityStatus(int(s.Status))
	for _, ch := range p.subs {
		select {
		case ch <- s:
		default:
			// replace the unread snapshot with the newer one
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}

// Close stops pending confirmations, closes subscriptions and closes the
// transport and auditor when they implement io.Closer.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancelConfirmLocked(ErrClosed)
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	p.mu.Unlock()

	var errs []error
	if c, ok := p.transport.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := p.auditor.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (p *Provider) audit(action, result, userID string, err error) {
	if p.auditor == nil {
		return
	}
	p.auditor.Record(AuditEvent{
		Timestamp: time.Now(),
		Action:    action,
		Result:    result,
		UserID:    userID,
		Context:   p.cfg.Context,
		Err:       err,
	})
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "error"
	}
}
