package guard_test

import (
	"context"
	"strings"
	"testing"
	"time"

	authsession "github.com/chimerakang/authsession-go"
	"github.com/chimerakang/authsession-go/fake"
	"github.com/chimerakang/authsession-go/guard"
	"github.com/chimerakang/authsession-go/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource authsession.Snapshot

func (s staticSource) Snapshot() authsession.Snapshot { return authsession.Snapshot(s) }

type recorder struct{ to []string }

func (r *recorder) Redirect(to string) { r.to = append(r.to, to) }

func TestCheck(t *testing.T) {
	alice := &authsession.Identity{ID: "u1", Username: "alice"}

	tests := []struct {
		name string
		snap authsession.Snapshot
		ec   authsession.ExecutionContext
		want guard.Decision
	}{
		{"authenticated", authsession.Snapshot{Status: authsession.StatusAuthenticated, Identity: alice}, authsession.ContextBrowser, guard.Decision{Kind: guard.Allow}},
		{"anonymous browser", authsession.Snapshot{Status: authsession.StatusAnonymous}, authsession.ContextBrowser, guard.Decision{Kind: guard.Redirect, To: "/signin"}},
		{"anonymous embedded", authsession.Snapshot{Status: authsession.StatusAnonymous}, authsession.ContextEmbedded, guard.Decision{Kind: guard.Redirect, To: "/app/signin"}},
		{"unknown", authsession.Snapshot{Status: authsession.StatusUnknown, Loading: true}, authsession.ContextBrowser, guard.Decision{Kind: guard.Pending}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := guard.New(staticSource(tt.snap), tt.ec)
			assert.Equal(t, tt.want, g.Check())
		})
	}
}

func TestRequireAuth(t *testing.T) {
	rec := &recorder{}
	ran := 0

	g := guard.New(staticSource{Status: authsession.StatusAnonymous}, authsession.ContextBrowser, guard.WithRedirector(rec))
	assert.False(t, g.RequireAuth(func() { ran++ }))
	assert.Equal(t, []string{"/signin"}, rec.to)

	g = guard.New(staticSource{Status: authsession.StatusUnknown}, authsession.ContextBrowser, guard.WithRedirector(rec))
	assert.False(t, g.RequireAuth(func() { ran++ }))
	assert.Len(t, rec.to, 1, "an undetermined identity must not redirect")

	g = guard.New(staticSource{Status: authsession.StatusAuthenticated, Identity: &authsession.Identity{ID: "u1"}}, authsession.ContextBrowser, guard.WithRedirector(rec))
	assert.True(t, g.RequireAuth(func() { ran++ }))
	assert.Equal(t, 1, ran)
}

func TestWithEntryPoints(t *testing.T) {
	g := guard.New(staticSource{Status: authsession.StatusAnonymous}, authsession.ContextEmbedded, guard.WithEntryPoints("", "/desktop/login"))
	assert.Equal(t, "/desktop/login", g.EntryPoint())

	g = guard.New(staticSource{Status: authsession.StatusAnonymous}, authsession.ContextBrowser, guard.WithEntryPoints("/login", ""))
	assert.Equal(t, guard.Decision{Kind: guard.Redirect, To: "/login"}, g.Check())
}

func TestRequireAdmin(t *testing.T) {
	member := staticSource{Status: authsession.StatusAuthenticated, Identity: &authsession.Identity{ID: "u1"}}
	admin := staticSource{Status: authsession.StatusAuthenticated, Identity: &authsession.Identity{ID: "u2", IsAdmin: true}}
	rec := &recorder{}

	g := guard.New(member, authsession.ContextBrowser, guard.WithRedirector(rec))
	assert.Equal(t, guard.Deny, g.CheckAdmin().Kind)
	assert.False(t, g.RequireAdmin(nil))
	assert.Empty(t, rec.to)

	g = guard.New(admin, authsession.ContextBrowser)
	assert.True(t, g.RequireAdmin(nil))
}

func TestGuardWithProvider(t *testing.T) {
	alice := authsession.Identity{ID: "u1", Username: "alice"}
	tr := fake.NewTransport(fake.WithUser(alice, "correct"))
	p, err := authsession.New(authsession.Config{
		Delays: map[authsession.ExecutionContext]authsession.Delays{
			authsession.ContextBrowser: {Login: time.Millisecond, Register: time.Millisecond},
		},
		ProbeInterval: time.Nanosecond,
	}, tr)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	rec := &recorder{}
	g := guard.New(p, authsession.ContextBrowser, guard.WithRedirector(rec))
	ctx := context.Background()

	assert.Equal(t, guard.Pending, g.Check().Kind)

	// Await resolves the unknown state with one probe, then redirects.
	assert.False(t, g.Await(ctx, p, nil))
	assert.Equal(t, []string{"/signin"}, rec.to)

	// wrong password: still redirected
	_, err = p.Login(ctx, authsession.Credential{UsernameOrEmail: "alice", Password: "wrong"})
	require.ErrorIs(t, err, authsession.ErrInvalidCredentials)
	assert.False(t, g.RequireAuth(nil))
	assert.Len(t, rec.to, 2)

	// correct password: guarded actions run without redirect
	_, err = p.Login(ctx, authsession.Credential{UsernameOrEmail: "alice", Password: "correct"})
	require.NoError(t, err)
	ran := 0
	for i := 0; i < 3; i++ {
		assert.True(t, g.RequireAuth(func() { ran++ }))
	}
	assert.Equal(t, 3, ran)
	assert.Len(t, rec.to, 2)
}

// fixedProber answers Current with a fixed snapshot and counts calls.
type fixedProber struct {
	snap  authsession.Snapshot
	calls int
}

func (f *fixedProber) Current(context.Context) authsession.Snapshot {
	f.calls++
	return f.snap
}

func TestAwait_RecordsOneDecisionPerOutcome(t *testing.T) {
	const header = `
# HELP authsession_guard_decisions_total Route guard decisions
# TYPE authsession_guard_decisions_total counter
`
	alice := &authsession.Identity{ID: "u1", Username: "alice"}

	tests := []struct {
		name      string
		snap      authsession.Snapshot
		resolved  authsession.Snapshot
		wantRan   bool
		wantCalls int
		want      string
	}{
		{
			name:    "authenticated",
			snap:    authsession.Snapshot{Status: authsession.StatusAuthenticated, Identity: alice},
			wantRan: true,
			want:    `authsession_guard_decisions_total{decision="allow"} 1` + "\n",
		},
		{
			name: "anonymous",
			snap: authsession.Snapshot{Status: authsession.StatusAnonymous},
			want: `authsession_guard_decisions_total{decision="redirect"} 1` + "\n",
		},
		{
			name:      "unknown resolved to anonymous",
			snap:      authsession.Snapshot{Status: authsession.StatusUnknown, Loading: true},
			resolved:  authsession.Snapshot{Status: authsession.StatusAnonymous},
			wantCalls: 1,
			want: `authsession_guard_decisions_total{decision="pending"} 1` + "\n" +
				`authsession_guard_decisions_total{decision="redirect"} 1` + "\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			m := metrics.New(true, metrics.WithRegisterer(reg))
			prober := &fixedProber{snap: tt.resolved}
			g := guard.New(staticSource(tt.snap), authsession.ContextBrowser, guard.WithMetrics(m))

			ran := false
			assert.Equal(t, tt.wantRan, g.Await(context.Background(), prober, func() { ran = true }))
			assert.Equal(t, tt.wantRan, ran)
			assert.Equal(t, tt.wantCalls, prober.calls)

			require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(header+tt.want), "authsession_guard_decisions_total"))
		})
	}
}
