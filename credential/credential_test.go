package credential_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	authsession "github.com/chimerakang/authsession-go"
	"github.com/chimerakang/authsession-go/credential"
	"github.com/chimerakang/authsession-go/fake"
	"github.com/chimerakang/authsession-go/jwks"
	"github.com/chimerakang/authsession-go/session"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	alice      = authsession.Identity{ID: "u1", Username: "alice", Email: "alice@example.com"}
	aliceCreds = authsession.Credential{UsernameOrEmail: "alice", Password: "correct"}
)

func newServer(t *testing.T, opts ...fake.ServerOption) (*fake.Server, *httptest.Server) {
	t.Helper()
	opts = append([]fake.ServerOption{fake.WithBackend(fake.WithUser(alice, "correct"))}, opts...)
	fs := fake.NewServer(opts...)
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, srv
}

func TestLogin_CookieMode(t *testing.T) {
	fs, srv := newServer(t)
	tr := credential.New(srv.URL)
	ctx := context.Background()

	id, artifact, err := tr.Login(ctx, aliceCreds)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.ID)
	require.NotNil(t, artifact)
	assert.NotEmpty(t, artifact.Value)

	cur, err := tr.FetchCurrent(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur, "the cookie jar carries the session")
	assert.Equal(t, "alice", cur.Username)

	require.NoError(t, tr.Logout(ctx))
	assert.Equal(t, 0, fs.Sessions())

	cur, err = tr.FetchCurrent(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestLogin_HeaderMode(t *testing.T) {
	_, srv := newServer(t)
	store := session.NewMemoryStore()
	tr := credential.New(srv.URL, credential.WithAttacher(session.ForContext(authsession.ContextEmbedded, store)))
	ctx := context.Background()

	_, artifact, err := tr.Login(ctx, aliceCreds)
	require.NoError(t, err)

	saved, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, artifact.Value, saved.Value)
	assert.False(t, saved.ExpiresAt.IsZero())

	cur, err := tr.FetchCurrent(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur, "the X-Session-ID header carries the session")

	require.NoError(t, tr.Logout(ctx))
	_, ok, err = store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	_, srv := newServer(t)
	tr := credential.New(srv.URL)

	_, _, err := tr.Login(context.Background(), authsession.Credential{UsernameOrEmail: "alice", Password: "wrong"})
	assert.ErrorIs(t, err, authsession.ErrInvalidCredentials)
	assert.NotErrorIs(t, err, authsession.ErrTransport)
}

func TestLogin_ServerError(t *testing.T) {
	fs, srv := newServer(t)
	fs.Fail(fake.OpLogin, errors.New("maintenance"))
	tr := credential.New(srv.URL)

	_, _, err := tr.Login(context.Background(), aliceCreds)
	var terr *authsession.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusServiceUnavailable, terr.StatusCode)
	assert.Contains(t, terr.Error(), "maintenance")
}

func TestLogin_NetworkError(t *testing.T) {
	_, srv := newServer(t)
	url := srv.URL
	srv.Close()

	_, _, err := credential.New(url).Login(context.Background(), aliceCreds)
	var terr *authsession.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Zero(t, terr.StatusCode)
}

func TestLogin_MalformedBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>ok</html>"},
		{"missing user", `{"sessionId":"abc"}`},
		{"user without id", `{"user":{"username":"alice"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, _, err := credential.New(srv.URL).Login(context.Background(), aliceCreds)
			assert.ErrorIs(t, err, authsession.ErrMalformedResponse)
		})
	}
}

func TestLogin_ArtifactFromResponseHeaderOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(session.DefaultHeader, "header-only")
		_, _ = w.Write([]byte(`{"user":{"id":"u1","username":"alice"}}`))
	}))
	defer srv.Close()

	store := session.NewMemoryStore()
	tr := credential.New(srv.URL, credential.WithAttacher(session.NewHeaderAttacher(store)))
	_, artifact, err := tr.Login(context.Background(), aliceCreds)
	require.NoError(t, err)
	assert.Equal(t, "header-only", artifact.Value)

	saved, ok, _ := store.Load()
	require.True(t, ok)
	assert.Equal(t, "header-only", saved.Value)
}

func TestRegister_ClientValidationIssuesZeroRequests(t *testing.T) {
	fs, srv := newServer(t)
	tr := credential.New(srv.URL)

	tests := []authsession.Registration{
		{Username: "bob", Password: "p1", ConfirmPassword: "p1", Phone: "call-me"},
		{Username: "bob", Password: "p1", ConfirmPassword: "p1", Phone: ""},
		{Username: "bob", Password: "p1", ConfirmPassword: "p2", Phone: "5551234567"},
	}
	for _, reg := range tests {
		_, _, err := tr.Register(context.Background(), reg)
		assert.ErrorIs(t, err, authsession.ErrValidation)
	}
	assert.Equal(t, 0, fs.Calls(fake.OpRegister))
}

func TestRegister_Success(t *testing.T) {
	fs, srv := newServer(t)
	tr := credential.New(srv.URL)
	ctx := context.Background()

	id, _, err := tr.Register(ctx, authsession.Registration{
		Username: "bob", Password: "p1", ConfirmPassword: "p1", Phone: "555-123-4567",
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", id.Username)
	assert.Equal(t, 1, fs.Calls(fake.OpRegister))

	cur, err := tr.FetchCurrent(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, id.ID, cur.ID)
}

func TestRegister_ServerValidation(t *testing.T) {
	_, srv := newServer(t)
	tr := credential.New(srv.URL)

	_, _, err := tr.Register(context.Background(), authsession.Registration{
		Username: "alice", Password: "p1", ConfirmPassword: "p1", Phone: "5551234567",
	})
	var verr *authsession.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "username already taken", verr.Message)
}

func TestLogout_FailureStillClearsLocalArtifact(t *testing.T) {
	fs, srv := newServer(t)
	store := session.NewMemoryStore()
	tr := credential.New(srv.URL, credential.WithAttacher(session.NewHeaderAttacher(store)))
	ctx := context.Background()

	_, _, err := tr.Login(ctx, aliceCreds)
	require.NoError(t, err)

	fs.Fail(fake.OpLogout, errors.New("down"))
	err = tr.Logout(ctx)
	assert.ErrorIs(t, err, authsession.ErrLogoutFailed)

	_, ok, _ := store.Load()
	assert.False(t, ok)

	cur, err := tr.FetchCurrent(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestLogout_SendsArtifactThenClears(t *testing.T) {
	fs := fake.NewServer(fake.WithBackend(fake.WithUser(alice, "correct")))
	sent := make(chan string, 1)
	wrapped := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == credential.PathLogout {
			sent <- r.Header.Get(session.DefaultHeader)
		}
		fs.ServeHTTP(w, r)
	}))
	defer wrapped.Close()

	store := session.NewMemoryStore()
	tr := credential.New(wrapped.URL, credential.WithAttacher(session.NewHeaderAttacher(store)))
	ctx := context.Background()

	_, artifact, err := tr.Login(ctx, aliceCreds)
	require.NoError(t, err)
	require.NotNil(t, artifact)

	require.NoError(t, tr.Logout(ctx))
	assert.Equal(t, artifact.Value, <-sent)

	_, ok, _ := store.Load()
	assert.False(t, ok)
}

func TestFetchCurrent_AnonymousResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"not authenticated"}`},
		{"forbidden", http.StatusForbidden, ``},
		{"empty body", http.StatusOK, ``},
		{"null", http.StatusOK, `null`},
		{"null user", http.StatusOK, `{"user":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			id, err := credential.New(srv.URL).FetchCurrent(context.Background())
			assert.NoError(t, err)
			assert.Nil(t, id)
		})
	}
}

func TestFetchCurrent_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := credential.New(srv.URL).FetchCurrent(context.Background())
	assert.ErrorIs(t, err, authsession.ErrTransport)
}

func TestLogin_SignedArtifact(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, srv := newServer(t, fake.WithSigningKey("k1", key, "fake-identity"), fake.WithSessionTTL(time.Hour))

	store := session.NewMemoryStore()
	tr := credential.New(srv.URL,
		credential.WithAttacher(session.NewHeaderAttacher(store)),
		credential.WithArtifactVerifier(jwks.NewVerifier(srv.URL+fake.JWKSPath, jwks.WithIssuer("fake-identity"))),
	)

	_, artifact, err := tr.Login(context.Background(), aliceCreds)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), artifact.ExpiresAt, 5*time.Second)

	cur, err := tr.FetchCurrent(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cur)
}

func TestLogin_SignedArtifactRejected(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, srv := newServer(t, fake.WithSigningKey("k1", key, "fake-identity"))

	tr := credential.New(srv.URL,
		credential.WithAttacher(session.NewHeaderAttacher(session.NewMemoryStore())),
		credential.WithArtifactVerifier(jwks.NewVerifier(srv.URL+fake.JWKSPath, jwks.WithIssuer("someone-else"))),
	)

	_, _, err = tr.Login(context.Background(), aliceCreds)
	assert.ErrorIs(t, err, authsession.ErrMalformedResponse)
}

func TestProviderOverHTTP(t *testing.T) {
	_, srv := newServer(t)
	tr := credential.New(srv.URL, credential.WithAttacher(session.ForContext(authsession.ContextEmbedded, session.NewMemoryStore())))

	p, err := authsession.New(authsession.Config{
		Context: authsession.ContextEmbedded,
		Delays: map[authsession.ExecutionContext]authsession.Delays{
			authsession.ContextEmbedded: {Login: 5 * time.Millisecond, Register: 5 * time.Millisecond},
		},
	}, tr)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = p.Login(ctx, aliceCreds)
	require.NoError(t, err)
	s, err := p.AwaitConfirmation(ctx)
	require.NoError(t, err)
	assert.Equal(t, authsession.PhaseConfirmed, s.Phase)

	require.NoError(t, p.Logout(ctx))
	s, err = p.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, authsession.StatusAnonymous, s.Status)
}
