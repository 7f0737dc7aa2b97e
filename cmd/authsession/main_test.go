package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	authsession "github.com/chimerakang/authsession-go"
	"github.com/chimerakang/authsession-go/fake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{"AUTHSESSION_ENDPOINT", "AUTHSESSION_CONTEXT", "AUTHSESSION_TOKEN_FILE",
		"AUTHSESSION_CACHE_TTL", "AUTHSESSION_TIMEOUT", "AUTHSESSION_METRICS"} {
		unsetForTest(t, key)
	}

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.Endpoint)
	assert.Equal(t, authsession.ContextEmbedded, cfg.executionContext())
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 15*time.Second, cfg.Timeout)
	assert.False(t, cfg.Metrics)
	assert.True(t, strings.HasSuffix(cfg.TokenFile, filepath.Join("authsession", "session.json")))
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("AUTHSESSION_ENDPOINT", "https://id.example.com")
	t.Setenv("AUTHSESSION_CONTEXT", "browser")
	t.Setenv("AUTHSESSION_TOKEN_FILE", "/tmp/s.json")
	t.Setenv("AUTHSESSION_CACHE_TTL", "30s")
	t.Setenv("AUTHSESSION_METRICS", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "https://id.example.com", cfg.Endpoint)
	assert.Equal(t, authsession.ContextBrowser, cfg.executionContext())
	assert.Equal(t, "/tmp/s.json", cfg.TokenFile)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.True(t, cfg.Metrics)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("AUTHSESSION_ENDPOINT=http://127.0.0.1:9999\nAUTHSESSION_CACHE_TTL=1m\n"), 0o600))
	// godotenv never overrides variables that are already set; make sure
	// these two are unset for the duration of the test.
	unsetForTest(t, "AUTHSESSION_ENDPOINT")
	unsetForTest(t, "AUTHSESSION_CACHE_TTL")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9999", cfg.Endpoint)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
}

func TestLoadConfig_MissingEnvFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.env"))
	assert.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"endpoint without scheme", "AUTHSESSION_ENDPOINT", "localhost:8080"},
		{"unknown context", "AUTHSESSION_CONTEXT", "desktop"},
		{"zero cache ttl", "AUTHSESSION_CACHE_TTL", "0s"},
		{"negative timeout", "AUTHSESSION_TIMEOUT", "-1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := loadConfig("")
			assert.ErrorIs(t, err, errInvalidConfig)
		})
	}
}

func TestLoadConfig_Unparseable(t *testing.T) {
	t.Setenv("AUTHSESSION_CACHE_TTL", "soon")
	_, err := loadConfig("")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errInvalidConfig)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestParseAccount(t *testing.T) {
	id, pw, err := parseAccount("root:secret:admin", 2)
	require.NoError(t, err)
	assert.Equal(t, "u2", id.ID)
	assert.Equal(t, "root", id.Username)
	assert.Equal(t, "secret", pw)
	assert.True(t, id.IsAdmin)

	for _, bad := range []string{"alice", ":pw", "alice:", "a:b:owner", "a:b:c:d"} {
		_, _, err := parseAccount(bad, 1)
		assert.Error(t, err, bad)
	}
}

func TestRun_Usage(t *testing.T) {
	var out, errOut bytes.Buffer

	assert.ErrorIs(t, run(context.Background(), nil, nil, &out, &errOut), errUsage)
	assert.Contains(t, errOut.String(), "serve-fake")

	errOut.Reset()
	assert.ErrorIs(t, run(context.Background(), []string{"frobnicate"}, nil, &out, &errOut), errUsage)
	assert.Contains(t, errOut.String(), `unknown command "frobnicate"`)

	assert.NoError(t, run(context.Background(), []string{"help"}, nil, &out, &errOut))
	assert.Contains(t, out.String(), "AUTHSESSION_ENDPOINT")

	assert.NoError(t, run(context.Background(), []string{"login", "--help"}, nil, &out, &errOut))
	assert.ErrorIs(t, run(context.Background(), []string{"whoami", "extra"}, nil, &out, &errOut), errUsage)
}

func TestRun_EmbeddedSessionSurvivesInvocations(t *testing.T) {
	srv := httptest.NewServer(fake.NewServer(fake.WithBackend(
		fake.WithUser(authsession.Identity{ID: "u1", Username: "alice"}, "correct"),
	)))
	defer srv.Close()

	tokenFile := filepath.Join(t.TempDir(), "session.json")
	t.Setenv("AUTHSESSION_ENDPOINT", srv.URL)
	t.Setenv("AUTHSESSION_CONTEXT", "embedded")
	t.Setenv("AUTHSESSION_TOKEN_FILE", tokenFile)
	t.Setenv("LOG_LEVEL", "error")

	invoke := func(args ...string) (string, error) {
		var out, errOut bytes.Buffer
		err := run(context.Background(), args, strings.NewReader(""), &out, &errOut)
		return out.String(), err
	}

	out, err := invoke("login", "--user", "alice", "--password", "correct")
	require.NoError(t, err)
	assert.Contains(t, out, `"username": "alice"`)
	assert.FileExists(t, tokenFile)

	out, err = invoke("whoami")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "u1"`)

	out, err = invoke("logout")
	require.NoError(t, err)
	assert.Equal(t, "signed out\n", out)

	out, err = invoke("whoami")
	require.NoError(t, err)
	assert.Equal(t, "not signed in\n", out)
}

func TestRun_LoginPromptsAndReportsInvalidCredentials(t *testing.T) {
	srv := httptest.NewServer(fake.NewServer(fake.WithBackend(
		fake.WithUser(authsession.Identity{ID: "u1", Username: "alice"}, "correct"),
	)))
	defer srv.Close()

	t.Setenv("AUTHSESSION_ENDPOINT", srv.URL)
	t.Setenv("AUTHSESSION_TOKEN_FILE", filepath.Join(t.TempDir(), "session.json"))
	t.Setenv("LOG_LEVEL", "error")

	var out, errOut bytes.Buffer
	err := run(context.Background(), []string{"login"}, strings.NewReader("alice\nwrong\n"), &out, &errOut)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Incorrect username or password")
	assert.Contains(t, errOut.String(), "Password: ")
}

func TestRun_RegisterValidatesBeforeSending(t *testing.T) {
	fs := fake.NewServer()
	srv := httptest.NewServer(fs)
	defer srv.Close()

	t.Setenv("AUTHSESSION_ENDPOINT", srv.URL)
	t.Setenv("AUTHSESSION_TOKEN_FILE", filepath.Join(t.TempDir(), "session.json"))
	t.Setenv("LOG_LEVEL", "error")

	var out, errOut bytes.Buffer
	err := run(context.Background(),
		[]string{"register", "--username", "bob", "--password", "p1", "--confirm-password", "p1", "--phone", "not-a-phone"},
		strings.NewReader(""), &out, &errOut)
	require.Error(t, err)
	assert.Equal(t, 0, fs.Calls(fake.OpRegister))
}

func TestRun_ClientCommandsRejectBrowserContext(t *testing.T) {
	srv := httptest.NewServer(fake.NewServer(fake.WithBackend(
		fake.WithUser(authsession.Identity{ID: "u1", Username: "alice"}, "correct"),
	)))
	defer srv.Close()

	t.Setenv("AUTHSESSION_ENDPOINT", srv.URL)
	t.Setenv("AUTHSESSION_CONTEXT", "browser")
	t.Setenv("AUTHSESSION_TOKEN_FILE", filepath.Join(t.TempDir(), "session.json"))
	t.Setenv("LOG_LEVEL", "error")

	for _, args := range [][]string{
		{"login", "--user", "alice", "--password", "correct"},
		{"register", "--username", "bob", "--password", "p1", "--confirm-password", "p1", "--phone", "5551234567"},
		{"logout"},
		{"whoami"},
	} {
		t.Run(args[0], func(t *testing.T) {
			var out, errOut bytes.Buffer
			err := run(context.Background(), args, strings.NewReader(""), &out, &errOut)
			require.ErrorIs(t, err, errInvalidConfig)
			assert.Contains(t, err.Error(), "embedded")
			assert.Empty(t, out.String())
		})
	}
}

func unsetForTest(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}
