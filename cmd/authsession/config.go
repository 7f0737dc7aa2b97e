package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	authsession "github.com/chimerakang/authsession-go"
	"github.com/joho/godotenv"
)

// Config is the CLI configuration, read from the environment and an optional
// .env file.
type Config struct {
	Endpoint  string        `env:"AUTHSESSION_ENDPOINT" envDefault:"http://localhost:8080"`
	Context   string        `env:"AUTHSESSION_CONTEXT" envDefault:"embedded"`
	TokenFile string        `env:"AUTHSESSION_TOKEN_FILE"`
	CacheTTL  time.Duration `env:"AUTHSESSION_CACHE_TTL" envDefault:"5m"`
	Timeout   time.Duration `env:"AUTHSESSION_TIMEOUT" envDefault:"15s"`
	JWKSURL   string        `env:"AUTHSESSION_JWKS_URL"`
	Issuer    string        `env:"AUTHSESSION_ISSUER"`
	LogLevel  string        `env:"LOG_LEVEL" envDefault:"info"`
	Metrics   bool          `env:"AUTHSESSION_METRICS" envDefault:"false"`
}

var errInvalidConfig = errors.New("invalid configuration")

// loadConfig loads envFile (or ./.env when empty and present) and parses the
// environment into a Config.
func loadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.TokenFile == "" {
		cfg.TokenFile = defaultTokenFile()
	}
	return cfg, cfg.Validate()
}

// Validate checks the endpoint, execution context and durations.
func (c Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: AUTHSESSION_ENDPOINT must be an http(s) URL, got %q", errInvalidConfig, c.Endpoint)
	}
	if !authsession.ExecutionContext(c.Context).Valid() {
		return fmt.Errorf("%w: AUTHSESSION_CONTEXT must be %q or %q, got %q",
			errInvalidConfig, authsession.ContextBrowser, authsession.ContextEmbedded, c.Context)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("%w: AUTHSESSION_CACHE_TTL must be positive", errInvalidConfig)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: AUTHSESSION_TIMEOUT must be positive", errInvalidConfig)
	}
	return nil
}

func (c Config) executionContext() authsession.ExecutionContext {
	return authsession.ExecutionContext(c.Context)
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "authsession", "session.json")
}

// newLogger builds a JSON logger writing to w at the given level.
func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
