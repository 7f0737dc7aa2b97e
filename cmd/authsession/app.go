package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	authsession "github.com/chimerakang/authsession-go"
	"github.com/chimerakang/authsession-go/audit"
	"github.com/chimerakang/authsession-go/credential"
	"github.com/chimerakang/authsession-go/jwks"
	"github.com/chimerakang/authsession-go/metrics"
	"github.com/chimerakang/authsession-go/session"
	"github.com/spf13/pflag"
)

// app carries the streams and, once configured, the loaded settings of one
// invocation.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg    Config
	logger *slog.Logger
	reader *bufio.Reader
}

// flagSet returns a flag set with the flags every client command shares.
func (a *app) flagSet(name, usage string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	envFile := fs.String("env-file", "", "load environment variables from this file instead of ./.env")
	fs.Usage = func() {
		fmt.Fprintf(a.stderr, "Usage:\n  authsession %s\n\nFlags:\n", usage)
		fs.PrintDefaults()
	}
	return fs, envFile
}

// parse parses args and loads the configuration. It returns (false, nil)
// when help was requested.
func (a *app) parse(fs *pflag.FlagSet, envFile *string, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return false, fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
	}

	cfg, err := loadConfig(*envFile)
	if err != nil {
		return false, err
	}
	a.cfg = cfg
	a.logger = newLogger(a.stderr, cfg.LogLevel)
	return true, nil
}

// provider wires the credential transport, attacher, verifier, auditor and
// metrics into a Provider. Only the embedded context is accepted: a browser
// cookie jar would not outlive the invocation, so every whoami after a login
// would report anonymous.
func (a *app) provider() (*authsession.Provider, error) {
	ec := a.cfg.executionContext()
	if ec != authsession.ContextEmbedded {
		return nil, fmt.Errorf("%w: AUTHSESSION_CONTEXT=%s keeps the session in memory only; the CLI needs %s",
			errInvalidConfig, ec, authsession.ContextEmbedded)
	}
	store := session.NewFileStore(a.cfg.TokenFile)

	topts := []credential.Option{
		credential.WithAttacher(session.ForContext(ec, store)),
		credential.WithLogger(a.logger),
	}
	if a.cfg.JWKSURL != "" {
		topts = append(topts, credential.WithArtifactVerifier(jwks.NewVerifier(a.cfg.JWKSURL, jwks.WithIssuer(a.cfg.Issuer))))
	}
	transport := credential.New(a.cfg.Endpoint, topts...)

	return authsession.New(authsession.Config{
		Context:  ec,
		CacheTTL: a.cfg.CacheTTL,
	}, transport,
		authsession.WithLogger(a.logger),
		authsession.WithMetrics(metrics.New(a.cfg.Metrics)),
		authsession.WithAuditor(audit.New(0, audit.WithSlogHandler(a.logger))),
	)
}

// prompt reads one line from stdin after writing label to stderr.
func (a *app) prompt(label string) (string, error) {
	if a.reader == nil {
		a.reader = bufio.NewReader(a.stdin)
	}
	fmt.Fprint(a.stderr, label)
	line, err := a.reader.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(strings.TrimSpace(label), ":"), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// printIdentity writes the snapshot's identity as JSON, or a short note when
// anonymous.
func (a *app) printIdentity(s authsession.Snapshot) error {
	if !s.Authenticated() {
		_, err := fmt.Fprintln(a.stdout, "not signed in")
		return err
	}
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(s.Identity)
}

func (a *app) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.Timeout)
}

// mutationError converts a Provider error into what the user should read.
func (a *app) mutationError(ctx context.Context, op string, err error) error {
	a.logger.DebugContext(ctx, "mutation failed", "op", op, "error", err)
	return fmt.Errorf("%s: %s", op, authsession.UserMessage(err))
}
