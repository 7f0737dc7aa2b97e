package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	authsession "github.com/chimerakang/authsession-go"
	"github.com/chimerakang/authsession-go/fake"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func runLogin(ctx context.Context, a *app, args []string) error {
	fs, envFile := a.flagSet("login", "login --user <name|email> [--password <password>]")
	user := fs.StringP("user", "u", "", "username or email")
	password := fs.StringP("password", "p", "", "password (prompted when omitted)")
	if ok, err := a.parse(fs, envFile, args); !ok {
		return err
	}

	if *user == "" {
		v, err := a.prompt("Username or email: ")
		if err != nil {
			return err
		}
		*user = v
	}
	if *password == "" {
		v, err := a.prompt("Password: ")
		if err != nil {
			return err
		}
		*password = v
	}

	p, err := a.provider()
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if _, err := p.Login(ctx, authsession.Credential{UsernameOrEmail: *user, Password: *password}); err != nil {
		return a.mutationError(ctx, "login", err)
	}
	s, err := p.AwaitConfirmation(ctx)
	if err != nil && s.Phase == authsession.PhaseFailed {
		return a.mutationError(ctx, "login", err)
	}
	if err != nil {
		a.logger.WarnContext(ctx, "sign-in not yet confirmed", "error", err)
	}
	return a.printIdentity(s)
}

func runRegister(ctx context.Context, a *app, args []string) error {
	fs, envFile := a.flagSet("register", "register --username <name> --phone <phone> [flags]")
	var reg authsession.Registration
	fs.StringVar(&reg.Username, "username", "", "username")
	fs.StringVar(&reg.Password, "password", "", "password (prompted when omitted)")
	fs.StringVar(&reg.ConfirmPassword, "confirm-password", "", "password confirmation (prompted when omitted)")
	fs.StringVar(&reg.Phone, "phone", "", "phone number")
	fs.StringVar(&reg.Email, "email", "", "email address")
	fs.StringVar(&reg.DisplayName, "display-name", "", "display name")
	if ok, err := a.parse(fs, envFile, args); !ok {
		return err
	}

	if reg.Password == "" {
		v, err := a.prompt("Password: ")
		if err != nil {
			return err
		}
		reg.Password = v
	}
	if reg.ConfirmPassword == "" {
		v, err := a.prompt("Confirm password: ")
		if err != nil {
			return err
		}
		reg.ConfirmPassword = v
	}

	p, err := a.provider()
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if _, err := p.Register(ctx, reg); err != nil {
		return a.mutationError(ctx, "register", err)
	}
	s, err := p.AwaitConfirmation(ctx)
	if err != nil && s.Phase == authsession.PhaseFailed {
		return a.mutationError(ctx, "register", err)
	}
	return a.printIdentity(s)
}

func runLogout(ctx context.Context, a *app, args []string) error {
	fs, envFile := a.flagSet("logout", "logout")
	if ok, err := a.parse(fs, envFile, args); !ok {
		return err
	}

	p, err := a.provider()
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if err := p.Logout(ctx); err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.stdout, "signed out")
	return err
}

func runWhoami(ctx context.Context, a *app, args []string) error {
	fs, envFile := a.flagSet("whoami", "whoami")
	if ok, err := a.parse(fs, envFile, args); !ok {
		return err
	}

	p, err := a.provider()
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	s, err := p.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("whoami: %s", authsession.UserMessage(err))
	}
	return a.printIdentity(s)
}

func runServeFake(ctx context.Context, a *app, args []string) error {
	fs, envFile := a.flagSet("serve-fake", "serve-fake [--addr :8080] [--user name:password[:admin]]...")
	addr := fs.String("addr", ":8080", "listen address")
	users := fs.StringArray("user", []string{"alice:correct"}, "seed account as name:password or name:password:admin (repeatable)")
	lag := fs.Int("lag", 0, "identity probes that report anonymous after each sign-in")
	latency := fs.Duration("latency", 0, "delay added to every request")
	ttl := fs.Duration("session-ttl", fake.DefaultSessionTTL, "session lifetime")
	signed := fs.Bool("jwt", false, "issue RS256 JWT session artifacts and publish "+fake.JWKSPath)
	if ok, err := a.parse(fs, envFile, args); !ok {
		return err
	}

	opts, err := serverOptions(*users, *lag, *latency, *ttl, *signed)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", fake.NewServer(opts...))
	if a.cfg.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("fake identity endpoint listening", "addr", *addr, "accounts", len(*users), "jwt", *signed)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.logger.Info("shutting down fake identity endpoint")
	return srv.Shutdown(shutdownCtx)
}

// serverOptions turns serve-fake flags into fake.Server options.
func serverOptions(users []string, lag int, latency, ttl time.Duration, signed bool) ([]fake.ServerOption, error) {
	backend := []fake.Option{fake.WithPropagationLag(lag), fake.WithLatency(latency)}
	for i, acct := range users {
		id, password, err := parseAccount(acct, i+1)
		if err != nil {
			return nil, err
		}
		backend = append(backend, fake.WithUser(id, password))
	}

	opts := []fake.ServerOption{fake.WithBackend(backend...), fake.WithSessionTTL(ttl)}
	if signed {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		opts = append(opts, fake.WithSigningKey("fake-1", key, "authsession-fake"))
	}
	return opts, nil
}

// parseAccount parses name:password[:admin].
func parseAccount(acct string, n int) (authsession.Identity, string, error) {
	parts := strings.Split(acct, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return authsession.Identity{}, "", fmt.Errorf("account %q: want name:password[:admin]", acct)
	}
	id := authsession.Identity{
		ID:       fmt.Sprintf("u%d", n),
		Username: parts[0],
		Email:    parts[0] + "@example.com",
	}
	if len(parts) == 3 {
		if parts[2] != "admin" {
			return authsession.Identity{}, "", fmt.Errorf("account %q: unknown role %q", acct, parts[2])
		}
		id.IsAdmin = true
	}
	return id, parts[1], nil
}
