// authsession is a command-line client for an identity endpoint. It signs in,
// registers, signs out and reports the current identity through the same
// Provider a UI would use, and can run an in-process fake identity server for
// local experiments.
//
// The embedded context (the default) persists the session artifact in
// AUTHSESSION_TOKEN_FILE and sends it as the X-Session-ID header, so a
// session survives across invocations. The browser context is rejected by
// the client commands because its cookie jar lives only as long as the
// process.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if err != errUsage {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

// command is a CLI subcommand.
type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"login", "sign in with a username or email and password", runLogin},
	{"register", "create an account and sign in", runRegister},
	{"logout", "end the current session", runLogout},
	{"whoami", "print the current identity", runWhoami},
	{"serve-fake", "run a fake identity endpoint", runServeFake},
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errUsage
	}
	switch args[0] {
	case "-h", "--help", "help":
		printUsage(stdout)
		return nil
	}

	cmd, ok := lookup(args[0])
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return errUsage
	}

	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	return cmd.run(ctx, a, args[1:])
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage:\n  authsession <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-11s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, `
Environment:
  AUTHSESSION_ENDPOINT    identity endpoint base URL (default http://localhost:8080)
  AUTHSESSION_CONTEXT     embedded (default); browser is rejected by the client commands
  AUTHSESSION_TOKEN_FILE  where the embedded context keeps its session
  AUTHSESSION_CACHE_TTL   identity cache lifetime (default 5m)
  AUTHSESSION_TIMEOUT     overall command timeout (default 15s)
  AUTHSESSION_JWKS_URL    verify JWT session artifacts against this key set
  AUTHSESSION_ISSUER      expected issuer of JWT session artifacts
  AUTHSESSION_METRICS     register Prometheus metrics (default false)
  LOG_LEVEL               debug, info, warn or error (default info)

Run "authsession <command> --help" for command flags.
`)
}
