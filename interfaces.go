package authsession

import (
	"context"
	"net/http"
)

// Transport performs network calls against the identity endpoint.
// Implementations: credential/ (HTTP), fake/ (testing).
type Transport interface {
	// Login submits a credential and returns the resolved identity plus any session artifact.
	Login(ctx context.Context, cred Credential) (*Identity, *Artifact, error)

	// Register creates an account. Input is validated before any network call.
	Register(ctx context.Context, reg Registration) (*Identity, *Artifact, error)

	// Logout ends the server session. Local artifacts are dropped even when it fails.
	Logout(ctx context.Context) error

	// FetchCurrent probes the current identity. A nil identity with a nil error means anonymous.
	FetchCurrent(ctx context.Context) (*Identity, error)
}

// Attacher propagates the session artifact on outgoing requests.
// Implementations: session.CookieAttacher, session.HeaderAttacher.
type Attacher interface {
	// Prepare decorates an outgoing request with the session artifact, if any.
	Prepare(req *http.Request) error

	// Capture records the artifact issued by the server.
	// artifact is nil when the response body carried none.
	Capture(resp *http.Response, artifact *Artifact) error

	// Clear forgets the artifact.
	Clear() error

	// Client returns the HTTP client requests should go through.
	Client() *http.Client
}

// TokenSource exposes the stored artifact to non-HTTP transports.
type TokenSource interface {
	Token() (string, bool)
}

// ArtifactVerifier validates a session artifact and extracts its claims.
// Implementations: jwks/.
type ArtifactVerifier interface {
	Verify(ctx context.Context, artifact string) (*ArtifactClaims, error)
}

// Auditor receives session lifecycle events. Implementations should not block.
type Auditor interface {
	Record(event AuditEvent)
}

// SnapshotSource is implemented by anything that can report the current identity state.
type SnapshotSource interface {
	Snapshot() Snapshot
}

// Prober resolves an unknown identity state with a network probe.
type Prober interface {
	Current(ctx context.Context) Snapshot
}
