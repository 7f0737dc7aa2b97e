package authsession

import "time"

// Identity is the authenticated user's resolved profile.
type Identity struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	IsAdmin     bool   `json:"isAdmin,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

// Credential is the input to a login. It is never persisted.
type Credential struct {
	UsernameOrEmail string `json:"usernameOrEmail"`
	Password        string `json:"password"`
}

// Registration holds the details submitted when creating an account.
type Registration struct {
	Username        string `json:"username" validate:"required"`
	Password        string `json:"password" validate:"required"`
	ConfirmPassword string `json:"-" validate:"required,eqfield=Password"`
	Phone           string `json:"phone" validate:"required,loosephone"`
	Email           string `json:"email,omitempty" validate:"omitempty,email"`
	DisplayName     string `json:"displayName,omitempty"`
}

// Artifact is the opaque server-issued session token or cookie value.
type Artifact struct {
	Value     string
	ExpiresAt time.Time // zero when the server does not say
}

// ArtifactClaims are the claims extracted from a verifiable artifact.
type ArtifactClaims struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// ExecutionContext selects how the session artifact travels with requests.
type ExecutionContext string

const (
	// ContextBrowser is same-origin execution: the cookie jar carries the session.
	ContextBrowser ExecutionContext = "browser"
	// ContextEmbedded is the cross-origin native wrapper: the artifact is sent as a header.
	ContextEmbedded ExecutionContext = "embedded"
)

// Valid reports whether c is a known execution context.
func (c ExecutionContext) Valid() bool {
	return c == ContextBrowser || c == ContextEmbedded
}

// Status is the resolved identity state.
type Status int

const (
	// StatusUnknown means the identity has never been determined.
	StatusUnknown Status = iota
	// StatusAnonymous means the server confirmed there is no identity.
	StatusAnonymous
	// StatusAuthenticated means an identity is cached.
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusAnonymous:
		return "anonymous"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Phase is the lifecycle position of the most recent login or register.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePending
	PhaseOptimistic // transport succeeded, confirmation re-fetch scheduled
	PhaseConfirmed
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseOptimistic:
		return "optimistic"
	case PhaseConfirmed:
		return "confirmed"
	case PhaseFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Snapshot is a point-in-time view of the Provider's state.
type Snapshot struct {
	Status    Status
	Identity  *Identity
	Loading   bool
	Phase     Phase
	FetchedAt time.Time
	Err       error // last mutation error, nil after success
}

// Authenticated reports whether the snapshot carries an identity.
func (s Snapshot) Authenticated() bool {
	return s.Status == StatusAuthenticated && s.Identity != nil
}

// AuditEvent describes a session lifecycle event for an Auditor.
type AuditEvent struct {
	Timestamp time.Time
	Action    string // login, register, logout, probe, confirm
	Result    string // success, failure, denied
	UserID    string
	Context   ExecutionContext
	Details   string
	Err       error
}
