package fake

import (
	"crypto/rsa"
	"net/http"
	"strings"
	"sync"
	"time"

	authsession "github.com/chimerakang/authsession-go"
	"github.com/chimerakang/authsession-go/jwks"
	"github.com/chimerakang/authsession-go/session"
	"github.com/chimerakang/authsession-go/validation"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Server defaults.
const (
	CookieName        = "session_id"
	JWKSPath          = "/.well-known/jwks.json"
	DefaultSessionTTL = 24 * time.Hour
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithBackend applies backend options (users, latency, failures, lag).
func WithBackend(opts ...Option) ServerOption {
	return func(s *Server) {
		for _, o := range opts {
			o(s.state)
		}
	}
}

// WithSessionTTL sets the lifetime of issued sessions.
func WithSessionTTL(d time.Duration) ServerOption {
	return func(s *Server) { s.ttl = d }
}

// WithSigningKey issues RS256-signed JWT session artifacts and publishes the
// public key at JWKSPath.
func WithSigningKey(kid string, key *rsa.PrivateKey, issuer string) ServerOption {
	return func(s *Server) {
		s.kid = kid
		s.key = key
		s.issuer = issuer
	}
}

// Server is a fake identity endpoint. It accepts the session artifact from
// either the session cookie or the X-Session-ID header.
type Server struct {
	state  *state
	router *gin.Engine
	ttl    time.Duration

	kid    string
	key    *rsa.PrivateKey
	issuer string

	mu       sync.Mutex
	sessions map[string]*serverSession // artifact → session
}

type serverSession struct {
	userID    string
	expiresAt time.Time
	lag       int
}

type envelope struct {
	User      *authsession.Identity `json:"user"`
	SessionID string                `json:"sessionId,omitempty"`
	ExpiresAt *time.Time            `json:"expiresAt,omitempty"`
}

// NewServer creates a fake identity endpoint.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		state:    newState(nil),
		ttl:      DefaultSessionTTL,
		sessions: make(map[string]*serverSession),
	}
	for _, o := range opts {
		o(s)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	id := r.Group("/identity")
	id.POST("/login", s.handleLogin)
	id.POST("/register", s.handleRegister)
	id.POST("/logout", s.handleLogout)
	id.GET("/current", s.handleCurrent)
	if s.key != nil {
		r.GET(JWKSPath, s.handleJWKS)
	}
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Calls returns how many requests reached op.
func (s *Server) Calls(op Op) int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.calls[op]
}

// Fail makes op respond with 503 carrying err's message; nil clears it.
func (s *Server) Fail(op Op, err error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if err == nil {
		delete(s.state.failures, op)
		return
	}
	s.state.failures[op] = err
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ExpireAll drops every session.
func (s *Server) ExpireAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.sessions)
}

// begin counts the request, applies latency and injected failures. It
// returns false when the response has already been written.
func (s *Server) begin(c *gin.Context, op Op) bool {
	if err := s.state.enter(op); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return false
	}
	if err := s.state.wait(c.Request.Context()); err != nil {
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (s *Server) handleLogin(c *gin.Context) {
	if !s.begin(c, OpLogin) {
		return
	}

	var cred authsession.Credential
	if err := c.ShouldBindJSON(&cred); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	s.state.mu.Lock()
	a := s.state.find(cred.UsernameOrEmail)
	ok := a != nil && a.password == cred.Password
	var id authsession.Identity
	if ok {
		id = a.identity
	}
	s.state.mu.Unlock()

	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}
	s.establish(c, http.StatusOK, id)
}

func (s *Server) handleRegister(c *gin.Context) {
	if !s.begin(c, OpRegister) {
		return
	}

	var reg authsession.Registration
	if err := c.ShouldBindJSON(&reg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}
	switch {
	case strings.TrimSpace(reg.Username) == "" || reg.Password == "":
		c.JSON(http.StatusBadRequest, gin.H{"message": "username and password are required"})
		return
	case !validation.ValidPhone(reg.Phone):
		c.JSON(http.StatusBadRequest, gin.H{"message": "phone must be a valid phone number"})
		return
	}

	s.state.mu.Lock()
	if s.state.taken(reg.Username) {
		s.state.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"message": "username already taken"})
		return
	}
	reg.Phone = validation.NormalizePhone(reg.Phone)
	id := s.state.create(reg).identity
	s.state.mu.Unlock()

	s.establish(c, http.StatusCreated, id)
}

// establish opens a session and returns it through the cookie, the header
// and the body.
func (s *Server) establish(c *gin.Context, status int, id authsession.Identity) {
	expiresAt := time.Now().Add(s.ttl).UTC().Truncate(time.Second)
	artifact, err := s.issue(id.ID, expiresAt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue session"})
		return
	}

	s.state.mu.Lock()
	lag := s.state.lag
	s.state.mu.Unlock()

	s.mu.Lock()
	s.sessions[artifact] = &serverSession{userID: id.ID, expiresAt: expiresAt, lag: lag}
	s.mu.Unlock()

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, artifact, int(s.ttl.Seconds()), "/", "", false, true)
	c.Header(session.DefaultHeader, artifact)
	c.JSON(status, envelope{User: &id, SessionID: artifact, ExpiresAt: &expiresAt})
}

func (s *Server) issue(userID string, expiresAt time.Time) (string, error) {
	if s.key == nil {
		return uuid.NewString(), nil
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}

func (s *Server) handleLogout(c *gin.Context) {
	if !s.begin(c, OpLogout) {
		return
	}

	if artifact := artifactFrom(c); artifact != "" {
		s.mu.Lock()
		delete(s.sessions, artifact)
		s.mu.Unlock()
	}
	c.SetCookie(CookieName, "", -1, "/", "", false, true)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCurrent(c *gin.Context) {
	if !s.begin(c, OpCurrent) {
		return
	}

	userID, ok := s.lookup(artifactFrom(c))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	s.state.mu.Lock()
	a, found := s.state.accounts[userID]
	var id authsession.Identity
	if found {
		id = a.identity
	}
	s.state.mu.Unlock()

	if !found {
		c.JSON(http.StatusOK, envelope{})
		return
	}
	c.JSON(http.StatusOK, envelope{User: &id})
}

// lookup resolves a live session, consuming one unit of propagation lag.
func (s *Server) lookup(artifact string) (string, bool) {
	if artifact == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[artifact]
	if !ok {
		return "", false
	}
	if time.Now().After(sess.expiresAt) {
		delete(s.sessions, artifact)
		return "", false
	}
	if sess.lag > 0 {
		sess.lag--
		return "", false
	}
	return sess.userID, true
}

func (s *Server) handleJWKS(c *gin.Context) {
	c.JSON(http.StatusOK, jwks.KeySet{Keys: []jwks.Key{jwks.PublicKey(s.kid, &s.key.PublicKey)}})
}

// artifactFrom prefers the explicit header over the cookie.
func artifactFrom(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader(session.DefaultHeader)); v != "" {
		return v
	}
	v, _ := c.Cookie(CookieName)
	return v
}
