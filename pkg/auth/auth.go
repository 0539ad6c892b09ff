// Package auth issues and verifies the bearer tokens that identify callers.
// The verified subject is what the rate limiter and the cache key on; the
// token text itself never reaches a key.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Token types carried in the "type" claim.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// Roles
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrMissingToken       = errors.New("missing bearer token")
)

// User is an account known to the service.
type User struct {
	Username     string
	Email        string
	PasswordHash string
	Role         string
	Active       bool
}

// UserStore looks accounts up by username.
type UserStore interface {
	Lookup(username string) (User, bool)
}

// StaticUsers is a fixed in-memory UserStore.
type StaticUsers map[string]User

// Lookup implements UserStore.
func (s StaticUsers) Lookup(username string) (User, bool) {
	u, ok := s[username]
	return u, ok
}

// DefaultUsers returns the two demo accounts, both with password "secret".
func DefaultUsers() StaticUsers {
	const secretHash = "$2b$12$EixZaYVK1fsbw1ZfbX3OXePaWxn96p36WQoeG6Lruj3vjPGga31lW"
	return StaticUsers{
		"admin": {Username: "admin", Email: "admin@chatbot.com", PasswordHash: secretHash, Role: RoleAdmin, Active: true},
		"user1": {Username: "user1", Email: "user1@chatbot.com", PasswordHash: secretHash, Role: RoleUser, Active: true},
	}
}

// Principal is a verified caller.
type Principal struct {
	Subject string
	Role    string
}

// HasRole reports whether p may act as role. Admins may act as anyone.
func (p Principal) HasRole(role string) bool {
	return p.Role == role || p.Role == RoleAdmin
}

// Claims is the JWT payload.
type Claims struct {
	Role string `json:"role,omitempty"`
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// TokenPair is returned on login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Manager signs and verifies HS256 tokens.
type Manager struct {
	secret     []byte
	users      UserStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithUsers sets the account store
func WithUsers(users UserStore) Option {
	return func(m *Manager) {
		m.users = users
	}
}

// WithAccessTTL sets the access token lifetime
func WithAccessTTL(d time.Duration) Option {
	return func(m *Manager) {
		m.accessTTL = d
	}
}

// WithRefreshTTL sets the refresh token lifetime
func WithRefreshTTL(d time.Duration) Option {
	return func(m *Manager) {
		m.refreshTTL = d
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager. Access tokens live 30 minutes and refresh
// tokens 7 days unless overridden.
func NewManager(secret string, opts ...Option) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	m := &Manager{
		secret:     []byte(secret),
		users:      DefaultUsers(),
		accessTTL:  30 * time.Minute,
		refreshTTL: 7 * 24 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Authenticate checks a username and password.
func (m *Manager) Authenticate(username, password string) (User, error) {
	u, ok := m.users.Lookup(username)
	if !ok || !u.Active {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Login authenticates and issues a token pair.
func (m *Manager) Login(username, password string) (TokenPair, error) {
	u, err := m.Authenticate(username, password)
	if err != nil {
		return TokenPair{}, err
	}
	return m.Issue(Principal{Subject: u.Username, Role: u.Role})
}

// Issue signs an access and a refresh token for p.
func (m *Manager) Issue(p Principal) (TokenPair, error) {
	access, err := m.sign(p, TokenAccess, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.sign(p, TokenRefresh, m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(m.accessTTL.Seconds()),
	}, nil
}

// Refresh exchanges a refresh token for a new pair.
func (m *Manager) Refresh(refreshToken string) (TokenPair, error) {
	p, err := m.Verify(refreshToken, TokenRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	return m.Issue(p)
}

func (m *Manager) sign(p Principal, typ string, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		Role: p.Role,
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// Verify parses token and checks its signature, expiry and type. Accounts
// that were removed or deactivated since issue are rejected.
func (m *Manager) Verify(token, typ string) (Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != typ {
		return Principal{}, fmt.Errorf("%w: expected %s token, got %q", ErrInvalidToken, typ, claims.Type)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if u, ok := m.users.Lookup(claims.Subject); !ok || !u.Active {
		return Principal{}, fmt.Errorf("%w: unknown user", ErrInvalidToken)
	}
	return Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

type principalKey struct{}

// NewContext returns ctx carrying p.
func NewContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by NewContext.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// UserID returns the subject of the principal in ctx, or "".
func UserID(ctx context.Context) string {
	p, _ := FromContext(ctx)
	return p.Subject
}
