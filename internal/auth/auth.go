// ABOUTME: Connection authentication: bearer tokens and password login
// ABOUTME: Verifies JWTs, bcrypt passwords, and env-provided shared secrets

package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Environment fallbacks, honored when no credentials are configured.
const (
	EnvToken    = "MOLTIS_TOKEN"
	EnvPassword = "MOLTIS_PASSWORD"
)

// DefaultTokenTTL is the lifetime of issued session tokens.
const DefaultTokenTTL = 30 * 24 * time.Hour

var (
	// ErrUnauthenticated covers every failed credential check. The cause is
	// logged server-side, never sent to the client.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNoCredentials means the gateway has no token secret, no password
	// hash, and no environment fallback, so nothing can authenticate.
	ErrNoCredentials = errors.New("no credentials configured")
)

// Config carries the configured credential material.
type Config struct {
	// TokenSecret signs and verifies issued JWTs. Empty disables tokens
	// unless MOLTIS_TOKEN provides a shared secret.
	TokenSecret string
	// PasswordHash is a bcrypt hash accepted for password login. Empty
	// disables passwords unless MOLTIS_PASSWORD is set (compared plain).
	PasswordHash string
	// TokenTTL overrides DefaultTokenTTL when positive.
	TokenTTL time.Duration
}

// Manager validates connect credentials and issues session tokens.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	cfg      Config
	onChange []func()
}

// New creates a Manager.
func New(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	return &Manager{cfg: cfg, logger: logger.With("component", "auth")}
}

// Required reports whether any credential is configured. With nothing
// configured the gateway accepts unauthenticated local connections.
func (m *Manager) Required() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.TokenSecret != "" || m.cfg.PasswordHash != "" ||
		os.Getenv(EnvToken) != "" || os.Getenv(EnvPassword) != ""
}

// VerifyToken checks a bearer token: first the environment shared secret,
// then JWT signature and expiry.
func (m *Manager) VerifyToken(token string) error {
	if token == "" {
		return ErrUnauthenticated
	}

	if env := os.Getenv(EnvToken); env != "" && token == env {
		return nil
	}

	m.mu.RLock()
	secret := m.cfg.TokenSecret
	m.mu.RUnlock()
	if secret == "" {
		return ErrUnauthenticated
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		m.logger.Debug("token verification failed", "error", err)
		return ErrUnauthenticated
	}
	return nil
}

// VerifyPassword checks a password against the bcrypt hash, falling back to
// the environment password.
func (m *Manager) VerifyPassword(password string) error {
	if password == "" {
		return ErrUnauthenticated
	}

	m.mu.RLock()
	hash := m.cfg.PasswordHash
	m.mu.RUnlock()

	if hash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err == nil {
			return nil
		}
		return ErrUnauthenticated
	}

	if env := os.Getenv(EnvPassword); env != "" && password == env {
		return nil
	}
	return ErrUnauthenticated
}

// IssueToken mints a signed session token after a successful password
// login, so clients can reconnect without re-entering the password.
func (m *Manager) IssueToken(subject string) (string, error) {
	m.mu.RLock()
	secret := m.cfg.TokenSecret
	ttl := m.cfg.TokenTTL
	m.mu.RUnlock()

	if secret == "" {
		return "", ErrNoCredentials
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// HashPassword produces a bcrypt hash suitable for the config file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// SetCredentials replaces the credential material and fires the change
// callbacks. Existing connections must re-authenticate.
func (m *Manager) SetCredentials(tokenSecret, passwordHash string) {
	m.mu.Lock()
	m.cfg.TokenSecret = tokenSecret
	m.cfg.PasswordHash = passwordHash
	callbacks := make([]func(), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()

	m.logger.Info("credentials changed")
	for _, cb := range callbacks {
		cb()
	}
}

// OnChange registers a callback fired after every credential change.
func (m *Manager) OnChange(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, cb)
}
