// Package opstatus is the operator status/auth surface: a small HTTP+
// WebSocket server that authenticates an operator with a bcrypt-checked
// password, issues a JWT, and streams the Session Manager's event feed
// (internal/session) to any connected dashboard — the supplemented
// "operator status/auth surface" feature.
//
// Grounded on Protei_Monitoring/bin/pkg/auth/auth.go's Service/Claims/
// Session shape (JWT HS256 signing, session-cache-then-parse validation,
// bcrypt password checks) and pkg/web/server.go's requireAuth middleware
// and WebSocket broadcast loop, narrowed to the one role this daemon
// actually needs: a single operator account rather than a full RBAC model.
package opstatus

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Claims is the JWT payload issued on successful login.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidCredentials = errors.New("opstatus: invalid credentials")
	ErrInvalidToken       = errors.New("opstatus: invalid token")
	ErrTokenExpired       = errors.New("opstatus: token expired")
)

// AuthConfig configures the single operator account this surface serves.
type AuthConfig struct {
	Username     string
	PasswordHash string // bcrypt hash
	JWTSecret    string
	TokenExpiry  time.Duration
}

// authService issues and validates JWTs for the one configured operator
// account, caching validated tokens the way the teacher's auth.Service
// does to avoid re-parsing the JWT on every request.
type authService struct {
	cfg      AuthConfig
	sessions map[string]time.Time
}

func newAuthService(cfg AuthConfig) *authService {
	if cfg.TokenExpiry <= 0 {
		cfg.TokenExpiry = time.Hour
	}
	return &authService{cfg: cfg, sessions: make(map[string]time.Time)}
}

// Login checks username/password and issues a signed token.
func (a *authService) Login(username, password string) (string, error) {
	if username != a.cfg.Username {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.cfg.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	expiresAt := time.Now().Add(a.cfg.TokenExpiry)
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("opstatus: sign token: %w", err)
	}
	a.sessions[signed] = expiresAt
	return signed, nil
}

// ValidateToken reports whether token is a live, unexpired session.
func (a *authService) ValidateToken(token string) (string, error) {
	if expiresAt, ok := a.sessions[token]; ok {
		if time.Now().After(expiresAt) {
			delete(a.sessions, token)
			return "", ErrTokenExpired
		}
		return a.cfg.Username, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	a.sessions[token] = claims.ExpiresAt.Time
	return claims.Username, nil
}

// Logout invalidates a cached session token.
func (a *authService) Logout(token string) {
	delete(a.sessions, token)
}

// HashPassword bcrypt-hashes a plaintext operator password for storage in
// configuration, mirroring the teacher's auth.Service.HashPassword helper.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("opstatus: hash password: %w", err)
	}
	return string(hash), nil
}
