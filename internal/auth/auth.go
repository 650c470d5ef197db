// Package auth implements the optional interface-level auth of
// spec.md §8.8: API-key allowlist (constant-time compare) or JWT
// HS256 bearer tokens. Grounded on the teacher's
// go-server/internal/auth/jwt.go (Claims/JWTManager shape, HS256
// signing, Authorization-header extraction), retargeted from
// WebSocket-upgrade auth to a plain HTTP middleware.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Claims mirrors the teacher's JWT claims shape, narrowed to what
// spec.md §8.8 needs: a user_id exposed to rate limiting and event
// metadata.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Manager validates both API keys and JWTs.
type Manager struct {
	secret  []byte
	apiKeys map[string]struct{}
}

func NewManager(jwtSecret string, apiKeys []string) *Manager {
	m := &Manager{secret: []byte(jwtSecret), apiKeys: make(map[string]struct{}, len(apiKeys))}
	for _, k := range apiKeys {
		if k != "" {
			m.apiKeys[k] = struct{}{}
		}
	}
	return m
}

// Identity is what a verified request yields: the user id if any, and
// whether verification happened at all.
type Identity struct {
	UserID        string
	Authenticated bool
}

// Authenticate checks X-API-Key first, then Authorization: Bearer,
// per spec.md §8.8. When neither header is present, it returns a zero
// Identity and no error — auth is optional; callers decide whether to
// require it per-route.
func (m *Manager) Authenticate(r *http.Request) (Identity, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		if m.checkAPIKey(key) {
			return Identity{Authenticated: true}, nil
		}
		return Identity{}, ErrInvalidCredentials
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return Identity{}, nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return Identity{}, ErrInvalidCredentials
	}
	token := strings.TrimPrefix(authHeader, bearerPrefix)

	claims, err := m.verifyJWT(token)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{UserID: claims.UserID, Authenticated: true}, nil
}

// checkAPIKey compares key against the allowlist in constant time per
// key, so a timing side channel can't distinguish "no match" from
// "close match" (spec.md §8.8 "constant-time compared").
func (m *Manager) checkAPIKey(key string) bool {
	for allowed := range m.apiKeys {
		if len(allowed) == len(key) && subtle.ConstantTimeCompare([]byte(allowed), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func (m *Manager) verifyJWT(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// GenerateJWT issues an HS256 token, used by tests and any internal
// tooling that mints tokens on the service's behalf.
func (m *Manager) GenerateJWT(userID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}
