package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthenticateMissingCredentialsIsNotAnError(t *testing.T) {
	m := NewManager("secret", []string{"key-1"})
	r := httptest.NewRequest(http.MethodGet, "/chat", nil)

	id, err := m.Authenticate(r)
	require.NoError(t, err)
	require.False(t, id.Authenticated)
}

func TestAuthenticateValidAPIKey(t *testing.T) {
	m := NewManager("secret", []string{"key-1", "key-2"})
	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r.Header.Set("X-API-Key", "key-2")

	id, err := m.Authenticate(r)
	require.NoError(t, err)
	require.True(t, id.Authenticated)
}

func TestAuthenticateInvalidAPIKey(t *testing.T) {
	m := NewManager("secret", []string{"key-1"})
	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r.Header.Set("X-API-Key", "wrong")

	_, err := m.Authenticate(r)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateValidJWT(t *testing.T) {
	m := NewManager("secret", nil)
	token, err := m.GenerateJWT("user-1", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	id, err := m.Authenticate(r)
	require.NoError(t, err)
	require.True(t, id.Authenticated)
	require.Equal(t, "user-1", id.UserID)
}

func TestAuthenticateExpiredJWT(t *testing.T) {
	m := NewManager("secret", nil)
	token, err := m.GenerateJWT("user-1", -time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	_, err = m.Authenticate(r)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateMalformedBearerHeader(t *testing.T) {
	m := NewManager("secret", nil)
	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r.Header.Set("Authorization", "Basic abcdef")

	_, err := m.Authenticate(r)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}
