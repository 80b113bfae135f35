package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/pkg/jwt"
)

type slowIssuer struct {
	delay time.Duration
}

func (s slowIssuer) Verify(ctx context.Context, token string) (domain.Identity, error) {
	select {
	case <-time.After(s.delay):
		return domain.Identity{UserID: "u1", Username: "alice"}, nil
	case <-ctx.Done():
		return domain.Identity{}, ctx.Err()
	}
}

func newJWTAuthenticator(t *testing.T) (*Authenticator, *jwt.Manager) {
	t.Helper()
	manager, err := jwt.NewManager("test-secret", "", time.Hour)
	require.NoError(t, err)
	return NewAuthenticator(NewJWTIssuer(manager), time.Second), manager
}

func requireAuthError(t *testing.T, err error, reason string) {
	t.Helper()
	var authErr *domain.AuthenticationError
	require.True(t, errors.As(err, &authErr), "expected AuthenticationError, got %v", err)
	require.Equal(t, reason, authErr.Reason)
}

func TestAuthenticator_ValidBearerHeader(t *testing.T) {
	req := require.New(t)
	a, manager := newJWTAuthenticator(t)
	token, _, err := manager.GenerateToken("u1", "alice")
	req.NoError(err)

	// Given a request carrying a valid bearer header
	r := httptest.NewRequest(http.MethodGet, "/chat/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	// When it is authenticated
	res, err := a.Authenticate(context.Background(), r)

	// Then the identity comes from the token
	req.NoError(err)
	req.Equal(domain.Identity{UserID: "u1", Username: "alice"}, res.Identity)
	req.Empty(res.Subprotocol)
}

func TestAuthenticator_ValidQueryToken(t *testing.T) {
	req := require.New(t)
	a, manager := newJWTAuthenticator(t)
	token, _, err := manager.GenerateToken("u2", "bob")
	req.NoError(err)

	r := httptest.NewRequest(http.MethodGet, "/chat/ws?token="+token, nil)

	res, err := a.Authenticate(context.Background(), r)

	req.NoError(err)
	req.Equal("u2", res.Identity.UserID)
}

func TestAuthenticator_ValidSubprotocolToken(t *testing.T) {
	req := require.New(t)
	a, manager := newJWTAuthenticator(t)
	token, _, err := manager.GenerateToken("u3", "carol")
	req.NoError(err)

	r := httptest.NewRequest(http.MethodGet, "/chat/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "bearer, "+token)

	res, err := a.Authenticate(context.Background(), r)

	req.NoError(err)
	req.Equal("u3", res.Identity.UserID)
	req.Equal(SubprotocolBearer, res.Subprotocol)
}

func TestAuthenticator_MissingCredential(t *testing.T) {
	a, _ := newJWTAuthenticator(t)
	r := httptest.NewRequest(http.MethodGet, "/chat/ws", nil)

	_, err := a.Authenticate(context.Background(), r)

	requireAuthError(t, err, domain.ReasonMissingCredential)
}

func TestAuthenticator_InvalidCredential(t *testing.T) {
	a, _ := newJWTAuthenticator(t)

	// Given tokens that are garbage, signed with another secret, or expired
	other, err := jwt.NewManager("other-secret", "", time.Hour)
	require.NoError(t, err)
	foreign, _, err := other.GenerateToken("u1", "alice")
	require.NoError(t, err)
	sameSecretExpired, err := jwt.NewManager("test-secret", "", -time.Minute)
	require.NoError(t, err)
	expired, _, err := sameSecretExpired.GenerateToken("u1", "alice")
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage": "not-a-jwt",
		"foreign": foreign,
		"expired": expired,
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/chat/ws", nil)
			r.Header.Set("Authorization", "Bearer "+token)

			_, err := a.Authenticate(context.Background(), r)

			requireAuthError(t, err, domain.ReasonInvalidCredential)
		})
	}
}

func TestAuthenticator_SlowIssuerTimesOut(t *testing.T) {
	req := require.New(t)
	a := NewAuthenticator(slowIssuer{delay: time.Second}, 50*time.Millisecond)

	r := httptest.NewRequest(http.MethodGet, "/chat/ws?token=abc", nil)

	start := time.Now()
	_, err := a.Authenticate(context.Background(), r)

	requireAuthError(t, err, domain.ReasonTimedOut)
	req.Less(time.Since(start), 500*time.Millisecond)
}

func TestExtractCredential_HeaderWinsOverQuery(t *testing.T) {
	req := require.New(t)
	r := httptest.NewRequest(http.MethodGet, "/chat/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")

	token, sub := ExtractCredential(r)

	req.Equal("from-header", token)
	req.Empty(sub)
}
