package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vhm24-loyalty/pkg/config"
)

func newAuthenticator(t *testing.T, secret string) *Authenticator {
	t.Helper()
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = secret
	cfg.Auth.Issuer = "vhm24"
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(&config.Config{})
	require.Error(t, err)
}

func TestIssueAndVerify(t *testing.T) {
	a := newAuthenticator(t, "0123456789abcdef0123456789abcdef")

	token, err := a.Issue(Principal{Subject: "acc-1", Role: RoleCustomer}, time.Hour)
	require.NoError(t, err)

	p, err := a.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "acc-1", p.Subject)
	require.Equal(t, RoleCustomer, p.Role)
}

func TestVerifyRejects(t *testing.T) {
	a := newAuthenticator(t, "0123456789abcdef0123456789abcdef")
	other := newAuthenticator(t, "fedcba9876543210fedcba9876543210")

	_, err := a.Verify("")
	require.ErrorIs(t, err, ErrMissingToken)

	_, err = a.Verify("not-a-jwt")
	require.ErrorIs(t, err, ErrInvalidToken)

	forged, err := other.Issue(Principal{Subject: "acc-1", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(forged)
	require.ErrorIs(t, err, ErrInvalidToken)

	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := a.Issue(Principal{Subject: "acc-1", Role: RoleCustomer}, time.Hour)
	require.NoError(t, err)
	a.now = time.Now
	_, err = a.Verify(expired)
	require.ErrorIs(t, err, ErrInvalidToken)

	badRole, err := a.Issue(Principal{Subject: "acc-1", Role: RoleOwner}, time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(badRole)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)

	ctx := WithPrincipal(context.Background(), &Principal{Subject: "svc", Role: RoleService})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, RoleService, p.Role)
}
