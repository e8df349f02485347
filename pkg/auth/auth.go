package auth

import (
	"context"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/fx"

	"vhm24-loyalty/pkg/config"
	"vhm24-loyalty/pkg/errutil"
)

var Module = fx.Module("auth", fx.Provide(New))

type Role string

const (
	// RoleCustomer is an end user of the bot. It becomes RoleOwner on routes
	// addressing the customer's own account.
	RoleCustomer Role = "customer"
	RoleOwner    Role = "owner"
	RoleService  Role = "service"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleService, RoleAdmin:
		return true
	}
	return false
}

var (
	ErrMissingToken = errutil.Sentinel(errutil.StatusUnauthorized, "MISSING_TOKEN", "bearer token required")
	ErrInvalidToken = errutil.Sentinel(errutil.StatusUnauthorized, "INVALID_TOKEN", "token is invalid or expired")
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string `json:"sub"`
	Role    Role   `json:"role"`
}

type customClaims struct {
	Role Role `json:"role"`
}

// Authenticator issues and verifies HS256 bearer tokens.
type Authenticator struct {
	key    []byte
	issuer string
	now    func() time.Time
}

func New(cfg *config.Config) (*Authenticator, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth: AUTH.JWT_SECRET is empty")
	}
	return &Authenticator{
		key:    []byte(cfg.Auth.JWTSecret),
		issuer: cfg.Auth.Issuer,
		now:    time.Now,
	}, nil
}

// Issue signs a token for p that expires after ttl. Used by tooling and tests;
// production tokens come from the bot gateway.
func (a *Authenticator) Issue(p Principal, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: a.key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}

	now := a.now()
	claims := jwt.Claims{
		Issuer:   a.issuer,
		Subject:  p.Subject,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.Signed(signer).Claims(claims).Claims(customClaims{Role: p.Role}).Serialize()
}

func (a *Authenticator) Verify(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, ErrInvalidToken.With(errutil.WithErr(err))
	}

	var (
		claims jwt.Claims
		custom customClaims
	)
	if err := parsed.Claims(a.key, &claims, &custom); err != nil {
		return nil, ErrInvalidToken.With(errutil.WithErr(err))
	}

	expected := jwt.Expected{Time: a.now()}
	if a.issuer != "" {
		expected.Issuer = a.issuer
	}
	if err := claims.ValidateWithLeeway(expected, 30*time.Second); err != nil {
		return nil, ErrInvalidToken.With(errutil.WithErr(err))
	}
	if claims.Subject == "" || !custom.Role.Valid() {
		return nil, ErrInvalidToken
	}

	return &Principal{Subject: claims.Subject, Role: custom.Role}, nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
