package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Emcas152/CRMv2-sub000/internal/clock"
	autherror "github.com/Emcas152/CRMv2-sub000/internal/errors"
)

const (
	// ScopeSession grants access to protected routes.
	ScopeSession = "session"
	// ScopeTwoFactor is the pre-auth challenge held between password and code.
	ScopeTwoFactor = "two_factor"

	minSecretLen = 32
)

// TokenConfig configures the TokenAuthority
type TokenConfig struct {
	Secret       string
	TTL          time.Duration
	ChallengeTTL time.Duration
}

// Claims is the token payload. Times are Unix seconds on the wire.
type Claims struct {
	SubjectID string           `json:"subject_id"`
	Email     string           `json:"email"`
	Role      string           `json:"role"`
	Scope     string           `json:"scope"`
	IssuedAt  *jwt.NumericDate `json:"issued_at"`
	ExpiresAt *jwt.NumericDate `json:"expires_at"`
}

func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) { return c.ExpiresAt, nil }
func (c Claims) GetIssuedAt() (*jwt.NumericDate, error)       { return c.IssuedAt, nil }
func (c Claims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c Claims) GetIssuer() (string, error)                   { return "", nil }
func (c Claims) GetSubject() (string, error)                  { return c.SubjectID, nil }
func (c Claims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

// TokenAuthority issues and verifies HS256 tokens
type TokenAuthority struct {
	secret       []byte
	ttl          time.Duration
	challengeTTL time.Duration
	clock        clock.Clock
	parser       *jwt.Parser
}

// NewTokenAuthority creates a TokenAuthority. The secret must be at least 32 bytes.
func NewTokenAuthority(cfg TokenConfig, clk clock.Clock) (*TokenAuthority, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretLen)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	return &TokenAuthority{
		secret:       []byte(cfg.Secret),
		ttl:          cfg.TTL,
		challengeTTL: cfg.ChallengeTTL,
		clock:        clk,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithStrictDecoding(),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clk.Now),
		),
	}, nil
}

// TTL returns the default session token lifetime.
func (a *TokenAuthority) TTL() time.Duration { return a.ttl }

// Issue signs a session token. A non-positive ttl uses the configured default.
func (a *TokenAuthority) Issue(subjectID, email, role string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = a.ttl
	}
	return a.sign(subjectID, email, role, ScopeSession, ttl)
}

// IssueChallenge signs a short-lived two-factor challenge token.
func (a *TokenAuthority) IssueChallenge(subjectID, email, role string) (string, error) {
	return a.sign(subjectID, email, role, ScopeTwoFactor, a.challengeTTL)
}

func (a *TokenAuthority) sign(subjectID, email, role, scope string, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	claims := Claims{
		SubjectID: subjectID,
		Email:     email,
		Role:      role,
		Scope:     scope,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// Verify checks structure, signature and expiry. Every failure is
// ErrInvalidToken; expiry is ErrExpiredToken, which also matches ErrInvalidToken.
func (a *TokenAuthority) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, autherror.ErrExpiredToken
		}
		return nil, autherror.ErrInvalidToken
	}
	if !token.Valid || claims.SubjectID == "" {
		return nil, autherror.ErrInvalidToken
	}
	return claims, nil
}

// VerifyScope is Verify plus a scope check.
func (a *TokenAuthority) VerifyScope(tokenString, scope string) (*Claims, error) {
	claims, err := a.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Scope != scope {
		return nil, autherror.ErrInvalidToken
	}
	return claims, nil
}
