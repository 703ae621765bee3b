// Package auth issues and validates the service tokens that guard the
// reporting API. Tokens are HS256 JWTs bound to an issuer and an audience.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL is how long a service token is valid.
	DefaultTokenTTL = 90 * 24 * time.Hour

	// MinSigningKeyLength is the shortest accepted HS256 secret, in bytes.
	MinSigningKeyLength = 32

	// ScopeRead grants the read endpoints.
	ScopeRead = "measurements:read"
)

// Predefined token errors.
var (
	ErrInvalidToken      = errors.New("invalid service token")
	ErrTokenExpired      = errors.New("service token has expired")
	ErrWeakSigningKey    = errors.New("signing key is too short")
	ErrMissingSubject    = errors.New("token subject is required")
	ErrInsufficientScope = errors.New("token lacks the required scope")
)

// Claims are the claims carried by a service token.
type Claims struct {
	jwt.RegisteredClaims

	// Scope is a space separated list of granted scopes.
	Scope string `json:"scope,omitempty"`
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenConfig holds configuration for the token service.
type TokenConfig struct {
	// SigningKey is the HS256 secret. At least MinSigningKeyLength bytes.
	SigningKey string

	Issuer   string
	Audience string

	// TTL defaults to DefaultTokenTTL.
	TTL time.Duration

	// Now is overridable in tests. Defaults to time.Now.
	Now func() time.Time
}

// TokenService handles service token creation and validation.
type TokenService struct {
	signingKey []byte
	issuer     string
	audience   string
	ttl        time.Duration
	now        func() time.Time
}

// NewTokenService creates a token service.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if len(cfg.SigningKey) < MinSigningKeyLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrWeakSigningKey, MinSigningKeyLength, len(cfg.SigningKey))
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		ttl:        ttl,
		now:        now,
	}, nil
}

// Issue signs a token for subject granting scopes (ScopeRead when none).
func (s *TokenService) Issue(subject string, scopes ...string) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, ErrMissingSubject
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeRead}
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			ID:        generateTokenID(),
		},
		Scope: strings.Join(scopes, " "),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing service token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// Validate parses tokenString and checks signature, issuer, audience and expiry.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrMissingSubject)
	}

	return claims, nil
}

func generateTokenID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
