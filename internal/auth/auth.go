// Package auth provides the bearer-token variant of Relay's request signing.
//
// Tokens are short-lived HS256 JWTs carrying the tenant id and a token type.
// The type is checked on validation so a callback token handed to the engine
// for one run cannot be replayed against the tenant API, and the reverse.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType distinguishes what a bearer token may be used for.
type TokenType string

const (
	TokenAPI      TokenType = "api"
	TokenCallback TokenType = "callback"
)

const issuer = "relay"

// MaxCallbackTTL caps callback tokens regardless of the requested lifetime.
const MaxCallbackTTL = time.Hour

// ErrWrongTokenType is returned when a valid token is presented for the wrong purpose.
var ErrWrongTokenType = errors.New("auth: wrong token type")

// Claims extends jwt.RegisteredClaims with Relay-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TenantID uuid.UUID  `json:"tenant_id"`
	Type     TokenType  `json:"type"`
	RunID    *uuid.UUID `json:"run_id,omitempty"` // Set on callback tokens.
}

// TokenManager issues and validates HS256 bearer tokens.
type TokenManager struct {
	secret     []byte
	expiration time.Duration
	now        func() time.Time
}

// NewTokenManager creates a TokenManager. secret must be non-empty.
func NewTokenManager(secret string, expiration time.Duration) (*TokenManager, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: token secret is required")
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), expiration: expiration, now: time.Now}, nil
}

// WithClock replaces the clock used for issuing and validating tokens.
func (m *TokenManager) WithClock(now func() time.Time) *TokenManager {
	cp := *m
	cp.now = now
	return &cp
}

// IssueAPIToken creates a tenant API token valid for the configured expiration.
func (m *TokenManager) IssueAPIToken(tenantID uuid.UUID) (string, time.Time, error) {
	return m.issue(tenantID, TokenAPI, nil, m.expiration)
}

// IssueCallbackToken creates a token the engine presents when calling back
// for a specific run. ttl is capped at MaxCallbackTTL.
func (m *TokenManager) IssueCallbackToken(tenantID, runID uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 || ttl > MaxCallbackTTL {
		ttl = MaxCallbackTTL
	}
	return m.issue(tenantID, TokenCallback, &runID, ttl)
}

func (m *TokenManager) issue(tenantID uuid.UUID, typ TokenType, runID *uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	now := m.now().UTC()
	exp := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID.String(),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		TenantID: tenantID,
		Type:     typ,
		RunID:    runID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses tokenStr and requires it to be of type want.
func (m *TokenManager) ValidateToken(tokenStr string, want TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithIssuer(issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Type != want {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongTokenType, claims.Type, want)
	}
	if claims.TenantID == uuid.Nil || claims.Subject != claims.TenantID.String() {
		return nil, fmt.Errorf("auth: token subject does not match tenant")
	}
	if want == TokenCallback && claims.RunID == nil {
		return nil, fmt.Errorf("auth: callback token without run_id")
	}
	return claims, nil
}
