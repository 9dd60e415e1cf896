// Package token issues and verifies the signed session credentials handed to
// anonymous clients. Tokens are detached: nothing is stored server-side
// beyond the signing secret, so verification is purely cryptographic.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer and Audience are fixed constants baked into every token and
	// enforced on verify.
	Issuer   = "stillhour-core"
	Audience = "stillhour-client"

	// DefaultTTL bounds a session credential's lifetime.
	DefaultTTL = 24 * time.Hour
)

// signingMethod is the single allowed algorithm. "none" and every asymmetric
// variant are refused even when present in the header.
var signingMethod = jwt.SigningMethodHS256

// Verification failure taxonomy. There is no partial success.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims binds a token to one session inside one moment.
type Claims struct {
	SessionID string `json:"sid"`
	MomentID  string `json:"mid"`
	jwt.RegisteredClaims
}

// Service mints and verifies session tokens with a process-wide secret.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates a token service. A zero ttl selects DefaultTTL.
func NewService(secret []byte, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue produces a signed, time-bounded credential for (sessionID, momentID)
// and returns the token string together with its expiry.
func (s *Service) Issue(sessionID, momentID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := Claims{
		SessionID: sessionID,
		MomentID:  momentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, algorithm, issuer, audience, and expiry, and
// returns the embedded session and moment identifiers. All failures except
// expiry collapse into ErrInvalidToken so clients cannot probe which check
// tripped.
func (s *Service) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != signingMethod.Alg() {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid || claims.SessionID == "" || claims.MomentID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TTL reports the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }
