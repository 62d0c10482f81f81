package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const sessionIssuer = "storefront/session"

var (
	// ErrSessionInvalid signals a malformed or tampered session token.
	ErrSessionInvalid = errors.New("auth: session token invalid")
	// ErrSessionExpired signals a session token past its expiry.
	ErrSessionExpired = errors.New("auth: session token expired")
)

// Session is an issued anonymous session.
type Session struct {
	ID        string
	Token     string
	ExpiresAt time.Time
}

// SessionIssuer signs and verifies anonymous session tokens (HS256 JWTs whose subject is the session id).
type SessionIssuer struct {
	key   []byte
	ttl   time.Duration
	now   func() time.Time
	newID func() string
}

// SessionOption customises a SessionIssuer.
type SessionOption func(*SessionIssuer)

// WithSessionClock overrides the clock used for issuing and expiry checks.
func WithSessionClock(clock func() time.Time) SessionOption {
	return func(s *SessionIssuer) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithSessionIDGenerator overrides the session id source.
func WithSessionIDGenerator(gen func() string) SessionOption {
	return func(s *SessionIssuer) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewSessionIssuer constructs an issuer from the signing key and token lifetime.
func NewSessionIssuer(signingKey string, ttl time.Duration, opts ...SessionOption) (*SessionIssuer, error) {
	if len(strings.TrimSpace(signingKey)) == 0 {
		return nil, errors.New("auth: session signing key is required")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: session ttl must be positive")
	}
	issuer := &SessionIssuer{
		key:   []byte(signingKey),
		ttl:   ttl,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(issuer)
		}
	}
	return issuer, nil
}

// Issue mints a token for a fresh session id.
func (s *SessionIssuer) Issue() (Session, error) {
	now := s.now().UTC()
	id := s.newID()
	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return Session{}, fmt.Errorf("auth: sign session: %w", err)
	}
	return Session{ID: id, Token: signed, ExpiresAt: expires.Truncate(time.Second)}, nil
}

// Verify validates the token signature and expiry and returns the session id.
func (s *SessionIssuer) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrSessionInvalid
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	if claims.Issuer != sessionIssuer || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrSessionInvalid
	}
	if claims.ExpiresAt == nil || !s.now().Before(claims.ExpiresAt.Time) {
		return "", ErrSessionExpired
	}
	return claims.Subject, nil
}
