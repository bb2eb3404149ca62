package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken covers malformed, forged and unsigned tokens.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrExpiredToken means the signature is valid but exp has passed.
	ErrExpiredToken = errors.New("session token expired")
)

// Sessions verifies player session tokens. Tokens are issued by the external
// login service with the shared secret; Issue exists for tooling and tests.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions builds a verifier for HS256 session tokens.
func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a session token for userID.
func (s *Sessions) Issue(userID string) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}
	now := s.now()
	exp := now.Add(s.ttl)
	token, err := SignHS256(map[string]any{
		"sub": userID,
		"iat": now.Unix(),
		"exp": exp.Unix(),
	}, s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Verify checks the signature and expiry and returns the subject user id.
func (s *Sessions) Verify(token string) (string, error) {
	claims, err := ParseAndVerifyHS256(strings.TrimSpace(token), s.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return "", fmt.Errorf("%w: missing expiry", ErrInvalidToken)
	}
	if !s.now().Before(time.Unix(int64(exp), 0)) {
		return "", ErrExpiredToken
	}
	return sub, nil
}
