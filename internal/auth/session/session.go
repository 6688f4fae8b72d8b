// Package session issues signed session tokens and decides whether a
// session may reach gated routes.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the identity carried by a signed token. It is never stored.
type Session struct {
	UserID    string
	Login     string
	ExpiresAt time.Time
}

var ErrInvalidToken = errors.New("invalid session token")

type sessionClaims struct {
	UserID string `json:"uid"`
	Login  string `json:"login"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 session tokens.
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewSigner(secret, issuer string) *Signer {
	return &Signer{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue signs a session for the user valid for ttl.
func (s *Signer) Issue(userID, login string, ttl time.Duration) (string, Session, error) {
	now := s.now()
	sess := Session{UserID: userID, Login: login, ExpiresAt: now.Add(ttl).Truncate(time.Second)}
	claims := sessionClaims{
		UserID: userID,
		Login:  login,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", Session{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, sess, nil
}

// Parse verifies the signature and returns the carried session. Expiry is
// not enforced here; the Gate reports it as its own denial reason.
func (s *Signer) Parse(token string) (*Session, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid || claims.ExpiresAt == nil || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != s.issuer {
		return nil, ErrInvalidToken
	}
	return &Session{
		UserID:    claims.UserID,
		Login:     claims.Login,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
