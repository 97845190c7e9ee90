// Package auth issues and verifies the bearer tokens that carry a caller's
// tenant and user id to the directory service.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/neurallog/kek-custody/interfaces"
)

// DefaultIssuer is the issuer claim of directory tokens.
const DefaultIssuer = "kek-custody-directory"

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = fmt.Errorf("%w: invalid token", interfaces.ErrAuthorization)

// Claims identify a tenant member.
type Claims struct {
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HMAC-SHA256 tokens.
type Signer struct {
	secret []byte
	iss    string
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret []byte, iss string, ttl time.Duration) (*Signer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("%w: token secret must be at least 32 bytes", interfaces.ErrValidation)
	}
	if iss == "" {
		iss = DefaultIssuer
	}
	return &Signer{secret: secret, iss: iss, ttl: ttl, now: time.Now}, nil
}

// IssueToken returns a signed token for a tenant member and its expiry.
func (s *Signer) IssueToken(tenantID, userID string) (string, time.Time, error) {
	if tenantID == "" || userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: tenant and user are required", interfaces.ErrValidation)
	}
	now := s.now()
	exp := now.Add(s.ttl)

	claims := Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.iss,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        randomJTI(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString(s.secret)
	return ss, exp, err
}

// ParseAndValidate verifies a token and returns the principal it names.
func (s *Signer) ParseAndValidate(tokenStr string) (interfaces.Principal, error) {
	keyFunc := func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}

	var claims Claims
	tok, err := jwt.ParseWithClaims(tokenStr, &claims, keyFunc,
		jwt.WithIssuer(s.iss),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !tok.Valid {
		return interfaces.Principal{}, ErrInvalidToken
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return interfaces.Principal{}, ErrInvalidToken
	}
	return interfaces.Principal{TenantID: claims.TenantID, UserID: claims.Subject}, nil
}

func randomJTI() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
