package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer mints tokens the Verifier accepts
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer returns an issuer signing with secret
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// Issue returns a signed token for owner. A zero ttl yields a token without expiry.
func (i *Issuer) Issue(owner int64, ttl time.Duration) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{
		"id":  owner,
		"sub": strconv.FormatInt(owner, 10),
		"iat": now.Unix(),
		"jti": uuid.NewString(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
