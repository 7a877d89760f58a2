// Package auth verifies and issues the signed tokens that identify an owner
// on the push channel and the HTTP API.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"

	"github.com/rovernet/roverbridge/internal/errors"
)

const (
	componentName = "auth"

	// verified tokens are remembered at most this long
	cacheTTL = 5 * time.Minute
)

// Verifier resolves the owner id carried by an HS256 token
type Verifier struct {
	secret []byte
	parser *jwt.Parser
	cache  *cache.Cache
	now    func() time.Time
}

// NewVerifier returns a verifier for tokens signed with secret
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.Newf("token signing secret is empty").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	v := &Verifier{
		secret: []byte(secret),
		cache:  cache.New(cacheTTL, 2*cacheTTL),
		now:    time.Now,
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	return v, nil
}

// Verify checks the signature and registered claims and returns the owner id.
// The id is read from "id", then "user.id", then "sub". Every failure wraps
// errors.ErrTokenInvalid.
func (v *Verifier) Verify(token string) (int64, error) {
	if token == "" {
		return 0, invalid(fmt.Errorf("empty token"))
	}

	key := cacheKey(token)
	if owner, found := v.cache.Get(key); found {
		return owner.(int64), nil
	}

	claims := jwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return 0, invalid(err)
	}
	if !parsed.Valid {
		return 0, invalid(fmt.Errorf("token is not valid"))
	}

	owner, err := OwnerFromClaims(claims)
	if err != nil {
		return 0, invalid(err)
	}

	if ttl, ok := v.cacheDuration(claims); ok {
		v.cache.Set(key, owner, ttl)
	}
	return owner, nil
}

// cacheDuration never outlives the token itself. A token at or past its
// expiry is not cached; go-cache treats a zero or negative duration as
// the default or as no expiry.
func (v *Verifier) cacheDuration(claims jwt.MapClaims) (time.Duration, bool) {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return cache.DefaultExpiration, true
	}
	left := exp.Sub(v.now())
	switch {
	case left <= 0:
		return 0, false
	case left < cacheTTL:
		return left, true
	default:
		return cache.DefaultExpiration, true
	}
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func invalid(err error) error {
	return errors.New(fmt.Errorf("%w: %w", errors.ErrTokenInvalid, err)).
		Component(componentName).
		Category(errors.CategoryAuthentication).
		Build()
}

// OwnerFromClaims extracts the owner id in precedence order id, user.id, sub
func OwnerFromClaims(claims map[string]any) (int64, error) {
	if raw, ok := claims["id"]; ok {
		return toOwnerID(raw)
	}
	if user, ok := claims["user"].(map[string]any); ok {
		if raw, ok := user["id"]; ok {
			return toOwnerID(raw)
		}
	}
	if raw, ok := claims["sub"]; ok {
		return toOwnerID(raw)
	}
	return 0, fmt.Errorf("token carries no owner id")
}

func toOwnerID(raw any) (int64, error) {
	switch v := raw.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("owner id %v is not an integer", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("owner id %q is not an integer", v)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("unsupported owner id type %T", raw)
	}
}
