// Package auth implements the authentication-verifier collaborator: it maps
// a bearer credential to a user identity, or rejects it before any mutation
// occurs. Token issuance lives outside this core.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/nexachat/delivery-service/internal/domain/model"
)

// Verifier validates a credential and resolves the authenticated user.
type Verifier interface {
	Verify(credential string) (uuid.UUID, error)
}

// Claims is the payload this service expects inside access tokens.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256-signed tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
}

var _ Verifier = (*JWTVerifier)(nil)

func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer}
}

// Verify parses and validates the token's signature and expiry. Every
// failure maps to model.ErrAuthentication so transport handlers reject
// uniformly without leaking parser details to clients.
func (v *JWTVerifier) Verify(credential string) (uuid.UUID, error) {
	if credential == "" {
		return uuid.Nil, fmt.Errorf("%w: missing credential", model.ErrAuthentication)
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", model.ErrAuthentication, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return uuid.Nil, fmt.Errorf("%w: invalid claims", model.ErrAuthentication)
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return uuid.Nil, fmt.Errorf("%w: unknown issuer %q", model.ErrAuthentication, claims.Issuer)
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed user id", model.ErrAuthentication)
	}
	return userID, nil
}

// IssueToken signs a token for a user. Kept next to the verifier for tests
// and local tooling; production issuance is an external concern.
func (v *JWTVerifier) IssueToken(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    v.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
