// Package auth provides credential verification for the websocket
// authenticate handshake and the HTTP fallback endpoints.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry is the lifetime of tokens issued by IssueToken.
const TokenExpiry = 15 * time.Minute

// DefaultLeeway is the clock-skew allowance applied during validation.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned when token validation fails.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrSubjectMismatch is returned when the token is valid but was issued to a
// different user than the one claimed in the handshake.
var ErrSubjectMismatch = errors.New("token subject does not match user")

// ErrUnknownUser is returned when the referenced user does not exist in the
// profile store.
var ErrUnknownUser = errors.New("user not found")

// ErrEmptyUserID is returned when userID is empty.
var ErrEmptyUserID = errors.New("userID cannot be empty")

// Claims represents the JWT claims carried by beacon credential tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// UserDirectory answers whether a user id exists in the profile store.
// The profile store itself is owned by a collaborating service; beacon only
// reads it during the authenticate handshake.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// Verifier validates credential tokens and binds them to a user identity.
type Verifier struct {
	secret []byte
	leeway time.Duration
	users  UserDirectory
}

// NewVerifier creates a Verifier with the given signing secret and user
// directory.
func NewVerifier(secret string, users UserDirectory) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		leeway: DefaultLeeway,
		users:  users,
	}
}

// NewVerifierWithLeeway creates a Verifier with a custom clock-skew leeway.
func NewVerifierWithLeeway(secret string, users UserDirectory, leeway time.Duration) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		leeway: leeway,
		users:  users,
	}
}

// IssueToken creates a signed credential token for userID. Used by the
// identity collaborator in production; tests use it to mint valid tokens.
func (v *Verifier) IssueToken(userID string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Authenticate verifies that tokenString is a valid credential for userID and
// that the user exists. Returns ErrInvalidToken or ErrExpiredToken when the
// credential fails, ErrSubjectMismatch when it belongs to another user, and
// ErrUnknownUser when the profile store has no such user.
func (v *Verifier) Authenticate(ctx context.Context, userID, tokenString string) error {
	if userID == "" {
		return ErrEmptyUserID
	}

	claims, err := v.parse(tokenString)
	if err != nil {
		return err
	}
	if claims.Subject != userID {
		return ErrSubjectMismatch
	}

	exists, err := v.users.Exists(ctx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUnknownUser
	}
	return nil
}

// parse validates the token signature and standard claims.
func (v *Verifier) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
