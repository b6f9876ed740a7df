// Package adminauth gates the license-management HTTP surface with a
// single shared operator credential. It is deliberately not a user
// account system: there is one credential, one role, and one session
// token kind, hashed at rest with bcrypt the same way the rest of the
// stack hashes secrets.
package adminauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/codesense/central/internal/apierror"
)

const sessionTTL = 12 * time.Hour

// HashToken bcrypt-hashes an operator token for storage in configuration
// (OPERATOR_TOKEN_HASH). Meant to be run once, offline, by centralctl.
func HashToken(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("adminauth: hash token: %w", err)
	}
	return string(hash), nil
}

// Gate checks operator credentials and issues/validates session tokens.
type Gate struct {
	tokenHash     string
	sessionSecret []byte
}

// New builds a Gate. tokenHash is the bcrypt hash of the one shared
// operator credential; sessionSecret signs the HS256 session token handed
// back after a successful login.
func New(tokenHash string, sessionSecret []byte) *Gate {
	return &Gate{tokenHash: tokenHash, sessionSecret: sessionSecret}
}

// sessionClaims is the payload of the operator session token.
type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Login checks plain against the configured operator credential and, on
// success, returns a signed session token valid for 12 hours.
func (g *Gate) Login(plain string) (string, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(g.tokenHash), []byte(plain)); err != nil {
		return "", apierror.New(apierror.ValidationFailed, "invalid operator credential")
	}

	now := time.Now().UTC()
	claims := &sessionClaims{
		Role: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.sessionSecret)
	if err != nil {
		return "", fmt.Errorf("adminauth: sign session: %w", err)
	}
	return signed, nil
}

// VerifySession checks a session token previously returned by Login.
func (g *Gate) VerifySession(raw string) error {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.sessionSecret, nil
	})
	if err != nil {
		return apierror.Wrap(apierror.TokenInvalid, "operator session invalid", err)
	}
	if !token.Valid {
		return apierror.New(apierror.TokenInvalid, "operator session invalid")
	}
	return nil
}
