// Package tokens issues and verifies the EdDSA-signed JWTs that carry a
// Local's provisioning and assertion identity. It is the TokenService
// component: a thin, stateless wrapper around golang-jwt configured for
// Ed25519 instead of the admin surface's HMAC secret.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/codesense/central/internal/apierror"
	"github.com/codesense/central/internal/keystore"
)

// Kind distinguishes a provisioning token from an assertion token. A token
// of one kind must never verify as the other.
type Kind string

const (
	KindProvisioning Kind = "provisioning"
	KindAssertion    Kind = "assertion"
)

const (
	// ProvisioningTTL is how long a freshly provisioned Local may use its
	// provisioning token before it must complete the handshake again.
	ProvisioningTTL = 24 * time.Hour
	// AssertionTTL is the short window a scan-authorization assertion is
	// valid for.
	AssertionTTL = 10 * time.Minute

	issuer = "codesense-central"
)

// Claims is the payload embedded in every token this package issues.
type Claims struct {
	LocalID   string `json:"local_id"`
	LicenseID string `json:"license_id"`
	Type      Kind   `json:"type"`
	jwt.RegisteredClaims
}

// Service signs and verifies tokens using the central root Ed25519 keypair.
type Service struct {
	keys *keystore.Store
}

// New builds a Service backed by the given keystore.
func New(keys *keystore.Store) *Service {
	return &Service{keys: keys}
}

// IssueProvisioning signs a 24h provisioning token binding localID to
// licenseID.
func (s *Service) IssueProvisioning(localID string, licenseID uuid.UUID) (string, error) {
	return s.sign(localID, licenseID.String(), KindProvisioning, ProvisioningTTL)
}

// IssueAssertion signs a 10-minute assertion token binding localID to
// licenseID.
func (s *Service) IssueAssertion(localID string, licenseID uuid.UUID) (string, error) {
	return s.sign(localID, licenseID.String(), KindAssertion, AssertionTTL)
}

func (s *Service) sign(localID, licenseID string, kind Kind, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		LocalID:   localID,
		LicenseID: licenseID,
		Type:      kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.keys.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("tokens: sign: %w", err)
	}
	return signed, nil
}

// Verify parses raw and checks it was signed by the root key and matches
// the expected kind. Expiry, malformed-token, and kind-mismatch all map to
// distinct apierror codes so handlers can report a precise reason.
func (s *Service) Verify(raw string, want Kind) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.keys.PublicKey(), nil
	})

	if err != nil {
		return nil, classifyParseError(err)
	}
	if !token.Valid {
		return nil, apierror.New(apierror.TokenInvalid, "token signature invalid")
	}
	if claims.Type != want {
		return nil, apierror.New(apierror.TokenInvalid, fmt.Sprintf("expected %s token, got %s", want, claims.Type))
	}
	return claims, nil
}

func classifyParseError(err error) error {
	switch {
	case isExpired(err):
		return apierror.Wrap(apierror.TokenExpired, "token expired", err)
	case isMalformed(err):
		return apierror.Wrap(apierror.TokenMalformed, "token malformed", err)
	default:
		return apierror.Wrap(apierror.TokenInvalid, "token invalid", err)
	}
}

func isExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}

func isMalformed(err error) bool {
	return errors.Is(err, jwt.ErrTokenMalformed) || errors.Is(err, jwt.ErrTokenUnverifiable)
}
