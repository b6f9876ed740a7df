// Package licenseconfig builds the signed license-config export: a
// canonical JSON bundle an operator hands to a client out of band, signed
// with the same root key that signs tokens.
package licenseconfig

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codesense/central/internal/keystore"
	"github.com/codesense/central/internal/models"
)

// Bundle is the exported, signed license configuration.
type Bundle struct {
	LicenseID     string    `json:"license_id"`
	Client        client    `json:"client"`
	Limits        limits    `json:"limits"`
	Expiry        time.Time `json:"expiry"`
	Status        string    `json:"status"`
	IssuedAt      time.Time `json:"issued_at"`
	CentralPubKey string    `json:"central_pubkey"`
	Signature     string    `json:"signature"`
}

type client struct {
	Name         string `json:"name"`
	ContactEmail string `json:"contact_email"`
}

type limits struct {
	Scans int `json:"scans"`
	Users int `json:"users"`
}

// Build produces the canonical, signed bundle for lic. The signature
// covers the canonical JSON encoding of every field except signature
// itself: standard library map-key sorting gives sorted-keys-no-whitespace
// canonicalization for free, so the canonical form is built as a
// map[string]interface{}, signed, and only then re-shaped into Bundle.
func Build(keys *keystore.Store, lic *models.License, issuedAt time.Time) (*Bundle, error) {
	centralPubKey, err := keys.PublicKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("licenseconfig: encode central public key: %w", err)
	}

	unsigned := map[string]interface{}{
		"license_id": lic.ID.String(),
		"client": map[string]interface{}{
			"name":          lic.Client.Name,
			"contact_email": lic.Client.ContactEmail,
		},
		"limits": map[string]interface{}{
			"scans": lic.Limits.Scans,
			"users": lic.Limits.Users,
		},
		"expiry":         lic.Expiry.UTC().Format(time.RFC3339),
		"status":         lic.Status,
		"issued_at":      issuedAt.UTC().Format(time.RFC3339),
		"central_pubkey": centralPubKey,
	}

	canonical, err := canonicalize(unsigned)
	if err != nil {
		return nil, fmt.Errorf("licenseconfig: canonicalize: %w", err)
	}

	sig := ed25519.Sign(keys.PrivateKey(), canonical)

	return &Bundle{
		LicenseID:     lic.ID.String(),
		Client:        client{Name: lic.Client.Name, ContactEmail: lic.Client.ContactEmail},
		Limits:        limits{Scans: lic.Limits.Scans, Users: lic.Limits.Users},
		Expiry:        lic.Expiry.UTC(),
		Status:        lic.Status,
		IssuedAt:      issuedAt.UTC(),
		CentralPubKey: centralPubKey,
		Signature:     base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// canonicalize produces the exact bytes the signature was computed over:
// encoding/json.Marshal on a map already sorts keys alphabetically, which
// is the canonicalization this format calls for.
func canonicalize(v map[string]interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Verify checks bundle's signature against the central public key embedded
// in it, reconstructing the same canonical bytes Build signed.
func Verify(bundle *Bundle) (bool, error) {
	der, err := base64.StdEncoding.DecodeString(bundle.Signature)
	if err != nil {
		return false, fmt.Errorf("licenseconfig: decode signature: %w", err)
	}

	pub, err := keystore.ParseLocalPublicKeyPEM(bundle.CentralPubKey)
	if err != nil {
		return false, fmt.Errorf("licenseconfig: parse embedded public key: %w", err)
	}

	unsigned := map[string]interface{}{
		"license_id": bundle.LicenseID,
		"client": map[string]interface{}{
			"name":          bundle.Client.Name,
			"contact_email": bundle.Client.ContactEmail,
		},
		"limits": map[string]interface{}{
			"scans": bundle.Limits.Scans,
			"users": bundle.Limits.Users,
		},
		"expiry":         bundle.Expiry.Format(time.RFC3339),
		"status":         bundle.Status,
		"issued_at":      bundle.IssuedAt.Format(time.RFC3339),
		"central_pubkey": bundle.CentralPubKey,
	}

	canonical, err := canonicalize(unsigned)
	if err != nil {
		return false, err
	}

	return ed25519.Verify(pub, canonical, der), nil
}
