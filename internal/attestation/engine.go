// Package attestation implements the AttestationEngine: the protocol
// orchestrator that turns a license and a local server's keypair into a
// working provisioning/challenge/assertion handshake, metering usage
// against the license as it goes.
package attestation

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codesense/central/internal/apierror"
	"github.com/codesense/central/internal/keystore"
	"github.com/codesense/central/internal/models"
	"github.com/codesense/central/internal/tokens"
)

// LicenseStore is the subset of the license store the engine depends on.
type LicenseStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.License, error)
	TryConsumeUsage(ctx context.Context, id uuid.UUID, kind models.UsageKind, now time.Time) error
	CompensateUsage(ctx context.Context, id uuid.UUID, kind models.UsageKind) error
}

// LocalStore is the subset of the local store the engine depends on.
type LocalStore interface {
	Create(ctx context.Context, licenseID uuid.UUID, localID, publicKeyPEM, machineUUID string) (*models.Local, error)
	GetByLocalID(ctx context.Context, localID string) (*models.Local, error)
	SetNonce(ctx context.Context, localID string, licenseID uuid.UUID, value string) error
	TakeNonce(ctx context.Context, localID string, expected string) (bool, error)
}

// TokenIssuer is the subset of TokenService the engine depends on.
type TokenIssuer interface {
	IssueProvisioning(localID string, licenseID uuid.UUID) (string, error)
	IssueAssertion(localID string, licenseID uuid.UUID) (string, error)
	Verify(raw string, want tokens.Kind) (*tokens.Claims, error)
}

// NonceGenerator is the subset of NonceService the engine depends on.
type NonceGenerator interface {
	Generate() (string, error)
}

// Engine wires the five lower components into the three externally
// observable operations.
type Engine struct {
	licenses LicenseStore
	locals   LocalStore
	tokens   TokenIssuer
	nonces   NonceGenerator
	keys     *keystore.Store
	now      func() time.Time
}

// New builds an Engine. now defaults to time.Now when nil; a non-nil now
// supplies the instant passed to TryConsumeUsage for the expiry check.
func New(licenses LicenseStore, locals LocalStore, issuer TokenIssuer, nonces NonceGenerator, keys *keystore.Store, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{licenses: licenses, locals: locals, tokens: issuer, nonces: nonces, keys: keys, now: now}
}

// ProvisionResult is the response of Provision.
type ProvisionResult struct {
	LocalID         string `json:"local_id"`
	LicenseID       string `json:"license_id"`
	CentralPubKey   string `json:"central_pubkey"`
	ProvisioningJWT string `json:"provisioning_jwt"`
}

// Provision registers a new Local against an active License and issues it
// a provisioning token.
func (e *Engine) Provision(ctx context.Context, licenseID uuid.UUID, localPubKeyPEM string, machineUUID string) (*ProvisionResult, error) {
	lic, err := e.licenses.Get(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	if lic.Status != models.StatusActive {
		return nil, apierror.New(apierror.LicenseInvalid, "license is not active")
	}

	if _, err := keystore.ParseLocalPublicKeyPEM(localPubKeyPEM); err != nil {
		return nil, err
	}

	localID := newLocalID()

	if _, err := e.locals.Create(ctx, licenseID, localID, localPubKeyPEM, machineUUID); err != nil {
		return nil, err
	}

	provisioningJWT, err := e.tokens.IssueProvisioning(localID, licenseID)
	if err != nil {
		return nil, apierror.Wrap(apierror.KeyMaterialMissing, "issue provisioning token", err)
	}

	centralPubKey, err := e.keys.PublicKeyPEM()
	if err != nil {
		return nil, apierror.Wrap(apierror.KeyMaterialMissing, "encode central public key", err)
	}

	return &ProvisionResult{
		LocalID:         localID,
		LicenseID:       licenseID.String(),
		CentralPubKey:   centralPubKey,
		ProvisioningJWT: provisioningJWT,
	}, nil
}

// RequestChallenge verifies the caller's provisioning token and issues a
// fresh nonce bound to the (local_id, license_id) pair.
func (e *Engine) RequestChallenge(ctx context.Context, licenseID uuid.UUID, localID, provisioningJWT string) (string, error) {
	if err := e.verifyProvisioningBinding(provisioningJWT, localID, licenseID); err != nil {
		return "", err
	}

	n, err := e.nonces.Generate()
	if err != nil {
		return "", apierror.Wrap(apierror.StorageUnavailable, "generate nonce", err)
	}

	if err := e.locals.SetNonce(ctx, localID, licenseID, n); err != nil {
		return "", err
	}

	return n, nil
}

// AssertionResult is the response of SubmitAssertion.
type AssertionResult struct {
	AssertionJWT string       `json:"assertion_jwt"`
	Usage        models.Usage `json:"usage"`
	Remaining    models.Usage `json:"remaining"`
}

// SubmitAssertion verifies the provisioning token, the outstanding nonce,
// and the Local's detached signature over that nonce, then (optionally)
// meters one unit of usage and mints a short-lived assertion token.
//
// Ordering matters: usage is consumed before the nonce is cleared, so a
// replayed assertion either both succeeds or both fails; if the nonce
// clear loses the race after a successful usage increment, the increment
// is rolled back (the only compensating action in this engine).
func (e *Engine) SubmitAssertion(ctx context.Context, licenseID uuid.UUID, localID, provisioningJWT, nonce, signedNonceB64 string, usageType string) (*AssertionResult, error) {
	if err := e.verifyProvisioningBinding(provisioningJWT, localID, licenseID); err != nil {
		return nil, err
	}

	local, err := e.locals.GetByLocalID(ctx, localID)
	if err != nil {
		return nil, err
	}
	if local.LicenseID != licenseID {
		return nil, apierror.New(apierror.NonceInvalid, "local is not bound to this license")
	}
	if local.Nonce == nil || *local.Nonce != nonce {
		return nil, apierror.New(apierror.NonceInvalid, "no matching outstanding nonce")
	}

	signature, err := decodeSignedNonce(signedNonceB64)
	if err != nil {
		return nil, err
	}
	if err := keystore.VerifyLocalSignature(local.PublicKey, []byte(nonce), signature); err != nil {
		return nil, err
	}

	kind, hasUsage, err := parseUsageType(usageType)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if hasUsage {
		if err := e.licenses.TryConsumeUsage(ctx, licenseID, kind, now); err != nil {
			return nil, err
		}
	}

	ok, err := e.locals.TakeNonce(ctx, localID, nonce)
	if err != nil {
		if hasUsage {
			_ = e.licenses.CompensateUsage(ctx, licenseID, kind)
		}
		return nil, err
	}
	if !ok {
		if hasUsage {
			_ = e.licenses.CompensateUsage(ctx, licenseID, kind)
		}
		return nil, apierror.New(apierror.NonceInvalid, "nonce already consumed")
	}

	assertionJWT, err := e.tokens.IssueAssertion(localID, licenseID)
	if err != nil {
		return nil, apierror.Wrap(apierror.KeyMaterialMissing, "issue assertion token", err)
	}

	lic, err := e.licenses.Get(ctx, licenseID)
	if err != nil {
		return nil, err
	}

	return &AssertionResult{
		AssertionJWT: assertionJWT,
		Usage:        lic.Usage,
		Remaining:    lic.Remaining(),
	}, nil
}

// verifyProvisioningBinding verifies raw as a provisioning token and checks
// its claims name exactly this (localID, licenseID) pair.
func (e *Engine) verifyProvisioningBinding(raw, localID string, licenseID uuid.UUID) error {
	claims, err := e.tokens.Verify(raw, tokens.KindProvisioning)
	if err != nil {
		return err
	}
	if claims.LocalID != localID || claims.LicenseID != licenseID.String() {
		return apierror.New(apierror.TokenMismatch, "token does not match local_id/license_id")
	}
	return nil
}

func parseUsageType(usageType string) (models.UsageKind, bool, error) {
	switch models.UsageKind(usageType) {
	case "":
		return "", false, nil
	case models.UsageScan:
		return models.UsageScan, true, nil
	case models.UsageUser:
		return models.UsageUser, true, nil
	default:
		return "", false, apierror.New(apierror.ValidationFailed, fmt.Sprintf("unknown usage_type %q", usageType))
	}
}

func decodeSignedNonce(b64 string) ([]byte, error) {
	b64 = strings.TrimRight(b64, "=")
	sig, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return nil, apierror.Wrap(apierror.SignatureInvalid, "signed_nonce is not valid base64", err)
	}
	return sig, nil
}

// newLocalID produces "LOCAL-" followed by 6 uppercase hex characters
// drawn from a fresh random UUID.
func newLocalID() string {
	id := uuid.New()
	hexPart := strings.ToUpper(hex.EncodeToString(id[:])[:6])
	return "LOCAL-" + hexPart
}
