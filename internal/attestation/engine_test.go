package attestation

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesense/central/internal/apierror"
	"github.com/codesense/central/internal/keystore"
	"github.com/codesense/central/internal/models"
	"github.com/codesense/central/internal/tokens"
)

// --- in-memory fakes -------------------------------------------------

type fakeLicenseStore struct {
	mu       sync.Mutex
	licenses map[uuid.UUID]*models.License
}

func newFakeLicenseStore() *fakeLicenseStore {
	return &fakeLicenseStore{licenses: make(map[uuid.UUID]*models.License)}
}

func (f *fakeLicenseStore) create(limits models.Limits, expiry time.Time) *models.License {
	f.mu.Lock()
	defer f.mu.Unlock()
	lic := &models.License{
		ID:     uuid.New(),
		Client: models.Client{Name: "Acme", ContactEmail: "ops@acme.test"},
		Limits: limits,
		Usage:  models.Usage{},
		Expiry: expiry,
		Status: models.StatusActive,
	}
	f.licenses[lic.ID] = lic
	return lic
}

func (f *fakeLicenseStore) Get(ctx context.Context, id uuid.UUID) (*models.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lic, ok := f.licenses[id]
	if !ok {
		return nil, apierror.New(apierror.LicenseInvalid, "license not found")
	}
	cp := *lic
	return &cp, nil
}

func (f *fakeLicenseStore) TryConsumeUsage(ctx context.Context, id uuid.UUID, kind models.UsageKind, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lic, ok := f.licenses[id]
	if !ok {
		return apierror.New(apierror.LicenseInvalid, "license not found")
	}
	if lic.Status != models.StatusActive {
		return apierror.New(apierror.LicenseInactive, "license is not active")
	}
	if !now.Before(lic.Expiry) {
		return apierror.New(apierror.LicenseExpired, "license has expired")
	}
	switch kind {
	case models.UsageScan:
		if lic.Usage.Scans >= lic.Limits.Scans {
			return apierror.New(apierror.LimitExhausted, "scan quota exhausted")
		}
		lic.Usage.Scans++
	case models.UsageUser:
		if lic.Usage.Users >= lic.Limits.Users {
			return apierror.New(apierror.LimitExhausted, "user quota exhausted")
		}
		lic.Usage.Users++
	}
	return nil
}

func (f *fakeLicenseStore) CompensateUsage(ctx context.Context, id uuid.UUID, kind models.UsageKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lic, ok := f.licenses[id]
	if !ok {
		return nil
	}
	switch kind {
	case models.UsageScan:
		if lic.Usage.Scans > 0 {
			lic.Usage.Scans--
		}
	case models.UsageUser:
		if lic.Usage.Users > 0 {
			lic.Usage.Users--
		}
	}
	return nil
}

func (f *fakeLicenseStore) setStatus(id uuid.UUID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.licenses[id].Status = status
}

type fakeLocalStore struct {
	mu     sync.Mutex
	locals map[string]*models.Local
}

func newFakeLocalStore() *fakeLocalStore {
	return &fakeLocalStore{locals: make(map[string]*models.Local)}
}

func (f *fakeLocalStore) Create(ctx context.Context, licenseID uuid.UUID, localID, publicKeyPEM, machineUUID string) (*models.Local, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.locals[localID]; exists {
		return nil, apierror.New(apierror.ValidationFailed, "local_id already registered")
	}
	local := &models.Local{
		ID:          uuid.New(),
		LicenseID:   licenseID,
		LocalID:     localID,
		PublicKey:   publicKeyPEM,
		MachineUUID: machineUUID,
		Status:      models.LocalStatusActive,
	}
	f.locals[localID] = local
	return local, nil
}

func (f *fakeLocalStore) GetByLocalID(ctx context.Context, localID string) (*models.Local, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	local, ok := f.locals[localID]
	if !ok {
		return nil, apierror.New(apierror.LocalNotFound, "local not found")
	}
	cp := *local
	return &cp, nil
}

func (f *fakeLocalStore) SetNonce(ctx context.Context, localID string, licenseID uuid.UUID, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	local, ok := f.locals[localID]
	if !ok || local.LicenseID != licenseID {
		return apierror.New(apierror.LocalNotFound, "local not found for license")
	}
	v := value
	local.Nonce = &v
	return nil
}

func (f *fakeLocalStore) TakeNonce(ctx context.Context, localID string, expected string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	local, ok := f.locals[localID]
	if !ok {
		return false, nil
	}
	if local.Nonce == nil || *local.Nonce != expected {
		return false, nil
	}
	local.Nonce = nil
	return true, nil
}

type fakeNonceGenerator struct {
	mu     sync.Mutex
	values []string
	i      int
}

func (f *fakeNonceGenerator) Generate() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i < len(f.values) {
		v := f.values[f.i]
		f.i++
		return v, nil
	}
	return fmt.Sprintf("nonce-%d", f.i), nil
}

// --- test harness ------------------------------------------------------

type harness struct {
	engine   *Engine
	licenses *fakeLicenseStore
	locals   *fakeLocalStore
	nonces   *fakeNonceGenerator
	tokenSvc *tokens.Service
	keys     *keystore.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, keystore.GenerateRootKeypair(dir))
	ks, err := keystore.Load(dir)
	require.NoError(t, err)

	licenses := newFakeLicenseStore()
	locals := newFakeLocalStore()
	nonces := &fakeNonceGenerator{}
	tokenSvc := tokens.New(ks)

	engine := New(licenses, locals, tokenSvc, nonces, ks, nil)
	return &harness{engine: engine, licenses: licenses, locals: locals, nonces: nonces, tokenSvc: tokenSvc, keys: ks}
}

func genLocalKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pem, err := keystore.EncodePublicKeyPEM(pub)
	require.NoError(t, err)
	return pub, priv, pem
}

func signNonce(priv ed25519.PrivateKey, nonce string) string {
	sig := ed25519.Sign(priv, []byte(nonce))
	return base64.RawURLEncoding.EncodeToString(sig)
}

// --- scenario tests ------------------------------------------------------

func TestScenario1HappyPathScanEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic := h.licenses.create(models.Limits{Scans: 2, Users: 1}, time.Now().Add(365*24*time.Hour))
	_, priv, pubPEM := genLocalKeypair(t)

	prov, err := h.engine.Provision(ctx, lic.ID, pubPEM, "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		nonce, err := h.engine.RequestChallenge(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT)
		require.NoError(t, err)

		signed := signNonce(priv, nonce)
		res, err := h.engine.SubmitAssertion(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT, nonce, signed, "scan")
		require.NoError(t, err)
		assert.Equal(t, i+1, res.Usage.Scans)
		assert.Equal(t, 2-(i+1), res.Remaining.Scans)
	}

	nonce, err := h.engine.RequestChallenge(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT)
	require.NoError(t, err)
	signed := signNonce(priv, nonce)
	_, err = h.engine.SubmitAssertion(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT, nonce, signed, "scan")
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.LimitExhausted, apiErr.Code)
}

func TestScenario2ReplayDefense(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic := h.licenses.create(models.Limits{Scans: 2, Users: 1}, time.Now().Add(time.Hour))
	_, priv, pubPEM := genLocalKeypair(t)
	prov, err := h.engine.Provision(ctx, lic.ID, pubPEM, "")
	require.NoError(t, err)

	nonce, err := h.engine.RequestChallenge(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT)
	require.NoError(t, err)
	signed := signNonce(priv, nonce)

	_, err = h.engine.SubmitAssertion(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT, nonce, signed, "scan")
	require.NoError(t, err)

	_, err = h.engine.SubmitAssertion(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT, nonce, signed, "scan")
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.NonceInvalid, apiErr.Code)

	got, err := h.licenses.Get(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Usage.Scans)
}

func TestScenario3WrongSigner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic := h.licenses.create(models.Limits{Scans: 2, Users: 1}, time.Now().Add(time.Hour))
	_, _, pubPEM := genLocalKeypair(t)
	_, otherPriv, _ := genLocalKeypair(t)

	prov, err := h.engine.Provision(ctx, lic.ID, pubPEM, "")
	require.NoError(t, err)

	nonce, err := h.engine.RequestChallenge(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT)
	require.NoError(t, err)
	signed := signNonce(otherPriv, nonce)

	_, err = h.engine.SubmitAssertion(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT, nonce, signed, "scan")
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.SignatureInvalid, apiErr.Code)

	got, err := h.licenses.Get(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Usage.Scans)
}

func TestScenario4CrossLicenseTokenAbuse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic1 := h.licenses.create(models.Limits{Scans: 2, Users: 1}, time.Now().Add(time.Hour))
	lic2 := h.licenses.create(models.Limits{Scans: 2, Users: 1}, time.Now().Add(time.Hour))
	_, priv, pubPEM := genLocalKeypair(t)

	prov, err := h.engine.Provision(ctx, lic1.ID, pubPEM, "")
	require.NoError(t, err)

	nonce, err := h.engine.RequestChallenge(ctx, lic1.ID, prov.LocalID, prov.ProvisioningJWT)
	require.NoError(t, err)
	signed := signNonce(priv, nonce)

	_, err = h.engine.SubmitAssertion(ctx, lic2.ID, prov.LocalID, prov.ProvisioningJWT, nonce, signed, "scan")
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.TokenMismatch, apiErr.Code)
}

func TestScenario5Revocation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic := h.licenses.create(models.Limits{Scans: 2, Users: 1}, time.Now().Add(time.Hour))
	_, priv, pubPEM := genLocalKeypair(t)
	prov, err := h.engine.Provision(ctx, lic.ID, pubPEM, "")
	require.NoError(t, err)

	nonce, err := h.engine.RequestChallenge(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT)
	require.NoError(t, err)
	signed := signNonce(priv, nonce)

	h.licenses.setStatus(lic.ID, models.StatusRevoked)

	_, err = h.engine.SubmitAssertion(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT, nonce, signed, "scan")
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.LicenseInactive, apiErr.Code)

	got, err := h.licenses.Get(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Usage.Scans)
}

func TestScenario6ExpiredProvisioningToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic := h.licenses.create(models.Limits{Scans: 2, Users: 1}, time.Now().Add(time.Hour))
	_, _, pubPEM := genLocalKeypair(t)

	localID := newLocalID()
	_, err := h.locals.Create(ctx, lic.ID, localID, pubPEM, "")
	require.NoError(t, err)

	// Simulate fast-forwarding the clock past the 24h TTL by signing a
	// provisioning token whose exp is already in the past.
	expired := &tokens.Claims{
		LocalID:   localID,
		LicenseID: lic.ID.String(),
		Type:      tokens.KindProvisioning,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-25 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	raw := jwt.NewWithClaims(jwt.SigningMethodEdDSA, expired)
	tok, err := raw.SignedString(h.keys.PrivateKey())
	require.NoError(t, err)

	_, err = h.engine.RequestChallenge(ctx, lic.ID, localID, tok)
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.TokenExpired, apiErr.Code)
}

func TestSubmitAssertionWithoutUsageTypeSkipsAccounting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic := h.licenses.create(models.Limits{Scans: 2, Users: 1}, time.Now().Add(time.Hour))
	_, priv, pubPEM := genLocalKeypair(t)
	prov, err := h.engine.Provision(ctx, lic.ID, pubPEM, "")
	require.NoError(t, err)

	nonce, err := h.engine.RequestChallenge(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT)
	require.NoError(t, err)
	signed := signNonce(priv, nonce)

	res, err := h.engine.SubmitAssertion(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT, nonce, signed, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Usage.Scans)
}

func TestSubmitAssertionExpiredLicense(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic := h.licenses.create(models.Limits{Scans: 2, Users: 1}, time.Now().Add(time.Millisecond))
	_, priv, pubPEM := genLocalKeypair(t)
	prov, err := h.engine.Provision(ctx, lic.ID, pubPEM, "")
	require.NoError(t, err)

	nonce, err := h.engine.RequestChallenge(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT)
	require.NoError(t, err)
	signed := signNonce(priv, nonce)

	time.Sleep(5 * time.Millisecond)

	_, err = h.engine.SubmitAssertion(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT, nonce, signed, "scan")
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.LicenseExpired, apiErr.Code)
}

func TestConcurrentSubmitAssertionNeverExceedsLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic := h.licenses.create(models.Limits{Scans: 5, Users: 0}, time.Now().Add(time.Hour))
	_, priv, pubPEM := genLocalKeypair(t)
	prov, err := h.engine.Provision(ctx, lic.ID, pubPEM, "")
	require.NoError(t, err)

	const attempts = 20
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := h.engine.RequestChallenge(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT)
			if err != nil {
				return
			}
			signed := signNonce(priv, nonce)
			_, err = h.engine.SubmitAssertion(ctx, lic.ID, prov.LocalID, prov.ProvisioningJWT, nonce, signed, "scan")
			if err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.LessOrEqual(t, count, 5)

	got, err := h.licenses.Get(ctx, lic.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, got.Usage.Scans, got.Limits.Scans)
}

func TestProvisionRejectsMalformedPublicKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic := h.licenses.create(models.Limits{Scans: 2, Users: 1}, time.Now().Add(time.Hour))
	_, err := h.engine.Provision(ctx, lic.ID, "not a pem key", "")
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.KeyMalformed, apiErr.Code)
}

func TestProvisionRejectsInactiveLicense(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic := h.licenses.create(models.Limits{Scans: 2, Users: 1}, time.Now().Add(time.Hour))
	h.licenses.setStatus(lic.ID, models.StatusRevoked)
	_, _, pubPEM := genLocalKeypair(t)

	_, err := h.engine.Provision(ctx, lic.ID, pubPEM, "")
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.LicenseInvalid, apiErr.Code)
}
