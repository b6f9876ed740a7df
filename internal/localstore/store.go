// Package localstore is the LocalStore component: the durable record of
// each remote server instance bound to a License, its registered public
// key, and the single outstanding challenge nonce it may hold.
package localstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/codesense/central/internal/apierror"
	"github.com/codesense/central/internal/models"
)

// Store is the pgx-backed LocalStore.
type Store struct {
	db pool
}

// pool is the subset of *pgxpool.Pool this package calls, narrowed so
// tests can substitute a fake without dragging in pgx's connection
// machinery.
type pool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// New builds a Store.
func New(db pool) *Store {
	return &Store{db: db}
}

// Create registers a new Local bound to licenseID with the given public
// key. A duplicate localID is rejected: each Local identifier is unique
// across the whole system, not just within one License.
func (s *Store) Create(ctx context.Context, licenseID uuid.UUID, localID, publicKeyPEM, machineUUID string) (*models.Local, error) {
	var existing uuid.UUID
	err := s.db.QueryRow(ctx, `SELECT id FROM locals WHERE local_id = $1`, localID).Scan(&existing)
	if err == nil {
		return nil, apierror.New(apierror.ValidationFailed, "local_id already registered")
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apierror.Wrap(apierror.StorageUnavailable, "check existing local", err)
	}

	now := time.Now().UTC()
	local := &models.Local{
		ID:          uuid.New(),
		LicenseID:   licenseID,
		LocalID:     localID,
		PublicKey:   publicKeyPEM,
		MachineUUID: machineUUID,
		Status:      models.LocalStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO locals
			(id, license_id, local_id, public_key, machine_uuid, status, nonce, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8)
	`, local.ID, local.LicenseID, local.LocalID, local.PublicKey, local.MachineUUID, local.Status, local.CreatedAt, local.UpdatedAt)
	if err != nil {
		return nil, apierror.Wrap(apierror.StorageUnavailable, "create local", err)
	}

	return local, nil
}

// GetByLocalID fetches a Local by its externally-facing local_id.
func (s *Store) GetByLocalID(ctx context.Context, localID string) (*models.Local, error) {
	var l models.Local
	err := s.db.QueryRow(ctx, `
		SELECT id, license_id, local_id, public_key, COALESCE(machine_uuid, ''), status, nonce, created_at, updated_at
		FROM locals WHERE local_id = $1
	`, localID).Scan(&l.ID, &l.LicenseID, &l.LocalID, &l.PublicKey, &l.MachineUUID, &l.Status, &l.Nonce, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierror.New(apierror.LocalNotFound, "local not found")
		}
		return nil, apierror.Wrap(apierror.StorageUnavailable, "get local", err)
	}
	return &l, nil
}

// GetByLicense fetches the Local bound to licenseID. A License is expected
// to have at most one provisioned Local in the common case this system
// targets; if more than one row matches, the most recently created wins.
func (s *Store) GetByLicense(ctx context.Context, licenseID uuid.UUID) (*models.Local, error) {
	var l models.Local
	err := s.db.QueryRow(ctx, `
		SELECT id, license_id, local_id, public_key, COALESCE(machine_uuid, ''), status, nonce, created_at, updated_at
		FROM locals WHERE license_id = $1 ORDER BY created_at DESC LIMIT 1
	`, licenseID).Scan(&l.ID, &l.LicenseID, &l.LocalID, &l.PublicKey, &l.MachineUUID, &l.Status, &l.Nonce, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierror.New(apierror.LocalNotFound, "no local bound to license")
		}
		return nil, apierror.Wrap(apierror.StorageUnavailable, "get local by license", err)
	}
	return &l, nil
}

// SetStatus transitions a Local to status (e.g. blocked, revoked).
func (s *Store) SetStatus(ctx context.Context, localID string, status string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE locals SET status = $1, updated_at = $2 WHERE local_id = $3
	`, status, time.Now().UTC(), localID)
	if err != nil {
		return apierror.Wrap(apierror.StorageUnavailable, "set local status", err)
	}
	if tag.RowsAffected() == 0 {
		return apierror.New(apierror.LocalNotFound, "local not found")
	}
	return nil
}

// SetNonce stores a freshly issued challenge nonce for localID, provided it
// belongs to licenseID. Overwrites any previous nonce: a Local may only
// ever have one outstanding challenge.
func (s *Store) SetNonce(ctx context.Context, localID string, licenseID uuid.UUID, value string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE locals SET nonce = $1, updated_at = $2
		WHERE local_id = $3 AND license_id = $4
	`, value, time.Now().UTC(), localID, licenseID)
	if err != nil {
		return apierror.Wrap(apierror.StorageUnavailable, "set nonce", err)
	}
	if tag.RowsAffected() == 0 {
		return apierror.New(apierror.LocalNotFound, "local not found for license")
	}
	return nil
}

// TakeNonce atomically compares the stored nonce against expected and, on
// a match, clears it in the same statement. A caller that loses the race
// (or presents a stale/replayed nonce) gets ok=false, never a partial
// success: the clear and the comparison are the same conditional UPDATE.
func (s *Store) TakeNonce(ctx context.Context, localID string, expected string) (bool, error) {
	var returnedID uuid.UUID
	err := s.db.QueryRow(ctx, `
		UPDATE locals SET nonce = NULL, updated_at = $1
		WHERE local_id = $2 AND nonce = $3
		RETURNING id
	`, time.Now().UTC(), localID, expected).Scan(&returnedID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return false, apierror.Wrap(apierror.StorageUnavailable, "take nonce", err)
}
