// Package licensestore is the LicenseStore component: the durable record
// of what a client is entitled to and how much of it they have used, with
// a Redis read-through cache in front of the hot Get path.
package licensestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/codesense/central/internal/apierror"
	"github.com/codesense/central/internal/models"
	"github.com/codesense/central/internal/repository"
)

const cacheTTL = 30 * time.Second

func cacheKey(id uuid.UUID) string {
	return "license:" + id.String()
}

// Store is the pgx + redis backed LicenseStore.
type Store struct {
	db    *repository.PostgresDB
	cache *repository.RedisClient
}

// New builds a Store. cache may be nil, in which case every Get falls
// through to Postgres directly (useful for tests and for environments
// without Redis configured).
func New(db *repository.PostgresDB, cache *repository.RedisClient) *Store {
	return &Store{db: db, cache: cache}
}

// Create inserts a new License with zeroed usage counters. expiry must be
// in the future and both limits must be positive: a License that starts
// already-expired or with no usable quota could never pass
// TryConsumeUsage, so it is rejected up front rather than stored.
func (s *Store) Create(ctx context.Context, client models.Client, limits models.Limits, expiry time.Time) (*models.License, error) {
	if !expiry.After(time.Now().UTC()) {
		return nil, apierror.New(apierror.ValidationFailed, "expiry must be in the future")
	}
	if limits.Scans <= 0 || limits.Users <= 0 {
		return nil, apierror.New(apierror.ValidationFailed, "limits.scans and limits.users must be positive")
	}

	lic := &models.License{
		ID:        uuid.New(),
		Client:    client,
		Limits:    limits,
		Usage:     models.Usage{},
		Expiry:    expiry,
		Status:    models.StatusActive,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO licenses
			(id, client_name, client_contact_email, limit_scans, limit_users,
			 usage_scans, usage_users, expiry, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, lic.ID, lic.Client.Name, lic.Client.ContactEmail, lic.Limits.Scans, lic.Limits.Users,
		lic.Usage.Scans, lic.Usage.Users, lic.Expiry, lic.Status, lic.CreatedAt, lic.UpdatedAt)
	if err != nil {
		return nil, apierror.Wrap(apierror.StorageUnavailable, "create license", err)
	}

	return lic, nil
}

// Get fetches a License by ID, consulting the cache first. A cache miss or
// a disabled cache both fall through to Postgres transparently.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.License, error) {
	if s.cache != nil {
		var lic models.License
		if err := s.cache.GetJSON(ctx, cacheKey(id), &lic); err == nil {
			return &lic, nil
		}
		// Cache miss or cache failure both fall through to Postgres.
	}

	lic, err := s.getFromDB(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		_ = s.cache.SetJSON(ctx, cacheKey(id), lic, cacheTTL)
	}
	return lic, nil
}

func (s *Store) getFromDB(ctx context.Context, id uuid.UUID) (*models.License, error) {
	var lic models.License
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, client_name, client_contact_email, limit_scans, limit_users,
		       usage_scans, usage_users, expiry, status, created_at, updated_at
		FROM licenses WHERE id = $1
	`, id).Scan(&lic.ID, &lic.Client.Name, &lic.Client.ContactEmail, &lic.Limits.Scans, &lic.Limits.Users,
		&lic.Usage.Scans, &lic.Usage.Users, &lic.Expiry, &lic.Status, &lic.CreatedAt, &lic.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierror.New(apierror.LicenseInvalid, "license not found")
		}
		return nil, apierror.Wrap(apierror.StorageUnavailable, "get license", err)
	}
	return &lic, nil
}

// List returns a page of licenses ordered by creation time, newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]models.License, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, client_name, client_contact_email, limit_scans, limit_users,
		       usage_scans, usage_users, expiry, status, created_at, updated_at
		FROM licenses ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.Wrap(apierror.StorageUnavailable, "list licenses", err)
	}
	defer rows.Close()

	licenses := make([]models.License, 0, limit)
	for rows.Next() {
		var l models.License
		if err := rows.Scan(&l.ID, &l.Client.Name, &l.Client.ContactEmail, &l.Limits.Scans, &l.Limits.Users,
			&l.Usage.Scans, &l.Usage.Users, &l.Expiry, &l.Status, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, apierror.Wrap(apierror.StorageUnavailable, "scan license row", err)
		}
		licenses = append(licenses, l)
	}
	return licenses, nil
}

// Patch describes a partial update to a License. A nil field is left
// unchanged.
type Patch struct {
	Client *models.Client
	Limits *models.Limits
	Expiry *time.Time
	Status *string
}

// Update applies a partial patch to a License. Decreasing a limit below
// current usage is rejected: it would otherwise silently put the License
// into a state TryConsumeUsage can never legally have produced. Status, if
// set, must be one of the known License statuses.
func (s *Store) Update(ctx context.Context, id uuid.UUID, patch Patch) (*models.License, error) {
	lic, err := s.getFromDB(ctx, id)
	if err != nil {
		return nil, err
	}

	client := lic.Client
	if patch.Client != nil {
		client = *patch.Client
	}

	limits := lic.Limits
	if patch.Limits != nil {
		limits = *patch.Limits
	}
	if limits.Scans < lic.Usage.Scans || limits.Users < lic.Usage.Users {
		return nil, apierror.New(apierror.ValidationFailed, "cannot set a limit below current usage")
	}

	expiry := lic.Expiry
	if patch.Expiry != nil {
		expiry = *patch.Expiry
	}

	status := lic.Status
	if patch.Status != nil {
		switch *patch.Status {
		case models.StatusActive, models.StatusRevoked, models.StatusExpired:
			status = *patch.Status
		default:
			return nil, apierror.New(apierror.ValidationFailed, fmt.Sprintf("unknown status %q", *patch.Status))
		}
	}

	now := time.Now().UTC()
	_, err = s.db.Pool().Exec(ctx, `
		UPDATE licenses
		SET client_name = $1, client_contact_email = $2, limit_scans = $3, limit_users = $4,
		    expiry = $5, status = $6, updated_at = $7
		WHERE id = $8
	`, client.Name, client.ContactEmail, limits.Scans, limits.Users, expiry, status, now, id)
	if err != nil {
		return nil, apierror.Wrap(apierror.StorageUnavailable, "update license", err)
	}

	s.invalidate(ctx, id)

	lic.Client = client
	lic.Limits = limits
	lic.Expiry = expiry
	lic.Status = status
	lic.UpdatedAt = now
	return lic, nil
}

// SetStatus transitions a License to status. Idempotent: setting the same
// status twice is not an error.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE licenses SET status = $1, updated_at = $2 WHERE id = $3
	`, status, time.Now().UTC(), id)
	if err != nil {
		return apierror.Wrap(apierror.StorageUnavailable, "set license status", err)
	}
	if tag.RowsAffected() == 0 {
		return apierror.New(apierror.LicenseInvalid, "license not found")
	}
	s.invalidate(ctx, id)
	return nil
}

// TryConsumeUsage atomically increments the counter named by kind by one,
// provided the License is active, unexpired, and has remaining quota. The
// increment and the eligibility check happen in a single conditional
// UPDATE so concurrent callers can never both succeed past the same last
// unit of quota.
func (s *Store) TryConsumeUsage(ctx context.Context, id uuid.UUID, kind models.UsageKind, now time.Time) error {
	var column string
	switch kind {
	case models.UsageScan:
		column = "usage_scans"
	case models.UsageUser:
		column = "usage_users"
	default:
		return apierror.New(apierror.ValidationFailed, fmt.Sprintf("unknown usage kind %q", kind))
	}

	limitColumn := map[models.UsageKind]string{
		models.UsageScan: "limit_scans",
		models.UsageUser: "limit_users",
	}[kind]

	query := fmt.Sprintf(`
		UPDATE licenses
		SET %s = %s + 1, updated_at = $1
		WHERE id = $2
		  AND status = $3
		  AND expiry > $1
		  AND %s < %s
		RETURNING id
	`, column, column, column, limitColumn)

	var returnedID uuid.UUID
	err := s.db.Pool().QueryRow(ctx, query, now, id, models.StatusActive).Scan(&returnedID)
	if err == nil {
		s.invalidate(ctx, id)
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return apierror.Wrap(apierror.StorageUnavailable, "consume usage", err)
	}

	return s.classifyConsumeFailure(ctx, id, kind, now)
}

// classifyConsumeFailure runs after a failed conditional UPDATE to report
// precisely why: the diagnostic SELECT here never participates in the
// atomic decision, it only explains a decision already made.
func (s *Store) classifyConsumeFailure(ctx context.Context, id uuid.UUID, kind models.UsageKind, now time.Time) error {
	lic, err := s.getFromDB(ctx, id)
	if err != nil {
		return err
	}
	if lic.Status != models.StatusActive {
		return apierror.New(apierror.LicenseInactive, "license is not active")
	}
	if !now.Before(lic.Expiry) {
		return apierror.New(apierror.LicenseExpired, "license has expired")
	}
	remaining := lic.Remaining()
	if (kind == models.UsageScan && remaining.Scans <= 0) || (kind == models.UsageUser && remaining.Users <= 0) {
		return apierror.New(apierror.LimitExhausted, fmt.Sprintf("%s quota exhausted", kind))
	}
	return apierror.New(apierror.LicenseInvalid, "usage could not be recorded")
}

// CompensateUsage decrements the counter named by kind by one. It is used
// to roll back a successful TryConsumeUsage when a later step in the same
// request (taking the challenge nonce) fails, so a rejected assertion
// never leaves a phantom charge against the client's quota.
func (s *Store) CompensateUsage(ctx context.Context, id uuid.UUID, kind models.UsageKind) error {
	var column string
	switch kind {
	case models.UsageScan:
		column = "usage_scans"
	case models.UsageUser:
		column = "usage_users"
	default:
		return apierror.New(apierror.ValidationFailed, fmt.Sprintf("unknown usage kind %q", kind))
	}

	query := fmt.Sprintf(`
		UPDATE licenses SET %s = %s - 1, updated_at = $1 WHERE id = $2 AND %s > 0
	`, column, column, column)

	_, err := s.db.Pool().Exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return apierror.Wrap(apierror.StorageUnavailable, "compensate usage", err)
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *Store) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, cacheKey(id))
}
