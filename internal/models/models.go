package models

import (
	"time"

	"github.com/google/uuid"
)

// License statuses. Once a License leaves StatusActive no further usage
// increment succeeds.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
	StatusExpired = "expired"
)

// Local statuses.
const (
	LocalStatusActive  = "active"
	LocalStatusBlocked = "blocked"
	LocalStatusRevoked = "revoked"
)

// UsageKind identifies which quota a SubmitAssertion call consumes.
type UsageKind string

const (
	UsageScan UsageKind = "scan"
	UsageUser UsageKind = "user"
)

// Client identifies who a License was issued to.
type Client struct {
	Name         string `json:"name"`
	ContactEmail string `json:"contact_email"`
}

// Limits caps the Usage a License may accrue.
type Limits struct {
	Scans int `json:"scans"`
	Users int `json:"users"`
}

// Usage tracks monotonically non-decreasing counters bounded by Limits.
type Usage struct {
	Scans int `json:"scans"`
	Users int `json:"users"`
}

// License is the central authority's record of a client's entitlement.
type License struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Client    Client    `json:"client" db:"-"`
	Limits    Limits    `json:"limits" db:"-"`
	Usage     Usage     `json:"usage" db:"-"`
	Expiry    time.Time `json:"expiry" db:"expiry"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Remaining reports the quota left before Limits is hit.
func (l *License) Remaining() Usage {
	return Usage{
		Scans: l.Limits.Scans - l.Usage.Scans,
		Users: l.Limits.Users - l.Usage.Users,
	}
}

// Active reports whether l can still authorize a billable event: status is
// active and the expiry instant has not passed. A License whose expiry has
// lapsed but whose status column is still "active" (no background job has
// flipped it yet) counts as inactive here.
func (l *License) Active(now time.Time) bool {
	return l.Status == StatusActive && now.Before(l.Expiry)
}

// Local is a remote server instance bound to exactly one License.
type Local struct {
	ID          uuid.UUID `json:"id" db:"id"`
	LicenseID   uuid.UUID `json:"license_id" db:"license_id"`
	LocalID     string    `json:"local_id" db:"local_id"`
	PublicKey   string    `json:"public_key" db:"public_key"`
	MachineUUID string    `json:"machine_uuid,omitempty" db:"machine_uuid"`
	Status      string    `json:"status" db:"status"`
	Nonce       *string   `json:"-" db:"nonce"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
