package models

import "time"

// APIKey is a short-lived credential minted under a ServiceAccount. The token
// value is globally unique across all rows, including soft-deleted ones, and
// immutable after creation.
type APIKey struct {
	ID          int64      `db:"id"`
	ClientID    string     `db:"client_id"`
	Key         string     `db:"api_key"`
	Name        string     `db:"name"`
	Description *string    `db:"description"`
	IsActive    bool       `db:"is_active"`
	ExpiryDate  *time.Time `db:"expiry_date"`
	CreatedAt   time.Time  `db:"created_at"`
	CreatedBy   string     `db:"created_by"`
	UpdatedAt   time.Time  `db:"updated_at"`
	UpdatedBy   string     `db:"updated_by"`
	DeletedAt   *time.Time `db:"deleted_at"`
	DeletedBy   *string    `db:"deleted_by"`

	// ExpiryNotifiedAt is stamped by the expiry scanner when the one-time
	// warning for this key has been emitted. Only populated by scanner
	// queries.
	ExpiryNotifiedAt *time.Time `db:"expiry_notified_at"`

	// Joined field (not stored in api_keys): the owning account's secret,
	// populated by list queries that join service_accounts.
	ClientSecret *string `db:"client_secret"`
}

// KeyStatus is the read-time classification of a key. It is derived, never
// persisted as a column.
type KeyStatus string

const (
	StatusActive   KeyStatus = "active"
	StatusInactive KeyStatus = "inactive"
	StatusExpired  KeyStatus = "expired"
	StatusDeleted  KeyStatus = "deleted"
)

// DeriveKeyStatus classifies a key from its stored flags. Precedence is
// deleted > inactive > expired > active; the expiry comparison is non-strict,
// so a key expiring exactly at now is already expired.
//
// Every surface that renders a status (create, update, remove, list,
// validate responses) must go through this function rather than re-deriving
// the precedence locally.
func DeriveKeyStatus(deletedAt *time.Time, isActive bool, expiryDate *time.Time, now time.Time) KeyStatus {
	switch {
	case deletedAt != nil:
		return StatusDeleted
	case !isActive:
		return StatusInactive
	case expiryDate != nil && !expiryDate.After(now):
		return StatusExpired
	default:
		return StatusActive
	}
}

// Status classifies the key as of now.
func (k *APIKey) Status(now time.Time) KeyStatus {
	return DeriveKeyStatus(k.DeletedAt, k.IsActive, k.ExpiryDate, now)
}
