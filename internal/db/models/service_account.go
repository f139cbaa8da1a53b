// Package models defines the database model types for the credential registry.
// Each type corresponds to a database table and uses struct tags for sqlx row
// scanning. Models are pure data types — business logic belongs in the keys
// package, query logic in the repositories package.
package models

import "time"

// ServiceAccount is the mid-tier principal of the trust model: one per owning
// user, holding the client_id/client_secret pair under which API keys are
// minted. The row ID doubles as the client_id presented by callers.
type ServiceAccount struct {
	ID           string     `db:"id"`
	OwnerID      string     `db:"owner_id"`
	ClientSecret string     `db:"client_secret"` // generated once, immutable
	Description  *string    `db:"description"`
	CreatedAt    time.Time  `db:"created_at"`
	CreatedBy    string     `db:"created_by"`
	UpdatedAt    time.Time  `db:"updated_at"`
	UpdatedBy    string     `db:"updated_by"`
	DeletedAt    *time.Time `db:"deleted_at"`
	DeletedBy    *string    `db:"deleted_by"`
}

// IsDeleted reports whether the account has been soft-deleted. A deleted
// account never authenticates and is never returned by owner lookup.
func (s *ServiceAccount) IsDeleted() bool {
	return s.DeletedAt != nil
}
