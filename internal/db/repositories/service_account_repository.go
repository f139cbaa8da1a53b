// service_account_repository.go implements ServiceAccountRepository, providing
// database queries for the owner → service account relationship: creation,
// lookup by id and owner, and the deleted-owner probe used to block
// re-provisioning under a retired owner.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/credential-registry/credential-registry/internal/db/models"
)

// ErrDuplicate is returned when an insert trips a uniqueness constraint.
// For api_keys.api_key this is the collision signal the generator retries on.
var ErrDuplicate = errors.New("unique constraint violation")

// isUniqueViolation reports whether err is a PostgreSQL unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ServiceAccountRepository handles service account database operations
type ServiceAccountRepository struct {
	db *sqlx.DB
}

// NewServiceAccountRepository creates a new ServiceAccountRepository
func NewServiceAccountRepository(db *sqlx.DB) *ServiceAccountRepository {
	return &ServiceAccountRepository{db: db}
}

// Create inserts a new service account. The ID is generated here and written
// back to the model along with the timestamps.
func (r *ServiceAccountRepository) Create(ctx context.Context, sa *models.ServiceAccount) error {
	sa.ID = uuid.New().String()
	now := time.Now().UTC()
	sa.CreatedAt = now
	sa.UpdatedAt = now

	query := `
		INSERT INTO service_accounts (id, owner_id, client_secret, description, created_at, created_by, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		sa.ID,
		sa.OwnerID,
		sa.ClientSecret,
		sa.Description,
		sa.CreatedAt,
		sa.CreatedBy,
		sa.UpdatedAt,
		sa.UpdatedBy,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("service account for owner %s: %w", sa.OwnerID, ErrDuplicate)
	}
	return err
}

// GetByID retrieves a non-deleted service account by its id (the client_id).
// Returns (nil, nil) when absent or soft-deleted.
func (r *ServiceAccountRepository) GetByID(ctx context.Context, id string) (*models.ServiceAccount, error) {
	query := `
		SELECT id, owner_id, client_secret, description, created_at, created_by, updated_at, updated_by, deleted_at, deleted_by
		FROM service_accounts
		WHERE id = $1 AND deleted_at IS NULL
	`

	sa := &models.ServiceAccount{}
	err := r.db.GetContext(ctx, sa, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sa, nil
}

// GetByOwner retrieves the non-deleted service account for an owner.
// Returns (nil, nil) when the owner has no live account.
func (r *ServiceAccountRepository) GetByOwner(ctx context.Context, ownerID string) (*models.ServiceAccount, error) {
	query := `
		SELECT id, owner_id, client_secret, description, created_at, created_by, updated_at, updated_by, deleted_at, deleted_by
		FROM service_accounts
		WHERE owner_id = $1 AND deleted_at IS NULL
	`

	sa := &models.ServiceAccount{}
	err := r.db.GetContext(ctx, sa, query, ownerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sa, nil
}

// HasDeletedForOwner reports whether the owner has a soft-deleted service
// account. Provisioning never revives or recreates under such an owner.
func (r *ServiceAccountRepository) HasDeletedForOwner(ctx context.Context, ownerID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM service_accounts
			WHERE owner_id = $1 AND deleted_at IS NOT NULL
		)
	`

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, ownerID); err != nil {
		return false, err
	}
	return exists, nil
}
