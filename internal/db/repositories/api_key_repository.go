// api_key_repository.go implements APIKeyRepository, providing database queries
// for API key creation, token lookup, lifecycle updates, soft deletion, and the
// filtered/paginated listing that backs the query engine.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/credential-registry/credential-registry/internal/db/models"
)

// apiKeyColumns is the canonical select list for api_keys rows.
const apiKeyColumns = `id, client_id, api_key, name, description, is_active, expiry_date,
	       created_at, created_by, updated_at, updated_by, deleted_at, deleted_by`

// KeyFilter carries the already-normalized listing parameters. Normalization
// (page flooring, limit clamping, sort allow-listing) happens in the keys
// package; this layer only translates the filter into SQL.
type KeyFilter struct {
	ClientID       string
	Status         string // "", "active", "inactive", "revoked", "expired"
	Search         string // case-insensitive substring over name/description
	IncludeDeleted bool
	SortBy         string // must be an allow-listed column
	SortOrder      string // "ASC" or "DESC"
	Limit          int
	Offset         int
	Now            time.Time
}

// sortableColumns guards ORDER BY against injection; anything else falls back
// to created_at. The keys package applies the same allow-list, so hitting the
// fallback here means a programming error upstream, not a client error.
var sortableColumns = map[string]bool{
	"created_at":  true,
	"updated_at":  true,
	"expiry_date": true,
	"name":        true,
	"is_active":   true,
}

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *sqlx.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sqlx.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create inserts a new API key row and writes the generated id and timestamps
// back to the model. A unique_violation on the token column is returned as
// ErrDuplicate so the generator can treat it as a collision signal.
func (r *APIKeyRepository) Create(ctx context.Context, key *models.APIKey) error {
	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now

	query := `
		INSERT INTO api_keys (client_id, api_key, name, description, is_active, expiry_date, created_at, created_by, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		key.ClientID,
		key.Key,
		key.Name,
		key.Description,
		key.IsActive,
		key.ExpiryDate,
		key.CreatedAt,
		key.CreatedBy,
		key.UpdatedAt,
		key.UpdatedBy,
	).Scan(&key.ID)

	if isUniqueViolation(err) {
		return fmt.Errorf("api key token: %w", ErrDuplicate)
	}
	return err
}

// ExistsByToken reports whether any row holds this exact token value. The
// check is deliberately unscoped by deletion state: token uniqueness is
// global, soft-deleted rows included.
func (r *APIKeyRepository) ExistsByToken(ctx context.Context, token string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM api_keys WHERE api_key = $1)`

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, token); err != nil {
		return false, err
	}
	return exists, nil
}

// GetByID retrieves an API key by id, soft-deleted rows included. Callers
// inspect DeletedAt to distinguish removal conflicts from plain lookups.
// Returns (nil, nil) when absent.
func (r *APIKeyRepository) GetByID(ctx context.Context, id int64) (*models.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE id = $1
	`

	key := &models.APIKey{}
	err := r.db.GetContext(ctx, key, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// ListActiveByClient retrieves all live, active keys, scoped to a client when
// clientID is non-empty. This is the candidate set the validator scans, so
// inactive and soft-deleted keys are filtered here and can never authenticate.
func (r *APIKeyRepository) ListActiveByClient(ctx context.Context, clientID string) ([]*models.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE is_active = TRUE AND deleted_at IS NULL
	`
	args := []interface{}{}
	if clientID != "" {
		query += ` AND client_id = $1`
		args = append(args, clientID)
	}

	keys := make([]*models.APIKey, 0)
	if err := r.db.SelectContext(ctx, &keys, query, args...); err != nil {
		return nil, err
	}
	return keys, nil
}

// Update persists the mutable fields of a key.
func (r *APIKeyRepository) Update(ctx context.Context, key *models.APIKey) error {
	key.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE api_keys
		SET name = $2, description = $3, is_active = $4, expiry_date = $5, updated_at = $6, updated_by = $7
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query,
		key.ID,
		key.Name,
		key.Description,
		key.IsActive,
		key.ExpiryDate,
		key.UpdatedAt,
		key.UpdatedBy,
	)
	return err
}

// SoftDelete marks a key logically gone. The row, and in particular its token
// value, stays behind so global token uniqueness keeps covering it.
func (r *APIKeyRepository) SoftDelete(ctx context.Context, id int64, deletedBy string, at time.Time) error {
	query := `
		UPDATE api_keys
		SET deleted_at = $2, deleted_by = $3, updated_at = $2, updated_by = $3
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query, id, at, deletedBy)
	return err
}

// FindExpiringKeys returns live, active keys whose expiry_date falls inside
// the warning window ending at now+window and that have not yet been
// warned about. Already-expired keys are excluded; the warning is for keys
// still worth replacing.
func (r *APIKeyRepository) FindExpiringKeys(ctx context.Context, now time.Time, window time.Duration) ([]*models.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `, expiry_notified_at
		FROM api_keys
		WHERE deleted_at IS NULL
		  AND is_active = TRUE
		  AND expiry_notified_at IS NULL
		  AND expiry_date IS NOT NULL
		  AND expiry_date > $1
		  AND expiry_date <= $2
	`

	var keys []*models.APIKey
	if err := r.db.SelectContext(ctx, &keys, query, now, now.Add(window)); err != nil {
		return nil, err
	}
	return keys, nil
}

// MarkExpiryNotified stamps the one-time expiry warning for a key.
func (r *APIKeyRepository) MarkExpiryNotified(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE api_keys SET expiry_notified_at = $2 WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, id, at)
	return err
}

// List executes the filtered listing. The total is counted post-filter and
// pre-limit, then one page is fetched joined with the owning account so the
// caller can project client_secret into each item. Tie order within the sort
// column is left to the store.
func (r *APIKeyRepository) List(ctx context.Context, f KeyFilter) ([]*models.APIKey, int, error) {
	where, args := buildKeyPredicates(f)

	countQuery := `SELECT COUNT(*) FROM api_keys ak` + where
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	sortBy := f.SortBy
	if !sortableColumns[sortBy] {
		sortBy = "created_at"
	}
	sortOrder := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		sortOrder = "ASC"
	}

	pageQuery := `
		SELECT ak.id, ak.client_id, ak.api_key, ak.name, ak.description, ak.is_active, ak.expiry_date,
		       ak.created_at, ak.created_by, ak.updated_at, ak.updated_by, ak.deleted_at, ak.deleted_by,
		       sa.client_secret
		FROM api_keys ak
		JOIN service_accounts sa ON ak.client_id = sa.id` +
		where +
		fmt.Sprintf(" ORDER BY ak.%s %s LIMIT $%d OFFSET $%d", sortBy, sortOrder, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	keys := make([]*models.APIKey, 0)
	if err := r.db.SelectContext(ctx, &keys, pageQuery, args...); err != nil {
		return nil, 0, err
	}
	return keys, total, nil
}

// buildKeyPredicates translates a KeyFilter into a WHERE clause shared by the
// count and page queries. Predicates reference the "ak" alias.
func buildKeyPredicates(f KeyFilter) (string, []interface{}) {
	conds := make([]string, 0, 4)
	args := make([]interface{}, 0, 4)

	next := func() int { return len(args) + 1 }

	if !f.IncludeDeleted {
		conds = append(conds, "ak.deleted_at IS NULL")
	}

	if f.ClientID != "" {
		conds = append(conds, fmt.Sprintf("ak.client_id = $%d", next()))
		args = append(args, f.ClientID)
	}

	switch f.Status {
	case "active":
		// Null expiry means never-expiring, and such keys are deliberately
		// excluded from the active filter: it only matches rows with a real
		// future expiry_date.
		conds = append(conds, fmt.Sprintf("ak.is_active = TRUE AND ak.expiry_date > $%d", next()))
		args = append(args, f.Now)
	case "inactive", "revoked":
		conds = append(conds, "ak.is_active = FALSE")
	case "expired":
		conds = append(conds, fmt.Sprintf("ak.expiry_date <= $%d", next()))
		args = append(args, f.Now)
	}

	if f.Search != "" {
		n := next()
		conds = append(conds, fmt.Sprintf("(ak.name ILIKE $%d OR ak.description ILIKE $%d)", n, n))
		args = append(args, "%"+f.Search+"%")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
