package keys

import (
	"context"
	"time"

	"github.com/credential-registry/credential-registry/internal/db/models"
	"github.com/credential-registry/credential-registry/internal/db/repositories"
)

// AccountStore is the service account persistence surface consumed by this
// package. Satisfied by repositories.ServiceAccountRepository.
type AccountStore interface {
	Create(ctx context.Context, sa *models.ServiceAccount) error
	GetByID(ctx context.Context, id string) (*models.ServiceAccount, error)
	GetByOwner(ctx context.Context, ownerID string) (*models.ServiceAccount, error)
	HasDeletedForOwner(ctx context.Context, ownerID string) (bool, error)
}

// KeyStore is the API key persistence surface consumed by this package.
// Satisfied by repositories.APIKeyRepository. The store must enforce token
// uniqueness with a constraint; Create returning repositories.ErrDuplicate is
// the race-safe collision signal.
type KeyStore interface {
	Create(ctx context.Context, key *models.APIKey) error
	ExistsByToken(ctx context.Context, token string) (bool, error)
	GetByID(ctx context.Context, id int64) (*models.APIKey, error)
	ListActiveByClient(ctx context.Context, clientID string) ([]*models.APIKey, error)
	Update(ctx context.Context, key *models.APIKey) error
	SoftDelete(ctx context.Context, id int64, deletedBy string, at time.Time) error
	List(ctx context.Context, f repositories.KeyFilter) ([]*models.APIKey, int, error)
}
