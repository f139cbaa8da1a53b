// Package keys implements the credential lifecycle engine: key generation
// under a global uniqueness guarantee, two-factor validation, lifecycle
// status derivation, filtered listing, and the orchestration that ties them
// to the service account trust tier.
//
// Each operation is stateless and self-contained; the store is the only
// shared-mutation point, so any number of operations may run concurrently.
// All suspension points are store I/O carrying the request context.
package keys

import (
	"context"
	"strings"
	"time"

	"github.com/credential-registry/credential-registry/internal/audit"
	"github.com/credential-registry/credential-registry/internal/db/models"
	"github.com/credential-registry/credential-registry/internal/telemetry"
)

// Service is the orchestrator for the five lifecycle operations. It owns the
// cross-entity invariants: one live service account per owner, provisioning
// on first use, validation ordering, and error-to-outcome mapping.
type Service struct {
	accounts  AccountStore
	keys      KeyStore
	generator *Generator
	validator *Validator
	recorder  audit.Recorder
	now       func() time.Time
}

// NewService wires the orchestrator. defaultTTL is the expiry applied to keys
// created without one.
func NewService(accounts AccountStore, keys KeyStore, recorder audit.Recorder, defaultTTL time.Duration) *Service {
	return &Service{
		accounts:  accounts,
		keys:      keys,
		generator: NewGenerator(keys, recorder, defaultTTL),
		validator: NewValidator(accounts, keys, recorder),
		recorder:  recorder,
		now:       time.Now,
	}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

// CreateKeyParams are the inputs to key creation. IsActive defaults to true
// when nil; ExpiresAt nil means "apply the generator's default lifetime".
type CreateKeyParams struct {
	OwnerID     string
	Name        string
	Description *string
	IsActive    *bool
	ExpiresAt   *time.Time
}

// CreateKeyResult is the one-time-exposure projection returned on creation.
// RawKey and ClientSecret appear here and nowhere else in reversible form
// beyond the store's own copy.
type CreateKeyResult struct {
	KeyID        int64
	RawKey       string
	ClientID     string
	ClientSecret string
	Name         string
	Description  *string
	IsActive     bool
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	Status       models.KeyStatus
}

// CreateKey resolves or provisions the owner's service account, mints a
// unique key under it, and returns the full credential set.
func (s *Service) CreateKey(ctx context.Context, p CreateKeyParams) (*CreateKeyResult, error) {
	ownerID := strings.TrimSpace(p.OwnerID)
	if ownerID == "" {
		return nil, invalidRequest("owner_id must not be blank")
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, invalidRequest("name is required")
	}
	now := s.now().UTC()
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return nil, invalidRequest("expires_at must be in the future")
	}

	account, err := s.provisionOrReuse(ctx, ownerID, p.Description)
	if err != nil {
		return nil, err
	}

	isActive := true
	if p.IsActive != nil {
		isActive = *p.IsActive
	}

	key, err := s.generator.Generate(ctx, GenerateParams{
		ClientID:    account.ID,
		Name:        p.Name,
		Description: p.Description,
		IsActive:    isActive,
		ExpiresAt:   p.ExpiresAt,
		CreatedBy:   ownerID,
	})
	if err != nil {
		return nil, err
	}

	return &CreateKeyResult{
		KeyID:        key.ID,
		RawKey:       key.Key,
		ClientID:     account.ID,
		ClientSecret: account.ClientSecret,
		Name:         key.Name,
		Description:  key.Description,
		IsActive:     key.IsActive,
		CreatedAt:    key.CreatedAt,
		ExpiresAt:    key.ExpiryDate,
		Status:       key.Status(s.now().UTC()),
	}, nil
}

// provisionOrReuse returns the owner's live service account, creating it on
// first use. The existing secret is echoed back on reuse so the caller always
// receives a complete credential set. An owner with only a soft-deleted
// account is terminal: accounts are never revived or recreated under it.
func (s *Service) provisionOrReuse(ctx context.Context, ownerID string, description *string) (*models.ServiceAccount, error) {
	start := s.now().UTC()

	account, err := s.accounts.GetByOwner(ctx, ownerID)
	if err != nil {
		return nil, internalError("service account lookup failed", err)
	}
	if account != nil {
		return account, nil
	}

	deleted, err := s.accounts.HasDeletedForOwner(ctx, ownerID)
	if err != nil {
		return nil, internalError("service account lookup failed", err)
	}
	if deleted {
		return nil, ErrServiceAccountDeleted
	}

	secret, err := mintToken()
	if err != nil {
		return nil, internalError("client secret minting failed", err)
	}
	account = &models.ServiceAccount{
		OwnerID:      ownerID,
		ClientSecret: secret,
		Description:  description,
		CreatedBy:    ownerID,
		UpdatedBy:    ownerID,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, internalError("service account creation failed", err)
	}

	telemetry.ServiceAccountsProvisionedTotal.Inc()
	s.recorder.Record(ctx, &audit.Event{
		Action:     "account.provision",
		Outcome:    "success",
		ClientID:   account.ID,
		OwnerID:    ownerID,
		DurationMS: s.now().UTC().Sub(start).Milliseconds(),
	})
	return account, nil
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

// ValidateResult is the success payload of key validation.
type ValidateResult struct {
	KeyID       int64
	OwnerID     string
	ClientID    string
	ExpiresAt   *time.Time
	Status      models.KeyStatus
	ExpiryState string
}

// ValidateKey runs the two-factor protocol: client credentials first, key
// second. Client authentication failures are reported before any key lookup,
// so a valid key with a wrong secret fails with INVALID_CLIENT_SECRET and
// never reveals whether the key exists.
func (s *Service) ValidateKey(ctx context.Context, clientID, clientSecret, rawKey string) (*ValidateResult, error) {
	start := s.now().UTC()

	account, err := s.validator.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		outcome := strings.ToLower(CodeOf(err))
		telemetry.KeyValidationsTotal.WithLabelValues(outcome).Inc()
		s.recorder.Record(ctx, &audit.Event{
			Action:     "key.validate",
			Outcome:    outcome,
			ClientID:   clientID,
			KeyPrefix:  audit.MaskKey(rawKey),
			DurationMS: s.now().UTC().Sub(start).Milliseconds(),
		})
		return nil, err
	}

	validation, err := s.validator.ValidateKey(ctx, rawKey, account.ID)
	if err != nil {
		return nil, err
	}

	return &ValidateResult{
		KeyID:       validation.Key.ID,
		OwnerID:     account.OwnerID,
		ClientID:    account.ID,
		ExpiresAt:   validation.Key.ExpiryDate,
		Status:      validation.Status,
		ExpiryState: validation.ExpiryState,
	}, nil
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

// UpdateKeyParams carries the mutable fields. At least one must be non-nil.
type UpdateKeyParams struct {
	Name        *string
	Description *string
	ExpiresAt   *time.Time
	IsActive    *bool
	UpdatedBy   string
}

// KeyProjection is the read model returned by update.
type KeyProjection struct {
	KeyID       int64
	ClientID    string
	Name        string
	Description *string
	IsActive    bool
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Status      models.KeyStatus
}

// UpdateKey applies a partial update to a live key. Soft-deleted keys are
// indistinguishable from absent ones here.
func (s *Service) UpdateKey(ctx context.Context, id int64, p UpdateKeyParams) (*KeyProjection, error) {
	start := s.now().UTC()
	if p.Name == nil && p.Description == nil && p.ExpiresAt == nil && p.IsActive == nil {
		return nil, invalidRequest("at least one field must be provided")
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return nil, invalidRequest("name must not be blank")
	}
	now := s.now().UTC()
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return nil, invalidRequest("expires_at must be in the future")
	}

	key, err := s.keys.GetByID(ctx, id)
	if err != nil {
		return nil, internalError("key lookup failed", err)
	}
	if key == nil || key.DeletedAt != nil {
		return nil, ErrKeyNotFound
	}

	if p.Name != nil {
		key.Name = *p.Name
	}
	if p.Description != nil {
		key.Description = p.Description
	}
	if p.ExpiresAt != nil {
		key.ExpiryDate = p.ExpiresAt
	}
	if p.IsActive != nil {
		key.IsActive = *p.IsActive
	}
	key.UpdatedBy = p.UpdatedBy

	if err := s.keys.Update(ctx, key); err != nil {
		return nil, internalError("key update failed", err)
	}

	s.recorder.Record(ctx, &audit.Event{
		Action:     "key.update",
		Outcome:    "success",
		ClientID:   key.ClientID,
		KeyID:      key.ID,
		DurationMS: s.now().UTC().Sub(start).Milliseconds(),
	})

	return &KeyProjection{
		KeyID:       key.ID,
		ClientID:    key.ClientID,
		Name:        key.Name,
		Description: key.Description,
		IsActive:    key.IsActive,
		ExpiresAt:   key.ExpiryDate,
		CreatedAt:   key.CreatedAt,
		UpdatedAt:   key.UpdatedAt,
		Status:      key.Status(s.now().UTC()),
	}, nil
}

// ---------------------------------------------------------------------------
// Remove
// ---------------------------------------------------------------------------

// RemoveKeyResult is the soft-delete projection.
type RemoveKeyResult struct {
	KeyID     int64
	ClientID  string
	Status    models.KeyStatus
	DeletedAt time.Time
	DeletedBy string
}

// RemoveKey soft-deletes a key. Removing an already-removed key is a
// conflict and leaves the original deleted_at untouched.
func (s *Service) RemoveKey(ctx context.Context, id int64, deletedBy string) (*RemoveKeyResult, error) {
	start := s.now().UTC()
	if strings.TrimSpace(deletedBy) == "" {
		return nil, invalidRequest("deleted_by must not be blank")
	}

	key, err := s.keys.GetByID(ctx, id)
	if err != nil {
		return nil, internalError("key lookup failed", err)
	}
	if key == nil {
		return nil, ErrKeyNotFound
	}
	if key.DeletedAt != nil {
		return nil, ErrKeyAlreadyDeleted
	}

	deletedAt := s.now().UTC()
	if err := s.keys.SoftDelete(ctx, id, deletedBy, deletedAt); err != nil {
		return nil, internalError("key removal failed", err)
	}

	s.recorder.Record(ctx, &audit.Event{
		Action:     "key.remove",
		Outcome:    "success",
		ClientID:   key.ClientID,
		KeyID:      key.ID,
		DurationMS: s.now().UTC().Sub(start).Milliseconds(),
	})

	return &RemoveKeyResult{
		KeyID:     key.ID,
		ClientID:  key.ClientID,
		Status:    models.StatusDeleted,
		DeletedAt: deletedAt,
		DeletedBy: deletedBy,
	}, nil
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

// ListItem is one key in a listing, including the owning account's secret —
// listings are a credential recovery surface in this design.
type ListItem struct {
	KeyID        int64
	ClientID     string
	ClientSecret string
	Name         string
	Description  *string
	IsActive     bool
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
	Status       models.KeyStatus
}

// ListKeysResult pairs the page with its pagination envelope.
type ListKeysResult struct {
	Keys       []ListItem
	Pagination Pagination
}

// ListKeys executes a filtered, paginated listing.
func (s *Service) ListKeys(ctx context.Context, p ListParams) (*ListKeysResult, error) {
	now := s.now().UTC()
	filter, page, limit := p.normalize(now)

	rows, total, err := s.keys.List(ctx, filter)
	if err != nil {
		return nil, internalError("key listing failed", err)
	}

	items := make([]ListItem, 0, len(rows))
	for _, k := range rows {
		secret := ""
		if k.ClientSecret != nil {
			secret = *k.ClientSecret
		}
		items = append(items, ListItem{
			KeyID:        k.ID,
			ClientID:     k.ClientID,
			ClientSecret: secret,
			Name:         k.Name,
			Description:  k.Description,
			IsActive:     k.IsActive,
			ExpiresAt:    k.ExpiryDate,
			CreatedAt:    k.CreatedAt,
			UpdatedAt:    k.UpdatedAt,
			DeletedAt:    k.DeletedAt,
			Status:       k.Status(now),
		})
	}

	return &ListKeysResult{
		Keys:       items,
		Pagination: paginate(page, limit, total),
	}, nil
}
