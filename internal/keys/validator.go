// validator.go implements the two-factor validation protocol. Ordering is
// load-bearing: client identity is proven before any key lookup happens, so
// an attacker without valid client credentials learns nothing about which
// keys exist.
package keys

import (
	"context"
	"time"

	"github.com/credential-registry/credential-registry/internal/audit"
	"github.com/credential-registry/credential-registry/internal/db/models"
	"github.com/credential-registry/credential-registry/internal/telemetry"
)

// Expiry states reported on successful validation.
const (
	ExpiryNone       = "NO_EXPIRY"
	ExpiryNotExpired = "NOT_EXPIRED"
)

// KeyValidation is the successful outcome of a key check.
type KeyValidation struct {
	Key         *models.APIKey
	ExpiryState string
	Status      models.KeyStatus
}

// Validator authenticates client credentials and checks presented keys.
type Validator struct {
	accounts AccountStore
	keys     KeyStore
	recorder audit.Recorder
	now      func() time.Time
}

// NewValidator builds a Validator.
func NewValidator(accounts AccountStore, keys KeyStore, recorder audit.Recorder) *Validator {
	return &Validator{
		accounts: accounts,
		keys:     keys,
		recorder: recorder,
		now:      time.Now,
	}
}

// Authenticate resolves the service account behind a client_id/client_secret
// pair. A soft-deleted account is indistinguishable from an absent one here:
// both fail with INVALID_CLIENT_ID.
func (v *Validator) Authenticate(ctx context.Context, clientID, clientSecret string) (*models.ServiceAccount, error) {
	account, err := v.accounts.GetByID(ctx, clientID)
	if err != nil {
		return nil, internalError("service account lookup failed", err)
	}
	if account == nil {
		return nil, ErrInvalidClientID
	}
	if !secretsEqual(clientSecret, account.ClientSecret) {
		return nil, ErrInvalidClientSecret
	}
	return account, nil
}

// ValidateKey scans the active keys of clientID for an exact match against
// the presented raw key, then checks expiry. The caller must have
// authenticated the client first; this method reveals key existence.
func (v *Validator) ValidateKey(ctx context.Context, rawKey, clientID string) (*KeyValidation, error) {
	masked := audit.MaskKey(rawKey)
	start := v.now().UTC()

	candidates, err := v.keys.ListActiveByClient(ctx, clientID)
	if err != nil {
		v.record(ctx, masked, clientID, 0, "error", start)
		return nil, internalError("key lookup failed", err)
	}

	var match *models.APIKey
	for _, k := range candidates {
		if secretsEqual(rawKey, k.Key) {
			match = k
			break
		}
	}
	if match == nil {
		v.record(ctx, masked, clientID, 0, "key_not_found", start)
		return nil, ErrKeyNotFound
	}

	// Candidate set is filtered to active rows; an inactive match here would
	// mean the store broke its contract.
	if !match.IsActive {
		v.record(ctx, masked, clientID, match.ID, "key_inactive", start)
		return nil, ErrKeyNotFound
	}

	now := v.now().UTC()
	if match.ExpiryDate != nil && !match.ExpiryDate.After(now) {
		v.record(ctx, masked, clientID, match.ID, "key_expired", start)
		return nil, ErrKeyExpired
	}

	expiryState := ExpiryNotExpired
	if match.ExpiryDate == nil {
		expiryState = ExpiryNone
	}

	v.record(ctx, masked, clientID, match.ID, "valid", start)
	return &KeyValidation{
		Key:         match,
		ExpiryState: expiryState,
		Status:      match.Status(now),
	}, nil
}

func (v *Validator) record(ctx context.Context, maskedKey, clientID string, keyID int64, outcome string, start time.Time) {
	telemetry.KeyValidationsTotal.WithLabelValues(outcome).Inc()
	v.recorder.Record(ctx, &audit.Event{
		Action:     "key.validate",
		Outcome:    outcome,
		ClientID:   clientID,
		KeyID:      keyID,
		KeyPrefix:  maskedKey,
		DurationMS: v.now().UTC().Sub(start).Milliseconds(),
	})
}
