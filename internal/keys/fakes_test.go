package keys

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/credential-registry/credential-registry/internal/audit"
	"github.com/credential-registry/credential-registry/internal/db/models"
	"github.com/credential-registry/credential-registry/internal/db/repositories"
)

// ---------------------------------------------------------------------------
// In-memory stores
// ---------------------------------------------------------------------------

type memAccounts struct {
	mu   sync.Mutex
	rows []*models.ServiceAccount
	err  error
}

func (m *memAccounts) Create(_ context.Context, sa *models.ServiceAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	sa.ID = fmt.Sprintf("sa-%d", len(m.rows)+1)
	now := time.Now().UTC()
	sa.CreatedAt = now
	sa.UpdatedAt = now
	m.rows = append(m.rows, sa)
	return nil
}

func (m *memAccounts) GetByID(_ context.Context, id string) (*models.ServiceAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, sa := range m.rows {
		if sa.ID == id && sa.DeletedAt == nil {
			return sa, nil
		}
	}
	return nil, nil
}

func (m *memAccounts) GetByOwner(_ context.Context, ownerID string) (*models.ServiceAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, sa := range m.rows {
		if sa.OwnerID == ownerID && sa.DeletedAt == nil {
			return sa, nil
		}
	}
	return nil, nil
}

func (m *memAccounts) HasDeletedForOwner(_ context.Context, ownerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	for _, sa := range m.rows {
		if sa.OwnerID == ownerID && sa.DeletedAt != nil {
			return true, nil
		}
	}
	return false, nil
}

type memKeys struct {
	mu     sync.Mutex
	rows   []*models.APIKey
	nextID int64

	// collideN makes the next N ExistsByToken calls report a collision.
	collideN int
	// dupN makes the next N Create calls fail with ErrDuplicate.
	dupN int
	err  error
}

func (m *memKeys) Create(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.dupN > 0 {
		m.dupN--
		return fmt.Errorf("api key token: %w", repositories.ErrDuplicate)
	}
	m.nextID++
	key.ID = m.nextID
	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now
	m.rows = append(m.rows, key)
	return nil
}

func (m *memKeys) ExistsByToken(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.collideN > 0 {
		m.collideN--
		return true, nil
	}
	for _, k := range m.rows {
		if k.Key == token {
			return true, nil
		}
	}
	return false, nil
}

func (m *memKeys) GetByID(_ context.Context, id int64) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, k := range m.rows {
		if k.ID == id {
			return k, nil
		}
	}
	return nil, nil
}

func (m *memKeys) ListActiveByClient(_ context.Context, clientID string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]*models.APIKey, 0)
	for _, k := range m.rows {
		if !k.IsActive || k.DeletedAt != nil {
			continue
		}
		if clientID != "" && k.ClientID != clientID {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func (m *memKeys) Update(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for i, k := range m.rows {
		if k.ID == key.ID {
			key.UpdatedAt = time.Now().UTC()
			m.rows[i] = key
			return nil
		}
	}
	return nil
}

func (m *memKeys) SoftDelete(_ context.Context, id int64, deletedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, k := range m.rows {
		if k.ID == id {
			k.DeletedAt = &at
			k.DeletedBy = &deletedBy
		}
	}
	return nil
}

func (m *memKeys) List(_ context.Context, f repositories.KeyFilter) ([]*models.APIKey, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, 0, m.err
	}

	filtered := make([]*models.APIKey, 0)
	for _, k := range m.rows {
		if !f.IncludeDeleted && k.DeletedAt != nil {
			continue
		}
		if f.ClientID != "" && k.ClientID != f.ClientID {
			continue
		}
		switch f.Status {
		case "active":
			if !k.IsActive || k.ExpiryDate == nil || !k.ExpiryDate.After(f.Now) {
				continue
			}
		case "inactive", "revoked":
			if k.IsActive {
				continue
			}
		case "expired":
			if k.ExpiryDate == nil || k.ExpiryDate.After(f.Now) {
				continue
			}
		}
		if f.Search != "" {
			needle := strings.ToLower(f.Search)
			desc := ""
			if k.Description != nil {
				desc = *k.Description
			}
			if !strings.Contains(strings.ToLower(k.Name), needle) &&
				!strings.Contains(strings.ToLower(desc), needle) {
				continue
			}
		}
		filtered = append(filtered, k)
	}

	total := len(filtered)
	if f.Offset >= total {
		return []*models.APIKey{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return filtered[f.Offset:end], total, nil
}

// ---------------------------------------------------------------------------
// Capturing audit recorder
// ---------------------------------------------------------------------------

type captureRecorder struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (c *captureRecorder) Record(_ context.Context, e *audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureRecorder) Close() error { return nil }

func (c *captureRecorder) byAction(action string) []*audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*audit.Event, 0)
	for _, e := range c.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func strPtr(s string) *string        { return &s }
func boolPtr(b bool) *bool           { return &b }
func timePtr(t time.Time) *time.Time { return &t }
