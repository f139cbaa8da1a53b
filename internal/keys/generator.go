// generator.go mints API key tokens under a global uniqueness guarantee.
// Collision handling is belt and suspenders: a pre-insert lookup catches the
// astronomically unlikely duplicate cheaply, and the store's uniqueness
// constraint closes the remaining check-then-act window under concurrency —
// a constraint violation on insert is retried exactly like a pre-check hit.
package keys

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/credential-registry/credential-registry/internal/audit"
	"github.com/credential-registry/credential-registry/internal/db/models"
	"github.com/credential-registry/credential-registry/internal/db/repositories"
	"github.com/credential-registry/credential-registry/internal/telemetry"
)

// maxGenerationAttempts bounds the collision retry loop. Exhausting it is
// fatal for the request and alert-worthy for the operator: with 256-bit
// tokens it indicates something far worse than bad luck.
const maxGenerationAttempts = 3

// GenerateParams are the inputs to one key minting request. ClientID must
// reference an existing service account; the orchestrator resolves it before
// calling the generator.
type GenerateParams struct {
	ClientID    string
	Name        string
	Description *string
	IsActive    bool
	ExpiresAt   *time.Time
	CreatedBy   string
}

// Generator produces collision-free API key tokens and persists them.
type Generator struct {
	store      KeyStore
	recorder   audit.Recorder
	defaultTTL time.Duration
	now        func() time.Time
}

// NewGenerator builds a Generator. defaultTTL is applied when a request omits
// the expiry; the generator, not the caller, owns this default.
func NewGenerator(store KeyStore, recorder audit.Recorder, defaultTTL time.Duration) *Generator {
	return &Generator{
		store:      store,
		recorder:   recorder,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Generate mints a unique token and persists the key row. Input validation
// happens before any I/O; each attempt costs one read and, on a non-colliding
// token, one write. The returned model carries the raw token — the caller
// sees it exactly once, and the stored row is its only other copy.
func (g *Generator) Generate(ctx context.Context, p GenerateParams) (*models.APIKey, error) {
	if strings.TrimSpace(p.ClientID) == "" {
		return nil, invalidRequest("client id must not be blank")
	}
	now := g.now().UTC()
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return nil, invalidRequest("expires_at must be in the future")
	}

	expiry := p.ExpiresAt
	if expiry == nil {
		d := now.Add(g.defaultTTL)
		expiry = &d
	}

	for attempt := 1; attempt <= maxGenerationAttempts; attempt++ {
		token, err := mintToken()
		if err != nil {
			telemetry.KeyGenerationAttemptsTotal.WithLabelValues("error").Inc()
			return nil, internalError("token minting failed", err)
		}

		exists, err := g.store.ExistsByToken(ctx, token)
		if err != nil {
			telemetry.KeyGenerationAttemptsTotal.WithLabelValues("error").Inc()
			return nil, internalError("token uniqueness check failed", err)
		}
		if exists {
			g.recordAttempt(ctx, p, token, attempt, "collision", now)
			telemetry.KeyGenerationAttemptsTotal.WithLabelValues("collision").Inc()
			continue
		}

		key := &models.APIKey{
			ClientID:    p.ClientID,
			Key:         token,
			Name:        p.Name,
			Description: p.Description,
			IsActive:    p.IsActive,
			ExpiryDate:  expiry,
			CreatedBy:   p.CreatedBy,
			UpdatedBy:   p.CreatedBy,
		}
		err = g.store.Create(ctx, key)
		if errors.Is(err, repositories.ErrDuplicate) {
			// Lost the race to a concurrent insert of the same token.
			g.recordAttempt(ctx, p, token, attempt, "collision", now)
			telemetry.KeyGenerationAttemptsTotal.WithLabelValues("collision").Inc()
			continue
		}
		if err != nil {
			telemetry.KeyGenerationAttemptsTotal.WithLabelValues("error").Inc()
			return nil, internalError("key persistence failed", err)
		}

		g.recordAttempt(ctx, p, token, attempt, "success", now)
		telemetry.KeyGenerationAttemptsTotal.WithLabelValues("success").Inc()
		return key, nil
	}

	telemetry.KeyGenerationExhaustedTotal.Inc()
	g.recorder.Record(ctx, &audit.Event{
		Action:     "key.generate",
		Outcome:    "exhausted",
		ClientID:   p.ClientID,
		Attempt:    maxGenerationAttempts,
		DurationMS: g.now().UTC().Sub(now).Milliseconds(),
	})
	return nil, ErrGenerationExhausted
}

// recordAttempt emits the per-attempt audit event. These are append-only
// observability records, never control flow. start is the operation entry
// time, so the event carries the latency accumulated across attempts.
func (g *Generator) recordAttempt(ctx context.Context, p GenerateParams, token string, attempt int, outcome string, start time.Time) {
	g.recorder.Record(ctx, &audit.Event{
		Action:     "key.generate",
		Outcome:    outcome,
		ClientID:   p.ClientID,
		KeyPrefix:  audit.MaskKey(token),
		Attempt:    attempt,
		DurationMS: g.now().UTC().Sub(start).Milliseconds(),
	})
}
