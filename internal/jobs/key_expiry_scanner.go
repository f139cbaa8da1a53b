// Package jobs holds the background work that runs alongside the HTTP
// server. Jobs are started from cmd/server and stopped during graceful
// shutdown after in-flight requests have drained.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/credential-registry/credential-registry/internal/audit"
	"github.com/credential-registry/credential-registry/internal/db/models"
	"github.com/credential-registry/credential-registry/internal/telemetry"
)

// ExpiringKeyStore is the repository slice the scanner needs.
type ExpiringKeyStore interface {
	FindExpiringKeys(ctx context.Context, now time.Time, window time.Duration) ([]*models.APIKey, error)
	MarkExpiryNotified(ctx context.Context, id int64, at time.Time) error
}

// KeyExpiryScanner periodically finds API keys approaching their expiry date
// and emits a one-time warning for each: an audit event and a Prometheus
// counter increment. The notification stamp is persisted in the database
// (expiry_notified_at) so warnings fire exactly once even across restarts.
type KeyExpiryScanner struct {
	store    ExpiringKeyStore
	recorder audit.Recorder
	window   time.Duration
	interval time.Duration
	stopChan chan struct{}
	now      func() time.Time
}

// NewKeyExpiryScanner creates the scanner. warningDays is the window before
// expiry inside which a key gets its warning; intervalHours controls how
// often the check runs. Non-positive values fall back to 7 days / 12 hours.
func NewKeyExpiryScanner(store ExpiringKeyStore, recorder audit.Recorder, warningDays, intervalHours int) *KeyExpiryScanner {
	if warningDays <= 0 {
		warningDays = 7
	}
	if intervalHours <= 0 {
		intervalHours = 12
	}
	return &KeyExpiryScanner{
		store:    store,
		recorder: recorder,
		window:   time.Duration(warningDays) * 24 * time.Hour,
		interval: time.Duration(intervalHours) * time.Hour,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the background scan loop. It runs an initial check
// immediately, then repeats on the configured interval. The loop exits when
// ctx is cancelled or Stop is called.
func (s *KeyExpiryScanner) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("key expiry scanner started",
		"interval", s.interval,
		"warning_window", s.window,
	)

	s.runCheck(ctx)

	for {
		select {
		case <-ticker.C:
			s.runCheck(ctx)
		case <-s.stopChan:
			slog.Info("key expiry scanner stopped")
			return
		case <-ctx.Done():
			slog.Info("key expiry scanner context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (s *KeyExpiryScanner) Stop() {
	close(s.stopChan)
}

// runCheck emits the warning for every key that entered the window since the
// last pass. A key is only stamped after its warning went out, so a failure
// here means the key is retried on the next tick rather than lost.
func (s *KeyExpiryScanner) runCheck(ctx context.Context) {
	now := s.now().UTC()

	keys, err := s.store.FindExpiringKeys(ctx, now, s.window)
	if err != nil {
		slog.Error("key expiry scanner: query failed", "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}

	slog.Info("key expiry scanner: keys approaching expiry", "count", len(keys))

	for _, key := range keys {
		telemetry.KeyExpiryWarningsTotal.Inc()
		s.recorder.Record(ctx, &audit.Event{
			Action:    "key.expiry_warning",
			Outcome:   "warned",
			ClientID:  key.ClientID,
			KeyID:     key.ID,
			KeyPrefix: audit.MaskKey(key.Key),
			Metadata: map[string]any{
				"name":        key.Name,
				"expiry_date": key.ExpiryDate.UTC().Format(time.RFC3339),
			},
		})

		if err := s.store.MarkExpiryNotified(ctx, key.ID, now); err != nil {
			slog.Error("key expiry scanner: failed to stamp notification",
				"key_id", key.ID,
				"error", err,
			)
		}
	}
}
