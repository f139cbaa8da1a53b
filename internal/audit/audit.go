// Package audit handles structured audit event emission for security-relevant
// credential operations: key issuance attempts, validation outcomes, updates,
// and revocations. Audit events are intentionally separate from application
// logs because they have different consumers and retention requirements —
// application logs are ephemeral debug output consumed by on-call engineers,
// while audit events are immutable records consumed by security teams and may
// be subject to compliance retention policies measured in years.
//
// Emission is strictly fire-and-forget: recorders never block the calling
// operation and shipping failures are swallowed (logged, never returned).
// Sensitive values are masked before they reach this package; the full raw
// key must never appear in an Event.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// Event is a structured audit record for one credential operation attempt.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Action     string         `json:"action"`
	Outcome    string         `json:"outcome"`
	ClientID   string         `json:"client_id,omitempty"`
	OwnerID    string         `json:"owner_id,omitempty"`
	KeyID      int64          `json:"key_id,omitempty"`
	KeyPrefix  string         `json:"key_prefix,omitempty"` // masked, never the full key
	Attempt    int            `json:"attempt,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Recorder accepts audit events. Implementations must be safe for concurrent
// use; callers treat Record as fire-and-forget.
type Recorder interface {
	Record(ctx context.Context, e *Event)
	Close() error
}

// MaskKey returns the first 8 characters of a raw key followed by a mask
// marker, for safe inclusion in audit events and logs.
func MaskKey(raw string) string {
	const visible = 8
	if len(raw) <= visible {
		return raw + "****"
	}
	return raw[:visible] + "****"
}

// ---------------------------------------------------------------------------
// Nop
// ---------------------------------------------------------------------------

// Nop is a Recorder that discards all events. Used in unit tests and when no
// shippers are configured.
type Nop struct{}

func (Nop) Record(context.Context, *Event) {}
func (Nop) Close() error                   { return nil }

// ---------------------------------------------------------------------------
// Async dispatcher
// ---------------------------------------------------------------------------

// Dispatcher fans events out to shippers off the caller's goroutine. A panic
// or error in a shipper is logged and swallowed so audit delivery can never
// fail a credential operation.
type Dispatcher struct {
	shippers []Shipper
	wg       sync.WaitGroup
}

// Shipper delivers a single event to one destination.
type Shipper interface {
	Ship(ctx context.Context, e *Event) error
	Close() error
}

// NewDispatcher builds a Dispatcher over the given shippers. With no shippers
// it behaves like Nop.
func NewDispatcher(shippers ...Shipper) *Dispatcher {
	return &Dispatcher{shippers: shippers}
}

// Record ships e to every destination in a background goroutine. The caller's
// context deadline is deliberately not propagated: an aborted request should
// still leave an audit trail.
func (d *Dispatcher) Record(_ context.Context, e *Event) {
	if len(d.shippers) == 0 {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in audit shipper", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, s := range d.shippers {
			if err := s.Ship(ctx, e); err != nil {
				slog.Warn("audit shipper error", "action", e.Action, "error", err)
			}
		}
	}()
}

// Close waits for in-flight events to drain, then closes all shippers.
func (d *Dispatcher) Close() error {
	d.wg.Wait()
	var lastErr error
	for _, s := range d.shippers {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// ---------------------------------------------------------------------------
// File shipper
// ---------------------------------------------------------------------------

// FileShipper appends events to a local JSON-lines file with size-based
// rotation.
type FileShipper struct {
	path       string
	maxSizeMB  int
	maxBackups int

	mu   sync.Mutex
	file *os.File
}

// NewFileShipper opens (or creates) the audit log file at path.
func NewFileShipper(path string, maxSizeMB, maxBackups int) (*FileShipper, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileShipper{path: path, maxSizeMB: maxSizeMB, maxBackups: maxBackups, file: file}, nil
}

// Ship writes one event as a JSON line.
func (fs *FileShipper) Ship(_ context.Context, e *Event) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.maxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.maxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				slog.Warn("failed to rotate audit log", "error", err)
			}
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// rotate shifts path → path.1 → path.2 … keeping maxBackups files.
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	for i := fs.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", fs.path, i), fmt.Sprintf("%s.%d", fs.path, i+1))
	}
	_ = os.Rename(fs.path, fs.path+".1")
	if fs.maxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.path, fs.maxBackups+1))
	}

	file, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

// Close closes the file.
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}

// ---------------------------------------------------------------------------
// Webhook shipper
// ---------------------------------------------------------------------------

// WebhookShipper POSTs each event as JSON to a configured endpoint.
type WebhookShipper struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookShipper builds a webhook shipper. timeout <= 0 defaults to 10s.
func NewWebhookShipper(url string, headers map[string]string, timeout time.Duration) *WebhookShipper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookShipper{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// Ship sends the event to the webhook endpoint.
func (ws *WebhookShipper) Ship(ctx context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op; the HTTP client owns no persistent resources.
func (ws *WebhookShipper) Close() error { return nil }
