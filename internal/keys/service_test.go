package keys

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/credential-registry/credential-registry/internal/db/models"
)

func newTestService() (*Service, *memAccounts, *memKeys, *captureRecorder) {
	accounts := &memAccounts{}
	store := &memKeys{}
	rec := &captureRecorder{}
	return NewService(accounts, store, rec, 365*24*time.Hour), accounts, store, rec
}

// ---------------------------------------------------------------------------
// CreateKey
// ---------------------------------------------------------------------------

func TestCreateKey_ProvisionsAccountOnFirstUse(t *testing.T) {
	svc, accounts, _, rec := newTestService()

	got, err := svc.CreateKey(context.Background(), CreateKeyParams{OwnerID: "owner-42", Name: "ci"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if got.RawKey == "" || got.ClientID == "" || got.ClientSecret == "" {
		t.Errorf("incomplete credential set: %+v", got)
	}
	if !got.IsActive {
		t.Error("is_active should default to true")
	}
	if got.ExpiresAt == nil {
		t.Fatal("default expiry should be applied")
	}
	if got.Status != models.StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if len(accounts.rows) != 1 {
		t.Fatalf("accounts = %d, want 1", len(accounts.rows))
	}
	if events := rec.byAction("account.provision"); len(events) != 1 {
		t.Errorf("provision audit events = %d, want 1", len(events))
	}
}

func TestCreateKey_ReusesAccountAndEchoesSecret(t *testing.T) {
	svc, accounts, _, rec := newTestService()
	ctx := context.Background()

	first, err := svc.CreateKey(ctx, CreateKeyParams{OwnerID: "owner-42", Name: "ci"})
	if err != nil {
		t.Fatalf("first CreateKey: %v", err)
	}
	second, err := svc.CreateKey(ctx, CreateKeyParams{OwnerID: "owner-42", Name: "deploy"})
	if err != nil {
		t.Fatalf("second CreateKey: %v", err)
	}

	if len(accounts.rows) != 1 {
		t.Fatalf("accounts = %d, want single account per owner", len(accounts.rows))
	}
	if second.ClientID != first.ClientID {
		t.Errorf("client ids differ: %s vs %s", first.ClientID, second.ClientID)
	}
	if second.ClientSecret != first.ClientSecret {
		t.Error("existing secret should be echoed on reuse")
	}
	if second.RawKey == first.RawKey {
		t.Error("keys must be distinct")
	}
	if events := rec.byAction("account.provision"); len(events) != 1 {
		t.Errorf("provision audit events = %d, want 1", len(events))
	}
}

func TestCreateKey_DeletedOwnerIsTerminal(t *testing.T) {
	svc, accounts, _, _ := newTestService()
	sa := seedAccount(t, accounts, "owner-42", "secret")
	now := time.Now()
	sa.DeletedAt = &now

	_, err := svc.CreateKey(context.Background(), CreateKeyParams{OwnerID: "owner-42", Name: "ci"})
	if !errors.Is(err, ErrServiceAccountDeleted) {
		t.Errorf("err = %v, want ErrServiceAccountDeleted", err)
	}
	if len(accounts.rows) != 1 {
		t.Errorf("no account may be recreated under a deleted owner")
	}
}

func TestCreateKey_Validation(t *testing.T) {
	svc, _, store, _ := newTestService()
	past := time.Now().UTC().Add(-time.Hour)

	tests := []struct {
		name   string
		params CreateKeyParams
	}{
		{"blank owner", CreateKeyParams{OwnerID: "  ", Name: "ci"}},
		{"blank name", CreateKeyParams{OwnerID: "owner-42", Name: ""}},
		{"past expiry", CreateKeyParams{OwnerID: "owner-42", Name: "ci", ExpiresAt: &past}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateKey(context.Background(), tt.params)
			if CodeOf(err) != CodeInvalidRequest {
				t.Errorf("code = %s, want INVALID_REQUEST", CodeOf(err))
			}
		})
	}
	if len(store.rows) != 0 {
		t.Errorf("validation failures must not write rows, got %d", len(store.rows))
	}
}

func TestCreateKey_ExplicitInactive(t *testing.T) {
	svc, _, _, _ := newTestService()

	got, err := svc.CreateKey(context.Background(), CreateKeyParams{
		OwnerID: "owner-42", Name: "ci", IsActive: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if got.IsActive {
		t.Error("explicit is_active=false should be honored")
	}
	if got.Status != models.StatusInactive {
		t.Errorf("status = %s, want inactive", got.Status)
	}
}

// ---------------------------------------------------------------------------
// ValidateKey
// ---------------------------------------------------------------------------

func TestValidateKey_Success(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, CreateKeyParams{OwnerID: "owner-42", Name: "ci"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	got, err := svc.ValidateKey(ctx, created.ClientID, created.ClientSecret, created.RawKey)
	if err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	if got.KeyID != created.KeyID {
		t.Errorf("key id = %d, want %d", got.KeyID, created.KeyID)
	}
	if got.OwnerID != "owner-42" {
		t.Errorf("owner = %s, want owner-42", got.OwnerID)
	}
	if got.ExpiryState != ExpiryNotExpired {
		t.Errorf("expiry state = %s, want %s", got.ExpiryState, ExpiryNotExpired)
	}
}

// A valid key presented with a wrong secret must fail on the client tier,
// without revealing whether the key exists.
func TestValidateKey_WrongSecretWinsOverValidKey(t *testing.T) {
	svc, _, _, rec := newTestService()
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, CreateKeyParams{OwnerID: "owner-42", Name: "ci"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	_, err = svc.ValidateKey(ctx, created.ClientID, "wrong", created.RawKey)
	if !errors.Is(err, ErrInvalidClientSecret) {
		t.Fatalf("err = %v, want ErrInvalidClientSecret", err)
	}

	events := rec.byAction("key.validate")
	if len(events) != 1 || events[0].Outcome != "invalid_client_secret" {
		t.Errorf("audit = %+v, want single invalid_client_secret event", events)
	}
}

func TestValidateKey_UnknownClient(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.ValidateKey(context.Background(), "nope", "s", "k")
	if !errors.Is(err, ErrInvalidClientID) {
		t.Errorf("err = %v, want ErrInvalidClientID", err)
	}
}

func TestValidateKey_RemovedKeyNotFound(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, CreateKeyParams{OwnerID: "owner-42", Name: "ci"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if _, err := svc.RemoveKey(ctx, created.KeyID, "owner-42"); err != nil {
		t.Fatalf("RemoveKey: %v", err)
	}

	_, err = svc.ValidateKey(ctx, created.ClientID, created.ClientSecret, created.RawKey)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound after removal", err)
	}
}

// ---------------------------------------------------------------------------
// UpdateKey
// ---------------------------------------------------------------------------

func TestUpdateKey_PartialUpdate(t *testing.T) {
	svc, _, _, rec := newTestService()
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, CreateKeyParams{OwnerID: "owner-42", Name: "ci"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	got, err := svc.UpdateKey(ctx, created.KeyID, UpdateKeyParams{
		Name:      strPtr("ci-renamed"),
		UpdatedBy: "owner-42",
	})
	if err != nil {
		t.Fatalf("UpdateKey: %v", err)
	}
	if got.Name != "ci-renamed" {
		t.Errorf("name = %s, want ci-renamed", got.Name)
	}
	if !got.IsActive {
		t.Error("untouched fields must be preserved")
	}
	if got.ExpiresAt == nil {
		t.Error("expiry must be preserved when not updated")
	}
	if events := rec.byAction("key.update"); len(events) != 1 {
		t.Errorf("update audit events = %d, want 1", len(events))
	}
}

func TestUpdateKey_Deactivate(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, CreateKeyParams{OwnerID: "owner-42", Name: "ci"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	got, err := svc.UpdateKey(ctx, created.KeyID, UpdateKeyParams{
		IsActive:  boolPtr(false),
		UpdatedBy: "owner-42",
	})
	if err != nil {
		t.Fatalf("UpdateKey: %v", err)
	}
	if got.Status != models.StatusInactive {
		t.Errorf("status = %s, want inactive", got.Status)
	}
}

func TestUpdateKey_Validation(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, CreateKeyParams{OwnerID: "owner-42", Name: "ci"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)

	tests := []struct {
		name   string
		params UpdateKeyParams
	}{
		{"no fields", UpdateKeyParams{UpdatedBy: "owner-42"}},
		{"blank name", UpdateKeyParams{Name: strPtr("  "), UpdatedBy: "owner-42"}},
		{"past expiry", UpdateKeyParams{ExpiresAt: &past, UpdatedBy: "owner-42"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateKey(ctx, created.KeyID, tt.params)
			if CodeOf(err) != CodeInvalidRequest {
				t.Errorf("code = %s, want INVALID_REQUEST", CodeOf(err))
			}
		})
	}
}

func TestUpdateKey_DeletedKeyNotFound(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, CreateKeyParams{OwnerID: "owner-42", Name: "ci"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if _, err := svc.RemoveKey(ctx, created.KeyID, "owner-42"); err != nil {
		t.Fatalf("RemoveKey: %v", err)
	}

	_, err = svc.UpdateKey(ctx, created.KeyID, UpdateKeyParams{Name: strPtr("x"), UpdatedBy: "owner-42"})
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound for deleted key", err)
	}
}

func TestUpdateKey_UnknownID(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.UpdateKey(context.Background(), 999, UpdateKeyParams{Name: strPtr("x"), UpdatedBy: "o"})
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// RemoveKey
// ---------------------------------------------------------------------------

func TestRemoveKey_SoftDeletes(t *testing.T) {
	svc, _, store, rec := newTestService()
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, CreateKeyParams{OwnerID: "owner-42", Name: "ci"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	got, err := svc.RemoveKey(ctx, created.KeyID, "owner-42")
	if err != nil {
		t.Fatalf("RemoveKey: %v", err)
	}
	if got.Status != models.StatusDeleted {
		t.Errorf("status = %s, want deleted", got.Status)
	}
	if got.DeletedBy != "owner-42" {
		t.Errorf("deleted_by = %s", got.DeletedBy)
	}

	// Row survives the removal with its tombstone set.
	row, _ := store.GetByID(ctx, created.KeyID)
	if row == nil || row.DeletedAt == nil {
		t.Fatal("soft delete must keep the row with deleted_at set")
	}
	if events := rec.byAction("key.remove"); len(events) != 1 {
		t.Errorf("remove audit events = %d, want 1", len(events))
	}
}

func TestRemoveKey_AlreadyDeletedConflict(t *testing.T) {
	svc, _, store, _ := newTestService()
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, CreateKeyParams{OwnerID: "owner-42", Name: "ci"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	first, err := svc.RemoveKey(ctx, created.KeyID, "owner-42")
	if err != nil {
		t.Fatalf("first RemoveKey: %v", err)
	}

	_, err = svc.RemoveKey(ctx, created.KeyID, "someone-else")
	if !errors.Is(err, ErrKeyAlreadyDeleted) {
		t.Fatalf("err = %v, want ErrKeyAlreadyDeleted", err)
	}

	// Original tombstone is untouched.
	row, _ := store.GetByID(ctx, created.KeyID)
	if !row.DeletedAt.Equal(first.DeletedAt) {
		t.Error("repeat removal must not touch deleted_at")
	}
	if *row.DeletedBy != "owner-42" {
		t.Errorf("deleted_by = %s, want owner-42", *row.DeletedBy)
	}
}

func TestRemoveKey_UnknownID(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.RemoveKey(context.Background(), 404, "owner-42")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound", err)
	}
}

func TestRemoveKey_BlankDeletedBy(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.RemoveKey(context.Background(), 1, " ")
	if CodeOf(err) != CodeInvalidRequest {
		t.Errorf("code = %s, want INVALID_REQUEST", CodeOf(err))
	}
}

// ---------------------------------------------------------------------------
// ListKeys
// ---------------------------------------------------------------------------

func TestListKeys_FilterAndPaginate(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta", "gamma"} {
		if _, err := svc.CreateKey(ctx, CreateKeyParams{OwnerID: "owner-42", Name: name}); err != nil {
			t.Fatalf("CreateKey %s: %v", name, err)
		}
	}

	got, err := svc.ListKeys(ctx, ListParams{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(got.Keys) != 2 {
		t.Errorf("page size = %d, want 2", len(got.Keys))
	}
	if got.Pagination.Total != 3 || got.Pagination.TotalPages != 2 {
		t.Errorf("pagination = %+v", got.Pagination)
	}
	if !got.Pagination.HasNext || got.Pagination.HasPrevious {
		t.Errorf("pagination flags = %+v", got.Pagination)
	}
	for _, item := range got.Keys {
		if item.Status != models.StatusActive {
			t.Errorf("status = %s, want active", item.Status)
		}
	}
}

func TestListKeys_ClampsWindow(t *testing.T) {
	svc, _, _, _ := newTestService()

	got, err := svc.ListKeys(context.Background(), ListParams{Page: 0, Limit: 500})
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if got.Pagination.Page != 1 {
		t.Errorf("page = %d, want clamp to 1", got.Pagination.Page)
	}
	if got.Pagination.Limit != 100 {
		t.Errorf("limit = %d, want clamp to 100", got.Pagination.Limit)
	}
}

func TestListKeys_ExcludesDeletedByDefault(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, CreateKeyParams{OwnerID: "owner-42", Name: "ci"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if _, err := svc.RemoveKey(ctx, created.KeyID, "owner-42"); err != nil {
		t.Fatalf("RemoveKey: %v", err)
	}

	got, err := svc.ListKeys(ctx, ListParams{Page: 1, Limit: 20})
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if got.Pagination.Total != 0 {
		t.Errorf("total = %d, want deleted keys excluded", got.Pagination.Total)
	}

	withDeleted, err := svc.ListKeys(ctx, ListParams{Page: 1, Limit: 20, IncludeDeleted: true})
	if err != nil {
		t.Fatalf("ListKeys include_deleted: %v", err)
	}
	if withDeleted.Pagination.Total != 1 {
		t.Fatalf("total = %d, want 1 with include_deleted", withDeleted.Pagination.Total)
	}
	if withDeleted.Keys[0].Status != models.StatusDeleted {
		t.Errorf("status = %s, want deleted", withDeleted.Keys[0].Status)
	}
}

func TestListKeys_StatusExpired(t *testing.T) {
	svc, _, store, _ := newTestService()
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, CreateKeyParams{OwnerID: "owner-42", Name: "ci"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	row, _ := store.GetByID(ctx, created.KeyID)
	past := time.Now().UTC().Add(-time.Hour)
	row.ExpiryDate = &past

	got, err := svc.ListKeys(ctx, ListParams{Status: "expired", Page: 1, Limit: 20})
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if got.Pagination.Total != 1 {
		t.Fatalf("total = %d, want 1 expired key", got.Pagination.Total)
	}
	if got.Keys[0].Status != models.StatusExpired {
		t.Errorf("status = %s, want expired", got.Keys[0].Status)
	}

	active, err := svc.ListKeys(ctx, ListParams{Status: "active", Page: 1, Limit: 20})
	if err != nil {
		t.Fatalf("ListKeys active: %v", err)
	}
	if active.Pagination.Total != 0 {
		t.Errorf("expired key leaked into active filter: %+v", active.Keys)
	}
}

// ---------------------------------------------------------------------------
// Audit latency
// ---------------------------------------------------------------------------

// Every audit event must report how long the operation attempt took. A clock
// that advances on each reading makes the elapsed time deterministic.
func TestAuditEvents_CarryLatency(t *testing.T) {
	svc, _, _, rec := newTestService()

	clock := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	step := func() time.Time {
		clock = clock.Add(5 * time.Millisecond)
		return clock
	}
	svc.now = step
	svc.generator.now = step
	svc.validator.now = step

	created, err := svc.CreateKey(context.Background(), CreateKeyParams{
		OwnerID: "alice",
		Name:    "ci",
	})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if _, err := svc.ValidateKey(context.Background(), created.ClientID, created.ClientSecret, created.RawKey); err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	newName := "ci-renamed"
	if _, err := svc.UpdateKey(context.Background(), created.KeyID, UpdateKeyParams{Name: &newName, UpdatedBy: "alice"}); err != nil {
		t.Fatalf("UpdateKey: %v", err)
	}
	if _, err := svc.RemoveKey(context.Background(), created.KeyID, "alice"); err != nil {
		t.Fatalf("RemoveKey: %v", err)
	}

	// One provision, one generate, one validate, one update, one remove.
	if len(rec.events) != 5 {
		t.Fatalf("events = %d, want 5: %+v", len(rec.events), rec.events)
	}
	for _, e := range rec.events {
		if e.DurationMS <= 0 {
			t.Errorf("event %s/%s has no latency (DurationMS=%d)", e.Action, e.Outcome, e.DurationMS)
		}
	}
}

// Failed validation attempts carry latency too.
func TestAuditEvents_CarryLatencyOnFailure(t *testing.T) {
	svc, _, _, rec := newTestService()

	clock := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	step := func() time.Time {
		clock = clock.Add(5 * time.Millisecond)
		return clock
	}
	svc.now = step
	svc.validator.now = step

	if _, err := svc.ValidateKey(context.Background(), "no-such-client", "secret", "rawtoken"); err == nil {
		t.Fatal("expected authentication failure")
	}

	events := rec.byAction("key.validate")
	if len(events) != 1 {
		t.Fatalf("validate events = %d, want 1", len(events))
	}
	if events[0].DurationMS <= 0 {
		t.Errorf("failure event has no latency (DurationMS=%d)", events[0].DurationMS)
	}
}
