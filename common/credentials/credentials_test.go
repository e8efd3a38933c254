package credentials

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowmesh/flowmesh/common/expr"
	"github.com/flowmesh/flowmesh/common/fault"
	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/models"
	"github.com/flowmesh/flowmesh/common/repository"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

var testClock = func() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func testLog() *logger.Logger {
	return logger.New("error", "text")
}

func sealDoc(t *testing.T, doc string) []byte {
	t.Helper()
	c, err := NewCipher(testKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	sealed, err := c.Seal([]byte(doc))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return sealed
}

func newResolver(t *testing.T, store repository.CredentialStore, refresh RefreshFunc) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverOpts{
		Store:   store,
		Key:     testKey,
		Logger:  testLog(),
		Refresh: refresh,
		Clock:   testClock,
	})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return r
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	sealed, err := c.Seal([]byte(`{"apiKey":"k-123"}`))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	plain, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plain) != `{"apiKey":"k-123"}` {
		t.Errorf("round trip: %s", plain)
	}

	// Tampered ciphertext must not open.
	sealed[len(sealed)-1] ^= 0xff
	if _, err := c.Open(sealed); err == nil {
		t.Error("expected error opening tampered payload")
	}
	if _, err := c.Open([]byte("short")); err == nil {
		t.Error("expected error opening truncated payload")
	}
}

func TestCipherKeyValidation(t *testing.T) {
	if _, err := NewCipher("not-hex"); err == nil {
		t.Error("expected error for non-hex key")
	}
	if _, err := NewCipher("abcd"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestResolverGetDecryptedSecret(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	if err := store.PutCredential(ctx, &models.Credential{
		ID:       "cred-1",
		TenantID: "t1",
		Type:     "api_key",
		Data:     sealDoc(t, `{"apiKey":"k-123"}`),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	r := newResolver(t, store, nil)

	secret, err := r.GetDecryptedSecret(ctx, "t1", "cred-1")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if res, ok := secret.Field("apiKey"); !ok || res.String() != "k-123" {
		t.Errorf("field apiKey: %v %v", res, ok)
	}

	secret.Wipe()
	if secret.Raw() != nil {
		t.Error("wipe must drop the plaintext")
	}
	secret.Wipe() // idempotent

	var credErr *fault.CredentialError
	if _, err := r.GetDecryptedSecret(ctx, "t1", "missing"); !errors.As(err, &credErr) {
		t.Errorf("missing credential: got %v", err)
	}
	// A credential belonging to another tenant is indistinguishable from a
	// missing one.
	if _, err := r.GetDecryptedSecret(ctx, "t2", "cred-1"); !errors.As(err, &credErr) {
		t.Errorf("cross-tenant credential: got %v", err)
	}
}

func TestResolverWrongKey(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	if err := store.PutCredential(ctx, &models.Credential{
		ID:       "cred-1",
		TenantID: "t1",
		Data:     []byte("not a sealed payload at all"),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	r := newResolver(t, store, nil)

	var credErr *fault.CredentialError
	if _, err := r.GetDecryptedSecret(ctx, "t1", "cred-1"); !errors.As(err, &credErr) {
		t.Fatalf("undecryptable: got %v", err)
	}
	if err := r.Validate(ctx, "t1", "cred-1"); !errors.As(err, &credErr) {
		t.Errorf("validate undecryptable: got %v", err)
	}
}

func TestResolverValidate(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	if err := store.PutCredential(ctx, &models.Credential{
		ID:       "cred-1",
		TenantID: "t1",
		Data:     sealDoc(t, `{"token":"tk"}`),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	r := newResolver(t, store, nil)

	if err := r.Validate(ctx, "t1", "cred-1"); err != nil {
		t.Errorf("validate: %v", err)
	}
	if err := r.Validate(ctx, "t1", "missing"); err == nil {
		t.Error("expected error validating missing credential")
	}
}

func TestResolverExpiry(t *testing.T) {
	ctx := context.Background()
	expired := testClock().Add(-time.Hour)

	t.Run("no hook", func(t *testing.T) {
		store := repository.NewMemoryStore()
		if err := store.PutCredential(ctx, &models.Credential{
			ID:        "cred-1",
			TenantID:  "t1",
			Data:      sealDoc(t, `{"token":"old"}`),
			ExpiresAt: &expired,
		}); err != nil {
			t.Fatalf("put: %v", err)
		}
		r := newResolver(t, store, nil)

		var credErr *fault.CredentialError
		if _, err := r.GetDecryptedSecret(ctx, "t1", "cred-1"); !errors.As(err, &credErr) {
			t.Errorf("expired without hook: got %v", err)
		}
		// RefreshIfNeeded without a hook is a no-op, not an error.
		if err := r.RefreshIfNeeded(ctx, "t1", "cred-1"); err != nil {
			t.Errorf("refresh without hook: %v", err)
		}
	})

	t.Run("with hook", func(t *testing.T) {
		store := repository.NewMemoryStore()
		if err := store.PutCredential(ctx, &models.Credential{
			ID:        "cred-1",
			TenantID:  "t1",
			Data:      sealDoc(t, `{"token":"old"}`),
			ExpiresAt: &expired,
		}); err != nil {
			t.Fatalf("put: %v", err)
		}
		fresh := testClock().Add(time.Hour)
		refreshed := 0
		hook := func(_ context.Context, cred *models.Credential) (*models.Credential, error) {
			refreshed++
			out := *cred
			out.Data = sealDoc(t, `{"token":"new"}`)
			out.ExpiresAt = &fresh
			return &out, nil
		}
		r := newResolver(t, store, hook)

		secret, err := r.GetDecryptedSecret(ctx, "t1", "cred-1")
		if err != nil {
			t.Fatalf("get after refresh: %v", err)
		}
		defer secret.Wipe()
		if res, _ := secret.Field("token"); res.String() != "new" {
			t.Errorf("token = %q, want new", res.String())
		}
		if refreshed != 1 {
			t.Errorf("hook called %d times, want 1", refreshed)
		}

		// The refreshed payload is persisted.
		stored, err := store.GetCredential(ctx, "t1", "cred-1")
		if err != nil {
			t.Fatalf("get stored: %v", err)
		}
		if bytes.Equal(stored.Data, sealDoc(t, `{"token":"old"}`)) {
			t.Error("store still holds the old payload")
		}
		if stored.ExpiresAt == nil || !stored.ExpiresAt.Equal(fresh) {
			t.Errorf("expiry not advanced: %v", stored.ExpiresAt)
		}

		// A fresh credential is not refreshed again.
		if err := r.RefreshIfNeeded(ctx, "t1", "cred-1"); err != nil {
			t.Fatalf("refresh fresh credential: %v", err)
		}
		if refreshed != 1 {
			t.Errorf("hook called %d times after no-op refresh, want 1", refreshed)
		}
	})
}

func TestExprSourceField(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	if err := store.PutCredential(ctx, &models.Credential{
		ID:       "crm",
		TenantID: "t1",
		Data:     sealDoc(t, `{"apiKey":"k-123","refreshToken":"rt-999","retries":3}`),
		Metadata: map[string]string{"allowed_fields": "apiKey, retries"},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutCredential(ctx, &models.Credential{
		ID:       "locked",
		TenantID: "t1",
		Data:     sealDoc(t, `{"password":"hunter2"}`),
	}); err != nil {
		t.Fatalf("put locked: %v", err)
	}
	r := newResolver(t, store, nil)
	src := r.Source(ctx, "t1")

	v, err := src.Field("crm", "apiKey")
	if err != nil {
		t.Fatalf("allowed field: %v", err)
	}
	// The value must not alias the wiped plaintext buffer.
	if v != "k-123" {
		t.Errorf("apiKey = %v, want k-123", v)
	}
	if v, err := src.Field("crm", "retries"); err != nil || v != float64(3) {
		t.Errorf("retries = %v (%v), want 3", v, err)
	}

	var credErr *fault.CredentialError
	if _, err := src.Field("crm", "refreshToken"); !errors.As(err, &credErr) {
		t.Errorf("non-allowlisted field: got %v, want credential error", err)
	}
	if _, err := src.Field("locked", "password"); !errors.As(err, &credErr) {
		t.Errorf("credential without allowlist: got %v, want credential error", err)
	}
	if _, err := src.Field("missing", "apiKey"); !errors.As(err, &credErr) {
		t.Errorf("missing credential: got %v, want credential error", err)
	}

	// Allowlisted but absent in the document resolves to undefined, matching
	// bag lookups that walk off the data.
	if err := store.PutCredential(ctx, &models.Credential{
		ID:       "sparse",
		TenantID: "t1",
		Data:     sealDoc(t, `{}`),
		Metadata: map[string]string{"allowed_fields": "apiKey"},
	}); err != nil {
		t.Fatalf("put sparse: %v", err)
	}
	v, err = src.Field("sparse", "apiKey")
	if err != nil {
		t.Fatalf("sparse field: %v", err)
	}
	if !expr.IsUndefined(v) {
		t.Errorf("sparse field = %v, want undefined", v)
	}
}

func TestExprSourceInExpression(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	if err := store.PutCredential(ctx, &models.Credential{
		ID:       "crm",
		TenantID: "t1",
		Data:     sealDoc(t, `{"apiKey":"k-123"}`),
		Metadata: map[string]string{"allowed_fields": "apiKey"},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	r := newResolver(t, store, nil)

	env := &expr.Env{Credentials: r.Source(ctx, "t1")}
	out, err := expr.Render("Bearer {{$credentials.crm.apiKey}}", env)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "Bearer k-123" {
		t.Errorf("render = %q", out)
	}

	if _, err := expr.Render("{{$credentials.crm.refreshToken}}", env); err == nil {
		t.Error("expected error rendering non-allowlisted field")
	}
}
