package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// mockStore implements KeyStore for testing.
type mockStore struct {
	mu         sync.Mutex
	row        *keyRow
	err        error
	lastPrefix string
	callCount  atomic.Int32
}

func (m *mockStore) LookupByPrefix(_ context.Context, prefix string) (*keyRow, error) {
	m.callCount.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPrefix = prefix
	if m.err != nil {
		return nil, m.err
	}
	return m.row, nil
}

func (m *mockStore) setRow(row *keyRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.row = row
}

func pgAuthedCtx() context.Context {
	return ctxWithAuth("Bearer " + testAPIKey)
}

func TestPostgresAuth_CacheMiss_ValidKey(t *testing.T) {
	store := &mockStore{row: &keyRow{KeyID: "key_1", Name: "fleet", APIKeyHash: testHash(t)}}
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	p, err := auth.Authenticate(pgAuthedCtx())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if p.KeyID != "key_1" || p.Name != "fleet" {
		t.Errorf("unexpected principal %+v", p)
	}
	if store.lastPrefix != testAPIKey[:8] {
		t.Errorf("expected lookup by 8-char prefix, got %q", store.lastPrefix)
	}
}

func TestPostgresAuth_CacheHit_NoDBCall(t *testing.T) {
	store := &mockStore{row: &keyRow{KeyID: "key_1", APIKeyHash: testHash(t)}}
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := auth.Authenticate(pgAuthedCtx()); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if store.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call, got %d", store.callCount.Load())
	}
}

func TestPostgresAuth_WrongKey(t *testing.T) {
	store := &mockStore{row: &keyRow{KeyID: "key_1", APIKeyHash: testHash(t)}}
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	_, err := auth.Authenticate(ctxWithAuth("Bearer sgk_test_but_not_the_right_one"))
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got: %v", err)
	}
}

func TestPostgresAuth_RevokedKey(t *testing.T) {
	store := &mockStore{row: &keyRow{KeyID: "key_1", APIKeyHash: testHash(t), Revoked: true}}
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	_, err := auth.Authenticate(pgAuthedCtx())
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey for revoked key, got: %v", err)
	}
}

func TestPostgresAuth_KeyNotFound(t *testing.T) {
	store := &mockStore{err: ErrInvalidAPIKey}
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	_, err := auth.Authenticate(pgAuthedCtx())
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got: %v", err)
	}
}

func TestPostgresAuth_DBDown_ReturnsUnavailable(t *testing.T) {
	store := &mockStore{err: errors.New("connection refused")}
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	_, err := auth.Authenticate(pgAuthedCtx())
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Errorf("expected ErrAuthUnavailable, got: %v", err)
	}
}

func TestPostgresAuth_MissingAPIKey(t *testing.T) {
	store := &mockStore{}
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	_, err := auth.Authenticate(context.Background())
	if err != ErrMissingAPIKey {
		t.Errorf("expected ErrMissingAPIKey, got: %v", err)
	}
	if store.callCount.Load() != 0 {
		t.Error("DB should not be called when API key is missing")
	}
}

func TestPostgresAuth_StaleHit_ServesStaleAndRefreshes(t *testing.T) {
	hash := testHash(t)
	store := &mockStore{row: &keyRow{KeyID: "key_1", Name: "before", APIKeyHash: hash}}
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Millisecond), zap.NewNop())

	p, err := auth.Authenticate(pgAuthedCtx())
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if p.Name != "before" {
		t.Fatalf("expected name before, got %s", p.Name)
	}

	time.Sleep(5 * time.Millisecond)
	store.setRow(&keyRow{KeyID: "key_1", Name: "after", APIKeyHash: hash})

	p2, err := auth.Authenticate(pgAuthedCtx())
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if p2.Name != "before" {
		t.Errorf("stale hit should return old name, got %s", p2.Name)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		p3, err := auth.Authenticate(pgAuthedCtx())
		if err != nil {
			t.Fatalf("third call failed: %v", err)
		}
		if p3.Name == "after" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background refresh never landed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
