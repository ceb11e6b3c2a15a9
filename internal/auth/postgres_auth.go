package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// prefixLength is how much of a key is stored in clear for lookup.
const prefixLength = 8

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	KeyID      string
	Name       string
	APIKeyHash string
	Revoked    bool
}

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := &keyRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key_hash, revoked_at IS NOT NULL
		 FROM api_keys
		 WHERE api_key_prefix = $1`,
		prefix,
	).Scan(&row.KeyID, &row.Name, &row.APIKeyHash, &row.Revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("sqlKeyStore.LookupByPrefix: %w", err)
	}
	return row, nil
}

// PostgresAuthenticator validates API keys against the api_keys table.
// Uses AuthCache with stale-while-revalidate to avoid DB + bcrypt on the hot path.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new authenticator backed by PostgreSQL.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  &sqlKeyStore{db: cfg.DB},
		cache:  NewAuthCache(ttl),
		logger: cfg.Logger,
	}
}

// newPostgresAuthenticatorWithStore creates an authenticator with an injected store (for testing).
func newPostgresAuthenticatorWithStore(store KeyStore, cache *AuthCache, logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// Authenticate validates the API key against the database.
//
// Flow:
//  1. Extract Bearer sgk_... from gRPC metadata
//  2. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately
//     - Stale hit: return stale principal, spawn background refresh
//     - Miss: do full DB + bcrypt lookup synchronously
//  3. On DB error: ErrAuthUnavailable. Mutations never proceed unauthenticated.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	apiKey, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	result := a.cache.Get(apiKey)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return result.Principal, nil
	}

	principal, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		return nil, a.handleLookupError(err)
	}

	a.cache.Set(apiKey, principal)
	return principal, nil
}

// backgroundRefresh re-verifies a key whose cache entry went stale. On failure
// the entry is dropped so the next request does a synchronous lookup.
func (a *PostgresAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	principal, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background auth cache refresh failed", zap.Error(err))
		a.cache.Delete(apiKey)
		return
	}
	a.cache.Set(apiKey, principal)
}

// lookupAndVerify does the DB prefix lookup and bcrypt verification.
func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*Principal, error) {
	if len(apiKey) < prefixLength {
		return nil, ErrInvalidAPIKey
	}

	row, err := a.store.LookupByPrefix(ctx, apiKey[:prefixLength])
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if row.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	return &Principal{KeyID: row.KeyID, Name: row.Name}, nil
}

func (a *PostgresAuthenticator) handleLookupError(lookupErr error) error {
	if errors.Is(lookupErr, ErrInvalidAPIKey) {
		return ErrInvalidAPIKey
	}
	a.logger.Warn("auth DB unreachable", zap.Error(lookupErr))
	return fmt.Errorf("%w: %v", ErrAuthUnavailable, lookupErr)
}
