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

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	ID      string
	Name    string
	Role    string
	KeyHash string
}

const createKeysTableSQL = `
	CREATE TABLE IF NOT EXISTS mcp_gate_api_keys (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		role        TEXT NOT NULL,
		key_prefix  TEXT NOT NULL UNIQUE,
		key_hash    TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		revoked_at  TIMESTAMPTZ
	)
`

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, key_hash
		FROM mcp_gate_api_keys
		WHERE key_prefix = $1 AND revoked_at IS NULL
	`, prefix)

	var r keyRow
	if err := row.Scan(&r.ID, &r.Name, &r.Role, &r.KeyHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return &r, nil
}

// EnsureKeysSchema creates the API key table if it is missing.
func EnsureKeysSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createKeysTableSQL); err != nil {
		return fmt.Errorf("EnsureKeysSchema: %w", err)
	}
	return nil
}

// PostgresAuthenticator validates API keys against the mcp_gate_api_keys
// table. Failures are never degraded to an anonymous principal.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *principalCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return NewPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func NewPostgresAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  store,
		cache:  newPrincipalCache(cacheTTL),
		logger: logger,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	if cached := a.cache.lookup(token); cached.found {
		if cached.refresh {
			go a.refreshInBackground(token)
		}
		return cached.principal, nil
	}

	p, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("Authenticate: %w", err)
	}
	a.cache.store(token, p)
	return p, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*Principal, error) {
	row, err := a.store.LookupByPrefix(ctx, token[:lookupPrefixLen])
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}
	role, err := ParseRole(row.Role)
	if err != nil {
		a.logger.Warn("api key has unknown role", zap.String("key_id", row.ID), zap.String("role", row.Role))
		return nil, ErrUnauthenticated
	}
	return &Principal{ID: row.ID, Name: row.Name, Role: role}, nil
}

// refreshInBackground re-validates a stale key. A key that no longer
// authenticates is evicted; a transient error keeps the stale entry.
func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := a.authenticateFromDB(ctx, token)
	switch {
	case errors.Is(err, ErrUnauthenticated):
		a.cache.evict(token)
	case err != nil:
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		a.cache.releaseRefresh(token)
	default:
		a.cache.store(token, p)
	}
}

// HashKey returns the bcrypt hash and lookup prefix to store for a new key.
func HashKey(key string) (hash, prefix string, err error) {
	if len(key) < lookupPrefixLen {
		return "", "", fmt.Errorf("HashKey: key too short")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("HashKey: %w", err)
	}
	return string(h), key[:lookupPrefixLen], nil
}
