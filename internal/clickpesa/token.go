package clickpesa

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/pochipay/pochi/internal/idgen"
)

// Gateway tokens are valid for one hour; refresh five minutes early so
// an in-flight request never carries a token about to expire.
const (
	TokenValidity      = time.Hour
	TokenRefreshBuffer = 5 * time.Minute
)

// Token is a cached gateway JWT with its expiry.
type Token struct {
	ID        string
	Value     string // includes the "Bearer " prefix
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Valid reports whether the token is usable past the refresh buffer at
// the given instant.
func (t *Token) Valid(now time.Time) bool {
	return t != nil && t.Value != "" && t.ExpiresAt.After(now.Add(TokenRefreshBuffer))
}

// TokenStore persists the active gateway token across restarts.
type TokenStore interface {
	// Active returns the current active token, or nil if none.
	Active(ctx context.Context) (*Token, error)
	// Save stores a new token and deactivates any previous one.
	Save(ctx context.Context, t *Token) error
	// Invalidate deactivates all stored tokens.
	Invalidate(ctx context.Context) error
}

// issuer obtains a fresh token from the gateway. Implemented by Client.
type issuer interface {
	GenerateToken(ctx context.Context) (string, error)
}

// TokenCache serves tokens from the store, issuing a new one when the
// cached token is missing or inside the refresh buffer. Concurrent
// callers share one refresh.
type TokenCache struct {
	mu     sync.Mutex
	store  TokenStore
	issuer issuer
	now    func() time.Time
}

// NewTokenCache creates a cache over the given store.
func NewTokenCache(store TokenStore) *TokenCache {
	return &TokenCache{store: store, now: time.Now}
}

func (c *TokenCache) setIssuer(i issuer) {
	c.mu.Lock()
	c.issuer = i
	c.mu.Unlock()
}

// Get returns a valid Bearer token, refreshing through the issuer when
// needed. forceRefresh skips the cache entirely.
func (c *TokenCache) Get(ctx context.Context, forceRefresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh {
		cached, err := c.store.Active(ctx)
		if err != nil {
			return "", err
		}
		if cached.Valid(c.now()) {
			return cached.Value, nil
		}
	}

	if c.issuer == nil {
		return "", errors.New("token cache has no issuer configured")
	}

	raw, err := c.issuer.GenerateToken(ctx)
	if err != nil {
		return "", err
	}

	value := raw
	if !strings.HasPrefix(value, "Bearer ") {
		value = "Bearer " + value
	}

	now := c.now()
	t := &Token{
		ID:        idgen.WithPrefix("tok"),
		Value:     value,
		ExpiresAt: now.Add(TokenValidity),
		CreatedAt: now,
	}
	if err := c.store.Save(ctx, t); err != nil {
		return "", err
	}
	return t.Value, nil
}

// Invalidate drops the cached token. Used after a 401/403 so the next
// request issues a fresh one.
func (c *TokenCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Invalidate(ctx)
}

// MemoryTokenStore keeps the token in memory. Used for tests and
// single-instance deployments without Postgres.
type MemoryTokenStore struct {
	mu    sync.RWMutex
	token *Token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Active(ctx context.Context) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *MemoryTokenStore) Save(ctx context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = t
	return nil
}

func (s *MemoryTokenStore) Invalidate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	return nil
}

// PostgresTokenStore persists tokens in gateway_tokens so replicas
// share one token instead of each issuing their own.
type PostgresTokenStore struct {
	db *sql.DB
}

func NewPostgresTokenStore(db *sql.DB) *PostgresTokenStore {
	return &PostgresTokenStore{db: db}
}

func (s *PostgresTokenStore) Active(ctx context.Context) (*Token, error) {
	var t Token
	err := s.db.QueryRowContext(ctx, `
		SELECT id, token, expires_at, created_at
		FROM gateway_tokens
		WHERE is_active = TRUE
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&t.ID, &t.Value, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresTokenStore) Save(ctx context.Context, t *Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE gateway_tokens SET is_active = FALSE WHERE is_active = TRUE`,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO gateway_tokens (id, token, expires_at, is_active, created_at)
		VALUES ($1, $2, $3, TRUE, $4)
	`, t.ID, t.Value, t.ExpiresAt, t.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresTokenStore) Invalidate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateway_tokens SET is_active = FALSE WHERE is_active = TRUE`,
	)
	return err
}
