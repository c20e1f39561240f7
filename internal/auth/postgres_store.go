package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists users and API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateUser stores a new user, mapping the unique email violation to ErrEmailTaken
func (p *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, phone, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.Email, u.Name, u.Phone, u.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return ErrEmailTaken
	}
	return err
}

// GetUser retrieves a user by id
func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return p.getUser(ctx, `SELECT id, email, name, phone, created_at FROM users WHERE id = $1`, id)
}

// GetUserByEmail retrieves a user by normalized email
func (p *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return p.getUser(ctx, `SELECT id, email, name, phone, created_at FROM users WHERE email = $1`, email)
}

func (p *PostgresStore) getUser(ctx context.Context, query, arg string) (*User, error) {
	u := &User{}
	err := p.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Name, &u.Phone, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// CreateKey stores a new API key
func (p *PostgresStore) CreateKey(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, user_id, name, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.Hash, key.UserID, key.Name, key.CreatedAt, key.Revoked)
	return err
}

// GetKeyByHash retrieves an active API key by its hash
func (p *PostgresStore) GetKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	key := &APIKey{}
	var lastUsed sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, hash, user_id, name, created_at, last_used, revoked
		FROM api_keys WHERE hash = $1 AND revoked = FALSE
	`, hash).Scan(&key.ID, &key.Hash, &key.UserID, &key.Name, &key.CreatedAt, &lastUsed, &key.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	return key, nil
}

// TouchKey records the last time a key was used
func (p *PostgresStore) TouchKey(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE api_keys SET last_used = $2 WHERE id = $1`, id, at)
	return err
}

// Ping checks the database connection
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

var _ Store = (*PostgresStore)(nil)
