// Package auth identifies the people behind escrow requests.
//
// Authentication model:
//   - Registration (POST /v1/users) is public and returns an sk_ API key once
//   - Requests authenticate with the API key or a short-lived HS256 bearer token
//   - Operator routes require the X-Admin-Secret header instead of a user
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/escrownow/internal/idgen"
	"github.com/mbd888/escrownow/internal/validation"
)

// Errors
var (
	ErrNoCredentials = errors.New("API key or bearer token required")
	ErrInvalidAPIKey = errors.New("invalid or revoked API key")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrUserNotFound  = errors.New("user not found")
	ErrEmailTaken    = errors.New("email already registered")
	ErrInvalidUser   = errors.New("invalid user details")
)

// User is a registered person who can create or join agreements.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// APIKey represents an API key
type APIKey struct {
	ID        string    `json:"id"`
	Hash      string    `json:"-"` // SHA256 hash of key (stored)
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed,omitempty"`
	Revoked   bool      `json:"revoked"`
}

// Store persists users and their API keys
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateKey(ctx context.Context, key *APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	TouchKey(ctx context.Context, id string, at time.Time) error
	Ping(ctx context.Context) error
}

// RegisterRequest is the request body for POST /v1/users.
type RegisterRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Manager handles registration and credential checks
type Manager struct {
	store  Store
	tokens *TokenIssuer // nil disables bearer tokens
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// WithTokens enables HS256 bearer tokens.
func (m *Manager) WithTokens(t *TokenIssuer) *Manager {
	m.tokens = t
	return m
}

// Tokens returns the token issuer, or nil when tokens are disabled.
func (m *Manager) Tokens() *TokenIssuer {
	return m.tokens
}

// Register creates a user and their first API key.
// Returns the raw key (shown once) and the stored user
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (rawKey string, user *User, err error) {
	email := validation.NormalizeEmail(req.Email)
	name := strings.TrimSpace(req.Name)
	phone := strings.TrimSpace(req.Phone)

	if errs := validation.Validate(
		validation.Required("email", email),
		validation.Email("email", email),
		validation.Required("name", name),
		validation.MaxLength("name", name, 200),
		validation.MaxLength("phone", phone, 32),
	); len(errs) > 0 {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidUser, errs)
	}

	if _, err := m.store.GetUserByEmail(ctx, email); err == nil {
		return "", nil, ErrEmailTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return "", nil, err
	}

	user = &User{
		ID:        idgen.WithPrefix("usr_"),
		Email:     email,
		Name:      name,
		Phone:     phone,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateUser(ctx, user); err != nil {
		return "", nil, err
	}

	rawKey, _, err = m.GenerateKey(ctx, user.ID, "Primary")
	if err != nil {
		return "", nil, err
	}
	return rawKey, user, nil
}

// GenerateKey creates a new API key for a user
// Returns the raw key (shown once) and the stored metadata
func (m *Manager) GenerateKey(ctx context.Context, userID, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)
	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey resolves a raw sk_ key (optionally "Bearer "-prefixed) to its user.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*User, error) {
	rawKey = cleanCredential(rawKey)
	if rawKey == "" {
		return nil, ErrNoCredentials
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetKeyByHash(ctx, hashKey(rawKey))
	if err != nil || key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	user, err := m.store.GetUser(ctx, key.UserID)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	// Fire and forget: last-used tracking must not slow the request.
	go func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.store.TouchKey(ctx, id, time.Now().UTC())
	}(key.ID)

	return user, nil
}

// Authenticate accepts either an sk_ key or a bearer token.
func (m *Manager) Authenticate(ctx context.Context, credential string) (*User, error) {
	credential = cleanCredential(credential)
	switch {
	case credential == "":
		return nil, ErrNoCredentials
	case strings.HasPrefix(credential, "sk_"):
		return m.ValidateKey(ctx, credential)
	case m.tokens != nil:
		claims, err := m.tokens.Parse(credential)
		if err != nil {
			return nil, err
		}
		return &User{ID: claims.Subject, Email: claims.Email}, nil
	default:
		return nil, ErrInvalidToken
	}
}

// GetUser returns a registered user.
func (m *Manager) GetUser(ctx context.Context, id string) (*User, error) {
	return m.store.GetUser(ctx, id)
}

// Ping reports whether the identity store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

func cleanCredential(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "Bearer ") {
		raw = raw[7:]
	}
	return strings.TrimSpace(raw)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User   // by ID
	keys  map[string]*APIKey // by hash
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*User),
		keys:  make(map[string]*APIKey),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return ErrEmailTaken
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (s *MemoryStore) CreateKey(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.Hash] = &cp
	return nil
}

func (s *MemoryStore) GetKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) TouchKey(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id {
			k.LastUsed = at
			return nil
		}
	}
	return ErrKeyNotFound
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
