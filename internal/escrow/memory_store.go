package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/escrownow/internal/pagination"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	txs map[string]*Transaction
	mu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs: make(map[string]*Transaction),
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs[tx.ID] = tx.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	// Deep copy: callers must not share the message slice backing array.
	return tx.Clone(), nil
}

func (m *MemoryStore) CompareAndSwapStatus(ctx context.Context, id string, from, to Status, change StatusChange) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if tx.Status != from {
		return nil, ErrInvalidState
	}

	tx.Status = to
	if change.PartnerID != "" {
		tx.PartnerID = change.PartnerID
	}
	if change.DisputeReason != "" {
		tx.DisputeReason = change.DisputeReason
	}
	if change.Resolution != "" {
		tx.Resolution = change.Resolution
	}
	if !change.At.IsZero() {
		tx.UpdatedAt = change.At
	}
	return tx.Clone(), nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.Messages = append(tx.Messages, msg)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, who Identity, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if _, err := ResolveParty(tx, who); err != nil {
			continue
		}
		if !after.After(tx.CreatedAt, tx.ID) {
			continue
		}
		cp := *tx
		cp.Messages = nil
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
