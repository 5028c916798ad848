package buyrequest

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory buy request store for development and testing.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*BuyRequest
}

// NewMemoryStore creates a new in-memory buy request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*BuyRequest)}
}

func (m *MemoryStore) Create(_ context.Context, r *BuyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[r.ID]; ok {
		return ErrDuplicateID
	}
	if r.Status.IsActive() && m.activeLocked(r.UserID) != nil {
		return ErrActiveRequestExists
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*BuyRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateIf(_ context.Context, r *BuyRequest, expectStatus Status, expectOperator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.requests[r.ID]
	if !ok {
		return ErrRequestNotFound
	}
	if cur.Deleted || cur.Status != expectStatus || cur.OperatorID != expectOperator {
		return ErrStaleWrite
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

// MarkDisputed forces a live request to disputed whatever its status.
func (m *MemoryStore) MarkDisputed(_ context.Context, id string) (*BuyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok || r.Deleted {
		return nil, ErrRequestNotFound
	}
	r.Status = StatusDisputed
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ActiveForUser(_ context.Context, userID string) (*BuyRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := m.activeLocked(userID)
	if r == nil {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) activeLocked(userID string) *BuyRequest {
	for _, r := range m.requests {
		if r.UserID == userID && !r.Deleted && r.Status.IsActive() {
			return r
		}
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*BuyRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*BuyRequest
	for _, r := range m.requests {
		if r.Deleted && !filter.IncludeDeleted {
			continue
		}
		if filter.UserID != "" && r.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
