package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/swapdesk/internal/buyrequest"
)

// RequestMarker moves a buy request to disputed. *buyrequest.MemoryStore
// satisfies it.
type RequestMarker interface {
	MarkDisputed(ctx context.Context, id string) (*buyrequest.BuyRequest, error)
}

// MemoryStore is an in-memory dispute store for development and testing.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	requests RequestMarker
}

// NewMemoryStore creates a dispute store that marks requests through
// requests.
func NewMemoryStore(requests RequestMarker) *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		requests: requests,
	}
}

func (m *MemoryStore) Open(ctx context.Context, d *Dispute) (*buyrequest.BuyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.requests.MarkDisputed(ctx, d.RequestID)
	if err != nil {
		return nil, err
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return r, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) Resolve(_ context.Context, id, resolution string, at time.Time) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}
	d.Status = StatusResolved
	d.Resolution = resolution
	resolvedAt := at
	d.ResolvedAt = &resolvedAt
	return copyDispute(d), nil
}

func (m *MemoryStore) List(_ context.Context, userID string, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if userID != "" && d.UserID != userID {
			continue
		}
		result = append(result, copyDispute(d))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
