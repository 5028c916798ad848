package balance

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mbd888/swapdesk/internal/validation"
)

var maxBalance = decimal.New(1, validation.MaxAmountDigits)

type key struct {
	userID string
	asset  string
}

// MemoryStore is an in-memory balance store for development and testing.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[key]decimal.Decimal
	log      []*Adjustment
}

// NewMemoryStore creates a new in-memory balance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[key]decimal.Decimal)}
}

func (m *MemoryStore) Apply(_ context.Context, adj *Adjustment) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{adj.UserID, adj.Asset}
	next := m.balances[k].Add(adj.Delta)
	if next.IsNegative() {
		return decimal.Zero, ErrInsufficientBalance
	}
	if next.Cmp(maxBalance) >= 0 {
		return decimal.Zero, ErrBalanceTooLarge
	}
	m.balances[k] = next
	cp := *adj
	m.log = append(m.log, &cp)
	return next, nil
}

func (m *MemoryStore) Balances(_ context.Context, userID string) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]decimal.Decimal)
	for k, v := range m.balances {
		if k.userID == userID && !v.IsZero() {
			out[k.asset] = v
		}
	}
	return out, nil
}

func (m *MemoryStore) History(_ context.Context, userID string, limit int) ([]*Adjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Adjustment
	for i := len(m.log) - 1; i >= 0 && len(out) < limit; i-- {
		if m.log[i].UserID == userID {
			cp := *m.log[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
