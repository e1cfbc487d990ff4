// Package memory implements the domain store ports on process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

// MarketStore keeps markets keyed by pre-deployment id with an alias index
// for on-chain ids. The lock only guards map access; every update is a
// compare-and-set on the record version.
type MarketStore struct {
	mu      sync.RWMutex
	markets map[common.Hash]domain.Market
	aliases map[common.Hash]common.Hash // on-chain id -> pre-deployment id
	order   map[common.Hash]uint64
	seq     uint64
	now     func() time.Time
}

// NewMarketStore returns an empty store.
func NewMarketStore() *MarketStore {
	return &MarketStore{
		markets: make(map[common.Hash]domain.Market),
		aliases: make(map[common.Hash]common.Hash),
		order:   make(map[common.Hash]uint64),
		now:     time.Now,
	}
}

// Create inserts a new record.
func (s *MarketStore) Create(_ context.Context, m domain.Market) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.PreDeployID]; ok {
		return domain.Market{}, fmt.Errorf("memory: create %s: %w", domain.CanonicalHex(m.PreDeployID), domain.ErrAlreadyExists)
	}
	if _, ok := s.aliases[m.PreDeployID]; ok {
		return domain.Market{}, fmt.Errorf("memory: create %s: %w", domain.CanonicalHex(m.PreDeployID), domain.ErrAlreadyExists)
	}
	now := s.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Version = 1
	s.seq++
	s.order[m.PreDeployID] = s.seq
	s.markets[m.PreDeployID] = m.Clone()
	return m, nil
}

// Get resolves id through either identifier space.
func (s *MarketStore) Get(_ context.Context, id common.Hash) (domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.lookup(id)
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: get %s: %w", domain.CanonicalHex(id), domain.ErrNotFound)
	}
	return m.Clone(), nil
}

// Exists reports whether id resolves to a record.
func (s *MarketStore) Exists(_ context.Context, id common.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.lookup(id)
	return ok, nil
}

func (s *MarketStore) lookup(id common.Hash) (domain.Market, bool) {
	if m, ok := s.markets[id]; ok {
		return m, true
	}
	if pre, ok := s.aliases[id]; ok {
		m, ok := s.markets[pre]
		return m, ok
	}
	return domain.Market{}, false
}

// Update replaces the record when the stored version matches.
func (s *MarketStore) Update(_ context.Context, m domain.Market) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.markets[m.PreDeployID]
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: update %s: %w", domain.CanonicalHex(m.PreDeployID), domain.ErrNotFound)
	}
	if prev.Version != m.Version {
		return domain.Market{}, fmt.Errorf("memory: update %s: %w: have version %d, stored %d",
			domain.CanonicalHex(m.PreDeployID), domain.ErrVersionConflict, m.Version, prev.Version)
	}
	if err := domain.CheckWriteOnce(&prev, &m); err != nil {
		return domain.Market{}, fmt.Errorf("memory: update %s: %w", domain.CanonicalHex(m.PreDeployID), err)
	}
	if m.OnChainID != nil && prev.OnChainID == nil {
		if owner, taken := s.aliases[*m.OnChainID]; taken && owner != m.PreDeployID {
			return domain.Market{}, fmt.Errorf("memory: update %s: %w", domain.CanonicalHex(m.PreDeployID), domain.ErrIdentityConflict)
		}
		if _, taken := s.markets[*m.OnChainID]; taken && *m.OnChainID != m.PreDeployID {
			return domain.Market{}, fmt.Errorf("memory: update %s: %w", domain.CanonicalHex(m.PreDeployID), domain.ErrIdentityConflict)
		}
		s.aliases[*m.OnChainID] = m.PreDeployID
	}

	m.CreatedAt = prev.CreatedAt
	m.UpdatedAt = s.now().UTC()
	m.Version = prev.Version + 1
	s.markets[m.PreDeployID] = m.Clone()
	return m, nil
}

// ListAll returns markets newest first.
func (s *MarketStore) ListAll(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	out := s.filter(func(domain.Market) bool { return true })
	s.mu.RLock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return s.order[out[i].PreDeployID] > s.order[out[j].PreDeployID]
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	s.mu.RUnlock()
	return paginate(out, opts), nil
}

// ListPending returns markets with an unresolved transaction.
func (s *MarketStore) ListPending(_ context.Context) ([]domain.Market, error) {
	return s.filter(func(m domain.Market) bool { return m.Pending != nil }), nil
}

// ListSettled returns markets settled within [from, to).
func (s *MarketStore) ListSettled(_ context.Context, from, to time.Time) ([]domain.Market, error) {
	out := s.filter(func(m domain.Market) bool {
		return m.SettledAt != nil && !m.SettledAt.Before(from) && m.SettledAt.Before(to)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SettledAt.Before(*out[j].SettledAt) })
	return out, nil
}

func (s *MarketStore) filter(keep func(domain.Market) bool) []domain.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	return out
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []T{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
