package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

// AuditStore is an append-only in-memory audit log.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore returns an empty audit log.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Log appends an entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		MarketID:  domain.AuditMarketID(detail),
		Detail:    maps.Clone(detail),
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		out = append(out, s.entries[i])
	}
	return paginate(out, opts), nil
}

// ListForMarket returns one market's entries oldest first.
func (s *AuditStore) ListForMarket(_ context.Context, preDeployID common.Hash, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	want := domain.CanonicalHex(preDeployID)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.AuditEntry{}
	for _, e := range s.entries {
		if e.MarketID == want {
			out = append(out, e)
		}
	}
	return paginate(out, opts), nil
}
